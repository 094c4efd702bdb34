// Package device defines the contract between the dispatch core and a
// parallel compute runtime: program builds, image storage, positional kernel
// arguments, NDRange enqueue and completion futures.
//
// Implementations live in subpackages (host, webgpu). The dispatch core only
// talks to the Runtime interface.
package device

import (
	"context"
	"fmt"
	"strings"
)

// Range is a 3-D work size (global, local or offset).
type Range [3]uint32

// Size returns the number of work items covered by the range.
func (r Range) Size() uint64 {
	return uint64(r[0]) * uint64(r[1]) * uint64(r[2])
}

func (r Range) String() string {
	return fmt.Sprintf("%dx%dx%d", r[0], r[1], r[2])
}

// ElementType is the storage type of an image channel.
type ElementType int

const (
	Float32 ElementType = iota
	Float16
)

func (t ElementType) String() string {
	if t == Float16 {
		return "float16"
	}
	return "float32"
}

// ImageShape is the 2-D encoding of a tensor: Width x Height RGBA pixels.
type ImageShape struct {
	Width  int
	Height int
}

func (s ImageShape) Pixels() int {
	return s.Width * s.Height
}

// Info describes a device and its execution limits.
type Info struct {
	Name    string
	Vendor  string
	Backend string
	Version string

	ComputeUnits       uint32
	MaxWorkGroupSize   uint32
	MaxWorkItemSizes   Range
	GlobalMemCacheSize uint64
	MaxImageWidth      int
	MaxImageHeight     int

	// NonUniformWorkGroups reports whether the global size may be a
	// non-multiple of the local size.
	NonUniformWorkGroups bool
}

// Identity is a stable string identifying the device for tuning signatures.
func (i Info) Identity() string {
	parts := []string{i.Backend, i.Vendor, i.Name, i.Version}
	return strings.Join(parts, "/")
}

// Image is an opaque handle to a device-resident 2-D RGBA image.
type Image interface {
	Shape() ImageShape
	ElementType() ElementType
	Release() error
}

// ErrorBuffer is the out-of-range diagnostic buffer. Kernels built with
// OUT_OF_RANGE_CHECK set it to a non-zero code when a lane touches an image
// outside its bounds.
type ErrorBuffer interface {
	// Reset clears the flag. It waits for queued work first.
	Reset(ctx context.Context) error
	// Read returns the flag after all queued work has completed.
	Read(ctx context.Context) (int32, error)
	Release() error
}

// Program is a compiled kernel handle. Arguments are bound to it with
// Runtime.SetArgs and persist until re-bound.
type Program interface {
	Name() string
	Entry() string
	Options() []string
}

// Runtime is the device abstraction consumed by the dispatch core.
type Runtime interface {
	Info() Info

	// BuildProgram compiles kernel source name with build options and returns
	// a handle to the kernel whose symbol is entry.
	BuildProgram(ctx context.Context, name, entry string, options []string) (Program, error)
	// KernelMaxWorkGroupSize is the largest local size product the kernel can run with.
	KernelMaxWorkGroupSize(p Program) uint32

	// SetArgs binds the positional argument list of p.
	SetArgs(p Program, args []Arg) error
	// Enqueue submits p over gws with local size lws, starting at offset.
	// It does not block.
	Enqueue(ctx context.Context, p Program, offset, gws, lws Range) (Future, error)
	// Finish blocks until every enqueued command has completed.
	Finish(ctx context.Context) error

	NewImage(shape ImageShape, t ElementType) (Image, error)
	NewErrorBuffer() (ErrorBuffer, error)
	// WriteImage uploads RGBA pixels (4 values per pixel, row-major).
	WriteImage(ctx context.Context, img Image, pixels []float32) error
	// ReadImage downloads RGBA pixels after queued work completes.
	ReadImage(ctx context.Context, img Image) ([]float32, error)

	Close() error
}
