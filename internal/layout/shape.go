// Package layout maps logical NHWC tensor shapes to the 2-D RGBA image
// encoding used by device kernels, and derives operator output shapes.
// Everything here is pure.
package layout

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samcharles93/kdispatch/internal/errdefs"
)

// Shape is a logical 4-D tensor shape in NHWC order.
type Shape [4]int

func NewShape(batch, height, width, channels int) Shape {
	return Shape{batch, height, width, channels}
}

func (s Shape) Batch() int    { return s[0] }
func (s Shape) Height() int   { return s[1] }
func (s Shape) Width() int    { return s[2] }
func (s Shape) Channels() int { return s[3] }

// Elements is the number of logical values.
func (s Shape) Elements() int {
	return s[0] * s[1] * s[2] * s[3]
}

// Dims returns the shape as a slice, for the rank-generic image rules.
func (s Shape) Dims() []int {
	return []int{s[0], s[1], s[2], s[3]}
}

// Valid reports whether every dimension is positive.
func (s Shape) Valid() bool {
	return s[0] > 0 && s[1] > 0 && s[2] > 0 && s[3] > 0
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", s[0], s[1], s[2], s[3])
}

// ParseShape parses "n,h,w,c" (also accepting 'x' as a separator).
func ParseShape(text string) (Shape, error) {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == 'x' || r == ' '
	})
	if len(fields) != 4 {
		return Shape{}, fmt.Errorf("shape %q: expected 4 dimensions, got %d", text, len(fields))
	}
	var s Shape
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return Shape{}, fmt.Errorf("shape %q: dimension %d: %w", text, i, err)
		}
		if v <= 0 {
			return Shape{}, fmt.Errorf("shape %q: dimension %d must be positive", text, i)
		}
		s[i] = v
	}
	return s, nil
}

// SpaceToDepthShape is (N, H/b, W/b, C*b*b). C must be a multiple of 4 and
// both spatial dims divisible by b.
func SpaceToDepthShape(in Shape, block int) (Shape, error) {
	const op = "space_to_depth"
	if block < 1 {
		return Shape{}, errdefs.Shapef(op, "block size must be >= 1, got %d", block)
	}
	if !in.Valid() {
		return Shape{}, errdefs.Shapef(op, "invalid input shape %v", in)
	}
	if in.Channels()%4 != 0 {
		return Shape{}, errdefs.Shape(op, "channel depth must be a multiple of 4")
	}
	if in.Width()%block != 0 || in.Height()%block != 0 {
		return Shape{}, errdefs.Shape(op, "spatial dims must be divisible by block size")
	}
	return Shape{
		in.Batch(),
		in.Height() / block,
		in.Width() / block,
		in.Channels() * block * block,
	}, nil
}

// DepthToSpaceShape is (N, H*b, W*b, C/(b*b)). C must be divisible by b*b and
// the resulting depth must be a multiple of 4.
func DepthToSpaceShape(in Shape, block int) (Shape, error) {
	const op = "depth_to_space"
	if block < 1 {
		return Shape{}, errdefs.Shapef(op, "block size must be >= 1, got %d", block)
	}
	if !in.Valid() {
		return Shape{}, errdefs.Shapef(op, "invalid input shape %v", in)
	}
	bb := block * block
	if in.Channels()%bb != 0 {
		return Shape{}, errdefs.Shape(op, "channel depth must be divisible by block size squared")
	}
	if (in.Channels()/bb)%4 != 0 {
		return Shape{}, errdefs.Shape(op, "output channel depth must be a multiple of 4")
	}
	return Shape{
		in.Batch(),
		in.Height() * block,
		in.Width() * block,
		in.Channels() / bb,
	}, nil
}

func RoundUp(v, factor int) int {
	return (v + factor - 1) / factor * factor
}

func RoundUpDiv(v, factor int) int {
	return (v + factor - 1) / factor
}

func RoundUpDiv4(v int) int {
	return (v + 3) >> 2
}
