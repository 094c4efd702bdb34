// Package kernel builds, binds and launches device kernels: the per-op
// program cache, positional argument descriptors, execution geometry and the
// executor that enqueues NDRanges.
package kernel

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/kdispatch/internal/device"
)

// Options are the per-op execution switches.
type Options struct {
	DataType device.ElementType
	// OutOfRangeCheck compiles kernels with image bounds diagnostics and
	// checks the diagnostic buffer after every launch.
	OutOfRangeCheck bool
	// ObfuscateSymbols renames kernel entry points to opaque aliases.
	ObfuscateSymbols bool
	// KernelTimeLimit splits long launches along z so a single command
	// stays under the limit. Only applied to tuned launches.
	KernelTimeLimit time.Duration
}

// BuildOptions is a set of -D defines. Order does not matter.
type BuildOptions map[string]string

// Define adds -DKEY=VALUE.
func (o BuildOptions) Define(key, value string) {
	o[key] = value
}

// Flag adds -DKEY.
func (o BuildOptions) Flag(key string) {
	o[key] = ""
}

// List renders the defines sorted by key.
func (o BuildOptions) List() []string {
	keys := slices.Sorted(maps.Keys(o))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := o[k]; v != "" {
			out = append(out, "-D"+k+"="+v)
		} else {
			out = append(out, "-D"+k)
		}
	}
	return out
}

// Key is the cache identity of the option set.
func (o BuildOptions) Key() string {
	return strings.Join(o.List(), " ")
}

// StandardOptions returns the defines every image kernel is compiled with.
func StandardOptions(opts Options, info device.Info) BuildOptions {
	b := BuildOptions{}
	if opts.DataType == device.Float16 {
		b.Define("DATA_TYPE", "half")
		b.Define("CMD_DATA_TYPE", "h")
	} else {
		b.Define("DATA_TYPE", "float")
		b.Define("CMD_DATA_TYPE", "f")
	}
	if opts.OutOfRangeCheck {
		b.Flag("OUT_OF_RANGE_CHECK")
	}
	if info.NonUniformWorkGroups {
		b.Flag("NON_UNIFORM_WORK_GROUP")
	}
	return b
}

// ObfuscateSymbol returns name, or a stable opaque alias for it when enabled.
func ObfuscateSymbol(name string, enabled bool) string {
	if !enabled {
		return name
	}
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
	hex := strings.ReplaceAll(id.String(), "-", "")
	return "k" + hex[:20]
}
