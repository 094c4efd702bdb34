// Package ops implements image-encoded tensor operators on top of the
// kernel dispatch core.
package ops

import (
	"context"
	"fmt"
	"sort"

	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/kernel"
	"github.com/samcharles93/kdispatch/internal/logger"
	"github.com/samcharles93/kdispatch/internal/tensor"
	"github.com/samcharles93/kdispatch/internal/tuning"
)

// Env is what every operator instance needs from its host process.
type Env struct {
	Runtime device.Runtime
	Tuner   *tuning.Tuner
	Log     logger.Logger
	Options kernel.Options
}

func (e *Env) logger() logger.Logger {
	return logger.OrDiscard(e.Log)
}

// Operator is the entry point the graph executor calls.
type Operator interface {
	Name() string
	// Execute validates shapes, sizes out, and enqueues the kernel. It does
	// not wait; the returned future completes with the device work.
	Execute(ctx context.Context, in, out *tensor.Tensor) (device.Future, error)
	Close() error
}

const (
	SpaceToDepthName = "space_to_depth"
	DepthToSpaceName = "depth_to_space"
)

type constructor func(env *Env, blockSize int) (Operator, error)

var registry = map[string]constructor{
	SpaceToDepthName: func(env *Env, b int) (Operator, error) { return NewSpaceToDepth(env, b) },
	DepthToSpaceName: func(env *Env, b int) (Operator, error) { return NewDepthToSpace(env, b) },
}

// New creates the named block operator.
func New(env *Env, name string, blockSize int) (Operator, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown op %q (expected one of %v)", name, Names())
	}
	return ctor(env, blockSize)
}

// Names lists the registered operators.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
