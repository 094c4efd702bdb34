package ops

import (
	"context"
	"fmt"

	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/errdefs"
	"github.com/samcharles93/kdispatch/internal/layout"
	"github.com/samcharles93/kdispatch/internal/tensor"
)

// Result is the host copy of one operator application.
type Result struct {
	Shape layout.Shape
	Data  []float32
	Stats device.CallStats
}

// Ramp returns 0, 1, 2, ... for n elements. It is the default input of
// one-shot runs so outputs are easy to eyeball.
func Ramp(n int) []float32 {
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i)
	}
	return data
}

// Apply uploads data into a fresh tensor, runs op once and downloads the
// output. A nil data uses Ramp. Both tensors are released before returning.
func Apply(ctx context.Context, env *Env, op Operator, shape layout.Shape, data []float32) (Result, error) {
	if !shape.Valid() {
		return Result{}, errdefs.Shapef(op.Name(), "invalid input shape %v", shape)
	}
	if data == nil {
		data = Ramp(shape.Elements())
	}
	in := tensor.New("input", env.Runtime, env.Options.DataType)
	defer in.Release()
	out := tensor.New("output", env.Runtime, env.Options.DataType)
	defer out.Release()

	if err := in.CopyFromHost(ctx, shape, data); err != nil {
		return Result{}, err
	}
	fut, err := op.Execute(ctx, in, out)
	if err != nil {
		return Result{}, err
	}
	if err := fut.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("%s: wait: %w", op.Name(), err)
	}
	values, err := out.CopyToHost(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{Shape: out.Shape(), Data: values, Stats: fut.Stats()}, nil
}
