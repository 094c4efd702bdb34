package tensor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/device/host"
	"github.com/samcharles93/kdispatch/internal/errdefs"
	"github.com/samcharles93/kdispatch/internal/layout"
)

func newRuntime(t *testing.T) *host.Runtime {
	t.Helper()
	rt := host.New(host.Options{Workers: 2})
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

func TestCopyRoundTrip(t *testing.T) {
	ctx := context.Background()
	tn := New("input", newRuntime(t), device.Float32)
	defer tn.Release()

	shape := layout.NewShape(2, 3, 2, 6)
	data := ramp(shape.Elements())
	require.NoError(t, tn.CopyFromHost(ctx, shape, data))
	require.Equal(t, shape, tn.Shape())
	require.Equal(t, 6, tn.Dim(3))
	require.Equal(t, device.ImageShape{Width: 4, Height: 6}, tn.ImageShape())

	got, err := tn.CopyToHost(ctx)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestResizeKeepsLargerImage(t *testing.T) {
	ctx := context.Background()
	tn := New("output", newRuntime(t), device.Float32)
	defer tn.Release()

	big := layout.NewShape(1, 4, 4, 8)
	require.NoError(t, tn.ResizeImage(big, layout.ChannelImageShape(big)))
	img := tn.Image()

	small := layout.NewShape(1, 2, 2, 4)
	data := ramp(small.Elements())
	require.NoError(t, tn.CopyFromHost(ctx, small, data))
	require.Same(t, img, tn.Image(), "a large enough image is reused")
	require.Equal(t, layout.ChannelImageShape(small), tn.ImageShape())

	got, err := tn.CopyToHost(ctx)
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.NoError(t, tn.ResizeImage(big, layout.ChannelImageShape(big)))
	require.Same(t, img, tn.Image())

	huge := layout.NewShape(1, 8, 8, 8)
	require.NoError(t, tn.ResizeImage(huge, layout.ChannelImageShape(huge)))
	require.NotSame(t, img, tn.Image())
}

func TestHalfPrecisionRounds(t *testing.T) {
	ctx := context.Background()
	tn := New("half", newRuntime(t), device.Float16)
	defer tn.Release()

	shape := layout.NewShape(1, 1, 1, 4)
	in := []float32{0.1, 1, 2049, -3.3}
	require.NoError(t, tn.CopyFromHost(ctx, shape, in))

	got, err := tn.CopyToHost(ctx)
	require.NoError(t, err)
	for i, v := range in {
		require.Equal(t, device.QuantizeValue(device.Float16, v), got[i], "element %d", i)
	}
	require.NotEqual(t, float32(0.1), got[0])
}

func TestTensorErrors(t *testing.T) {
	ctx := context.Background()
	tn := New("bad", newRuntime(t), device.Float32)

	_, err := tn.CopyToHost(ctx)
	require.Error(t, err)

	err = tn.ResizeImage(layout.NewShape(1, 0, 2, 4), device.ImageShape{Width: 1, Height: 1})
	require.ErrorIs(t, err, errdefs.ErrShape)

	err = tn.CopyFromHost(ctx, layout.NewShape(1, 2, 2, 4), ramp(3))
	require.ErrorIs(t, err, errdefs.ErrShape)

	require.NoError(t, tn.Release())
	require.NoError(t, tn.Release())
}
