package host

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/errdefs"
	"github.com/samcharles93/kdispatch/internal/layout"
)

func newTestRuntime(t *testing.T, opts Options) *Runtime {
	t.Helper()
	r := New(opts)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// referenceSpaceToDepth is the plain NHWC definition.
func referenceSpaceToDepth(in layout.Shape, b int, data []float32) []float32 {
	n, h, w, c := in[0], in[1], in[2], in[3]
	oh, ow, oc := h/b, w/b, c*b*b
	out := make([]float32, len(data))
	for bi := 0; bi < n; bi++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				for ch := 0; ch < c; ch++ {
					oc4 := ((y%b)*b+x%b)*c + ch
					dst := ((bi*oh+y/b)*ow+x/b)*oc + oc4
					out[dst] = data[((bi*h+y)*w+x)*c+ch]
				}
			}
		}
	}
	return out
}

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i) + 0.5
	}
	return out
}

type spaceToDepthFixture struct {
	prog   device.Program
	in     device.Image
	out    device.Image
	errs   device.ErrorBuffer
	gws    device.Range
	inS    layout.Shape
	outS   layout.Shape
	data   []float32
	block  int
	checks bool
}

func setupSpaceToDepth(t *testing.T, r *Runtime, inS layout.Shape, block int, options ...string) *spaceToDepthFixture {
	t.Helper()
	ctx := context.Background()
	outS, err := layout.SpaceToDepthShape(inS, block)
	require.NoError(t, err)

	prog, err := r.BuildProgram(ctx, "space_to_depth", "space_to_depth", options)
	require.NoError(t, err)

	f := &spaceToDepthFixture{prog: prog, inS: inS, outS: outS, block: block, data: ramp(inS.Elements())}
	f.checks = prog.(*program).flags.checkRange

	f.in, err = r.NewImage(layout.ChannelImageShape(inS), device.Float32)
	require.NoError(t, err)
	f.out, err = r.NewImage(layout.ChannelImageShape(outS), device.Float32)
	require.NoError(t, err)
	pixels, err := layout.EncodeChannelImage(inS, f.data)
	require.NoError(t, err)
	require.NoError(t, r.WriteImage(ctx, f.in, pixels))

	inDepthBlocks := layout.RoundUpDiv4(inS.Channels())
	f.gws = device.Range{uint32(inDepthBlocks), uint32(inS.Width()), uint32(inS.Height() * inS.Batch())}
	if f.checks {
		f.errs, err = r.NewErrorBuffer()
		require.NoError(t, err)
	}
	f.bind(t, r)
	return f
}

func (f *spaceToDepthFixture) bind(t *testing.T, r *Runtime) {
	t.Helper()
	var args []device.Arg
	if f.checks {
		args = append(args, device.ErrorBufferArg("kernel_error", f.errs))
	}
	args = append(args,
		device.Uint32Arg("global_size_dim0", f.gws[0]),
		device.Uint32Arg("global_size_dim1", f.gws[1]),
		device.Uint32Arg("global_size_dim2", f.gws[2]),
		device.ImageArg("input", f.in),
		device.Int32Arg("block_size", int32(f.block)),
		device.Int32Arg("input_width", int32(f.inS.Width())),
		device.Int32Arg("input_depth_blocks", int32(layout.RoundUpDiv4(f.inS.Channels()))),
		device.Int32Arg("output_height_batch", int32(f.outS.Height()*f.outS.Batch())),
		device.Int32Arg("output_width", int32(f.outS.Width())),
		device.Int32Arg("output_depth_blocks", int32(layout.RoundUpDiv4(f.outS.Channels()))),
		device.ImageArg("output", f.out),
	)
	require.NoError(t, r.SetArgs(f.prog, args))
}

func (f *spaceToDepthFixture) result(t *testing.T, r *Runtime) []float32 {
	t.Helper()
	pixels, err := r.ReadImage(context.Background(), f.out)
	require.NoError(t, err)
	got, err := layout.DecodeChannelImage(f.outS, pixels)
	require.NoError(t, err)
	return got
}

func TestSpaceToDepthKernelMatchesReference(t *testing.T) {
	t.Parallel()

	cases := []struct {
		shape layout.Shape
		block int
	}{
		{layout.NewShape(1, 4, 4, 4), 2},
		{layout.NewShape(2, 6, 9, 8), 3},
		{layout.NewShape(1, 2, 2, 4), 1},
	}
	for _, tc := range cases {
		r := newTestRuntime(t, Options{Workers: 3})
		f := setupSpaceToDepth(t, r, tc.shape, tc.block, "-DDATA_TYPE=float", "-DCMD_DATA_TYPE=f", "-DNON_UNIFORM_WORK_GROUP")

		fut, err := r.Enqueue(context.Background(), f.prog, device.Range{}, f.gws, device.Range{1, 1, 1})
		require.NoError(t, err)
		require.NoError(t, fut.Wait(context.Background()))
		require.False(t, fut.Stats().End.Before(fut.Stats().Start))

		require.Equal(t, referenceSpaceToDepth(tc.shape, tc.block, f.data), f.result(t, r), "shape %v block %d", tc.shape, tc.block)
	}
}

func TestUniformRuntimeRejectsRaggedGlobalSize(t *testing.T) {
	t.Parallel()

	r := newTestRuntime(t, Options{UniformWorkGroups: true})
	f := setupSpaceToDepth(t, r, layout.NewShape(1, 6, 6, 4), 2)

	_, err := r.Enqueue(context.Background(), f.prog, device.Range{}, f.gws, device.Range{1, 4, 4})
	require.ErrorIs(t, err, errdefs.ErrRuntime)

	// Rounded up launch with in-kernel bounds checks against the bound size.
	fut, err := r.Enqueue(context.Background(), f.prog, device.Range{}, device.Range{1, 8, 8}, device.Range{1, 4, 4})
	require.NoError(t, err)
	require.NoError(t, fut.Wait(context.Background()))
	require.Equal(t, referenceSpaceToDepth(f.inS, 2, f.data), f.result(t, r))
}

func TestEnqueueWithOffsetsCoversChunks(t *testing.T) {
	t.Parallel()

	r := newTestRuntime(t, Options{})
	f := setupSpaceToDepth(t, r, layout.NewShape(2, 4, 4, 4), 2, "-DNON_UNIFORM_WORK_GROUP")
	var futs []device.Future
	for z := uint32(0); z < f.gws[2]; z += 3 {
		chunk := min(3, f.gws[2]-z)
		fut, err := r.Enqueue(context.Background(), f.prog, device.Range{0, 0, z},
			device.Range{f.gws[0], f.gws[1], chunk}, device.Range{1, 2, 1})
		require.NoError(t, err)
		futs = append(futs, fut)
	}
	require.NoError(t, device.Join(futs...).Wait(context.Background()))
	require.Equal(t, referenceSpaceToDepth(f.inS, 2, f.data), f.result(t, r))
}

func TestOutOfRangeAccessFlagsErrorBuffer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newTestRuntime(t, Options{})
	f := setupSpaceToDepth(t, r, layout.NewShape(1, 4, 4, 4), 2, "-DOUT_OF_RANGE_CHECK", "-DNON_UNIFORM_WORK_GROUP")

	flag, err := f.errs.Read(ctx)
	require.NoError(t, err)
	require.Zero(t, flag)

	small, err := r.NewImage(device.ImageShape{Width: 2, Height: 2}, device.Float32)
	require.NoError(t, err)
	f.out = small
	f.bind(t, r)

	fut, err := r.Enqueue(ctx, f.prog, device.Range{}, f.gws, device.Range{1, 1, 1})
	require.NoError(t, err)
	require.NoError(t, fut.Wait(ctx))

	flag, err = f.errs.Read(ctx)
	require.NoError(t, err)
	require.NotZero(t, flag)

	require.NoError(t, f.errs.Reset(ctx))
	flag, err = f.errs.Read(ctx)
	require.NoError(t, err)
	require.Zero(t, flag)
}

func TestBuildProgramOptions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newTestRuntime(t, Options{})

	_, err := r.BuildProgram(ctx, "missing", "missing", nil)
	require.ErrorIs(t, err, errdefs.ErrCompilation)

	_, err = r.BuildProgram(ctx, "space_to_depth", "space_to_depth", []string{"-O3"})
	require.ErrorIs(t, err, errdefs.ErrCompilation)

	_, err = r.BuildProgram(ctx, "space_to_depth", "space_to_depth", []string{"-DFOO=1"})
	require.ErrorIs(t, err, errdefs.ErrCompilation)

	_, err = r.BuildProgram(ctx, "space_to_depth", "space_to_depth", []string{"-DDATA_TYPE=double"})
	require.ErrorIs(t, err, errdefs.ErrCompilation)

	_, err = r.BuildProgram(ctx, "space_to_depth", "depth_to_space", nil)
	require.ErrorIs(t, err, errdefs.ErrCompilation)

	alias := "k0123456789abcdef0123"
	p, err := r.BuildProgram(ctx, "space_to_depth", alias, []string{"-Dspace_to_depth=" + alias})
	require.NoError(t, err)
	require.Equal(t, alias, p.Entry())

	// The unaliased symbol no longer exists once renamed.
	_, err = r.BuildProgram(ctx, "space_to_depth", "space_to_depth", []string{"-Dspace_to_depth=" + alias})
	require.ErrorIs(t, err, errdefs.ErrCompilation)
}

func TestSetArgsValidatesSignature(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newTestRuntime(t, Options{})
	p, err := r.BuildProgram(ctx, "space_to_depth", "space_to_depth", nil)
	require.NoError(t, err)

	err = r.SetArgs(p, []device.Arg{device.Uint32Arg("global_size_dim0", 1)})
	require.ErrorIs(t, err, errdefs.ErrRuntime)

	_, err = r.Enqueue(ctx, p, device.Range{}, device.Range{1, 1, 1}, device.Range{1, 1, 1})
	require.ErrorIs(t, err, errdefs.ErrRuntime, "enqueue without arguments")

	args := make([]device.Arg, 0, 11)
	for i := range 11 {
		args = append(args, device.Int32Arg("x", int32(i)))
	}
	err = r.SetArgs(p, args)
	require.ErrorIs(t, err, errdefs.ErrRuntime)
}

func TestLocalSizeLimits(t *testing.T) {
	t.Parallel()

	r := newTestRuntime(t, Options{MaxWorkGroupSize: 16, MaxWorkItemSizes: device.Range{16, 16, 4}})
	f := setupSpaceToDepth(t, r, layout.NewShape(1, 8, 8, 4), 2, "-DNON_UNIFORM_WORK_GROUP")

	_, err := r.Enqueue(context.Background(), f.prog, device.Range{}, f.gws, device.Range{1, 1, 8})
	require.ErrorIs(t, err, errdefs.ErrRuntime)
	_, err = r.Enqueue(context.Background(), f.prog, device.Range{}, f.gws, device.Range{1, 8, 4})
	require.ErrorIs(t, err, errdefs.ErrRuntime)
	_, err = r.Enqueue(context.Background(), f.prog, device.Range{}, f.gws, device.Range{1, 4, 4})
	require.NoError(t, err)
	require.Equal(t, uint32(16), r.KernelMaxWorkGroupSize(f.prog))
}

func TestMemoryLimit(t *testing.T) {
	t.Parallel()

	r := newTestRuntime(t, Options{MemoryLimit: 4 * 4 * 4 * 4})
	img, err := r.NewImage(device.ImageShape{Width: 4, Height: 4}, device.Float32)
	require.NoError(t, err)

	_, err = r.NewImage(device.ImageShape{Width: 1, Height: 1}, device.Float32)
	require.ErrorIs(t, err, errdefs.ErrAllocation)

	require.NoError(t, img.Release())
	require.Zero(t, r.MemoryInUse())

	// Half images take half the bytes.
	_, err = r.NewImage(device.ImageShape{Width: 8, Height: 4}, device.Float16)
	require.NoError(t, err)

	_, err = r.NewImage(device.ImageShape{Width: 0, Height: 4}, device.Float32)
	require.ErrorIs(t, err, errdefs.ErrAllocation)
}

func TestHalfImageRoundsOnWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newTestRuntime(t, Options{})
	img, err := r.NewImage(device.ImageShape{Width: 1, Height: 1}, device.Float16)
	require.NoError(t, err)
	require.NoError(t, r.WriteImage(ctx, img, []float32{0.1, 1, 65504, 1.0001}))

	got, err := r.ReadImage(ctx, img)
	require.NoError(t, err)
	require.Equal(t, device.QuantizeValue(device.Float16, 0.1), got[0])
	require.NotEqual(t, float32(0.1), got[0])
	require.Equal(t, float32(1), got[1])
	require.Equal(t, float32(65504), got[2])
	require.Equal(t, float32(1), got[3])
}

func TestKernelPanicFailsFuture(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newTestRuntime(t, Options{})
	r.sources["boom"] = &source{name: "boom", kernels: map[string]*kernelDef{
		"boom": {
			symbol: "boom",
			bind: func(k *kernelCtx) (func(gid [3]uint32), error) {
				return func(gid [3]uint32) { panic("lane fault") }, nil
			},
		},
	}}
	p, err := r.BuildProgram(ctx, "boom", "boom", nil)
	require.NoError(t, err)
	require.NoError(t, r.SetArgs(p, []device.Arg{
		device.Uint32Arg("global_size_dim0", 2),
		device.Uint32Arg("global_size_dim1", 2),
		device.Uint32Arg("global_size_dim2", 2),
	}))

	fut, err := r.Enqueue(ctx, p, device.Range{}, device.Range{2, 2, 2}, device.Range{1, 1, 1})
	require.NoError(t, err)
	err = fut.Wait(ctx)
	require.ErrorIs(t, err, errdefs.ErrRuntime)
	require.Contains(t, err.Error(), "lane fault")

	// The queue keeps running after a failed command.
	require.NoError(t, r.Finish(ctx))
}

func TestClosedRuntimeRejectsWork(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	err := r.Finish(context.Background())
	require.True(t, errors.Is(err, errdefs.ErrRuntime), "got %v", err)
}

func TestInfoDescribesHost(t *testing.T) {
	t.Parallel()

	r := newTestRuntime(t, Options{GlobalMemCacheSize: 1 << 20})
	info := r.Info()
	require.Equal(t, "host", info.Backend)
	require.NotEmpty(t, info.Vendor)
	require.True(t, info.NonUniformWorkGroups)
	require.Equal(t, uint64(1<<20), info.GlobalMemCacheSize)
	require.Equal(t, uint32(defaultMaxWorkGroupSize), info.MaxWorkGroupSize)
}
