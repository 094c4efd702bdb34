package ops

import (
	"context"
	"fmt"

	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/errdefs"
	"github.com/samcharles93/kdispatch/internal/kernel"
	"github.com/samcharles93/kdispatch/internal/layout"
	"github.com/samcharles93/kdispatch/internal/tensor"
)

// blockArgs are the kernel parameters shared by the block rearrangement
// kernels, after the common prefix.
type blockArgs struct {
	Input             device.Image `arg:"input"`
	BlockSize         int32        `arg:"block_size"`
	InputWidth        int32        `arg:"input_width"`
	InputDepthBlocks  int32        `arg:"input_depth_blocks"`
	OutputHeightBatch int32        `arg:"output_height_batch"`
	OutputWidth       int32        `arg:"output_width"`
	OutputDepthBlocks int32        `arg:"output_depth_blocks"`
	Output            device.Image `arg:"output"`
}

// blockOp is the machinery shared by SpaceToDepth and DepthToSpace. They
// differ only in the output shape rule and which side drives the global size.
type blockOp struct {
	name      string
	block     int
	env       *Env
	programs  *kernel.ProgramCache
	exec      *kernel.Executor
	outShape  func(in layout.Shape, block int) (layout.Shape, error)
	overInput bool // global size walks the input (true) or the output
}

func newBlockOp(env *Env, name string, block int, outShape func(layout.Shape, int) (layout.Shape, error), overInput bool) (*blockOp, error) {
	if block < 1 {
		return nil, errdefs.Shapef(name, "block size must be >= 1, got %d", block)
	}
	if env == nil || env.Runtime == nil {
		return nil, fmt.Errorf("%s: env has no runtime", name)
	}
	log := env.logger().With("op", name)
	return &blockOp{
		name:      name,
		block:     block,
		env:       env,
		programs:  kernel.NewProgramCache(env.Runtime, env.Options.ObfuscateSymbols, log),
		exec:      kernel.NewExecutor(env.Runtime, env.Tuner, env.Options, log),
		outShape:  outShape,
		overInput: overInput,
	}, nil
}

func (op *blockOp) Name() string { return op.name }

func (op *blockOp) BlockSize() int { return op.block }

// Programs and Executor expose the per-instance state for inspection.
func (op *blockOp) Programs() *kernel.ProgramCache { return op.programs }
func (op *blockOp) Executor() *kernel.Executor     { return op.exec }

func (op *blockOp) Execute(ctx context.Context, in, out *tensor.Tensor) (device.Future, error) {
	inShape := in.Shape()
	outShape, err := op.outShape(inShape, op.block)
	if err != nil {
		return nil, err
	}
	if in.Image() == nil {
		return nil, errdefs.Runtime(op.name, "input tensor "+in.Name()+" has no image", nil)
	}
	if err := out.ResizeImage(outShape, layout.ChannelImageShape(outShape)); err != nil {
		return nil, err
	}

	info := op.env.Runtime.Info()
	prog, err := op.programs.GetOrBuild(ctx, op.name, kernel.StandardOptions(op.env.Options, info))
	if err != nil {
		return nil, err
	}

	inDepthBlocks := layout.RoundUpDiv4(inShape.Channels())
	outDepthBlocks := layout.RoundUpDiv4(outShape.Channels())
	var gws device.Range
	if op.overInput {
		gws = device.Range{uint32(inDepthBlocks), uint32(inShape.Width()), uint32(inShape.Height() * inShape.Batch())}
	} else {
		gws = device.Range{uint32(outDepthBlocks), uint32(outShape.Width()), uint32(outShape.Height() * outShape.Batch())}
	}

	args := blockArgs{
		Input:             in.Image(),
		BlockSize:         int32(op.block),
		InputWidth:        int32(inShape.Width()),
		InputDepthBlocks:  int32(inDepthBlocks),
		OutputHeightBatch: int32(outShape.Height() * outShape.Batch()),
		OutputWidth:       int32(outShape.Width()),
		OutputDepthBlocks: int32(outDepthBlocks),
		Output:            out.Image(),
	}
	if _, err := op.exec.Bind(ctx, prog, gws, inShape, args); err != nil {
		return nil, err
	}

	params, err := op.exec.SelectLocalWorkSize(ctx, prog, gws)
	if err != nil {
		return nil, err
	}
	return op.exec.Enqueue(ctx, prog, gws, params)
}

func (op *blockOp) Close() error {
	return op.exec.Close()
}

// SpaceToDepth moves each b x b spatial block into the channel dimension:
// input pixel (n, oy*b+dy, ox*b+dx, c) lands at output channel
// (dy*b+dx)*C + c of pixel (n, oy, ox).
type SpaceToDepth struct {
	*blockOp
}

func NewSpaceToDepth(env *Env, blockSize int) (*SpaceToDepth, error) {
	op, err := newBlockOp(env, SpaceToDepthName, blockSize, layout.SpaceToDepthShape, true)
	if err != nil {
		return nil, err
	}
	return &SpaceToDepth{op}, nil
}

// DepthToSpace is the inverse of SpaceToDepth with the same block size.
type DepthToSpace struct {
	*blockOp
}

func NewDepthToSpace(env *Env, blockSize int) (*DepthToSpace, error) {
	op, err := newBlockOp(env, DepthToSpaceName, blockSize, layout.DepthToSpaceShape, false)
	if err != nil {
		return nil, err
	}
	return &DepthToSpace{op}, nil
}
