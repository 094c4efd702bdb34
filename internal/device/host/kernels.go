package host

import (
	"fmt"

	"github.com/samcharles93/kdispatch/internal/device"
)

func builtinSources() map[string]*source {
	srcs := []*source{
		{name: "space_to_depth", kernels: map[string]*kernelDef{"space_to_depth": spaceToDepthKernel()}},
		{name: "depth_to_space", kernels: map[string]*kernelDef{"depth_to_space": depthToSpaceKernel()}},
	}
	out := make(map[string]*source, len(srcs))
	for _, s := range srcs {
		out[s.name] = s
	}
	return out
}

var blockParams = []param{
	{"input", device.ArgImage},
	{"block_size", device.ArgInt32},
	{"input_width", device.ArgInt32},
	{"input_depth_blocks", device.ArgInt32},
	{"output_height_batch", device.ArgInt32},
	{"output_width", device.ArgInt32},
	{"output_depth_blocks", device.ArgInt32},
	{"output", device.ArgImage},
}

// spaceToDepthKernel runs one item per input pixel block:
// gid = (depth block, input x, input y*batch).
func spaceToDepthKernel() *kernelDef {
	return &kernelDef{
		symbol: "space_to_depth",
		params: blockParams,
		bind: func(k *kernelCtx) (func(gid [3]uint32), error) {
			in, out := k.imageArg("input"), k.imageArg("output")
			bs := int(k.int32Arg("block_size"))
			if bs < 1 {
				return nil, fmt.Errorf("block_size must be positive, got %d", bs)
			}
			inWidth := int(k.int32Arg("input_width"))
			inDepthBlocks := int(k.int32Arg("input_depth_blocks"))
			outWidth := int(k.int32Arg("output_width"))
			return func(gid [3]uint32) {
				if k.outside(gid) {
					return
				}
				d, w, hb := int(gid[0]), int(gid[1]), int(gid[2])

				outHB, offH := hb/bs, hb%bs
				outW, offW := w/bs, w%bs
				outD := d + (offH*bs+offW)*inDepthBlocks

				v := k.read(in, d*inWidth+w, hb)
				k.write(out, outD*outWidth+outW, outHB, v)
			}, nil
		},
	}
}

// depthToSpaceKernel runs one item per output pixel block:
// gid = (depth block, output x, output y*batch).
func depthToSpaceKernel() *kernelDef {
	return &kernelDef{
		symbol: "depth_to_space",
		params: blockParams,
		bind: func(k *kernelCtx) (func(gid [3]uint32), error) {
			in, out := k.imageArg("input"), k.imageArg("output")
			bs := int(k.int32Arg("block_size"))
			if bs < 1 {
				return nil, fmt.Errorf("block_size must be positive, got %d", bs)
			}
			inWidth := int(k.int32Arg("input_width"))
			outWidth := int(k.int32Arg("output_width"))
			outDepthBlocks := int(k.int32Arg("output_depth_blocks"))
			return func(gid [3]uint32) {
				if k.outside(gid) {
					return
				}
				d, w, hb := int(gid[0]), int(gid[1]), int(gid[2])

				inHB, offH := hb/bs, hb%bs
				inW, offW := w/bs, w%bs
				inD := d + (offH*bs+offW)*outDepthBlocks

				v := k.read(in, inD*inWidth+inW, inHB)
				k.write(out, d*outWidth+w, hb, v)
			}, nil
		},
	}
}
