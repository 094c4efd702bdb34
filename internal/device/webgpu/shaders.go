//go:build webgpu

package webgpu

import (
	"fmt"
	"strings"

	"github.com/samcharles93/kdispatch/internal/device"
)

// Every block kernel reads one uniform block laid out as five vec4s:
//
//	offset  enqueue offset (x, y, z, _)
//	bounds  global_size_dim0..2
//	a       block_size, input_width, input_depth_blocks, output_height_batch
//	b       output_width, output_depth_blocks, _, _
//	dims    src width, src height, dst width, dst height
const paramWords = 20

const blockPrelude = `
struct Params {
	offset: vec4<u32>,
	bounds: vec4<u32>,
	a: vec4<i32>,
	b: vec4<i32>,
	dims: vec4<i32>,
};

@group(0) @binding(0) var<uniform> params: Params;
@group(0) @binding(1) var<storage, read> src: array<vec4<f32>>;
@group(0) @binding(2) var<storage, read_write> dst: array<vec4<f32>>;
$ERRDECL

fn read_src(x: i32, y: i32) -> vec4<f32> {
	if (x < 0 || y < 0 || x >= params.dims.x || y >= params.dims.y) {
		$FAULT
		return vec4<f32>(0.0);
	}
	return src[y * params.dims.x + x];
}

fn write_dst(x: i32, y: i32, v: vec4<f32>) {
	if (x < 0 || y < 0 || x >= params.dims.z || y >= params.dims.w) {
		$FAULT
		return;
	}
	dst[y * params.dims.z + x] = $STORE;
}
`

const spaceToDepthSource = blockPrelude + `
@compute @workgroup_size($WG)
fn $ENTRY(@builtin(global_invocation_id) id: vec3<u32>) {
	let gid = id + params.offset.xyz;
	if (any(gid >= params.bounds.xyz)) {
		return;
	}
	let d = i32(gid.x);
	let w = i32(gid.y);
	let hb = i32(gid.z);
	let bs = params.a.x;

	let out_hb = hb / bs;
	let out_w = w / bs;
	let out_d = d + ((hb % bs) * bs + w % bs) * params.a.z;

	let v = read_src(d * params.a.y + w, hb);
	write_dst(out_d * params.b.x + out_w, out_hb, v);
}
`

const depthToSpaceSource = blockPrelude + `
@compute @workgroup_size($WG)
fn $ENTRY(@builtin(global_invocation_id) id: vec3<u32>) {
	let gid = id + params.offset.xyz;
	if (any(gid >= params.bounds.xyz)) {
		return;
	}
	let d = i32(gid.x);
	let w = i32(gid.y);
	let hb = i32(gid.z);
	let bs = params.a.x;

	let in_hb = hb / bs;
	let in_w = w / bs;
	let in_d = d + ((hb % bs) * bs + w % bs) * params.b.y;

	let v = read_src(in_d * params.a.y + in_w, in_hb);
	write_dst(d * params.b.x + w, hb, v);
}
`

var sources = map[string]string{
	"space_to_depth": spaceToDepthSource,
	"depth_to_space": depthToSpaceSource,
}

// render expands a kernel template for one entry name, build flags and
// local size.
func render(tmpl, entry string, flags buildFlags, lws device.Range) string {
	errDecl, fault := "", ""
	if flags.checkRange {
		errDecl = "@group(0) @binding(3) var<storage, read_write> kernel_error: array<atomic<i32>>;"
		fault = "atomicStore(&kernel_error[0], 1);"
	}
	store := "v"
	if flags.half {
		store = "vec4<f32>(unpack2x16float(pack2x16float(v.xy)), unpack2x16float(pack2x16float(v.zw)))"
	}
	return strings.NewReplacer(
		"$ERRDECL", errDecl,
		"$FAULT", fault,
		"$STORE", store,
		"$ENTRY", entry,
		"$WG", fmt.Sprintf("%d, %d, %d", lws[0], lws[1], lws[2]),
	).Replace(tmpl)
}
