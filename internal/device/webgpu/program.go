//go:build webgpu

package webgpu

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/errdefs"
)

type param struct {
	name string
	kind device.ArgKind
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

type buildFlags struct {
	half       bool
	checkRange bool
}

type program struct {
	rt      *Runtime
	name    string
	entry   string
	options []string
	flags   buildFlags
	source  string

	// pipelines is only touched from the queue goroutine. WGSL bakes the
	// work-group size into the shader, so there is one pipeline per local size.
	pipelines map[device.Range]*wgpu.ComputePipeline

	mu   sync.Mutex
	args []device.Arg
}

func (p *program) Name() string      { return p.name }
func (p *program) Entry() string     { return p.entry }
func (p *program) Options() []string { return slices.Clone(p.options) }

// BuildProgram parses the defines and compiles the shader once with a 1x1x1
// work-group so source errors surface here rather than at first launch.
func (r *Runtime) BuildProgram(ctx context.Context, name, entry string, options []string) (device.Program, error) {
	const op = "build_program"
	src, ok := sources[name]
	if !ok {
		return nil, errdefs.Compilation(op, fmt.Sprintf("unknown program source %q", name), nil)
	}

	var flags buildFlags
	symbol := name
	for _, opt := range options {
		rest, found := strings.CutPrefix(opt, "-D")
		key, value, _ := strings.Cut(rest, "=")
		if !found || key == "" {
			return nil, errdefs.Compilation(op, fmt.Sprintf("%s: unsupported option %q", name, opt), nil)
		}
		switch key {
		case "DATA_TYPE":
			if value != "float" && value != "half" {
				return nil, errdefs.Compilation(op, fmt.Sprintf("%s: unknown DATA_TYPE %q", name, value), nil)
			}
			flags.half = value == "half"
		case "CMD_DATA_TYPE":
		case "OUT_OF_RANGE_CHECK":
			flags.checkRange = true
		case "NON_UNIFORM_WORK_GROUP":
			return nil, errdefs.Compilation(op, name+": non-uniform work-groups are not supported", nil)
		case name:
			if value == "" {
				return nil, errdefs.Compilation(op, fmt.Sprintf("%s: empty alias for %q", name, key), nil)
			}
			symbol = value
		default:
			return nil, errdefs.Compilation(op, fmt.Sprintf("%s: unsupported define %q", name, opt), nil)
		}
	}
	if entry != symbol {
		return nil, errdefs.Compilation(op, fmt.Sprintf("%s: kernel symbol %q not found", name, entry), nil)
	}

	p := &program{
		rt:        r,
		name:      name,
		entry:     entry,
		options:   slices.Clone(options),
		flags:     flags,
		source:    src,
		pipelines: make(map[device.Range]*wgpu.ComputePipeline),
	}
	err := r.sync(ctx, op, func() error {
		_, err := p.pipeline(device.Range{1, 1, 1})
		return err
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.programs = append(r.programs, p)
	r.mu.Unlock()
	r.log.Debug("built program", "program", name, "entry", entry, "options", strings.Join(options, " "))
	return p, nil
}

// pipeline returns the compute pipeline for lws, compiling it on first use.
func (p *program) pipeline(lws device.Range) (*wgpu.ComputePipeline, error) {
	if pipe, ok := p.pipelines[lws]; ok {
		return pipe, nil
	}
	label := fmt.Sprintf("%s_%s", p.entry, lws)
	module, err := p.rt.dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: render(p.source, p.entry, p.flags, lws)},
	})
	if err != nil {
		return nil, errdefs.Compilation("build_program", label, err)
	}
	defer module.Release()

	pipe, err := p.rt.dev.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   label,
		Compute: wgpu.ProgrammableStageDescriptor{Module: module, EntryPoint: p.entry},
	})
	if err != nil {
		return nil, errdefs.Compilation("build_program", label, err)
	}
	p.pipelines[lws] = pipe
	return pipe, nil
}

func (p *program) release() {
	for lws, pipe := range p.pipelines {
		pipe.Release()
		delete(p.pipelines, lws)
	}
}

func (p *program) signature() []param {
	sig := make([]param, 0, len(blockParams)+4)
	if p.flags.checkRange {
		sig = append(sig, param{"kernel_error", device.ArgErrorBuffer})
	}
	sig = append(sig,
		param{"global_size_dim0", device.ArgUint32},
		param{"global_size_dim1", device.ArgUint32},
		param{"global_size_dim2", device.ArgUint32},
	)
	return append(sig, blockParams...)
}

func (r *Runtime) SetArgs(p device.Program, args []device.Arg) error {
	const op = "set_args"
	prog, ok := p.(*program)
	if !ok || prog.rt != r {
		return errdefs.Runtime(op, fmt.Sprintf("program %T does not belong to this runtime", p), nil)
	}
	sig := prog.signature()
	if len(args) != len(sig) {
		return errdefs.Runtime(op, fmt.Sprintf("%s: expected %d arguments, got %d", prog.entry, len(sig), len(args)), nil)
	}
	for i, a := range args {
		if err := a.Validate(); err != nil {
			return errdefs.Runtime(op, prog.entry, err)
		}
		if a.Name != sig[i].name || a.Kind != sig[i].kind {
			return errdefs.Runtime(op, fmt.Sprintf("%s: argument %d is %s %s, expected %s %s",
				prog.entry, i, a.Kind, a.Name, sig[i].kind, sig[i].name), nil)
		}
		if _, err := r.gpuImage(op, a); err != nil {
			return err
		}
	}
	prog.mu.Lock()
	prog.args = slices.Clone(args)
	prog.mu.Unlock()
	return nil
}

// launchArgs is the resolved argument set of one enqueue.
type launchArgs struct {
	params   [paramWords]uint32
	src, dst *image
	errs     *errorBuffer
}

func (p *program) snapshot(offset device.Range) (*launchArgs, error) {
	p.mu.Lock()
	args := p.args
	p.mu.Unlock()
	if args == nil {
		return nil, errdefs.Runtime("enqueue", p.entry+": arguments not set", nil)
	}
	byName := make(map[string]device.Arg, len(args))
	for _, a := range args {
		byName[a.Name] = a
	}

	l := &launchArgs{
		src: byName["input"].Image.(*image),
		dst: byName["output"].Image.(*image),
	}
	if p.flags.checkRange {
		l.errs = byName["kernel_error"].Error.(*errorBuffer)
	}
	i32 := func(name string) uint32 { return uint32(byName[name].Int) }
	l.params = [paramWords]uint32{
		offset[0], offset[1], offset[2], 0,
		byName["global_size_dim0"].Uint, byName["global_size_dim1"].Uint, byName["global_size_dim2"].Uint, 0,
		i32("block_size"), i32("input_width"), i32("input_depth_blocks"), i32("output_height_batch"),
		i32("output_width"), i32("output_depth_blocks"), 0, 0,
		uint32(l.src.shape.Width), uint32(l.src.shape.Height), uint32(l.dst.shape.Width), uint32(l.dst.shape.Height),
	}
	if int32(l.params[8]) < 1 {
		return nil, errdefs.Runtime("enqueue", fmt.Sprintf("%s: block_size must be positive, got %d", p.entry, int32(l.params[8])), nil)
	}
	return l, nil
}

// dispatch records and submits one compute pass, then waits for the device
// so the completion timestamps cover the kernel.
func (p *program) dispatch(a *launchArgs, groups, lws device.Range) error {
	const op = "enqueue"
	if a.src.released.Load() || a.dst.released.Load() {
		return errdefs.Runtime(op, p.entry+": image was released", nil)
	}
	pipe, err := p.pipeline(lws)
	if err != nil {
		return err
	}
	dev := p.rt.dev

	uniform, err := dev.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    p.entry + "_params",
		Contents: wgpu.ToBytes(a.params[:]),
		Usage:    wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return errdefs.Allocation(op, p.entry+": uniform buffer", err)
	}
	defer uniform.Destroy()

	entries := []wgpu.BindGroupEntry{
		{Binding: 0, Buffer: uniform, Size: uniform.GetSize()},
		{Binding: 1, Buffer: a.src.buf, Size: a.src.buf.GetSize()},
		{Binding: 2, Buffer: a.dst.buf, Size: a.dst.buf.GetSize()},
	}
	if a.errs != nil {
		entries = append(entries, wgpu.BindGroupEntry{Binding: 3, Buffer: a.errs.buf, Size: a.errs.buf.GetSize()})
	}
	bindGroup, err := dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   p.entry + "_bind",
		Layout:  pipe.GetBindGroupLayout(0),
		Entries: entries,
	})
	if err != nil {
		return errdefs.Runtime(op, p.entry+": bind group", err)
	}
	defer bindGroup.Release()

	enc, err := dev.CreateCommandEncoder(nil)
	if err != nil {
		return errdefs.Runtime(op, p.entry+": command encoder", err)
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(pipe)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(groups[0], groups[1], groups[2])
	pass.End()
	cmd, err := enc.Finish(nil)
	if err != nil {
		return errdefs.Runtime(op, p.entry+": finish commands", err)
	}
	p.rt.queue.Submit(cmd)
	dev.Poll(true, nil)
	return nil
}
