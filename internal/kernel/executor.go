package kernel

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/errdefs"
	"github.com/samcharles93/kdispatch/internal/layout"
	"github.com/samcharles93/kdispatch/internal/logger"
	"github.com/samcharles93/kdispatch/internal/tuning"
)

// Executor binds arguments and launches kernels for one op instance. It
// remembers what it last bound so unchanged launches skip SetArgs.
//
// An Executor is not safe for concurrent use.
type Executor struct {
	rt    device.Runtime
	tuner *tuning.Tuner
	opts  Options
	log   logger.Logger

	errs device.ErrorBuffer

	bound       bool
	boundProg   *Program
	boundShape  layout.Shape
	boundImages []device.Image
	binds       int
}

func NewExecutor(rt device.Runtime, tuner *tuning.Tuner, opts Options, log logger.Logger) *Executor {
	log = logger.OrDiscard(log)
	if tuner == nil {
		tuner = tuning.New(nil, false)
	}
	return &Executor{rt: rt, tuner: tuner, opts: opts, log: log}
}

func (e *Executor) Options() Options { return e.opts }

// Binds counts how many times arguments were actually set on the device.
func (e *Executor) Binds() int { return e.binds }

// Bind sets the positional arguments of prog unless the same program was
// last bound with the same input shape and the same image handles. The
// argument list is the diagnostic buffer (when enabled), the global size
// triplet, then the marshaled fields of args. It reports whether it bound.
func (e *Executor) Bind(ctx context.Context, prog *Program, gws device.Range, shape layout.Shape, args any) (bool, error) {
	op := prog.Kernel()
	tail, err := MarshalArgs(args)
	if err != nil {
		return false, errdefs.Runtime(op, "marshal arguments", err)
	}
	images := imagesOf(tail)
	if e.bound && e.boundProg == prog && e.boundShape == shape && slices.Equal(e.boundImages, images) {
		return false, nil
	}

	list := make([]device.Arg, 0, len(tail)+4)
	if e.opts.OutOfRangeCheck {
		buf, err := e.errorBuffer(ctx)
		if err != nil {
			return false, err
		}
		list = append(list, device.ErrorBufferArg("kernel_error", buf))
	}
	prefix, err := MarshalArgs(struct {
		Global device.Range `arg:"global_size_dim"`
	}{gws})
	if err != nil {
		return false, errdefs.Runtime(op, "marshal global size", err)
	}
	list = append(list, prefix...)
	list = append(list, tail...)

	if err := e.rt.SetArgs(prog.Program, list); err != nil {
		e.bound = false
		return false, wrapRuntime(op, "set arguments", err)
	}
	e.bound = true
	e.boundProg = prog
	e.boundShape = shape
	e.boundImages = images
	e.binds++
	e.log.Debug("bound kernel arguments", "kernel", op, "shape", shape.String(), "args", len(list))
	return true, nil
}

// Invalidate forces the next Bind to set arguments again.
func (e *Executor) Invalidate() {
	e.bound = false
}

// errorBuffer allocates the diagnostic buffer once and clears it. The flag
// is never cleared again, so a fault stays visible to later launches.
func (e *Executor) errorBuffer(ctx context.Context) (device.ErrorBuffer, error) {
	if e.errs != nil {
		return e.errs, nil
	}
	buf, err := e.rt.NewErrorBuffer()
	if err != nil {
		return nil, errdefs.Allocation("out_of_range_check", "diagnostic buffer", err)
	}
	if err := buf.Reset(ctx); err != nil {
		_ = buf.Release()
		return nil, wrapRuntime("out_of_range_check", "reset diagnostic buffer", err)
	}
	e.errs = buf
	return buf, nil
}

// Enqueue launches prog over gws with the given launch parameters and, when
// diagnostics are on, checks the diagnostic buffer before returning.
func (e *Executor) Enqueue(ctx context.Context, prog *Program, gws device.Range, p tuning.Params) (device.Future, error) {
	fut, err := e.launch(ctx, prog, gws, p)
	if err != nil {
		return nil, err
	}
	if e.opts.OutOfRangeCheck && e.errs != nil {
		code, err := e.errs.Read(ctx)
		if err != nil {
			return nil, wrapRuntime(prog.Kernel(), "read diagnostic buffer", err)
		}
		if code != 0 {
			return nil, errdefs.DeviceFault(prog.Kernel(), fmt.Sprintf("out of range image access (code %d)", code))
		}
	}
	return fut, nil
}

// launch enqueues without diagnostics. Without non-uniform work-group
// support the launched size is rounded up to the local size; kernels
// bounds-check against the bound global size.
func (e *Executor) launch(ctx context.Context, prog *Program, gws device.Range, p tuning.Params) (device.Future, error) {
	op := prog.Kernel()
	lws := p.Local
	for i := range 3 {
		lws[i] = max(lws[i], 1)
	}
	global := gws
	if !e.rt.Info().NonUniformWorkGroups {
		global = roundUpRange(gws, lws)
	}

	if p.BlockZ == 0 || p.BlockZ >= global[2] {
		fut, err := e.rt.Enqueue(ctx, prog.Program, device.Range{}, global, lws)
		if err != nil {
			return nil, wrapRuntime(op, "enqueue", err)
		}
		return fut, nil
	}

	var futs []device.Future
	for z := uint32(0); z < global[2]; z += p.BlockZ {
		chunk := global
		chunk[2] = min(p.BlockZ, global[2]-z)
		fut, err := e.rt.Enqueue(ctx, prog.Program, device.Range{0, 0, z}, chunk, lws)
		if err != nil {
			return nil, wrapRuntime(op, fmt.Sprintf("enqueue chunk at z=%d", z), err)
		}
		futs = append(futs, fut)
	}
	return device.Join(futs...), nil
}

// SelectLocalWorkSize picks launch parameters for prog over gws: a recorded
// tuning result, a fresh tuning run when enabled, or the heuristic default.
// Tuning trials run the real kernel with whatever is currently bound.
func (e *Executor) SelectLocalWorkSize(ctx context.Context, prog *Program, gws device.Range) (tuning.Params, error) {
	info := e.rt.Info()
	kwg := prog.MaxWorkGroupSize()
	req := tuning.Request{
		Signature:  tuning.Key(prog.Kernel(), gws, info.Identity()),
		Default:    tuning.Params{Local: Default3DLocalWS(info, gws, kwg)},
		Candidates: Candidates3D(info, gws, kwg),
		Run: func(ctx context.Context, p tuning.Params) (time.Duration, error) {
			fut, err := e.launch(ctx, prog, gws, p)
			if err != nil {
				return 0, err
			}
			if err := fut.Wait(ctx); err != nil {
				return 0, err
			}
			return fut.Stats().Duration(), nil
		},
	}
	if limit := e.opts.KernelTimeLimit; limit > 0 {
		req.Finalize = func(best tuning.Params, mean time.Duration) tuning.Params {
			best.BlockZ = LimitBlockZ(gws[2], best.Local[2], mean, limit, info.NonUniformWorkGroups)
			return best
		}
	}
	p, err := e.tuner.Select(ctx, req)
	if err != nil {
		return tuning.Params{}, wrapRuntime(prog.Kernel(), "tune local work size", err)
	}
	return p, nil
}

// Close releases the diagnostic buffer.
func (e *Executor) Close() error {
	if e.errs == nil {
		return nil
	}
	err := e.errs.Release()
	e.errs = nil
	e.bound = false
	return err
}

func imagesOf(args []device.Arg) []device.Image {
	var out []device.Image
	for _, a := range args {
		if a.Kind == device.ArgImage {
			out = append(out, a.Image)
		}
	}
	return out
}

// wrapRuntime keeps categorized errors and files the rest under KindRuntime.
func wrapRuntime(op, msg string, err error) error {
	if errdefs.KindOf(err) != 0 {
		return err
	}
	return errdefs.Runtime(op, msg, err)
}
