//go:build webgpu

// Package webgpu runs the image kernels as WGSL compute shaders on a wgpu
// device. Images live in storage buffers of vec4<f32> pixels, and every
// device call is made from the runtime's queue goroutine.
package webgpu

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/errdefs"
	"github.com/samcharles93/kdispatch/internal/logger"
)

const (
	// WebGPU does not report a cache size; this feeds the local size
	// heuristic with a typical discrete GPU L2 slice.
	defaultCacheSize   = 256 << 10
	defaultMaxImageDim = 16384
	defaultMapTimeout  = 10 * time.Second
)

type Options struct {
	// Adapter selects the first adapter whose name or vendor contains it
	// (case-insensitive). Empty picks by power preference.
	Adapter  string
	LowPower bool
	// MapTimeout bounds a single buffer read-back.
	MapTimeout time.Duration
	Logger     logger.Logger
}

type Runtime struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	dev      *wgpu.Device
	queue    *wgpu.Queue

	info       device.Info
	maxBinding uint64
	mapTimeout time.Duration
	log        logger.Logger

	cmds chan command
	done chan struct{}

	mu       sync.Mutex
	closed   bool
	programs []*program
}

type command struct {
	run  func() error
	done *device.Completion
}

var _ device.Runtime = (*Runtime)(nil)

// New opens an adapter and device. It fails when no WebGPU adapter is
// available, which callers treat as "backend unavailable".
func New(opts Options) (*Runtime, error) {
	const op = "webgpu"
	log := logger.OrDiscard(opts.Logger)
	timeout := opts.MapTimeout
	if timeout <= 0 {
		timeout = defaultMapTimeout
	}

	instance := wgpu.CreateInstance(nil)
	if instance == nil {
		return nil, errdefs.Runtime(op, "create instance failed", nil)
	}
	adapter, err := pickAdapter(instance, opts)
	if err != nil {
		instance.Release()
		return nil, errdefs.Runtime(op, "request adapter", err)
	}
	dev, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, errdefs.Runtime(op, "request device", err)
	}

	ai := adapter.GetInfo()
	limits := adapter.GetLimits().Limits
	vendor := strings.TrimSpace(ai.VendorName)
	if vendor == "" {
		vendor = fmt.Sprintf("0x%04x", ai.VendorId)
	}
	r := &Runtime{
		instance: instance,
		adapter:  adapter,
		dev:      dev,
		queue:    dev.GetQueue(),
		// Dispatches are counted in whole work-groups, so the device never
		// reports non-uniform work-group support.
		info: device.Info{
			Name:               strings.TrimSpace(ai.Name),
			Vendor:             vendor,
			Backend:            "webgpu",
			Version:            strings.TrimSpace(ai.BackendType.String() + " " + ai.DriverDescription),
			ComputeUnits:       1,
			MaxWorkGroupSize:   limits.MaxComputeInvocationsPerWorkgroup,
			MaxWorkItemSizes:   device.Range{limits.MaxComputeWorkgroupSizeX, limits.MaxComputeWorkgroupSizeY, limits.MaxComputeWorkgroupSizeZ},
			GlobalMemCacheSize: defaultCacheSize,
			MaxImageWidth:      defaultMaxImageDim,
			MaxImageHeight:     defaultMaxImageDim,
		},
		maxBinding: limits.MaxStorageBufferBindingSize,
		mapTimeout: timeout,
		log:        log,
		cmds:       make(chan command, 64),
		done:       make(chan struct{}),
	}
	log.Debug("opened webgpu device", "name", r.info.Name, "vendor", r.info.Vendor, "version", r.info.Version,
		"max_work_group_size", r.info.MaxWorkGroupSize)
	go r.loop()
	return r, nil
}

func pickAdapter(instance *wgpu.Instance, opts Options) (*wgpu.Adapter, error) {
	if want := strings.ToLower(strings.TrimSpace(opts.Adapter)); want != "" {
		for _, a := range instance.EnumerateAdapters(nil) {
			info := a.GetInfo()
			if strings.Contains(strings.ToLower(info.Name), want) || strings.Contains(strings.ToLower(info.VendorName), want) {
				return a, nil
			}
		}
		return nil, fmt.Errorf("no adapter matches %q", opts.Adapter)
	}
	pref := wgpu.PowerPreferenceHighPerformance
	if opts.LowPower {
		pref = wgpu.PowerPreferenceLowPower
	}
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{PowerPreference: pref})
	if err != nil || adapter == nil {
		// Fall back to whatever the platform offers.
		adapter, err = instance.RequestAdapter(nil)
	}
	if err != nil {
		return nil, err
	}
	if adapter == nil {
		return nil, fmt.Errorf("no adapter")
	}
	return adapter, nil
}

func (r *Runtime) Info() device.Info {
	return r.info
}

func (r *Runtime) loop() {
	defer close(r.done)
	for cmd := range r.cmds {
		start := time.Now()
		err := cmd.run()
		cmd.done.Complete(start, time.Now(), err)
	}
}

func (r *Runtime) submit(ctx context.Context, op string, run func() error) (*device.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, errdefs.Runtime(op, "context done before submit", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errdefs.Runtime(op, "queue closed", nil)
	}
	c := device.NewCompletion(time.Now())
	select {
	case r.cmds <- command{run: run, done: c}:
		return c, nil
	case <-ctx.Done():
		return nil, errdefs.Runtime(op, "context done before submit", ctx.Err())
	}
}

func (r *Runtime) sync(ctx context.Context, op string, run func() error) error {
	c, err := r.submit(ctx, op, run)
	if err != nil {
		return err
	}
	return c.Wait(ctx)
}

func (r *Runtime) Finish(ctx context.Context) error {
	return r.sync(ctx, "finish", func() error {
		r.dev.Poll(true, nil)
		return nil
	})
}

// Close drains the queue, then releases pipelines and the device.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.cmds)
	progs := r.programs
	r.programs = nil
	r.mu.Unlock()
	<-r.done

	for _, p := range progs {
		p.release()
	}
	r.dev.Release()
	r.adapter.Release()
	r.instance.Release()
	return nil
}

func (r *Runtime) KernelMaxWorkGroupSize(p device.Program) uint32 {
	return r.info.MaxWorkGroupSize
}

func (r *Runtime) Enqueue(ctx context.Context, p device.Program, offset, gws, lws device.Range) (device.Future, error) {
	const op = "enqueue"
	prog, ok := p.(*program)
	if !ok || prog.rt != r {
		return nil, errdefs.Runtime(op, fmt.Sprintf("program %T does not belong to this runtime", p), nil)
	}
	if err := r.checkGeometry(prog, gws, lws); err != nil {
		return nil, err
	}
	args, err := prog.snapshot(offset)
	if err != nil {
		return nil, err
	}
	groups := device.Range{gws[0] / lws[0], gws[1] / lws[1], gws[2] / lws[2]}
	c, err := r.submit(ctx, op, func() error {
		return prog.dispatch(args, groups, lws)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Runtime) checkGeometry(p *program, gws, lws device.Range) error {
	const op = "enqueue"
	for i := range 3 {
		if gws[i] == 0 || lws[i] == 0 {
			return errdefs.Runtime(op, fmt.Sprintf("%s: sizes %v/%v have a zero dimension", p.entry, gws, lws), nil)
		}
		if lws[i] > r.info.MaxWorkItemSizes[i] {
			return errdefs.Runtime(op, fmt.Sprintf("%s: local size %v exceeds work item limits %v",
				p.entry, lws, r.info.MaxWorkItemSizes), nil)
		}
		if gws[i]%lws[i] != 0 {
			return errdefs.Runtime(op, fmt.Sprintf("%s: global size %v is not a multiple of local size %v",
				p.entry, gws, lws), nil)
		}
	}
	if lws.Size() > uint64(r.info.MaxWorkGroupSize) {
		return errdefs.Runtime(op, fmt.Sprintf("%s: local size %v exceeds work-group size %d",
			p.entry, lws, r.info.MaxWorkGroupSize), nil)
	}
	return nil
}
