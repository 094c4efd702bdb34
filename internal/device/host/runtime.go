// Package host is a reference device runtime that executes kernels on host
// goroutines. It keeps the semantics the dispatch core relies on: an
// in-order command queue, work-group geometry limits, build options, image
// bounds and profiling timestamps.
package host

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/cpu"

	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/errdefs"
	"github.com/samcharles93/kdispatch/internal/logger"
)

const (
	defaultMaxWorkGroupSize = 1024
	defaultCacheSize        = 512 << 10
	defaultMaxImageDim      = 16384
)

// Options configures a host runtime. Zero values select defaults.
type Options struct {
	// Workers bounds the goroutines used per NDRange. Defaults to GOMAXPROCS.
	Workers int
	// MaxWorkGroupSize is the device and kernel work-group limit.
	MaxWorkGroupSize uint32
	// MaxWorkItemSizes are the per-dimension local size limits.
	MaxWorkItemSizes device.Range
	// GlobalMemCacheSize feeds the default local size heuristic.
	GlobalMemCacheSize uint64
	// MemoryLimit caps the bytes of live images. 0 means unlimited.
	MemoryLimit int64
	// UniformWorkGroups disables non-uniform work-group support, so the
	// global size must be a multiple of the local size.
	UniformWorkGroups bool
	MaxImageWidth     int
	MaxImageHeight    int
	Logger            logger.Logger
}

// Runtime implements device.Runtime on the host.
type Runtime struct {
	info    device.Info
	workers int
	limit   int64
	log     logger.Logger

	sources map[string]*source

	queue chan command
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	used   int64
}

type command struct {
	run  func() error
	done *device.Completion
}

var _ device.Runtime = (*Runtime)(nil)

func New(opts Options) *Runtime {
	workers := opts.Workers
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	kwg := opts.MaxWorkGroupSize
	if kwg == 0 {
		kwg = defaultMaxWorkGroupSize
	}
	items := opts.MaxWorkItemSizes
	if items == (device.Range{}) {
		items = device.Range{kwg, kwg, 64}
	}
	cache := opts.GlobalMemCacheSize
	if cache == 0 {
		cache = defaultCacheSize
	}
	maxW, maxH := opts.MaxImageWidth, opts.MaxImageHeight
	if maxW <= 0 {
		maxW = defaultMaxImageDim
	}
	if maxH <= 0 {
		maxH = defaultMaxImageDim
	}
	log := logger.OrDiscard(opts.Logger)

	r := &Runtime{
		info: device.Info{
			Name:                 "host-" + runtime.GOARCH,
			Vendor:               cpuVendor(),
			Backend:              "host",
			Version:              "1.0",
			ComputeUnits:         uint32(workers),
			MaxWorkGroupSize:     kwg,
			MaxWorkItemSizes:     items,
			GlobalMemCacheSize:   cache,
			MaxImageWidth:        maxW,
			MaxImageHeight:       maxH,
			NonUniformWorkGroups: !opts.UniformWorkGroups,
		},
		workers: workers,
		limit:   opts.MemoryLimit,
		log:     log,
		sources: builtinSources(),
		queue:   make(chan command, 64),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// cpuVendor describes the ISA features that matter for the host kernels.
func cpuVendor() string {
	var feats []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasAVX512F {
			feats = append(feats, "avx512f")
		}
		if cpu.X86.HasAVX2 {
			feats = append(feats, "avx2")
		}
		if cpu.X86.HasFMA {
			feats = append(feats, "fma")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			feats = append(feats, "asimd")
		}
		if cpu.ARM64.HasFPHP {
			feats = append(feats, "fphp")
		}
	}
	if len(feats) == 0 {
		return "generic"
	}
	return strings.Join(feats, "+")
}

func (r *Runtime) Info() device.Info {
	return r.info
}

// loop drains the queue in submission order.
func (r *Runtime) loop() {
	defer close(r.done)
	for cmd := range r.queue {
		start := time.Now()
		err := cmd.run()
		cmd.done.Complete(start, time.Now(), err)
	}
}

// submit appends a command to the in-order queue.
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
	case r.queue <- command{run: run, done: c}:
		return c, nil
	case <-ctx.Done():
		return nil, errdefs.Runtime(op, "context done before submit", ctx.Err())
	}
}

// sync submits run and waits for it.
func (r *Runtime) sync(ctx context.Context, op string, run func() error) error {
	c, err := r.submit(ctx, op, run)
	if err != nil {
		return err
	}
	return c.Wait(ctx)
}

func (r *Runtime) Finish(ctx context.Context) error {
	return r.sync(ctx, "finish", func() error { return nil })
}

// Close drains queued work and stops the queue. Further submissions fail.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
	return nil
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
	inv, err := prog.invocation(offset, gws, lws)
	if err != nil {
		return nil, err
	}
	c, err := r.submit(ctx, op, func() error { return r.dispatch(inv) })
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Runtime) checkGeometry(p *program, gws, lws device.Range) error {
	const op = "enqueue"
	for i := range 3 {
		if gws[i] == 0 {
			return errdefs.Runtime(op, fmt.Sprintf("%s: global size %v has a zero dimension", p.entry, gws), nil)
		}
		if lws[i] == 0 {
			return errdefs.Runtime(op, fmt.Sprintf("%s: local size %v has a zero dimension", p.entry, lws), nil)
		}
		if lws[i] > r.info.MaxWorkItemSizes[i] {
			return errdefs.Runtime(op, fmt.Sprintf("%s: local size %v exceeds work item limits %v",
				p.entry, lws, r.info.MaxWorkItemSizes), nil)
		}
		if !r.info.NonUniformWorkGroups && gws[i]%lws[i] != 0 {
			return errdefs.Runtime(op, fmt.Sprintf("%s: global size %v is not a multiple of local size %v",
				p.entry, gws, lws), nil)
		}
	}
	if lws.Size() > uint64(r.KernelMaxWorkGroupSize(p)) {
		return errdefs.Runtime(op, fmt.Sprintf("%s: local size %v exceeds kernel work-group size %d",
			p.entry, lws, r.KernelMaxWorkGroupSize(p)), nil)
	}
	return nil
}

func (r *Runtime) KernelMaxWorkGroupSize(p device.Program) uint32 {
	return r.info.MaxWorkGroupSize
}
