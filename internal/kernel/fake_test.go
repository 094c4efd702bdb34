package kernel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/samcharles93/kdispatch/internal/device"
)

// fakeRuntime records every call and completes launches immediately.
type fakeRuntime struct {
	mu sync.Mutex

	info     device.Info
	buildErr error
	kwg      uint32
	faultAt  int // launch index that flags the error buffer, 0 = never

	builds   []fakeBuild
	setArgs  [][]device.Arg
	launches []fakeLaunch
	errs     *fakeErrorBuffer
}

type fakeBuild struct {
	name    string
	entry   string
	options []string
}

type fakeLaunch struct {
	offset, gws, lws device.Range
}

type fakeProgram struct {
	name, entry string
	options     []string
}

func (p *fakeProgram) Name() string      { return p.name }
func (p *fakeProgram) Entry() string     { return p.entry }
func (p *fakeProgram) Options() []string { return p.options }

type fakeImage struct {
	shape device.ImageShape
}

func (i *fakeImage) Shape() device.ImageShape        { return i.shape }
func (i *fakeImage) ElementType() device.ElementType { return device.Float32 }
func (i *fakeImage) Release() error                  { return nil }

type fakeErrorBuffer struct {
	mu     sync.Mutex
	value  int32
	resets int
}

func (b *fakeErrorBuffer) Reset(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.value = 0
	b.resets++
	return nil
}

func (b *fakeErrorBuffer) Read(context.Context) (int32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value, nil
}

func (b *fakeErrorBuffer) Release() error { return nil }

func newFakeRuntime(nonUniform bool) *fakeRuntime {
	return &fakeRuntime{
		info: device.Info{
			Name:                 "fake",
			Vendor:               "test",
			Backend:              "fake",
			Version:              "1",
			MaxWorkGroupSize:     256,
			MaxWorkItemSizes:     device.Range{256, 256, 64},
			GlobalMemCacheSize:   64 << 10,
			NonUniformWorkGroups: nonUniform,
		},
		kwg: 256,
	}
}

func (r *fakeRuntime) Info() device.Info { return r.info }

func (r *fakeRuntime) BuildProgram(_ context.Context, name, entry string, options []string) (device.Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buildErr != nil {
		return nil, r.buildErr
	}
	r.builds = append(r.builds, fakeBuild{name, entry, options})
	return &fakeProgram{name: name, entry: entry, options: options}, nil
}

func (r *fakeRuntime) KernelMaxWorkGroupSize(device.Program) uint32 { return r.kwg }

func (r *fakeRuntime) SetArgs(_ device.Program, args []device.Arg) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setArgs = append(r.setArgs, args)
	return nil
}

func (r *fakeRuntime) Enqueue(_ context.Context, _ device.Program, offset, gws, lws device.Range) (device.Future, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lws.Size() > uint64(r.kwg) {
		return nil, errors.New("invalid work group size")
	}
	r.launches = append(r.launches, fakeLaunch{offset, gws, lws})
	if r.faultAt > 0 && len(r.launches) == r.faultAt && r.errs != nil {
		r.errs.value = 1
	}
	now := time.Now()
	// Larger work-groups "run" faster so tuning has a clear winner.
	cost := time.Duration(1000/lws.Size()+1) * time.Microsecond
	return device.Completed(device.CallStats{Queued: now, Start: now, End: now.Add(cost)}, nil), nil
}

func (r *fakeRuntime) Finish(context.Context) error { return nil }

func (r *fakeRuntime) NewImage(shape device.ImageShape, _ device.ElementType) (device.Image, error) {
	return &fakeImage{shape: shape}, nil
}

func (r *fakeRuntime) NewErrorBuffer() (device.ErrorBuffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = &fakeErrorBuffer{}
	return r.errs, nil
}

func (r *fakeRuntime) WriteImage(context.Context, device.Image, []float32) error { return nil }

func (r *fakeRuntime) ReadImage(_ context.Context, img device.Image) ([]float32, error) {
	return make([]float32, img.Shape().Pixels()*4), nil
}

func (r *fakeRuntime) Close() error { return nil }
