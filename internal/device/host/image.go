package host

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/errdefs"
)

// image stores RGBA pixels as float32 regardless of element type; half
// images round every stored value to binary16.
type image struct {
	rt       *Runtime
	shape    device.ImageShape
	dtype    device.ElementType
	bytes    int64
	pix      []float32
	released atomic.Bool
}

func (i *image) Shape() device.ImageShape        { return i.shape }
func (i *image) ElementType() device.ElementType { return i.dtype }

func (i *image) contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < i.shape.Width && y < i.shape.Height
}

func (i *image) Release() error {
	if i.released.Swap(true) {
		return nil
	}
	i.rt.mu.Lock()
	i.rt.used -= i.bytes
	i.rt.mu.Unlock()
	return nil
}

func (r *Runtime) NewImage(shape device.ImageShape, t device.ElementType) (device.Image, error) {
	const op = "new_image"
	if shape.Width <= 0 || shape.Height <= 0 {
		return nil, errdefs.Allocation(op, fmt.Sprintf("invalid image shape %dx%d", shape.Width, shape.Height), nil)
	}
	if shape.Width > r.info.MaxImageWidth || shape.Height > r.info.MaxImageHeight {
		return nil, errdefs.Allocation(op, fmt.Sprintf("image %dx%d exceeds device limit %dx%d",
			shape.Width, shape.Height, r.info.MaxImageWidth, r.info.MaxImageHeight), nil)
	}
	size := int64(shape.Pixels()) * 4 * int64(t.BytesPerChannel())

	r.mu.Lock()
	if r.limit > 0 && r.used+size > r.limit {
		used := r.used
		r.mu.Unlock()
		return nil, errdefs.Allocation(op, fmt.Sprintf("image %dx%d needs %d bytes, %d of %d in use",
			shape.Width, shape.Height, size, used, r.limit), nil)
	}
	r.used += size
	r.mu.Unlock()

	return &image{
		rt:    r,
		shape: shape,
		dtype: t,
		bytes: size,
		pix:   make([]float32, shape.Pixels()*4),
	}, nil
}

// MemoryInUse reports the bytes held by live images.
func (r *Runtime) MemoryInUse() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

func (r *Runtime) hostImage(op string, img device.Image) (*image, error) {
	h, ok := img.(*image)
	if !ok || h.rt != r {
		return nil, errdefs.Runtime(op, fmt.Sprintf("image %T does not belong to this runtime", img), nil)
	}
	if h.released.Load() {
		return nil, errdefs.Runtime(op, "image was released", nil)
	}
	return h, nil
}

// WriteImage is a blocking write ordered after queued commands.
func (r *Runtime) WriteImage(ctx context.Context, img device.Image, pixels []float32) error {
	const op = "write_image"
	h, err := r.hostImage(op, img)
	if err != nil {
		return err
	}
	if len(pixels) != len(h.pix) {
		return errdefs.Runtime(op, fmt.Sprintf("expected %d values, got %d", len(h.pix), len(pixels)), nil)
	}
	data := slices.Clone(pixels)
	device.Quantize(h.dtype, data)
	return r.sync(ctx, op, func() error {
		copy(h.pix, data)
		return nil
	})
}

// ReadImage is a blocking read ordered after queued commands.
func (r *Runtime) ReadImage(ctx context.Context, img device.Image) ([]float32, error) {
	const op = "read_image"
	h, err := r.hostImage(op, img)
	if err != nil {
		return nil, err
	}
	var out []float32
	err = r.sync(ctx, op, func() error {
		out = slices.Clone(h.pix)
		return nil
	})
	return out, err
}

type errorBuffer struct {
	rt   *Runtime
	flag atomic.Int32
}

func (r *Runtime) NewErrorBuffer() (device.ErrorBuffer, error) {
	return &errorBuffer{rt: r}, nil
}

func (b *errorBuffer) Reset(ctx context.Context) error {
	return b.rt.sync(ctx, "error_buffer_reset", func() error {
		b.flag.Store(0)
		return nil
	})
}

func (b *errorBuffer) Read(ctx context.Context) (int32, error) {
	var v int32
	err := b.rt.sync(ctx, "error_buffer_read", func() error {
		v = b.flag.Load()
		return nil
	})
	return v, err
}

func (b *errorBuffer) Release() error {
	return nil
}
