//go:build webgpu

package webgpu

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/errdefs"
)

// image is a storage buffer of Width*Height vec4<f32> pixels. Half images
// keep f32 storage and round on every store.
type image struct {
	rt       *Runtime
	shape    device.ImageShape
	dtype    device.ElementType
	buf      *wgpu.Buffer
	released atomic.Bool
}

func (i *image) Shape() device.ImageShape        { return i.shape }
func (i *image) ElementType() device.ElementType { return i.dtype }

func (i *image) Release() error {
	if i.released.Swap(true) {
		return nil
	}
	i.buf.Destroy()
	return nil
}

const pixelBytes = 16

func (r *Runtime) NewImage(shape device.ImageShape, t device.ElementType) (device.Image, error) {
	const op = "new_image"
	if shape.Width <= 0 || shape.Height <= 0 {
		return nil, errdefs.Allocation(op, fmt.Sprintf("invalid image shape %dx%d", shape.Width, shape.Height), nil)
	}
	if shape.Width > r.info.MaxImageWidth || shape.Height > r.info.MaxImageHeight {
		return nil, errdefs.Allocation(op, fmt.Sprintf("image %dx%d exceeds device limit %dx%d",
			shape.Width, shape.Height, r.info.MaxImageWidth, r.info.MaxImageHeight), nil)
	}
	size := uint64(shape.Pixels()) * pixelBytes
	if r.maxBinding > 0 && size > r.maxBinding {
		return nil, errdefs.Allocation(op, fmt.Sprintf("image %dx%d needs %d bytes, binding limit is %d",
			shape.Width, shape.Height, size, r.maxBinding), nil)
	}

	var buf *wgpu.Buffer
	err := r.sync(context.Background(), op, func() error {
		var err error
		buf, err = r.dev.CreateBuffer(&wgpu.BufferDescriptor{
			Label: fmt.Sprintf("image_%dx%d", shape.Width, shape.Height),
			Size:  size,
			Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
		})
		return err
	})
	if err != nil {
		return nil, errdefs.Allocation(op, fmt.Sprintf("image %dx%d", shape.Width, shape.Height), err)
	}
	return &image{rt: r, shape: shape, dtype: t, buf: buf}, nil
}

func (r *Runtime) gpuImage(op string, a device.Arg) (*image, error) {
	switch a.Kind {
	case device.ArgImage:
		img, ok := a.Image.(*image)
		if !ok || img.rt != r {
			return nil, errdefs.Runtime(op, fmt.Sprintf("argument %s is not a webgpu image", a.Name), nil)
		}
		if img.released.Load() {
			return nil, errdefs.Runtime(op, fmt.Sprintf("argument %s was released", a.Name), nil)
		}
		return img, nil
	case device.ArgErrorBuffer:
		if b, ok := a.Error.(*errorBuffer); !ok || b.rt != r {
			return nil, errdefs.Runtime(op, fmt.Sprintf("argument %s is not a webgpu error buffer", a.Name), nil)
		}
	}
	return nil, nil
}

func (r *Runtime) WriteImage(ctx context.Context, img device.Image, pixels []float32) error {
	const op = "write_image"
	g, err := r.gpuImage(op, device.ImageArg("image", img))
	if err != nil {
		return err
	}
	if want := g.shape.Pixels() * 4; len(pixels) != want {
		return errdefs.Runtime(op, fmt.Sprintf("expected %d values, got %d", want, len(pixels)), nil)
	}
	data := slices.Clone(pixels)
	device.Quantize(g.dtype, data)
	return r.sync(ctx, op, func() error {
		r.queue.WriteBuffer(g.buf, 0, wgpu.ToBytes(data))
		return nil
	})
}

func (r *Runtime) ReadImage(ctx context.Context, img device.Image) ([]float32, error) {
	const op = "read_image"
	g, err := r.gpuImage(op, device.ImageArg("image", img))
	if err != nil {
		return nil, err
	}
	var out []float32
	err = r.sync(ctx, op, func() error {
		raw, err := r.readBuffer(g.buf, g.buf.GetSize())
		if err != nil {
			return errdefs.Runtime(op, "read back", err)
		}
		out = slices.Clone(wgpu.FromBytes[float32](raw))
		return nil
	})
	return out, err
}

// readBuffer copies size bytes of buf into a mappable staging buffer and
// polls the device until the map completes. It runs on the queue goroutine.
func (r *Runtime) readBuffer(buf *wgpu.Buffer, size uint64) ([]byte, error) {
	staging, err := r.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "read_staging",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("staging buffer: %w", err)
	}
	defer staging.Destroy()

	enc, err := r.dev.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("command encoder: %w", err)
	}
	enc.CopyBufferToBuffer(buf, 0, staging, 0, size)
	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("finish commands: %w", err)
	}
	r.queue.Submit(cmd)

	done := make(chan struct{})
	var mapErr error
	err = staging.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("map failed: %v", status)
		}
		close(done)
	})
	if err != nil {
		return nil, fmt.Errorf("map async: %w", err)
	}

	deadline := time.After(r.mapTimeout)
	for {
		r.dev.Poll(false, nil)
		select {
		case <-done:
			if mapErr != nil {
				return nil, mapErr
			}
			data := staging.GetMappedRange(0, uint(size))
			if data == nil {
				return nil, fmt.Errorf("mapped range unavailable")
			}
			out := slices.Clone(data)
			staging.Unmap()
			return out, nil
		case <-deadline:
			return nil, fmt.Errorf("map timed out after %v", r.mapTimeout)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

// errorBuffer is a single atomic i32 in a storage buffer.
type errorBuffer struct {
	rt  *Runtime
	buf *wgpu.Buffer
}

func (r *Runtime) NewErrorBuffer() (device.ErrorBuffer, error) {
	const op = "new_error_buffer"
	var buf *wgpu.Buffer
	err := r.sync(context.Background(), op, func() error {
		var err error
		buf, err = r.dev.CreateBuffer(&wgpu.BufferDescriptor{
			Label: "kernel_error",
			Size:  4,
			Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
		})
		return err
	})
	if err != nil {
		return nil, errdefs.Allocation(op, "diagnostic buffer", err)
	}
	return &errorBuffer{rt: r, buf: buf}, nil
}

func (b *errorBuffer) Reset(ctx context.Context) error {
	return b.rt.sync(ctx, "error_buffer_reset", func() error {
		b.rt.queue.WriteBuffer(b.buf, 0, wgpu.ToBytes([]int32{0}))
		return nil
	})
}

func (b *errorBuffer) Read(ctx context.Context) (int32, error) {
	var v int32
	err := b.rt.sync(ctx, "error_buffer_read", func() error {
		raw, err := b.rt.readBuffer(b.buf, 4)
		if err != nil {
			return err
		}
		v = wgpu.FromBytes[int32](raw)[0]
		return nil
	})
	return v, err
}

func (b *errorBuffer) Release() error {
	b.buf.Destroy()
	return nil
}
