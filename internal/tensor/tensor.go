// Package tensor holds a logical NHWC tensor together with its device image.
package tensor

import (
	"context"
	"fmt"

	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/errdefs"
	"github.com/samcharles93/kdispatch/internal/layout"
)

// Allocator creates device images. device.Runtime satisfies it.
type Allocator interface {
	NewImage(shape device.ImageShape, t device.ElementType) (device.Image, error)
	WriteImage(ctx context.Context, img device.Image, pixels []float32) error
	ReadImage(ctx context.Context, img device.Image) ([]float32, error)
}

// Tensor is a 4-D NHWC tensor stored as an InOutChannel image.
//
// A Tensor is not safe for concurrent use.
type Tensor struct {
	name  string
	alloc Allocator
	dtype device.ElementType

	shape      layout.Shape
	image      device.Image
	imageShape device.ImageShape
}

// New returns an empty tensor. It owns no image until ResizeImage or
// CopyFromHost is called.
func New(name string, alloc Allocator, dtype device.ElementType) *Tensor {
	return &Tensor{name: name, alloc: alloc, dtype: dtype}
}

func (t *Tensor) Name() string                  { return t.name }
func (t *Tensor) DataType() device.ElementType  { return t.dtype }
func (t *Tensor) Shape() layout.Shape           { return t.shape }
func (t *Tensor) Image() device.Image           { return t.image }
func (t *Tensor) ImageShape() device.ImageShape { return t.imageShape }

// Dim returns dimension i of the logical shape (0 = N, 3 = C).
func (t *Tensor) Dim(i int) int {
	return t.shape[i]
}

// ResizeImage sets the logical shape and makes sure the backing image can hold
// imageShape. An existing image that is large enough in both dimensions is
// kept; otherwise it is released and a new one allocated.
func (t *Tensor) ResizeImage(shape layout.Shape, imageShape device.ImageShape) error {
	if !shape.Valid() {
		return errdefs.Shapef("resize_image", "%s: invalid shape %v", t.name, shape)
	}
	if t.image != nil {
		cur := t.image.Shape()
		if cur.Width >= imageShape.Width && cur.Height >= imageShape.Height {
			t.shape = shape
			t.imageShape = imageShape
			return nil
		}
		if err := t.image.Release(); err != nil {
			return errdefs.Runtime("resize_image", t.name+": release image", err)
		}
		t.image = nil
	}

	img, err := t.alloc.NewImage(imageShape, t.dtype)
	if err != nil {
		if errdefs.KindOf(err) == errdefs.KindAllocation {
			return err
		}
		return errdefs.Allocation("resize_image",
			fmt.Sprintf("%s: image %dx%d", t.name, imageShape.Width, imageShape.Height), err)
	}
	t.image = img
	t.shape = shape
	t.imageShape = imageShape
	return nil
}

// CopyFromHost resizes the tensor to shape and uploads NHWC data into it.
func (t *Tensor) CopyFromHost(ctx context.Context, shape layout.Shape, data []float32) error {
	if err := t.ResizeImage(shape, layout.ChannelImageShape(shape)); err != nil {
		return err
	}
	pixels, err := layout.EncodeChannelImage(shape, data)
	if err != nil {
		return errdefs.Shape("copy_from_host", err.Error())
	}
	pixels = t.pad(pixels)
	if err := t.alloc.WriteImage(ctx, t.image, pixels); err != nil {
		return fmt.Errorf("tensor %s: upload: %w", t.name, err)
	}
	return nil
}

// CopyToHost downloads the image and returns the logical NHWC values.
func (t *Tensor) CopyToHost(ctx context.Context) ([]float32, error) {
	if t.image == nil {
		return nil, fmt.Errorf("tensor %s: no image", t.name)
	}
	pixels, err := t.alloc.ReadImage(ctx, t.image)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: download: %w", t.name, err)
	}
	return layout.DecodeChannelImage(t.shape, t.crop(pixels))
}

// Release frees the device image.
func (t *Tensor) Release() error {
	if t.image == nil {
		return nil
	}
	err := t.image.Release()
	t.image = nil
	t.imageShape = device.ImageShape{}
	return err
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s%v %s", t.name, t.shape, t.dtype)
}

// pad widens tightly packed pixels to the row pitch of a larger backing image.
func (t *Tensor) pad(pixels []float32) []float32 {
	full := t.image.Shape()
	if full.Width == t.imageShape.Width && full.Height == t.imageShape.Height {
		return pixels
	}
	out := make([]float32, full.Pixels()*4)
	row := t.imageShape.Width * 4
	for y := 0; y < t.imageShape.Height; y++ {
		copy(out[y*full.Width*4:], pixels[y*row:(y+1)*row])
	}
	return out
}

// crop is the inverse of pad.
func (t *Tensor) crop(pixels []float32) []float32 {
	full := t.image.Shape()
	if full.Width == t.imageShape.Width && full.Height == t.imageShape.Height {
		return pixels
	}
	row := t.imageShape.Width * 4
	out := make([]float32, t.imageShape.Pixels()*4)
	for y := 0; y < t.imageShape.Height; y++ {
		copy(out[y*row:(y+1)*row], pixels[y*full.Width*4:])
	}
	return out
}
