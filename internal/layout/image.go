package layout

import (
	"fmt"

	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/errdefs"
)

// BufferType is the role of a tensor, which selects its image encoding.
type BufferType int

const (
	// InOutChannel packs channels 4 per pixel: width = ceil(C/4)*W, height = N*H.
	InOutChannel BufferType = iota
	// InOutHeight packs rows 4 per pixel: width = W*C, height = ceil(H/4)*N.
	InOutHeight
	// InOutWidth packs columns 4 per pixel: width = ceil(W/4)*C, height = N*H.
	InOutWidth
	// Argument is a 1-D vector: width = ceil(len/4), height = 1.
	Argument
	// Conv2DFilter (OIHW): width = I, height = H*W*ceil(O/4).
	Conv2DFilter
	// WeightHeight (OIHW): width = I*H*W, height = ceil(O/4).
	WeightHeight
	// WeightWidth (OIHW): width = ceil(I/4)*H*W, height = O.
	WeightWidth
)

func (b BufferType) String() string {
	switch b {
	case InOutChannel:
		return "in_out_channel"
	case InOutHeight:
		return "in_out_height"
	case InOutWidth:
		return "in_out_width"
	case Argument:
		return "argument"
	case Conv2DFilter:
		return "conv2d_filter"
	case WeightHeight:
		return "weight_height"
	case WeightWidth:
		return "weight_width"
	default:
		return fmt.Sprintf("buffer_type(%d)", int(b))
	}
}

// ImageShapeFor computes the image encoding of shape for the buffer role bt.
func ImageShapeFor(shape []int, bt BufferType) (device.ImageShape, error) {
	const op = "image_shape"
	for i, d := range shape {
		if d <= 0 {
			return device.ImageShape{}, errdefs.Shapef(op, "%s: dimension %d must be positive, got %d", bt, i, d)
		}
	}
	want := 4
	if bt == Argument {
		want = 1
	}
	if len(shape) != want {
		return device.ImageShape{}, errdefs.Shapef(op, "%s: expected rank %d, got %d", bt, want, len(shape))
	}

	switch bt {
	case InOutChannel:
		n, h, w, c := shape[0], shape[1], shape[2], shape[3]
		return device.ImageShape{Width: RoundUpDiv4(c) * w, Height: n * h}, nil
	case InOutHeight:
		n, h, w, c := shape[0], shape[1], shape[2], shape[3]
		return device.ImageShape{Width: w * c, Height: RoundUpDiv4(h) * n}, nil
	case InOutWidth:
		n, h, w, c := shape[0], shape[1], shape[2], shape[3]
		return device.ImageShape{Width: RoundUpDiv4(w) * c, Height: n * h}, nil
	case Argument:
		return device.ImageShape{Width: RoundUpDiv4(shape[0]), Height: 1}, nil
	case Conv2DFilter:
		o, i, h, w := shape[0], shape[1], shape[2], shape[3]
		return device.ImageShape{Width: i, Height: h * w * RoundUpDiv4(o)}, nil
	case WeightHeight:
		o, i, h, w := shape[0], shape[1], shape[2], shape[3]
		return device.ImageShape{Width: i * h * w, Height: RoundUpDiv4(o)}, nil
	case WeightWidth:
		o, i, h, w := shape[0], shape[1], shape[2], shape[3]
		return device.ImageShape{Width: RoundUpDiv4(i) * h * w, Height: o}, nil
	default:
		return device.ImageShape{}, errdefs.Shapef(op, "unsupported buffer type %s", bt)
	}
}

// ChannelImageShape is ImageShapeFor(s, InOutChannel) for an already valid shape.
func ChannelImageShape(s Shape) device.ImageShape {
	return device.ImageShape{
		Width:  RoundUpDiv4(s.Channels()) * s.Width(),
		Height: s.Batch() * s.Height(),
	}
}

// EncodeChannelImage converts NHWC values into InOutChannel RGBA pixels.
// Pixel (cb*W + w, n*H + h) holds channels 4cb..4cb+3; padding lanes are 0.
func EncodeChannelImage(s Shape, data []float32) ([]float32, error) {
	if len(data) != s.Elements() {
		return nil, fmt.Errorf("encode %v: expected %d values, got %d", s, s.Elements(), len(data))
	}
	img := ChannelImageShape(s)
	pixels := make([]float32, img.Pixels()*4)
	n, h, w, c := s[0], s[1], s[2], s[3]
	for b := 0; b < n; b++ {
		for y := 0; y < h; y++ {
			row := b*h + y
			for x := 0; x < w; x++ {
				src := ((b*h+y)*w + x) * c
				for ch := 0; ch < c; ch++ {
					px := (ch>>2)*w + x
					pixels[(row*img.Width+px)*4+(ch&3)] = data[src+ch]
				}
			}
		}
	}
	return pixels, nil
}

// DecodeChannelImage is the inverse of EncodeChannelImage.
func DecodeChannelImage(s Shape, pixels []float32) ([]float32, error) {
	img := ChannelImageShape(s)
	if len(pixels) < img.Pixels()*4 {
		return nil, fmt.Errorf("decode %v: expected %d pixel values, got %d", s, img.Pixels()*4, len(pixels))
	}
	data := make([]float32, s.Elements())
	n, h, w, c := s[0], s[1], s[2], s[3]
	for b := 0; b < n; b++ {
		for y := 0; y < h; y++ {
			row := b*h + y
			for x := 0; x < w; x++ {
				dst := ((b*h+y)*w + x) * c
				for ch := 0; ch < c; ch++ {
					px := (ch>>2)*w + x
					data[dst+ch] = pixels[(row*img.Width+px)*4+(ch&3)]
				}
			}
		}
	}
	return data, nil
}
