package classifier

import (
	"fmt"
	"image"
	"strings"

	"github.com/nfnt/resize"
)

// Layout is the memory order of the input tensor
type Layout string

const (
	LayoutNCHW Layout = "NCHW"
	LayoutNHWC Layout = "NHWC"
)

// Preprocessor turns an image into a normalized float32 tensor
type Preprocessor struct {
	Width  int
	Height int
	Layout Layout
	Mean   [3]float32
	Std    [3]float32
}

// DefaultPreprocessor scales pixels to [0,1] in NHWC order, matching the
// Keras-exported fashion models
func DefaultPreprocessor(width, height int) Preprocessor {
	return Preprocessor{
		Width:  width,
		Height: height,
		Layout: LayoutNHWC,
		Mean:   [3]float32{0, 0, 0},
		Std:    [3]float32{1, 1, 1},
	}
}

// Validate checks the preprocessing parameters
func (p Preprocessor) Validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("invalid input size %dx%d", p.Width, p.Height)
	}
	switch p.layout() {
	case LayoutNCHW, LayoutNHWC:
	default:
		return fmt.Errorf("unknown layout %q", p.Layout)
	}
	for i, s := range p.Std {
		if s == 0 {
			return fmt.Errorf("std[%d] must not be zero", i)
		}
	}
	return nil
}

func (p Preprocessor) layout() Layout {
	return Layout(strings.ToUpper(string(p.Layout)))
}

// Size returns the number of float32 values in the tensor
func (p Preprocessor) Size() int {
	return 3 * p.Width * p.Height
}

// Shape returns the tensor shape with a batch dimension of one
func (p Preprocessor) Shape() []int64 {
	if p.layout() == LayoutNCHW {
		return []int64{1, 3, int64(p.Height), int64(p.Width)}
	}
	return []int64{1, int64(p.Height), int64(p.Width), 3}
}

// Fill resizes img to the model input and writes the normalized pixels into dst
func (p Preprocessor) Fill(img image.Image, dst []float32) error {
	if len(dst) != p.Size() {
		return fmt.Errorf("tensor has %d values, want %d", len(dst), p.Size())
	}

	resized := resize.Resize(uint(p.Width), uint(p.Height), img, resize.Bilinear)
	bounds := resized.Bounds()
	plane := p.Width * p.Height
	nchw := p.layout() == LayoutNCHW

	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			px := [3]float32{
				(float32(r>>8)/255.0 - p.Mean[0]) / p.Std[0],
				(float32(g>>8)/255.0 - p.Mean[1]) / p.Std[1],
				(float32(b>>8)/255.0 - p.Mean[2]) / p.Std[2],
			}

			idx := y*p.Width + x
			if nchw {
				dst[idx] = px[0]
				dst[plane+idx] = px[1]
				dst[2*plane+idx] = px[2]
			} else {
				dst[idx*3] = px[0]
				dst[idx*3+1] = px[1]
				dst[idx*3+2] = px[2]
			}
		}
	}
	return nil
}
