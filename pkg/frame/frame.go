// Package frame converts raw camera buffers into images.
//
// Cameras hand over 4:2:0 planar or semi-planar YUV buffers. NV21 is the
// Android default (full Y plane followed by interleaved V/U samples); NV12
// swaps the chroma order and I420 stores U and V as separate planes.
package frame

import (
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/menta2k/outfit-lens/pkg/processing"
)

// Format identifies the layout of Frame.Data
type Format string

const (
	FormatNV21    Format = "nv21"
	FormatNV12    Format = "nv12"
	FormatI420    Format = "i420"
	FormatEncoded Format = "encoded" // JPEG, PNG or WebP bytes
)

// ParseFormat maps a user supplied name onto a Format
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nv21", "yuv_420_888":
		return FormatNV21, nil
	case "nv12":
		return FormatNV12, nil
	case "i420", "yuv420p":
		return FormatI420, nil
	case "", "encoded", "jpeg", "jpg", "png", "webp":
		return FormatEncoded, nil
	}
	return "", fmt.Errorf("unknown frame format %q", s)
}

// Frame is one captured camera image
type Frame struct {
	Format    Format
	Width     int
	Height    int
	Rotation  int // clockwise degrees needed to display the frame upright
	Data      []byte
	Timestamp time.Time
}

// Encoded wraps compressed image bytes as a Frame
func Encoded(data []byte) Frame {
	return Frame{Format: FormatEncoded, Data: data, Timestamp: time.Now()}
}

// PlanarSize returns the byte length of a 4:2:0 buffer of the given size
func PlanarSize(width, height int) int {
	cw, ch := (width+1)/2, (height+1)/2
	return width*height + 2*cw*ch
}

// Converter turns frames into upright images and JPEG bytes
type Converter struct {
	processor *processing.Processor
	quality   int
}

// NewConverter creates a converter producing JPEGs at the given quality
func NewConverter(processor *processing.Processor, quality int) *Converter {
	if quality < 1 || quality > 100 {
		quality = 100
	}
	return &Converter{processor: processor, quality: quality}
}

// ToImage decodes or converts the frame and applies its rotation
func (c *Converter) ToImage(f Frame) (image.Image, error) {
	var img image.Image
	var err error

	switch f.Format {
	case FormatEncoded:
		img, err = c.processor.DecodeImage(f.Data)
	case FormatNV21, FormatNV12, FormatI420:
		img, err = yuvToImage(f)
	default:
		err = fmt.Errorf("unsupported frame format %q", f.Format)
	}
	if err != nil {
		return nil, err
	}

	return rotate(img, f.Rotation)
}

// ToJPEG converts the frame to an upright JPEG
func (c *Converter) ToJPEG(f Frame) (image.Image, []byte, error) {
	img, err := c.ToImage(f)
	if err != nil {
		return nil, nil, err
	}
	data, err := c.processor.EncodeJPEG(img, c.quality)
	if err != nil {
		return nil, nil, err
	}
	return img, data, nil
}

func yuvToImage(f Frame) (*image.YCbCr, error) {
	if f.Width <= 0 || f.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	if want := PlanarSize(f.Width, f.Height); len(f.Data) < want {
		return nil, fmt.Errorf("%s frame %dx%d needs %d bytes, got %d", f.Format, f.Width, f.Height, want, len(f.Data))
	}

	img := image.NewYCbCr(image.Rect(0, 0, f.Width, f.Height), image.YCbCrSubsampleRatio420)
	ySize := f.Width * f.Height
	for y := 0; y < f.Height; y++ {
		copy(img.Y[y*img.YStride:y*img.YStride+f.Width], f.Data[y*f.Width:(y+1)*f.Width])
	}

	cw, ch := (f.Width+1)/2, (f.Height+1)/2
	chroma := f.Data[ySize:]

	switch f.Format {
	case FormatI420:
		u, v := chroma[:cw*ch], chroma[cw*ch:2*cw*ch]
		for y := 0; y < ch; y++ {
			copy(img.Cb[y*img.CStride:y*img.CStride+cw], u[y*cw:(y+1)*cw])
			copy(img.Cr[y*img.CStride:y*img.CStride+cw], v[y*cw:(y+1)*cw])
		}
	default:
		vFirst := f.Format == FormatNV21
		for y := 0; y < ch; y++ {
			row := chroma[y*cw*2 : (y+1)*cw*2]
			for x := 0; x < cw; x++ {
				a, b := row[2*x], row[2*x+1]
				if vFirst {
					a, b = b, a
				}
				img.Cb[y*img.CStride+x] = a
				img.Cr[y*img.CStride+x] = b
			}
		}
	}

	return img, nil
}

func rotate(img image.Image, degrees int) (image.Image, error) {
	switch ((degrees % 360) + 360) % 360 {
	case 0:
		return img, nil
	case 90:
		return imaging.Rotate270(img), nil
	case 180:
		return imaging.Rotate180(img), nil
	case 270:
		return imaging.Rotate90(img), nil
	}
	return nil, fmt.Errorf("unsupported rotation %d", degrees)
}
