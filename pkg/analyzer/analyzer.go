package analyzer

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/webp"
)

// ImageAnalyzer checks that uploaded frames are usable before they reach the pipeline
type ImageAnalyzer struct {
	config Config
}

// Config holds validation limits
type Config struct {
	SupportedFormats []string
	MinImageSize     int
	MaxImageSize     int
}

// New creates a new ImageAnalyzer with default configuration
func New() *ImageAnalyzer {
	return &ImageAnalyzer{
		config: Config{
			SupportedFormats: []string{"jpeg", "png", "webp"},
			MinImageSize:     64,
			MaxImageSize:     8192,
		},
	}
}

// NewWithConfig creates a new ImageAnalyzer with custom configuration
func NewWithConfig(config Config) *ImageAnalyzer {
	return &ImageAnalyzer{config: config}
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Format      string  `json:"format"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	AspectRatio float64 `json:"aspectRatio"`
}

// Inspect reads only the header of encoded image bytes
func (a *ImageAnalyzer) Inspect(data []byte) (ImageInfo, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to read image header: %w", err)
	}
	if !a.IsFormatSupported(format) {
		return ImageInfo{}, fmt.Errorf("unsupported image format: %s", format)
	}

	info := ImageInfo{Format: format, Width: cfg.Width, Height: cfg.Height}
	if cfg.Height > 0 {
		info.AspectRatio = float64(cfg.Width) / float64(cfg.Height)
	}
	return info, a.validateSize(cfg.Width, cfg.Height)
}

// IsFormatSupported reports whether format is accepted
func (a *ImageAnalyzer) IsFormatSupported(format string) bool {
	if strings.EqualFold(format, "jpg") {
		format = "jpeg"
	}
	for _, supported := range a.config.SupportedFormats {
		if strings.EqualFold(format, supported) {
			return true
		}
	}
	return false
}

// ValidateImage checks if an image meets the size limits
func (a *ImageAnalyzer) ValidateImage(img image.Image) error {
	bounds := img.Bounds()
	return a.validateSize(bounds.Dx(), bounds.Dy())
}

// ValidateDimensions checks raw frame dimensions
func (a *ImageAnalyzer) ValidateDimensions(width, height int) error {
	return a.validateSize(width, height)
}

func (a *ImageAnalyzer) validateSize(width, height int) error {
	if width < a.config.MinImageSize || height < a.config.MinImageSize {
		return fmt.Errorf("image too small: %dx%d (minimum: %d)",
			width, height, a.config.MinImageSize)
	}
	if a.config.MaxImageSize > 0 && (width > a.config.MaxImageSize || height > a.config.MaxImageSize) {
		return fmt.Errorf("image too large: %dx%d (maximum: %d)",
			width, height, a.config.MaxImageSize)
	}
	return nil
}
