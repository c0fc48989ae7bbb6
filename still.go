package outfitlens

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"time"

	"github.com/menta2k/outfit-lens/pkg/analyzer"
	"github.com/menta2k/outfit-lens/pkg/pipeline"
	"github.com/menta2k/outfit-lens/pkg/processing"
	"github.com/menta2k/outfit-lens/pkg/types"
)

// Asker answers free-form questions about an image
type Asker interface {
	Ask(ctx context.Context, imgB64, question string) (string, error)
}

// Still describes single images without the camera pipeline
type Still struct {
	Describer     pipeline.Describer
	Asker         Asker
	Generator     pipeline.ImageGenerator
	Processor     *processing.Processor
	Analyzer      *analyzer.ImageAnalyzer
	UploadMaxDim  int
	UploadQuality int
	Timeout       time.Duration
}

// DescribeFile describes the outfit in an image file or URL and, when a
// generator is set, draws it with extra appended to the image prompt
func (s *Still) DescribeFile(ctx context.Context, source, extra string) (*types.Result, error) {
	if s.Describer == nil {
		return nil, fmt.Errorf("no vision client configured")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	img, imgB64, err := s.load(source)
	if err != nil {
		return nil, err
	}
	snapshot, err := s.processor().EncodeJPEG(img, s.quality())
	if err != nil {
		return nil, err
	}

	result := &types.Result{
		SessionID: baseName(source),
		Snapshot:  snapshot,
		Outfit:    s.Describer.Describe(ctx, imgB64, types.Garment{}),
		CreatedAt: time.Now(),
	}
	if result.Outfit.IsEmpty() || s.Generator == nil {
		return result, nil
	}

	generated, err := s.Generator.Generate(ctx, s.Describer.ImagePrompt(result.Outfit, extra))
	if err != nil {
		return result, fmt.Errorf("image generation failed: %w", err)
	}
	result.Image = generated
	return result, nil
}

// Ask sends a free-form question about an image file or URL to the vision
// model. It is a quick way to check that the backend can see images.
func (s *Still) Ask(ctx context.Context, source, question string) (string, error) {
	if s.Asker == nil {
		return "", fmt.Errorf("no vision client configured")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, imgB64, err := s.load(source)
	if err != nil {
		return "", err
	}
	return s.Asker.Ask(ctx, imgB64, question)
}

func (s *Still) load(source string) (image.Image, string, error) {
	a := s.Analyzer
	if a == nil {
		a = analyzer.New()
	}

	img, err := s.processor().LoadImageSmart(source)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load image: %w", err)
	}
	if err := a.ValidateImage(img); err != nil {
		return nil, "", fmt.Errorf("image validation failed: %w", err)
	}

	imgB64, err := s.processor().PrepareImageForModel(img, "jpeg", s.UploadMaxDim, s.quality())
	if err != nil {
		return nil, "", err
	}
	return img, imgB64, nil
}

func (s *Still) processor() *processing.Processor {
	if s.Processor == nil {
		s.Processor = processing.NewProcessor()
	}
	return s.Processor
}

func (s *Still) quality() int {
	if s.UploadQuality <= 0 {
		return 85
	}
	return s.UploadQuality
}

func (s *Still) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.Timeout > 0 {
		return context.WithTimeout(ctx, s.Timeout)
	}
	return context.WithCancel(ctx)
}

// baseName extracts the base filename without extension
func baseName(source string) string {
	base := filepath.Base(source)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
