package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/menta2k/outfit-lens/internal/utils"
	"github.com/menta2k/outfit-lens/pkg/processing"
	"github.com/menta2k/outfit-lens/pkg/types"
)

// Sink receives pipeline results. Implementations must not block for long,
// they run on the pipeline goroutine.
type Sink interface {
	// OnGarment is called when the classifiers agree on a garment
	OnGarment(ctx context.Context, r types.Result)
	// OnOutfit is called when an outfit was described or redrawn
	OnOutfit(ctx context.Context, r types.Result)
}

// FanOut forwards results to every sink in order
type FanOut []Sink

func (f FanOut) OnGarment(ctx context.Context, r types.Result) {
	for _, s := range f {
		s.OnGarment(ctx, r)
	}
}

func (f FanOut) OnOutfit(ctx context.Context, r types.Result) {
	for _, s := range f {
		s.OnOutfit(ctx, r)
	}
}

// LogSink logs every result
type LogSink struct {
	Logger *zap.Logger
}

func (l LogSink) OnGarment(_ context.Context, r types.Result) {
	l.Logger.Info("garment",
		zap.String("session", r.SessionID),
		zap.String("type", r.Garment.Type),
		zap.String("coloring", r.Garment.Coloring),
		zap.String("usage", r.Garment.Usage),
		zap.String("gender", r.Garment.Gender),
		zap.String("pattern", r.Garment.Pattern))
}

func (l LogSink) OnOutfit(_ context.Context, r types.Result) {
	if r.Outfit == nil {
		return
	}
	l.Logger.Info("outfit",
		zap.String("session", r.SessionID),
		zap.Int("garments", len(r.Outfit.Outfit)),
		zap.Strings("hot_prompts", r.Outfit.HotPrompts),
		zap.Bool("image", r.Image != nil))
}

// ImageWriter saves generated illustrations, and the frame with the
// illustration composed over it, into a directory
type ImageWriter struct {
	Dir       string
	Format    string // webp, png or jpg
	Quality   int
	Scale     float64
	Processor *processing.Processor
	Logger    *zap.Logger
}

func (w ImageWriter) OnGarment(context.Context, types.Result) {}

func (w ImageWriter) OnOutfit(_ context.Context, r types.Result) {
	if r.Image == nil {
		return
	}
	paths, err := w.Write(r)
	if err != nil {
		w.Logger.Error("failed to save outfit image", zap.Error(err))
		return
	}
	w.Logger.Info("outfit image saved", zap.Strings("paths", paths))
}

// Write stores the illustration and, when a snapshot is present, the overlay
func (w ImageWriter) Write(r types.Result) ([]string, error) {
	if r.Image == nil {
		return nil, fmt.Errorf("result has no image")
	}
	format := w.Format
	if format == "" {
		format = "png"
	}
	quality := w.Quality
	if quality <= 0 {
		quality = 90
	}
	if err := utils.EnsureDir(w.Dir); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	generated, err := w.Processor.DecodeImage(r.Image.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode generated image: %w", err)
	}

	stamp := r.CreatedAt.UTC().Format("20060102T150405")
	base := filepath.Join(w.Dir, fmt.Sprintf("%s-%s", r.SessionID, stamp))

	outfitPath := base + "-outfit." + format
	if err := w.Processor.SaveImage(generated, outfitPath, format, quality, false); err != nil {
		return nil, err
	}
	paths := []string{outfitPath}

	if len(r.Snapshot) == 0 {
		return paths, nil
	}
	snapshot, err := w.Processor.DecodeImage(r.Snapshot)
	if err != nil {
		return paths, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	overlayPath := base + "-overlay." + format
	if err := w.Processor.SaveImage(w.Processor.ComposeOverlay(snapshot, generated, w.Scale), overlayPath, format, quality, false); err != nil {
		return paths, err
	}
	return append(paths, overlayPath), nil
}
