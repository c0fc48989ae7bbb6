// Package capture feeds frames into the pipeline from sources other than a
// live client connection.
package capture

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/outfit-lens/internal/utils"
	"github.com/menta2k/outfit-lens/pkg/frame"
)

// Consumer accepts frames without blocking
type Consumer interface {
	Submit(f frame.Frame)
}

// Pacer reports how far the consumer has got through submitted frames
type Pacer interface {
	Received() uint64
	Dropped() uint64
}

const pollInterval = 5 * time.Millisecond

// DirSource replays the image files of a directory as camera frames
type DirSource struct {
	Dir string
	// Interval is the delay between frames
	Interval time.Duration
	// Pace waits for each frame to be taken before sending the next one
	Pace Pacer
	// Until stops the replay early once it returns true
	Until func() bool
	// Loop restarts from the first file when the directory is exhausted
	Loop   bool
	Logger *zap.Logger
}

// Run submits every image in the directory to c and returns how many frames
// were sent
func (s *DirSource) Run(ctx context.Context, c Consumer) (int, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	files, err := utils.ListImageFiles(s.Dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", s.Dir, err)
	}
	if len(files) == 0 {
		return 0, fmt.Errorf("no image files found in %s", s.Dir)
	}
	logger.Info("replaying directory", zap.String("dir", s.Dir), zap.Int("files", len(files)))

	var base uint64
	if s.Pace != nil {
		base = s.Pace.Received() + s.Pace.Dropped()
	}

	sent := 0
	for {
		for _, path := range files {
			if s.stop(ctx) {
				return sent, ctx.Err()
			}

			data, err := os.ReadFile(path)
			if err != nil {
				logger.Warn("skipping unreadable file", zap.String("path", path), zap.Error(err))
				continue
			}
			logger.Debug("frame", zap.String("path", path), zap.String("size", utils.FormatFileSize(int64(len(data)))))

			c.Submit(frame.Encoded(data))
			sent++

			if s.Pace != nil {
				if err := s.wait(ctx, base+uint64(sent)); err != nil {
					return sent, err
				}
			}
			if s.Interval > 0 {
				select {
				case <-ctx.Done():
					return sent, ctx.Err()
				case <-time.After(s.Interval):
				}
			}
		}
		if !s.Loop {
			return sent, nil
		}
	}
}

func (s *DirSource) stop(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return s.Until != nil && s.Until()
}

// wait blocks until the consumer has accounted for want frames
func (s *DirSource) wait(ctx context.Context, want uint64) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for s.Pace.Received()+s.Pace.Dropped() < want {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
