// Package webcam reads frames from a local camera with OpenCV
package webcam

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/menta2k/outfit-lens/pkg/frame"
)

const (
	DefaultFPS     = 5
	DefaultQuality = 85
	// maxReadFailures ends the capture when the device stops delivering
	maxReadFailures = 50
)

// Consumer accepts frames without blocking
type Consumer interface {
	Submit(f frame.Frame)
}

// Camera streams JPEG frames from a video device
type Camera struct {
	Device  int
	FPS     int
	Quality int
	Logger  *zap.Logger
}

// Run opens the device and submits frames to c until ctx is cancelled
func (c *Camera) Run(ctx context.Context, consumer Consumer) error {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("webcam").With(zap.Int("device", c.Device))

	cam, err := gocv.OpenVideoCapture(c.Device)
	if err != nil {
		return fmt.Errorf("failed to open video device %d: %w", c.Device, err)
	}
	defer cam.Close()

	img := gocv.NewMat()
	defer img.Close()

	ticker := time.NewTicker(interval(c.FPS))
	defer ticker.Stop()

	quality := c.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	params := []int{int(gocv.IMWriteJpegQuality), quality}

	logger.Info("camera opened", zap.Duration("interval", interval(c.FPS)))
	failures := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("camera closed")
			return nil
		case <-ticker.C:
		}

		if ok := cam.Read(&img); !ok || img.Empty() {
			failures++
			if failures >= maxReadFailures {
				return fmt.Errorf("video device %d stopped delivering frames", c.Device)
			}
			continue
		}
		failures = 0

		data, err := encode(img, params)
		if err != nil {
			logger.Warn("failed to encode frame", zap.Error(err))
			continue
		}
		consumer.Submit(frame.Encoded(data))
	}
}

func encode(img gocv.Mat, params []int) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, params)
	if err != nil {
		return nil, err
	}
	defer buf.Close()

	data := make([]byte, len(buf.GetBytes()))
	copy(data, buf.GetBytes())
	return data, nil
}

func interval(fps int) time.Duration {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return time.Second / time.Duration(fps)
}
