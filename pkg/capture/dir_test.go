package capture

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/menta2k/outfit-lens/pkg/frame"
)

type recorder struct {
	mu     sync.Mutex
	frames []frame.Frame
	taken  atomic.Uint64
}

func (r *recorder) Submit(f frame.Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	go r.taken.Add(1)
}

func (r *recorder) Received() uint64 { return r.taken.Load() }
func (r *recorder) Dropped() uint64  { return 0 }

func (r *recorder) data() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = string(f.Data)
	}
	return out
}

func writeFiles(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}
	return dir
}

func TestDirSourceReplaysInOrder(t *testing.T) {
	dir := writeFiles(t, "b.jpg", "a.png", "notes.txt", "c.webp")
	rec := &recorder{}

	src := &DirSource{Dir: dir, Pace: rec, Logger: zaptest.NewLogger(t)}
	sent, err := src.Run(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, 3, sent)
	assert.Equal(t, []string{"a.png", "b.jpg", "c.webp"}, rec.data())
	for _, f := range rec.frames {
		assert.Equal(t, frame.FormatEncoded, f.Format)
	}
}

func TestDirSourceUntil(t *testing.T) {
	dir := writeFiles(t, "1.jpg", "2.jpg", "3.jpg")
	rec := &recorder{}

	src := &DirSource{Dir: dir, Until: func() bool { return len(rec.data()) >= 2 }}
	sent, err := src.Run(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
}

func TestDirSourceLoopStopsOnCancel(t *testing.T) {
	dir := writeFiles(t, "1.jpg")
	rec := &recorder{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	src := &DirSource{Dir: dir, Loop: true, Interval: time.Millisecond}
	sent, err := src.Run(ctx, rec)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, sent, 1)
}

func TestDirSourceEmptyDirectory(t *testing.T) {
	_, err := (&DirSource{Dir: writeFiles(t, "readme.md")}).Run(context.Background(), &recorder{})
	assert.Error(t, err)

	_, err = (&DirSource{Dir: filepath.Join(t.TempDir(), "missing")}).Run(context.Background(), &recorder{})
	assert.Error(t, err)
}
