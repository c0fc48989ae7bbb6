package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/menta2k/outfit-lens/pkg/frame"
	"github.com/menta2k/outfit-lens/pkg/pipeline"
	"github.com/menta2k/outfit-lens/pkg/store"
	"github.com/menta2k/outfit-lens/pkg/types"
)

type fakeController struct {
	mu         sync.Mutex
	frames     []frame.Frame
	session    types.Session
	captureErr error
	promptErr  error
	prompts    []string
	last       *types.Result
	// promptGate, when set, holds ApplyPrompt until it is closed
	promptGate chan struct{}
}

func (f *fakeController) Submit(fr frame.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
}

func (f *fakeController) Frames() []frame.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]frame.Frame(nil), f.frames...)
}

func (f *fakeController) Capture(context.Context) (types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return f.session, f.captureErr
	}
	f.session = types.Session{ID: "session-1", State: types.StateCapturing, StartedAt: time.Now()}
	return f.session, nil
}

func (f *fakeController) ApplyPrompt(_ context.Context, prompt string) (*types.Result, error) {
	if f.promptGate != nil {
		<-f.promptGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.promptErr != nil {
		return nil, f.promptErr
	}
	f.prompts = append(f.prompts, prompt)
	r := *f.last
	return &r, nil
}

func (f *fakeController) Status() types.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.session
	if s.State == "" {
		s.State = types.StateIdle
	}
	return s
}

func (f *fakeController) Last() *types.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeHistory struct {
	garments []store.GarmentRecord
	outfit   *types.Result
	limit    int
}

func (f *fakeHistory) RecentGarments(_ context.Context, limit int) ([]store.GarmentRecord, error) {
	f.limit = limit
	return f.garments, nil
}

func (f *fakeHistory) LatestOutfit(context.Context) (*types.Result, error) {
	return f.outfit, nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestServer(t *testing.T, ctl *fakeController, history History) *Server {
	t.Helper()
	return New(ctl, history, nil, Options{Version: "test"}, zaptest.NewLogger(t))
}

func do(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var e APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakeController{}, nil)
	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "idle", body["state"])
}

func TestCapture(t *testing.T) {
	s := newTestServer(t, &fakeController{}, nil)
	rec := do(t, s, httptest.NewRequest(http.MethodPost, "/api/v1/capture", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var session types.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, types.StateCapturing, session.State)

	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/session", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"capturing"`)
}

func TestCaptureDisabled(t *testing.T) {
	s := newTestServer(t, &fakeController{captureErr: pipeline.ErrCaptureDisabled}, nil)
	rec := do(t, s, httptest.NewRequest(http.MethodPost, "/api/v1/capture", nil))

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "capture_disabled", decodeError(t, rec).Code)
}

func TestSubmitRawFrame(t *testing.T) {
	ctl := &fakeController{}
	s := newTestServer(t, ctl, nil)

	body := make([]byte, frame.PlanarSize(64, 64))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/frames?format=nv21&width=64&height=64&rotation=90", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := do(t, s, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	frames := ctl.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, frame.FormatNV21, frames[0].Format)
	assert.Equal(t, 64, frames[0].Width)
	assert.Equal(t, 90, frames[0].Rotation)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["accepted"])
	assert.EqualValues(t, 64, resp["width"])
	assert.EqualValues(t, 64, resp["height"])
}

func TestSubmitRawFrameErrors(t *testing.T) {
	s := newTestServer(t, &fakeController{}, nil)
	full := make([]byte, frame.PlanarSize(64, 64))

	tests := map[string]struct {
		query string
		body  []byte
		code  string
	}{
		"empty body":     {"format=nv21&width=64&height=64", nil, "empty_body"},
		"unknown format": {"format=bayer&width=64&height=64", full, "bad_format"},
		"missing size":   {"format=i420", full, "bad_size"},
		"too small":      {"format=i420&width=8&height=8", full, "bad_size"},
		"short buffer":   {"format=nv12&width=64&height=64", full[:100], "short_frame"},
		"bad rotation":   {"format=nv21&width=64&height=64&rotation=45", full, "bad_rotation"},
		"not an image":   {"format=jpeg", []byte("hello"), "bad_image"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/frames?"+tt.query, bytes.NewReader(tt.body))
			rec := do(t, s, req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestSubmitMultipartFrame(t *testing.T) {
	ctl := &fakeController{}
	s := newTestServer(t, ctl, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", "frame.png")
	require.NoError(t, err)
	_, err = fw.Write(pngBytes(t, 80, 80))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("rotation", "180"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/frames", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := do(t, s, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	frames := ctl.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, frame.FormatEncoded, frames[0].Format)
	assert.Equal(t, 180, frames[0].Rotation)
	assert.Equal(t, 80, frames[0].Width)
	assert.Equal(t, 80, frames[0].Height)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 80, resp["width"])
	assert.EqualValues(t, 80, resp["height"])
}

func TestSubmitMultipartMissingField(t *testing.T) {
	s := newTestServer(t, &fakeController{}, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/frames", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := do(t, s, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_image", decodeError(t, rec).Code)
}

func TestApplyPrompt(t *testing.T) {
	ctl := &fakeController{last: &types.Result{
		SessionID: "s",
		Outfit:    &types.Outfit{Outfit: []types.Garment{{Type: "Jeans"}}},
		Image:     &types.GeneratedImage{MIMEType: "image/png", Data: []byte{1}},
	}}
	s := newTestServer(t, ctl, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/prompt", strings.NewReader(`{"prompt":" Make it formal "}`))
	req.Header.Set("Content-Type", "application/json")
	rec := do(t, s, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"Make it formal"}, ctl.prompts)
	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, true, view["hasImage"])
	assert.Equal(t, "s", view["sessionId"])
}

func TestApplyPromptErrors(t *testing.T) {
	tests := map[string]struct {
		body   string
		err    error
		status int
		code   string
	}{
		"empty prompt": {`{"prompt":"  "}`, nil, http.StatusBadRequest, "missing_prompt"},
		"no outfit":    {`{"prompt":"x"}`, pipeline.ErrNoOutfit, http.StatusConflict, "no_outfit"},
		"no generator": {`{"prompt":"x"}`, pipeline.ErrNoGenerator, http.StatusNotImplemented, "no_generator"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestServer(t, &fakeController{promptErr: tt.err}, nil)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/prompt", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := do(t, s, req)
			require.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestGarments(t *testing.T) {
	s := newTestServer(t, &fakeController{}, nil)
	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/garments", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	history := &fakeHistory{garments: []store.GarmentRecord{{ID: 1, SessionID: "s", Garment: types.Garment{Type: "Shirts"}}}}
	s = newTestServer(t, &fakeController{}, history)

	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/garments?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, history.limit)
	var records []store.GarmentRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "Shirts", records[0].Garment.Type)

	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/garments?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLatestOutfitImage(t *testing.T) {
	s := newTestServer(t, &fakeController{}, nil)
	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/outfits/latest/image", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	generated := pngBytes(t, 32, 32)
	ctl := &fakeController{last: &types.Result{
		SessionID: "s",
		Outfit:    &types.Outfit{Outfit: []types.Garment{{Type: "Jeans"}}},
		Image:     &types.GeneratedImage{MIMEType: "image/png", Data: generated},
		Snapshot:  pngBytes(t, 120, 160),
	}}
	s = newTestServer(t, ctl, nil)

	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/outfits/latest/image", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, generated, rec.Body.Bytes())

	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/outfits/latest/image?overlay=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	img, _, err := image.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 120, 160), img.Bounds())
}

func TestLatestOutfitFallsBackToHistory(t *testing.T) {
	history := &fakeHistory{outfit: &types.Result{SessionID: "stored", Outfit: &types.Outfit{}}}
	s := newTestServer(t, &fakeController{}, history)

	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/outfits/latest", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sessionId":"stored"`)
	assert.Contains(t, rec.Body.String(), `"hasImage":false`)
}

func TestOverlayAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	db, err := store.Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = db.SaveOutfit(context.Background(), types.Result{
		SessionID: "before",
		Outfit:    &types.Outfit{Outfit: []types.Garment{{Type: "Jeans"}}},
		Image:     &types.GeneratedImage{MIMEType: "image/png", Data: pngBytes(t, 32, 32)},
		Snapshot:  pngBytes(t, 120, 160),
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = store.Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := newTestServer(t, &fakeController{}, db)

	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/outfits/latest/image?overlay=true", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	img, _, err := image.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 120, 160), img.Bounds())
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWebsocket(t *testing.T) {
	ctl := &fakeController{}
	// connection goroutines outlive the test, so no test logger here
	s := New(ctl, nil, nil, Options{}, zap.NewNop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readEvent(t, conn)
	assert.Equal(t, EventSession, hello.Type)
	assert.Equal(t, types.StateIdle, hello.Session.State)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"capture"}`)))
	ev := readEvent(t, conn)
	assert.Equal(t, EventSession, ev.Type)
	assert.Equal(t, types.StateCapturing, ev.Session.State)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, pngBytes(t, 64, 64)))
	require.Eventually(t, func() bool { return len(ctl.Frames()) == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("garbage")))
	ev = readEvent(t, conn)
	assert.Equal(t, EventError, ev.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	ev = readEvent(t, conn)
	assert.Equal(t, EventError, ev.Type)
	assert.Contains(t, ev.Message, "dance")

	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, time.Second, time.Millisecond)
	s.Hub().OnOutfit(context.Background(), types.Result{
		SessionID: "session-1",
		Outfit:    &types.Outfit{Outfit: []types.Garment{{Type: "Jeans"}}, HotPrompts: []string{"Add boots"}},
		Image:     &types.GeneratedImage{MIMEType: "image/png", Data: []byte{1}},
	})
	ev = readEvent(t, conn)
	assert.Equal(t, EventOutfit, ev.Type)
	require.NotNil(t, ev.Result)
	assert.True(t, ev.Result.HasImage)
	assert.Equal(t, []string{"Add boots"}, ev.Result.Outfit.HotPrompts)
}

func TestWebsocketAnswersWhileCommandRuns(t *testing.T) {
	gate := make(chan struct{})
	ctl := &fakeController{
		last:       &types.Result{SessionID: "session-1", Outfit: &types.Outfit{Outfit: []types.Garment{{Type: "Jeans"}}}},
		promptGate: gate,
	}
	s := New(ctl, nil, nil, Options{}, zap.NewNop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	readEvent(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"prompt","prompt":"Add a hat"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status"}`)))

	ev := readEvent(t, conn)
	assert.Equal(t, EventSession, ev.Type)

	ctl.mu.Lock()
	assert.Empty(t, ctl.prompts)
	ctl.mu.Unlock()

	close(gate)
	require.Eventually(t, func() bool {
		ctl.mu.Lock()
		defer ctl.mu.Unlock()
		return len(ctl.prompts) == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(&fakeController{}, nil, nil, Options{Addr: "127.0.0.1:0"}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
