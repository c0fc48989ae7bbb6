// Package server exposes the pipeline over HTTP and websockets.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/menta2k/outfit-lens/pkg/analyzer"
	"github.com/menta2k/outfit-lens/pkg/frame"
	"github.com/menta2k/outfit-lens/pkg/pipeline"
	"github.com/menta2k/outfit-lens/pkg/processing"
	"github.com/menta2k/outfit-lens/pkg/store"
	"github.com/menta2k/outfit-lens/pkg/types"
)

// Controller is the part of the pipeline the API drives
type Controller interface {
	pipeline.FrameConsumer
	Capture(ctx context.Context) (types.Session, error)
	ApplyPrompt(ctx context.Context, prompt string) (*types.Result, error)
	Status() types.Session
	Last() *types.Result
}

// History is the read side of the result store
type History interface {
	RecentGarments(ctx context.Context, limit int) ([]store.GarmentRecord, error)
	LatestOutfit(ctx context.Context) (*types.Result, error)
}

// Options configures the server
type Options struct {
	Addr           string
	Version        string
	MaxUploadBytes int64
	OverlayScale   float64
	ShutdownGrace  time.Duration
}

// Server is the HTTP API
type Server struct {
	echo      *echo.Echo
	ctl       Controller
	history   History
	hub       *Hub
	analyzer  *analyzer.ImageAnalyzer
	processor *processing.Processor
	upgrader  websocket.Upgrader
	opts      Options
	logger    *zap.Logger
}

// New builds the server and its routes. history may be nil.
func New(ctl Controller, history History, hub *Hub, opts Options, logger *zap.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 16 << 20
	}
	if opts.OverlayScale <= 0 {
		opts.OverlayScale = 0.35
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if hub == nil {
		hub = NewHub(logger)
	}

	s := &Server{
		echo:      echo.New(),
		ctl:       ctl,
		history:   history,
		hub:       hub,
		analyzer:  analyzer.New(),
		processor: processing.NewProcessor(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		opts:   opts,
		logger: logger.Named("server"),
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status))
			return nil
		},
	}))

	e.GET("/health", s.health)
	api := e.Group("/api/v1")
	api.POST("/capture", s.capture)
	api.GET("/session", s.session)
	api.POST("/frames", s.submitFrame, middleware.BodyLimit(strconv.FormatInt(opts.MaxUploadBytes/1024, 10)+"K"))
	api.POST("/prompt", s.applyPrompt)
	api.GET("/garments", s.garments)
	api.GET("/outfits/latest", s.latestOutfit)
	api.GET("/outfits/latest/image", s.latestOutfitImage)
	api.GET("/ws", s.handleWS)

	return s
}

// Handler returns the HTTP handler, used by tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Hub returns the websocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.opts.Addr))
		if err := s.echo.Start(s.opts.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownGrace)
	defer cancel()
	s.hub.Close()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	for range errCh {
	}
	return nil
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.opts.Version,
		"state":   s.ctl.Status().State,
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) capture(c echo.Context) error {
	session, err := s.ctl.Capture(c.Request().Context())
	if err != nil {
		return captureError(err)
	}
	s.hub.Broadcast(Event{Type: EventSession, Session: &session})
	return c.JSON(http.StatusAccepted, session)
}

func captureError(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrCaptureDisabled):
		return conflict("capture_disabled", err.Error())
	case errors.Is(err, pipeline.ErrStopped):
		return unavailable("stopped", err.Error())
	}
	return internalError("capture_failed", err.Error())
}

func (s *Server) session(c echo.Context) error {
	return c.JSON(http.StatusOK, s.ctl.Status())
}

func (s *Server) submitFrame(c echo.Context) error {
	var f frame.Frame
	var err error
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		f, err = s.multipartFrame(c)
	} else {
		f, err = s.rawFrame(c)
	}
	if err != nil {
		return err
	}

	s.ctl.Submit(f)
	return c.JSON(http.StatusAccepted, map[string]any{
		"accepted": true,
		"width":    f.Width,
		"height":   f.Height,
		"state":    s.ctl.Status().State,
	})
}

func (s *Server) multipartFrame(c echo.Context) (frame.Frame, error) {
	fh, err := c.FormFile("image")
	if err != nil {
		return frame.Frame{}, badRequest("missing_image", "multipart field \"image\" is required")
	}
	file, err := fh.Open()
	if err != nil {
		return frame.Frame{}, badRequest("bad_image", err.Error())
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return frame.Frame{}, badRequest("bad_image", err.Error())
	}
	return s.encodedFrame(data, c.FormValue("rotation"))
}

func (s *Server) rawFrame(c echo.Context) (frame.Frame, error) {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return frame.Frame{}, badRequest("bad_body", err.Error())
	}
	if len(data) == 0 {
		return frame.Frame{}, badRequest("empty_body", "frame body is empty")
	}

	format, err := frame.ParseFormat(c.QueryParam("format"))
	if err != nil {
		return frame.Frame{}, badRequest("bad_format", err.Error())
	}
	if format == frame.FormatEncoded {
		return s.encodedFrame(data, c.QueryParam("rotation"))
	}

	width, err1 := strconv.Atoi(c.QueryParam("width"))
	height, err2 := strconv.Atoi(c.QueryParam("height"))
	if err1 != nil || err2 != nil {
		return frame.Frame{}, badRequest("bad_size", "width and height are required for raw frames")
	}
	if err := s.analyzer.ValidateDimensions(width, height); err != nil {
		return frame.Frame{}, badRequest("bad_size", err.Error())
	}
	if want := frame.PlanarSize(width, height); len(data) < want {
		return frame.Frame{}, badRequest("short_frame", fmt.Sprintf("%s frame %dx%d needs %d bytes, got %d", format, width, height, want, len(data)))
	}
	rotation, err := parseRotation(c.QueryParam("rotation"))
	if err != nil {
		return frame.Frame{}, err
	}

	return frame.Frame{
		Format:    format,
		Width:     width,
		Height:    height,
		Rotation:  rotation,
		Data:      data,
		Timestamp: time.Now(),
	}, nil
}

func (s *Server) encodedFrame(data []byte, rotationParam string) (frame.Frame, error) {
	info, err := s.analyzer.Inspect(data)
	if err != nil {
		return frame.Frame{}, badRequest("bad_image", err.Error())
	}
	rotation, err := parseRotation(rotationParam)
	if err != nil {
		return frame.Frame{}, err
	}
	f := frame.Encoded(data)
	f.Width, f.Height = info.Width, info.Height
	f.Rotation = rotation
	return f, nil
}

func parseRotation(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	r, err := strconv.Atoi(v)
	if err != nil || r%90 != 0 {
		return 0, badRequest("bad_rotation", "rotation must be a multiple of 90")
	}
	return r, nil
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) applyPrompt(c echo.Context) error {
	var req promptRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid_request", "invalid request body")
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return badRequest("missing_prompt", "prompt is required")
	}

	result, err := s.ctl.ApplyPrompt(c.Request().Context(), req.Prompt)
	if err != nil {
		return promptError(err)
	}
	return c.JSON(http.StatusOK, newResultView(*result))
}

func promptError(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrNoOutfit):
		return conflict("no_outfit", err.Error())
	case errors.Is(err, pipeline.ErrNoGenerator):
		return apiError(http.StatusNotImplemented, "no_generator", err.Error())
	case errors.Is(err, pipeline.ErrStopped):
		return unavailable("stopped", err.Error())
	}
	return internalError("prompt_failed", err.Error())
}

func (s *Server) garments(c echo.Context) error {
	if s.history == nil {
		return unavailable("history_disabled", "history store is not configured")
	}
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			return badRequest("bad_limit", "limit must be between 1 and 1000")
		}
		limit = n
	}

	records, err := s.history.RecentGarments(c.Request().Context(), limit)
	if err != nil {
		s.logger.Error("failed to load garments", zap.Error(err))
		return internalError("history_failed", "failed to load garments")
	}
	return c.JSON(http.StatusOK, records)
}

// latest returns the pipeline's last result, falling back to the store
func (s *Server) latest(ctx context.Context) (*types.Result, error) {
	if r := s.ctl.Last(); r != nil && r.Outfit != nil {
		return r, nil
	}
	if s.history == nil {
		return nil, nil
	}
	return s.history.LatestOutfit(ctx)
}

func (s *Server) latestOutfit(c echo.Context) error {
	r, err := s.latest(c.Request().Context())
	if err != nil {
		s.logger.Error("failed to load outfit", zap.Error(err))
		return internalError("history_failed", "failed to load outfit")
	}
	if r == nil {
		return notFound("no_outfit", "no outfit has been described yet")
	}
	return c.JSON(http.StatusOK, newResultView(*r))
}

func (s *Server) latestOutfitImage(c echo.Context) error {
	r, err := s.latest(c.Request().Context())
	if err != nil {
		s.logger.Error("failed to load outfit", zap.Error(err))
		return internalError("history_failed", "failed to load outfit")
	}
	if r == nil || r.Image == nil {
		return notFound("no_image", "no outfit image is available")
	}

	overlay, _ := strconv.ParseBool(c.QueryParam("overlay"))
	if !overlay {
		return c.Blob(http.StatusOK, r.Image.MIMEType, r.Image.Data)
	}
	if len(r.Snapshot) == 0 {
		return notFound("no_snapshot", "no camera frame is available for the overlay")
	}

	generated, err := s.processor.DecodeImage(r.Image.Data)
	if err != nil {
		return internalError("bad_image", err.Error())
	}
	snapshot, err := s.processor.DecodeImage(r.Snapshot)
	if err != nil {
		return internalError("bad_snapshot", err.Error())
	}

	var buf bytes.Buffer
	composed := s.processor.ComposeOverlay(snapshot, generated, s.opts.OverlayScale)
	if err := imaging.Encode(&buf, composed, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return internalError("encode_failed", err.Error())
	}
	return c.Blob(http.StatusOK, "image/jpeg", buf.Bytes())
}

type wsCommand struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt,omitempty"`
}

func (s *Server) handleWS(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return nil
	}

	cl := s.hub.register(conn)
	go cl.writePump()
	defer s.hub.unregister(cl)

	ctx := c.Request().Context()
	s.hub.sendTo(cl, Event{Type: EventSession, Session: ptr(s.ctl.Status())})

	cl.readPump(s.logger, func(messageType int, data []byte) {
		switch messageType {
		case websocket.BinaryMessage:
			f, err := s.encodedFrame(data, "")
			if err != nil {
				s.hub.sendTo(cl, Event{Type: EventError, Message: "invalid frame"})
				return
			}
			s.ctl.Submit(f)
		case websocket.TextMessage:
			// commands may wait on cloud calls, keep reading pongs meanwhile
			go s.handleCommand(ctx, cl, data)
		}
	})
	return nil
}

func (s *Server) handleCommand(ctx context.Context, cl *client, data []byte) {
	var cmd wsCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.hub.sendTo(cl, Event{Type: EventError, Message: "invalid command"})
		return
	}

	switch cmd.Type {
	case "capture":
		session, err := s.ctl.Capture(ctx)
		if err != nil {
			s.hub.sendTo(cl, Event{Type: EventError, Message: err.Error()})
			return
		}
		s.hub.Broadcast(Event{Type: EventSession, Session: &session})
	case "prompt":
		if strings.TrimSpace(cmd.Prompt) == "" {
			s.hub.sendTo(cl, Event{Type: EventError, Message: "prompt is required"})
			return
		}
		// the redrawn outfit reaches every client through OnOutfit
		if _, err := s.ctl.ApplyPrompt(ctx, cmd.Prompt); err != nil {
			s.hub.sendTo(cl, Event{Type: EventError, Message: err.Error()})
		}
	case "status":
		s.hub.sendTo(cl, Event{Type: EventSession, Session: ptr(s.ctl.Status())})
	default:
		s.hub.sendTo(cl, Event{Type: EventError, Message: "unknown command " + strconv.Quote(cmd.Type)})
	}
}

func ptr[T any](v T) *T {
	return &v
}
