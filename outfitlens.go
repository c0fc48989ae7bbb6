// Package outfitlens wires the outfit recognition components into a running
// service.
//
// Frames from the HTTP API, the websocket, a webcam or a directory replay are
// classified on-device by two ONNX models. Once the classifiers agree on a
// garment over several consecutive frames, the frame is sent to a
// vision-language model (Gemini, Ollama or llama.cpp) which describes the
// whole outfit and suggests restyling prompts, and Imagen draws it.
//
// Basic usage:
//
//	cfg, err := config.Load("config.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	app, err := outfitlens.New(ctx, cfg, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer app.Close()
//
//	// serve the API until ctx is cancelled
//	if err := app.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// The package consists of these components:
//
//  1. Classifier (pkg/classifier): ONNX fashion and pattern models
//  2. Consensus (pkg/consensus): temporal agreement over frames
//  3. Outfit (pkg/outfit): vision-language outfit description
//  4. Imagen (pkg/imagen): outfit illustration
//  5. Pipeline (pkg/pipeline): the capture state machine and result sinks
//  6. Server (pkg/server): HTTP and websocket API
//  7. Store (pkg/store): SQLite history
package outfitlens

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/outfit-lens/internal/config"
	"github.com/menta2k/outfit-lens/pkg/capture"
	"github.com/menta2k/outfit-lens/pkg/capture/webcam"
	"github.com/menta2k/outfit-lens/pkg/classifier"
	"github.com/menta2k/outfit-lens/pkg/client"
	"github.com/menta2k/outfit-lens/pkg/gemini"
	"github.com/menta2k/outfit-lens/pkg/imagen"
	"github.com/menta2k/outfit-lens/pkg/llamacpp"
	"github.com/menta2k/outfit-lens/pkg/ollama"
	"github.com/menta2k/outfit-lens/pkg/outfit"
	"github.com/menta2k/outfit-lens/pkg/pipeline"
	"github.com/menta2k/outfit-lens/pkg/processing"
	"github.com/menta2k/outfit-lens/pkg/server"
	"github.com/menta2k/outfit-lens/pkg/store"
	"github.com/menta2k/outfit-lens/pkg/types"
)

// Version of outfit-lens
const Version = "1.0.0"

// Default backend endpoints
const (
	DefaultOllamaURL   = "http://localhost:11434"
	DefaultLlamaCppURL = "http://localhost:8080"
)

// App is a fully wired outfit-lens instance
type App struct {
	Config    *config.Config
	Pipeline  *pipeline.Pipeline
	Hub       *server.Hub
	Server    *server.Server
	Store     *store.Store
	Processor *processing.Processor

	logger  *zap.Logger
	closers []func() error
}

// Components are the pluggable parts of an App. Nil Describer or Generator
// disable the corresponding stage.
type Components struct {
	Recognizer pipeline.Recognizer
	Describer  pipeline.Describer
	Generator  pipeline.ImageGenerator
}

// New loads the models, connects the cloud clients and opens the store
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	recognizer, closeModels, err := NewRecognizer(cfg.Models)
	if err != nil {
		return nil, err
	}

	describer, err := NewDescriber(ctx, cfg.Vision, logger)
	if err != nil {
		closeModels()
		return nil, err
	}

	comps := Components{Recognizer: recognizer}
	if describer != nil {
		comps.Describer = describer
	}
	if cfg.Pipeline.GenerateImages {
		generator, err := NewImageGenerator(ctx, cfg.Imagen, logger)
		if err != nil {
			closeModels()
			return nil, err
		}
		if generator != nil {
			comps.Generator = generator
		}
	}

	app, err := Assemble(cfg, comps, logger)
	if err != nil {
		closeModels()
		return nil, err
	}
	app.closers = append(app.closers, closeModels)
	return app, nil
}

// Assemble builds the pipeline, sinks and API around already created
// components
func Assemble(cfg *config.Config, comps Components, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		Config:    cfg,
		Processor: processing.NewProcessor(),
		Hub:       server.NewHub(logger),
		logger:    logger,
	}

	sinks := pipeline.FanOut{pipeline.LogSink{Logger: logger.Named("results")}, app.Hub}
	var history server.History
	if cfg.Store.Enabled {
		st, err := store.Open(cfg.Store.Path, logger)
		if err != nil {
			return nil, err
		}
		app.Store = st
		app.closers = append(app.closers, st.Close)
		sinks = append(sinks, st)
		history = st
	}
	if cfg.Output.Enabled {
		sinks = append(sinks, pipeline.ImageWriter{
			Dir:       cfg.Output.Dir,
			Format:    cfg.Output.Format,
			Quality:   cfg.Output.Quality,
			Scale:     cfg.Server.OverlayScale,
			Processor: app.Processor,
			Logger:    logger.Named("writer"),
		})
	}

	p, err := pipeline.New(pipeline.Config{
		Window:         cfg.Pipeline.Window,
		MaxFrames:      cfg.Pipeline.MaxFrames,
		Describe:       cfg.Pipeline.Describe,
		GenerateImages: cfg.Pipeline.GenerateImages,
		UploadMaxDim:   cfg.Pipeline.UploadMaxDim,
		UploadQuality:  cfg.Pipeline.UploadQuality,
		JPEGQuality:    cfg.Pipeline.JPEGQuality,
		RequestTimeout: cfg.Pipeline.RequestTimeout(),
	}, pipeline.Deps{
		Recognizer: comps.Recognizer,
		Describer:  comps.Describer,
		Generator:  comps.Generator,
		Sink:       sinks,
		Processor:  app.Processor,
		Logger:     logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Pipeline = p

	app.Server = server.New(p, history, app.Hub, server.Options{
		Addr:           cfg.Server.Addr,
		Version:        Version,
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
		OverlayScale:   cfg.Server.OverlayScale,
	}, logger)

	return app, nil
}

// Run serves the API and processes frames until ctx is cancelled
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Pipeline.Run(ctx) })
	g.Go(func() error { return a.Server.Run(ctx) })

	if a.Config.Webcam.Enabled {
		cam := &webcam.Camera{
			Device:  a.Config.Webcam.Device,
			FPS:     a.Config.Webcam.FPS,
			Quality: a.Config.Webcam.Quality,
			Logger:  a.logger,
		}
		g.Go(func() error {
			// the API keeps working without a camera
			if err := cam.Run(ctx, a.Pipeline); err != nil {
				a.logger.Error("webcam source stopped", zap.Error(err))
			}
			return nil
		})
	}

	return g.Wait()
}

// ScanOptions controls a directory replay
type ScanOptions struct {
	Dir      string
	Interval time.Duration
	Loop     bool
}

// Scan starts a capture session and replays the images of a directory into
// it. It returns the result of the session, or an error when no garment
// stabilised.
func (a *App) Scan(ctx context.Context, opts ScanOptions) (*types.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- a.Pipeline.Run(ctx) }()

	result, err := a.scan(ctx, opts)
	cancel()
	if rerr := <-runErr; rerr != nil && err == nil {
		err = rerr
	}
	return result, err
}

func (a *App) scan(ctx context.Context, opts ScanOptions) (*types.Result, error) {
	session, err := a.Pipeline.Capture(ctx)
	if err != nil {
		return nil, err
	}

	ended := func() bool { return a.Pipeline.Status().State == types.StateIdle }
	src := &capture.DirSource{
		Dir:      opts.Dir,
		Interval: opts.Interval,
		Pace:     a.Pipeline,
		Until:    ended,
		Loop:     opts.Loop,
		Logger:   a.logger,
	}
	sent, err := src.Run(ctx, a.Pipeline)
	if err != nil {
		return nil, err
	}

	last := a.Pipeline.Last()
	if last == nil || last.SessionID != session.ID {
		return nil, fmt.Errorf("no stable garment after %d frames", sent)
	}
	return last, nil
}

// Close releases the models and the store
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// NewRecognizer initialises onnxruntime and opens both classifiers. The
// returned function releases them.
func NewRecognizer(cfg config.ModelsConfig) (*classifier.Recognizer, func() error, error) {
	if err := classifier.InitRuntime(cfg.RuntimeLibrary); err != nil {
		return nil, nil, err
	}

	fashion, err := classifier.Open(modelSpec("fashion", cfg.Fashion))
	if err != nil {
		classifier.ShutdownRuntime()
		return nil, nil, err
	}
	pattern, err := classifier.Open(modelSpec("pattern", cfg.Pattern))
	if err != nil {
		fashion.Close()
		classifier.ShutdownRuntime()
		return nil, nil, err
	}

	closeAll := func() error {
		fashion.Close()
		pattern.Close()
		return classifier.ShutdownRuntime()
	}
	return classifier.NewRecognizer(fashion, pattern), closeAll, nil
}

func modelSpec(name string, m config.ModelConfig) classifier.ModelSpec {
	return classifier.ModelSpec{
		Name:        name,
		ModelPath:   m.Path,
		LabelsPath:  m.Labels,
		InputName:   m.InputName,
		OutputNames: m.OutputNames,
		Pre: classifier.Preprocessor{
			Width:  m.Width,
			Height: m.Height,
			Layout: classifier.Layout(m.Layout),
			Mean:   m.Mean,
			Std:    m.Std,
		},
	}
}

// NewVisionClient creates the configured vision backend. Gemini without an
// API key yields a nil client.
func NewVisionClient(ctx context.Context, cfg config.VisionConfig) (client.VisionClient, error) {
	switch cfg.Backend {
	case config.BackendGemini:
		if cfg.APIKey == "" {
			return nil, nil
		}
		opts := gemini.Options{APIKey: cfg.APIKey}
		if cfg.URL != "" {
			opts.BaseURL = cfg.URL
		}
		c, err := gemini.NewClient(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		return c, nil
	case config.BackendOllama:
		u := cfg.URL
		if u == "" {
			u = DefaultOllamaURL
		}
		c, err := ollama.NewClient(u)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		return c, nil
	case config.BackendLlamaCpp:
		u := cfg.URL
		if u == "" {
			u = DefaultLlamaCppURL
		}
		if _, err := url.ParseRequestURI(u); err != nil {
			return nil, fmt.Errorf("invalid llama.cpp URL %q: %w", u, err)
		}
		c, err := llamacpp.NewClient(u)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown vision backend %q (use gemini, ollama or llamacpp)", cfg.Backend)
}

// NewDescriber creates the outfit describer over the configured backend, or
// nil when no backend is available
func NewDescriber(ctx context.Context, cfg config.VisionConfig, logger *zap.Logger) (*outfit.Describer, error) {
	vc, err := NewVisionClient(ctx, cfg)
	if err != nil || vc == nil {
		return nil, err
	}
	return outfit.NewDescriber(vc, outfit.Config{
		Model:         cfg.Model,
		Prompt:        cfg.Prompt,
		EmptyOutfit:   cfg.EmptyOutfit,
		PlotTemplate:  cfg.PlotTemplate,
		MaxHotPrompts: cfg.MaxHotPrompts,
	}, logger.Named("outfit")), nil
}

// NewImageGenerator creates the Imagen client, or nil when no project is
// configured
func NewImageGenerator(ctx context.Context, cfg config.ImagenConfig, logger *zap.Logger) (*imagen.Client, error) {
	if cfg.Project == "" {
		logger.Info("no imagen project configured, outfits will not be drawn")
		return nil, nil
	}
	c, err := imagen.NewClient(ctx, imagen.Config{
		Project:         cfg.Project,
		Location:        cfg.Location,
		Model:           cfg.Model,
		CredentialsFile: cfg.CredentialsFile,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create Imagen client: %w", err)
	}
	return c, nil
}
