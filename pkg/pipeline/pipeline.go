// Package pipeline runs the capture loop: frames go through the on-device
// classifiers into the consensus filter, and a stable garment triggers the
// cloud outfit description and illustration.
//
// All session state is owned by the single goroutine started with Run.
// Other goroutines talk to it through Submit, Capture and ApplyPrompt and
// read published snapshots through Status and Last.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/menta2k/outfit-lens/pkg/consensus"
	"github.com/menta2k/outfit-lens/pkg/frame"
	"github.com/menta2k/outfit-lens/pkg/processing"
	"github.com/menta2k/outfit-lens/pkg/types"
)

// DefaultMaxFrames is how many frames a session may consume before giving up
const DefaultMaxFrames = 90

var (
	ErrCaptureDisabled = errors.New("capture is disabled: cloud describe is enabled without a vision client")
	ErrNoOutfit        = errors.New("no outfit has been described yet")
	ErrNoGenerator     = errors.New("image generation is not configured")
	ErrStopped         = errors.New("pipeline stopped")
)

// Recognizer classifies one upright frame
type Recognizer interface {
	Recognize(img image.Image) (types.Classification, error)
}

// Describer turns a frame into an outfit. It never fails; problems degrade
// to an empty outfit.
type Describer interface {
	Describe(ctx context.Context, imgB64 string, hint types.Garment) *types.Outfit
	ImagePrompt(o *types.Outfit, extra string) string
}

// ImageGenerator draws an outfit. A nil image with a nil error means the
// service produced nothing.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (*types.GeneratedImage, error)
}

// FrameConsumer accepts camera frames without blocking
type FrameConsumer interface {
	Submit(f frame.Frame)
}

// Config tunes the pipeline
type Config struct {
	// Window is the consensus window size
	Window int
	// MaxFrames ends a capture session that never stabilises
	MaxFrames int
	// Describe sends stabilised frames to the vision model
	Describe bool
	// GenerateImages asks the image model to draw described outfits
	GenerateImages bool
	// UploadMaxDim downsizes frames before upload, 0 sends them as captured
	UploadMaxDim   int
	UploadQuality  int
	JPEGQuality    int
	RequestTimeout time.Duration
}

// Deps are the collaborators of the pipeline. Describer and Generator are
// optional.
type Deps struct {
	Recognizer Recognizer
	Describer  Describer
	Generator  ImageGenerator
	Sink       Sink
	Processor  *processing.Processor
	Logger     *zap.Logger
}

type commandKind int

const (
	cmdCapture commandKind = iota
	cmdApplyPrompt
)

type command struct {
	kind   commandKind
	prompt string
	ctx    context.Context
	reply  chan reply
}

type reply struct {
	session types.Session
	result  *types.Result
	err     error
}

// Pipeline is the frame consumer and capture state machine
type Pipeline struct {
	cfg       Config
	deps      Deps
	logger    *zap.Logger
	converter *frame.Converter
	filter    *consensus.Filter

	frames   chan frame.Frame
	commands chan command
	done     chan struct{}
	running  atomic.Bool

	// owned by the worker goroutine
	session types.Session

	status   atomic.Pointer[types.Session]
	last     atomic.Pointer[types.Result]
	dropped  atomic.Uint64
	received atomic.Uint64
	blocked  bool
}

// New creates a pipeline. Call Run to start processing.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Recognizer == nil {
		return nil, fmt.Errorf("pipeline needs a recognizer")
	}
	if cfg.Window <= 0 {
		cfg.Window = consensus.DefaultWindow
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = DefaultMaxFrames
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	if deps.Processor == nil {
		deps.Processor = processing.NewProcessor()
	}
	if deps.Sink == nil {
		deps.Sink = FanOut{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	p := &Pipeline{
		cfg:       cfg,
		deps:      deps,
		logger:    deps.Logger.Named("pipeline"),
		converter: frame.NewConverter(deps.Processor, cfg.JPEGQuality),
		filter:    consensus.NewWithWindow(cfg.Window),
		frames:    make(chan frame.Frame, 1),
		commands:  make(chan command),
		done:      make(chan struct{}),
		session:   types.Session{State: types.StateIdle},
	}

	if cfg.Describe && deps.Describer == nil {
		p.blocked = true
		p.logger.Warn("cloud describe is enabled but no vision client is configured, capture is disabled (is GEMINI_API_KEY set?)")
	}
	if cfg.GenerateImages && deps.Generator == nil {
		p.logger.Info("image generation requested without an image client, outfits will not be drawn")
	}

	p.publish()
	return p, nil
}

// Submit hands a frame to the worker. It never blocks: a frame still waiting
// in the mailbox is replaced by the newer one.
func (p *Pipeline) Submit(f frame.Frame) {
	for {
		select {
		case p.frames <- f:
			return
		default:
		}
		select {
		case <-p.frames:
			p.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns how many frames were replaced before the worker saw them
func (p *Pipeline) Dropped() uint64 {
	return p.dropped.Load()
}

// Received returns how many frames the worker has taken from the mailbox
func (p *Pipeline) Received() uint64 {
	return p.received.Load()
}

// Status returns a snapshot of the current session
func (p *Pipeline) Status() types.Session {
	return *p.status.Load()
}

// Last returns the most recent result, or nil
func (p *Pipeline) Last() *types.Result {
	return p.last.Load()
}

// Capture starts a capture session. Calling it while a session is capturing
// returns that session.
func (p *Pipeline) Capture(ctx context.Context) (types.Session, error) {
	r, err := p.send(ctx, command{kind: cmdCapture})
	return r.session, err
}

// ApplyPrompt redraws the last described outfit with a restyling prompt
func (p *Pipeline) ApplyPrompt(ctx context.Context, prompt string) (*types.Result, error) {
	r, err := p.send(ctx, command{kind: cmdApplyPrompt, prompt: prompt, ctx: ctx})
	return r.result, err
}

func (p *Pipeline) send(ctx context.Context, cmd command) (reply, error) {
	cmd.reply = make(chan reply, 1)
	select {
	case p.commands <- cmd:
	case <-p.done:
		return reply{}, ErrStopped
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r, r.err
	case <-p.done:
		return reply{}, ErrStopped
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// Run processes frames and commands until ctx is cancelled. It may be
// called once.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already running")
	}
	defer close(p.done)

	p.logger.Info("pipeline started",
		zap.Int("window", p.cfg.Window),
		zap.Int("max_frames", p.cfg.MaxFrames),
		zap.Bool("describe", p.cfg.Describe))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopped", zap.Uint64("dropped_frames", p.dropped.Load()))
			return nil
		case cmd := <-p.commands:
			cmd.reply <- p.handle(ctx, cmd)
		case f := <-p.frames:
			p.process(ctx, f)
			p.received.Add(1)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, cmd command) reply {
	switch cmd.kind {
	case cmdCapture:
		return p.startCapture()
	case cmdApplyPrompt:
		reqCtx := ctx
		if cmd.ctx != nil {
			reqCtx = cmd.ctx
		}
		return p.applyPrompt(reqCtx, cmd.prompt)
	}
	return reply{err: fmt.Errorf("unknown command %d", cmd.kind)}
}

func (p *Pipeline) startCapture() reply {
	if p.blocked {
		return reply{session: p.session, err: ErrCaptureDisabled}
	}
	if p.session.State == types.StateCapturing {
		return reply{session: p.session}
	}

	p.filter.Reset()
	p.session = types.Session{
		ID:        uuid.NewString(),
		State:     types.StateCapturing,
		StartedAt: time.Now(),
	}
	p.publish()
	p.logger.Info("capture started", zap.String("session", p.session.ID))
	return reply{session: p.session}
}

func (p *Pipeline) process(ctx context.Context, f frame.Frame) {
	if p.session.State != types.StateCapturing {
		return
	}
	p.session.Frames++
	defer p.publish()

	img, jpeg, err := p.converter.ToJPEG(f)
	if err != nil {
		p.logger.Warn("frame conversion failed", zap.Error(err))
		p.checkBudget()
		return
	}

	cls, err := p.deps.Recognizer.Recognize(img)
	if err != nil {
		p.logger.Warn("classification failed", zap.Error(err))
		p.checkBudget()
		return
	}
	p.logger.Debug("frame classified",
		zap.String("session", p.session.ID),
		zap.Strings("fashion", cls.Fashion),
		zap.String("pattern", cls.Pattern))

	garment, ok := p.filter.PushClassification(cls)
	if !ok {
		p.checkBudget()
		return
	}

	p.logger.Info("garment stabilised",
		zap.String("session", p.session.ID),
		zap.Any("garment", garment),
		zap.Int("frames", p.session.Frames))

	result := types.Result{
		SessionID: p.session.ID,
		Garment:   garment,
		Snapshot:  jpeg,
		CreatedAt: time.Now(),
	}
	p.deps.Sink.OnGarment(ctx, result)

	if !p.cfg.Describe {
		p.finish(ctx, &result, false)
		return
	}

	p.session.State = types.StateDescribing
	p.publish()

	imgB64, err := p.uploadImage(img, jpeg)
	if err != nil {
		p.logger.Error("failed to prepare frame for upload", zap.Error(err))
		p.finish(ctx, &result, false)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	result.Outfit = p.deps.Describer.Describe(reqCtx, imgB64, garment)
	if !result.Outfit.IsEmpty() {
		result.Image = p.generate(reqCtx, p.deps.Describer.ImagePrompt(result.Outfit, ""))
	}
	p.finish(ctx, &result, true)
}

// checkBudget ends a session that has used up its frames
func (p *Pipeline) checkBudget() {
	if p.session.Frames < p.cfg.MaxFrames {
		return
	}
	p.logger.Info("capture gave up without a stable garment",
		zap.String("session", p.session.ID),
		zap.Int("frames", p.session.Frames))
	p.filter.Reset()
	p.session.State = types.StateIdle
}

func (p *Pipeline) finish(ctx context.Context, result *types.Result, described bool) {
	p.last.Store(result)
	if described {
		p.deps.Sink.OnOutfit(ctx, *result)
	}
	p.session.State = types.StateIdle
}

func (p *Pipeline) uploadImage(img image.Image, jpeg []byte) (string, error) {
	if p.cfg.UploadMaxDim <= 0 {
		return base64.StdEncoding.EncodeToString(jpeg), nil
	}
	return p.deps.Processor.PrepareImageForModel(img, "jpeg", p.cfg.UploadMaxDim, p.cfg.UploadQuality)
}

func (p *Pipeline) generate(ctx context.Context, prompt string) *types.GeneratedImage {
	if !p.cfg.GenerateImages || p.deps.Generator == nil {
		return nil
	}
	img, err := p.deps.Generator.Generate(ctx, prompt)
	if err != nil {
		p.logger.Error("image generation failed", zap.Error(err))
		return nil
	}
	return img
}

func (p *Pipeline) applyPrompt(ctx context.Context, prompt string) reply {
	last := p.last.Load()
	if last == nil || last.Outfit.IsEmpty() {
		return reply{err: ErrNoOutfit}
	}
	if p.deps.Generator == nil || p.deps.Describer == nil {
		return reply{err: ErrNoGenerator}
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	imagePrompt := p.deps.Describer.ImagePrompt(last.Outfit, prompt)
	p.logger.Info("applying prompt", zap.String("prompt", prompt))
	img, err := p.deps.Generator.Generate(reqCtx, imagePrompt)
	if err != nil {
		return reply{err: fmt.Errorf("image generation failed: %w", err)}
	}

	updated := *last
	updated.CreatedAt = time.Now()
	if img != nil {
		updated.Image = img
	}
	p.last.Store(&updated)
	p.deps.Sink.OnOutfit(ctx, updated)
	return reply{result: &updated}
}

func (p *Pipeline) publish() {
	s := p.session
	p.status.Store(&s)
}
