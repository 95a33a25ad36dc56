// Package recorder coordinates one recording at a time: it wires the capture
// source through the compositor into a fresh sink and decides how a session
// ends.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/media"
)

const (
	leaseOwner      = "recording"
	defaultWidth    = 1920
	defaultHeight   = 1080
	finishTimeout   = 60 * time.Second
	previewResumeTO = 10 * time.Second
)

var (
	ErrNoSelection  = errors.New("recorder: no capture content selected")
	ErrNotRecording = errors.New("recorder: not recording")
	ErrStopping     = errors.New("recorder: previous recording is still stopping")
)

// State is the coordinator state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// CaptureSource is the part of capture.Source the recorder drives.
type CaptureSource interface {
	Filter() *capture.Filter
	SetOutput(out capture.Output)
	StartCapture(ctx context.Context, enc media.EncodingConfiguration, videoSize image.Point, excludedWindowIDs []uint32) error
	StopCapture() error
}

// MediaSink is one single-use encoder session.
type MediaSink interface {
	Setup(ctx context.Context, outputPath string, cfg media.EncodingConfiguration, videoSize image.Point) error
	StartWriting() error
	AppendCompositedVideoFrame(frame media.VideoFrame, pts time.Duration) error
	AppendAudioSample(batch media.AudioSampleBatch) error
	AppendMicrophoneSample(batch media.AudioSampleBatch) error
	FinishWriting(ctx context.Context) (string, error)
	Cancel()
}

// Compositor draws the overlay. Configure is called once per session.
type Compositor interface {
	Configure(cfg media.OverlayConfiguration)
	Composite(screen media.VideoFrame) media.VideoFrame
}

// Preview is the live preview that shares the capture content.
type Preview interface {
	// Stop tears the preview down and releases its lease before returning.
	Stop()
	Resume(ctx context.Context) error
}

// Camera receives the session's background effect.
type Camera interface {
	SetBackgroundEffect(effect media.BackgroundEffect)
}

// Notifier tells the user how a session ended.
type Notifier interface {
	RecordingSaved(path string, duration time.Duration)
	RecordingFailed(err error)
	RecordingStoppedExternally(err error)
}

// Options wires a Recorder.
type Options struct {
	Capture    CaptureSource
	NewSink    func() (MediaSink, error)
	Compositor Compositor
	Lease      *capture.Lease
	Preview    Preview
	Camera     Camera
	Notifier   Notifier
	// OutputPath names the file when the encoding configuration has none.
	OutputPath func(media.EncodingConfiguration) (string, error)
	// DisplaySize returns the primary display size. Defaults to
	// capture.PrimaryDisplaySize.
	DisplaySize func() (image.Point, bool)
	// ExcludedWindows lists windows hidden from the recording.
	ExcludedWindows func() []uint32
	// OnEvent receives capture events other than stream stops.
	OnEvent func(capture.Event)
	Logger  *slog.Logger
}

// Recorder is the pipeline coordinator.
type Recorder struct {
	capture     CaptureSource
	newSink     func() (MediaSink, error)
	compositor  Compositor
	lease       *capture.Lease
	preview     Preview
	camera      Camera
	notifier    Notifier
	outputPath  func(media.EncodingConfiguration) (string, error)
	displaySize func() (image.Point, bool)
	excluded    func() []uint32
	onEvent     func(capture.Event)
	logger      *slog.Logger

	mu      sync.Mutex
	state   State
	active  *run
	last    *Session
	changed chan struct{}
}

// run is the live wiring of one session.
type run struct {
	session *Session
	sink    MediaSink
	release func()
	failed  atomic.Bool
}

// New returns an idle Recorder.
func New(opts Options) (*Recorder, error) {
	if opts.Capture == nil {
		return nil, errors.New("recorder: capture source is required")
	}
	if opts.NewSink == nil {
		return nil, errors.New("recorder: sink factory is required")
	}
	if opts.Lease == nil {
		opts.Lease = &capture.Lease{}
	}
	if opts.DisplaySize == nil {
		opts.DisplaySize = capture.PrimaryDisplaySize
	}
	return &Recorder{
		capture:     opts.Capture,
		newSink:     opts.NewSink,
		compositor:  opts.Compositor,
		lease:       opts.Lease,
		preview:     opts.Preview,
		camera:      opts.Camera,
		notifier:    opts.Notifier,
		outputPath:  opts.OutputPath,
		displaySize: opts.DisplaySize,
		excluded:    opts.ExcludedWindows,
		onEvent:     opts.OnEvent,
		logger:      logging.OrDefault(opts.Logger),
		changed:     make(chan struct{}),
	}, nil
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Session returns the running session, or the last one once idle.
func (r *Recorder) Session() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return r.active.session
	}
	return r.last
}

// Changed returns a channel that is closed on the next state change.
func (r *Recorder) Changed() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}

func (r *Recorder) setStateLocked(s State) {
	if r.state == s {
		return
	}
	r.logger.Debug("recorder: state", "from", r.state, "to", s)
	r.state = s
	close(r.changed)
	r.changed = make(chan struct{})
}

// VideoSize picks the output size: an explicit configured size, then the
// selection's pixel size, then the primary display, then 1920x1080.
func (r *Recorder) VideoSize(enc media.EncodingConfiguration, filter *capture.Filter) image.Point {
	if enc.VideoSize.X > 0 && enc.VideoSize.Y > 0 {
		return enc.VideoSize
	}
	if size := filter.PixelSize(); size.X > 0 && size.Y > 0 {
		return size
	}
	if size, ok := r.displaySize(); ok && size.X > 0 && size.Y > 0 {
		return size
	}
	return image.Pt(defaultWidth, defaultHeight)
}

// Start begins a recording. It returns the running session unchanged when a
// recording is already active. The overlay configuration is copied and stays
// fixed for the session.
func (r *Recorder) Start(ctx context.Context, enc media.EncodingConfiguration, overlay media.OverlayConfiguration) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateRecording:
		return r.active.session, nil
	case StateStopping:
		return nil, ErrStopping
	}

	filter := r.capture.Filter()
	if filter == nil {
		return nil, ErrNoSelection
	}

	// The preview and the recording cannot share the capture content.
	if r.preview != nil {
		r.preview.Stop()
	}
	release, err := r.lease.Acquire(leaseOwner)
	if err != nil {
		r.resumePreview()
		return nil, fmt.Errorf("recorder: %w", err)
	}
	fail := func(err error) (*Session, error) {
		release()
		r.resumePreview()
		return nil, err
	}

	path := enc.OutputPath
	if path == "" {
		if r.outputPath == nil {
			return fail(&media.ConfigurationError{Field: "outputPath", Reason: "no output path"})
		}
		if path, err = r.outputPath(enc); err != nil {
			return fail(fmt.Errorf("recorder: output path: %w", err))
		}
	}
	enc.OutputPath = path
	size := r.VideoSize(enc, filter)

	sink, err := r.newSink()
	if err != nil {
		return fail(fmt.Errorf("recorder: sink: %w", err))
	}
	if err := sink.Setup(ctx, path, enc, size); err != nil {
		return fail(err)
	}

	sess := newSession(enc, overlay, size, path)
	a := &run{session: sess, sink: sink, release: release}

	if r.compositor != nil {
		r.compositor.Configure(overlay)
	}
	if r.camera != nil && overlay.Enabled {
		r.camera.SetBackgroundEffect(overlay.BackgroundEffect)
	}
	if err := sink.StartWriting(); err != nil {
		sink.Cancel()
		return fail(err)
	}
	r.capture.SetOutput(r.route(a))

	var excluded []uint32
	if r.excluded != nil {
		excluded = r.excluded()
	}
	// Capture starts last so every frame finds a writing sink.
	if err := r.capture.StartCapture(ctx, enc, size, excluded); err != nil {
		r.capture.SetOutput(capture.Output{})
		sink.Cancel()
		return fail(err)
	}

	r.active = a
	r.setStateLocked(StateRecording)
	r.logger.Info("recorder: recording started",
		"session", sess.ID,
		"path", path,
		"size", fmt.Sprintf("%dx%d", size.X, size.Y),
		"container", enc.Container,
		"codec", enc.VideoCodec,
		"overlay", overlay.Active(),
	)
	return sess, nil
}

// route builds the capture output for a session. Callbacks run on capture
// delivery goroutines and never take the recorder lock.
func (r *Recorder) route(a *run) capture.Output {
	onErr := func(err error) {
		if err == nil || !a.failed.CompareAndSwap(false, true) {
			return
		}
		r.logger.Error("recorder: append failed, aborting", "session", a.session.ID, "error", err)
		go r.abort(a, err, false)
	}
	return capture.Output{
		OnVideoFrame: func(frame media.VideoFrame) {
			if a.failed.Load() {
				return
			}
			out := frame
			if r.compositor != nil {
				out = r.compositor.Composite(frame)
			}
			onErr(a.sink.AppendCompositedVideoFrame(out, frame.PTS))
		},
		OnAudio: func(src media.AudioSource, batch media.AudioSampleBatch) {
			if a.failed.Load() {
				return
			}
			switch src {
			case media.AudioSourceMicrophone:
				onErr(a.sink.AppendMicrophoneSample(batch))
			default:
				onErr(a.sink.AppendAudioSample(batch))
			}
		},
	}
}

// Stop ends the recording and saves the file: capture stops, the sink
// finishes, the user is told, and the preview resumes.
func (r *Recorder) Stop(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return "", ErrNotRecording
	}
	a := r.active
	r.setStateLocked(StateStopping)
	r.mu.Unlock()

	return r.finish(ctx, a)
}

func (r *Recorder) finish(ctx context.Context, a *run) (string, error) {
	if err := r.capture.StopCapture(); err != nil {
		r.logger.Warn("recorder: stop capture", "session", a.session.ID, "error", err)
	}
	r.capture.SetOutput(capture.Output{})

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, finishTimeout)
		defer cancel()
	}
	path, err := a.sink.FinishWriting(ctx)
	a.session.end(err)
	a.release()

	if err != nil {
		r.logger.Error("recorder: recording failed", "session", a.session.ID, "error", err)
		if r.notifier != nil {
			r.notifier.RecordingFailed(err)
		}
	} else {
		r.logger.Info("recorder: recording saved", "session", a.session.ID, "path", path, "elapsed", a.session.Elapsed())
		if r.notifier != nil {
			r.notifier.RecordingSaved(path, a.session.Elapsed())
		}
	}

	r.resumePreview()
	r.settle(a)
	return path, err
}

// abort discards the recording. external marks a stop the user did not ask
// for from this app.
func (r *Recorder) abort(a *run, cause error, external bool) {
	r.mu.Lock()
	if r.active != a || r.state != StateRecording {
		r.mu.Unlock()
		return
	}
	r.setStateLocked(StateStopping)
	r.mu.Unlock()

	if err := r.capture.StopCapture(); err != nil {
		r.logger.Warn("recorder: stop capture", "session", a.session.ID, "error", err)
	}
	r.capture.SetOutput(capture.Output{})
	a.sink.Cancel()
	a.session.end(cause)
	a.release()

	r.logger.Warn("recorder: recording discarded", "session", a.session.ID, "external", external, "error", cause)
	if r.notifier != nil {
		if external {
			r.notifier.RecordingStoppedExternally(cause)
		} else {
			r.notifier.RecordingFailed(cause)
		}
	}
	r.resumePreview()
	r.settle(a)
}

func (r *Recorder) settle(a *run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == a {
		r.active = nil
		r.last = a.session
		r.setStateLocked(StateIdle)
	}
}

func (r *Recorder) resumePreview() {
	if r.preview == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), previewResumeTO)
	defer cancel()
	if err := r.preview.Resume(ctx); err != nil {
		r.logger.Warn("recorder: resume preview", "error", err)
	}
}

// HandleEvent reacts to a capture event. A user-initiated stream stop saves
// the recording; any other stop discards it.
func (r *Recorder) HandleEvent(ctx context.Context, ev capture.Event) {
	stopped, ok := ev.(capture.StreamStopped)
	if !ok {
		if r.onEvent != nil {
			r.onEvent(ev)
		}
		return
	}

	r.mu.Lock()
	a := r.active
	recording := r.state == StateRecording
	r.mu.Unlock()
	if !recording || a == nil {
		r.logger.Debug("recorder: stream stop outside a recording", "error", stopped.Err)
		return
	}

	if stopped.Err == nil || stopped.Err.Cause == capture.UserInitiatedStop {
		r.logger.Info("recorder: sharing stopped by user, saving", "session", a.session.ID)
		if _, err := r.Stop(ctx); err != nil && !errors.Is(err, ErrNotRecording) {
			r.logger.Debug("recorder: stop after user stop", "error", err)
		}
		return
	}
	r.abort(a, stopped.Err, true)
}

// Run handles events until ctx is done or events is closed.
func (r *Recorder) Run(ctx context.Context, events <-chan capture.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.HandleEvent(ctx, ev)
		}
	}
}
