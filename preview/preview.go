// Package preview serves a low-latency HLS rendition of the selected capture
// content while no recording is running.
package preview

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/media"
)

const (
	leaseOwner             = "preview"
	defaultDeleteThreshold = 36
	defaultStartupTimeout  = 60 * time.Second
	defaultTempDirPrefix   = "screenrec-preview-"
	defaultFrameRate       = 30
	defaultVideoQueue      = 4
	defaultAudioQueue      = 384
	defaultHLSTimeSeconds  = 1
	defaultHLSListSize     = 24
	staleDirAge            = 12 * time.Hour
)

var ErrNotRunning = errors.New("preview: not running")

// CaptureSource is the part of capture.Source the preview drives.
type CaptureSource interface {
	Filter() *capture.Filter
	SetOutput(out capture.Output)
	StartCapture(ctx context.Context, enc media.EncodingConfiguration, videoSize image.Point, excludedWindowIDs []uint32) error
	StopCapture() error
}

// Compositor draws the camera bubble onto preview frames.
type Compositor interface {
	Composite(screen media.VideoFrame) media.VideoFrame
}

// Options configures a Preview.
type Options struct {
	FFmpegPath string
	Capture    CaptureSource
	Lease      *capture.Lease
	Compositor Compositor
	// IncludeAudio adds system audio to the stream.
	IncludeAudio       bool
	FrameRate          int
	HLSDeleteThreshold int
	HLSTimeSeconds     int
	HLSListSize        int
	VideoQueue         int
	AudioQueue         int
	DisableHardware    bool
	StartupTimeout     time.Duration
	TempDirPrefix      string
	Logger             *slog.Logger

	startEncoder func(ctx context.Context, cfg encoderConfig, logger *slog.Logger) (streamEncoder, error)
}

type streamEncoder interface {
	writeVideo(data []byte) error
	writeAudio(pcm []byte) error
	waitReady(ctx context.Context, dir string) error
	done() <-chan struct{}
	close()
}

// Preview owns at most one HLS session. Start and Close are the user's
// switch; Stop and Resume let a recording borrow the capture content.
type Preview struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	wanted  bool
	current *session
}

// session is one capture stream feeding one ffmpeg process.
type session struct {
	dir     string
	release func()

	encoder  atomic.Pointer[streamEncoder]
	geometry image.Point
	format   media.PixelFormat
	startMu  sync.Mutex
	starting bool
	ready    chan error

	lastWarn atomic.Int64
	quit     chan struct{}
}

// New validates opts and returns a stopped Preview.
func New(options Options) (*Preview, error) {
	opts, err := normalizeOptions(options)
	if err != nil {
		return nil, err
	}
	return &Preview{opts: opts, logger: opts.Logger}, nil
}

func normalizeOptions(opts Options) (Options, error) {
	if opts.Capture == nil {
		return opts, errors.New("preview: capture source is required")
	}
	if strings.TrimSpace(opts.FFmpegPath) == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.Lease == nil {
		opts.Lease = &capture.Lease{}
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = defaultStartupTimeout
	}
	if opts.TempDirPrefix == "" {
		opts.TempDirPrefix = defaultTempDirPrefix
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = defaultFrameRate
	}
	opts.FrameRate = clamp(opts.FrameRate, 1, 60)
	opts.HLSDeleteThreshold = clampDefault(opts.HLSDeleteThreshold, defaultDeleteThreshold, 1, 120)
	opts.HLSTimeSeconds = clampDefault(opts.HLSTimeSeconds, defaultHLSTimeSeconds, 1, 6)
	opts.HLSListSize = clampDefault(opts.HLSListSize, defaultHLSListSize, 3, 120)
	opts.VideoQueue = clampDefault(opts.VideoQueue, defaultVideoQueue, 1, 64)
	opts.AudioQueue = clampDefault(opts.AudioQueue, defaultAudioQueue, 8, 4096)
	opts.Logger = logging.OrDefault(opts.Logger)
	if opts.startEncoder == nil {
		opts.startEncoder = startFFmpegEncoder
	}
	return opts, nil
}

func clampDefault(v, def, lo, hi int) int {
	if v == 0 {
		return def
	}
	return clamp(v, lo, hi)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func startFFmpegEncoder(ctx context.Context, cfg encoderConfig, logger *slog.Logger) (streamEncoder, error) {
	e, err := startEncoder(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (e *hlsEncoder) waitReady(ctx context.Context, dir string) error {
	return waitForPlaylistReady(ctx, dir, e, e.logger)
}

// Running reports whether a preview stream is up.
func (p *Preview) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// Dir returns the directory holding the playlist, or "".
func (p *Preview) Dir() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return ""
	}
	return p.current.dir
}

// Start turns the preview on and waits until the first segment exists.
func (p *Preview) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wanted = true
	if p.current != nil {
		return nil
	}
	return p.startLocked(ctx)
}

// Close turns the preview off.
func (p *Preview) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wanted = false
	return p.stopLocked()
}

// Stop tears the preview down and releases the capture content before
// returning. Resume brings it back if it was on.
func (p *Preview) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.stopLocked(); err != nil {
		p.logger.Warn("preview: stop", "error", err)
	}
}

// Resume restarts a preview that was stopped while on. Without a selection
// it does nothing.
func (p *Preview) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.wanted || p.current != nil {
		return nil
	}
	if p.opts.Capture.Filter() == nil {
		p.logger.Debug("preview: nothing selected, not resuming")
		return nil
	}
	return p.startLocked(ctx)
}

func (p *Preview) startLocked(ctx context.Context) error {
	release, err := p.opts.Lease.Acquire(leaseOwner)
	if err != nil {
		return fmt.Errorf("preview: %w", err)
	}

	cleanupOldTempDirs(p.opts.TempDirPrefix, staleDirAge)
	dir, err := os.MkdirTemp("", p.opts.TempDirPrefix)
	if err != nil {
		release()
		return fmt.Errorf("preview temp dir: %w", err)
	}

	s := &session{
		dir:     dir,
		release: release,
		ready:   make(chan error, 1),
		quit:    make(chan struct{}),
	}
	p.opts.Capture.SetOutput(p.output(s))

	size := p.opts.Capture.Filter().PixelSize()
	enc := media.EncodingConfiguration{
		FrameRate:   p.opts.FrameRate,
		SystemAudio: p.opts.IncludeAudio,
	}
	if err := p.opts.Capture.StartCapture(ctx, enc, size, nil); err != nil {
		p.teardown(s)
		return fmt.Errorf("preview capture: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.opts.StartupTimeout)
	defer cancel()
	select {
	case err = <-s.ready:
	case <-waitCtx.Done():
		err = fmt.Errorf("preview: no frames: %w", waitCtx.Err())
	}
	if err == nil {
		err = (*s.encoder.Load()).waitReady(waitCtx, dir)
	}
	if err != nil {
		p.teardown(s)
		return err
	}

	p.current = s
	go p.watch(s)
	p.logger.Info("preview: started", "dir", dir, "size", s.geometry, "audio", p.opts.IncludeAudio)
	return nil
}

// output feeds capture frames to the session. The encoder starts on the
// first frame because only then is the stream geometry known.
func (p *Preview) output(s *session) capture.Output {
	return capture.Output{
		OnVideoFrame: func(frame media.VideoFrame) {
			if !frame.Eligible() {
				return
			}
			if p.opts.Compositor != nil {
				frame = p.opts.Compositor.Composite(frame)
			}
			encp := s.encoder.Load()
			if encp == nil {
				p.startSessionEncoder(s, frame)
				return
			}
			if frame.Size() != s.geometry || frame.Format != s.format {
				if logging.Throttle(&s.lastWarn, 5*time.Second) {
					p.logger.Debug("preview: frame geometry changed, dropping", "size", frame.Size(), "want", s.geometry)
				}
				return
			}
			if err := (*encp).writeVideo(packed(frame)); err != nil && logging.Throttle(&s.lastWarn, 5*time.Second) {
				p.logger.Warn("preview: video write", "error", err)
			}
		},
		OnAudio: func(src media.AudioSource, batch media.AudioSampleBatch) {
			encp := s.encoder.Load()
			if encp == nil || src != media.AudioSourceSystem {
				return
			}
			converted, err := media.ToEncoderFormat(batch)
			if err != nil {
				return
			}
			_ = (*encp).writeAudio(converted.Data)
		},
	}
}

func (p *Preview) startSessionEncoder(s *session, first media.VideoFrame) {
	s.startMu.Lock()
	if s.starting {
		s.startMu.Unlock()
		return
	}
	s.starting = true
	s.geometry = first.Size()
	s.format = first.Format
	s.startMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.StartupTimeout)
		defer cancel()
		enc, err := p.opts.startEncoder(ctx, encoderConfig{
			FFmpegPath:      p.opts.FFmpegPath,
			Dir:             s.dir,
			Width:           first.Width,
			Height:          first.Height,
			Format:          first.Format,
			FrameRate:       p.opts.FrameRate,
			Audio:           p.opts.IncludeAudio,
			HLSTime:         p.opts.HLSTimeSeconds,
			HLSListSize:     p.opts.HLSListSize,
			DeleteThreshold: p.opts.HLSDeleteThreshold,
			VideoQueue:      p.opts.VideoQueue,
			AudioQueue:      p.opts.AudioQueue,
			DisableHardware: p.opts.DisableHardware,
			Debug:           logging.DebugEnabled(),
		}, p.logger)
		if err != nil {
			s.ready <- err
			return
		}
		s.startMu.Lock()
		select {
		case <-s.quit:
			s.startMu.Unlock()
			enc.close()
			s.ready <- ErrNotRunning
			return
		default:
		}
		s.encoder.Store(&enc)
		s.startMu.Unlock()
		_ = enc.writeVideo(packed(first))
		s.ready <- nil
	}()
}

// watch stops the session when ffmpeg dies on its own.
func (p *Preview) watch(s *session) {
	encp := s.encoder.Load()
	if encp == nil {
		return
	}
	select {
	case <-(*encp).done():
	case <-s.quit:
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != s {
		return
	}
	p.logger.Warn("preview: encoder exited, stopping preview")
	_ = p.stopLocked()
}

func (p *Preview) stopLocked() error {
	s := p.current
	if s == nil {
		return nil
	}
	p.current = nil
	return p.teardown(s)
}

func (p *Preview) teardown(s *session) error {
	s.startMu.Lock()
	close(s.quit)
	s.startMu.Unlock()

	var errs []error
	if err := p.opts.Capture.StopCapture(); err != nil {
		errs = append(errs, err)
	}
	p.opts.Capture.SetOutput(capture.Output{})
	if encp := s.encoder.Load(); encp != nil {
		(*encp).close()
	}
	if err := os.RemoveAll(s.dir); err != nil {
		errs = append(errs, err)
	}
	s.release()
	p.logger.Debug("preview: stopped", "dir", s.dir)
	return errors.Join(errs...)
}

func packed(f media.VideoFrame) []byte {
	row := f.Width * f.Format.BytesPerPixel()
	if f.Stride == row {
		return f.Data[:row*f.Height]
	}
	out := make([]byte, row*f.Height)
	for y := 0; y < f.Height; y++ {
		copy(out[y*row:(y+1)*row], f.Data[y*f.Stride:])
	}
	return out
}
