package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/media"
)

const (
	defaultEventQueue    = 16
	defaultRevokeGrace   = 300 * time.Millisecond
	defaultCloseTimeout  = 1500 * time.Millisecond
	defaultDrainTimeout  = 2 * time.Second
	audioChunkDuration   = 20 * time.Millisecond
	defaultCaptureWidth  = 1920
	defaultCaptureHeight = 1080
)

// Options configures a Source.
type Options struct {
	Backend Backend
	// Microphone opens the microphone when a recording asks for it. Nil
	// disables microphone capture.
	Microphone MicrophoneOpener
	Logger     *slog.Logger
	// RevokeGrace is how long a failed read waits for the desktop's
	// stop-sharing signal before the stop is treated as a failure.
	RevokeGrace time.Duration
}

// Stats counts what one stream delivered.
type Stats struct {
	VideoFrames  uint64
	AudioBatches uint64
	MicBatches   uint64
	Bytes        uint64
}

// Source owns the current content selection and at most one running stream.
type Source struct {
	backend Backend
	openMic MicrophoneOpener
	logger  *slog.Logger
	grace   time.Duration

	events chan Event
	output atomic.Pointer[Output]

	mu      sync.Mutex
	filter  *Filter
	picking bool
	active  *activeStream
	retired []*Filter
}

type activeStream struct {
	filter *Filter
	stream *Stream
	mic    io.ReadCloser
	start  time.Time

	stopping  atomic.Bool
	reported  atomic.Bool
	quit      chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup

	videoFrames  atomic.Uint64
	audioBatches atomic.Uint64
	micBatches   atomic.Uint64
	bytes        atomic.Uint64
}

func (a *activeStream) stats() Stats {
	return Stats{
		VideoFrames:  a.videoFrames.Load(),
		AudioBatches: a.audioBatches.Load(),
		MicBatches:   a.micBatches.Load(),
		Bytes:        a.bytes.Load(),
	}
}

// NewSource returns a Source on the given backend.
func NewSource(opts Options) (*Source, error) {
	if opts.Backend == nil {
		return nil, errors.New("capture: backend is required")
	}
	if opts.RevokeGrace <= 0 {
		opts.RevokeGrace = defaultRevokeGrace
	}
	return &Source{
		backend: opts.Backend,
		openMic: opts.Microphone,
		logger:  logging.OrDefault(opts.Logger),
		grace:   opts.RevokeGrace,
		events:  make(chan Event, defaultEventQueue),
	}, nil
}

// Events returns the picker and stream event stream.
func (s *Source) Events() <-chan Event {
	return s.events
}

func (s *Source) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("capture: event queue full, dropping event", "event", fmt.Sprintf("%T", ev))
	}
}

// SetOutput registers the frame consumer. It applies to frames delivered
// after the call returns.
func (s *Source) SetOutput(out Output) {
	s.output.Store(&out)
}

func (s *Source) currentOutput() Output {
	if out := s.output.Load(); out != nil {
		return *out
	}
	return Output{}
}

// Filter returns the current selection, or nil.
func (s *Source) Filter() *Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// Backend returns the platform backend the source opens streams on.
func (s *Source) Backend() Backend {
	return s.backend
}

// PresentFilterPicker starts the platform picker and returns immediately.
// The result arrives as FilterUpdated or PickerCancelled on Events.
func (s *Source) PresentFilterPicker(ctx context.Context) {
	s.mu.Lock()
	if s.picking {
		s.mu.Unlock()
		return
	}
	s.picking = true
	s.mu.Unlock()

	go func() {
		filter, err := s.backend.Pick(ctx)

		s.mu.Lock()
		s.picking = false
		var previous *Filter
		if err == nil && filter != nil {
			previous = s.filter
			s.filter = filter
		}
		s.mu.Unlock()

		if err != nil || filter == nil {
			if err != nil && !errors.Is(err, ErrCancelled) {
				s.logger.Warn("capture: picker failed", "error", err)
			}
			s.emit(PickerCancelled{Err: err})
			return
		}
		s.retire(previous)
		s.logger.Info("capture: content selected", "filter", filter.ID, "size", filter.PixelSize())
		s.emit(FilterUpdated{Filter: filter})
	}()
}

// ClearSelection drops the current selection. A running stream keeps going;
// its filter is released when the stream stops.
func (s *Source) ClearSelection() {
	s.mu.Lock()
	filter := s.filter
	s.filter = nil
	s.mu.Unlock()
	s.retire(filter)
}

func (s *Source) retire(filter *Filter) {
	if filter == nil {
		return
	}
	s.mu.Lock()
	if (s.active != nil && s.active.filter == filter) || s.filter == filter {
		s.retired = append(s.retired, filter)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := s.backend.Release(filter); err != nil {
		s.logger.Debug("capture: release filter", "filter", filter.ID, "error", err)
	}
}

// StartCapture opens a stream for the current selection and starts
// delivering to the registered Output.
func (s *Source) StartCapture(ctx context.Context, enc media.EncodingConfiguration, videoSize image.Point, excludedWindowIDs []uint32) error {
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return &StartError{Err: ErrAlreadyRunning}
	}
	filter := s.filter
	s.mu.Unlock()
	if filter == nil {
		return &StartError{Err: ErrNoSelection}
	}

	if videoSize.X <= 0 || videoSize.Y <= 0 {
		videoSize = image.Pt(defaultCaptureWidth, defaultCaptureHeight)
	}
	cfg := StreamConfig{
		Size:              videoSize,
		FrameRate:         enc.EffectiveFrameRate(),
		SystemAudio:       enc.SystemAudio,
		ExcludedWindowIDs: append([]uint32(nil), excludedWindowIDs...),
	}

	stream, err := s.backend.Open(ctx, filter, cfg)
	if err != nil {
		return &StartError{Err: err}
	}
	if stream.Width <= 0 || stream.Height <= 0 || stream.Format.BytesPerPixel() == 0 {
		_ = stream.Close()
		return &StartError{Err: fmt.Errorf("invalid stream geometry %dx%d %s", stream.Width, stream.Height, stream.Format)}
	}

	var mic io.ReadCloser
	if enc.Microphone {
		if s.openMic == nil {
			_ = closeStream(stream)
			return &StartError{Err: errors.New("microphone capture is not configured")}
		}
		if mic, err = s.openMic(ctx); err != nil {
			_ = closeStream(stream)
			return &StartError{Err: fmt.Errorf("microphone: %w", err)}
		}
	}

	a := &activeStream{
		filter: filter,
		stream: stream,
		mic:    mic,
		start:  time.Now(),
		quit:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		_ = a.closeReaders()
		return &StartError{Err: ErrAlreadyRunning}
	}
	s.active = a
	s.mu.Unlock()

	a.wg.Add(1)
	go s.deliverVideo(a)
	if stream.Audio != nil {
		a.wg.Add(1)
		go s.deliverAudio(a, media.AudioSourceSystem, stream.Audio, &a.audioBatches)
	}
	if mic != nil {
		a.wg.Add(1)
		go s.deliverAudio(a, media.AudioSourceMicrophone, mic, &a.micBatches)
	}
	go s.watchRevoke(a)

	s.logger.Info("capture: stream started",
		"filter", filter.ID,
		"width", stream.Width,
		"height", stream.Height,
		"fps", stream.FrameRate,
		"system_audio", stream.Audio != nil,
		"microphone", mic != nil,
	)
	return nil
}

// StopCapture halts the running stream. It is a no-op when nothing runs and
// never waits unboundedly on a producer.
func (s *Source) StopCapture() error {
	s.mu.Lock()
	a := s.active
	s.active = nil
	var release []*Filter
	if a != nil {
		kept := s.retired[:0]
		for _, f := range s.retired {
			if f == a.filter && f != s.filter {
				release = append(release, f)
				continue
			}
			kept = append(kept, f)
		}
		s.retired = kept
	}
	s.mu.Unlock()
	if a == nil {
		return nil
	}

	a.stopping.Store(true)
	close(a.quit)
	err := a.closeReaders()

	drained := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(defaultDrainTimeout):
		s.logger.Warn("capture: delivery goroutines did not exit in time")
	}

	for _, f := range release {
		if relErr := s.backend.Release(f); relErr != nil {
			s.logger.Debug("capture: release filter", "filter", f.ID, "error", relErr)
		}
	}

	st := a.stats()
	s.logger.Info("capture: stream stopped",
		"duration", time.Since(a.start).Round(time.Millisecond),
		"video_frames", st.VideoFrames,
		"audio_batches", st.AudioBatches,
		"mic_batches", st.MicBatches,
		"bytes", st.Bytes,
	)
	return err
}

// Running reports whether a stream is open.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Stats returns counters for the running stream.
func (s *Source) Stats() Stats {
	s.mu.Lock()
	a := s.active
	s.mu.Unlock()
	if a == nil {
		return Stats{}
	}
	return a.stats()
}

func (a *activeStream) closeReaders() error {
	a.closeOnce.Do(func() {
		a.closeErr = closeStream(a.stream)
		if a.mic != nil {
			a.closeErr = errors.Join(a.closeErr, a.mic.Close())
		}
	})
	return a.closeErr
}

func closeStream(stream *Stream) error {
	var out error
	done := make(chan error, 1)
	go func() {
		done <- stream.Close()
	}()
	select {
	case err := <-done:
		out = err
	case <-time.After(defaultCloseTimeout):
	}
	if stream.Audio != nil {
		out = errors.Join(out, stream.Audio.Close())
	}
	return out
}

func (s *Source) deliverVideo(a *activeStream) {
	defer a.wg.Done()

	st := a.stream
	stride := st.Width * st.Format.BytesPerPixel()
	frameBytes := stride * st.Height
	for {
		buf := make([]byte, frameBytes)
		if _, err := io.ReadFull(st, buf); err != nil {
			s.streamEnded(a, fmt.Errorf("video: %w", err))
			return
		}
		a.videoFrames.Add(1)
		a.bytes.Add(uint64(frameBytes))

		if out := s.currentOutput(); out.OnVideoFrame != nil {
			out.OnVideoFrame(media.VideoFrame{
				Data:   buf,
				Width:  st.Width,
				Height: st.Height,
				Stride: stride,
				Format: st.Format,
				PTS:    time.Since(a.start),
				Status: media.FrameComplete,
			})
		}
	}
}

func (s *Source) deliverAudio(a *activeStream, source media.AudioSource, r io.Reader, counter *atomic.Uint64) {
	defer a.wg.Done()

	chunk := media.SilenceBytes(audioChunkDuration)
	for {
		buf := make([]byte, chunk)
		if _, err := io.ReadFull(r, buf); err != nil {
			s.streamEnded(a, fmt.Errorf("%s audio: %w", source, err))
			return
		}
		counter.Add(1)
		a.bytes.Add(uint64(chunk))

		pts := time.Since(a.start) - audioChunkDuration
		if pts < 0 {
			pts = 0
		}
		if out := s.currentOutput(); out.OnAudio != nil {
			out.OnAudio(source, media.AudioSampleBatch{
				Data:       buf,
				Format:     media.AudioFormatS16,
				SampleRate: media.EncoderSampleRate,
				Channels:   media.EncoderChannels,
				PTS:        pts,
			})
		}
	}
}

// streamEnded classifies a read failure. Reads often fail a moment before
// the portal's stop-sharing signal arrives, so the revoke channel gets a
// short grace period.
func (s *Source) streamEnded(a *activeStream, err error) {
	if a.stopping.Load() {
		return
	}

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-a.quit:
		return
	case <-a.stream.Revoked:
		s.report(a, &InterruptedError{Cause: UserInitiatedStop})
	case <-timer.C:
		s.report(a, &InterruptedError{Cause: UnexpectedStop, Err: err})
	}
}

func (s *Source) watchRevoke(a *activeStream) {
	select {
	case <-a.quit:
	case <-a.stream.Revoked:
		s.report(a, &InterruptedError{Cause: UserInitiatedStop})
	}
}

func (s *Source) report(a *activeStream, ierr *InterruptedError) {
	if a.stopping.Load() || !a.reported.CompareAndSwap(false, true) {
		return
	}
	s.logger.Warn("capture: stream interrupted", "cause", ierr.Cause, "error", ierr.Err)
	go func() {
		_ = a.closeReaders()
	}()
	s.emitStop(a, StreamStopped{Err: ierr})
}

// emitStop delivers the stream's terminal event. Unlike emit it waits for
// room in the queue, giving up only once the owner stops the stream.
func (s *Source) emitStop(a *activeStream, ev StreamStopped) {
	select {
	case s.events <- ev:
	case <-a.quit:
		s.logger.Debug("capture: stream stopped before its stop event was read", "cause", ev.Err.Cause)
	}
}
