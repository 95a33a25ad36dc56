// Package sink encodes composited video and raw audio into a container file.
//
// A Sink moves through notConfigured → configured → writing → finished or
// cancelled. Samples are re-based onto a timeline whose origin is the first
// appended sample; video is laid out on constant frame-rate slots and audio
// gaps are filled with silence so the tracks stay aligned.
package sink

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/media"
)

var (
	// ErrNoSamples is returned by FinishWriting when nothing was appended.
	ErrNoSamples    = errors.New("no samples were written")
	ErrInvalidState = errors.New("sink is not in a valid state for this call")
)

// EncodingError reports a sample that could not be appended or a file that
// could not be finalized. The partial output is discarded.
type EncodingError struct {
	Op  string
	Err error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding %s: %v", e.Op, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// State is the sink lifecycle.
type State int

const (
	StateNotConfigured State = iota
	StateConfigured
	StateWriting
	StateFinished
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateNotConfigured:
		return "notConfigured"
	case StateConfigured:
		return "configured"
	case StateWriting:
		return "writing"
	case StateFinished:
		return "finished"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Writer is an open encoder/muxer. Write calls must not block on the encoder.
type Writer interface {
	// WriteVideo queues one packed frame to be encoded repeat times.
	WriteVideo(frame []byte, repeat int) error
	// WriteAudio queues encoder-format PCM for the given track.
	WriteAudio(track int, pcm []byte) error
	// Finish ends every input and waits for the container to be closed.
	Finish(ctx context.Context) error
	// Abort stops encoding without finalizing. It must return promptly.
	Abort()
}

// WriterConfig is everything a Writer needs to open its inputs.
type WriterConfig struct {
	Path        string
	Encoding    media.EncodingConfiguration
	Size        image.Point
	FrameRate   int
	PixelFormat media.PixelFormat
	// AudioTracks lists the audio inputs in track order.
	AudioTracks []media.AudioSource
}

// OpenWriterFunc opens a Writer. It is called from Setup after validation.
type OpenWriterFunc func(ctx context.Context, cfg WriterConfig) (Writer, error)

// Options configures a Sink.
type Options struct {
	OpenWriter OpenWriterFunc
	Logger     *slog.Logger
}

// Stats counts what reached the writer.
type Stats struct {
	VideoFrames     int64
	DuplicateFrames int64
	DroppedFrames   int64
	AudioBytes      int64
	SilenceBytes    int64
}

// Sink is the MediaSink. Its append methods are safe for concurrent use by
// the capture delivery goroutines.
type Sink struct {
	openWriter OpenWriterFunc
	logger     *slog.Logger

	mu        sync.Mutex
	state     State
	cfg       WriterConfig
	writer    Writer
	tracks    map[media.AudioSource]int
	video     videoTimeline
	audio     []audioTimeline
	origin    time.Duration
	hasOrigin bool
	end       time.Duration
	samples   int64
	failed    error
	started   time.Time
	result    string
	finishErr error
	stats     Stats

	lastFitLog atomic.Int64
}

// New returns an unconfigured Sink.
func New(opts Options) (*Sink, error) {
	if opts.OpenWriter == nil {
		return nil, errors.New("sink: OpenWriter is required")
	}
	return &Sink{
		openWriter: opts.OpenWriter,
		logger:     logging.OrDefault(opts.Logger),
	}, nil
}

// State returns the current lifecycle state.
func (s *Sink) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns counters for the current or last session.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Setup validates cfg against the container/codec matrix and opens the
// writer. Invalid configurations fail with *media.ConfigurationError before
// anything is allocated. A finished or cancelled sink may be set up again.
func (s *Sink) Setup(ctx context.Context, outputPath string, cfg media.EncodingConfiguration, videoSize image.Point) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateConfigured || state == StateWriting {
		return fmt.Errorf("sink setup: %w: %s", ErrInvalidState, state)
	}

	cfg.OutputPath = outputPath
	cfg.VideoSize = videoSize
	if err := cfg.Validate(); err != nil {
		return err
	}
	if outputPath == "" {
		return &media.ConfigurationError{Field: "outputPath", Reason: "must not be empty"}
	}
	// 4:2:0 encoders need even dimensions.
	size := image.Pt(videoSize.X&^1, videoSize.Y&^1)
	if size.X <= 0 || size.Y <= 0 {
		return &media.ConfigurationError{Field: "videoSize", Reason: fmt.Sprintf("%v is too small", videoSize)}
	}

	wcfg := WriterConfig{
		Path:        outputPath,
		Encoding:    cfg,
		Size:        size,
		FrameRate:   cfg.EffectiveFrameRate(),
		PixelFormat: media.PixelFormatBGRA,
	}
	if cfg.HDR {
		wcfg.PixelFormat = media.PixelFormatBGRA10
	}
	tracks := make(map[media.AudioSource]int)
	if cfg.SystemAudio {
		tracks[media.AudioSourceSystem] = len(wcfg.AudioTracks)
		wcfg.AudioTracks = append(wcfg.AudioTracks, media.AudioSourceSystem)
	}
	if cfg.Microphone {
		tracks[media.AudioSourceMicrophone] = len(wcfg.AudioTracks)
		wcfg.AudioTracks = append(wcfg.AudioTracks, media.AudioSourceMicrophone)
	}

	w, err := s.openWriter(ctx, wcfg)
	if err != nil {
		return &EncodingError{Op: "setup", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConfigured || s.state == StateWriting {
		w.Abort()
		return fmt.Errorf("sink setup: %w: %s", ErrInvalidState, s.state)
	}
	s.state = StateConfigured
	s.cfg = wcfg
	s.writer = w
	s.tracks = tracks
	s.video = videoTimeline{interval: time.Second / time.Duration(wcfg.FrameRate)}
	s.audio = make([]audioTimeline, len(wcfg.AudioTracks))
	s.hasOrigin = false
	s.origin, s.end, s.samples = 0, 0, 0
	s.failed = nil
	s.result = ""
	s.finishErr = nil
	s.stats = Stats{}

	s.logger.Info("sink: configured",
		"path", outputPath,
		"container", cfg.Container,
		"video_codec", cfg.VideoCodec,
		"audio_codec", cfg.AudioCodec,
		"size", size,
		"fps", wcfg.FrameRate,
		"audio_tracks", len(wcfg.AudioTracks),
		"alpha", cfg.PreserveAlpha,
		"hdr", cfg.HDR,
	)
	return nil
}

// StartWriting moves a configured sink to writing. The timeline origin is
// fixed by the first sample appended afterwards.
func (s *Sink) StartWriting() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConfigured {
		return fmt.Errorf("sink start: %w: %s", ErrInvalidState, s.state)
	}
	s.state = StateWriting
	s.started = time.Now()
	return nil
}

// AppendVideoFrame encodes a frame at its own PTS. Frames that are not
// complete, and any frame outside the writing state, are dropped silently.
// The sink keeps frame.Data until it is encoded.
func (s *Sink) AppendVideoFrame(frame media.VideoFrame) error {
	if !frame.Eligible() {
		return nil
	}
	cfg, ok := s.writingConfig()
	if !ok {
		return nil
	}

	data, fitted, err := fitFrame(frame, cfg.Size, cfg.PixelFormat, cfg.Encoding.PreserveAlpha)
	if err != nil {
		return s.fail("append video", err)
	}
	if fitted && logging.Throttle(&s.lastFitLog, 5*time.Second) {
		s.logger.Debug("sink: frame size differs from output, letterboxing",
			"frame", frame.Size(), "output", cfg.Size, "format", frame.Format)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateWriting {
		return nil
	}
	rel, ok := s.rebase(frame.PTS)
	if !ok {
		s.stats.DroppedFrames++
		return nil
	}

	emit, repeat, dropped := s.video.push(rel, data)
	if dropped {
		s.stats.DroppedFrames++
	}
	s.samples++
	s.extend(rel + s.video.interval)
	if repeat == 0 {
		return nil
	}
	return s.writeVideoLocked(emit, repeat)
}

// AppendCompositedVideoFrame appends a compositor output buffer at pts.
func (s *Sink) AppendCompositedVideoFrame(frame media.VideoFrame, pts time.Duration) error {
	frame.PTS = pts
	return s.AppendVideoFrame(frame)
}

// AppendAudioSample appends a system-audio batch.
func (s *Sink) AppendAudioSample(batch media.AudioSampleBatch) error {
	return s.appendAudio(media.AudioSourceSystem, batch)
}

// AppendMicrophoneSample appends a microphone batch.
func (s *Sink) AppendMicrophoneSample(batch media.AudioSampleBatch) error {
	return s.appendAudio(media.AudioSourceMicrophone, batch)
}

func (s *Sink) appendAudio(source media.AudioSource, batch media.AudioSampleBatch) error {
	if len(batch.Data) == 0 {
		return nil
	}
	if _, ok := s.writingConfig(); !ok {
		return nil
	}

	converted, err := media.ToEncoderFormat(batch)
	if err != nil {
		return s.fail("append "+source.String()+" audio", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateWriting {
		return nil
	}
	track, ok := s.tracks[source]
	if !ok {
		return nil
	}
	rel, _ := s.rebase(converted.PTS)

	silence, payload := s.audio[track].place(rel, converted.Data)
	if len(payload) == 0 {
		return nil
	}
	s.samples++
	s.extend(s.audio[track].position())
	if silence > 0 {
		s.stats.SilenceBytes += int64(silence)
		if err := s.writer.WriteAudio(track, make([]byte, silence)); err != nil {
			return s.failLocked("append "+source.String()+" audio", err)
		}
	}
	s.stats.AudioBytes += int64(len(payload))
	if err := s.writer.WriteAudio(track, payload); err != nil {
		return s.failLocked("append "+source.String()+" audio", err)
	}
	return nil
}

// FinishWriting ends every input, waits for the container to be finalized
// and returns the output path. A sink with no samples fails with
// ErrNoSamples and leaves no file behind. Later calls return the outcome of
// the first one. Finishing a sink that never started writing aborts it.
func (s *Sink) FinishWriting(ctx context.Context) (string, error) {
	s.mu.Lock()
	switch s.state {
	case StateFinished, StateCancelled:
		result, err := s.result, s.finishErr
		s.mu.Unlock()
		return result, err
	case StateWriting:
	case StateConfigured:
		// Writing never started; the opened writer is torn down so the
		// session does not hold ffmpeg until a later Cancel.
		s.state = StateCancelled
		s.finishErr = &EncodingError{Op: "finish", Err: fmt.Errorf("%w: %s", ErrInvalidState, StateConfigured)}
		w, path, ferr := s.writer, s.cfg.Path, s.finishErr
		s.writer = nil
		s.mu.Unlock()
		if w != nil {
			w.Abort()
		}
		s.removeOutput(path)
		return "", ferr
	default:
		state := s.state
		s.mu.Unlock()
		return "", &EncodingError{Op: "finish", Err: fmt.Errorf("%w: %s", ErrInvalidState, state)}
	}

	s.state = StateFinished
	failed := s.failed
	if failed == nil && s.samples > 0 {
		failed = s.flushLocked()
	}
	w, path, samples := s.writer, s.cfg.Path, s.samples
	s.writer = nil
	stats := s.stats
	duration, wall := s.end, time.Since(s.started)
	s.mu.Unlock()

	switch {
	case failed != nil:
		w.Abort()
		s.removeOutput(path)
		return "", s.finishFailed(failed)
	case samples == 0:
		w.Abort()
		s.removeOutput(path)
		return "", s.finishFailed(ErrNoSamples)
	}

	if err := w.Finish(ctx); err != nil {
		s.removeOutput(path)
		return "", s.finishFailed(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", s.finishFailed(err)
	}
	if info.Size() == 0 {
		s.removeOutput(path)
		return "", s.finishFailed(errors.New("output file is empty"))
	}

	s.mu.Lock()
	s.result = path
	s.mu.Unlock()

	s.logger.Info("sink: finished",
		"path", path,
		"duration", duration.Round(time.Millisecond),
		"wall", wall.Round(time.Millisecond),
		"bytes", info.Size(),
		"video_frames", stats.VideoFrames,
		"duplicated", stats.DuplicateFrames,
		"dropped", stats.DroppedFrames,
		"silence_bytes", stats.SilenceBytes,
	)
	return path, nil
}

// finishFailed records err as the session's terminal result, so later
// FinishWriting calls report the same failure.
func (s *Sink) finishFailed(err error) error {
	ferr := &EncodingError{Op: "finish", Err: err}
	s.mu.Lock()
	s.finishErr = ferr
	s.mu.Unlock()
	return ferr
}

// Cancel aborts the session and removes partial output. It is a no-op in
// terminal states.
func (s *Sink) Cancel() {
	s.mu.Lock()
	if s.state != StateConfigured && s.state != StateWriting {
		s.mu.Unlock()
		return
	}
	s.state = StateCancelled
	w, path := s.writer, s.cfg.Path
	s.writer = nil
	s.mu.Unlock()

	if w != nil {
		w.Abort()
	}
	s.removeOutput(path)
	s.logger.Info("sink: cancelled", "path", path)
}

// Err returns the first append failure, if any.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func (s *Sink) writingConfig() (WriterConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateWriting || s.failed != nil {
		return WriterConfig{}, false
	}
	return s.cfg, true
}

// rebase maps pts onto the session timeline, fixing the origin on first use.
func (s *Sink) rebase(pts time.Duration) (time.Duration, bool) {
	if !s.hasOrigin {
		s.origin = pts
		s.hasOrigin = true
	}
	rel := pts - s.origin
	return rel, rel >= 0
}

func (s *Sink) extend(t time.Duration) {
	if t > s.end {
		s.end = t
	}
}

func (s *Sink) writeVideoLocked(data []byte, repeat int) error {
	s.stats.VideoFrames += int64(repeat)
	s.stats.DuplicateFrames += int64(repeat - 1)
	if err := s.writer.WriteVideo(data, repeat); err != nil {
		return s.failLocked("append video", err)
	}
	return nil
}

// flushLocked writes the held video frame and pads audio up to the end of
// the timeline.
func (s *Sink) flushLocked() error {
	if data, repeat := s.video.finish(s.end); repeat > 0 {
		if err := s.writeVideoLocked(data, repeat); err != nil {
			return err
		}
	}
	for i := range s.audio {
		if pad := s.audio[i].padTo(s.end); pad > 0 {
			s.stats.SilenceBytes += int64(pad)
			if err := s.writer.WriteAudio(i, make([]byte, pad)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Sink) fail(op string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failLocked(op, err)
}

func (s *Sink) failLocked(op string, err error) error {
	if s.failed == nil {
		s.failed = err
		s.logger.Error("sink: append failed", "op", op, "error", err)
	}
	return &EncodingError{Op: op, Err: err}
}

func (s *Sink) removeOutput(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("sink: remove partial output", "path", path, "error", err)
	}
}
