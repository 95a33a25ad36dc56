// Package capture delivers screen video and audio from the platform capture
// service to a single registered consumer.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"

	"go2tv.app/screenrec/media"
)

var (
	ErrNotImplemented = errors.New("screen capture backend is not implemented on this platform")
	ErrCancelled      = errors.New("screen capture request was cancelled")
	ErrNoStreams      = errors.New("screen capture returned no streams")
	ErrNoSelection    = errors.New("no capture content selected")
	ErrAlreadyRunning = errors.New("capture stream already running")
	ErrBusy           = errors.New("capture content is in use")
)

// Filter is the content the user picked. It is opaque to callers apart from
// its geometry.
type Filter struct {
	ID string
	// ContentRect is the selected area in points.
	ContentRect image.Rectangle
	// Scale is pixels per point.
	Scale float64

	handle any
}

// PixelSize returns the physical pixel size of the content.
func (f *Filter) PixelSize() image.Point {
	if f == nil || f.ContentRect.Empty() {
		return image.Point{}
	}
	scale := f.Scale
	if scale <= 0 {
		scale = 1
	}
	return image.Pt(
		int(math.Round(float64(f.ContentRect.Dx())*scale)),
		int(math.Round(float64(f.ContentRect.Dy())*scale)),
	)
}

// StreamConfig is what StartCapture asks the backend for.
type StreamConfig struct {
	Size              image.Point
	FrameRate         int
	SystemAudio       bool
	ExcludedWindowIDs []uint32
}

// Stream is an open platform stream. The video reader yields packed frames of
// Width*Height*Format.BytesPerPixel() bytes; Audio, when present, yields
// interleaved s16le at media.EncoderSampleRate with media.EncoderChannels.
type Stream struct {
	io.ReadCloser

	Width     int
	Height    int
	FrameRate int
	Format    media.PixelFormat

	Audio io.ReadCloser
	// Revoked is closed when the user stops sharing from the desktop.
	Revoked <-chan struct{}
}

// Backend is a platform capture service.
type Backend interface {
	// Pick shows the platform content picker. It returns ErrCancelled when
	// the user dismisses it.
	Pick(ctx context.Context) (*Filter, error)
	// Open starts streaming the filter's content.
	Open(ctx context.Context, filter *Filter, cfg StreamConfig) (*Stream, error)
	// Release frees resources held by a filter that is no longer selected.
	Release(filter *Filter) error
}

// StartError reports a stream that could not be created.
type StartError struct {
	Err error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("capture start: %v", e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// StopCause separates a user ending the share from a failure.
type StopCause int

const (
	UserInitiatedStop StopCause = iota
	UnexpectedStop
)

func (c StopCause) String() string {
	if c == UserInitiatedStop {
		return "userInitiatedStop"
	}
	return "unexpectedStop"
}

// InterruptedError is the terminal error of a stream that ended without
// StopCapture.
type InterruptedError struct {
	Cause StopCause
	Err   error
}

func (e *InterruptedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("capture interrupted: %s", e.Cause)
	}
	return fmt.Sprintf("capture interrupted: %s: %v", e.Cause, e.Err)
}

func (e *InterruptedError) Unwrap() error { return e.Err }

// Event is delivered on Source.Events.
type Event interface {
	isEvent()
}

// FilterUpdated carries a new selection from the picker.
type FilterUpdated struct {
	Filter *Filter
}

// PickerCancelled means the picker was dismissed without a selection.
type PickerCancelled struct {
	Err error
}

// StreamStopped is emitted once when a running stream ends on its own.
type StreamStopped struct {
	Err *InterruptedError
}

func (FilterUpdated) isEvent()   {}
func (PickerCancelled) isEvent() {}
func (StreamStopped) isEvent()   {}

// Output receives frames synchronously on the delivery goroutines. Either
// callback may be nil.
type Output struct {
	OnVideoFrame func(media.VideoFrame)
	OnAudio      func(media.AudioSource, media.AudioSampleBatch)
}

// warnExclusionUnsupported logs that ids will appear in the recording on a
// backend that cannot filter windows out.
func warnExclusionUnsupported(logger *slog.Logger, backend string, ids []uint32) {
	if len(ids) == 0 {
		return
	}
	logger.Warn("capture: backend cannot exclude windows, they will be recorded",
		"backend", backend, "count", len(ids))
}
