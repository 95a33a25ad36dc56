package media

import (
	"errors"
	"fmt"
	"image"
	"time"
)

// ErrPermissionDenied reports a missing screen, microphone or camera
// authorization. It is recoverable by granting access and retrying.
var ErrPermissionDenied = errors.New("capture permission denied")

// PixelFormat identifies the memory layout of a VideoFrame.
type PixelFormat int

const (
	// PixelFormatBGRA is 8-bit packed B,G,R,A. It is the canonical pipeline format.
	PixelFormatBGRA PixelFormat = iota
	// PixelFormatBGRA10 is packed 16-bit little-endian B,G,R,A words carrying
	// 10 significant bits, used by HDR sources.
	PixelFormatBGRA10
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatBGRA:
		return "bgra"
	case PixelFormatBGRA10:
		return "bgra64le"
	default:
		return "unknown"
	}
}

// BytesPerPixel returns the packed size of one pixel.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelFormatBGRA:
		return 4
	case PixelFormatBGRA10:
		return 8
	default:
		return 0
	}
}

// FrameStatus is the completeness reported by the capture layer.
type FrameStatus int

const (
	FrameComplete FrameStatus = iota
	FrameIdle
	FrameBlank
	FrameSuspended
)

func (s FrameStatus) String() string {
	switch s {
	case FrameComplete:
		return "complete"
	case FrameIdle:
		return "idle"
	case FrameBlank:
		return "blank"
	case FrameSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// VideoFrame is an immutable handle to a packed pixel buffer.
//
// Producers allocate a new buffer per frame and never modify Data after
// handing it out, so consumers may keep a frame. A consumer that needs to
// change pixels works on a Clone.
type VideoFrame struct {
	Data   []byte
	Width  int
	Height int
	Stride int
	Format PixelFormat
	PTS    time.Duration
	Status FrameStatus
}

// NewVideoFrame allocates a zeroed, complete frame.
func NewVideoFrame(width, height int, format PixelFormat, pts time.Duration) VideoFrame {
	stride := width * format.BytesPerPixel()
	return VideoFrame{
		Data:   make([]byte, stride*height),
		Width:  width,
		Height: height,
		Stride: stride,
		Format: format,
		PTS:    pts,
		Status: FrameComplete,
	}
}

// Eligible reports whether the frame may be composited or encoded.
func (f VideoFrame) Eligible() bool {
	return f.Status == FrameComplete && f.Valid() == nil
}

// Valid checks that the buffer is large enough for the declared geometry.
func (f VideoFrame) Valid() error {
	bpp := f.Format.BytesPerPixel()
	if f.Width <= 0 || f.Height <= 0 || bpp == 0 {
		return fmt.Errorf("invalid frame geometry %dx%d format=%s", f.Width, f.Height, f.Format)
	}
	if f.Stride < f.Width*bpp {
		return fmt.Errorf("stride %d shorter than row %d", f.Stride, f.Width*bpp)
	}
	if len(f.Data) < f.Stride*(f.Height-1)+f.Width*bpp {
		return fmt.Errorf("buffer %d bytes too small for %dx%d stride %d", len(f.Data), f.Width, f.Height, f.Stride)
	}
	return nil
}

// Size returns the frame dimensions.
func (f VideoFrame) Size() image.Point {
	return image.Pt(f.Width, f.Height)
}

// Clone returns a deep copy with its own backing store.
func (f VideoFrame) Clone() VideoFrame {
	out := f
	out.Data = make([]byte, len(f.Data))
	copy(out.Data, f.Data)
	return out
}

// RGBA exposes an 8-bit frame as an image.RGBA sharing the same memory.
// Channel order is left as-is (B and R swapped relative to image.RGBA); every
// operation applied through this view is per-channel so the order is preserved.
func (f VideoFrame) RGBA() (*image.RGBA, error) {
	if f.Format != PixelFormatBGRA {
		return nil, fmt.Errorf("rgba view needs %s, got %s", PixelFormatBGRA, f.Format)
	}
	if err := f.Valid(); err != nil {
		return nil, err
	}
	return &image.RGBA{
		Pix:    f.Data,
		Stride: f.Stride,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}, nil
}

// FromRGBA wraps an image.RGBA (holding BGRA-ordered bytes) as a frame.
func FromRGBA(img *image.RGBA, pts time.Duration) VideoFrame {
	b := img.Bounds()
	pix := img.Pix
	if b.Min != (image.Point{}) {
		pix = pix[img.PixOffset(b.Min.X, b.Min.Y):]
	}
	return VideoFrame{
		Data:   pix,
		Width:  b.Dx(),
		Height: b.Dy(),
		Stride: img.Stride,
		Format: PixelFormatBGRA,
		PTS:    pts,
		Status: FrameComplete,
	}
}
