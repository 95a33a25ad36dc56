// Package compositor draws the camera bubble onto screen frames.
package compositor

import (
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/screenrec/imageops"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/media"
)

// FrameProvider hands out the camera's latest frame scaled to size. ok is
// false when no frame is available.
type FrameProvider interface {
	LatestFrame(size image.Point) (frame media.VideoFrame, ok bool)
}

// OverlayOrigin returns the overlay's corner position in a coordinate space
// with the origin at the bottom-left of the frame and y growing upwards.
func OverlayOrigin(corner media.Corner, overlay image.Point, frameW, frameH, padding int) image.Point {
	left := padding
	right := frameW - overlay.X - padding
	bottom := padding
	top := frameH - overlay.Y - padding

	switch corner {
	case media.CornerTopLeft:
		return image.Pt(left, top)
	case media.CornerTopRight:
		return image.Pt(right, top)
	case media.CornerBottomLeft:
		return image.Pt(left, bottom)
	default:
		return image.Pt(right, bottom)
	}
}

// bufferOrigin converts an OverlayOrigin result to the top-left of the
// overlay in buffer coordinates (row 0 at the top).
func bufferOrigin(origin, overlay image.Point, frameH int) image.Point {
	return image.Pt(origin.X, frameH-origin.Y-overlay.Y)
}

// Compositor overlays the camera bubble. Composite is safe for concurrent use
// with Configure, but a recording calls Configure once before frames flow.
type Compositor struct {
	ops    imageops.Ops
	camera FrameProvider
	logger *slog.Logger

	mu      sync.RWMutex
	overlay media.OverlayConfiguration

	lastWarn atomic.Int64
}

// New returns a compositor with the overlay disabled.
func New(ops imageops.Ops, camera FrameProvider, logger *slog.Logger) *Compositor {
	if ops == nil {
		ops = imageops.New(nil)
	}
	return &Compositor{
		ops:     ops,
		camera:  camera,
		logger:  logging.OrDefault(logger),
		overlay: media.DefaultOverlayConfiguration(),
	}
}

// Configure stores the overlay snapshot used by subsequent Composite calls.
func (c *Compositor) Configure(cfg media.OverlayConfiguration) {
	if cfg.Padding < 0 {
		cfg.Padding = 0
	}
	c.mu.Lock()
	c.overlay = cfg
	c.mu.Unlock()
}

// Overlay returns the active snapshot.
func (c *Compositor) Overlay() media.OverlayConfiguration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.overlay
}

// Composite returns screen with the camera bubble drawn on top. The input is
// returned unchanged when the overlay is off or no camera frame is available;
// otherwise the result is a new buffer with the screen's size and format.
func (c *Compositor) Composite(screen media.VideoFrame) media.VideoFrame {
	cfg := c.Overlay()
	if !cfg.Active() || c.camera == nil {
		return screen
	}
	if screen.Format != media.PixelFormatBGRA {
		c.warn("compositor: overlay skipped for pixel format", "format", screen.Format)
		return screen
	}

	cam, ok := c.camera.LatestFrame(cfg.Size)
	if !ok || !cam.Eligible() {
		return screen
	}

	dst, err := screen.RGBA()
	if err != nil {
		c.warn("compositor: invalid screen frame", "error", err)
		return screen
	}
	src, err := cam.RGBA()
	if err != nil {
		c.warn("compositor: invalid camera frame", "error", err)
		return screen
	}
	if src.Bounds().Size() != cfg.Size {
		if src, err = c.ops.Scale(src, cfg.Size); err != nil {
			c.warn("compositor: camera scale failed", "error", err)
			return screen
		}
	}

	out := media.NewVideoFrame(screen.Width, screen.Height, screen.Format, screen.PTS)
	canvas, _ := out.RGBA()
	for y := 0; y < screen.Height; y++ {
		copy(canvas.Pix[y*canvas.Stride:y*canvas.Stride+screen.Width*4], dst.Pix[y*dst.Stride:])
	}

	origin := OverlayOrigin(cfg.Corner, cfg.Size, screen.Width, screen.Height, cfg.Padding)
	at := bufferOrigin(origin, cfg.Size, screen.Height)

	mask, err := c.ops.CircularMask(cfg.Size)
	if err != nil {
		c.warn("compositor: mask failed, drawing rectangular overlay", "error", err)
		mask = nil
	}
	c.ops.Blend(canvas, src, mask, at)
	return out
}

func (c *Compositor) warn(msg string, args ...any) {
	if logging.Throttle(&c.lastWarn, 5*time.Second) {
		c.logger.Warn(msg, args...)
	}
}
