// Package camera produces the webcam feed used for the overlay bubble.
//
// A Source keeps only the most recent frame. The driver's producer thread
// swaps a pointer into a single-slot cell and the compositor reads it from
// its own goroutine; scaling always happens outside the lock on a frame
// that is never written again.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/screenrec/imageops"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/media"
)

const (
	defaultWidth          = 1280
	defaultHeight         = 720
	defaultFrameRate      = 30
	defaultBlurSigma      = 12
	defaultSegmentTimeout = 150 * time.Millisecond
)

var (
	ErrNoDevice = errors.New("camera: no capture device")
	ErrDenied   = errors.New("camera: access denied")
)

// DeviceInfo describes one camera the driver can open.
type DeviceInfo struct {
	ID      string
	Name    string
	Default bool
}

// Device is an open camera. Close stops frame delivery before returning.
type Device interface {
	ID() string
	Close() error
}

// Driver opens platform cameras. onFrame is called from the driver's own
// thread with BGRA or BGRA10 frames the driver no longer touches.
type Driver interface {
	Devices(ctx context.Context) ([]DeviceInfo, error)
	Open(ctx context.Context, deviceID string, size image.Point, fps int, onFrame func(media.VideoFrame)) (Device, error)
}

// PermissionFunc asks the user or the platform for camera access. It may
// block until the user answers.
type PermissionFunc func(ctx context.Context) (bool, error)

// Options configures a Source.
type Options struct {
	Driver Driver
	Ops    imageops.Ops
	// Size is the capture resolution requested from the device.
	Size      image.Point
	FrameRate int
	// BlurSigma is the background blur strength in pixels.
	BlurSigma float64
	// SegmentTimeout bounds the person mask request for one frame.
	SegmentTimeout time.Duration
	Permission     PermissionFunc
	// Preview enables the display-ready preview stream.
	Preview bool
	Logger  *slog.Logger
}

// Source is the camera capture session.
type Source struct {
	driver     Driver
	ops        imageops.Ops
	size       image.Point
	fps        int
	sigma      float64
	segTimeout time.Duration
	permission PermissionFunc
	logger     *slog.Logger

	effect     atomic.Int32
	generation atomic.Uint64
	preview    chan image.Image

	// runMu serialises StartCapture and StopCapture.
	runMu  sync.Mutex
	device Device

	slotMu   sync.Mutex
	live     *media.VideoFrame
	snapshot *media.VideoFrame

	cache atomic.Pointer[scaledFrame]

	frames      atomic.Uint64
	blurFailed  atomic.Uint64
	lastBlurLog atomic.Int64
}

type scaledFrame struct {
	src  *media.VideoFrame
	size image.Point
	out  media.VideoFrame
}

// Stats counts delivered frames and blur fallbacks.
type Stats struct {
	Frames     uint64
	BlurFailed uint64
}

// New returns a stopped Source.
func New(opts Options) (*Source, error) {
	if opts.Driver == nil {
		return nil, errors.New("camera: driver is required")
	}
	if opts.Ops == nil {
		opts.Ops = imageops.New(nil)
	}
	if opts.Size.X <= 0 || opts.Size.Y <= 0 {
		opts.Size = image.Pt(defaultWidth, defaultHeight)
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = defaultFrameRate
	}
	if opts.BlurSigma <= 0 {
		opts.BlurSigma = defaultBlurSigma
	}
	if opts.SegmentTimeout <= 0 {
		opts.SegmentTimeout = defaultSegmentTimeout
	}
	s := &Source{
		driver:     opts.Driver,
		ops:        opts.Ops,
		size:       opts.Size,
		fps:        opts.FrameRate,
		sigma:      opts.BlurSigma,
		segTimeout: opts.SegmentTimeout,
		permission: opts.Permission,
		logger:     logging.OrDefault(opts.Logger),
	}
	if opts.Preview {
		s.preview = make(chan image.Image, 1)
	}
	return s, nil
}

// RequestPermission reports whether the camera may be used. Without a
// PermissionFunc access is assumed.
func (s *Source) RequestPermission(ctx context.Context) bool {
	if s.permission == nil {
		return true
	}
	ok, err := s.permission(ctx)
	if err != nil {
		s.logger.Warn("camera: permission request failed", "error", err)
		return false
	}
	if !ok {
		s.logger.Info("camera: access denied")
	}
	return ok
}

// SetBackgroundEffect changes the effect applied to subsequent frames.
func (s *Source) SetBackgroundEffect(effect media.BackgroundEffect) {
	s.effect.Store(int32(effect))
}

// BackgroundEffect returns the current effect.
func (s *Source) BackgroundEffect() media.BackgroundEffect {
	return media.BackgroundEffect(s.effect.Load())
}

// Preview returns the display-ready preview stream, or nil when previews
// are disabled. Images are RGBA; a slow reader only sees the newest one.
func (s *Source) Preview() <-chan image.Image {
	return s.preview
}

// Running reports whether a device is open.
func (s *Source) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.device != nil
}

// DeviceID returns the open device's ID, or "".
func (s *Source) DeviceID() string {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.device == nil {
		return ""
	}
	return s.device.ID()
}

// Stats returns frame counters for the current and past sessions.
func (s *Source) Stats() Stats {
	return Stats{Frames: s.frames.Load(), BlurFailed: s.blurFailed.Load()}
}

// StartCapture opens deviceID, or the default camera when deviceID is empty
// or cannot be opened. Starting the device that is already open is a no-op.
func (s *Source) StartCapture(ctx context.Context, deviceID string) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.device != nil {
		if deviceID == "" || s.device.ID() == deviceID {
			return nil
		}
		s.closeLocked()
	}

	devices, err := s.driver.Devices(ctx)
	if err != nil {
		return fmt.Errorf("camera: list devices: %w", err)
	}
	candidates := openOrder(devices, deviceID)
	if len(candidates) == 0 {
		return ErrNoDevice
	}
	if deviceID != "" && candidates[0] != deviceID {
		s.logger.Info("camera: requested device unavailable, using default", "requested", deviceID, "device", candidates[0])
	}

	gen := s.generation.Add(1)
	var errs []error
	for _, id := range candidates {
		dev, err := s.driver.Open(ctx, id, s.size, s.fps, func(f media.VideoFrame) {
			s.handleFrame(gen, f)
		})
		if err != nil {
			s.logger.Warn("camera: open failed", "device", id, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		s.device = dev
		s.logger.Info("camera: capture started", "device", id, "size", fmt.Sprintf("%dx%d", s.size.X, s.size.Y), "fps", s.fps)
		return nil
	}
	return fmt.Errorf("camera: open: %w", errors.Join(errs...))
}

// openOrder returns the IDs to try: the requested one first when present,
// then the default device, then the rest.
func openOrder(devices []DeviceInfo, requested string) []string {
	var order []string
	seen := make(map[string]bool, len(devices))
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	for _, d := range devices {
		if d.ID == requested {
			add(d.ID)
		}
	}
	for _, d := range devices {
		if d.Default {
			add(d.ID)
		}
	}
	for _, d := range devices {
		add(d.ID)
	}
	return order
}

// StopCapture releases the device and clears the stored frames. It is safe
// to call when stopped.
func (s *Source) StopCapture() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.closeLocked()
}

func (s *Source) closeLocked() {
	// Frames still in flight from the old device are ignored.
	s.generation.Add(1)
	if s.device != nil {
		if err := s.device.Close(); err != nil {
			s.logger.Warn("camera: close device", "device", s.device.ID(), "error", err)
		}
		s.logger.Info("camera: capture stopped", "device", s.device.ID())
		s.device = nil
	}
	s.slotMu.Lock()
	s.live = nil
	s.snapshot = nil
	s.slotMu.Unlock()
	s.cache.Store(nil)
}

// LockCurrentFrameAsSnapshot freezes the live frame so LatestFrame keeps
// returning it. It reports false when no frame has arrived yet.
func (s *Source) LockCurrentFrameAsSnapshot() bool {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	if s.live == nil {
		return false
	}
	s.snapshot = s.live
	return true
}

// UnlockSnapshot returns LatestFrame to the live frame.
func (s *Source) UnlockSnapshot() {
	s.slotMu.Lock()
	s.snapshot = nil
	s.slotMu.Unlock()
}

func (s *Source) current() *media.VideoFrame {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	if s.snapshot != nil {
		return s.snapshot
	}
	return s.live
}

// LatestFrame returns the snapshot or the live frame scaled to size with
// aspect fill. It never blocks on the producer beyond the pointer read.
func (s *Source) LatestFrame(size image.Point) (media.VideoFrame, bool) {
	src := s.current()
	if src == nil {
		return media.VideoFrame{}, false
	}
	if size.X <= 0 || size.Y <= 0 || src.Size() == size {
		return *src, true
	}
	if c := s.cache.Load(); c != nil && c.src == src && c.size == size {
		return c.out, true
	}

	img, err := src.RGBA()
	if err != nil {
		return media.VideoFrame{}, false
	}
	scaled, err := s.ops.Scale(img, size)
	if err != nil {
		s.logger.Debug("camera: scale failed", "error", err)
		return media.VideoFrame{}, false
	}
	out := media.FromRGBA(scaled, src.PTS)
	s.cache.Store(&scaledFrame{src: src, size: size, out: out})
	return out, true
}

func (s *Source) handleFrame(gen uint64, f media.VideoFrame) {
	if s.generation.Load() != gen {
		return
	}
	if f.Format != media.PixelFormatBGRA {
		conv, err := media.ConvertPixels(f, media.PixelFormatBGRA)
		if err != nil {
			s.logger.Debug("camera: dropping frame", "error", err)
			return
		}
		f = conv
	}
	if f.Valid() != nil {
		return
	}

	if s.BackgroundEffect() == media.BackgroundBlur {
		f = s.blurBackground(f)
	}
	s.publishPreview(f)

	stored := f.Clone()
	s.slotMu.Lock()
	if s.generation.Load() == gen {
		s.live = &stored
	}
	s.slotMu.Unlock()
	s.frames.Add(1)
}

// blurBackground keeps the person sharp and blurs everything else. Any
// failure returns f untouched.
func (s *Source) blurBackground(f media.VideoFrame) media.VideoFrame {
	img, err := f.RGBA()
	if err != nil {
		return f
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.segTimeout)
	defer cancel()
	mask, err := s.ops.SegmentMask(ctx, img)
	if err != nil {
		s.blurFailed.Add(1)
		if logging.Throttle(&s.lastBlurLog, 10*time.Second) {
			s.logger.Warn("camera: background blur unavailable, passing frame through", "error", err)
		}
		return f
	}
	blurred := s.ops.GaussianBlur(img, s.sigma)
	s.ops.Blend(blurred, img, mask, img.Bounds().Min)
	return media.FromRGBA(blurred, f.PTS)
}

func (s *Source) publishPreview(f media.VideoFrame) {
	if s.preview == nil {
		return
	}
	img := previewImage(f)
	if img == nil {
		return
	}
	select {
	case s.preview <- img:
		return
	default:
	}
	// Replace the stale image so readers see the newest one.
	select {
	case <-s.preview:
	default:
	}
	select {
	case s.preview <- img:
	default:
	}
}

// previewImage converts a BGRA frame into a packed RGBA image.
func previewImage(f media.VideoFrame) *image.RGBA {
	if f.Format != media.PixelFormatBGRA || f.Valid() != nil {
		return nil
	}
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		src := f.Data[y*f.Stride : y*f.Stride+f.Width*4]
		dst := img.Pix[y*img.Stride : y*img.Stride+f.Width*4]
		for x := 0; x < len(src); x += 4 {
			dst[x] = src[x+2]
			dst[x+1] = src[x+1]
			dst[x+2] = src[x]
			dst[x+3] = src[x+3]
		}
	}
	return img
}
