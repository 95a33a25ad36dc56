package camera

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/screenrec/imageops"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/media"
)

type fakeDevice struct {
	id     string
	mu     sync.Mutex
	closed bool
}

func (d *fakeDevice) ID() string { return d.id }

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

type fakeDriver struct {
	devices []DeviceInfo
	failing map[string]bool

	mu      sync.Mutex
	opened  []string
	onFrame func(media.VideoFrame)
	last    *fakeDevice
}

func (d *fakeDriver) Devices(context.Context) ([]DeviceInfo, error) {
	return d.devices, nil
}

func (d *fakeDriver) Open(_ context.Context, id string, _ image.Point, _ int, onFrame func(media.VideoFrame)) (Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = append(d.opened, id)
	if d.failing[id] {
		return nil, errors.New("busy")
	}
	d.onFrame = onFrame
	d.last = &fakeDevice{id: id}
	return d.last, nil
}

func (d *fakeDriver) push(f media.VideoFrame) {
	d.mu.Lock()
	fn := d.onFrame
	d.mu.Unlock()
	fn(f)
}

type fakeSegmenter struct {
	err error
}

func (s fakeSegmenter) Segment(_ context.Context, img *image.RGBA) (*image.Gray, error) {
	if s.err != nil {
		return nil, s.err
	}
	b := img.Bounds()
	mask := image.NewGray(b)
	// Left half is the person.
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Min.X+b.Dx()/2; x++ {
			mask.Pix[mask.PixOffset(x, y)] = 255
		}
	}
	return mask, nil
}

func solidFrame(w, h int, b, g, r byte) media.VideoFrame {
	f := media.NewVideoFrame(w, h, media.PixelFormatBGRA, 0)
	for i := 0; i < len(f.Data); i += 4 {
		f.Data[i], f.Data[i+1], f.Data[i+2], f.Data[i+3] = b, g, r, 255
	}
	return f
}

func newTestSource(t *testing.T, drv *fakeDriver, seg imageops.Segmenter, preview bool) *Source {
	t.Helper()
	s, err := New(Options{
		Driver:  drv,
		Ops:     imageops.New(seg),
		Preview: preview,
		Logger:  logging.Discard(),
	})
	require.NoError(t, err)
	return s
}

func TestNewRequiresDriver(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestStartCaptureFallsBackToDefault(t *testing.T) {
	drv := &fakeDriver{devices: []DeviceInfo{
		{ID: "/dev/video2"},
		{ID: "/dev/video0", Default: true},
	}}
	s := newTestSource(t, drv, nil, false)

	require.NoError(t, s.StartCapture(context.Background(), "/dev/video9"))
	assert.Equal(t, "/dev/video0", s.DeviceID())

	s.StopCapture()
	require.NoError(t, s.StartCapture(context.Background(), ""))
	assert.Equal(t, "/dev/video0", s.DeviceID())
}

func TestStartCaptureTriesNextDeviceOnOpenFailure(t *testing.T) {
	drv := &fakeDriver{
		devices: []DeviceInfo{{ID: "a"}, {ID: "b", Default: true}},
		failing: map[string]bool{"a": true},
	}
	s := newTestSource(t, drv, nil, false)

	require.NoError(t, s.StartCapture(context.Background(), "a"))
	assert.Equal(t, []string{"a", "b"}, drv.opened)
	assert.Equal(t, "b", s.DeviceID())
}

func TestStartCaptureWithoutDevices(t *testing.T) {
	s := newTestSource(t, &fakeDriver{}, nil, false)
	require.ErrorIs(t, s.StartCapture(context.Background(), ""), ErrNoDevice)
	assert.False(t, s.Running())
}

func TestStartCaptureSameDeviceIsNoop(t *testing.T) {
	drv := &fakeDriver{devices: []DeviceInfo{{ID: "a", Default: true}}}
	s := newTestSource(t, drv, nil, false)
	require.NoError(t, s.StartCapture(context.Background(), "a"))
	require.NoError(t, s.StartCapture(context.Background(), "a"))
	assert.Len(t, drv.opened, 1)
}

func TestLatestFrameScalesAndStopClears(t *testing.T) {
	drv := &fakeDriver{devices: []DeviceInfo{{ID: "a", Default: true}}}
	s := newTestSource(t, drv, nil, false)

	_, ok := s.LatestFrame(image.Pt(40, 30))
	assert.False(t, ok)

	require.NoError(t, s.StartCapture(context.Background(), ""))
	drv.push(solidFrame(160, 90, 10, 20, 30))

	f, ok := s.LatestFrame(image.Pt(40, 30))
	require.True(t, ok)
	assert.Equal(t, image.Pt(40, 30), f.Size())
	assert.Equal(t, []byte{10, 20, 30, 255}, f.Data[:4])

	again, ok := s.LatestFrame(image.Pt(40, 30))
	require.True(t, ok)
	assert.Same(t, &f.Data[0], &again.Data[0], "scaled frame is cached")

	dev := drv.last
	s.StopCapture()
	assert.True(t, dev.closed)
	_, ok = s.LatestFrame(image.Pt(40, 30))
	assert.False(t, ok)

	// A late frame from the closed device is ignored.
	drv.push(solidFrame(160, 90, 1, 2, 3))
	_, ok = s.LatestFrame(image.Pt(40, 30))
	assert.False(t, ok)

	s.StopCapture()
}

func TestStoredFrameIsACopy(t *testing.T) {
	drv := &fakeDriver{devices: []DeviceInfo{{ID: "a", Default: true}}}
	s := newTestSource(t, drv, nil, false)
	require.NoError(t, s.StartCapture(context.Background(), ""))

	in := solidFrame(8, 8, 1, 1, 1)
	drv.push(in)
	in.Data[0] = 99

	f, ok := s.LatestFrame(image.Pt(8, 8))
	require.True(t, ok)
	assert.Equal(t, byte(1), f.Data[0])
}

func TestSnapshotHoldsFrame(t *testing.T) {
	drv := &fakeDriver{devices: []DeviceInfo{{ID: "a", Default: true}}}
	s := newTestSource(t, drv, nil, false)
	require.NoError(t, s.StartCapture(context.Background(), ""))

	assert.False(t, s.LockCurrentFrameAsSnapshot())

	drv.push(solidFrame(8, 8, 1, 1, 1))
	require.True(t, s.LockCurrentFrameAsSnapshot())
	drv.push(solidFrame(8, 8, 2, 2, 2))

	f, ok := s.LatestFrame(image.Pt(8, 8))
	require.True(t, ok)
	assert.Equal(t, byte(1), f.Data[0])

	s.UnlockSnapshot()
	f, ok = s.LatestFrame(image.Pt(8, 8))
	require.True(t, ok)
	assert.Equal(t, byte(2), f.Data[0])
}

func TestTenBitFramesAreNarrowed(t *testing.T) {
	drv := &fakeDriver{devices: []DeviceInfo{{ID: "a", Default: true}}}
	s := newTestSource(t, drv, nil, false)
	require.NoError(t, s.StartCapture(context.Background(), ""))

	wide, err := media.ConvertPixels(solidFrame(4, 4, 7, 8, 9), media.PixelFormatBGRA10)
	require.NoError(t, err)
	drv.push(wide)

	f, ok := s.LatestFrame(image.Pt(4, 4))
	require.True(t, ok)
	assert.Equal(t, media.PixelFormatBGRA, f.Format)
	assert.Equal(t, []byte{7, 8, 9, 255}, f.Data[:4])
}

func TestBlurKeepsForegroundSharp(t *testing.T) {
	drv := &fakeDriver{devices: []DeviceInfo{{ID: "a", Default: true}}}
	s := newTestSource(t, drv, fakeSegmenter{}, false)
	s.SetBackgroundEffect(media.BackgroundBlur)
	require.NoError(t, s.StartCapture(context.Background(), ""))

	// Left half black, right half a single white column among black.
	in := solidFrame(32, 8, 0, 0, 0)
	for y := 0; y < 8; y++ {
		off := y*in.Stride + 24*4
		in.Data[off], in.Data[off+1], in.Data[off+2] = 255, 255, 255
	}
	in.Data[0], in.Data[1], in.Data[2] = 200, 200, 200
	drv.push(in)

	f, ok := s.LatestFrame(image.Pt(32, 8))
	require.True(t, ok)
	assert.Equal(t, byte(200), f.Data[0], "foreground pixel unchanged")
	white := f.Data[24*4]
	assert.Less(t, white, byte(255), "background column is blurred")
	assert.Zero(t, s.Stats().BlurFailed)
}

func TestBlurFailurePassesFrameThrough(t *testing.T) {
	drv := &fakeDriver{devices: []DeviceInfo{{ID: "a", Default: true}}}
	s := newTestSource(t, drv, fakeSegmenter{err: errors.New("model missing")}, false)
	s.SetBackgroundEffect(media.BackgroundBlur)
	require.NoError(t, s.StartCapture(context.Background(), ""))

	in := solidFrame(16, 16, 0, 0, 0)
	in.Data[8*in.Stride+8*4] = 255
	drv.push(in)

	f, ok := s.LatestFrame(image.Pt(16, 16))
	require.True(t, ok)
	assert.Equal(t, in.Data, f.Data)
	assert.Equal(t, uint64(1), s.Stats().BlurFailed)
}

func TestPreviewKeepsNewestAndSwapsChannels(t *testing.T) {
	drv := &fakeDriver{devices: []DeviceInfo{{ID: "a", Default: true}}}
	s := newTestSource(t, drv, nil, true)
	require.NoError(t, s.StartCapture(context.Background(), ""))

	drv.push(solidFrame(4, 4, 1, 2, 3))
	drv.push(solidFrame(4, 4, 10, 20, 30))

	select {
	case img := <-s.Preview():
		rgba, ok := img.(*image.RGBA)
		require.True(t, ok)
		assert.Equal(t, []uint8{30, 20, 10, 255}, rgba.Pix[:4])
	case <-time.After(time.Second):
		t.Fatal("no preview image")
	}
	select {
	case <-s.Preview():
		t.Fatal("stale preview image was kept")
	default:
	}
}

func TestPreviewDisabled(t *testing.T) {
	s := newTestSource(t, &fakeDriver{}, nil, false)
	assert.Nil(t, s.Preview())
}

func TestRequestPermission(t *testing.T) {
	s := newTestSource(t, &fakeDriver{}, nil, false)
	assert.True(t, s.RequestPermission(context.Background()))

	s.permission = func(context.Context) (bool, error) { return false, nil }
	assert.False(t, s.RequestPermission(context.Background()))

	s.permission = func(context.Context) (bool, error) { return true, ErrDenied }
	assert.False(t, s.RequestPermission(context.Background()))
}

func TestOpenOrder(t *testing.T) {
	devices := []DeviceInfo{{ID: "x"}, {ID: "y", Default: true}, {ID: "z"}}
	assert.Equal(t, []string{"z", "y", "x"}, openOrder(devices, "z"))
	assert.Equal(t, []string{"y", "x", "z"}, openOrder(devices, ""))
	assert.Equal(t, []string{"y", "x", "z"}, openOrder(devices, "missing"))
}
