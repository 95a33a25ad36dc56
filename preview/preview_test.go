package preview

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/internal/ffmpeg"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/media"
)

type fakeCapture struct {
	filter *capture.Filter
	size   image.Point

	mu      sync.Mutex
	out     capture.Output
	running bool
	stops   int
}

func (f *fakeCapture) Filter() *capture.Filter { return f.filter }

func (f *fakeCapture) SetOutput(out capture.Output) {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
}

func (f *fakeCapture) StartCapture(context.Context, media.EncodingConfiguration, image.Point, []uint32) error {
	if f.filter == nil {
		return &capture.StartError{Err: capture.ErrNoSelection}
	}
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	go f.push(media.NewVideoFrame(f.size.X, f.size.Y, media.PixelFormatBGRA, 0))
	return nil
}

func (f *fakeCapture) push(frame media.VideoFrame) {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	if out.OnVideoFrame != nil {
		out.OnVideoFrame(frame)
	}
}

func (f *fakeCapture) StopCapture() error {
	f.mu.Lock()
	f.running = false
	f.stops++
	f.mu.Unlock()
	return nil
}

type fakeEncoder struct {
	mu     sync.Mutex
	frames int
	audio  int
	closed bool
	exited chan struct{}
}

func (e *fakeEncoder) writeVideo([]byte) error {
	e.mu.Lock()
	e.frames++
	e.mu.Unlock()
	return nil
}

func (e *fakeEncoder) writeAudio([]byte) error {
	e.mu.Lock()
	e.audio++
	e.mu.Unlock()
	return nil
}

func (e *fakeEncoder) waitReady(context.Context, string) error { return nil }

func (e *fakeEncoder) done() <-chan struct{} { return e.exited }

func (e *fakeEncoder) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func (e *fakeEncoder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

type harness struct {
	capture  *fakeCapture
	lease    *capture.Lease
	preview  *Preview
	mu       sync.Mutex
	encoders []*fakeEncoder
	startErr error
	configs  []encoderConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		capture: &fakeCapture{
			filter: &capture.Filter{ID: "1", ContentRect: image.Rect(0, 0, 64, 48), Scale: 1},
			size:   image.Pt(64, 48),
		},
		lease: &capture.Lease{},
	}
	p, err := New(Options{
		Capture:        h.capture,
		Lease:          h.lease,
		StartupTimeout: 2 * time.Second,
		TempDirPrefix:  "screenrec-preview-test-",
		Logger:         logging.Discard(),
		startEncoder: func(_ context.Context, cfg encoderConfig, _ *slog.Logger) (streamEncoder, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.configs = append(h.configs, cfg)
			if h.startErr != nil {
				return nil, h.startErr
			}
			e := &fakeEncoder{exited: make(chan struct{})}
			h.encoders = append(h.encoders, e)
			return e, nil
		},
	})
	require.NoError(t, err)
	h.preview = p
	t.Cleanup(func() { _ = p.Close() })
	return h
}

func (h *harness) encoder(i int) *fakeEncoder {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.encoders[i]
}

func TestNewRequiresCapture(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestNormalizeOptionsClamps(t *testing.T) {
	opts, err := normalizeOptions(Options{Capture: &fakeCapture{}, HLSTimeSeconds: 30, HLSListSize: 1, HLSDeleteThreshold: -4, FrameRate: 240})
	require.NoError(t, err)
	assert.Equal(t, 6, opts.HLSTimeSeconds)
	assert.Equal(t, 3, opts.HLSListSize)
	assert.Equal(t, 1, opts.HLSDeleteThreshold)
	assert.Equal(t, 60, opts.FrameRate)
	assert.Equal(t, "ffmpeg", opts.FFmpegPath)
	assert.Equal(t, defaultVideoQueue, opts.VideoQueue)
}

func TestStartHoldsLeaseAndStreams(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.preview.Start(context.Background()))

	assert.True(t, h.preview.Running())
	assert.Equal(t, leaseOwner, h.lease.Owner())
	dir := h.preview.Dir()
	assert.DirExists(t, dir)

	h.mu.Lock()
	cfg := h.configs[0]
	h.mu.Unlock()
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 48, cfg.Height)
	assert.Equal(t, dir, cfg.Dir)
	assert.Equal(t, 1, h.encoder(0).count(), "first frame is written")

	h.capture.push(media.NewVideoFrame(64, 48, media.PixelFormatBGRA, time.Second))
	h.capture.push(media.NewVideoFrame(32, 32, media.PixelFormatBGRA, time.Second))
	assert.Equal(t, 2, h.encoder(0).count(), "frames with another geometry are dropped")
}

func TestStopReleasesAndResumeRestarts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.preview.Start(context.Background()))
	dir := h.preview.Dir()

	h.preview.Stop()
	assert.False(t, h.preview.Running())
	assert.Empty(t, h.lease.Owner())
	assert.NoDirExists(t, dir)
	assert.True(t, h.encoder(0).closed)

	require.NoError(t, h.preview.Resume(context.Background()))
	assert.True(t, h.preview.Running())
	assert.Equal(t, leaseOwner, h.lease.Owner())

	require.NoError(t, h.preview.Close())
	require.NoError(t, h.preview.Resume(context.Background()))
	assert.False(t, h.preview.Running(), "resume after close does nothing")
}

func TestResumeWithoutStartDoesNothing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.preview.Resume(context.Background()))
	assert.False(t, h.preview.Running())
	assert.Empty(t, h.lease.Owner())
}

func TestStartFailsWhileLeaseHeld(t *testing.T) {
	h := newHarness(t)
	release, err := h.lease.Acquire("recording")
	require.NoError(t, err)
	defer release()

	err = h.preview.Start(context.Background())
	require.ErrorIs(t, err, capture.ErrBusy)
	assert.False(t, h.preview.Running())
}

func TestEncoderStartFailureCleansUp(t *testing.T) {
	h := newHarness(t)
	h.startErr = errors.New("ffmpeg missing")

	err := h.preview.Start(context.Background())
	require.ErrorContains(t, err, "ffmpeg missing")
	assert.False(t, h.preview.Running())
	assert.Empty(t, h.lease.Owner())
	assert.Equal(t, 1, h.capture.stops)
}

func TestEncoderExitStopsPreview(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.preview.Start(context.Background()))
	close(h.encoder(0).exited)

	require.Eventually(t, func() bool { return !h.preview.Running() }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.lease.Owner())
}

func TestHandler(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.preview.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/" + playlistName)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, h.preview.Start(context.Background()))
	playlist := "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:4\nsegment_004.ts\n"
	require.NoError(t, os.WriteFile(filepath.Join(h.preview.Dir(), playlistName), []byte(playlist), 0o644))

	resp, err = http.Get(srv.URL + "/" + playlistName)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestResolvePathStaysInside(t *testing.T) {
	_, ok := resolvePath("/tmp/x", "/../../etc/passwd")
	assert.True(t, ok, "cleaned paths are rooted at the base")
	p, _ := resolvePath("/tmp/x", "/../../etc/passwd")
	assert.Equal(t, "/tmp/x/etc/passwd", p)
}

func TestPlaylistReady(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, playlistName)
	assert.False(t, playlistReady(path, dir))

	require.NoError(t, os.WriteFile(path, []byte("#EXTM3U\nsegment_000.ts\n"), 0o644))
	assert.False(t, playlistReady(path, dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment_000.ts"), []byte{0x47}, 0o644))
	assert.True(t, playlistReady(path, dir))
}

func TestHLSArgs(t *testing.T) {
	plan := ffmpeg.SoftwareEncoderPlan(ffmpeg.EncoderRequest{Codec: media.VideoCodecH264, FrameRate: 30, BaseFilter: previewScale})
	args := strings.Join(hlsArgs(encoderConfig{
		Dir: "/tmp/p", Width: 1920, Height: 1080, Format: media.PixelFormatBGRA,
		FrameRate: 30, HLSTime: 2, HLSListSize: 24, DeleteThreshold: 36,
	}, plan, nil), " ")

	assert.Contains(t, args, "-f rawvideo -pix_fmt bgra -s 1920x1080 -r 30 -i pipe:0")
	assert.Contains(t, args, " -an ")
	assert.Contains(t, args, "-g 60 -keyint_min 60")
	assert.Contains(t, args, "-force_key_frames expr:gte(t,n_forced*2)")
	assert.Contains(t, args, "-hls_segment_filename /tmp/p/segment_%03d.ts /tmp/p/playlist.m3u8")
	assert.Contains(t, args, previewScale)
}
