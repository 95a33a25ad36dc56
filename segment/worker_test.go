package segment

import (
	"context"
	"image"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProcess answers segmentation requests on the other end of two pipes.
type fakeProcess struct {
	reqR  *io.PipeReader
	respW *io.PipeWriter
}

func newPipedWorker(t *testing.T, timeout time.Duration) (*Worker, *fakeProcess) {
	t.Helper()

	w, err := New(Config{Command: "segmenter", Timeout: timeout, InputSize: 8}, nil)
	require.NoError(t, err)

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	w.attach(reqW, respR)
	t.Cleanup(func() {
		_ = reqW.Close()
		_ = respW.Close()
	})
	return w, &fakeProcess{reqR: reqR, respW: respW}
}

func (p *fakeProcess) serve(t *testing.T, reply func(req request) response) {
	go func() {
		for {
			var req request
			if err := readMessage(p.reqR, &req); err != nil {
				return
			}
			if err := writeMessage(p.respW, reply(req)); err != nil {
				return
			}
		}
	}()
}

func TestNewRequiresCommand(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestSegmentRoundTrip(t *testing.T) {
	t.Parallel()

	w, proc := newPipedWorker(t, time.Second)
	proc.serve(t, func(req request) response {
		assert.Equal(t, "bgra", req.Format)
		assert.Equal(t, 8, req.Width)
		assert.Equal(t, 4, req.Height)
		assert.Len(t, req.FrameData, 8*4*4)
		mask := make([]byte, req.Width*req.Height)
		for i := range mask {
			mask[i] = 0xff
		}
		return response{Seq: req.Seq, Mask: mask, Width: req.Width, Height: req.Height}
	})

	for i := 0; i < 2; i++ {
		mask, err := w.Segment(context.Background(), image.NewRGBA(image.Rect(0, 0, 64, 32)))
		require.NoError(t, err)
		assert.Equal(t, image.Pt(8, 4), mask.Bounds().Size())
		assert.Equal(t, uint8(0xff), mask.GrayAt(3, 2).Y)
	}
}

func TestSegmentWorkerError(t *testing.T) {
	t.Parallel()

	w, proc := newPipedWorker(t, time.Second)
	proc.serve(t, func(req request) response {
		return response{Seq: req.Seq, Error: "model not loaded"}
	})

	_, err := w.Segment(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestSegmentTimeoutDisablesWorker(t *testing.T) {
	t.Parallel()

	w, proc := newPipedWorker(t, 20*time.Millisecond)
	go func() {
		var req request
		_ = readMessage(proc.reqR, &req)
	}()

	_, err := w.Segment(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = w.Segment(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestDownscaleKeepsAspect(t *testing.T) {
	t.Parallel()

	out := downscale(image.NewRGBA(image.Rect(0, 0, 1280, 720)), 256)
	assert.Equal(t, image.Pt(256, 144), out.Bounds().Size())

	out = downscale(image.NewRGBA(image.Rect(0, 0, 100, 50)), 256)
	assert.Equal(t, image.Pt(100, 50), out.Bounds().Size())
}
