// Package segment talks to an external person-segmentation process.
//
// Frames go to the process on stdin and masks come back on stdout, each
// message framed as a 4-byte big-endian length followed by a msgpack body.
package segment

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	xdraw "golang.org/x/image/draw"

	"go2tv.app/screenrec/internal/processutil"
)

const (
	defaultTimeout   = 150 * time.Millisecond
	defaultInputSize = 256
	maxMessageBytes  = 64 << 20
)

var (
	ErrUnavailable = errors.New("segmentation worker unavailable")
	ErrTimeout     = errors.New("segmentation worker timed out")
)

// Config describes the worker process.
type Config struct {
	Command string
	Args    []string
	// Timeout bounds one request/response round trip.
	Timeout time.Duration
	// InputSize is the longer edge frames are downscaled to before sending.
	InputSize int
}

type request struct {
	Seq       uint64 `msgpack:"seq"`
	FrameData []byte `msgpack:"frame_data"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Format    string `msgpack:"format"`
}

type response struct {
	Seq    uint64 `msgpack:"seq"`
	Mask   []byte `msgpack:"mask"`
	Width  int    `msgpack:"width"`
	Height int    `msgpack:"height"`
	Error  string `msgpack:"error"`
}

// Worker is a person segmenter backed by a child process. Requests are
// serialized; a timed-out request marks the worker broken because the
// stream is no longer in step.
type Worker struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	seq    uint64
	broken atomic.Bool

	waitDone chan struct{}
	stopOnce sync.Once
}

// New validates cfg. The process is not started until Start.
func New(cfg Config, logger *slog.Logger) (*Worker, error) {
	if cfg.Command == "" {
		return nil, errors.New("segment: worker command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = defaultInputSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{cfg: cfg, logger: logger}, nil
}

// Start spawns the worker process.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd != nil {
		return errors.New("segment: worker already started")
	}

	cmd := exec.CommandContext(ctx, w.cfg.Command, w.cfg.Args...)
	processutil.Detach(cmd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("segment: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("segment: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("segment: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("segment: start worker: %w", err)
	}

	w.cmd = cmd
	w.stdin = stdin
	w.stdout = stdout
	w.waitDone = make(chan struct{})
	w.broken.Store(false)

	go w.logStderr(stderr)
	go func() {
		err := cmd.Wait()
		w.broken.Store(true)
		if err != nil && ctx.Err() == nil {
			w.logger.Warn("segment: worker exited", "error", err)
		}
		close(w.waitDone)
	}()

	w.logger.Info("segment: worker started", "command", w.cfg.Command, "pid", cmd.Process.Pid)
	return nil
}

// attach wires the worker to existing pipes instead of a process.
func (w *Worker) attach(stdin io.WriteCloser, stdout io.Reader) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stdin = stdin
	w.stdout = stdout
}

func (w *Worker) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		w.logger.Debug("segment: worker stderr", "line", scanner.Text())
	}
}

// Segment implements imageops.Segmenter.
func (w *Worker) Segment(ctx context.Context, img *image.RGBA) (*image.Gray, error) {
	if w.broken.Load() {
		return nil, ErrUnavailable
	}
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("segment: empty frame")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stdin == nil || w.stdout == nil {
		return nil, ErrUnavailable
	}

	small := downscale(img, w.cfg.InputSize)
	w.seq++
	req := request{
		Seq:       w.seq,
		FrameData: small.Pix,
		Width:     small.Bounds().Dx(),
		Height:    small.Bounds().Dy(),
		Format:    "bgra",
	}

	type result struct {
		resp response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if err := writeMessage(w.stdin, req); err != nil {
			done <- result{err: err}
			return
		}
		var resp response
		err := readMessage(w.stdout, &resp)
		done <- result{resp: resp, err: err}
	}()

	timer := time.NewTimer(w.cfg.Timeout)
	defer timer.Stop()

	var res result
	select {
	case res = <-done:
	case <-timer.C:
		w.markBroken("timeout")
		return nil, ErrTimeout
	case <-ctx.Done():
		w.markBroken("cancelled")
		return nil, ctx.Err()
	}

	if res.err != nil {
		w.markBroken(res.err.Error())
		return nil, fmt.Errorf("segment: %w", res.err)
	}
	resp := res.resp
	if resp.Error != "" {
		return nil, fmt.Errorf("segment: worker error: %s", resp.Error)
	}
	if resp.Seq != req.Seq {
		w.markBroken("sequence mismatch")
		return nil, fmt.Errorf("segment: response seq %d for request %d", resp.Seq, req.Seq)
	}
	if resp.Width <= 0 || resp.Height <= 0 || len(resp.Mask) < resp.Width*resp.Height {
		return nil, fmt.Errorf("segment: malformed mask %dx%d (%d bytes)", resp.Width, resp.Height, len(resp.Mask))
	}
	return &image.Gray{
		Pix:    resp.Mask,
		Stride: resp.Width,
		Rect:   image.Rect(0, 0, resp.Width, resp.Height),
	}, nil
}

func (w *Worker) markBroken(reason string) {
	if w.broken.Swap(true) {
		return
	}
	w.logger.Warn("segment: worker disabled", "reason", reason)
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}

// Stop terminates the worker, waiting a bounded time for it to exit.
func (w *Worker) Stop() error {
	var out error
	w.stopOnce.Do(func() {
		w.broken.Store(true)
		w.mu.Lock()
		stdin, cmd, waitDone := w.stdin, w.cmd, w.waitDone
		w.mu.Unlock()

		if stdin != nil {
			out = stdin.Close()
		}
		if cmd == nil || waitDone == nil {
			return
		}
		select {
		case <-waitDone:
		case <-time.After(2 * time.Second):
			if cmd.Process != nil {
				out = errors.Join(out, cmd.Process.Kill())
			}
		}
	})
	return out
}

func writeMessage(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 || n > maxMessageBytes {
		return fmt.Errorf("invalid message length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func downscale(img *image.RGBA, longEdge int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if max(w, h) <= longEdge {
		out := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			copy(out.Pix[y*out.Stride:y*out.Stride+w*4], img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):])
		}
		return out
	}
	if w >= h {
		h = max(1, h*longEdge/w)
		w = longEdge
	} else {
		w = max(1, w*longEdge/h)
		h = longEdge
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(out, out.Bounds(), img, b, xdraw.Src, nil)
	return out
}
