package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go2tv.app/screenrec/internal/logging"
)

// PCMRelay feeds one raw audio input of an ffmpeg process over a loopback
// TCP connection, since ffmpeg only has one stdin. Writes are queued from the
// start; ffmpeg may connect only after it has seen video on stdin.
type PCMRelay struct {
	name   string
	l      net.Listener
	logger *slog.Logger
	writer *AsyncWriter

	accepted chan struct{}
	closed   chan struct{}
	conn     net.Conn

	closeOnce sync.Once
	closeErr  error
}

// NewPCMRelay listens on 127.0.0.1 on an ephemeral port.
func NewPCMRelay(name string, queueSize int, logger *slog.Logger) (*PCMRelay, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("%s audio listener: %w", name, err)
	}
	r := &PCMRelay{
		name:     name,
		l:        l,
		logger:   logging.OrDefault(logger),
		accepted: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	r.writer = NewAsyncWriter(name, connWriter{r}, queueSize, false, r.logger)
	go r.accept()
	return r, nil
}

// URL is the ffmpeg input URL.
func (r *PCMRelay) URL() string {
	return fmt.Sprintf("tcp://%s", r.l.Addr().String())
}

func (r *PCMRelay) accept() {
	conn, err := r.l.Accept()
	if err != nil {
		return
	}
	r.conn = conn
	close(r.accepted)
	r.logger.Debug("ffmpeg: audio relay connected", "input", r.name, "remote", conn.RemoteAddr())
}

// connWriter blocks the queue until ffmpeg connects.
type connWriter struct{ r *PCMRelay }

func (w connWriter) Write(p []byte) (int, error) {
	select {
	case <-w.r.accepted:
		return w.r.conn.Write(p)
	case <-w.r.closed:
		return 0, net.ErrClosed
	}
}

// WaitConnected blocks until ffmpeg has connected.
func (r *PCMRelay) WaitConnected(ctx context.Context) error {
	select {
	case <-r.accepted:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s audio relay: %w", r.name, ctx.Err())
	}
}

// Write queues PCM bytes. It fails only after the connection broke.
func (r *PCMRelay) Write(p []byte) error {
	return r.writer.Enqueue(p, 1)
}

// Dropped returns how many chunks were dropped because ffmpeg fell behind.
func (r *PCMRelay) Dropped() uint64 {
	return r.writer.Dropped()
}

// Finish flushes queued audio and closes the connection so ffmpeg sees EOF
// on this input.
func (r *PCMRelay) Finish(timeout time.Duration) error {
	return r.shutdown(false, timeout)
}

// Abort drops queued audio and closes the connection.
func (r *PCMRelay) Abort() error {
	return r.shutdown(true, 0)
}

func (r *PCMRelay) shutdown(abort bool, timeout time.Duration) error {
	r.closeOnce.Do(func() {
		if abort {
			r.writer.Abort()
		} else {
			done := make(chan error, 1)
			go func() { done <- r.writer.Close() }()
			select {
			case err := <-done:
				r.closeErr = err
			case <-time.After(timeout):
				r.writer.Abort()
				r.closeErr = fmt.Errorf("%s audio flush timed out", r.name)
			}
		}
		close(r.closed)
		r.closeErr = errors.Join(r.closeErr, r.l.Close())

		select {
		case <-r.accepted:
			r.closeErr = errors.Join(r.closeErr, r.conn.Close())
		default:
		}
	})
	if errors.Is(r.closeErr, net.ErrClosed) {
		return nil
	}
	return r.closeErr
}
