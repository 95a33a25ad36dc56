package ffmpeg

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/screenrec/internal/logging"
)

var ErrQueueClosed = errors.New("ffmpeg: queue closed")

type queued struct {
	data   []byte
	repeat int
}

// AsyncWriter decouples producers from a slow ffmpeg pipe. Enqueue never
// blocks. When the queue is full the oldest entry is dropped; with
// KeepCount set its repeat count is carried over to the next entry so the
// number of frames written stays the same.
type AsyncWriter struct {
	name      string
	dst       io.Writer
	max       int
	keepCount bool
	logger    *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	items   []queued
	closing bool
	abort   bool
	err     error

	done chan struct{}

	lastSlowLog atomic.Int64
	lastDropLog atomic.Int64
	dropped     atomic.Uint64
	written     atomic.Uint64
}

// NewAsyncWriter starts the writer goroutine.
func NewAsyncWriter(name string, dst io.Writer, queueSize int, keepCount bool, logger *slog.Logger) *AsyncWriter {
	if queueSize <= 0 {
		queueSize = 1
	}
	w := &AsyncWriter{
		name:      name,
		dst:       dst,
		max:       queueSize,
		keepCount: keepCount,
		logger:    logging.OrDefault(logger),
		done:      make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.loop()
	return w
}

// Enqueue schedules data to be written repeat times. data must not be
// modified afterwards.
func (w *AsyncWriter) Enqueue(data []byte, repeat int) error {
	if len(data) == 0 || repeat <= 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if w.closing {
		return ErrQueueClosed
	}

	if len(w.items) >= w.max {
		oldest := w.items[0]
		w.items = w.items[1:]
		if w.keepCount && len(w.items) > 0 {
			w.items[0].repeat += oldest.repeat
		} else if w.keepCount {
			repeat += oldest.repeat
		}
		total := w.dropped.Add(1)
		if logging.Throttle(&w.lastDropLog, time.Second) {
			w.logger.Warn("ffmpeg: encoder input behind, dropped entry", "input", w.name, "total", total, "queue", len(w.items))
		}
	}
	w.items = append(w.items, queued{data: data, repeat: repeat})
	w.cond.Signal()
	return nil
}

// Close stops accepting entries, writes what is queued and waits for the
// writer goroutine.
func (w *AsyncWriter) Close() error {
	w.mu.Lock()
	w.closing = true
	w.cond.Broadcast()
	w.mu.Unlock()
	<-w.done

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Abort discards the queue and returns without waiting for a write in
// progress.
func (w *AsyncWriter) Abort() {
	w.mu.Lock()
	w.closing = true
	w.abort = true
	w.items = nil
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Dropped returns how many entries were dropped.
func (w *AsyncWriter) Dropped() uint64 {
	return w.dropped.Load()
}

// Written returns how many writes reached dst.
func (w *AsyncWriter) Written() uint64 {
	return w.written.Load()
}

func (w *AsyncWriter) next() (queued, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.items) == 0 && !w.closing {
		w.cond.Wait()
	}
	if w.abort || len(w.items) == 0 {
		return queued{}, false
	}
	it := w.items[0]
	w.items[0] = queued{}
	w.items = w.items[1:]
	return it, true
}

func (w *AsyncWriter) fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.items = nil
	w.mu.Unlock()
}

func (w *AsyncWriter) loop() {
	defer close(w.done)

	for {
		it, ok := w.next()
		if !ok {
			return
		}
		for i := 0; i < it.repeat; i++ {
			start := time.Now()
			if _, err := w.dst.Write(it.data); err != nil {
				w.logger.Debug("ffmpeg: input write failed", "input", w.name, "error", err)
				w.fail(err)
				return
			}
			w.written.Add(1)
			if d := time.Since(start); d > 50*time.Millisecond && logging.Throttle(&w.lastSlowLog, time.Second) {
				w.logger.Debug("ffmpeg: slow input write", "input", w.name, "duration", d, "bytes", len(it.data))
			}
		}
	}
}
