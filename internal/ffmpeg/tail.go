package ffmpeg

import (
	"bytes"
	"strings"
	"sync"
)

const maxTailBytes = 64 << 10

// TailBuffer is a goroutine-safe writer that keeps the last 64 KiB written,
// used to attach ffmpeg's stderr to errors.
type TailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.buf.Write(p)
	if over := b.buf.Len() - maxTailBytes; over > 0 {
		b.buf.Next(over)
	}
	return n, err
}

// Tail returns at most the last n bytes, trimmed.
func (b *TailBuffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := strings.TrimSpace(b.buf.String())
	if s == "" {
		return "no ffmpeg stderr output"
	}
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
