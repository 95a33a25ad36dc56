// Package logging builds the slog logger shared by the pipeline components.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	EnvDebug     = "SCREENREC_DEBUG"
	EnvDebugFile = "SCREENREC_DEBUG_FILE"
)

var (
	debugOutputOnce sync.Once
	debugOutput     io.Writer = os.Stderr
)

// DebugEnabled reports whether SCREENREC_DEBUG=1 is set.
func DebugEnabled() bool {
	return strings.TrimSpace(os.Getenv(EnvDebug)) == "1"
}

func envOutput() io.Writer {
	debugOutputOnce.Do(func() {
		p := strings.TrimSpace(os.Getenv(EnvDebugFile))
		if p == "" {
			return
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "screenrec debug log open failed: %v\n", err)
			return
		}
		debugOutput = f
	})
	return debugOutput
}

// FromEnv returns a text logger writing to stderr, or to SCREENREC_DEBUG_FILE
// when set. Debug records are only emitted when SCREENREC_DEBUG=1.
func FromEnv() *slog.Logger {
	level := slog.LevelInfo
	if DebugEnabled() {
		level = slog.LevelDebug
	}
	return New(envOutput(), level)
}

// New returns a text logger at the given level.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// Throttle reports whether at least period has passed since the last time it
// returned true for last. It is used to rate-limit hot-path warnings.
func Throttle(last *atomic.Int64, period time.Duration) bool {
	if last == nil || period <= 0 {
		return true
	}

	now := time.Now().UnixNano()
	for {
		prev := last.Load()
		if prev != 0 && time.Duration(now-prev) < period {
			return false
		}
		if last.CompareAndSwap(prev, now) {
			return true
		}
	}
}
