package logging

import (
	"bytes"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottle(t *testing.T) {
	t.Parallel()

	var last atomic.Int64
	assert.True(t, Throttle(&last, time.Hour))
	assert.False(t, Throttle(&last, time.Hour))
	assert.True(t, Throttle(nil, time.Hour))
	assert.True(t, Throttle(&last, 0))
}

func TestNewHonoursLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := New(&buf, slog.LevelInfo)
	l.Debug("hidden")
	l.Info("shown", "k", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "k=1")
}

func TestOrDefault(t *testing.T) {
	t.Parallel()

	assert.Same(t, slog.Default(), OrDefault(nil))
	l := Discard()
	assert.Same(t, l, OrDefault(l))
}
