package recorder

import (
	"image"
	"sync"
	"time"

	"github.com/google/uuid"

	"go2tv.app/screenrec/media"
)

// Session is one recording attempt. Only the Recorder mutates it.
type Session struct {
	ID         uuid.UUID
	Encoding   media.EncodingConfiguration
	Overlay    media.OverlayConfiguration
	VideoSize  image.Point
	OutputPath string
	StartedAt  time.Time

	mu      sync.Mutex
	ended   bool
	elapsed time.Duration
	err     error
}

func newSession(enc media.EncodingConfiguration, overlay media.OverlayConfiguration, size image.Point, path string) *Session {
	return &Session{
		ID:         uuid.New(),
		Encoding:   enc,
		Overlay:    overlay,
		VideoSize:  size,
		OutputPath: path,
		StartedAt:  time.Now(),
	}
}

// Elapsed is the recording duration so far. It stops growing once the
// session ends.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return s.elapsed
	}
	return time.Since(s.StartedAt)
}

// Ended reports whether the session reached a terminal state.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Err is the error the session ended with, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.elapsed = time.Since(s.StartedAt)
	s.err = err
}
