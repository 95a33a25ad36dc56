//go:build !linux || !cgo

package pipewire

import (
	"errors"
	"io"
)

var (
	ErrLibraryNotLoaded = errors.New("pipewire capture backend is only available on linux")
	ErrStreamFailed     = errors.New("pipewire stream failed")
	ErrDisconnected     = errors.New("pipewire stream disconnected")
)

type Stream struct{}

func IsAvailable() bool {
	return false
}

func NewVideoStream(fd int, nodeID uint32, width, height, framerate uint32) (*Stream, error) {
	return nil, ErrLibraryNotLoaded
}

func NewSinkMonitorStream(rate, channels uint32) (*Stream, error) {
	return nil, ErrLibraryNotLoaded
}

func (s *Stream) Start() {}

func (s *Stream) Stop() {}

func (s *Stream) Negotiated() <-chan struct{} {
	return nil
}

func (s *Stream) Size() (uint32, uint32) {
	return 0, 0
}

func (s *Stream) Read(p []byte) (int, error) {
	return 0, io.EOF
}

func (s *Stream) Close() error {
	return nil
}
