//go:build !linux

package capture

import (
	"context"
	"log/slog"
)

type unsupportedBackend struct{}

// NewPlatformBackend returns a backend that fails with ErrNotImplemented.
func NewPlatformBackend(*slog.Logger) Backend {
	return unsupportedBackend{}
}

func (unsupportedBackend) Pick(context.Context) (*Filter, error) {
	return nil, ErrNotImplemented
}

func (unsupportedBackend) Open(context.Context, *Filter, StreamConfig) (*Stream, error) {
	return nil, ErrNotImplemented
}

func (unsupportedBackend) Release(*Filter) error {
	return nil
}
