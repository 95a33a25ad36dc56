//go:build !cgo

package gstcam

import (
	"context"
	"errors"
	"image"
	"log/slog"

	"go2tv.app/screenrec/camera"
	"go2tv.app/screenrec/media"
)

var ErrUnavailable = errors.New("gstcam: built without cgo")

type Driver struct {
	Logger *slog.Logger
}

func New(logger *slog.Logger) *Driver {
	return &Driver{Logger: logger}
}

func (d *Driver) Devices(ctx context.Context) ([]camera.DeviceInfo, error) {
	return Devices(ctx)
}

func (d *Driver) Open(context.Context, string, image.Point, int, func(media.VideoFrame)) (camera.Device, error) {
	return nil, ErrUnavailable
}
