//go:build linux

package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"syscall"

	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/pipewire"
	"go2tv.app/screenrec/internal/xdgportal"
	"go2tv.app/screenrec/media"
)

// portalSelection keeps the portal session alive for as long as the filter
// is selected; the PipeWire node disappears with it.
type portalSelection struct {
	sess   *xdgportal.Session
	stream xdgportal.Stream

	once sync.Once
	err  error
}

func (p *portalSelection) close() error {
	p.once.Do(func() {
		p.err = p.sess.Close()
	})
	return p.err
}

type linuxVideo struct {
	stream     *pipewire.Stream
	stopWatch  context.CancelFunc
	closeOnce  sync.Once
	closeError error
}

func (r *linuxVideo) Read(p []byte) (int, error) {
	return r.stream.Read(p)
}

func (r *linuxVideo) Close() error {
	r.closeOnce.Do(func() {
		r.stopWatch()
		r.closeError = r.stream.Close()
	})
	return r.closeError
}

type linuxBackend struct {
	logger *slog.Logger
}

// NewPlatformBackend returns the xdg-desktop-portal + PipeWire backend.
func NewPlatformBackend(logger *slog.Logger) Backend {
	return &linuxBackend{logger: logging.OrDefault(logger)}
}

func portalError(err error) error {
	switch {
	case errors.Is(err, xdgportal.ErrCancelled):
		return ErrCancelled
	case errors.Is(err, xdgportal.ErrDenied):
		return fmt.Errorf("%w: %v", media.ErrPermissionDenied, err)
	default:
		return err
	}
}

func (b *linuxBackend) Pick(ctx context.Context) (*Filter, error) {
	if !pipewire.IsAvailable() {
		return nil, pipewire.ErrLibraryNotLoaded
	}

	sess, err := xdgportal.CreateSession(ctx, nil)
	if err != nil {
		return nil, portalError(err)
	}

	cleanupSession := true
	defer func() {
		if cleanupSession {
			_ = sess.Close()
		}
	}()

	err = sess.SelectSources(ctx, &xdgportal.SelectSourcesOptions{
		Types:      xdgportal.SourceTypeMonitor | xdgportal.SourceTypeWindow,
		CursorMode: xdgportal.CursorModeEmbedded,
	})
	if err != nil {
		return nil, portalError(err)
	}

	res, err := sess.Start(ctx, "")
	if err != nil {
		return nil, portalError(err)
	}
	if len(res.Streams) == 0 {
		return nil, ErrNoStreams
	}

	selected := res.Streams[0]
	if selected.Size[0] <= 0 || selected.Size[1] <= 0 {
		return nil, fmt.Errorf("invalid stream size %dx%d", selected.Size[0], selected.Size[1])
	}

	origin := image.Pt(int(selected.Position[0]), int(selected.Position[1]))
	filter := &Filter{
		ID:          fmt.Sprintf("pipewire:%d", selected.NodeID),
		ContentRect: image.Rectangle{Min: origin, Max: origin.Add(image.Pt(int(selected.Size[0]), int(selected.Size[1])))},
		Scale:       1,
		handle:      &portalSelection{sess: sess, stream: selected},
	}

	cleanupSession = false
	return filter, nil
}

func (b *linuxBackend) Open(ctx context.Context, filter *Filter, cfg StreamConfig) (*Stream, error) {
	sel, ok := filter.handle.(*portalSelection)
	if !ok {
		return nil, fmt.Errorf("filter %q was not created by this backend", filter.ID)
	}
	warnExclusionUnsupported(b.logger, "portal", cfg.ExcludedWindowIDs)

	fd, err := sel.sess.OpenPipeWireRemote()
	if err != nil {
		return nil, portalError(err)
	}
	defer syscall.Close(fd)

	width, height := cfg.Size.X, cfg.Size.Y
	if width <= 0 || height <= 0 {
		width, height = int(sel.stream.Size[0]), int(sel.stream.Size[1])
	}

	video, err := pipewire.NewVideoStream(fd, sel.stream.NodeID, uint32(width), uint32(height), uint32(cfg.FrameRate))
	if err != nil {
		return nil, err
	}
	video.Start()

	if err := waitNegotiated(ctx, "pipewire", video.Negotiated(), video.Close); err != nil {
		return nil, err
	}
	w, h := video.Size()

	var audio io.ReadCloser
	if cfg.SystemAudio {
		monitor, err := pipewire.NewSinkMonitorStream(media.EncoderSampleRate, media.EncoderChannels)
		if err != nil {
			_ = video.Close()
			return nil, fmt.Errorf("system audio: %w", err)
		}
		monitor.Start()
		audio = monitor
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	revoked, err := sel.sess.WatchClosed(watchCtx)
	if err != nil {
		b.logger.Warn("capture: cannot watch portal session", "error", err)
	}

	b.logger.Debug("capture: pipewire stream negotiated", "node", sel.stream.NodeID, "width", w, "height", h)
	return &Stream{
		ReadCloser: &linuxVideo{stream: video, stopWatch: stopWatch},
		Width:      int(w),
		Height:     int(h),
		FrameRate:  cfg.FrameRate,
		Format:     media.PixelFormatBGRA,
		Audio:      audio,
		Revoked:    revoked,
	}, nil
}

func (b *linuxBackend) Release(filter *Filter) error {
	if filter == nil {
		return nil
	}
	sel, ok := filter.handle.(*portalSelection)
	if !ok {
		return nil
	}
	return sel.close()
}
