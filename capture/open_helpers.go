package capture

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const defaultNegotiateTimeout = 8 * time.Second

// waitNegotiated blocks until ready is closed. On timeout or cancellation
// onFail is called to tear the half-open stream down.
func waitNegotiated(ctx context.Context, platform string, ready <-chan struct{}, onFail func() error) error {
	timer := time.NewTimer(defaultNegotiateTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		if onFail != nil {
			_ = onFail()
		}
		return ctx.Err()
	case <-timer.C:
		if onFail != nil {
			_ = onFail()
		}
		return fmt.Errorf("%s capture timed out negotiating a format", platform)
	}
}

// PrimaryDisplaySize returns the preferred mode of the first connected DRM
// connector. ok is false when no display metadata is available.
func PrimaryDisplaySize() (image.Point, bool) {
	return primaryDisplaySize("/sys/class/drm")
}

func primaryDisplaySize(root string) (image.Point, bool) {
	connectors, err := filepath.Glob(filepath.Join(root, "card*-*"))
	if err != nil {
		return image.Point{}, false
	}
	for _, dir := range connectors {
		status, err := os.ReadFile(filepath.Join(dir, "status"))
		if err != nil || strings.TrimSpace(string(status)) != "connected" {
			continue
		}
		modes, err := os.ReadFile(filepath.Join(dir, "modes"))
		if err != nil {
			continue
		}
		first, _, _ := strings.Cut(strings.TrimSpace(string(modes)), "\n")
		if size, ok := parseMode(first); ok {
			return size, true
		}
	}
	return image.Point{}, false
}

// parseMode reads "1920x1080" and tolerates suffixes such as "i".
func parseMode(mode string) (image.Point, bool) {
	w, h, ok := strings.Cut(strings.TrimSpace(mode), "x")
	if !ok {
		return image.Point{}, false
	}
	h = strings.TrimRightFunc(h, func(r rune) bool { return r < '0' || r > '9' })
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return image.Point{}, false
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return image.Point{}, false
	}
	return image.Pt(width, height), true
}
