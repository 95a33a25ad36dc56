package media

import (
	"fmt"
	"image"
	"strings"
)

// DefaultOverlayPadding is the distance between the camera bubble and the
// frame edges, in output pixels.
const DefaultOverlayPadding = 48

// Corner selects where the camera bubble is anchored.
type Corner int

const (
	CornerBottomRight Corner = iota
	CornerBottomLeft
	CornerTopRight
	CornerTopLeft
)

func (c Corner) String() string {
	switch c {
	case CornerTopLeft:
		return "topLeft"
	case CornerTopRight:
		return "topRight"
	case CornerBottomLeft:
		return "bottomLeft"
	case CornerBottomRight:
		return "bottomRight"
	default:
		return "unknown"
	}
}

// ParseCorner accepts the String forms, case-insensitively, plus the
// dashed variants ("top-left").
func ParseCorner(s string) (Corner, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "")) {
	case "topleft":
		return CornerTopLeft, nil
	case "topright":
		return CornerTopRight, nil
	case "bottomleft":
		return CornerBottomLeft, nil
	case "bottomright", "":
		return CornerBottomRight, nil
	default:
		return CornerBottomRight, fmt.Errorf("unknown overlay corner %q", s)
	}
}

// BackgroundEffect is applied to camera frames before they are published.
type BackgroundEffect int

const (
	BackgroundNone BackgroundEffect = iota
	BackgroundBlur
)

func (e BackgroundEffect) String() string {
	if e == BackgroundBlur {
		return "blur"
	}
	return "none"
}

// ParseBackgroundEffect accepts "none" and "blur".
func ParseBackgroundEffect(s string) (BackgroundEffect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return BackgroundNone, nil
	case "blur":
		return BackgroundBlur, nil
	default:
		return BackgroundNone, fmt.Errorf("unknown background effect %q", s)
	}
}

// OverlayConfiguration describes the camera bubble. A recording takes a copy
// at start; later edits only affect the next recording.
type OverlayConfiguration struct {
	Corner           Corner
	Size             image.Point
	Padding          int
	Enabled          bool
	BackgroundEffect BackgroundEffect
}

// DefaultOverlayConfiguration is a disabled 240x180 bubble in the bottom-right
// corner.
func DefaultOverlayConfiguration() OverlayConfiguration {
	return OverlayConfiguration{
		Corner:  CornerBottomRight,
		Size:    image.Pt(240, 180),
		Padding: DefaultOverlayPadding,
	}
}

// Active reports whether the overlay should be drawn.
func (c OverlayConfiguration) Active() bool {
	return c.Enabled && c.Size.X > 0 && c.Size.Y > 0
}
