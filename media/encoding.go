package media

import (
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strings"
)

const (
	DefaultFrameRate = 60
	MaxFrameRate     = 240
)

// Container is the output file format.
type Container int

const (
	ContainerMOV Container = iota
	ContainerMP4
)

func (c Container) String() string {
	switch c {
	case ContainerMOV:
		return "mov"
	case ContainerMP4:
		return "mp4"
	default:
		return "unknown"
	}
}

// Extension returns the file extension including the dot.
func (c Container) Extension() string {
	return "." + c.String()
}

// VideoCodec selects the video encoder family.
type VideoCodec int

const (
	VideoCodecH264 VideoCodec = iota
	VideoCodecHEVC
	VideoCodecProRes422
	VideoCodecProRes4444
)

func (v VideoCodec) String() string {
	switch v {
	case VideoCodecH264:
		return "h264"
	case VideoCodecHEVC:
		return "hevc"
	case VideoCodecProRes422:
		return "proRes422"
	case VideoCodecProRes4444:
		return "proRes4444"
	default:
		return "unknown"
	}
}

// IsProRes reports whether v is one of the ProRes profiles.
func (v VideoCodec) IsProRes() bool {
	return v == VideoCodecProRes422 || v == VideoCodecProRes4444
}

// AudioCodec selects the audio encoder.
type AudioCodec int

const (
	AudioCodecAAC AudioCodec = iota
	AudioCodecPCM
)

func (a AudioCodec) String() string {
	switch a {
	case AudioCodecAAC:
		return "aac"
	case AudioCodecPCM:
		return "pcm"
	default:
		return "unknown"
	}
}

// ParseContainer, ParseVideoCodec and ParseAudioCodec accept the String
// forms, case-insensitively.
func ParseContainer(s string) (Container, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mov", "":
		return ContainerMOV, nil
	case "mp4":
		return ContainerMP4, nil
	default:
		return ContainerMOV, fmt.Errorf("unknown container %q", s)
	}
}

func ParseVideoCodec(s string) (VideoCodec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "h264", "":
		return VideoCodecH264, nil
	case "hevc", "h265":
		return VideoCodecHEVC, nil
	case "prores422":
		return VideoCodecProRes422, nil
	case "prores4444":
		return VideoCodecProRes4444, nil
	default:
		return VideoCodecH264, fmt.Errorf("unknown video codec %q", s)
	}
}

func ParseAudioCodec(s string) (AudioCodec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "aac", "":
		return AudioCodecAAC, nil
	case "pcm":
		return AudioCodecPCM, nil
	default:
		return AudioCodecAAC, fmt.Errorf("unknown audio codec %q", s)
	}
}

// ConfigurationError is an invalid codec/container combination. It is a
// contract violation by the caller and is never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid encoding configuration: %s: %s", e.Field, e.Reason)
}

// EncodingConfiguration describes the output of one recording.
type EncodingConfiguration struct {
	OutputPath    string
	Container     Container
	VideoCodec    VideoCodec
	AudioCodec    AudioCodec
	VideoSize     image.Point
	FrameRate     int
	PreserveAlpha bool
	HDR           bool
	SystemAudio   bool
	Microphone    bool
}

// AudioTracks returns how many audio inputs the sink opens.
func (c EncodingConfiguration) AudioTracks() int {
	n := 0
	if c.SystemAudio {
		n++
	}
	if c.Microphone {
		n++
	}
	return n
}

// EffectiveFrameRate returns FrameRate, or DefaultFrameRate when unset.
func (c EncodingConfiguration) EffectiveFrameRate() int {
	if c.FrameRate <= 0 {
		return DefaultFrameRate
	}
	return c.FrameRate
}

// Validate enforces the container/codec matrix. MOV accepts every codec;
// MP4 takes only h264/hevc video with aac audio, no alpha and no HDR. Alpha
// is only carried by ProRes 4444.
func (c EncodingConfiguration) Validate() error {
	var errs []error
	fail := func(field, reason string) {
		errs = append(errs, &ConfigurationError{Field: field, Reason: reason})
	}

	switch c.Container {
	case ContainerMOV:
	case ContainerMP4:
		if c.VideoCodec.IsProRes() {
			fail("videoCodec", fmt.Sprintf("%s is not supported in mp4", c.VideoCodec))
		}
		if c.AudioCodec != AudioCodecAAC {
			fail("audioCodec", fmt.Sprintf("%s is not supported in mp4", c.AudioCodec))
		}
		if c.PreserveAlpha {
			fail("preserveAlpha", "mp4 cannot carry an alpha channel")
		}
		if c.HDR {
			fail("hdr", "mp4 output does not carry HDR metadata")
		}
	default:
		fail("container", fmt.Sprintf("unknown container %d", c.Container))
	}

	if c.VideoCodec < VideoCodecH264 || c.VideoCodec > VideoCodecProRes4444 {
		fail("videoCodec", fmt.Sprintf("unknown codec %d", c.VideoCodec))
	}
	if c.AudioCodec != AudioCodecAAC && c.AudioCodec != AudioCodecPCM {
		fail("audioCodec", fmt.Sprintf("unknown codec %d", c.AudioCodec))
	}
	if c.PreserveAlpha && c.VideoCodec != VideoCodecProRes4444 {
		fail("preserveAlpha", fmt.Sprintf("%s has no alpha channel", c.VideoCodec))
	}
	if c.FrameRate < 0 || c.FrameRate > MaxFrameRate {
		fail("frameRate", fmt.Sprintf("%d outside 1..%d", c.FrameRate, MaxFrameRate))
	}
	if c.VideoSize.X < 0 || c.VideoSize.Y < 0 {
		fail("videoSize", fmt.Sprintf("negative size %v", c.VideoSize))
	}
	if c.OutputPath != "" {
		if ext := strings.ToLower(filepath.Ext(c.OutputPath)); ext != "" && ext != c.Container.Extension() {
			fail("outputPath", fmt.Sprintf("extension %s does not match %s", ext, c.Container))
		}
	}

	return errors.Join(errs...)
}
