package media

import (
	"errors"
	"fmt"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
)

func expectValid(c EncodingConfiguration) bool {
	if c.PreserveAlpha && c.VideoCodec != VideoCodecProRes4444 {
		return false
	}
	if c.Container == ContainerMP4 {
		return !c.VideoCodec.IsProRes() && c.AudioCodec == AudioCodecAAC && !c.PreserveAlpha && !c.HDR
	}
	return true
}

func TestValidateMatrix(t *testing.T) {
	t.Parallel()

	for _, container := range []Container{ContainerMOV, ContainerMP4} {
		for _, video := range []VideoCodec{VideoCodecH264, VideoCodecHEVC, VideoCodecProRes422, VideoCodecProRes4444} {
			for _, audio := range []AudioCodec{AudioCodecAAC, AudioCodecPCM} {
				for _, alpha := range []bool{false, true} {
					for _, hdr := range []bool{false, true} {
						cfg := EncodingConfiguration{
							Container:     container,
							VideoCodec:    video,
							AudioCodec:    audio,
							PreserveAlpha: alpha,
							HDR:           hdr,
							VideoSize:     image.Pt(1920, 1080),
							FrameRate:     30,
						}
						name := fmt.Sprintf("%s/%s/%s/alpha=%v/hdr=%v", container, video, audio, alpha, hdr)
						err := cfg.Validate()
						if expectValid(cfg) {
							assert.NoError(t, err, name)
							continue
						}
						var cfgErr *ConfigurationError
						assert.True(t, errors.As(err, &cfgErr), name)
					}
				}
			}
		}
	}
}

func TestValidateNamedCases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cfg   EncodingConfiguration
		field string
	}{
		{"mp4 prores422", EncodingConfiguration{Container: ContainerMP4, VideoCodec: VideoCodecProRes422}, "videoCodec"},
		{"mp4 alpha", EncodingConfiguration{Container: ContainerMP4, VideoCodec: VideoCodecHEVC, PreserveAlpha: true}, "preserveAlpha"},
		{"mp4 pcm", EncodingConfiguration{Container: ContainerMP4, AudioCodec: AudioCodecPCM}, "audioCodec"},
		{"frame rate", EncodingConfiguration{FrameRate: 1000}, "frameRate"},
		{"extension", EncodingConfiguration{Container: ContainerMP4, OutputPath: "/tmp/a.mov"}, "outputPath"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var cfgErr *ConfigurationError
			if assert.ErrorAs(t, tt.cfg.Validate(), &cfgErr) {
				assert.Equal(t, tt.field, cfgErr.Field)
			}
		})
	}
}

func TestParseEnums(t *testing.T) {
	t.Parallel()

	c, err := ParseContainer("MP4")
	assert.NoError(t, err)
	assert.Equal(t, ContainerMP4, c)

	v, err := ParseVideoCodec("proRes4444")
	assert.NoError(t, err)
	assert.Equal(t, VideoCodecProRes4444, v)

	_, err = ParseAudioCodec("flac")
	assert.Error(t, err)

	corner, err := ParseCorner("top-left")
	assert.NoError(t, err)
	assert.Equal(t, CornerTopLeft, corner)

	effect, err := ParseBackgroundEffect("blur")
	assert.NoError(t, err)
	assert.Equal(t, BackgroundBlur, effect)
}
