// Package config loads recorder settings from a YAML file with SCREENREC_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"go2tv.app/screenrec/media"
)

const envPrefix = "SCREENREC_"

// Config is the on-disk configuration.
type Config struct {
	Output   Output   `yaml:"output"`
	Encoding Encoding `yaml:"encoding"`
	Overlay  Overlay  `yaml:"overlay"`
	Camera   Camera   `yaml:"camera"`
	FFmpeg   FFmpeg   `yaml:"ffmpeg"`
	Preview  Preview  `yaml:"preview"`
	Mic      Mic      `yaml:"microphone"`
}

type Output struct {
	Dir    string `yaml:"dir"`
	Prefix string `yaml:"prefix"`
}

type Encoding struct {
	Container     string `yaml:"container"`
	VideoCodec    string `yaml:"video_codec"`
	AudioCodec    string `yaml:"audio_codec"`
	Width         int    `yaml:"width"`
	Height        int    `yaml:"height"`
	FrameRate     int    `yaml:"frame_rate"`
	PreserveAlpha bool   `yaml:"preserve_alpha"`
	HDR           bool   `yaml:"hdr"`
	SystemAudio   bool   `yaml:"system_audio"`
	Microphone    bool   `yaml:"microphone"`
}

type Overlay struct {
	Enabled          bool   `yaml:"enabled"`
	Corner           string `yaml:"corner"`
	Width            int    `yaml:"width"`
	Height           int    `yaml:"height"`
	Padding          int    `yaml:"padding"`
	BackgroundEffect string `yaml:"background_effect"`
}

type Camera struct {
	Device    string    `yaml:"device"`
	Width     int       `yaml:"width"`
	Height    int       `yaml:"height"`
	FrameRate int       `yaml:"frame_rate"`
	BlurSigma float64   `yaml:"blur_sigma"`
	Segmenter Segmenter `yaml:"segmenter"`
}

// Segmenter is the external person-segmentation process. An empty Command
// disables background blur.
type Segmenter struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

type FFmpeg struct {
	Path            string `yaml:"path"`
	DisableHardware bool   `yaml:"disable_hardware"`
}

type Preview struct {
	Enabled   bool `yaml:"enabled"`
	Audio     bool `yaml:"audio"`
	Port      int  `yaml:"port"`
	FrameRate int  `yaml:"frame_rate"`
}

type Mic struct {
	InputFormat string `yaml:"input_format"`
	Device      string `yaml:"device"`
}

// Default returns the built-in configuration.
func Default() Config {
	overlay := media.DefaultOverlayConfiguration()
	return Config{
		Output: Output{Dir: defaultOutputDir(), Prefix: "Recording"},
		Encoding: Encoding{
			Container:   media.ContainerMOV.String(),
			VideoCodec:  media.VideoCodecH264.String(),
			AudioCodec:  media.AudioCodecAAC.String(),
			FrameRate:   media.DefaultFrameRate,
			SystemAudio: true,
		},
		Overlay: Overlay{
			Corner:           overlay.Corner.String(),
			Width:            overlay.Size.X,
			Height:           overlay.Size.Y,
			Padding:          overlay.Padding,
			BackgroundEffect: media.BackgroundNone.String(),
		},
		Camera: Camera{
			Width:     1280,
			Height:    720,
			FrameRate: 30,
			BlurSigma: 12,
			Segmenter: Segmenter{Timeout: 150 * time.Millisecond},
		},
		FFmpeg:  FFmpeg{Path: "ffmpeg"},
		Preview: Preview{Audio: true, Port: 8080, FrameRate: 30},
		Mic:     Mic{InputFormat: "pulse", Device: "default"},
	}
}

func defaultOutputDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return filepath.Join(home, "Videos")
}

// Load reads path over the defaults, applies environment overrides and
// normalizes the result. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("config: %w", err)
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("config %s: %w", path, err)
			}
		}
	}
	cfg.ApplyEnv()
	cfg.Normalize()
	return cfg, nil
}

// ApplyEnv overrides fields from SCREENREC_* variables.
func (c *Config) ApplyEnv() {
	c.Output.Dir = StringEnv(envPrefix+"OUTPUT_DIR", c.Output.Dir)
	c.Encoding.Container = StringEnv(envPrefix+"CONTAINER", c.Encoding.Container)
	c.Encoding.VideoCodec = StringEnv(envPrefix+"VIDEO_CODEC", c.Encoding.VideoCodec)
	c.Encoding.AudioCodec = StringEnv(envPrefix+"AUDIO_CODEC", c.Encoding.AudioCodec)
	c.Encoding.FrameRate = IntEnvClamped(envPrefix+"FPS", c.Encoding.FrameRate, 1, 240)
	c.Encoding.HDR = BoolEnv(envPrefix+"HDR", c.Encoding.HDR)
	c.Encoding.SystemAudio = BoolEnv(envPrefix+"SYSTEM_AUDIO", c.Encoding.SystemAudio)
	c.Encoding.Microphone = BoolEnv(envPrefix+"MICROPHONE", c.Encoding.Microphone)
	c.Overlay.Enabled = BoolEnv(envPrefix+"OVERLAY", c.Overlay.Enabled)
	c.Overlay.Corner = StringEnv(envPrefix+"OVERLAY_CORNER", c.Overlay.Corner)
	c.Overlay.BackgroundEffect = StringEnv(envPrefix+"BACKGROUND", c.Overlay.BackgroundEffect)
	c.Camera.Device = StringEnv(envPrefix+"CAMERA", c.Camera.Device)
	c.FFmpeg.Path = StringEnv(envPrefix+"FFMPEG", c.FFmpeg.Path)
	c.FFmpeg.DisableHardware = BoolEnv(envPrefix+"DISABLE_HWENC", c.FFmpeg.DisableHardware)
	c.Preview.Enabled = BoolEnv(envPrefix+"PREVIEW", c.Preview.Enabled)
	c.Preview.Audio = BoolEnv(envPrefix+"PREVIEW_AUDIO", c.Preview.Audio)
	c.Preview.Port = IntEnvClamped(envPrefix+"PREVIEW_PORT", c.Preview.Port, 1, 65535)
}

// Normalize clamps numeric fields and fills empty ones with defaults.
func (c *Config) Normalize() {
	def := Default()
	if strings.TrimSpace(c.Output.Dir) == "" {
		c.Output.Dir = def.Output.Dir
	}
	if c.Output.Prefix == "" {
		c.Output.Prefix = def.Output.Prefix
	}
	if c.Encoding.FrameRate <= 0 {
		c.Encoding.FrameRate = def.Encoding.FrameRate
	}
	c.Encoding.FrameRate = clamp(c.Encoding.FrameRate, 1, 240)
	if c.Encoding.Width < 0 || c.Encoding.Height < 0 {
		c.Encoding.Width, c.Encoding.Height = 0, 0
	}
	if c.Overlay.Width <= 0 || c.Overlay.Height <= 0 {
		c.Overlay.Width, c.Overlay.Height = def.Overlay.Width, def.Overlay.Height
	}
	c.Overlay.Padding = clamp(c.Overlay.Padding, 0, 512)
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		c.Camera.Width, c.Camera.Height = def.Camera.Width, def.Camera.Height
	}
	if c.Camera.FrameRate <= 0 {
		c.Camera.FrameRate = def.Camera.FrameRate
	}
	c.Camera.FrameRate = clamp(c.Camera.FrameRate, 1, 60)
	if c.Camera.BlurSigma <= 0 {
		c.Camera.BlurSigma = def.Camera.BlurSigma
	}
	if c.Camera.Segmenter.Timeout <= 0 {
		c.Camera.Segmenter.Timeout = def.Camera.Segmenter.Timeout
	}
	if c.FFmpeg.Path == "" {
		c.FFmpeg.Path = def.FFmpeg.Path
	}
	if c.Preview.Port <= 0 {
		c.Preview.Port = def.Preview.Port
	}
	c.Preview.Port = clamp(c.Preview.Port, 1, 65535)
	if c.Preview.FrameRate <= 0 {
		c.Preview.FrameRate = def.Preview.FrameRate
	}
	c.Preview.FrameRate = clamp(c.Preview.FrameRate, 1, 60)
}

// EncodingConfiguration parses the encoding section. The output path is
// left empty; OutputPath names the file when a recording starts.
func (c Config) EncodingConfiguration() (media.EncodingConfiguration, error) {
	container, err := media.ParseContainer(c.Encoding.Container)
	if err != nil {
		return media.EncodingConfiguration{}, &media.ConfigurationError{Field: "container", Reason: err.Error()}
	}
	video, err := media.ParseVideoCodec(c.Encoding.VideoCodec)
	if err != nil {
		return media.EncodingConfiguration{}, &media.ConfigurationError{Field: "videoCodec", Reason: err.Error()}
	}
	audio, err := media.ParseAudioCodec(c.Encoding.AudioCodec)
	if err != nil {
		return media.EncodingConfiguration{}, &media.ConfigurationError{Field: "audioCodec", Reason: err.Error()}
	}
	enc := media.EncodingConfiguration{
		Container:     container,
		VideoCodec:    video,
		AudioCodec:    audio,
		VideoSize:     image.Pt(c.Encoding.Width, c.Encoding.Height),
		FrameRate:     c.Encoding.FrameRate,
		PreserveAlpha: c.Encoding.PreserveAlpha,
		HDR:           c.Encoding.HDR,
		SystemAudio:   c.Encoding.SystemAudio,
		Microphone:    c.Encoding.Microphone,
	}
	return enc, enc.Validate()
}

// OverlayConfiguration parses the overlay section.
func (c Config) OverlayConfiguration() (media.OverlayConfiguration, error) {
	corner, err := media.ParseCorner(c.Overlay.Corner)
	if err != nil {
		return media.OverlayConfiguration{}, err
	}
	effect, err := media.ParseBackgroundEffect(c.Overlay.BackgroundEffect)
	if err != nil {
		return media.OverlayConfiguration{}, err
	}
	return media.OverlayConfiguration{
		Corner:           corner,
		Size:             image.Pt(c.Overlay.Width, c.Overlay.Height),
		Padding:          c.Overlay.Padding,
		Enabled:          c.Overlay.Enabled,
		BackgroundEffect: effect,
	}, nil
}

// CameraSize is the capture resolution requested from the camera.
func (c Config) CameraSize() image.Point {
	return image.Pt(c.Camera.Width, c.Camera.Height)
}

// OutputPath returns a new, unused file path in the output directory,
// creating the directory if needed.
func (c Config) OutputPath(enc media.EncodingConfiguration) (string, error) {
	return NewOutputPath(c.Output.Dir, c.Output.Prefix, enc.Container, time.Now())
}

// NewOutputPath names a recording "<prefix> 2006-01-02 at 15.04.05-<id>.<ext>".
func NewOutputPath(dir, prefix string, container media.Container, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("config: output dir: %w", err)
	}
	id := strings.SplitN(uuid.NewString(), "-", 2)[0]
	name := fmt.Sprintf("%s %s-%s%s", prefix, now.Format("2006-01-02 at 15.04.05"), id, container.Extension())
	return filepath.Join(dir, name), nil
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
