package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go2tv.app/screenrec/internal/ffmpeg"
	"go2tv.app/screenrec/internal/processutil"
	"go2tv.app/screenrec/media"
)

const (
	playlistName = "playlist.m3u8"
	// previewScale caps the preview at 720p and keeps even dimensions.
	previewScale = "scale='min(1280,iw)':'min(720,ih)':force_original_aspect_ratio=decrease,scale=trunc(iw/2)*2:trunc(ih/2)*2"
)

type encoderConfig struct {
	FFmpegPath      string
	Dir             string
	Width, Height   int
	Format          media.PixelFormat
	FrameRate       int
	Audio           bool
	HLSTime         int
	HLSListSize     int
	DeleteThreshold int
	VideoQueue      int
	AudioQueue      int
	DisableHardware bool
	Debug           bool
}

// hlsEncoder is one ffmpeg process writing a rolling HLS playlist.
type hlsEncoder struct {
	cfg    encoderConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	video  *ffmpeg.AsyncWriter
	audio  *ffmpeg.PCMRelay
	stderr *ffmpeg.TailBuffer

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
}

func startEncoder(ctx context.Context, cfg encoderConfig, logger *slog.Logger) (*hlsEncoder, error) {
	plan := ffmpeg.SelectVideoEncoder(ctx, cfg.FFmpegPath, ffmpeg.EncoderRequest{
		Codec:           media.VideoCodecH264,
		FrameRate:       cfg.FrameRate,
		BaseFilter:      previewScale,
		DisableHardware: cfg.DisableHardware,
	}, logger)

	var relay *ffmpeg.PCMRelay
	if cfg.Audio {
		r, err := ffmpeg.NewPCMRelay("preview-audio", cfg.AudioQueue, logger)
		if err != nil {
			return nil, err
		}
		relay = r
	}

	args := hlsArgs(cfg, plan, relay)
	logger.Debug("preview: ffmpeg command", "args", strings.Join(args, " "), "encoder", plan.Label)

	cmd := exec.Command(cfg.FFmpegPath, args...)
	processutil.Detach(cmd)
	stderr := &ffmpeg.TailBuffer{}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		if relay != nil {
			_ = relay.Abort()
		}
		return nil, fmt.Errorf("preview ffmpeg stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		if relay != nil {
			_ = relay.Abort()
		}
		return nil, fmt.Errorf("preview ffmpeg start: %w", err)
	}

	e := &hlsEncoder{
		cfg:    cfg,
		logger: logger,
		cmd:    cmd,
		stdin:  stdin,
		// Preview favours latency; stale frames are simply dropped.
		video:  ffmpeg.NewAsyncWriter("preview-video", stdin, cfg.VideoQueue, false, logger),
		audio:  relay,
		stderr: stderr,
		exited: make(chan struct{}),
	}
	go func() {
		e.waitErr = cmd.Wait()
		close(e.exited)
	}()
	return e, nil
}

func hlsArgs(cfg encoderConfig, plan ffmpeg.VideoEncoderPlan, relay *ffmpeg.PCMRelay) []string {
	fps := strconv.Itoa(cfg.FrameRate)
	gop := strconv.Itoa(cfg.FrameRate * cfg.HLSTime)
	logLevel := "warning"
	if cfg.Debug {
		logLevel = "debug"
	}

	args := []string{"-hide_banner", "-loglevel", logLevel}
	args = append(args, plan.GlobalArgs...)
	args = append(args,
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-probesize", "32",
		"-analyzeduration", "0",
		"-thread_queue_size", "512",
		"-f", "rawvideo",
		"-pix_fmt", cfg.Format.String(),
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-r", fps,
		"-i", "pipe:0",
	)
	if relay != nil {
		args = append(args,
			"-thread_queue_size", "1024",
			"-f", "s16le",
			"-ar", strconv.Itoa(media.EncoderSampleRate),
			"-ac", strconv.Itoa(media.EncoderChannels),
			"-i", relay.URL(),
			"-map", "0:v:0",
			"-map", "1:a:0",
		)
	} else {
		args = append(args, "-map", "0:v:0", "-an")
	}

	args = append(args, "-r", fps)
	if plan.VideoFilter != "" {
		args = append(args, "-vf", plan.VideoFilter)
	}
	args = append(args, plan.CodecArgs...)
	args = append(args,
		"-g", gop,
		"-keyint_min", gop,
		"-sc_threshold", "0",
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", cfg.HLSTime),
	)
	if relay != nil {
		args = append(args,
			"-af", "aresample=async=1:min_hard_comp=0.100:first_pts=0",
			"-c:a", "aac",
			"-ar", strconv.Itoa(media.EncoderSampleRate),
			"-ac", strconv.Itoa(media.EncoderChannels),
		)
	}
	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(cfg.HLSTime),
		"-hls_list_size", strconv.Itoa(cfg.HLSListSize),
		"-hls_allow_cache", "0",
		"-hls_flags", "independent_segments+omit_endlist+delete_segments",
		"-hls_delete_threshold", strconv.Itoa(cfg.DeleteThreshold),
		"-hls_segment_filename", filepath.Join(cfg.Dir, "segment_%03d.ts"),
		filepath.Join(cfg.Dir, playlistName),
	)
	return args
}

func (e *hlsEncoder) writeVideo(data []byte) error {
	select {
	case <-e.exited:
		return e.exitError()
	default:
	}
	return e.video.Enqueue(data, 1)
}

func (e *hlsEncoder) writeAudio(pcm []byte) error {
	if e.audio == nil {
		return nil
	}
	return e.audio.Write(pcm)
}

func (e *hlsEncoder) done() <-chan struct{} {
	return e.exited
}

func (e *hlsEncoder) exitError() error {
	select {
	case <-e.exited:
	default:
		return nil
	}
	if e.waitErr != nil {
		return fmt.Errorf("preview ffmpeg exited: %w: %s", e.waitErr, e.stderr.Tail(300))
	}
	return errors.New("preview ffmpeg exited")
}

// close kills ffmpeg. A live preview has nothing worth flushing.
func (e *hlsEncoder) close() {
	e.closeOnce.Do(func() {
		e.video.Abort()
		if e.audio != nil {
			_ = e.audio.Abort()
		}
		_ = e.stdin.Close()
		if e.cmd.Process != nil {
			if err := e.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				e.logger.Debug("preview: kill ffmpeg", "error", err)
			}
		}
		select {
		case <-e.exited:
		case <-time.After(2 * time.Second):
			e.logger.Warn("preview: ffmpeg did not exit after kill")
		}
	})
}

// waitForPlaylistReady polls until the playlist names a non-empty segment.
func waitForPlaylistReady(ctx context.Context, dir string, e *hlsEncoder, logger *slog.Logger) error {
	t := time.NewTicker(150 * time.Millisecond)
	defer t.Stop()
	diag := time.NewTicker(2 * time.Second)
	defer diag.Stop()

	path := filepath.Join(dir, playlistName)
	for {
		select {
		case <-e.done():
			if err := e.exitError(); err != nil {
				return err
			}
			return errors.New("preview stream not initialized")
		case <-ctx.Done():
			return fmt.Errorf("preview stream not initialized: %w: %s", ctx.Err(), e.stderr.Tail(300))
		case <-diag.C:
			if info, err := os.Stat(path); err != nil {
				logger.Debug("preview: waiting for playlist", "playlist", path, "error", err)
			} else {
				logger.Debug("preview: waiting for playlist", "playlist", path, "bytes", info.Size(), "mtime", info.ModTime())
			}
		case <-t.C:
			if playlistReady(path, dir) {
				return nil
			}
		}
	}
}

func playlistReady(path, baseDir string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		info, err := os.Stat(filepath.Join(baseDir, line))
		if err == nil && !info.IsDir() && info.Size() > 0 {
			return true
		}
	}
	return false
}

// cleanupOldTempDirs removes preview directories left by crashed runs.
func cleanupOldTempDirs(prefix string, maxAge time.Duration) {
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), prefix+"*"))
	if err != nil {
		return
	}
	for _, dir := range matches {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() || time.Since(info.ModTime()) < maxAge {
			continue
		}
		_ = os.RemoveAll(dir)
	}
}
