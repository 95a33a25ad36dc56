package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go2tv.app/screenrec/internal/ffmpeg"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/processutil"
	"go2tv.app/screenrec/media"
)

const (
	defaultVideoQueue    = 8
	defaultAudioQueue    = 512
	defaultFinishTimeout = 30 * time.Second
	abortWait            = 2 * time.Second
)

// FFmpegOptions configures the ffmpeg writer.
type FFmpegOptions struct {
	Path            string
	DisableHardware bool
	// VideoQueue is how many distinct frames may wait for ffmpeg.
	VideoQueue int
	// AudioQueue is how many PCM chunks may wait per audio input.
	AudioQueue int
	// FinishTimeout bounds how long an audio input may take to drain.
	FinishTimeout time.Duration
	Logger        *slog.Logger
}

// FFmpegWriter returns an OpenWriterFunc that encodes through an ffmpeg
// child process: raw frames on stdin, one loopback TCP input per audio track.
func FFmpegWriter(opts FFmpegOptions) OpenWriterFunc {
	if opts.Path == "" {
		opts.Path = "ffmpeg"
	}
	if opts.VideoQueue <= 0 {
		opts.VideoQueue = defaultVideoQueue
	}
	if opts.AudioQueue <= 0 {
		opts.AudioQueue = defaultAudioQueue
	}
	if opts.FinishTimeout <= 0 {
		opts.FinishTimeout = defaultFinishTimeout
	}
	opts.Logger = logging.OrDefault(opts.Logger)

	return func(ctx context.Context, cfg WriterConfig) (Writer, error) {
		w, err := startFFmpeg(ctx, opts, cfg)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}

type ffmpegWriter struct {
	logger        *slog.Logger
	finishTimeout time.Duration

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	video  *ffmpeg.AsyncWriter
	audio  []*ffmpeg.PCMRelay
	stderr *ffmpeg.TailBuffer

	exited  chan struct{}
	waitErr error

	abortOnce sync.Once
}

func startFFmpeg(ctx context.Context, opts FFmpegOptions, cfg WriterConfig) (*ffmpegWriter, error) {
	if _, err := exec.LookPath(opts.Path); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}

	plan := ffmpeg.SelectVideoEncoder(ctx, opts.Path, ffmpeg.EncoderRequest{
		Codec:           cfg.Encoding.VideoCodec,
		FrameRate:       cfg.FrameRate,
		Alpha:           cfg.Encoding.PreserveAlpha,
		HDR:             cfg.Encoding.HDR,
		DisableHardware: opts.DisableHardware,
	}, opts.Logger)

	relays := make([]*ffmpeg.PCMRelay, 0, len(cfg.AudioTracks))
	closeRelays := func() {
		for _, r := range relays {
			_ = r.Abort()
		}
	}
	urls := make([]string, 0, len(cfg.AudioTracks))
	for _, src := range cfg.AudioTracks {
		r, err := ffmpeg.NewPCMRelay(src.String(), opts.AudioQueue, opts.Logger)
		if err != nil {
			closeRelays()
			return nil, err
		}
		relays = append(relays, r)
		urls = append(urls, r.URL())
	}

	args := buildArgs(cfg, plan, urls, logging.DebugEnabled())
	opts.Logger.Debug("sink: ffmpeg command", "path", opts.Path, "args", strings.Join(args, " "))

	cmd := exec.Command(opts.Path, args...)
	processutil.Detach(cmd)
	stderr := &ffmpeg.TailBuffer{}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeRelays()
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		closeRelays()
		return nil, fmt.Errorf("ffmpeg start: %w", err)
	}

	w := &ffmpegWriter{
		logger:        opts.Logger,
		finishTimeout: opts.FinishTimeout,
		cmd:           cmd,
		stdin:         stdin,
		video:         ffmpeg.NewAsyncWriter("video", stdin, opts.VideoQueue, true, opts.Logger),
		audio:         relays,
		stderr:        stderr,
		exited:        make(chan struct{}),
	}
	go func() {
		w.waitErr = cmd.Wait()
		close(w.exited)
	}()

	// Bad arguments or an unwritable path make ffmpeg exit immediately.
	select {
	case <-w.exited:
		w.Abort()
		if err := w.exitError(); err != nil {
			return nil, err
		}
		return nil, errors.New("ffmpeg exited before receiving input")
	case <-ctx.Done():
		w.Abort()
		return nil, ctx.Err()
	case <-time.After(200 * time.Millisecond):
	}
	return w, nil
}

// buildArgs assembles the ffmpeg command line for cfg.
func buildArgs(cfg WriterConfig, plan ffmpeg.VideoEncoderPlan, audioURLs []string, debug bool) []string {
	fps := strconv.Itoa(cfg.FrameRate)
	logLevel := "warning"
	if debug {
		logLevel = "debug"
	}

	args := []string{"-hide_banner", "-loglevel", logLevel, "-y"}
	args = append(args, plan.GlobalArgs...)
	args = append(args,
		"-probesize", "32",
		"-analyzeduration", "0",
		"-f", "rawvideo",
		"-pix_fmt", cfg.PixelFormat.String(),
		"-s", fmt.Sprintf("%dx%d", cfg.Size.X, cfg.Size.Y),
		"-framerate", fps,
		"-i", "pipe:0",
	)
	for _, url := range audioURLs {
		args = append(args,
			"-thread_queue_size", "1024",
			"-f", "s16le",
			"-ar", strconv.Itoa(media.EncoderSampleRate),
			"-ac", strconv.Itoa(media.EncoderChannels),
			"-i", url,
		)
	}

	args = append(args, "-map", "0:v:0")
	for i := range audioURLs {
		args = append(args, "-map", fmt.Sprintf("%d:a:0", i+1))
	}
	if strings.TrimSpace(plan.VideoFilter) != "" {
		args = append(args, "-vf", plan.VideoFilter)
	}
	args = append(args, plan.CodecArgs...)
	args = append(args, "-r", fps)

	if len(audioURLs) > 0 {
		switch cfg.Encoding.AudioCodec {
		case media.AudioCodecPCM:
			args = append(args, "-c:a", "pcm_s16le")
		default:
			args = append(args, "-c:a", "aac", "-b:a", "192k")
		}
		for i, src := range cfg.AudioTracks {
			if i < len(audioURLs) {
				args = append(args, fmt.Sprintf("-metadata:s:a:%d", i), "title="+trackTitle(src))
			}
		}
	} else {
		args = append(args, "-an")
	}

	args = append(args,
		"-movflags", "+faststart",
		"-f", cfg.Encoding.Container.String(),
		cfg.Path,
	)
	return args
}

func trackTitle(src media.AudioSource) string {
	if src == media.AudioSourceMicrophone {
		return "Microphone"
	}
	return "System audio"
}

func (w *ffmpegWriter) WriteVideo(frame []byte, repeat int) error {
	select {
	case <-w.exited:
		return w.exitError()
	default:
	}
	return w.video.Enqueue(frame, repeat)
}

func (w *ffmpegWriter) WriteAudio(track int, pcm []byte) error {
	if track < 0 || track >= len(w.audio) {
		return fmt.Errorf("no audio track %d", track)
	}
	return w.audio[track].Write(pcm)
}

// Finish closes every input concurrently and waits for ffmpeg to write the
// container trailer.
func (w *ffmpegWriter) Finish(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		err := w.video.Close()
		if closeErr := w.stdin.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			err = errors.Join(err, closeErr)
		}
		return err
	})
	for _, r := range w.audio {
		g.Go(func() error {
			return r.Finish(w.finishTimeout)
		})
	}

	flushed := make(chan error, 1)
	go func() { flushed <- g.Wait() }()

	var flushErr error
	select {
	case flushErr = <-flushed:
	case <-ctx.Done():
		w.Abort()
		return fmt.Errorf("ffmpeg finish: %w", ctx.Err())
	}

	select {
	case <-w.exited:
	case <-ctx.Done():
		w.Abort()
		return fmt.Errorf("ffmpeg finish: %w", ctx.Err())
	}

	if err := w.exitError(); err != nil {
		return err
	}
	if flushErr != nil {
		return fmt.Errorf("ffmpeg input flush: %w", flushErr)
	}
	if d := w.video.Dropped(); d > 0 {
		w.logger.Warn("sink: encoder fell behind, frames were folded", "dropped_entries", d)
	}
	return nil
}

// Abort kills ffmpeg and waits briefly for it to exit.
func (w *ffmpegWriter) Abort() {
	w.abortOnce.Do(func() {
		w.video.Abort()
		for _, r := range w.audio {
			_ = r.Abort()
		}
		_ = w.stdin.Close()
		if w.cmd.Process != nil {
			if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				w.logger.Debug("sink: kill ffmpeg", "error", err)
			}
		}
		select {
		case <-w.exited:
		case <-time.After(abortWait):
			w.logger.Warn("sink: ffmpeg did not exit after kill")
		}
	})
}

func (w *ffmpegWriter) exitError() error {
	select {
	case <-w.exited:
	default:
		return nil
	}
	if w.waitErr != nil {
		return fmt.Errorf("ffmpeg exited: %w: %s", w.waitErr, w.stderr.Tail(400))
	}
	return nil
}
