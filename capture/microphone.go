package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go2tv.app/screenrec/internal/ffmpeg"
	"go2tv.app/screenrec/internal/processutil"
	"go2tv.app/screenrec/media"
)

// MicrophoneOpener starts a microphone stream yielding interleaved s16le at
// media.EncoderSampleRate with media.EncoderChannels.
type MicrophoneOpener func(ctx context.Context) (io.ReadCloser, error)

// MicrophoneOptions configures FFmpegMicrophone.
type MicrophoneOptions struct {
	FFmpegPath  string
	InputFormat string
	Device      string
}

// FFmpegMicrophone captures the microphone through an ffmpeg child process.
func FFmpegMicrophone(opts MicrophoneOptions) MicrophoneOpener {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.InputFormat == "" {
		opts.InputFormat = "pulse"
	}
	if opts.Device == "" {
		opts.Device = "default"
	}

	return func(ctx context.Context) (io.ReadCloser, error) {
		args := []string{
			"-nostdin",
			"-hide_banner",
			"-loglevel", "warning",
			"-f", opts.InputFormat,
			"-i", opts.Device,
			"-ac", strconv.Itoa(media.EncoderChannels),
			"-ar", strconv.Itoa(media.EncoderSampleRate),
			"-f", "s16le",
			"-",
		}

		cmd := exec.Command(opts.FFmpegPath, args...)
		processutil.Detach(cmd)
		stderr := &ffmpeg.TailBuffer{}
		cmd.Stderr = stderr

		// The pipe is owned here rather than by cmd, so Wait never closes
		// the read end while PCM is still buffered in it.
		stdout, pw, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("microphone stdout pipe: %w", err)
		}
		cmd.Stdout = pw
		if err := cmd.Start(); err != nil {
			_ = stdout.Close()
			_ = pw.Close()
			return nil, fmt.Errorf("microphone start: %w", err)
		}
		_ = pw.Close()

		waitErr := make(chan error, 1)
		go func() {
			waitErr <- cmd.Wait()
			close(waitErr)
		}()

		// A missing device makes ffmpeg exit right away.
		select {
		case err := <-waitErr:
			_ = stdout.Close()
			if err != nil {
				return nil, fmt.Errorf("microphone capture exited: %w: %s", err, stderr.Tail(300))
			}
			return nil, errors.New("microphone capture exited before producing audio")
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			<-waitErr
			_ = stdout.Close()
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}

		return &microphoneStream{
			stdout:  stdout,
			stderr:  stderr,
			process: cmd.Process,
			waitErr: waitErr,
		}, nil
	}
}

type microphoneStream struct {
	stdout io.ReadCloser
	stderr *ffmpeg.TailBuffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *microphoneStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

// Close interrupts ffmpeg and kills it if it has not exited within a bounded
// wait.
func (s *microphoneStream) Close() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = processutil.Interrupt(s.process)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			if err, ok := <-s.waitErr; ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && s.stopErr == nil {
			s.stopErr = closeErr
		}
		if s.stopErr != nil {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, strings.TrimSpace(s.stderr.Tail(300)))
		}
	})
	return s.stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
