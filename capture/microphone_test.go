//go:build unix

package capture

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeFFmpeg(t *testing.T, script string) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func TestMicrophoneKeepsPCMBufferedAtExit(t *testing.T) {
	bin := fakeFFmpeg(t, "head -c 4096 /dev/zero\nsleep 0.4")
	open := FFmpegMicrophone(MicrophoneOptions{FFmpegPath: bin})

	rc, err := open(context.Background())
	require.NoError(t, err)
	mic, ok := rc.(*microphoneStream)
	require.True(t, ok)

	// Let the process exit and be reaped before anything is read.
	require.NoError(t, <-mic.waitErr)

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Len(t, data, 4096)
	assert.NoError(t, rc.Close())
}

func TestMicrophoneEarlyExitReportsStderr(t *testing.T) {
	bin := fakeFFmpeg(t, "echo 'default: no such device' >&2\nexit 1")
	open := FFmpegMicrophone(MicrophoneOptions{FFmpegPath: bin})

	_, err := open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such device")
}
