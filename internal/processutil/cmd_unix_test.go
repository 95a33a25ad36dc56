//go:build unix

package processutil

import (
	"os/exec"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetachSetsProcessGroup(t *testing.T) {
	cmd := exec.Command("ffmpeg", "-version")
	Detach(cmd)
	require.NotNil(t, cmd.SysProcAttr)
	assert.True(t, cmd.SysProcAttr.Setpgid)

	cmd = exec.Command("ffmpeg")
	cmd.SysProcAttr = &syscall.SysProcAttr{Noctty: true}
	Detach(cmd)
	assert.True(t, cmd.SysProcAttr.Setpgid)
	assert.True(t, cmd.SysProcAttr.Noctty, "existing attributes are kept")

	Detach(nil)
}

func TestDetachedChildLeavesTerminalGroup(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	cmd := exec.Command(sh, "-c", "sleep 5")
	Detach(cmd)
	require.NoError(t, cmd.Start())
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	require.NoError(t, err)
	assert.Equal(t, cmd.Process.Pid, pgid)
	assert.NotEqual(t, syscall.Getpgrp(), pgid)
}
