//go:build !unix && !windows

package processutil

import (
	"os"
	"os/exec"
)

// Detach is a no-op on platforms without process groups.
func Detach(cmd *exec.Cmd) {
	_ = cmd
}

// Interrupt sends SIGINT so tools like ffmpeg can flush before exiting.
func Interrupt(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Signal(os.Interrupt)
}
