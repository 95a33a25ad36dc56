//go:build unix

package processutil

import (
	"os"
	"os/exec"
	"syscall"
)

// Detach starts cmd in its own process group. A Ctrl+C in the terminal then
// reaches only this process, which stops its children itself.
func Detach(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Interrupt sends SIGINT so tools like ffmpeg can flush before exiting.
func Interrupt(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Signal(os.Interrupt)
}
