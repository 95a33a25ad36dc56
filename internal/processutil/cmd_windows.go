//go:build windows

package processutil

import (
	"os"
	"os/exec"
	"syscall"
)

// Detach hides the console window a child would otherwise flash when
// launched from a GUI app, and starts it in a new process group so console
// Ctrl+C events reach only this process.
func Detach(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.HideWindow = true
	cmd.SysProcAttr.CreationFlags |= syscall.CREATE_NEW_PROCESS_GROUP
}

// Interrupt asks a child process to stop. Console control events cannot be
// targeted at a single hidden child, so Windows falls back to Kill.
func Interrupt(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}
