//go:build unix

package ffmpeg

import (
	"os/exec"
	"syscall"
)

// setProcessGroup arranges for cmd's children to be killable as one group,
// so a timeout kill doesn't leave an orphaned ffmpeg child behind.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
