//go:build unix

package work

import (
	"os/exec"
	"syscall"
)

// ownGroup starts cmd in its own process group and makes cancellation kill
// the whole group, so children of the shell die with it.
func ownGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
