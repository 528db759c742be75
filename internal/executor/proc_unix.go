//go:build !windows

package executor

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

// setProcessGroup makes the child lead its own process group.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = groupAttr()
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	// Setpgid with Pgid 0 makes the group id equal to the child's pid.
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
