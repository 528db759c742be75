//go:build windows

package executor

import (
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

// setProcessGroup runs the child in a new process group with no console window.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP | windows.CREATE_NO_WINDOW,
		HideWindow:    true,
	}
}

// killProcessGroup ends the whole tree (installers spawn msiexec children).
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	tree := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(cmd.Process.Pid))
	tree.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	if tree.Run() != nil {
		return cmd.Process.Kill()
	}
	return nil
}
