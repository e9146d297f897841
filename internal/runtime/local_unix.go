//go:build unix

package runtime

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup configures the command to run in its own process
// group so shutdown signals reach the whole agent process tree, not just
// the CLI wrapper.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// interruptProcess asks the process group to stop gracefully, giving the
// agent a chance to flush its own state.
func interruptProcess(cmd *exec.Cmd) {
	if cmd.Process != nil {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGINT)
	}
}

// terminateProcess escalates to SIGTERM for the process group.
func terminateProcess(cmd *exec.Cmd) {
	if cmd.Process != nil {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
}

// killProcess forcefully kills the process group.
func killProcess(cmd *exec.Cmd) {
	if cmd.Process != nil {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
