//go:build windows

package runtime

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup configures the command to run in its own process
// group. On Windows this uses CREATE_NEW_PROCESS_GROUP.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags = syscall.CREATE_NEW_PROCESS_GROUP
}

// interruptProcess has no graceful equivalent to SIGINT for detached
// console processes on Windows; the escalation path falls through to
// termination.
func interruptProcess(cmd *exec.Cmd) {
}

// terminateProcess kills the process. The process group dies with it
// because of CREATE_NEW_PROCESS_GROUP.
func terminateProcess(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}

// killProcess forcefully kills the process.
func killProcess(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}
