//go:build linux

package supervisor

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// applySandbox confines the child to fresh mount, PID, IPC, and UTS
// namespaces, and to a fresh network namespace unless the definition grants
// network access. Requires privileges to create namespaces; failure surfaces
// at Start as a spawn error.
func applySandbox(cmd *exec.Cmd, network bool) error {
	flags := uintptr(unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWIPC | unix.CLONE_NEWUTS)
	if !network {
		flags |= unix.CLONE_NEWNET
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Cloneflags = flags
	// Reap the child if the supervisor dies.
	cmd.SysProcAttr.Pdeathsig = unix.SIGKILL
	return nil
}
