//go:build !linux

package supervisor

import (
	"errors"
	"os/exec"
)

// Namespace isolation relies on clone flags and is only available on Linux.
func applySandbox(_ *exec.Cmd, _ bool) error {
	return errors.New("process sandboxing is only supported on linux")
}
