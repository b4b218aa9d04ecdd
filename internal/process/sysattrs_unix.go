//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the child in its own process group so the
// whole tree (including shell children) can be signalled at once.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
