//go:build !windows

package process

import "os/exec"

// getShellCommand returns a shell command for Unix systems.
// The absolute path keeps it independent of a PATH override in Env.
func getShellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script)
}
