//go:build !windows

package process

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

// signalGroup delivers sig to the process group led by pid, falling back to
// the single pid when the group is already gone.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			err = syscall.Kill(pid, sig)
			if errors.Is(err, syscall.ESRCH) {
				return nil
			}
		}
		return err
	}
	return nil
}

func terminate(pid int) error { return signalGroup(pid, syscall.SIGTERM) }

func kill(pid int) error { return signalGroup(pid, syscall.SIGKILL) }

// pidAlive reports whether pid refers to a running, non-zombie process.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
