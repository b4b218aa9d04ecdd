package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// daemonize re-executes the current command in the background and exits.
func daemonize(logFile string) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// the child writes its own pidfile; logfile is handled here
	var newArgs []string
	skipNext := false
	for _, arg := range os.Args[1:] {
		if skipNext {
			skipNext = false
			continue
		}
		switch arg {
		case "--daemonize":
			continue
		case "--logfile":
			skipNext = true
			continue
		}
		newArgs = append(newArgs, arg)
	}

	// #nosec G204
	cmd := exec.Command(executable, newArgs...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil

	if logFile != "" {
		// #nosec G304
		logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = logF.Close() }()
		cmd.Stdout = logF
		cmd.Stderr = logF
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	fmt.Printf("Daemon started with PID %d\n", cmd.Process.Pid)
	os.Exit(0)
	return nil
}

// writePidFile writes the daemon PID to a file
func writePidFile(pidFile string, pid int) error {
	// #nosec G302 G304
	f, err := os.OpenFile(pidFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.WriteString(strconv.Itoa(pid))
	return err
}

// removePidFile removes the PID file
func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	return os.Remove(pidFile)
}
