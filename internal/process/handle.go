package process

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Stream identifies which output of the child a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// LineFunc receives every line the child writes. It is called from the
// reader goroutines, one per stream.
type LineFunc func(stream Stream, line string)

// maxLineBytes bounds a single captured line; longer lines are split.
const maxLineBytes = 256 * 1024

// drainTimeout bounds how long exit reporting waits for trailing output.
const drainTimeout = 200 * time.Millisecond

// Handle is a launched OS process.
type Handle struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	done    chan struct{}
	readers sync.WaitGroup

	mu       sync.Mutex
	exitErr  error
	exitCode int
	exitedAt time.Time
}

// Launch spawns spec as a new process group. stdin is /dev/null; stdout and
// stderr are scanned line by line and handed to onLine. Launch returns as soon
// as the OS has created the process; it does not wait for readiness.
func Launch(spec Spec, onLine LineFunc) (*Handle, error) {
	cmd, err := spec.BuildCommand()
	if err != nil {
		return nil, err
	}
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Op: "start", Command: spec.Command, Err: err}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, &LaunchError{Op: "start", Command: spec.Command, Err: err}
	}
	cmd.Stdin = nil
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		return nil, &LaunchError{Op: "start", Command: spec.Command, Err: err}
	}
	// the child owns the write ends now
	_ = outW.Close()
	_ = errW.Close()

	h := &Handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		exitCode:  -1,
	}
	h.readers.Add(2)
	go h.scan(outR, Stdout, onLine)
	go h.scan(errR, Stderr, onLine)
	go h.wait()
	return h, nil
}

func (h *Handle) scan(r io.ReadCloser, stream Stream, onLine LineFunc) {
	defer h.readers.Done()
	defer func() { _ = r.Close() }()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		if onLine != nil {
			onLine(stream, sc.Text())
		}
	}
	// drop anything left after a scanner error so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
}

func (h *Handle) wait() {
	err := h.cmd.Wait()

	drained := make(chan struct{})
	go func() {
		h.readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
	}

	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) {
		code = -1
	}
	h.mu.Lock()
	h.exitErr = err
	h.exitCode = code
	h.exitedAt = time.Now()
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle) PID() int { return h.pid }

func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitErr is the error returned by Wait; nil for a clean exit or while running.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// ExitCode is -1 while running or when the process was killed by a signal.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *Handle) ExitedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitedAt
}

func (h *Handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Alive reports whether the process is still running.
func (h *Handle) Alive() bool {
	if h.exited() {
		return false
	}
	return pidAlive(h.pid)
}

// Terminate asks the process group to exit (SIGTERM on Unix).
func (h *Handle) Terminate() error {
	if h.exited() {
		return nil
	}
	return terminate(h.pid)
}

// Kill forcibly terminates the process group (SIGKILL on Unix).
func (h *Handle) Kill() error {
	if h.exited() {
		return nil
	}
	return kill(h.pid)
}
