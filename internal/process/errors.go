package process

import (
	"errors"
	"fmt"
)

var ErrEmptyCommand = errors.New("command is empty")

// LaunchError reports that a server's process could not be spawned.
type LaunchError struct {
	Op      string // build, resolve or start
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s %q: %v", e.Op, e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
