package supervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/loykin/mcphub/internal/process"
	"github.com/loykin/mcphub/internal/registry"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("supervisor: closed")

// ValidationError reports a malformed server definition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NotFoundError reports an unknown server id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("server %q not found", e.ID) }

// TerminationTimeout is logged when a process outlives its grace period and
// has to be killed.
type TerminationTimeout struct {
	ServerID string
	PID      int
	Grace    time.Duration
}

func (e *TerminationTimeout) Error() string {
	return fmt.Sprintf("server %s (pid %d) did not exit within %s; sending SIGKILL", e.ServerID, e.PID, e.Grace)
}

type (
	LaunchError      = process.LaunchError
	RegistryConflict = registry.ConflictError
)

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
