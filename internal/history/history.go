// Package history exports server status transitions to external systems.
package history

import (
	"context"
	"time"

	"github.com/loykin/mcphub/internal/lifecycle"
)

// EventType defines the kind of exported event.
type EventType string

const (
	EventStatusChanged EventType = "status_changed"
)

// Event is one status transition of one server, flattened for export.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	ServerID   string    `json:"server_id"`
	Name       string    `json:"name"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason"`
	PID        int       `json:"pid,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	Forced     bool      `json:"forced,omitempty"`
}

// FromChange builds an export event from a lifecycle change.
func FromChange(serverID, name string, ch lifecycle.Change, at time.Time) Event {
	return Event{
		Type:       EventStatusChanged,
		OccurredAt: at.UTC(),
		ServerID:   serverID,
		Name:       name,
		From:       ch.From.String(),
		To:         ch.To.String(),
		Reason:     string(ch.Reason),
		PID:        ch.PID,
		ExitCode:   ch.ExitCode,
		Error:      ch.Error,
		Forced:     ch.Forced,
	}
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
