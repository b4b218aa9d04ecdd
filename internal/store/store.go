// Package store defines the persistence boundary of mcphub: server metadata,
// health history and captured logs.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/mcphub/internal/health"
	"github.com/loykin/mcphub/internal/lifecycle"
)

var ErrNotFound = errors.New("store: not found")

// ExitInfo describes the last time a server's process went away.
type ExitInfo struct {
	Code   int       `json:"code"`
	Reason string    `json:"reason"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Server is the persisted metadata of a managed server. Status is a mirror of
// the supervisor's lifecycle state, never the authority.
type Server struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Type        string            `json:"type,omitempty"`
	Command     string            `json:"command"`
	Environment map[string]string `json:"environment,omitempty"`
	WorkDir     string            `json:"work_dir,omitempty"`
	Port        int               `json:"port,omitempty"`
	AutoStart   bool              `json:"auto_start,omitempty"`
	Status      lifecycle.State   `json:"status"`
	LastError   string            `json:"last_error,omitempty"`
	LastExit    *ExitInfo         `json:"last_exit,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return l, nil
	case "warning":
		return LevelWarn, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// LogEntry is one captured line (or supervisor note) of a server.
type LogEntry struct {
	ID        string            `json:"id"`
	ServerID  string            `json:"server_id"`
	Level     Level             `json:"level"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

const DefaultLogLimit = 100

// LogFilter narrows ListLogs. Zero values mean "no constraint"; results are
// newest first.
type LogFilter struct {
	Level  Level
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

func (f LogFilter) Match(e LogEntry) bool {
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// EffectiveLimit applies the default page size.
func (f LogFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultLogLimit
	}
	return f.Limit
}

// Store is implemented by memory, sqlite and postgres backends.
type Store interface {
	EnsureSchema(ctx context.Context) error

	GetServer(ctx context.Context, id string) (Server, error)
	ListServers(ctx context.Context) ([]Server, error)
	SaveServer(ctx context.Context, s Server) error
	// DeleteServer removes the server with its health history and logs.
	// Deleting an unknown id is not an error.
	DeleteServer(ctx context.Context, id string) error

	SaveHealthRecord(ctx context.Context, rec health.Record) error
	LatestHealth(ctx context.Context, serverID string) (health.Record, error)
	// ListHealth returns records newest first; limit <= 0 returns all of them.
	ListHealth(ctx context.Context, serverID string, limit int) ([]health.Record, error)

	AppendLog(ctx context.Context, e LogEntry) error
	ListLogs(ctx context.Context, serverID string, f LogFilter) ([]LogEntry, error)
	ClearLogs(ctx context.Context, serverID string) error

	// Purge deletes logs and health records older than before.
	Purge(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
