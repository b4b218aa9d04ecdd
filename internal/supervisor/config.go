package supervisor

import (
	"fmt"
	"strings"
	"time"

	"github.com/loykin/mcphub/internal/env"
	"github.com/loykin/mcphub/internal/health"
	"github.com/loykin/mcphub/internal/logger"
	"github.com/loykin/mcphub/internal/store"
)

const (
	DefaultGracePeriod  = 5 * time.Second
	DefaultStoreTimeout = 5 * time.Second
	MaxNameLength       = 100
)

type Config struct {
	// GracePeriod is how long a stopping process may take to exit after
	// SIGTERM before it is killed.
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
	// EventQueueSize bounds the per-server event queue.
	EventQueueSize int           `mapstructure:"event_queue_size"`
	Health         health.Config `mapstructure:"-"`
	Log            logger.Config `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	return c
}

// ServerSpec is the caller supplied definition of a new server.
type ServerSpec struct {
	ID          string            `json:"id,omitempty" mapstructure:"id"`
	Name        string            `json:"name,omitempty" mapstructure:"name"`
	Description string            `json:"description,omitempty" mapstructure:"description"`
	Type        string            `json:"type,omitempty" mapstructure:"type"`
	Command     string            `json:"command" mapstructure:"command"`
	Environment map[string]string `json:"environment,omitempty" mapstructure:"environment"`
	WorkDir     string            `json:"work_dir,omitempty" mapstructure:"work_dir"`
	Port        int               `json:"port,omitempty" mapstructure:"port"`
	AutoStart   bool              `json:"auto_start,omitempty" mapstructure:"auto_start"`
}

// ServerUpdate is a partial update; nil fields are left unchanged.
type ServerUpdate struct {
	Name        *string            `json:"name,omitempty"`
	Description *string            `json:"description,omitempty"`
	Type        *string            `json:"type,omitempty"`
	Command     *string            `json:"command,omitempty"`
	Environment *map[string]string `json:"environment,omitempty"`
	WorkDir     *string            `json:"work_dir,omitempty"`
	Port        *int               `json:"port,omitempty"`
	AutoStart   *bool              `json:"auto_start,omitempty"`
}

// apply returns srv with u applied and reports whether the change affects
// how the process is launched.
func (u ServerUpdate) apply(srv store.Server) (store.Server, bool) {
	relaunch := false
	if u.Name != nil {
		srv.Name = *u.Name
	}
	if u.Description != nil {
		srv.Description = *u.Description
	}
	if u.Type != nil {
		srv.Type = *u.Type
	}
	if u.Command != nil && *u.Command != srv.Command {
		srv.Command = *u.Command
		relaunch = true
	}
	if u.Environment != nil && !sameEnv(*u.Environment, srv.Environment) {
		srv.Environment = copyEnv(*u.Environment)
		relaunch = true
	}
	if u.WorkDir != nil && *u.WorkDir != srv.WorkDir {
		srv.WorkDir = *u.WorkDir
		relaunch = true
	}
	if u.Port != nil {
		srv.Port = *u.Port
	}
	if u.AutoStart != nil {
		srv.AutoStart = *u.AutoStart
	}
	if srv.Name == "" {
		srv.Name = srv.ID
	}
	return srv, relaunch
}

func validateServer(srv store.Server) error {
	if strings.TrimSpace(srv.Command) == "" {
		return &ValidationError{Field: "command", Message: "must not be empty"}
	}
	if len(srv.Name) > MaxNameLength {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("must be at most %d characters", MaxNameLength)}
	}
	if srv.Port < 0 || srv.Port > 65535 {
		return &ValidationError{Field: "port", Message: "must be between 0 and 65535"}
	}
	if err := env.Validate(srv.Environment); err != nil {
		return &ValidationError{Field: "environment", Message: err.Error()}
	}
	if strings.ContainsAny(srv.ID, "/\\") {
		return &ValidationError{Field: "id", Message: "must not contain path separators"}
	}
	return nil
}

func sameEnv(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func copyEnv(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
