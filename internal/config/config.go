// Package config loads the mcphub TOML configuration with viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/mcphub/internal/env"
	"github.com/loykin/mcphub/internal/health"
	"github.com/loykin/mcphub/internal/janitor"
	"github.com/loykin/mcphub/internal/logger"
	"github.com/loykin/mcphub/internal/metrics"
	"github.com/loykin/mcphub/internal/supervisor"
	tlsconf "github.com/loykin/mcphub/internal/tls"
)

const EnvPrefix = "MCPHUB"

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	// TLS serves the API over HTTPS when enabled.
	TLS tlsconf.Config `toml:"tls" mapstructure:"tls"`
}

type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type MetricsConfig struct {
	Enabled  bool                   `toml:"enabled" mapstructure:"enabled"`
	Resource metrics.ResourceConfig `toml:"resource" mapstructure:"resource"`
}

// ServerEntry is a server declared in the config file. Env is a list of
// KEY=VALUE strings so keys keep their case.
type ServerEntry struct {
	ID          string   `toml:"id" mapstructure:"id"`
	Name        string   `toml:"name" mapstructure:"name"`
	Description string   `toml:"description" mapstructure:"description"`
	Type        string   `toml:"type" mapstructure:"type"`
	Command     string   `toml:"command" mapstructure:"command"`
	Env         []string `toml:"env" mapstructure:"env"`
	WorkDir     string   `toml:"workdir" mapstructure:"workdir"`
	Port        int      `toml:"port" mapstructure:"port"`
	AutoStart   bool     `toml:"autostart" mapstructure:"autostart"`
}

// Spec converts the entry into a create request.
func (e ServerEntry) Spec() supervisor.ServerSpec {
	var m map[string]string
	if len(e.Env) > 0 {
		m = make(map[string]string, len(e.Env))
		for _, kv := range e.Env {
			k, v, _ := strings.Cut(kv, "=")
			m[k] = v
		}
	}
	return supervisor.ServerSpec{
		ID:          e.ID,
		Name:        e.Name,
		Description: e.Description,
		Type:        e.Type,
		Command:     e.Command,
		Environment: m,
		WorkDir:     e.WorkDir,
		Port:        e.Port,
		AutoStart:   e.AutoStart,
	}
}

type HistoryConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Server     ServerConfig      `toml:"server" mapstructure:"server"`
	Store      StoreConfig       `toml:"store" mapstructure:"store"`
	Supervisor supervisor.Config `toml:"supervisor" mapstructure:"supervisor"`
	Health     health.Config     `toml:"health" mapstructure:"health"`
	Log        logger.Config     `toml:"log" mapstructure:"log"`
	Metrics    MetricsConfig     `toml:"metrics" mapstructure:"metrics"`
	Retention  janitor.Config    `toml:"retention" mapstructure:"retention"`
	History    HistoryConfig     `toml:"history" mapstructure:"history"`
	Env        []string          `toml:"env" mapstructure:"env"`
	EnvFiles   []string          `toml:"env_files" mapstructure:"env_files"`
	Servers    []ServerEntry     `toml:"servers" mapstructure:"servers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("store.dsn", "mcphub.db")
	v.SetDefault("supervisor.grace_period", supervisor.DefaultGracePeriod)
	v.SetDefault("supervisor.store_timeout", supervisor.DefaultStoreTimeout)
	v.SetDefault("supervisor.event_queue_size", 256)
	v.SetDefault("health.interval", health.DefaultInterval)
	v.SetDefault("health.timeout", health.DefaultTimeout)
	v.SetDefault("health.memory_warn_mb", 0)
	v.SetDefault("log.slog.level", string(logger.LevelInfo))
	v.SetDefault("log.slog.format", string(logger.FormatText))
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.slog.source", false)
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.resource.enabled", false)
	v.SetDefault("metrics.resource.interval", 15*time.Second)
	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.schedule", janitor.DefaultSchedule)
	v.SetDefault("retention.retention", janitor.DefaultRetention)
	v.SetDefault("retention.timezone", "")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the TOML file at path. An empty path yields the defaults,
// still subject to MCPHUB_* environment overrides.
func Load(path string) (*FileConfig, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

// Validate checks invariants viper cannot express.
func (fc *FileConfig) Validate() error {
	if fc.Supervisor.GracePeriod < 0 {
		return fmt.Errorf("supervisor.grace_period must not be negative")
	}
	if fc.Health.Interval < 0 || fc.Health.Timeout < 0 {
		return fmt.Errorf("health interval and timeout must not be negative")
	}
	if err := validEnvList("env", fc.Env); err != nil {
		return err
	}
	seen := make(map[string]bool, len(fc.Servers))
	for i, s := range fc.Servers {
		if strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("servers[%d]: command is required", i)
		}
		if s.ID == "" {
			return fmt.Errorf("servers[%d]: id is required for configured servers", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("servers[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
		if err := validEnvList(fmt.Sprintf("servers[%d].env", i), s.Env); err != nil {
			return err
		}
	}
	return nil
}

func validEnvList(field string, kvs []string) error {
	for _, kv := range kvs {
		k, _, ok := strings.Cut(kv, "=")
		if !ok || !env.ValidKey(k) {
			return fmt.Errorf("%s: invalid entry %q, expected KEY=VALUE", field, kv)
		}
	}
	return nil
}

// SupervisorConfig joins the sections the supervisor consumes.
func (fc *FileConfig) SupervisorConfig() supervisor.Config {
	c := fc.Supervisor
	c.Health = fc.Health
	c.Log = fc.Log
	return c
}

// BuildEnv composes the global environment: env files in order, then the
// top-level env list.
func (fc *FileConfig) BuildEnv() (*env.Env, error) {
	e := env.New()
	for _, p := range fc.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return nil, err
		}
	}
	for _, kv := range fc.Env {
		k, val, _ := strings.Cut(kv, "=")
		e.Set(k, val)
	}
	return e, nil
}
