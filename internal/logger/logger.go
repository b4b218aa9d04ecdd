package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig configures the supervisor's own structured logger.
type SlogConfig struct {
	Level      Level  `mapstructure:"level"`
	Format     Format `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
}

// FileConfig describes where captured server output is written.
// With only Dir set, server <id> writes Dir/<id>.log. Rotation parameters
// follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config joins the application logger and per-server file logging.
type Config struct {
	Slog SlogConfig `mapstructure:"slog"`
	File FileConfig `mapstructure:"file"`
}

func DefaultConfig() Config {
	return Config{
		Slog: SlogConfig{Level: LevelInfo, Format: FormatText, TimeStamps: true},
		File: FileConfig{MaxSizeMB: DefaultMaxSizeMB, MaxBackups: DefaultMaxBackups, MaxAgeDays: DefaultMaxAgeDays},
	}
}

func (l Level) slogLevel() slog.Level {
	switch Level(strings.ToLower(string(l))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewSlogger builds the application logger writing to stderr.
func (c Config) NewSlogger() *slog.Logger {
	return c.NewSloggerTo(os.Stderr)
}

func (c Config) NewSloggerTo(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Slog.Level.slogLevel(), AddSource: c.Slog.Source}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	var h slog.Handler
	switch {
	case c.Slog.Format == FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case c.Slog.Color:
		h = NewColorTextHandler(w, opts, c.Slog.TimeStamps)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// ServerPath returns the log file of server id, or "" when file logging is off.
func (c FileConfig) ServerPath(id string) string {
	if c.Dir == "" {
		return ""
	}
	return filepath.Join(c.Dir, fmt.Sprintf("%s.log", id))
}

// ServerWriter returns a rotating writer for server id, or nil when file
// logging is not configured.
func (c FileConfig) ServerWriter(id string) (io.WriteCloser, error) {
	p := c.ServerPath(id)
	if p == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &lj.Logger{
		Filename:   p,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}, nil
}

// ServerLogger is a JSON slog logger over a server's rotating log file.
type ServerLogger struct {
	*slog.Logger
	w io.WriteCloser
}

func (l *ServerLogger) Close() error {
	if l == nil || l.w == nil {
		return nil
	}
	return l.w.Close()
}

// NewServerLogger opens the log file of server id. It returns nil, nil when
// file logging is disabled.
func (c Config) NewServerLogger(id string) (*ServerLogger, error) {
	w, err := c.File.ServerWriter(id)
	if err != nil || w == nil {
		return nil, err
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	return &ServerLogger{Logger: slog.New(h).With("server", id), w: w}, nil
}

// RemoveServerFiles deletes the current and rotated log files of server id.
func (c FileConfig) RemoveServerFiles(id string) error {
	p := c.ServerPath(id)
	if p == "" {
		return nil
	}
	matches, err := filepath.Glob(strings.TrimSuffix(p, ".log") + "*.log*")
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
