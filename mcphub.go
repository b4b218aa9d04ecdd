// Package mcphub embeds the MCP server supervisor: launch, stop and
// health-check server processes, persist their state, logs and health
// history, and push lifecycle events to subscribers.
package mcphub

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/mcphub/internal/config"
	"github.com/loykin/mcphub/internal/events"
	"github.com/loykin/mcphub/internal/health"
	"github.com/loykin/mcphub/internal/history"
	historyfactory "github.com/loykin/mcphub/internal/history/factory"
	"github.com/loykin/mcphub/internal/lifecycle"
	"github.com/loykin/mcphub/internal/metrics"
	iapi "github.com/loykin/mcphub/internal/server"
	"github.com/loykin/mcphub/internal/store"
	storefactory "github.com/loykin/mcphub/internal/store/factory"
	"github.com/loykin/mcphub/internal/supervisor"
)

// Re-export core types for external consumers.

type (
	Supervisor   = supervisor.Supervisor
	Options      = supervisor.Options
	Config       = supervisor.Config
	ServerSpec   = supervisor.ServerSpec
	ServerUpdate = supervisor.ServerUpdate
	Status       = supervisor.Status

	Server    = store.Server
	Store     = store.Store
	LogEntry  = store.LogEntry
	LogFilter = store.LogFilter

	State        = lifecycle.State
	Change       = lifecycle.Change
	HealthRecord = health.Record
	EventKind    = events.Kind
	EventSink    = events.Sink
	HistorySink  = history.Sink
	FileConfig   = cfg.FileConfig
)

const (
	Inactive = lifecycle.Inactive
	Starting = lifecycle.Starting
	Active   = lifecycle.Active
	Stopping = lifecycle.Stopping
	Error    = lifecycle.Error

	StatusChanged = events.StatusChanged
	LogLine       = events.LogLine
	HealthChecked = events.HealthChecked
)

var (
	ErrClosed   = supervisor.ErrClosed
	IsNotFound  = supervisor.IsNotFound
	IsInvalid   = supervisor.IsValidation
	ErrNotFound = store.ErrNotFound
)

// New creates a supervisor. Options.Store is required; see OpenStore.
func New(opts Options) (*Supervisor, error) { return supervisor.New(opts) }

// OpenStore opens memory://, sqlite:// (or a bare path) and postgres:// DSNs
// and ensures the schema.
func OpenStore(ctx context.Context, dsn string) (Store, error) {
	return storefactory.NewFromDSN(ctx, dsn)
}

// NewHistorySink opens a state-change export sink (clickhouse://,
// opensearch://, http(s)://, postgres:// or sqlite://).
func NewHistorySink(dsn string) (HistorySink, error) {
	return historyfactory.NewSinkFromDSN(dsn)
}

func LoadConfig(path string) (*FileConfig, error) { return cfg.Load(path) }

// NewHandler returns the HTTP API of sup mounted at basePath.
func NewHandler(sup *Supervisor, basePath string, withMetrics bool) http.Handler {
	var opts []iapi.Option
	if withMetrics {
		opts = append(opts, iapi.WithMetrics())
	}
	return iapi.NewRouter(sup, basePath, opts...).Handler()
}

// NewHTTPServer starts an HTTP server exposing the API of sup.
func NewHTTPServer(addr, basePath string, sup *Supervisor) *http.Server {
	return iapi.NewServer(addr, basePath, sup)
}

// Metrics helpers

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
