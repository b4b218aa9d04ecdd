// Package supervisor owns the lifecycle of every managed server: one actor
// goroutine per server id serializes start, stop, update and delete, and
// receives process exits, kill timeouts and captured output as messages.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/mcphub/internal/env"
	"github.com/loykin/mcphub/internal/events"
	"github.com/loykin/mcphub/internal/health"
	"github.com/loykin/mcphub/internal/history"
	"github.com/loykin/mcphub/internal/lifecycle"
	"github.com/loykin/mcphub/internal/process"
	"github.com/loykin/mcphub/internal/registry"
	"github.com/loykin/mcphub/internal/store"
)

// Launcher spawns server processes.
type Launcher interface {
	Launch(spec process.Spec, onLine process.LineFunc) (*process.Handle, error)
}

type LauncherFunc func(spec process.Spec, onLine process.LineFunc) (*process.Handle, error)

func (f LauncherFunc) Launch(spec process.Spec, onLine process.LineFunc) (*process.Handle, error) {
	return f(spec, onLine)
}

type Options struct {
	Config       Config
	Store        store.Store
	Env          *env.Env
	Launcher     Launcher
	Checker      health.Checker
	HistorySinks []history.Sink
	Logger       *slog.Logger
}

type Supervisor struct {
	cfg      Config
	store    store.Store
	env      *env.Env
	launcher Launcher
	registry *registry.Registry
	emitter  *events.Emitter
	prober   *health.Prober
	sinks    []history.Sink
	logger   *slog.Logger

	mu        sync.Mutex
	handlers  map[string]*handler
	deleteSeq uint64
	closed    bool
	createMu  sync.Mutex

	done         chan struct{}
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

func New(opts Options) (*Supervisor, error) {
	if opts.Store == nil {
		return nil, errors.New("supervisor: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Env == nil {
		opts.Env = env.New()
	}
	if opts.Launcher == nil {
		opts.Launcher = LauncherFunc(process.Launch)
	}
	s := &Supervisor{
		cfg:      opts.Config.withDefaults(),
		store:    opts.Store,
		env:      opts.Env,
		launcher: opts.Launcher,
		registry: registry.New(),
		sinks:    append([]history.Sink(nil), opts.HistorySinks...),
		logger:   opts.Logger.With("component", "supervisor"),
		handlers: make(map[string]*handler),
		done:     make(chan struct{}),
	}
	s.emitter = events.New(events.Options{QueueSize: s.cfg.EventQueueSize, Logger: opts.Logger})
	s.prober = health.NewProber(health.Options{
		Config:  s.cfg.Health,
		Checker: opts.Checker,
		Targets: s.target,
		Store:   s.store,
		Emitter: s.emitter,
		Logger:  opts.Logger,
	})
	s.emitter.AddListener(s.persistLog)
	if len(s.sinks) > 0 {
		s.emitter.AddListener(s.exportHistory)
	}
	return s, nil
}

func (s *Supervisor) Emitter() *events.Emitter     { return s.emitter }
func (s *Supervisor) Registry() *registry.Registry { return s.registry }
func (s *Supervisor) Prober() *health.Prober       { return s.prober }
func (s *Supervisor) Store() store.Store           { return s.store }

// PIDs maps every running server to its pid.
func (s *Supervisor) PIDs() map[string]int32 { return s.registry.PIDs() }

func (s *Supervisor) target(id string) (health.Target, bool) {
	e, ok := s.registry.Lookup(id)
	if !ok {
		return health.Target{}, false
	}
	t := health.Target{ServerID: id, PID: e.PID}
	s.mu.Lock()
	h := s.handlers[id]
	s.mu.Unlock()
	if h != nil {
		t.Port = h.Snapshot().Port
	}
	return t, true
}

func (s *Supervisor) persistLog(ev events.Event) {
	if ev.Kind != events.LogLine {
		return
	}
	entry, ok := ev.Payload.(store.LogEntry)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	defer cancel()
	if err := s.store.AppendLog(ctx, entry); err != nil {
		s.logger.Warn("persist log line failed", "server", ev.ServerID, "error", err)
	}
}

func (s *Supervisor) exportHistory(ev events.Event) {
	if ev.Kind != events.StatusChanged {
		return
	}
	ch, ok := ev.Payload.(lifecycle.Change)
	if !ok {
		return
	}
	name := ev.ServerID
	s.mu.Lock()
	if h := s.handlers[ev.ServerID]; h != nil {
		name = h.Snapshot().Name
	}
	s.mu.Unlock()
	he := history.FromChange(ev.ServerID, name, ch, ev.Time)
	for _, sink := range s.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
		if err := sink.Send(ctx, he); err != nil {
			s.logger.Warn("history export failed", "server", ev.ServerID, "error", err)
		}
		cancel()
	}
}

// handlerFor returns the actor of id, loading the server from the store on
// first use.
func (s *Supervisor) handlerFor(ctx context.Context, id string) (*handler, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		if h, ok := s.handlers[id]; ok {
			s.mu.Unlock()
			return h, nil
		}
		seq := s.deleteSeq
		s.mu.Unlock()

		srv, err := s.store.GetServer(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, &NotFoundError{ID: id}
		}
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		if h, ok := s.handlers[id]; ok {
			s.mu.Unlock()
			return h, nil
		}
		if s.deleteSeq != seq {
			// a delete finished while we were reading; read again
			s.mu.Unlock()
			continue
		}
		h := newHandler(s, srv)
		s.handlers[id] = h
		s.wg.Add(1)
		go h.run()
		s.mu.Unlock()
		return h, nil
	}
}

func (s *Supervisor) forget(h *handler) {
	s.mu.Lock()
	if s.handlers[h.id] == h {
		delete(s.handlers, h.id)
	}
	s.deleteSeq++
	s.mu.Unlock()
}

// CreateServer validates and persists a new server in the inactive state.
func (s *Supervisor) CreateServer(ctx context.Context, spec ServerSpec) (store.Server, error) {
	now := time.Now().UTC()
	srv := store.Server{
		ID:          spec.ID,
		Name:        spec.Name,
		Description: spec.Description,
		Type:        spec.Type,
		Command:     spec.Command,
		Environment: copyEnv(spec.Environment),
		WorkDir:     spec.WorkDir,
		Port:        spec.Port,
		AutoStart:   spec.AutoStart,
		Status:      lifecycle.Inactive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	if srv.Name == "" {
		srv.Name = srv.ID
	}
	if err := validateServer(srv); err != nil {
		return store.Server{}, err
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()
	if s.isClosed() {
		return store.Server{}, ErrClosed
	}
	if _, err := s.store.GetServer(ctx, srv.ID); err == nil {
		return store.Server{}, &ValidationError{Field: "id", Message: "server " + srv.ID + " already exists"}
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Server{}, err
	}
	if err := s.store.SaveServer(ctx, srv); err != nil {
		return store.Server{}, err
	}
	s.logger.Info("server created", "server", srv.ID, "name", srv.Name)
	return srv, nil
}

// UpdateServer applies a partial update. A running server whose command,
// environment or working directory changed is restarted.
func (s *Supervisor) UpdateServer(ctx context.Context, id string, u ServerUpdate) (store.Server, error) {
	h, err := s.handlerFor(ctx, id)
	if err != nil {
		return store.Server{}, err
	}
	return h.send(ctx, ctrlMsg{typ: ctrlUpdate, update: u})
}

func (s *Supervisor) GetServer(ctx context.Context, id string) (store.Server, error) {
	s.mu.Lock()
	h := s.handlers[id]
	s.mu.Unlock()
	if h != nil {
		return h.Snapshot(), nil
	}
	srv, err := s.store.GetServer(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Server{}, &NotFoundError{ID: id}
	}
	if err == nil && srv.Status.Running() {
		srv.Status = lifecycle.Inactive
	}
	return srv, err
}

// ListServers returns every server ordered by creation time, with the live
// state of servers that have an actor.
func (s *Supervisor) ListServers(ctx context.Context) ([]store.Server, error) {
	list, err := s.store.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for i := range list {
		if h := s.handlers[list[i].ID]; h != nil {
			list[i] = h.Snapshot()
		} else if list[i].Status.Running() {
			list[i].Status = lifecycle.Inactive
		}
	}
	s.mu.Unlock()
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (s *Supervisor) StartServer(ctx context.Context, id string) (store.Server, error) {
	h, err := s.handlerFor(ctx, id)
	if err != nil {
		return store.Server{}, err
	}
	return h.send(ctx, ctrlMsg{typ: ctrlStart})
}

// StopServer returns once the process exit has been confirmed.
func (s *Supervisor) StopServer(ctx context.Context, id string) (store.Server, error) {
	h, err := s.handlerFor(ctx, id)
	if err != nil {
		return store.Server{}, err
	}
	return h.send(ctx, ctrlMsg{typ: ctrlStop})
}

func (s *Supervisor) RestartServer(ctx context.Context, id string) (store.Server, error) {
	if _, err := s.StopServer(ctx, id); err != nil {
		return store.Server{}, err
	}
	return s.StartServer(ctx, id)
}

// DeleteServer stops the server if needed and removes it with its health
// history, logs and subscribers. Deleting an unknown id succeeds.
func (s *Supervisor) DeleteServer(ctx context.Context, id string) error {
	h, err := s.handlerFor(ctx, id)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = h.send(ctx, ctrlMsg{typ: ctrlDelete})
	if IsNotFound(err) {
		return nil
	}
	return err
}

// Status is the live view of one server.
type Status struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	State         lifecycle.State `json:"state"`
	PID           int             `json:"pid,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Probing       bool            `json:"probing"`
	Subscribers   int             `json:"subscribers"`
	LastError     string          `json:"last_error,omitempty"`
	LastExit      *store.ExitInfo `json:"last_exit,omitempty"`
	Port          int             `json:"port,omitempty"`
}

func (s *Supervisor) Status(ctx context.Context, id string) (Status, error) {
	srv, err := s.GetServer(ctx, id)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		ID:          srv.ID,
		Name:        srv.Name,
		State:       srv.Status,
		Probing:     s.prober.Probing(id),
		Subscribers: s.emitter.Subscribers(id),
		LastError:   srv.LastError,
		LastExit:    srv.LastExit,
		Port:        srv.Port,
	}
	if e, ok := s.registry.Lookup(id); ok {
		started := e.StartedAt
		st.PID = e.PID
		st.StartedAt = &started
		st.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	return st, nil
}

// LatestHealth returns the most recent health record of id.
func (s *Supervisor) LatestHealth(ctx context.Context, id string) (health.Record, error) {
	if _, err := s.GetServer(ctx, id); err != nil {
		return health.Record{}, err
	}
	rec, err := s.store.LatestHealth(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return health.Record{}, &NotFoundError{ID: id}
	}
	return rec, err
}

func (s *Supervisor) HealthHistory(ctx context.Context, id string, limit int) ([]health.Record, error) {
	if _, err := s.GetServer(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListHealth(ctx, id, limit)
}

// CheckHealth probes id immediately and records the result.
func (s *Supervisor) CheckHealth(ctx context.Context, id string) (health.Record, error) {
	h, err := s.handlerFor(ctx, id)
	if err != nil {
		return health.Record{}, err
	}
	rec, ok := s.prober.CheckOnce(ctx, id)
	if !ok {
		return health.Record{}, ctx.Err()
	}
	if _, err := h.send(ctx, ctrlMsg{typ: ctrlHealth, health: rec}); err != nil {
		return health.Record{}, err
	}
	return rec, nil
}

func (s *Supervisor) Logs(ctx context.Context, id string, f store.LogFilter) ([]store.LogEntry, error) {
	if _, err := s.GetServer(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListLogs(ctx, id, f)
}

func (s *Supervisor) ClearLogs(ctx context.Context, id string) error {
	if _, err := s.GetServer(ctx, id); err != nil {
		return err
	}
	return s.store.ClearLogs(ctx, id)
}

// Subscribe attaches a push-channel sink to the events of id.
func (s *Supervisor) Subscribe(ctx context.Context, id string, sink events.Sink) error {
	h, err := s.handlerFor(ctx, id)
	if err != nil {
		return err
	}
	_, err = h.send(ctx, ctrlMsg{typ: ctrlSubscribe, sink: sink})
	return err
}

func (s *Supervisor) Unsubscribe(id string, sink events.Sink) {
	s.emitter.Unsubscribe(id, sink)
}

// Recover resets servers persisted in a transient state to inactive and
// starts every server marked autoStart. Start failures are logged.
func (s *Supervisor) Recover(ctx context.Context) error {
	list, err := s.store.ListServers(ctx)
	if err != nil {
		return err
	}
	for _, srv := range list {
		if srv.Status.Running() {
			s.logger.Info("resetting stale server state", "server", srv.ID, "status", srv.Status.String())
			srv.Status = lifecycle.Inactive
			srv.UpdatedAt = time.Now().UTC()
			if err := s.store.SaveServer(ctx, srv); err != nil {
				return err
			}
		}
	}
	for _, srv := range list {
		if !srv.AutoStart {
			continue
		}
		if _, err := s.StartServer(ctx, srv.ID); err != nil {
			s.logger.Warn("auto start failed", "server", srv.ID, "error", err)
		}
	}
	return nil
}

// ShutdownAll sends SIGTERM to every registered process without waiting.
func (s *Supervisor) ShutdownAll() {
	s.shuttingDown.Store(true)
	for _, e := range s.registry.Snapshot() {
		if err := e.Process.Terminate(); err != nil {
			s.logger.Warn("terminate on shutdown failed", "server", e.ServerID, "pid", e.PID, "error", err)
		}
	}
}

// Shutdown terminates every process, waits for the exits to be confirmed
// until ctx expires, kills what is left and then closes the supervisor.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.ShutdownAll()
	err := s.waitDrained(ctx)
	if err != nil {
		left := s.registry.Snapshot()
		s.logger.Warn("processes outlived shutdown; killing", "count", len(left))
		var g errgroup.Group
		for _, e := range left {
			g.Go(func() error { return e.Process.Kill() })
		}
		if kerr := g.Wait(); kerr != nil {
			s.logger.Warn("kill on shutdown failed", "error", kerr)
		}
		kctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.waitDrained(kctx)
		cancel()
	}
	s.Close()
	return err
}

func (s *Supervisor) waitDrained(ctx context.Context) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for s.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Close stops every actor, probe and dispatcher. It does not signal
// processes; use Shutdown for that.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
	s.prober.StopAll()
	s.emitter.Close()
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func slogLevel(l store.Level) slog.Level {
	switch l {
	case store.LevelDebug:
		return slog.LevelDebug
	case store.LevelWarn:
		return slog.LevelWarn
	case store.LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
