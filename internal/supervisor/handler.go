package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/mcphub/internal/events"
	"github.com/loykin/mcphub/internal/health"
	"github.com/loykin/mcphub/internal/lifecycle"
	"github.com/loykin/mcphub/internal/logger"
	"github.com/loykin/mcphub/internal/metrics"
	"github.com/loykin/mcphub/internal/process"
	"github.com/loykin/mcphub/internal/store"
)

// ctrlType enumerates the messages a handler serializes.
type ctrlType int

const (
	ctrlStart ctrlType = iota
	ctrlStop
	ctrlDelete
	ctrlUpdate
	ctrlExited
	ctrlKillTimeout
	ctrlLine
	ctrlHealth
	ctrlSubscribe
)

type ctrlMsg struct {
	typ    ctrlType
	gen    uint64
	update ServerUpdate
	stream process.Stream
	line   string
	health health.Record
	sink   events.Sink
	reply  chan result
}

type result struct {
	srv store.Server
	err error
}

const inboxSize = 64

// handler is the actor owning one server. Only its run goroutine mutates
// the server record, the registry entry and the fields below mu.
type handler struct {
	s     *Supervisor
	id    string
	inbox chan ctrlMsg
	quit  chan struct{}

	mu  sync.RWMutex
	srv store.Server

	proc      *process.Handle
	gen       uint64
	killTimer *time.Timer
	forced    bool
	deleting  bool
	gone      bool
	flog      *logger.ServerLogger

	stopWaiters   []chan result
	startWaiters  []chan result
	deleteWaiters []chan result
}

func newHandler(s *Supervisor, srv store.Server) *handler {
	// No process survives a supervisor restart.
	if srv.Status.Running() {
		srv.Status = lifecycle.Inactive
	}
	return &handler{
		s:     s,
		id:    srv.ID,
		inbox: make(chan ctrlMsg, inboxSize),
		quit:  make(chan struct{}),
		srv:   srv,
	}
}

// Snapshot returns a copy of the current server record.
func (h *handler) Snapshot() store.Server {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.srv
}

func (h *handler) update(fn func(*store.Server)) store.Server {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.srv)
	return h.srv
}

// send delivers a request and waits for its reply.
func (h *handler) send(ctx context.Context, m ctrlMsg) (store.Server, error) {
	m.reply = make(chan result, 1)
	select {
	case h.inbox <- m:
	case <-h.quit:
		return store.Server{}, &NotFoundError{ID: h.id}
	case <-h.s.done:
		return store.Server{}, ErrClosed
	case <-ctx.Done():
		return store.Server{}, ctx.Err()
	}
	select {
	case r := <-m.reply:
		return r.srv, r.err
	case <-h.quit:
		select {
		case r := <-m.reply:
			return r.srv, r.err
		default:
			return store.Server{}, &NotFoundError{ID: h.id}
		}
	case <-h.s.done:
		return store.Server{}, ErrClosed
	case <-ctx.Done():
		return store.Server{}, ctx.Err()
	}
}

// post is used by the handler's own helpers (exit watcher, kill timer,
// output readers). It gives up once the handler is gone.
func (h *handler) post(m ctrlMsg) {
	select {
	case h.inbox <- m:
	case <-h.quit:
	case <-h.s.done:
	}
}

func (h *handler) run() {
	defer h.s.wg.Done()
	defer h.cleanup()
	for {
		select {
		case <-h.s.done:
			return
		case m := <-h.inbox:
			h.handle(m)
			if h.gone {
				return
			}
		}
	}
}

func (h *handler) cleanup() {
	if h.killTimer != nil {
		h.killTimer.Stop()
	}
	_ = h.flog.Close()
	close(h.quit)
	nf := result{err: &NotFoundError{ID: h.id}}
	if !h.gone {
		nf = result{err: ErrClosed}
	}
	reply(h.stopWaiters, nf)
	reply(h.startWaiters, nf)
	reply(h.deleteWaiters, nf)
	for {
		select {
		case m := <-h.inbox:
			if m.reply != nil {
				m.reply <- nf
			}
		default:
			return
		}
	}
}

func reply(ws []chan result, r result) {
	for _, w := range ws {
		w <- r
	}
}

func (h *handler) handle(m ctrlMsg) {
	switch m.typ {
	case ctrlStart:
		h.onStart(m.reply)
	case ctrlStop:
		h.onStop(m.reply)
	case ctrlDelete:
		h.onDelete(m.reply)
	case ctrlUpdate:
		h.onUpdate(m.update, m.reply)
	case ctrlExited:
		if m.gen == h.gen && h.proc != nil {
			h.onExited()
		}
	case ctrlKillTimeout:
		if m.gen == h.gen {
			h.onKillTimeout()
		}
	case ctrlLine:
		if m.gen == h.gen {
			h.onLine(m.stream, m.line)
		}
	case ctrlHealth:
		h.onHealth(m.health, m.reply)
	case ctrlSubscribe:
		if h.deleting {
			m.reply <- result{err: &NotFoundError{ID: h.id}}
			return
		}
		m.reply <- result{err: h.s.emitter.Subscribe(h.id, m.sink)}
	}
}

// onHealth records an on-demand probe result unless the server is being
// deleted.
func (h *handler) onHealth(rec health.Record, rep chan result) {
	if h.deleting {
		rep <- result{err: &NotFoundError{ID: h.id}}
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.s.cfg.StoreTimeout)
	defer cancel()
	if err := h.s.store.SaveHealthRecord(ctx, rec); err != nil {
		rep <- result{err: err}
		return
	}
	h.s.emitter.Emit(h.id, events.HealthChecked, rec)
	rep <- result{srv: h.Snapshot()}
}

func (h *handler) onStart(rep chan result) {
	if h.deleting {
		rep <- result{err: &NotFoundError{ID: h.id}}
		return
	}
	switch h.Snapshot().Status {
	case lifecycle.Active, lifecycle.Starting:
		rep <- result{srv: h.Snapshot()}
	case lifecycle.Stopping:
		h.startWaiters = append(h.startWaiters, rep)
	default:
		srv, err := h.launch()
		rep <- result{srv: srv, err: err}
	}
}

func (h *handler) onStop(rep chan result) {
	switch h.Snapshot().Status {
	case lifecycle.Active:
		h.beginStop()
		h.stopWaiters = append(h.stopWaiters, rep)
	case lifecycle.Stopping:
		h.stopWaiters = append(h.stopWaiters, rep)
	default:
		rep <- result{srv: h.Snapshot()}
	}
}

func (h *handler) onDelete(rep chan result) {
	h.deleting = true
	h.deleteWaiters = append(h.deleteWaiters, rep)
	switch h.Snapshot().Status {
	case lifecycle.Active:
		h.beginStop()
	case lifecycle.Stopping:
	default:
		h.finalizeDelete()
	}
}

func (h *handler) onUpdate(u ServerUpdate, rep chan result) {
	if h.deleting {
		rep <- result{err: &NotFoundError{ID: h.id}}
		return
	}
	next, relaunch := u.apply(h.Snapshot())
	if err := validateServer(next); err != nil {
		rep <- result{err: err}
		return
	}
	next.UpdatedAt = time.Now().UTC()
	srv := h.update(func(s *store.Server) {
		status := s.Status
		*s = next
		s.Status = status
	})
	h.persist(srv)

	switch srv.Status {
	case lifecycle.Active:
		if relaunch {
			h.s.logger.Info("restarting server after update", "server", h.id)
			h.beginStop()
			h.startWaiters = append(h.startWaiters, rep)
			return
		}
	case lifecycle.Stopping:
		if relaunch {
			h.startWaiters = append(h.startWaiters, rep)
			return
		}
	}
	rep <- result{srv: srv}
}

// launch moves the server through starting to active, or to error when the
// process cannot be spawned.
func (h *handler) launch() (store.Server, error) {
	h.transition(lifecycle.Starting, lifecycle.ReasonStartRequested, lifecycle.Change{})
	srv := h.Snapshot()

	h.gen++
	gen := h.gen
	spec := process.Spec{
		Name:    h.id,
		Command: srv.Command,
		WorkDir: srv.WorkDir,
		Env:     h.s.env.Merge(srv.Environment),
	}
	proc, err := h.s.launcher.Launch(spec, func(stream process.Stream, line string) {
		h.post(ctrlMsg{typ: ctrlLine, gen: gen, stream: stream, line: line})
	})
	if err != nil {
		metrics.IncLaunchFailure(h.id)
		return h.fail(err)
	}
	if err := h.s.registry.Register(h.id, proc); err != nil {
		h.s.logger.Error("registry conflict, killing duplicate process", "server", h.id, "pid", proc.PID(), "error", err)
		_ = proc.Kill()
		h.gen++
		return h.fail(err)
	}

	h.proc = proc
	h.forced = false
	if fl, err := h.s.cfg.Log.NewServerLogger(h.id); err != nil {
		h.s.logger.Warn("open server log file failed", "server", h.id, "error", err)
	} else {
		h.flog = fl
	}
	h.update(func(s *store.Server) { s.LastError = "" })
	h.transition(lifecycle.Active, lifecycle.ReasonLaunched, lifecycle.Change{PID: proc.PID()})
	metrics.IncStart(h.id)
	metrics.SetRunning(h.s.registry.Len())
	h.s.prober.Start(h.id)
	h.supervisorLog(store.LevelInfo, fmt.Sprintf("started pid %d", proc.PID()), proc.PID())
	h.s.logger.Info("server started", "server", h.id, "pid", proc.PID())

	go func() {
		<-proc.Done()
		h.post(ctrlMsg{typ: ctrlExited, gen: gen})
	}()
	return h.Snapshot(), nil
}

func (h *handler) fail(err error) (store.Server, error) {
	h.update(func(s *store.Server) { s.LastError = err.Error() })
	h.transition(lifecycle.Error, lifecycle.ReasonLaunchFailed, lifecycle.Change{Error: err.Error()})
	h.supervisorLog(store.LevelError, "launch failed: "+err.Error(), 0)
	h.s.logger.Error("server launch failed", "server", h.id, "error", err)
	return h.Snapshot(), err
}

func (h *handler) beginStop() {
	pid := h.proc.PID()
	h.transition(lifecycle.Stopping, lifecycle.ReasonStopRequested, lifecycle.Change{PID: pid})
	h.s.prober.Stop(h.id)
	if err := h.proc.Terminate(); err != nil {
		h.s.logger.Warn("terminate failed", "server", h.id, "pid", pid, "error", err)
	}
	gen := h.gen
	h.killTimer = time.AfterFunc(h.s.cfg.GracePeriod, func() {
		h.post(ctrlMsg{typ: ctrlKillTimeout, gen: gen})
	})
}

func (h *handler) onKillTimeout() {
	if h.proc == nil || h.Snapshot().Status != lifecycle.Stopping {
		return
	}
	tt := &TerminationTimeout{ServerID: h.id, PID: h.proc.PID(), Grace: h.s.cfg.GracePeriod}
	h.s.logger.Warn(tt.Error(), "server", h.id, "pid", tt.PID)
	h.supervisorLog(store.LevelWarn, tt.Error(), tt.PID)
	h.forced = true
	metrics.IncForcedKill(h.id)
	if err := h.proc.Kill(); err != nil {
		h.s.logger.Warn("kill failed", "server", h.id, "pid", tt.PID, "error", err)
	}
}

func (h *handler) onExited() {
	proc := h.proc
	h.proc = nil
	if h.killTimer != nil {
		h.killTimer.Stop()
		h.killTimer = nil
	}
	h.s.registry.Unregister(h.id)
	metrics.SetRunning(h.s.registry.Len())
	h.s.prober.Stop(h.id)

	code := proc.ExitCode()
	ch := lifecycle.Change{PID: proc.PID(), ExitCode: &code, Forced: h.forced}
	var reason lifecycle.Reason
	switch h.Snapshot().Status {
	case lifecycle.Stopping:
		reason = lifecycle.ReasonStopped
		metrics.IncStop(h.id)
	default:
		reason = lifecycle.ReasonExited
		if h.s.shuttingDown.Load() {
			reason = lifecycle.ReasonShutdown
		} else {
			metrics.IncUnexpectedExit(h.id)
			if err := proc.ExitErr(); err != nil {
				ch.Error = err.Error()
			}
		}
	}
	h.update(func(s *store.Server) {
		s.LastExit = &store.ExitInfo{Code: code, Reason: string(reason), Error: ch.Error, At: proc.ExitedAt().UTC()}
	})
	h.transition(lifecycle.Inactive, reason, ch)

	if reason == lifecycle.ReasonExited {
		h.supervisorLog(store.LevelWarn, fmt.Sprintf("process exited unexpectedly (code %d)", code), ch.PID)
		h.s.logger.Warn("server exited unexpectedly", "server", h.id, "pid", ch.PID, "code", code)
	} else {
		h.supervisorLog(store.LevelInfo, fmt.Sprintf("process stopped (code %d)", code), ch.PID)
		h.s.logger.Info("server stopped", "server", h.id, "pid", ch.PID, "forced", h.forced)
	}
	_ = h.flog.Close()
	h.flog = nil

	srv := h.Snapshot()
	reply(h.stopWaiters, result{srv: srv})
	h.stopWaiters = nil

	if h.deleting {
		h.finalizeDelete()
		return
	}
	if len(h.startWaiters) > 0 {
		ws := h.startWaiters
		h.startWaiters = nil
		srv, err := h.launch()
		reply(ws, result{srv: srv, err: err})
	}
}

// finalizeDelete runs once no process is left. Probe, subscribers, stored
// data and log files are gone before any delete waiter is released.
func (h *handler) finalizeDelete() {
	h.s.prober.Stop(h.id)
	h.s.emitter.Detach(h.id)

	ctx, cancel := context.WithTimeout(context.Background(), h.s.cfg.StoreTimeout)
	err := h.s.store.DeleteServer(ctx, h.id)
	cancel()
	if err != nil {
		h.s.logger.Error("delete server from store failed", "server", h.id, "error", err)
	}
	metrics.ForgetServer(h.id)
	if ferr := h.s.cfg.Log.File.RemoveServerFiles(h.id); ferr != nil {
		h.s.logger.Warn("remove server log files failed", "server", h.id, "error", ferr)
	}
	h.s.forget(h)
	h.s.logger.Info("server deleted", "server", h.id)

	reply(h.deleteWaiters, result{err: err})
	h.deleteWaiters = nil
	reply(h.startWaiters, result{err: &NotFoundError{ID: h.id}})
	h.startWaiters = nil
	h.gone = true
}

func (h *handler) onLine(stream process.Stream, line string) {
	pid := 0
	if h.proc != nil {
		pid = h.proc.PID()
	}
	level := store.LevelInfo
	if stream == process.Stderr {
		level = store.LevelError
	}
	if h.flog != nil {
		if level == store.LevelError {
			h.flog.Error(line, "stream", string(stream), "pid", pid)
		} else {
			h.flog.Info(line, "stream", string(stream), "pid", pid)
		}
	}
	h.emitLog(level, line, string(stream), pid)
}

func (h *handler) supervisorLog(level store.Level, msg string, pid int) {
	if h.flog != nil {
		h.flog.Log(context.Background(), slogLevel(level), msg, "stream", "supervisor", "pid", pid)
	}
	h.emitLog(level, msg, "supervisor", pid)
}

func (h *handler) emitLog(level store.Level, msg, stream string, pid int) {
	meta := map[string]string{"stream": stream}
	if pid > 0 {
		meta["pid"] = strconv.Itoa(pid)
	}
	h.s.emitter.Emit(h.id, events.LogLine, store.LogEntry{
		ID:        uuid.NewString(),
		ServerID:  h.id,
		Level:     level,
		Message:   msg,
		Timestamp: time.Now().UTC(),
		Metadata:  meta,
	})
}

// transition validates, persists and publishes a state change.
func (h *handler) transition(to lifecycle.State, reason lifecycle.Reason, ch lifecycle.Change) {
	from := h.Snapshot().Status
	if err := lifecycle.Transition(from, to); err != nil {
		h.s.logger.Error("refusing state change", "server", h.id, "error", err)
		return
	}
	ch.From, ch.To, ch.Reason = from, to, reason
	srv := h.update(func(s *store.Server) {
		s.Status = to
		s.UpdatedAt = time.Now().UTC()
	})
	h.persist(srv)
	metrics.RecordStateTransition(h.id, from.String(), to.String())
	metrics.SetCurrentState(h.id, to.String())
	h.s.emitter.Emit(h.id, events.StatusChanged, ch)
}

func (h *handler) persist(srv store.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), h.s.cfg.StoreTimeout)
	defer cancel()
	if err := h.s.store.SaveServer(ctx, srv); err != nil && !errors.Is(err, context.Canceled) {
		h.s.logger.Error("persist server failed", "server", h.id, "status", srv.Status.String(), "error", err)
	}
}
