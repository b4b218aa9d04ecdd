package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/mcphub/internal/events"
	"github.com/loykin/mcphub/internal/metrics"
)

const (
	DefaultInterval = 60 * time.Second
	DefaultTimeout  = 5 * time.Second
)

type Config struct {
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MemoryWarnMB float64       `mapstructure:"memory_warn_mb"`
}

// RecordStore persists probe results.
type RecordStore interface {
	SaveHealthRecord(ctx context.Context, rec Record) error
}

// Emitter publishes probe results.
type Emitter interface {
	Emit(serverID string, kind events.Kind, payload any)
}

// TargetFunc resolves the live target of a server; ok is false when nothing
// is registered for it.
type TargetFunc func(serverID string) (Target, bool)

type Options struct {
	Config  Config
	Checker Checker
	Targets TargetFunc
	Store   RecordStore
	Emitter Emitter
	Logger  *slog.Logger
}

// Prober owns one ticker goroutine per monitored server.
type Prober struct {
	cfg     Config
	checker Checker
	targets TargetFunc
	store   RecordStore
	emitter Emitter
	logger  *slog.Logger

	mu     sync.Mutex
	probes map[string]*probe
}

type probe struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewProber(opts Options) *Prober {
	cfg := opts.Config
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if opts.Checker == nil {
		opts.Checker = ProcessChecker{MemoryWarnMB: cfg.MemoryWarnMB}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Prober{
		cfg:     cfg,
		checker: opts.Checker,
		targets: opts.Targets,
		store:   opts.Store,
		emitter: opts.Emitter,
		logger:  opts.Logger.With("component", "health"),
		probes:  make(map[string]*probe),
	}
}

func (p *Prober) Config() Config { return p.cfg }

// Start begins probing serverID. Calling it for an already probed server is a no-op.
func (p *Prober) Start(serverID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.probes[serverID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	pr := &probe{cancel: cancel, done: make(chan struct{})}
	p.probes[serverID] = pr
	go p.loop(ctx, serverID, pr)
}

// Stop cancels the probe of serverID and waits until its goroutine has
// exited, so no record for serverID is produced after Stop returns.
func (p *Prober) Stop(serverID string) {
	p.mu.Lock()
	pr, ok := p.probes[serverID]
	delete(p.probes, serverID)
	p.mu.Unlock()
	if !ok {
		return
	}
	pr.cancel()
	<-pr.done
}

func (p *Prober) StopAll() {
	p.mu.Lock()
	all := p.probes
	p.probes = make(map[string]*probe)
	p.mu.Unlock()
	for _, pr := range all {
		pr.cancel()
	}
	for _, pr := range all {
		<-pr.done
	}
}

// Probing reports whether serverID currently has a running probe.
func (p *Prober) Probing(serverID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.probes[serverID]
	return ok
}

func (p *Prober) loop(ctx context.Context, serverID string, pr *probe) {
	defer close(pr.done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, serverID)
		}
	}
}

func (p *Prober) tick(ctx context.Context, serverID string) {
	rec, ok := p.CheckOnce(ctx, serverID)
	if !ok {
		return
	}
	if p.store != nil {
		if err := p.store.SaveHealthRecord(ctx, rec); err != nil {
			p.logger.Warn("save health record failed", "server", serverID, "error", err)
		}
	}
	if ctx.Err() != nil {
		return
	}
	if p.emitter != nil {
		p.emitter.Emit(serverID, events.HealthChecked, rec)
	}
}

// CheckOnce runs a single probe without persisting or emitting it. ok is
// false when ctx was cancelled while probing.
func (p *Prober) CheckOnce(ctx context.Context, serverID string) (Record, bool) {
	start := time.Now()
	var res Result
	target, found := Target{}, false
	if p.targets != nil {
		target, found = p.targets(serverID)
	}
	if !found {
		res = Result{Status: Unhealthy, Error: "no running process registered"}
	} else {
		cctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		res = p.checker.Check(cctx, target)
		if cctx.Err() == context.DeadlineExceeded && res.Status == Healthy {
			res = Result{Status: Unhealthy, Error: "health check timed out"}
		}
		cancel()
	}
	if ctx.Err() != nil {
		return Record{}, false
	}
	if !res.Status.Valid() {
		res.Status = Unhealthy
	}
	elapsed := time.Since(start)
	rec := Record{
		ID:             uuid.NewString(),
		ServerID:       serverID,
		Status:         res.Status,
		Timestamp:      time.Now().UTC(),
		ResponseTimeMS: elapsed.Milliseconds(),
		Error:          res.Error,
		Warnings:       res.Warnings,
		CPUPercent:     res.CPUPercent,
		MemoryMB:       res.MemoryMB,
	}
	metrics.ObserveHealth(serverID, string(rec.Status), elapsed.Seconds())
	if rec.Status != Healthy {
		p.logger.Debug("health check", "server", serverID, "status", rec.Status, "error", rec.Error, "warnings", rec.Warnings)
	}
	return rec, true
}
