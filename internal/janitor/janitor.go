// Package janitor periodically purges old logs and health records.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSchedule  = "@hourly"
	DefaultRetention = 7 * 24 * time.Hour
)

type Config struct {
	Enabled   bool          `mapstructure:"enabled"`
	Schedule  string        `mapstructure:"schedule"`
	Retention time.Duration `mapstructure:"retention"`
	TimeZone  string        `mapstructure:"timezone"`
}

// Purger deletes records older than before and reports how many went.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

type Janitor struct {
	cfg       Config
	purger    Purger
	scheduler *cron.Cron
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	entryID cron.EntryID
	started bool
	lastRun time.Time
	removed int64
}

// New validates the schedule and returns an unstarted janitor.
func New(cfg Config, p Purger, logger *slog.Logger) (*Janitor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}
	opts := []cron.Option{cron.WithParser(parser)}
	if cfg.TimeZone != "" {
		loc, err := time.LoadLocation(cfg.TimeZone)
		if err != nil {
			logger.Warn("invalid timezone, using local time", "timezone", cfg.TimeZone, "error", err)
		} else {
			opts = append(opts, cron.WithLocation(loc))
		}
	}
	return &Janitor{
		cfg:       cfg,
		purger:    p,
		scheduler: cron.New(opts...),
		logger:    logger.With("component", "janitor"),
		now:       time.Now,
	}, nil
}

func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return fmt.Errorf("janitor already started")
	}
	id, err := j.scheduler.AddFunc(j.cfg.Schedule, func() { _, _ = j.RunOnce(context.Background()) })
	if err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	j.entryID = id
	j.started = true
	j.scheduler.Start()
	j.logger.Info("retention janitor scheduled", "schedule", j.cfg.Schedule, "retention", j.cfg.Retention)
	return nil
}

// Stop cancels the schedule and waits for a running purge to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.started {
		j.mu.Unlock()
		return
	}
	j.started = false
	j.scheduler.Remove(j.entryID)
	j.mu.Unlock()
	<-j.scheduler.Stop().Done()
}

// RunOnce purges everything older than the retention period.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.cfg.Retention)
	n, err := j.purger.Purge(ctx, cutoff)
	if err != nil {
		j.logger.Error("purge failed", "before", cutoff, "error", err)
		return 0, err
	}
	j.mu.Lock()
	j.lastRun = j.now()
	j.removed += n
	j.mu.Unlock()
	if n > 0 {
		j.logger.Info("purged old records", "count", n, "before", cutoff)
	}
	return n, nil
}

// Next returns the next scheduled run, or the zero time when not started.
func (j *Janitor) Next() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.started {
		return time.Time{}
	}
	return j.scheduler.Entry(j.entryID).Next
}

// Stats reports the last completed run and the total removed so far.
func (j *Janitor) Stats() (time.Time, int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRun, j.removed
}
