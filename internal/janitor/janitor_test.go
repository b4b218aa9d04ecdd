package janitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loykin/mcphub/internal/health"
	"github.com/loykin/mcphub/internal/lifecycle"
	"github.com/loykin/mcphub/internal/store"
	"github.com/loykin/mcphub/internal/store/memory"
)

type recordingPurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (p *recordingPurger) Purge(_ context.Context, before time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cutoffs = append(p.cutoffs, before)
	return 1, p.err
}

func (p *recordingPurger) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cutoffs)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	if _, err := New(Config{Schedule: "every tuesday"}, &recordingPurger{}, nil); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestRunOnceUsesRetention(t *testing.T) {
	p := &recordingPurger{}
	j, err := New(Config{Retention: time.Hour}, p, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return fixed }

	n, err := j.RunOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("run once = %d, %v", n, err)
	}
	if want := fixed.Add(-time.Hour); !p.cutoffs[0].Equal(want) {
		t.Fatalf("cutoff = %v, want %v", p.cutoffs[0], want)
	}
	last, removed := j.Stats()
	if !last.Equal(fixed) || removed != 1 {
		t.Fatalf("stats = %v, %d", last, removed)
	}

	p.err = errors.New("db down")
	if _, err := j.RunOnce(context.Background()); err == nil {
		t.Fatal("expected purge error")
	}
	if _, removed := j.Stats(); removed != 1 {
		t.Fatalf("failed run must not count, removed = %d", removed)
	}
}

func TestScheduledRuns(t *testing.T) {
	p := &recordingPurger{}
	j, err := New(Config{Schedule: "@every 1s"}, p, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := j.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := j.Start(); err == nil {
		t.Fatal("second start should fail")
	}
	if j.Next().IsZero() {
		t.Fatal("expected a next run time")
	}
	deadline := time.Now().Add(4 * time.Second)
	for p.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	j.Stop()
	if p.calls() == 0 {
		t.Fatal("expected at least one scheduled purge")
	}
	if !j.Next().IsZero() {
		t.Fatal("stopped janitor has no next run")
	}
}

func TestPurgesStore(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()
	if err := st.SaveServer(ctx, store.Server{ID: "a", Name: "a", Command: "x", Status: lifecycle.Inactive, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	old := now.Add(-10 * 24 * time.Hour)
	_ = st.AppendLog(ctx, store.LogEntry{ID: "l1", ServerID: "a", Level: store.LevelInfo, Message: "old", Timestamp: old})
	_ = st.AppendLog(ctx, store.LogEntry{ID: "l2", ServerID: "a", Level: store.LevelInfo, Message: "new", Timestamp: now})
	_ = st.SaveHealthRecord(ctx, health.Record{ID: "h1", ServerID: "a", Status: health.Healthy, Timestamp: old})

	j, err := New(Config{}, st, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	n, err := j.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 2 {
		t.Fatalf("purged %d, want 2", n)
	}
	logs, _ := st.ListLogs(ctx, "a", store.LogFilter{})
	if len(logs) != 1 || logs[0].Message != "new" {
		t.Fatalf("unexpected logs left: %+v", logs)
	}
}
