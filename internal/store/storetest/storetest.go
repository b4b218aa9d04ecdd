// Package storetest holds behaviour tests shared by every store.Store backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/loykin/mcphub/internal/health"
	"github.com/loykin/mcphub/internal/lifecycle"
	"github.com/loykin/mcphub/internal/store"
)

// Run exercises st. The store must be empty.
func Run(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	t.Run("servers", func(t *testing.T) { servers(t, ctx, st) })
	t.Run("health", func(t *testing.T) { healthRecords(t, ctx, st) })
	t.Run("logs", func(t *testing.T) { logs(t, ctx, st) })
	t.Run("delete cascades", func(t *testing.T) { deleteCascades(t, ctx, st) })
	t.Run("purge", func(t *testing.T) { purge(t, ctx, st) })
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func servers(t *testing.T, ctx context.Context, st store.Store) {
	if _, err := st.GetServer(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	a := store.Server{
		ID: "srv-a", Name: "alpha", Command: "sleep 100",
		Environment: map[string]string{"TOKEN": "x"}, Port: 8080, AutoStart: true,
		Status: lifecycle.Inactive, CreatedAt: base, UpdatedAt: base,
	}
	b := store.Server{ID: "srv-b", Name: "beta", Command: "cat", Status: lifecycle.Inactive, CreatedAt: base.Add(time.Second), UpdatedAt: base}
	for _, s := range []store.Server{b, a} {
		if err := st.SaveServer(ctx, s); err != nil {
			t.Fatalf("SaveServer: %v", err)
		}
	}
	got, err := st.GetServer(ctx, "srv-a")
	if err != nil {
		t.Fatalf("GetServer: %v", err)
	}
	if got.Name != "alpha" || got.Environment["TOKEN"] != "x" || got.Port != 8080 || !got.AutoStart || !got.CreatedAt.Equal(base) {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	a.Status = lifecycle.Error
	a.LastError = "boom"
	a.LastExit = &store.ExitInfo{Code: 1, Reason: "exited", At: base}
	if err := st.SaveServer(ctx, a); err != nil {
		t.Fatalf("SaveServer update: %v", err)
	}
	got, _ = st.GetServer(ctx, "srv-a")
	if got.Status != lifecycle.Error || got.LastError != "boom" || got.LastExit == nil || got.LastExit.Code != 1 {
		t.Fatalf("update not persisted: %+v", got)
	}

	list, err := st.ListServers(ctx)
	if err != nil {
		t.Fatalf("ListServers: %v", err)
	}
	if len(list) != 2 || list[0].ID != "srv-a" || list[1].ID != "srv-b" {
		t.Fatalf("unexpected list order: %+v", list)
	}
}

func healthRecords(t *testing.T, ctx context.Context, st store.Store) {
	if _, err := st.LatestHealth(ctx, "h"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for i, s := range []health.Status{health.Healthy, health.Warning, health.Unhealthy} {
		rec := health.Record{
			ID: fmt.Sprintf("h-%d", i), ServerID: "h", Status: s,
			Timestamp: base.Add(time.Duration(i) * time.Minute), ResponseTimeMS: int64(i),
		}
		if s == health.Warning {
			rec.Warnings = []string{"memory high"}
		}
		if err := st.SaveHealthRecord(ctx, rec); err != nil {
			t.Fatalf("SaveHealthRecord: %v", err)
		}
	}
	latest, err := st.LatestHealth(ctx, "h")
	if err != nil {
		t.Fatalf("LatestHealth: %v", err)
	}
	if latest.Status != health.Unhealthy || latest.ID != "h-2" {
		t.Fatalf("expected newest record, got %+v", latest)
	}
	hist, err := st.ListHealth(ctx, "h", 2)
	if err != nil {
		t.Fatalf("ListHealth: %v", err)
	}
	if len(hist) != 2 || hist[0].ID != "h-2" || hist[1].ID != "h-1" || len(hist[1].Warnings) != 1 {
		t.Fatalf("unexpected history: %+v", hist)
	}

	for i := 0; i < 150; i++ {
		rec := health.Record{
			ID: fmt.Sprintf("many-%d", i), ServerID: "many", Status: health.Healthy,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if err := st.SaveHealthRecord(ctx, rec); err != nil {
			t.Fatalf("SaveHealthRecord: %v", err)
		}
	}
	all, err := st.ListHealth(ctx, "many", 0)
	if err != nil {
		t.Fatalf("ListHealth without limit: %v", err)
	}
	if len(all) != 150 || all[0].ID != "many-149" {
		t.Fatalf("expected all 150 records newest first, got %d", len(all))
	}
}

func logs(t *testing.T, ctx context.Context, st store.Store) {
	levels := []store.Level{store.LevelInfo, store.LevelError, store.LevelInfo, store.LevelWarn, store.LevelInfo}
	for i, l := range levels {
		e := store.LogEntry{
			ID: fmt.Sprintf("l-%d", i), ServerID: "l", Level: l, Message: fmt.Sprintf("line %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second), Metadata: map[string]string{"stream": "stdout"},
		}
		if err := st.AppendLog(ctx, e); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}
	all, err := st.ListLogs(ctx, "l", store.LogFilter{})
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(all) != 5 || all[0].Message != "line 4" || all[4].Message != "line 0" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	if all[0].Metadata["stream"] != "stdout" {
		t.Fatalf("metadata lost: %+v", all[0])
	}

	info, _ := st.ListLogs(ctx, "l", store.LogFilter{Level: store.LevelInfo})
	if len(info) != 3 {
		t.Fatalf("level filter: got %d", len(info))
	}
	window, _ := st.ListLogs(ctx, "l", store.LogFilter{Since: base.Add(time.Second), Until: base.Add(3 * time.Second)})
	if len(window) != 3 || window[0].Message != "line 3" {
		t.Fatalf("time filter: %+v", window)
	}
	page, _ := st.ListLogs(ctx, "l", store.LogFilter{Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].Message != "line 3" || page[1].Message != "line 2" {
		t.Fatalf("paging: %+v", page)
	}
	beyond, _ := st.ListLogs(ctx, "l", store.LogFilter{Offset: 10})
	if len(beyond) != 0 {
		t.Fatalf("expected empty page, got %d", len(beyond))
	}

	if err := st.ClearLogs(ctx, "l"); err != nil {
		t.Fatalf("ClearLogs: %v", err)
	}
	if left, _ := st.ListLogs(ctx, "l", store.LogFilter{}); len(left) != 0 {
		t.Fatalf("logs not cleared: %d", len(left))
	}
}

func deleteCascades(t *testing.T, ctx context.Context, st store.Store) {
	s := store.Server{ID: "del", Name: "del", Command: "true", Status: lifecycle.Inactive, CreatedAt: base, UpdatedAt: base}
	if err := st.SaveServer(ctx, s); err != nil {
		t.Fatal(err)
	}
	_ = st.SaveHealthRecord(ctx, health.Record{ID: "del-h", ServerID: "del", Status: health.Healthy, Timestamp: base})
	_ = st.AppendLog(ctx, store.LogEntry{ID: "del-l", ServerID: "del", Level: store.LevelInfo, Message: "x", Timestamp: base})

	if err := st.DeleteServer(ctx, "del"); err != nil {
		t.Fatalf("DeleteServer: %v", err)
	}
	if err := st.DeleteServer(ctx, "del"); err != nil {
		t.Fatalf("second DeleteServer should succeed: %v", err)
	}
	if _, err := st.GetServer(ctx, "del"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("server still present: %v", err)
	}
	if _, err := st.LatestHealth(ctx, "del"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("health history still present: %v", err)
	}
	if l, _ := st.ListLogs(ctx, "del", store.LogFilter{}); len(l) != 0 {
		t.Fatalf("logs still present: %d", len(l))
	}
}

func purge(t *testing.T, ctx context.Context, st store.Store) {
	old := base.Add(-48 * time.Hour)
	_ = st.AppendLog(ctx, store.LogEntry{ID: "p-old", ServerID: "p", Level: store.LevelInfo, Message: "old", Timestamp: old})
	_ = st.AppendLog(ctx, store.LogEntry{ID: "p-new", ServerID: "p", Level: store.LevelInfo, Message: "new", Timestamp: base})
	_ = st.SaveHealthRecord(ctx, health.Record{ID: "p-h-old", ServerID: "p", Status: health.Healthy, Timestamp: old})

	n, err := st.Purge(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n < 2 {
		t.Fatalf("expected at least 2 purged rows, got %d", n)
	}
	left, _ := st.ListLogs(ctx, "p", store.LogFilter{})
	if len(left) != 1 || left[0].Message != "new" {
		t.Fatalf("unexpected logs after purge: %+v", left)
	}
}
