// Package memory is an in-process store used by tests and the memory:// DSN.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loykin/mcphub/internal/health"
	"github.com/loykin/mcphub/internal/store"
)

type DB struct {
	mu      sync.RWMutex
	servers map[string]store.Server
	health  map[string][]health.Record
	logs    map[string][]store.LogEntry
}

func New() *DB {
	return &DB{
		servers: make(map[string]store.Server),
		health:  make(map[string][]health.Record),
		logs:    make(map[string][]store.LogEntry),
	}
}

func (d *DB) EnsureSchema(context.Context) error { return nil }

func (d *DB) Close() error { return nil }

func (d *DB) GetServer(_ context.Context, id string) (store.Server, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.servers[id]
	if !ok {
		return store.Server{}, store.ErrNotFound
	}
	return cloneServer(s), nil
}

func (d *DB) ListServers(context.Context) ([]store.Server, error) {
	d.mu.RLock()
	out := make([]store.Server, 0, len(d.servers))
	for _, s := range d.servers {
		out = append(out, cloneServer(s))
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (d *DB) SaveServer(_ context.Context, s store.Server) error {
	d.mu.Lock()
	d.servers[s.ID] = cloneServer(s)
	d.mu.Unlock()
	return nil
}

func (d *DB) DeleteServer(_ context.Context, id string) error {
	d.mu.Lock()
	delete(d.servers, id)
	delete(d.health, id)
	delete(d.logs, id)
	d.mu.Unlock()
	return nil
}

func (d *DB) SaveHealthRecord(_ context.Context, rec health.Record) error {
	d.mu.Lock()
	d.health[rec.ServerID] = append(d.health[rec.ServerID], rec)
	d.mu.Unlock()
	return nil
}

func (d *DB) LatestHealth(_ context.Context, serverID string) (health.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	recs := d.health[serverID]
	if len(recs) == 0 {
		return health.Record{}, store.ErrNotFound
	}
	latest := recs[0]
	for _, r := range recs[1:] {
		if !r.Timestamp.Before(latest.Timestamp) {
			latest = r
		}
	}
	return latest, nil
}

func (d *DB) ListHealth(_ context.Context, serverID string, limit int) ([]health.Record, error) {
	d.mu.RLock()
	recs := append([]health.Record(nil), d.health[serverID]...)
	d.mu.RUnlock()
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.After(recs[j].Timestamp) })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (d *DB) AppendLog(_ context.Context, e store.LogEntry) error {
	d.mu.Lock()
	d.logs[e.ServerID] = append(d.logs[e.ServerID], e)
	d.mu.Unlock()
	return nil
}

func (d *DB) ListLogs(_ context.Context, serverID string, f store.LogFilter) ([]store.LogEntry, error) {
	d.mu.RLock()
	all := d.logs[serverID]
	matched := make([]store.LogEntry, 0, len(all))
	// newest first; append order breaks timestamp ties
	for i := len(all) - 1; i >= 0; i-- {
		if f.Match(all[i]) {
			matched = append(matched, all[i])
		}
	}
	d.mu.RUnlock()
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })
	if f.Offset >= len(matched) {
		return []store.LogEntry{}, nil
	}
	matched = matched[f.Offset:]
	if lim := f.EffectiveLimit(); len(matched) > lim {
		matched = matched[:lim]
	}
	return matched, nil
}

func (d *DB) ClearLogs(_ context.Context, serverID string) error {
	d.mu.Lock()
	delete(d.logs, serverID)
	d.mu.Unlock()
	return nil
}

func (d *DB) Purge(_ context.Context, before time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for id, entries := range d.logs {
		kept := entries[:0]
		for _, e := range entries {
			if e.Timestamp.Before(before) {
				n++
				continue
			}
			kept = append(kept, e)
		}
		d.logs[id] = kept
	}
	for id, recs := range d.health {
		kept := recs[:0]
		for _, r := range recs {
			if r.Timestamp.Before(before) {
				n++
				continue
			}
			kept = append(kept, r)
		}
		d.health[id] = kept
	}
	return n, nil
}

func cloneServer(s store.Server) store.Server {
	if s.Environment != nil {
		env := make(map[string]string, len(s.Environment))
		for k, v := range s.Environment {
			env[k] = v
		}
		s.Environment = env
	}
	if s.LastExit != nil {
		le := *s.LastExit
		s.LastExit = &le
	}
	return s
}
