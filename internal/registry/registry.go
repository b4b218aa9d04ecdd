// Package registry tracks which server ids currently own a live OS process.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Process is the part of a launched process the registry needs.
type Process interface {
	PID() int
	StartedAt() time.Time
	Terminate() error
	Kill() error
}

// Entry is a registered running process.
type Entry struct {
	ServerID  string
	Process   Process
	PID       int
	StartedAt time.Time
}

// ConflictError signals an attempt to register a second process for an id.
// It always indicates a supervisor bug.
type ConflictError struct {
	ServerID    string
	ExistingPID int
	NewPID      int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("registry conflict: server %s already has live pid %d (refused pid %d)", e.ServerID, e.ExistingPID, e.NewPID)
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register records p as the live process of id. An existing entry is never
// overwritten; a *ConflictError is returned instead.
func (r *Registry) Register(id string, p Process) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[id]; ok {
		return &ConflictError{ServerID: id, ExistingPID: cur.PID, NewPID: p.PID()}
	}
	r.entries[id] = Entry{ServerID: id, Process: p, PID: p.PID(), StartedAt: p.StartedAt()}
	return nil
}

func (r *Registry) Lookup(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Unregister removes id and returns what was registered, if anything.
func (r *Registry) Unregister(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return e, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns the registered entries ordered by server id.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// PIDs maps server id to pid for every registered process.
func (r *Registry) PIDs() map[string]int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int32, len(r.entries))
	for id, e := range r.entries {
		out[id] = int32(e.PID) // #nosec G115 -- pids fit in int32
	}
	return out
}
