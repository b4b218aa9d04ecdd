package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProc struct {
	pid        int
	terminated atomic.Int32
	killed     atomic.Int32
}

func (f *fakeProc) PID() int             { return f.pid }
func (f *fakeProc) StartedAt() time.Time { return time.Unix(int64(f.pid), 0) }
func (f *fakeProc) Terminate() error     { f.terminated.Add(1); return nil }
func (f *fakeProc) Kill() error          { f.killed.Add(1); return nil }

func TestRegisterConflictKeepsExisting(t *testing.T) {
	r := New()
	first := &fakeProc{pid: 10}
	require.NoError(t, r.Register("a", first))

	err := r.Register("a", &fakeProc{pid: 11})
	var ce *ConflictError
	require.True(t, errors.As(err, &ce), "expected ConflictError, got %v", err)
	assert.Equal(t, 10, ce.ExistingPID)
	assert.Equal(t, 11, ce.NewPID)

	e, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Same(t, first, e.Process)
	assert.Equal(t, 10, e.PID)
}

func TestUnregister(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("a", &fakeProc{pid: 1}))
	e, ok := r.Unregister("a")
	require.True(t, ok)
	assert.Equal(t, 1, e.PID)
	_, ok = r.Unregister("a")
	assert.False(t, ok)
	_, ok = r.Lookup("a")
	assert.False(t, ok)
	require.NoError(t, r.Register("a", &fakeProc{pid: 2}), "id is free again after unregister")
}

func TestConcurrentRegisterSingleWinner(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.Register("same", &fakeProc{pid: 100 + i}) == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, r.Len())
}

func TestSnapshotAndPIDs(t *testing.T) {
	r := New()
	for i := 3; i > 0; i-- {
		require.NoError(t, r.Register(fmt.Sprintf("s%d", i), &fakeProc{pid: i}))
	}
	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "s1", snap[0].ServerID)
	assert.Equal(t, "s3", snap[2].ServerID)
	assert.Equal(t, map[string]int32{"s1": 1, "s2": 2, "s3": 3}, r.PIDs())
}
