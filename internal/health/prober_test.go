package health

import (
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mcphub/internal/events"
)

type memRecords struct {
	mu   sync.Mutex
	recs []Record
}

func (m *memRecords) SaveHealthRecord(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, r)
	return nil
}

func (m *memRecords) count(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.recs {
		if r.ServerID == id {
			n++
		}
	}
	return n
}

type memEmitter struct {
	mu     sync.Mutex
	events []Record
}

func (m *memEmitter) Emit(_ string, kind events.Kind, payload any) {
	if kind != events.HealthChecked {
		return
	}
	m.mu.Lock()
	m.events = append(m.events, payload.(Record))
	m.mu.Unlock()
}

func (m *memEmitter) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func newTestProber(st *memRecords, em *memEmitter, checker Checker, targets TargetFunc) *Prober {
	return NewProber(Options{
		Config:  Config{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond},
		Checker: checker,
		Targets: targets,
		Store:   st,
		Emitter: em,
	})
}

func TestProberStartStop(t *testing.T) {
	st, em := &memRecords{}, &memEmitter{}
	healthy := CheckerFunc(func(context.Context, Target) Result { return Result{Status: Healthy} })
	p := newTestProber(st, em, healthy, func(id string) (Target, bool) { return Target{ServerID: id, PID: 1}, true })

	p.Start("a")
	p.Start("a")
	require.True(t, p.Probing("a"))
	require.Eventually(t, func() bool { return st.count("a") >= 3 }, 2*time.Second, 5*time.Millisecond)

	p.Stop("a")
	assert.False(t, p.Probing("a"))
	after := em.len()
	saved := st.count("a")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, em.len(), "no health event after Stop")
	assert.Equal(t, saved, st.count("a"), "no record after Stop")

	em.mu.Lock()
	defer em.mu.Unlock()
	for _, r := range em.events {
		assert.Equal(t, Healthy, r.Status)
		assert.NotEmpty(t, r.ID)
		assert.False(t, r.Timestamp.IsZero())
	}
}

func TestProberUnregisteredTargetIsUnhealthy(t *testing.T) {
	st, em := &memRecords{}, &memEmitter{}
	p := newTestProber(st, em, nil, func(string) (Target, bool) { return Target{}, false })
	rec, ok := p.CheckOnce(context.Background(), "ghost")
	require.True(t, ok)
	assert.Equal(t, Unhealthy, rec.Status)
	assert.NotEmpty(t, rec.Error)
}

func TestProberTimeout(t *testing.T) {
	slow := CheckerFunc(func(ctx context.Context, _ Target) Result {
		<-ctx.Done()
		return Result{Status: Healthy}
	})
	p := newTestProber(&memRecords{}, &memEmitter{}, slow, func(id string) (Target, bool) { return Target{PID: 1}, true })
	rec, ok := p.CheckOnce(context.Background(), "slow")
	require.True(t, ok)
	assert.Equal(t, Unhealthy, rec.Status)
	assert.Contains(t, rec.Error, "timed out")
}

func TestProberStopAll(t *testing.T) {
	st := &memRecords{}
	p := newTestProber(st, &memEmitter{}, CheckerFunc(func(context.Context, Target) Result { return Result{Status: Warning} }),
		func(id string) (Target, bool) { return Target{PID: 1}, true })
	for _, id := range []string{"a", "b", "c"} {
		p.Start(id)
	}
	require.Eventually(t, func() bool { return st.count("c") > 0 }, 2*time.Second, 5*time.Millisecond)
	p.StopAll()
	for _, id := range []string{"a", "b", "c"} {
		assert.False(t, p.Probing(id))
	}
}

func TestDefaults(t *testing.T) {
	p := NewProber(Options{})
	assert.Equal(t, DefaultInterval, p.Config().Interval)
	assert.Equal(t, DefaultTimeout, p.Config().Timeout)
}

func TestProcessChecker(t *testing.T) {
	self := Target{ServerID: "self", PID: os.Getpid()}
	ctx := context.Background()

	res := ProcessChecker{}.Check(ctx, self)
	assert.Equal(t, Healthy, res.Status, "warnings: %v error: %s", res.Warnings, res.Error)
	assert.Greater(t, res.MemoryMB, 0.0)

	res = ProcessChecker{MemoryWarnMB: 0.001}.Check(ctx, self)
	assert.Equal(t, Warning, res.Status)

	res = ProcessChecker{}.Check(ctx, Target{PID: 0})
	assert.Equal(t, Unhealthy, res.Status)

	// closed port only warns
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	res = ProcessChecker{}.Check(ctx, Target{PID: os.Getpid(), Port: port})
	assert.Equal(t, Healthy, res.Status)
	require.NoError(t, l.Close())
	res = ProcessChecker{}.Check(ctx, Target{PID: os.Getpid(), Port: port})
	assert.Equal(t, Warning, res.Status)
}
