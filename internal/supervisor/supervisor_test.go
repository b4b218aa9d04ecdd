package supervisor

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mcphub/internal/events"
	"github.com/loykin/mcphub/internal/health"
	"github.com/loykin/mcphub/internal/lifecycle"
	"github.com/loykin/mcphub/internal/process"
	"github.com/loykin/mcphub/internal/store"
	"github.com/loykin/mcphub/internal/store/memory"
)

const ignoreTerm = `sh -c 'trap "" TERM; while true; do sleep 0.1; done'`

type countingLauncher struct {
	n atomic.Int32
}

func (c *countingLauncher) Launch(spec process.Spec, onLine process.LineFunc) (*process.Handle, error) {
	c.n.Add(1)
	return process.Launch(spec, onLine)
}

type recordingSink struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recordingSink) Deliver(kind events.Kind, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, events.Event{Kind: kind, Payload: payload})
	return nil
}

func (r *recordingSink) changes() []lifecycle.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []lifecycle.Change
	for _, e := range r.got {
		if ch, ok := e.Payload.(lifecycle.Change); ok {
			out = append(out, ch)
		}
	}
	return out
}

func newTestSupervisor(t *testing.T, mutate func(*Options)) (*Supervisor, *countingLauncher) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
	l := &countingLauncher{}
	opts := Options{
		Config:   Config{GracePeriod: 300 * time.Millisecond},
		Store:    memory.New(),
		Launcher: l,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, l
}

func create(t *testing.T, s *Supervisor, id, command string) store.Server {
	t.Helper()
	srv, err := s.CreateServer(context.Background(), ServerSpec{ID: id, Command: command})
	require.NoError(t, err)
	return srv
}

func TestCreateServerValidation(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	ctx := context.Background()

	cases := map[string]ServerSpec{
		"command":     {Command: "   "},
		"environment": {Command: "sleep 1", Environment: map[string]string{"1BAD": "x"}},
		"port":        {Command: "sleep 1", Port: 70000},
		"name":        {Command: "sleep 1", Name: strings.Repeat("n", MaxNameLength+1)},
	}
	for field, spec := range cases {
		_, err := s.CreateServer(ctx, spec)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve, field)
		assert.Equal(t, field, ve.Field)
	}

	srv, err := s.CreateServer(ctx, ServerSpec{Command: "sleep 1"})
	require.NoError(t, err)
	assert.NotEmpty(t, srv.ID)
	assert.Equal(t, srv.ID, srv.Name, "name defaults to id")
	assert.Equal(t, lifecycle.Inactive, srv.Status)

	_, err = s.CreateServer(ctx, ServerSpec{ID: srv.ID, Command: "sleep 2"})
	assert.True(t, IsValidation(err), "duplicate explicit id: %v", err)
}

func TestConcurrentStartsLaunchOnce(t *testing.T) {
	s, l := newTestSupervisor(t, nil)
	create(t, s, "a", "sleep 100")

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv, err := s.StartServer(context.Background(), "a")
			if err == nil && srv.Status != lifecycle.Active {
				err = errors.New("start returned status " + srv.Status.String())
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), l.n.Load())
	assert.Equal(t, 1, s.Registry().Len())
}

func TestStopInactiveIsNoop(t *testing.T) {
	s, l := newTestSupervisor(t, nil)
	create(t, s, "idle", "sleep 100")
	sink := &recordingSink{}
	require.NoError(t, s.Subscribe(context.Background(), "idle", sink))

	srv, err := s.StopServer(context.Background(), "idle")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Inactive, srv.Status)
	assert.Zero(t, l.n.Load())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.changes(), "no transition for a no-op stop")
}

func TestUnknownServer(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	ctx := context.Background()

	_, err := s.StartServer(ctx, "missing")
	assert.True(t, IsNotFound(err))
	_, err = s.StopServer(ctx, "missing")
	assert.True(t, IsNotFound(err))
	_, err = s.Status(ctx, "missing")
	assert.True(t, IsNotFound(err))
	assert.NoError(t, s.DeleteServer(ctx, "missing"))
}

func TestStartStopEndToEnd(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	create(t, s, "e2e", "sleep 100")
	sink := &recordingSink{}
	require.NoError(t, s.Subscribe(ctx, "e2e", sink))

	srv, err := s.StartServer(ctx, "e2e")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Active, srv.Status)

	st, err := s.Status(ctx, "e2e")
	require.NoError(t, err)
	assert.Greater(t, st.PID, 0)
	assert.True(t, st.Probing)
	assert.Equal(t, 1, st.Subscribers)

	srv, err = s.StopServer(ctx, "e2e")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Inactive, srv.Status)
	require.NotNil(t, srv.LastExit)
	assert.Equal(t, string(lifecycle.ReasonStopped), srv.LastExit.Reason)
	assert.Zero(t, s.Registry().Len())
	assert.False(t, s.Prober().Probing("e2e"))

	persisted, err := s.Store().GetServer(ctx, "e2e")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Inactive, persisted.Status)

	require.Eventually(t, func() bool { return len(sink.changes()) == 4 }, 2*time.Second, 10*time.Millisecond)
	got := sink.changes()
	want := []lifecycle.State{lifecycle.Starting, lifecycle.Active, lifecycle.Stopping, lifecycle.Inactive}
	for i, ch := range got {
		assert.Equal(t, want[i], ch.To)
	}
	assert.Equal(t, lifecycle.ReasonStopped, got[3].Reason)
	assert.False(t, got[3].Forced, "sleep honours SIGTERM")
}

func TestCrashReportsExited(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	create(t, s, "crash", "sh -c 'exit 1'")
	sink := &recordingSink{}
	require.NoError(t, s.Subscribe(ctx, "crash", sink))

	_, err := s.StartServer(ctx, "crash")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		srv, _ := s.GetServer(ctx, "crash")
		return srv.Status == lifecycle.Inactive
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(sink.changes()) >= 3 }, 2*time.Second, 10*time.Millisecond)

	crashes := 0
	for _, ch := range sink.changes() {
		if ch.From == lifecycle.Active && ch.To == lifecycle.Inactive {
			crashes++
			assert.Equal(t, lifecycle.ReasonExited, ch.Reason)
			require.NotNil(t, ch.ExitCode)
			assert.Equal(t, 1, *ch.ExitCode)
			assert.True(t, ch.Crashed())
		}
	}
	assert.Equal(t, 1, crashes)

	srv, err := s.GetServer(ctx, "crash")
	require.NoError(t, err)
	require.NotNil(t, srv.LastExit)
	assert.Equal(t, 1, srv.LastExit.Code)
	assert.Zero(t, s.Registry().Len())

	require.Eventually(t, func() bool {
		logs, _ := s.Logs(ctx, "crash", store.LogFilter{Level: store.LevelWarn})
		return len(logs) == 1 && logs[0].Metadata["stream"] == "supervisor"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestForceKillAfterGrace(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	create(t, s, "stubborn", ignoreTerm)

	_, err := s.StartServer(ctx, "stubborn")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond) // let the shell install its trap

	start := time.Now()
	srv, err := s.StopServer(ctx, "stubborn")
	require.NoError(t, err)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, lifecycle.Inactive, srv.Status)
	require.NotNil(t, srv.LastExit)
	assert.Equal(t, string(lifecycle.ReasonStopped), srv.LastExit.Reason)
}

func TestStartWhileStoppingIsDeferred(t *testing.T) {
	s, l := newTestSupervisor(t, nil)
	ctx := context.Background()
	create(t, s, "d", ignoreTerm)

	_, err := s.StartServer(ctx, "d")
	require.NoError(t, err)
	firstEntry, _ := s.Registry().Lookup("d")
	time.Sleep(100 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() {
		_, err := s.StopServer(ctx, "d")
		stopped <- err
	}()
	require.Eventually(t, func() bool {
		srv, _ := s.GetServer(ctx, "d")
		return srv.Status == lifecycle.Stopping
	}, time.Second, 5*time.Millisecond)

	srv, err := s.StartServer(ctx, "d")
	require.NoError(t, err)
	require.NoError(t, <-stopped)
	assert.Equal(t, lifecycle.Active, srv.Status)
	assert.Equal(t, int32(2), l.n.Load())
	second, ok := s.Registry().Lookup("d")
	require.True(t, ok)
	assert.NotEqual(t, firstEntry.PID, second.PID)
}

func TestDeleteStopsAndRemoves(t *testing.T) {
	s, _ := newTestSupervisor(t, func(o *Options) {
		o.Config.Health = health.Config{Interval: 20 * time.Millisecond}
	})
	ctx := context.Background()
	create(t, s, "gone", "sleep 100")

	_, err := s.StartServer(ctx, "gone")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		recs, _ := s.HealthHistory(ctx, "gone", 10)
		return len(recs) > 0
	}, 2*time.Second, 10*time.Millisecond)

	var afterDelete atomic.Int32
	var deleted atomic.Bool
	s.Emitter().AddListener(func(ev events.Event) {
		if ev.ServerID == "gone" && deleted.Load() {
			afterDelete.Add(1)
		}
	})

	require.NoError(t, s.DeleteServer(ctx, "gone"))
	deleted.Store(true)
	require.NoError(t, s.DeleteServer(ctx, "gone"), "second delete succeeds")

	assert.Zero(t, s.Registry().Len())
	assert.False(t, s.Prober().Probing("gone"))
	_, err = s.GetServer(ctx, "gone")
	assert.True(t, IsNotFound(err))
	recs, err := s.Store().ListHealth(ctx, "gone", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, afterDelete.Load(), "no events after delete returned")
}

func TestDeleteDeliversFinalChange(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	create(t, s, "final", "sleep 100")
	sink := &recordingSink{}
	require.NoError(t, s.Subscribe(ctx, "final", sink))
	_, err := s.StartServer(ctx, "final")
	require.NoError(t, err)

	require.NoError(t, s.DeleteServer(ctx, "final"))
	chs := sink.changes()
	require.NotEmpty(t, chs)
	last := chs[len(chs)-1]
	assert.Equal(t, lifecycle.Stopping, last.From)
	assert.Equal(t, lifecycle.Inactive, last.To)

	err = s.Subscribe(ctx, "final", &recordingSink{})
	assert.True(t, IsNotFound(err), "subscribe after delete: %v", err)
}

func TestCheckHealthRacingDelete(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		create(t, s, "race", "sleep 100")
		_, err := s.StartServer(ctx, "race")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.CheckHealth(ctx, "race")
				if err != nil && !IsNotFound(err) {
					t.Errorf("CheckHealth: %v", err)
				}
			}()
		}
		require.NoError(t, s.DeleteServer(ctx, "race"))
		wg.Wait()

		recs, err := s.Store().ListHealth(ctx, "race", 0)
		require.NoError(t, err)
		require.Empty(t, recs, "health rows written after delete (round %d)", i)
	}
}

func TestProbingFollowsActive(t *testing.T) {
	s, _ := newTestSupervisor(t, func(o *Options) {
		o.Config.Health = health.Config{Interval: 20 * time.Millisecond}
	})
	ctx := context.Background()
	create(t, s, "p", "sleep 100")
	assert.False(t, s.Prober().Probing("p"))

	_, err := s.StartServer(ctx, "p")
	require.NoError(t, err)
	assert.True(t, s.Prober().Probing("p"))

	require.Eventually(t, func() bool {
		rec, err := s.LatestHealth(ctx, "p")
		return err == nil && rec.Status != health.Unhealthy
	}, 2*time.Second, 10*time.Millisecond)

	_, err = s.StopServer(ctx, "p")
	require.NoError(t, err)
	assert.False(t, s.Prober().Probing("p"))
}

func TestCapturedOutputIsPersisted(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	create(t, s, "out", `sh -c 'echo hello; echo oops >&2; sleep 100'`)

	_, err := s.StartServer(ctx, "out")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		logs, _ := s.Logs(ctx, "out", store.LogFilter{})
		var sawOut, sawErr bool
		for _, e := range logs {
			if e.Message == "hello" && e.Level == store.LevelInfo && e.Metadata["stream"] == "stdout" {
				sawOut = true
			}
			if e.Message == "oops" && e.Level == store.LevelError && e.Metadata["stream"] == "stderr" {
				sawErr = true
			}
		}
		return sawOut && sawErr
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, s.ClearLogs(ctx, "out"))
	logs, err := s.Logs(ctx, "out", store.LogFilter{})
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestLaunchFailureThenRecover(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	create(t, s, "bad", "/nonexistent/bin/mcp-server")

	srv, err := s.StartServer(ctx, "bad")
	var le *LaunchError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, lifecycle.Error, srv.Status)
	assert.NotEmpty(t, srv.LastError)

	srv, err = s.StopServer(ctx, "bad")
	require.NoError(t, err, "stop from error is a no-op")
	assert.Equal(t, lifecycle.Error, srv.Status)

	cmd := "sleep 100"
	_, err = s.UpdateServer(ctx, "bad", ServerUpdate{Command: &cmd})
	require.NoError(t, err)
	srv, err = s.StartServer(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Active, srv.Status)
	assert.Empty(t, srv.LastError)
}

func TestUpdateRestartsRunningServer(t *testing.T) {
	s, l := newTestSupervisor(t, nil)
	ctx := context.Background()
	create(t, s, "u", "sleep 100")
	_, err := s.StartServer(ctx, "u")
	require.NoError(t, err)
	before, _ := s.Registry().Lookup("u")

	desc := "only metadata"
	srv, err := s.UpdateServer(ctx, "u", ServerUpdate{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, desc, srv.Description)
	assert.Equal(t, int32(1), l.n.Load(), "metadata change does not restart")

	cmd := "sleep 200"
	srv, err = s.UpdateServer(ctx, "u", ServerUpdate{Command: &cmd})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Active, srv.Status)
	assert.Equal(t, cmd, srv.Command)
	assert.Equal(t, int32(2), l.n.Load())
	after, ok := s.Registry().Lookup("u")
	require.True(t, ok)
	assert.NotEqual(t, before.PID, after.PID)

	bad := 70000
	_, err = s.UpdateServer(ctx, "u", ServerUpdate{Port: &bad})
	assert.True(t, IsValidation(err))
}

func TestRestart(t *testing.T) {
	s, l := newTestSupervisor(t, nil)
	ctx := context.Background()
	create(t, s, "r", "sleep 100")

	srv, err := s.RestartServer(ctx, "r")
	require.NoError(t, err, "restart of an inactive server starts it")
	assert.Equal(t, lifecycle.Active, srv.Status)

	srv, err = s.RestartServer(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Active, srv.Status)
	assert.Equal(t, int32(2), l.n.Load())
}

func TestRecoverResetsAndAutoStarts(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, st.SaveServer(ctx, store.Server{ID: "auto", Name: "auto", Command: "sleep 100", AutoStart: true, Status: lifecycle.Active, CreatedAt: now}))
	require.NoError(t, st.SaveServer(ctx, store.Server{ID: "stale", Name: "stale", Command: "sleep 100", Status: lifecycle.Stopping, CreatedAt: now}))

	s, _ := newTestSupervisor(t, func(o *Options) { o.Store = st })
	require.NoError(t, s.Recover(ctx))

	stale, err := st.GetServer(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Inactive, stale.Status)

	auto, err := s.GetServer(ctx, "auto")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Active, auto.Status)
	_, ok := s.Registry().Lookup("auto")
	assert.True(t, ok)
}

func TestShutdownTerminatesEverything(t *testing.T) {
	s, _ := newTestSupervisor(t, nil)
	ctx := context.Background()
	for _, id := range []string{"s1", "s2"} {
		create(t, s, id, "sleep 100")
		_, err := s.StartServer(ctx, id)
		require.NoError(t, err)
	}
	create(t, s, "s3", ignoreTerm)
	_, err := s.StartServer(ctx, "s3")
	require.NoError(t, err)
	require.Equal(t, 3, s.Registry().Len())

	sctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	err = s.Shutdown(sctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "s3 ignores SIGTERM")
	assert.Zero(t, s.Registry().Len())

	for _, id := range []string{"s1", "s2"} {
		srv, err := s.Store().GetServer(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.Inactive, srv.Status)
		require.NotNil(t, srv.LastExit)
		assert.Equal(t, string(lifecycle.ReasonShutdown), srv.LastExit.Reason)
	}

	_, err = s.StartServer(ctx, "s1")
	assert.ErrorIs(t, err, ErrClosed)
}
