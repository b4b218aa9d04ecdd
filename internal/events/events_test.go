package events

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu       sync.Mutex
	got      []any
	detached bool
	block    chan struct{}
}

func (s *recordingSink) Deliver(kind Kind, payload any) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, payload)
	return nil
}

func (s *recordingSink) Detached() {
	s.mu.Lock()
	s.detached = true
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.got...)
}

func eventually(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

func TestPerServerOrderPreserved(t *testing.T) {
	e := New(Options{QueueSize: 1024})
	defer e.Close()

	var mu sync.Mutex
	seqs := map[string][]uint64{}
	e.AddListener(func(ev Event) {
		mu.Lock()
		seqs[ev.ServerID] = append(seqs[ev.ServerID], ev.Seq)
		mu.Unlock()
	})
	sink := &recordingSink{}
	if err := e.Subscribe("a", sink); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 200; i++ {
		e.Emit("a", LogLine, i)
		e.Emit("b", HealthChecked, i)
	}
	eventually(t, 2*time.Second, func() bool { return len(sink.snapshot()) == 200 }, "sink did not receive all events")

	got := sink.snapshot()
	for i, p := range got {
		if p.(int) != i {
			t.Fatalf("out of order at %d: %v", i, p)
		}
	}
	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs["a"]) == 200 && len(seqs["b"]) == 200
	}, "listener did not see all events")
	mu.Lock()
	defer mu.Unlock()
	for id, s := range seqs {
		for i, v := range s {
			if v != uint64(i+1) {
				t.Fatalf("server %s: seq %d at position %d", id, v, i)
			}
		}
	}
}

func TestSlowSinkDoesNotBlockEmit(t *testing.T) {
	e := New(Options{QueueSize: 4})
	defer e.Close()
	block := make(chan struct{})
	slow := &recordingSink{block: block}
	if err := e.Subscribe("a", slow); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			e.Emit("a", LogLine, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Emit blocked on a slow sink")
	}
	close(block)
}

func TestDetachStopsDelivery(t *testing.T) {
	e := New(Options{})
	defer e.Close()
	var mu sync.Mutex
	count := 0
	e.AddListener(func(ev Event) {
		if ev.ServerID == "gone" {
			mu.Lock()
			count++
			mu.Unlock()
		}
	})
	sink := &recordingSink{}
	if err := e.Subscribe("gone", sink); err != nil {
		t.Fatal(err)
	}
	e.Emit("gone", StatusChanged, "x")
	eventually(t, time.Second, func() bool { return len(sink.snapshot()) == 1 }, "first event not delivered")

	e.Detach("gone")
	if !sink.detached {
		t.Fatalf("sink was not notified of detach")
	}
	if e.Subscribers("gone") != 0 {
		t.Fatalf("subscribers should be dropped")
	}
	if _, ok := e.detached.Load("gone"); ok {
		t.Fatalf("detach marker left behind")
	}
	if _, ok := e.queues.Load("gone"); ok {
		t.Fatalf("queue left behind")
	}
	mu.Lock()
	c := count
	mu.Unlock()
	if c != 1 || len(sink.snapshot()) != 1 {
		t.Fatalf("unexpected deliveries: listener=%d sink=%d", c, len(sink.snapshot()))
	}

	// a recreated server with the same id gets a fresh queue
	again := &recordingSink{}
	if err := e.Subscribe("gone", again); err != nil {
		t.Fatalf("Subscribe after Detach: %v", err)
	}
	e.Emit("gone", LogLine, "back")
	eventually(t, time.Second, func() bool { return len(again.snapshot()) == 1 }, "no delivery to new subscriber")
	if got := again.snapshot()[0]; got != "back" {
		t.Fatalf("got %v", got)
	}
}

func TestDetachDeliversQueuedEvents(t *testing.T) {
	e := New(Options{})
	defer e.Close()
	var mu sync.Mutex
	var seen []any
	e.AddListener(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Payload)
		mu.Unlock()
	})
	sink := &recordingSink{block: make(chan struct{})}
	if err := e.Subscribe("srv", sink); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"starting", "stopping", "inactive"} {
		e.Emit("srv", StatusChanged, p)
	}

	detached := make(chan struct{})
	go func() {
		e.Detach("srv")
		close(detached)
	}()
	time.Sleep(50 * time.Millisecond)
	close(sink.block)
	select {
	case <-detached:
	case <-time.After(2 * time.Second):
		t.Fatal("Detach did not return")
	}

	got := sink.snapshot()
	if len(got) != 3 || got[2] != "inactive" {
		t.Fatalf("sink got %v, want all three changes", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("listener got %v", seen)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if !sink.detached {
		t.Fatal("sink not notified after the queued events")
	}
}

type panicSink struct{}

func (panicSink) Deliver(Kind, any) error { panic("boom") }

type failingSink struct{}

func (failingSink) Deliver(Kind, any) error { return errors.New("closed pipe") }

func TestFaultySinksAreIsolated(t *testing.T) {
	e := New(Options{})
	defer e.Close()
	good := &recordingSink{}
	for _, s := range []Sink{panicSink{}, failingSink{}, good} {
		if err := e.Subscribe("a", s); err != nil {
			t.Fatal(err)
		}
	}
	e.AddListener(func(Event) { panic("listener boom") })
	e.Emit("a", LogLine, 1)
	e.Emit("a", LogLine, 2)
	eventually(t, time.Second, func() bool { return len(good.snapshot()) == 2 }, "good sink starved by faulty ones")

	e.Unsubscribe("a", good)
	if n := e.Subscribers("a"); n != 2 {
		t.Fatalf("expected 2 subscribers left, got %d", n)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	e := New(Options{})
	e.Emit("a", LogLine, 1)
	e.Close()
	e.Close()
	e.Emit("a", LogLine, 2)
	if err := e.Subscribe("a", &recordingSink{}); err == nil {
		t.Fatalf("expected error subscribing to a closed emitter")
	}
}
