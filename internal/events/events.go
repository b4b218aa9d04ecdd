// Package events fans supervisor events out to in-process listeners and to
// push-channel sinks subscribed per server id.
package events

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/mcphub/internal/metrics"
)

type Kind string

const (
	StatusChanged Kind = "status_changed"
	LogLine       Kind = "log_line"
	HealthChecked Kind = "health_checked"
)

// Event is one emitted notification. Seq increases by one per server.
type Event struct {
	ServerID string    `json:"server_id"`
	Kind     Kind      `json:"kind"`
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"time"`
	Payload  any       `json:"payload"`
}

// Listener is an in-process observer. It runs on the server's dispatch
// goroutine, so it must not block for long.
type Listener func(Event)

// Sink is a push-channel subscriber for one server id.
// Deliver must not block; a slow sink should drop instead.
type Sink interface {
	Deliver(kind Kind, payload any) error
}

// DetachNotifier is implemented by sinks that want to know when their server
// has been detached (deleted).
type DetachNotifier interface {
	Detached()
}

var ErrDetached = errors.New("events: server detached")

const DefaultQueueSize = 256

type Options struct {
	QueueSize int
	Logger    *slog.Logger
}

type Emitter struct {
	queueSize int
	logger    *slog.Logger

	lmu       sync.RWMutex
	listeners []Listener

	queues   sync.Map // id -> *serverQueue
	detached sync.Map // id -> struct{} while Detach runs
	closed   atomic.Bool
}

type serverQueue struct {
	id   string
	ch   chan Event
	quit chan struct{}
	done chan struct{}

	mu     sync.Mutex
	seq    uint64
	sinks  []Sink
	closed bool
}

func New(opts Options) *Emitter {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Emitter{queueSize: opts.QueueSize, logger: opts.Logger.With("component", "events")}
}

// AddListener registers fn for every event of every server.
func (e *Emitter) AddListener(fn Listener) {
	e.lmu.Lock()
	e.listeners = append(e.listeners, fn)
	e.lmu.Unlock()
}

// Emit queues an event for serverID. It never blocks: when the server's
// queue is full the event is dropped and counted.
func (e *Emitter) Emit(serverID string, kind Kind, payload any) {
	if e.closed.Load() {
		return
	}
	q := e.queueFor(serverID)
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.seq++
	ev := Event{ServerID: serverID, Kind: kind, Seq: q.seq, Time: time.Now(), Payload: payload}
	select {
	case q.ch <- ev:
	default:
		metrics.IncEventDropped(string(kind))
		e.logger.Warn("event queue full, dropping event", "server", serverID, "kind", kind, "seq", ev.Seq)
	}
}

// Subscribe attaches sink to serverID's events.
func (e *Emitter) Subscribe(serverID string, sink Sink) error {
	if e.closed.Load() {
		return fmt.Errorf("events: emitter closed")
	}
	q := e.queueFor(serverID)
	if q == nil {
		return ErrDetached
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrDetached
	}
	q.sinks = append(q.sinks, sink)
	metrics.SetSubscribers(serverID, len(q.sinks))
	return nil
}

func (e *Emitter) Unsubscribe(serverID string, sink Sink) {
	v, ok := e.queues.Load(serverID)
	if !ok {
		return
	}
	q := v.(*serverQueue)
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, s := range q.sinks {
		if s == sink {
			q.sinks = append(q.sinks[:i:i], q.sinks[i+1:]...)
			break
		}
	}
	metrics.SetSubscribers(serverID, len(q.sinks))
}

// Subscribers returns how many sinks are attached to serverID.
func (e *Emitter) Subscribers(serverID string) int {
	v, ok := e.queues.Load(serverID)
	if !ok {
		return 0
	}
	q := v.(*serverQueue)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sinks)
}

// Detach dispatches what is already queued for serverID, drops every
// subscriber and stops its dispatcher. Callers stop emitting for serverID
// before detaching; a later Emit starts a fresh queue.
func (e *Emitter) Detach(serverID string) {
	e.detached.Store(serverID, struct{}{})
	if v, ok := e.queues.LoadAndDelete(serverID); ok {
		e.stop(v.(*serverQueue))
	}
	e.detached.Delete(serverID)
	metrics.DeleteSubscribers(serverID)
}

// Close stops every dispatcher after it has dispatched what was queued.
func (e *Emitter) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.queues.Range(func(k, v any) bool {
		e.queues.Delete(k)
		e.stop(v.(*serverQueue))
		return true
	})
}

func (e *Emitter) queueFor(id string) *serverQueue {
	if _, gone := e.detached.Load(id); gone {
		return nil
	}
	if v, ok := e.queues.Load(id); ok {
		return v.(*serverQueue)
	}
	nq := &serverQueue{
		id:   id,
		ch:   make(chan Event, e.queueSize),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	v, loaded := e.queues.LoadOrStore(id, nq)
	if loaded {
		return v.(*serverQueue)
	}
	go e.run(nq)
	// lost a race with Detach
	if _, gone := e.detached.Load(id); gone {
		if e.queues.CompareAndDelete(id, nq) {
			e.stop(nq)
		}
		return nil
	}
	return nq
}

func (e *Emitter) stop(q *serverQueue) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.quit)
	<-q.done

	q.mu.Lock()
	sinks := q.sinks
	q.sinks = nil
	q.mu.Unlock()
	for _, s := range sinks {
		if n, ok := s.(DetachNotifier); ok {
			n.Detached()
		}
	}
}

func (e *Emitter) run(q *serverQueue) {
	defer close(q.done)
	for {
		select {
		case <-q.quit:
			// Emit stops sending once closed is set, so ch only shrinks here.
			for {
				select {
				case ev := <-q.ch:
					e.dispatch(q, ev)
				default:
					return
				}
			}
		case ev := <-q.ch:
			e.dispatch(q, ev)
		}
	}
}

func (e *Emitter) dispatch(q *serverQueue, ev Event) {
	e.lmu.RLock()
	ls := e.listeners
	e.lmu.RUnlock()
	for _, fn := range ls {
		e.safeCall(ev, "listener", func() error { fn(ev); return nil })
	}

	q.mu.Lock()
	sinks := append([]Sink(nil), q.sinks...)
	q.mu.Unlock()
	for _, s := range sinks {
		s := s
		e.safeCall(ev, "sink", func() error { return s.Deliver(ev.Kind, ev.Payload) })
	}
}

func (e *Emitter) safeCall(ev Event, who string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event "+who+" panicked", "server", ev.ServerID, "kind", ev.Kind, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		e.logger.Debug("event "+who+" delivery failed", "server", ev.ServerID, "kind", ev.Kind, "error", err)
	}
}
