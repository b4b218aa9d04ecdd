package server

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/mcphub/internal/events"
)

const (
	sseBuffer    = 64
	sseKeepAlive = 15 * time.Second
)

type sseFrame struct {
	kind    events.Kind
	payload any
}

// sseSink adapts one HTTP event stream to events.Sink. A slow client loses
// frames rather than stalling the server's dispatcher.
type sseSink struct {
	ch       chan sseFrame
	detached chan struct{}
	once     sync.Once
}

func newSSESink() *sseSink {
	return &sseSink{ch: make(chan sseFrame, sseBuffer), detached: make(chan struct{})}
}

func (s *sseSink) Deliver(kind events.Kind, payload any) error {
	select {
	case s.ch <- sseFrame{kind: kind, payload: payload}:
		return nil
	default:
		return errSlowClient
	}
}

func (s *sseSink) Detached() {
	s.once.Do(func() { close(s.detached) })
}

type sseError string

func (e sseError) Error() string { return string(e) }

const errSlowClient = sseError("sse: client buffer full")

func (r *Router) handleEvents(c *gin.Context) {
	id := c.Param("id")
	sink := newSSESink()
	if err := r.sup.Subscribe(c.Request.Context(), id, sink); err != nil {
		writeError(c, err)
		return
	}
	defer r.sup.Unsubscribe(id, sink)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent("subscribed", gin.H{"server_id": id})
	c.Writer.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case f := <-sink.ch:
			c.SSEvent(string(f.kind), f.payload)
			return true
		case <-sink.detached:
			c.SSEvent("deleted", gin.H{"server_id": id})
			return false
		case <-r.shutdown:
			c.SSEvent("shutdown", gin.H{"server_id": id})
			return false
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"time": time.Now().UTC()})
			return true
		}
	})
}
