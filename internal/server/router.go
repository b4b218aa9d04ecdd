package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/mcphub/internal/metrics"
	"github.com/loykin/mcphub/internal/store"
	"github.com/loykin/mcphub/internal/supervisor"
)

// Router provides embeddable HTTP handlers for the supervisor.
// Endpoints (relative to basePath):
//
//	GET    /servers                      list servers
//	POST   /servers                      create, body: ServerSpec JSON
//	GET    /servers/:id                  get one server
//	PUT    /servers/:id                  partial update, body: ServerUpdate JSON
//	DELETE /servers/:id                  stop and delete
//	POST   /servers/:id/start|stop|restart
//	GET    /servers/:id/status           live status
//	GET    /servers/:id/health           latest health record
//	POST   /servers/:id/health/check     probe now
//	GET    /servers/:id/health/history   query: limit
//	GET    /servers/:id/logs             query: level, since, until, limit, offset, format=text
//	DELETE /servers/:id/logs
//	GET    /servers/:id/events           server-sent events
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup      *supervisor.Supervisor
	basePath string
	metrics  bool
	tls      *tls.Config
	logger   *slog.Logger

	// closed when the owning http.Server shuts down; ends event streams
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

type Option func(*Router)

// WithMetrics exposes GET {basePath}/metrics.
func WithMetrics() Option { return func(r *Router) { r.metrics = true } }

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// WithTLS makes NewServer serve HTTPS; certificates come from cfg.
func WithTLS(cfg *tls.Config) Option { return func(r *Router) { r.tls = cfg } }

func NewRouter(sup *supervisor.Supervisor, basePath string, opts ...Option) *Router {
	r := &Router{sup: sup, basePath: sanitizeBase(basePath), logger: slog.Default(), shutdown: make(chan struct{})}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.requestLog())
	group := g.Group(r.basePath)
	group.GET("/servers", r.handleList)
	group.POST("/servers", r.handleCreate)
	group.GET("/servers/:id", r.handleGet)
	group.PUT("/servers/:id", r.handleUpdate)
	group.DELETE("/servers/:id", r.handleDelete)
	group.POST("/servers/:id/start", r.handleStart)
	group.POST("/servers/:id/stop", r.handleStop)
	group.POST("/servers/:id/restart", r.handleRestart)
	group.GET("/servers/:id/status", r.handleStatus)
	group.GET("/servers/:id/health", r.handleHealth)
	group.POST("/servers/:id/health/check", r.handleHealthCheck)
	group.GET("/servers/:id/health/history", r.handleHealthHistory)
	group.GET("/servers/:id/logs", r.handleLogs)
	group.DELETE("/servers/:id/logs", r.handleClearLogs)
	group.GET("/servers/:id/events", r.handleEvents)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// No write timeout is set; event streams stay open until Shutdown, which
// ends them. Addr of the returned server is the bound address.
func NewServer(addr, basePath string, sup *supervisor.Supervisor, opts ...Option) *http.Server {
	r := NewRouter(sup, basePath, opts...)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         r.tls,
	}
	server.RegisterOnShutdown(r.closeStreams)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.logger.Error("http server stopped", "addr", addr, "error", err)
		return server
	}
	server.Addr = ln.Addr().String()
	go func() {
		var err error
		if r.tls != nil {
			err = server.ServeTLS(ln, "", "")
		} else {
			err = server.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server stopped", "addr", server.Addr, "error", err)
		}
	}()
	return server
}

func (r *Router) closeStreams() {
	r.shutdownOnce.Do(func() { close(r.shutdown) })
}

func (r *Router) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleList(c *gin.Context) {
	list, err := r.sup.ListServers(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, list)
}

func (r *Router) handleCreate(c *gin.Context) {
	var spec supervisor.ServerSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if spec.ID != "" && !isSafeID(spec.ID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	if !isSafeAbsPath(spec.WorkDir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid work_dir: must be absolute path without traversal"})
		return
	}
	srv, err := r.sup.CreateServer(c.Request.Context(), spec)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, srv)
}

func (r *Router) handleGet(c *gin.Context) {
	srv, err := r.sup.GetServer(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, srv)
}

func (r *Router) handleUpdate(c *gin.Context) {
	var u supervisor.ServerUpdate
	if err := c.ShouldBindJSON(&u); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if u.WorkDir != nil && !isSafeAbsPath(*u.WorkDir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid work_dir: must be absolute path without traversal"})
		return
	}
	srv, err := r.sup.UpdateServer(c.Request.Context(), c.Param("id"), u)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, srv)
}

func (r *Router) handleDelete(c *gin.Context) {
	if err := r.sup.DeleteServer(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStart(c *gin.Context) {
	r.lifecycle(c, r.sup.StartServer)
}

func (r *Router) handleStop(c *gin.Context) {
	r.lifecycle(c, r.sup.StopServer)
}

func (r *Router) handleRestart(c *gin.Context) {
	r.lifecycle(c, r.sup.RestartServer)
}

func (r *Router) lifecycle(c *gin.Context, op func(ctx context.Context, id string) (store.Server, error)) {
	srv, err := op(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, srv)
}

func (r *Router) handleStatus(c *gin.Context) {
	st, err := r.sup.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleHealth(c *gin.Context) {
	rec, err := r.sup.LatestHealth(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleHealthCheck(c *gin.Context) {
	rec, err := r.sup.CheckHealth(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleHealthHistory(c *gin.Context) {
	limit, err := intQuery(c, "limit")
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	recs, err := r.sup.HealthHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleLogs(c *gin.Context) {
	f, err := logFilter(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	id := c.Param("id")
	entries, err := r.sup.Logs(c.Request.Context(), id, f)
	if err != nil {
		writeError(c, err)
		return
	}
	if c.Query("format") == "text" {
		var b strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&b, "%s [%s] %s\n", e.Timestamp.UTC().Format(time.RFC3339Nano), strings.ToUpper(string(e.Level)), e.Message)
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".log"))
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(b.String()))
		return
	}
	writeJSON(c, http.StatusOK, entries)
}

func (r *Router) handleClearLogs(c *gin.Context) {
	if err := r.sup.ClearLogs(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func logFilter(c *gin.Context) (store.LogFilter, error) {
	var f store.LogFilter
	if s := c.Query("level"); s != "" {
		lvl, err := store.ParseLevel(s)
		if err != nil {
			return f, err
		}
		f.Level = lvl
	}
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		if s := c.Query(p.key); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return f, fmt.Errorf("invalid %s: %w", p.key, err)
			}
			*p.dst = t
		}
	}
	var err error
	if f.Limit, err = intQuery(c, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = intQuery(c, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func intQuery(c *gin.Context, key string) (int, error) {
	s := c.Query(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: must be a non-negative integer", key)
	}
	return n, nil
}
