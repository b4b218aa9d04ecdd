// Package health runs periodic liveness probes for active servers.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/loykin/mcphub/internal/metrics"
)

type Status string

const (
	Healthy   Status = "healthy"
	Unhealthy Status = "unhealthy"
	Warning   Status = "warning"
)

func (s Status) Valid() bool { return s == Healthy || s == Unhealthy || s == Warning }

// Record is one probe result. Records are append-only.
type Record struct {
	ID             string    `json:"id"`
	ServerID       string    `json:"server_id"`
	Status         Status    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	Error          string    `json:"error,omitempty"`
	Warnings       []string  `json:"warnings,omitempty"`
	CPUPercent     float64   `json:"cpu_percent,omitempty"`
	MemoryMB       float64   `json:"memory_mb,omitempty"`
}

// Target is what a checker probes for one server.
type Target struct {
	ServerID string
	PID      int
	Port     int
}

// Result is the outcome of a single check.
type Result struct {
	Status     Status
	Error      string
	Warnings   []string
	CPUPercent float64
	MemoryMB   float64
}

type Checker interface {
	Check(ctx context.Context, t Target) Result
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, t Target) Result

func (f CheckerFunc) Check(ctx context.Context, t Target) Result { return f(ctx, t) }

// ProcessChecker treats a missing or zombie process as unhealthy. High
// memory use and a closed port only raise warnings.
type ProcessChecker struct {
	MemoryWarnMB float64
	Host         string // host used for port checks, default 127.0.0.1
}

func (c ProcessChecker) Check(ctx context.Context, t Target) Result {
	if t.PID <= 0 {
		return Result{Status: Unhealthy, Error: "process not running"}
	}
	s, err := metrics.SampleProcess(ctx, int32(t.PID)) // #nosec G115 -- pids fit in int32
	if errors.Is(err, metrics.ErrProcessGone) {
		return Result{Status: Unhealthy, Error: fmt.Sprintf("process %d not running", t.PID)}
	}
	res := Result{Status: Healthy, CPUPercent: s.CPUPercent, MemoryMB: s.MemoryMB}
	if err != nil {
		res.Warnings = append(res.Warnings, "resource sample failed: "+err.Error())
	}
	if s.Zombie {
		return Result{Status: Unhealthy, Error: fmt.Sprintf("process %d is a zombie", t.PID)}
	}
	if c.MemoryWarnMB > 0 && s.MemoryMB > c.MemoryWarnMB {
		res.Warnings = append(res.Warnings, fmt.Sprintf("memory %.1fMB above %.1fMB", s.MemoryMB, c.MemoryWarnMB))
	}
	if t.Port > 0 {
		host := c.Host
		if host == "" {
			host = "127.0.0.1"
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(t.Port)))
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("port %d not accepting connections: %v", t.Port, err))
		} else {
			_ = conn.Close()
		}
	}
	if len(res.Warnings) > 0 {
		res.Status = Warning
	}
	return res
}
