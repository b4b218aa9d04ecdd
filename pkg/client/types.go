package client

import "time"

// CreateRequest represents a request to register a new server
type CreateRequest struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	Type        string            `json:"type,omitempty"`
	Command     string            `json:"command"`
	Environment map[string]string `json:"environment,omitempty"`
	WorkDir     string            `json:"work_dir,omitempty"`
	Port        int               `json:"port,omitempty"`
	AutoStart   bool              `json:"auto_start,omitempty"`
}

// UpdateRequest is a partial update; nil fields are left unchanged.
type UpdateRequest struct {
	Name        *string            `json:"name,omitempty"`
	Description *string            `json:"description,omitempty"`
	Type        *string            `json:"type,omitempty"`
	Command     *string            `json:"command,omitempty"`
	Environment *map[string]string `json:"environment,omitempty"`
	WorkDir     *string            `json:"work_dir,omitempty"`
	Port        *int               `json:"port,omitempty"`
	AutoStart   *bool              `json:"auto_start,omitempty"`
}

type ExitInfo struct {
	Code   int       `json:"code"`
	Reason string    `json:"reason"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Server is a registered server as returned by the daemon
type Server struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Type        string            `json:"type,omitempty"`
	Command     string            `json:"command"`
	Environment map[string]string `json:"environment,omitempty"`
	WorkDir     string            `json:"work_dir,omitempty"`
	Port        int               `json:"port,omitempty"`
	AutoStart   bool              `json:"auto_start,omitempty"`
	Status      string            `json:"status"`
	LastError   string            `json:"last_error,omitempty"`
	LastExit    *ExitInfo         `json:"last_exit,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Status represents the live status of a single server
type Status struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	State         string     `json:"state"`
	PID           int        `json:"pid,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	Probing       bool       `json:"probing"`
	Subscribers   int        `json:"subscribers"`
	LastError     string     `json:"last_error,omitempty"`
	LastExit      *ExitInfo  `json:"last_exit,omitempty"`
	Port          int        `json:"port,omitempty"`
}

type HealthRecord struct {
	ID             string    `json:"id"`
	ServerID       string    `json:"server_id"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	Error          string    `json:"error,omitempty"`
	Warnings       []string  `json:"warnings,omitempty"`
	CPUPercent     float64   `json:"cpu_percent,omitempty"`
	MemoryMB       float64   `json:"memory_mb,omitempty"`
}

type LogEntry struct {
	ID        string            `json:"id"`
	ServerID  string            `json:"server_id"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// LogQuery represents query parameters for the logs endpoint
type LogQuery struct {
	Level  string
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
