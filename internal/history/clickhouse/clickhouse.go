package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/mcphub/internal/history"
)

const DefaultTable = "server_history"

type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse using the native protocol client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(opts Options) (*Sink, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 3 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: opts.Table}
	if err := s.ensureTable(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureTable(ctx context.Context) error {
	err := s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			type String,
			occurred_at DateTime64(6),
			server_id String,
			name String,
			from_state LowCardinality(String),
			to_state LowCardinality(String),
			reason LowCardinality(String),
			pid Int32,
			exit_code Nullable(Int32),
			error String,
			forced Bool
		) ENGINE = MergeTree()
		ORDER BY (server_id, occurred_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, server_id, name, from_state, to_state, reason, pid, exit_code, error, forced) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	var exitCode *int32
	if e.ExitCode != nil {
		c := int32(*e.ExitCode)
		exitCode = &c
	}
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		e.ServerID,
		e.Name,
		e.From,
		e.To,
		e.Reason,
		int32(e.PID),
		exitCode,
		e.Error,
		e.Forced,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
