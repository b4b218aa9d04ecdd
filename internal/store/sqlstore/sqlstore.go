// Package sqlstore implements store.Store on database/sql for the sqlite and
// postgres dialects.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/mcphub/internal/health"
	"github.com/loykin/mcphub/internal/lifecycle"
	"github.com/loykin/mcphub/internal/store"
)

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// DB is a store.Store over a *sql.DB. Timestamps are stored as unix
// nanoseconds so ordering is identical across dialects.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

func New(db *sql.DB, dialect Dialect) *DB {
	return &DB{db: db, dialect: dialect}
}

// SQL exposes the underlying handle.
func (s *DB) SQL() *sql.DB { return s.db }

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS servers(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL,
			environment TEXT NOT NULL DEFAULT '{}',
			work_dir TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			auto_start INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			last_exit TEXT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS health_checks(
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			status TEXT NOT NULL,
			ts BIGINT NOT NULL,
			response_time_ms BIGINT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			warnings TEXT NOT NULL DEFAULT '[]',
			cpu_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			memory_mb DOUBLE PRECISION NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_health_checks_server_ts ON health_checks(server_id, ts);`,
		`CREATE TABLE IF NOT EXISTS logs(
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			ts BIGINT NOT NULL,
			seq BIGINT NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_server_ts ON logs(server_id, ts);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *DB) rebind(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *DB) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *DB) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const serverCols = `id, name, description, type, command, environment, work_dir, port, auto_start, status, last_error, last_exit, created_at, updated_at`

func (s *DB) SaveServer(ctx context.Context, sv store.Server) error {
	env, err := json.Marshal(sv.Environment)
	if err != nil {
		return fmt.Errorf("encode environment: %w", err)
	}
	if sv.Environment == nil {
		env = []byte("{}")
	}
	var lastExit sql.NullString
	if sv.LastExit != nil {
		b, err := json.Marshal(sv.LastExit)
		if err != nil {
			return fmt.Errorf("encode last exit: %w", err)
		}
		lastExit = sql.NullString{String: string(b), Valid: true}
	}
	_, err = s.exec(ctx, `
		INSERT INTO servers(`+serverCols+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			description=excluded.description,
			type=excluded.type,
			command=excluded.command,
			environment=excluded.environment,
			work_dir=excluded.work_dir,
			port=excluded.port,
			auto_start=excluded.auto_start,
			status=excluded.status,
			last_error=excluded.last_error,
			last_exit=excluded.last_exit,
			updated_at=excluded.updated_at;`,
		sv.ID, sv.Name, sv.Description, sv.Type, sv.Command, string(env), sv.WorkDir, sv.Port,
		boolInt(sv.AutoStart), sv.Status.String(), sv.LastError, lastExit,
		toNanos(sv.CreatedAt), toNanos(sv.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save server %s: %w", sv.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanServer(r scanner) (store.Server, error) {
	var (
		sv               store.Server
		env, status      string
		autoStart        int
		lastExit         sql.NullString
		created, updated int64
	)
	if err := r.Scan(&sv.ID, &sv.Name, &sv.Description, &sv.Type, &sv.Command, &env, &sv.WorkDir, &sv.Port,
		&autoStart, &status, &sv.LastError, &lastExit, &created, &updated); err != nil {
		return store.Server{}, err
	}
	if env != "" && env != "null" {
		if err := json.Unmarshal([]byte(env), &sv.Environment); err != nil {
			return store.Server{}, fmt.Errorf("decode environment of %s: %w", sv.ID, err)
		}
	}
	st, err := lifecycle.ParseState(status)
	if err != nil {
		return store.Server{}, err
	}
	sv.Status = st
	sv.AutoStart = autoStart != 0
	if lastExit.Valid && lastExit.String != "" {
		var le store.ExitInfo
		if err := json.Unmarshal([]byte(lastExit.String), &le); err == nil {
			sv.LastExit = &le
		}
	}
	sv.CreatedAt = fromNanos(created)
	sv.UpdatedAt = fromNanos(updated)
	return sv, nil
}

func (s *DB) GetServer(ctx context.Context, id string) (store.Server, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+serverCols+` FROM servers WHERE id=?`), id)
	sv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Server{}, store.ErrNotFound
	}
	if err != nil {
		return store.Server{}, fmt.Errorf("get server %s: %w", id, err)
	}
	return sv, nil
}

func (s *DB) ListServers(ctx context.Context) ([]store.Server, error) {
	rows, err := s.query(ctx, `SELECT `+serverCols+` FROM servers ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := []store.Server{}
	for rows.Next() {
		sv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}

func (s *DB) DeleteServer(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete server %s: %w", id, err)
	}
	for _, q := range []string{
		`DELETE FROM logs WHERE server_id=?`,
		`DELETE FROM health_checks WHERE server_id=?`,
		`DELETE FROM servers WHERE id=?`,
	} {
		if _, err := tx.ExecContext(ctx, s.rebind(q), id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete server %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *DB) SaveHealthRecord(ctx context.Context, rec health.Record) error {
	warnings, err := json.Marshal(rec.Warnings)
	if err != nil {
		return err
	}
	if rec.Warnings == nil {
		warnings = []byte("[]")
	}
	_, err = s.exec(ctx, `
		INSERT INTO health_checks(id, server_id, status, ts, response_time_ms, error, warnings, cpu_percent, memory_mb)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ServerID, string(rec.Status), toNanos(rec.Timestamp), rec.ResponseTimeMS, rec.Error,
		string(warnings), rec.CPUPercent, rec.MemoryMB)
	if err != nil {
		return fmt.Errorf("save health record: %w", err)
	}
	return nil
}

const healthCols = `id, server_id, status, ts, response_time_ms, error, warnings, cpu_percent, memory_mb`

func scanHealth(r scanner) (health.Record, error) {
	var (
		rec      health.Record
		status   string
		ts       int64
		warnings string
	)
	if err := r.Scan(&rec.ID, &rec.ServerID, &status, &ts, &rec.ResponseTimeMS, &rec.Error, &warnings,
		&rec.CPUPercent, &rec.MemoryMB); err != nil {
		return health.Record{}, err
	}
	rec.Status = health.Status(status)
	rec.Timestamp = fromNanos(ts)
	if warnings != "" && warnings != "[]" && warnings != "null" {
		_ = json.Unmarshal([]byte(warnings), &rec.Warnings)
	}
	return rec, nil
}

func (s *DB) LatestHealth(ctx context.Context, serverID string) (health.Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+healthCols+` FROM health_checks WHERE server_id=? ORDER BY ts DESC LIMIT 1`), serverID)
	rec, err := scanHealth(row)
	if errors.Is(err, sql.ErrNoRows) {
		return health.Record{}, store.ErrNotFound
	}
	if err != nil {
		return health.Record{}, fmt.Errorf("latest health of %s: %w", serverID, err)
	}
	return rec, nil
}

func (s *DB) ListHealth(ctx context.Context, serverID string, limit int) ([]health.Record, error) {
	q := `SELECT ` + healthCols + ` FROM health_checks WHERE server_id=? ORDER BY ts DESC`
	args := []any{serverID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list health of %s: %w", serverID, err)
	}
	defer func() { _ = rows.Close() }()
	out := []health.Record{}
	for rows.Next() {
		rec, err := scanHealth(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *DB) AppendLog(ctx context.Context, e store.LogEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	if e.Metadata == nil {
		meta = []byte("{}")
	}
	_, err = s.exec(ctx, `
		INSERT INTO logs(id, server_id, level, message, ts, seq, metadata)
		VALUES(?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM logs WHERE server_id=?), ?)`,
		e.ID, e.ServerID, string(e.Level), e.Message, toNanos(e.Timestamp), e.ServerID, string(meta))
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *DB) ListLogs(ctx context.Context, serverID string, f store.LogFilter) ([]store.LogEntry, error) {
	q := `SELECT id, server_id, level, message, ts, metadata FROM logs WHERE server_id=?`
	args := []any{serverID}
	if f.Level != "" {
		q += ` AND level=?`
		args = append(args, string(f.Level))
	}
	if !f.Since.IsZero() {
		q += ` AND ts>=?`
		args = append(args, toNanos(f.Since))
	}
	if !f.Until.IsZero() {
		q += ` AND ts<=?`
		args = append(args, toNanos(f.Until))
	}
	q += ` ORDER BY ts DESC, seq DESC LIMIT ? OFFSET ?`
	args = append(args, f.EffectiveLimit(), f.Offset)

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs of %s: %w", serverID, err)
	}
	defer func() { _ = rows.Close() }()
	out := []store.LogEntry{}
	for rows.Next() {
		var (
			e     store.LogEntry
			level string
			ts    int64
			meta  string
		)
		if err := rows.Scan(&e.ID, &e.ServerID, &level, &e.Message, &ts, &meta); err != nil {
			return nil, err
		}
		e.Level = store.Level(level)
		e.Timestamp = fromNanos(ts)
		if meta != "" && meta != "{}" && meta != "null" {
			_ = json.Unmarshal([]byte(meta), &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *DB) ClearLogs(ctx context.Context, serverID string) error {
	if _, err := s.exec(ctx, `DELETE FROM logs WHERE server_id=?`, serverID); err != nil {
		return fmt.Errorf("clear logs of %s: %w", serverID, err)
	}
	return nil
}

func (s *DB) Purge(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM logs WHERE ts<?`,
		`DELETE FROM health_checks WHERE ts<?`,
	} {
		res, err := s.exec(ctx, q, toNanos(before))
		if err != nil {
			return total, fmt.Errorf("purge: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}
