package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/mcphub/internal/store/sqlstore"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// The DSN is a filesystem path; ":memory:" keeps everything in memory.
type DB struct {
	*sqlstore.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	if p != ":memory:" && !strings.HasPrefix(p, "file:") {
		if dir := filepath.Dir(p); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// one writer at a time; also keeps a :memory: database on a single connection
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{DB: sqlstore.New(d, sqlstore.SQLite)}, nil
}
