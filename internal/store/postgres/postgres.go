package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/mcphub/internal/store/sqlstore"
)

// DB implements store.Store for PostgreSQL through the pgx stdlib driver.
type DB struct {
	*sqlstore.DB
}

// New opens a PostgreSQL database from a postgres:// DSN.
func New(dsn string) (*DB, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty postgres dsn")
	}
	db, err := sql.Open("pgx", d)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{DB: sqlstore.New(db, sqlstore.Postgres)}, nil
}
