package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/mcphub/internal/store"
	"github.com/loykin/mcphub/internal/store/memory"
	pg "github.com/loykin/mcphub/internal/store/postgres"
	sq "github.com/loykin/mcphub/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN and ensures its schema.
// Supported:
//   - memory:   "memory://"
//   - sqlite:   "sqlite://<path>" or a bare file path
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(ctx context.Context, dsn string) (store.Store, error) {
	st, err := open(dsn)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("store schema: %w", err)
	}
	return st, nil
}

func open(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case ld == "":
		return nil, errors.New("empty DSN")
	case strings.HasPrefix(ld, "memory://"):
		return memory.New(), nil
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		return pg.New(d)
	case strings.HasPrefix(ld, "sqlite://"):
		return sq.New(d[len("sqlite://"):])
	}
	// default to sqlite path
	return sq.New(d)
}
