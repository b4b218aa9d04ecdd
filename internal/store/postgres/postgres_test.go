package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/loykin/mcphub/internal/store/storetest"
)

// startPostgresContainer starts a PostgreSQL container for tests
// and returns a DSN suitable for pgx stdlib. It skips the test if Docker is unavailable.
func startPostgresContainer(t *testing.T) (dsn string, terminate func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return "", nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get host info: %v", err)
		return "", nil
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	dsn = fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())
	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}
	return dsn, terminate
}

// waitForPostgres pings until the server accepts connections; the container
// can report ready slightly before that.
func waitForPostgres(t *testing.T, dsn string) {
	deadline := time.Now().Add(45 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				_ = db.Close()
				cancel()
				return
			}
			_ = db.Close()
		}
		cancel()
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn, terminate := startPostgresContainer(t)
	defer terminate()
	waitForPostgres(t, dsn)

	db, err := New(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = db.Close() }()
	storetest.Run(t, db)
}

func TestNewRejectsEmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}
