// Package testutil provides shared test infrastructure: throwaway SQLite draft
// stores and a lazily started Postgres container for the Postgres dialect.
//
// Usage:
//
//	func TestMain(m *testing.M) {
//	    code := m.Run()
//	    testutil.TerminatePostgres()
//	    os.Exit(code)
//	}
//
//	func TestSomething(t *testing.T) {
//	    db := testutil.NewSQLiteDB(t)
//	    ...
//	}
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/outcomefi/outcome/internal/storage"
	"github.com/outcomefi/outcome/migrations"
)

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

var (
	pgOnce      sync.Once
	pgContainer *TestContainer
	pgErr       error
	pgDBCounter atomic.Int64
)

// StartPostgres starts a Postgres container. The caller owns termination.
func StartPostgres(ctx context.Context) (*TestContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "outcome",
			"POSTGRES_PASSWORD": "outcome",
			"POSTGRES_DB":       "outcome",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("testutil: start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: container port: %w", err)
	}

	dsn := fmt.Sprintf("postgres://outcome:outcome@%s:%s/outcome?sslmode=disable", host, port.Port())
	return &TestContainer{Container: container, DSN: dsn}, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// NewSQLiteDB returns a migrated draft store backed by a fresh SQLite file.
func NewSQLiteDB(t testing.TB) *storage.DB {
	t.Helper()
	ctx := context.Background()
	db, err := storage.New(ctx, filepath.Join(t.TempDir(), "outcome.db"), TestLogger())
	if err != nil {
		t.Fatalf("testutil: open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		t.Fatalf("testutil: run migrations: %v", err)
	}
	return db
}

// NewPostgresDB returns a migrated draft store in a fresh database on the
// shared Postgres container. The test is skipped when no container runtime
// is available or OUTCOME_SKIP_POSTGRES_TESTS is set.
func NewPostgresDB(t *testing.T) *storage.DB {
	t.Helper()
	if os.Getenv("OUTCOME_SKIP_POSTGRES_TESTS") != "" {
		t.Skip("OUTCOME_SKIP_POSTGRES_TESTS set")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	pgOnce.Do(func() {
		pgContainer, pgErr = StartPostgres(ctx)
	})
	if pgErr != nil {
		t.Fatalf("testutil: %v", pgErr)
	}

	name := fmt.Sprintf("outcome_test_%d", pgDBCounter.Add(1))
	admin, err := sql.Open("pgx", pgContainer.DSN)
	if err != nil {
		t.Fatalf("testutil: open admin connection: %v", err)
	}
	defer func() { _ = admin.Close() }()
	if _, err := admin.ExecContext(ctx, "CREATE DATABASE "+name); err != nil {
		t.Fatalf("testutil: create database: %v", err)
	}

	dsn := fmt.Sprintf("postgres://outcome:outcome@%s/%s?sslmode=disable", hostPort(t, pgContainer), name)
	db, err := storage.New(ctx, dsn, TestLogger())
	if err != nil {
		t.Fatalf("testutil: open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		t.Fatalf("testutil: run migrations: %v", err)
	}
	return db
}

func hostPort(t *testing.T, tc *TestContainer) string {
	t.Helper()
	ctx := context.Background()
	host, err := tc.Container.Host(ctx)
	if err != nil {
		t.Fatalf("testutil: container host: %v", err)
	}
	port, err := tc.Container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("testutil: container port: %v", err)
	}
	return host + ":" + port.Port()
}

// TerminatePostgres stops the shared container if one was started.
func TerminatePostgres() {
	if pgContainer != nil {
		pgContainer.Terminate()
	}
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
