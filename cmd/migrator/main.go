package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"notesync/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// migrationLockKey serialises concurrent migrators on one database.
const migrationLockKey int64 = 0x6e6f746573796e63

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	exitf = func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
		os.Exit(1)
	}
	openDBFn = func(ctx context.Context) (migratorDBCloser, error) {
		return store.OpenPostgres(ctx, store.PostgresConfigFromEnv())
	}
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "notesync-migrator")
	if err := run(ctx, os.DirFS(migrationsDir()), logger); err != nil {
		exitf("migrator: %v", err)
	}
}

func migrationsDir() string {
	if v := strings.TrimSpace(os.Getenv("MIGRATIONS_DIR")); v != "" {
		return v
	}
	return "migrations"
}

func run(ctx context.Context, fsys fs.FS, logger *slog.Logger) error {
	migrations, err := loadMigrations(fsys)
	if err != nil {
		return err
	}
	pool, err := openDBFn(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()
	applied, err := runMigrations(ctx, pool, migrations, logger)
	if err != nil {
		return err
	}
	logger.Info("migrations complete", "applied", applied, "total", len(migrations))
	return nil
}

type migration struct {
	Name     string
	SQL      string
	Checksum string
}

// loadMigrations reads every top-level *.sql file in lexical order.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(names)
	out := make([]migration, 0, len(names))
	for _, name := range names {
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		if strings.TrimSpace(string(body)) == "" {
			return nil, fmt.Errorf("migration %s is empty", name)
		}
		sum := sha256.Sum256(body)
		out = append(out, migration{Name: name, SQL: string(body), Checksum: hex.EncodeToString(sum[:])})
	}
	return out, nil
}

func runMigrations(ctx context.Context, db migrationDB, migrations []migration, logger *slog.Logger) (int, error) {
	if db == nil {
		return 0, errors.New("db required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		ok, err := applyOne(ctx, db, m)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
			logger.Info("applied migration", "file", m.Name, "checksum", m.Checksum[:12])
		}
	}
	return applied, nil
}

// applyOne runs m in its own transaction under an advisory lock. It reports
// false when m was already recorded with the same checksum.
func applyOne(ctx context.Context, db migrationDB, m migration) (bool, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("migration lock: %w", err)
	}
	var recorded string
	err = tx.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, m.Name).Scan(&recorded)
	switch {
	case err == nil:
		if recorded != "" && recorded != m.Checksum {
			return false, fmt.Errorf("migration %s changed after it was applied", m.Name)
		}
		return false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return false, fmt.Errorf("migration lookup %s: %w", m.Name, err)
	}

	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return false, fmt.Errorf("apply migration %s: %w", m.Name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2)`, m.Name, m.Checksum); err != nil {
		return false, fmt.Errorf("mark migration %s: %w", m.Name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", m.Name, err)
	}
	return true, nil
}
