package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/makeastudio/api/internal/config"
	"github.com/makeastudio/api/internal/model"
)

// Store is the durable record of jobs, their step logs, the credit ledger
// and owner preferences.
type Store interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	UpdateJob(ctx context.Context, job *model.Job) error
	ClaimJob(ctx context.Context, id string) (bool, error)
	ListStale(ctx context.Context, statuses []model.JobStatus, before time.Time, limit int) ([]*model.Job, error)

	AppendStep(ctx context.Context, step *model.Step) error
	ListSteps(ctx context.Context, jobID string) ([]*model.Step, error)

	AppendLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error
	GetLedgerEntry(ctx context.Context, refType model.ReferenceType, refID string) (*model.LedgerEntry, error)
	Balance(ctx context.Context, ownerID string) (int, error)
	ListLedger(ctx context.Context, ownerID string, limit int) ([]*model.LedgerEntry, error)

	GetOwnerPreferences(ctx context.Context, ownerID string) (*model.OwnerPreferences, error)
	SetOwnerPreferences(ctx context.Context, prefs *model.OwnerPreferences) error

	Ping(ctx context.Context) error
	Close() error
}

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// SQLStore implements Store on database/sql for both Postgres and SQLite.
// Queries are written with $N placeholders and rebound for SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	pool    *pgxpool.Pool
	now     func() time.Time
}

// Open picks the backend from configuration.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*SQLStore, error) {
	switch cfg.Driver {
	case "postgres":
		return OpenPostgres(ctx, cfg)
	case "sqlite":
		return OpenSQLite(ctx, cfg.SQLitePath)
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

// OpenPostgres connects a pgx pool and exposes it through database/sql.
func OpenPostgres(ctx context.Context, cfg *config.DatabaseConfig) (*SQLStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolCfg.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	s := &SQLStore{db: db, dialect: dialectPostgres, pool: pool, now: time.Now}

	if _, err := db.ExecContext(connectCtx, postgresSchema); err != nil {
		s.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return s, nil
}

// OpenSQLite opens (or creates) the database file at path and runs migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// a single writer keeps transactions serialized
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLStore{db: db, dialect: dialectSQLite, now: time.Now}, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// q adapts a $N query to the active dialect.
func (s *SQLStore) q(query string) string {
	if s.dialect == dialectSQLite {
		return placeholderRe.ReplaceAllString(query, "?$1")
	}
	return query
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (s *SQLStore) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}
