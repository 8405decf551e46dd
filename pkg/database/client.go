// Package database provides the PostgreSQL connection pool and embedded
// schema migrations.
package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql (migrations)
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds connection pool tuning. Zero values keep pgxpool defaults.
type Config struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Client wraps the pgx pool shared by every PostgreSQL-backed component.
type Client struct {
	pool *pgxpool.Pool
	url  string
}

// Pool returns the underlying pool for direct queries.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// URL returns the connection string, used by components that need their own
// dedicated connection (the NOTIFY listener).
func (c *Client) URL() string {
	return c.url
}

// Close releases the pool.
func (c *Client) Close() {
	c.pool.Close()
}

// NewClient connects, verifies the connection and applies pending
// migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("database: parsing connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("database: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: pinging: %w", err)
	}

	if err := RunMigrations(ctx, cfg.URL); err != nil {
		pool.Close()
		return nil, err
	}

	return &Client{pool: pool, url: cfg.URL}, nil
}

// RunMigrations applies all pending embedded migrations. Migration files are
// compiled into the binary, so deployments never depend on files on disk.
// It opens its own short-lived database/sql connection because golang-migrate
// drives that interface, not pgx pools.
func RunMigrations(ctx context.Context, url string) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return err
	}
	if !hasMigrations {
		return errors.New("database: no embedded migration files found")
	}

	db, err := stdsql.Open("pgx", url)
	if err != nil {
		return fmt.Errorf("database: opening migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database: pinging for migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("database: creating migration driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("database: creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("database: creating migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("database: applying migrations: %w", err)
	}
	// Close only the source: m.Close would also close db, which the defer
	// above already handles.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("database: closing migration source: %w", err)
	}
	return nil
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("database: reading embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}
	return false, nil
}
