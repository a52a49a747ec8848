// Package pgstore mirrors bets into Postgres and loads the seed tables.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StreamTable receives bets mirrored from the topic.
const StreamTable = "bets_stream"

// DB is the subset of *pgxpool.Pool used here.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Config struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
	SSLMode  string

	MaxConns int32
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("postgres host is required")
	}
	if c.Database == "" {
		return errors.New("postgres database is required")
	}
	if c.User == "" {
		return errors.New("postgres user is required")
	}
	return nil
}

// ConnString renders a postgres:// URL.
func (c *Config) ConnString() string {
	port := c.Port
	if port == "" {
		port = "5432"
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
	}
	return u.String()
}

// Connect opens a pool and pings it.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// EnsureStreamSchema creates the mirror table.
func EnsureStreamSchema(ctx context.Context, db DB) error {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS public.bets_stream (
			bet_id     text PRIMARY KEY,
			player_id  bigint,
			game_id    bigint,
			bet_time   timestamp,
			stake      double precision,
			odds       double precision,
			status     text,
			actual_win double precision
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create %s table: %w", StreamTable, err)
	}
	return nil
}
