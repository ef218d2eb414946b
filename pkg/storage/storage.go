// Package storage implements the Postgres persistence layer: typed
// accessors for servers, wallet links, verification sessions, gating
// rules, audit entries, price quotes and OAuth states, plus the
// advisory run lock used by the scheduled reconciliation cycle.
package storage

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// qb builds queries with Postgres placeholders.
var qb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store wraps a pgx connection pool with typed accessors.
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// New connects to the database at dsn and verifies the connection.
func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database DSN: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

// Pool exposes the underlying pool for components that need dedicated
// session connections (the advisory run lock).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close tears the pool down.
func (s *Store) Close() {
	s.pool.Close()
}

func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
