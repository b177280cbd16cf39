package repo

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeventeLantos/outbound-dispatch/internal/resilience"
)

//go:embed schema.sql
var schemaSQL string

// Postgres implements Store on a pgx pool. Every statement runs through
// the store breaker when one is set.
type Postgres struct {
	pool    *pgxpool.Pool
	breaker *resilience.Breaker
}

var _ Store = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool, breaker *resilience.Breaker) *Postgres {
	return &Postgres{pool: pool, breaker: breaker}
}

// Connect opens a pool and checks it can reach the server.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema. It is safe to run on every start.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return resilience.Call(p.breaker, func() (pgconn.CommandTag, error) {
		return p.pool.Exec(ctx, sql, args...)
	})
}

// found carries a lookup result through the breaker so a missing row does
// not count as a store failure.
type found[T any] struct {
	v  T
	ok bool
}

func lookup[T any](p *Postgres, fn func() (found[T], error)) (T, error) {
	res, err := resilience.Call(p.breaker, fn)
	if err != nil {
		var zero T
		return zero, err
	}
	if !res.ok {
		var zero T
		return zero, ErrNotFound
	}
	return res.v, nil
}
