// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

// Package postgres implements the database provider backed by PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/plugdeck/plugdeck/internal/broker"
	"github.com/plugdeck/plugdeck/internal/registry"
)

// PluginID is the provider plugin id this factory is registered under.
const PluginID = "db-postgres"

// Connection retry bounds. Fresh environments often race the database
// container on startup.
const (
	pingRetryBase = 500 * time.Millisecond
	pingRetryMax  = 6
)

// Pool is the subset of pgxpool.Pool the provider uses. pgxmock satisfies
// it in tests.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// Provider executes queries against a PostgreSQL pool.
type Provider struct {
	pool Pool
	dsn  string
}

// Compile-time interface check.
var _ broker.DatabaseProvider = (*Provider)(nil)

// New builds a provider from resolved settings. The url setting is the
// PostgreSQL connection string and is required. The initial ping is retried
// with fibonacci backoff before setup is declared failed.
func New(ctx context.Context, _ *registry.Descriptor, settings map[string]any) (broker.DatabaseProvider, error) {
	dsn, _ := settings["url"].(string)
	if dsn == "" {
		return nil, oops.Code("CONFIG_INVALID_VALUE").
			With("provider", PluginID).
			Errorf("url setting is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.With("provider", PluginID).Hint("invalid connection string").Wrap(err)
	}

	backoff := retry.WithMaxRetries(pingRetryMax, retry.NewFibonacci(pingRetryBase))
	if err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if pingErr := pool.Ping(ctx); pingErr != nil {
			return retry.RetryableError(pingErr)
		}
		return nil
	}); err != nil {
		pool.Close()
		return nil, oops.With("provider", PluginID).Hint("database unreachable").Wrap(err)
	}

	return &Provider{pool: pool, dsn: dsn}, nil
}

// NewWithPool wires an existing pool, used by tests with pgxmock.
func NewWithPool(pool Pool, dsn string) *Provider {
	return &Provider{pool: pool, dsn: dsn}
}

// Query executes sql and returns all rows keyed by column name.
func (p *Provider) Query(ctx context.Context, sql string, args ...any) ([]broker.Row, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(sql, err)
	}
	defer rows.Close()

	columns := rows.FieldDescriptions()
	var out []broker.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, oops.With("provider", PluginID).Wrap(err)
		}
		row := make(broker.Row, len(columns))
		for i, col := range columns {
			row[col.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(sql, err)
	}
	return out, nil
}

// Close releases the connection pool.
func (p *Provider) Close(_ context.Context) error {
	p.pool.Close()
	return nil
}

// classify maps PostgreSQL error codes onto the runtime's error taxonomy.
func classify(sql string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.UndefinedTable:
			return oops.Code("DB_SCHEMA_MISSING").
				With("table", pgErr.TableName).
				Hint("run schema sync").
				Wrap(err)
		case pgErr.Code == pgerrcode.InsufficientPrivilege:
			return oops.Code("DB_PRIVILEGE").Wrap(err)
		case pgerrcode.IsConnectionException(pgErr.Code):
			return oops.Code("DB_UNAVAILABLE").Wrap(err)
		}
	}
	return oops.With("sql", sql).Wrap(err)
}
