// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

// Package store persists plugin administrative records in PostgreSQL.
package store

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

	"github.com/roseybot/rosey/internal/plugin"
)

// poolIface abstracts pgxpool.Pool so unit tests can substitute pgxmock.
type poolIface interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Registry implements plugin.RecordStore over PostgreSQL.
type Registry struct {
	pool poolIface
}

// Compile-time interface check.
var _ plugin.RecordStore = (*Registry)(nil)

// NewRegistry wraps an existing pool.
func NewRegistry(pool poolIface) *Registry {
	return &Registry{pool: pool}
}

// Open connects to PostgreSQL with a bounded fibonacci retry, so a host
// booting alongside its database does not fail on the first refused
// connection.
func Open(ctx context.Context, dsn string) (*Registry, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("STORE_CONNECT_FAILED").Wrapf(err, "invalid database configuration")
	}

	backoff := retry.WithMaxDuration(30*time.Second, retry.NewFibonacci(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, oops.Code("STORE_CONNECT_FAILED").Wrapf(err, "database did not become reachable")
	}

	return &Registry{pool: pool}, nil
}

// Close releases the connection pool.
func (r *Registry) Close() {
	r.pool.Close()
}

// UpsertPlugin writes a plugin's administrative record, replacing any
// existing row for the same name.
func (r *Registry) UpsertPlugin(ctx context.Context, rec plugin.AdminRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO plugin_records (name, version, enabled, crash_count, restart_count, successes, errors, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (name) DO UPDATE SET
		   version = $2, enabled = $3, crash_count = $4, restart_count = $5,
		   successes = $6, errors = $7, updated_at = now()`,
		rec.Name, rec.Version, rec.Enabled, rec.CrashCount, rec.RestartCount,
		int64(rec.Successes), int64(rec.Errors)) //nolint:gosec // counters fit int64 in practice
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return oops.Code("STORE_CONFLICT").With("plugin", rec.Name).Wrap(err)
		}
		return oops.Code("STORE_WRITE_FAILED").With("plugin", rec.Name).Wrap(err)
	}
	return nil
}

// SetEnabled flips just the enabled flag.
func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE plugin_records SET enabled = $2, updated_at = now() WHERE name = $1`,
		name, enabled)
	if err != nil {
		return oops.Code("STORE_WRITE_FAILED").With("plugin", name).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("STORE_NOT_FOUND").With("plugin", name).
			Errorf("no record for plugin %q", name)
	}
	return nil
}

// GetPlugin reads one plugin's record.
func (r *Registry) GetPlugin(ctx context.Context, name string) (plugin.AdminRecord, error) {
	var rec plugin.AdminRecord
	var successes, errCount int64
	err := r.pool.QueryRow(ctx,
		`SELECT name, version, enabled, crash_count, restart_count, successes, errors
		 FROM plugin_records WHERE name = $1`, name).
		Scan(&rec.Name, &rec.Version, &rec.Enabled, &rec.CrashCount, &rec.RestartCount, &successes, &errCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return plugin.AdminRecord{}, oops.Code("STORE_NOT_FOUND").With("plugin", name).
			Errorf("no record for plugin %q", name)
	}
	if err != nil {
		return plugin.AdminRecord{}, oops.Code("STORE_READ_FAILED").With("plugin", name).Wrap(err)
	}
	rec.Successes = uint64(successes) //nolint:gosec // stored non-negative
	rec.Errors = uint64(errCount)     //nolint:gosec // stored non-negative
	return rec, nil
}

// ListPlugins returns every stored record, ordered by name.
func (r *Registry) ListPlugins(ctx context.Context) ([]plugin.AdminRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT name, version, enabled, crash_count, restart_count, successes, errors
		 FROM plugin_records ORDER BY name`)
	if err != nil {
		return nil, oops.Code("STORE_READ_FAILED").Wrap(err)
	}
	defer rows.Close()

	var recs []plugin.AdminRecord
	for rows.Next() {
		var rec plugin.AdminRecord
		var successes, errCount int64
		if err := rows.Scan(&rec.Name, &rec.Version, &rec.Enabled, &rec.CrashCount,
			&rec.RestartCount, &successes, &errCount); err != nil {
			return nil, oops.Code("STORE_READ_FAILED").Wrap(err)
		}
		rec.Successes = uint64(successes) //nolint:gosec // stored non-negative
		rec.Errors = uint64(errCount)     //nolint:gosec // stored non-negative
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("STORE_READ_FAILED").Wrap(err)
	}
	return recs, nil
}

// DeletePlugin removes a plugin's record. Deleting a missing record is not
// an error; unload must be idempotent.
func (r *Registry) DeletePlugin(ctx context.Context, name string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM plugin_records WHERE name = $1`, name)
	if err != nil {
		return oops.Code("STORE_WRITE_FAILED").With("plugin", name).Wrap(err)
	}
	return nil
}
