// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roseybot/rosey/internal/plugin"
	"github.com/roseybot/rosey/pkg/errutil"
)

func newMockRegistry(t *testing.T) (pgxmock.PgxPoolIface, *Registry) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err, "failed to create mock")
	t.Cleanup(mock.Close)
	return mock, NewRegistry(mock)
}

func TestRegistry_UpsertPlugin(t *testing.T) {
	mock, reg := newMockRegistry(t)

	mock.ExpectExec(`INSERT INTO plugin_records`).
		WithArgs("echo", "1.0.0", true, 0, 1, int64(10), int64(2)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := reg.UpsertPlugin(context.Background(), plugin.AdminRecord{
		Name:         "echo",
		Version:      "1.0.0",
		Enabled:      true,
		RestartCount: 1,
		Successes:    10,
		Errors:       2,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistry_UpsertPlugin_Error(t *testing.T) {
	mock, reg := newMockRegistry(t)

	mock.ExpectExec(`INSERT INTO plugin_records`).
		WillReturnError(errors.New("connection refused"))

	err := reg.UpsertPlugin(context.Background(), plugin.AdminRecord{Name: "echo"})
	errutil.AssertErrorCode(t, err, "STORE_WRITE_FAILED")
}

func TestRegistry_GetPlugin(t *testing.T) {
	mock, reg := newMockRegistry(t)

	rows := pgxmock.NewRows([]string{
		"name", "version", "enabled", "crash_count", "restart_count", "successes", "errors",
	}).AddRow("echo", "1.0.0", false, 2, 5, int64(100), int64(7))
	mock.ExpectQuery(`SELECT name, version, enabled`).
		WithArgs("echo").
		WillReturnRows(rows)

	rec, err := reg.GetPlugin(context.Background(), "echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", rec.Name)
	assert.False(t, rec.Enabled)
	assert.Equal(t, 2, rec.CrashCount)
	assert.Equal(t, 5, rec.RestartCount)
	assert.Equal(t, uint64(100), rec.Successes)
	assert.Equal(t, uint64(7), rec.Errors)
}

func TestRegistry_GetPlugin_NotFound(t *testing.T) {
	mock, reg := newMockRegistry(t)

	mock.ExpectQuery(`SELECT name, version, enabled`).
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{
			"name", "version", "enabled", "crash_count", "restart_count", "successes", "errors",
		}))

	_, err := reg.GetPlugin(context.Background(), "ghost")
	errutil.AssertErrorCode(t, err, "STORE_NOT_FOUND")
}

func TestRegistry_ListPlugins(t *testing.T) {
	mock, reg := newMockRegistry(t)

	rows := pgxmock.NewRows([]string{
		"name", "version", "enabled", "crash_count", "restart_count", "successes", "errors",
	}).
		AddRow("alpha", "1.0.0", true, 0, 0, int64(0), int64(0)).
		AddRow("beta", "2.0.0", false, 3, 1, int64(4), int64(9))
	mock.ExpectQuery(`SELECT name, version, enabled`).WillReturnRows(rows)

	recs, err := reg.ListPlugins(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "alpha", recs[0].Name)
	assert.Equal(t, "beta", recs[1].Name)
	assert.Equal(t, 3, recs[1].CrashCount)
}

func TestRegistry_ListPlugins_Empty(t *testing.T) {
	mock, reg := newMockRegistry(t)

	mock.ExpectQuery(`SELECT name, version, enabled`).
		WillReturnRows(pgxmock.NewRows([]string{
			"name", "version", "enabled", "crash_count", "restart_count", "successes", "errors",
		}))

	recs, err := reg.ListPlugins(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRegistry_SetEnabled(t *testing.T) {
	mock, reg := newMockRegistry(t)

	mock.ExpectExec(`UPDATE plugin_records SET enabled`).
		WithArgs("echo", false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, reg.SetEnabled(context.Background(), "echo", false))
}

func TestRegistry_SetEnabled_NotFound(t *testing.T) {
	mock, reg := newMockRegistry(t)

	mock.ExpectExec(`UPDATE plugin_records SET enabled`).
		WithArgs("ghost", true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := reg.SetEnabled(context.Background(), "ghost", true)
	errutil.AssertErrorCode(t, err, "STORE_NOT_FOUND")
}

func TestRegistry_DeletePlugin(t *testing.T) {
	mock, reg := newMockRegistry(t)

	mock.ExpectExec(`DELETE FROM plugin_records`).
		WithArgs("echo").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, reg.DeletePlugin(context.Background(), "echo"))

	// Idempotent: deleting a missing record succeeds.
	mock.ExpectExec(`DELETE FROM plugin_records`).
		WithArgs("echo").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	require.NoError(t, reg.DeletePlugin(context.Background(), "echo"))
}

func TestRegistry_UpsertPlugin_UniqueViolation(t *testing.T) {
	mock, reg := newMockRegistry(t)

	mock.ExpectExec(`INSERT INTO plugin_records`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})

	err := reg.UpsertPlugin(context.Background(), plugin.AdminRecord{Name: "echo"})
	errutil.AssertErrorCode(t, err, "STORE_CONFLICT")
}
