package ha

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRegions(t *testing.T) (*PostgresRegions, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRegions(map[string]*sql.DB{"a": db}), mock
}

func TestPostgresRegions_ReplicationLag(t *testing.T) {
	p, mock := newMockRegions(t)
	mock.ExpectQuery(`pg_last_xact_replay_timestamp`).
		WillReturnRows(sqlmock.NewRows([]string{"lag"}).AddRow(2.5))

	lag, err := p.ReplicationLag(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, lag)
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = p.ReplicationLag(context.Background(), "b")
	assert.Error(t, err)
}

func TestPostgresRegions_Promote(t *testing.T) {
	t.Run("standby", func(t *testing.T) {
		p, mock := newMockRegions(t)
		mock.ExpectQuery(`SELECT pg_is_in_recovery\(\)`).
			WillReturnRows(sqlmock.NewRows([]string{"pg_is_in_recovery"}).AddRow(true))
		mock.ExpectQuery(`SELECT pg_promote\(true, 60\)`).
			WillReturnRows(sqlmock.NewRows([]string{"pg_promote"}).AddRow(true))

		require.NoError(t, p.Promote(context.Background(), "a"))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already primary", func(t *testing.T) {
		p, mock := newMockRegions(t)
		mock.ExpectQuery(`SELECT pg_is_in_recovery\(\)`).
			WillReturnRows(sqlmock.NewRows([]string{"pg_is_in_recovery"}).AddRow(false))

		require.NoError(t, p.Promote(context.Background(), "a"))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("promotion timed out", func(t *testing.T) {
		p, mock := newMockRegions(t)
		mock.ExpectQuery(`SELECT pg_is_in_recovery\(\)`).
			WillReturnRows(sqlmock.NewRows([]string{"pg_is_in_recovery"}).AddRow(true))
		mock.ExpectQuery(`SELECT pg_promote\(true, 60\)`).
			WillReturnRows(sqlmock.NewRows([]string{"pg_promote"}).AddRow(false))

		assert.Error(t, p.Promote(context.Background(), "a"))
	})

	t.Run("unknown region", func(t *testing.T) {
		p, _ := newMockRegions(t)
		assert.Error(t, p.Promote(context.Background(), "z"))
	})
}
