package db

import (
	"context"
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type counterRow struct {
	ID    string `gorm:"primaryKey"`
	Value int
}

func newTestRunner(t *testing.T, attempts int) *TxRunner {
	t.Helper()
	conn, err := NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&counterRow{}))

	r := NewTxRunner(conn, attempts, nil)
	r.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return r
}

func TestTxRunnerRetriesConflicts(t *testing.T) {
	r := newTestRunner(t, 5)

	calls := 0
	err := r.Run(context.Background(), func(tx *gorm.DB) error {
		calls++
		if err := tx.Create(&counterRow{ID: "a", Value: calls}).Error; err != nil {
			return err
		}
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	var rows []counterRow
	require.NoError(t, r.DB().Find(&rows).Error)
	require.Len(t, rows, 1, "failed attempts must roll back")
	assert.Equal(t, 3, rows[0].Value)
}

func TestTxRunnerSurfacesTransientAfterBudget(t *testing.T) {
	r := newTestRunner(t, 2)

	calls := 0
	err := r.Run(context.Background(), func(tx *gorm.DB) error {
		calls++
		return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransientStore)
	assert.Equal(t, 2, calls)
}

func TestTxRunnerDoesNotRetryPermanentErrors(t *testing.T) {
	r := newTestRunner(t, 5)
	boom := errors.New("boom")

	calls := 0
	err := r.Run(context.Background(), func(tx *gorm.DB) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrTransientStore)
	assert.Equal(t, 1, calls)
}

func TestIsRetryableErr(t *testing.T) {
	assert.True(t, IsRetryableErr(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, IsRetryableErr(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsRetryableErr(&mysql.MySQLError{Number: 1213}))
	assert.False(t, IsRetryableErr(&mysql.MySQLError{Number: 1062}))
	assert.False(t, IsRetryableErr(nil))
}

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyErr(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsDuplicateKeyErr(&mysql.MySQLError{Number: 1062}))
	assert.False(t, IsDuplicateKeyErr(errors.New("other")))
}
