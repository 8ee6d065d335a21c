package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/usagesvc/internal/observability/metrics"
	"gorm.io/gorm"
)

const defaultTxMaxAttempts = 5

// TxRunner runs closures inside database transactions, retrying the whole
// closure when the store reports a serialization or lock conflict.
type TxRunner struct {
	db          *gorm.DB
	maxAttempts int
	newBackOff  func() backoff.BackOff
	metrics     *metrics.Pipeline
}

func NewTxRunner(conn *gorm.DB, maxAttempts int, m *metrics.Pipeline) *TxRunner {
	if maxAttempts <= 0 {
		maxAttempts = defaultTxMaxAttempts
	}
	return &TxRunner{
		db:          conn,
		maxAttempts: maxAttempts,
		metrics:     m,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = 500 * time.Millisecond
			return b
		},
	}
}

// DB exposes the underlying handle for read paths.
func (r *TxRunner) DB() *gorm.DB {
	return r.db
}

// Run executes fn in a transaction. Errors that are not retryable are
// returned as-is after the first attempt. When the attempts are exhausted
// the last conflict is wrapped in ErrTransientStore.
func (r *TxRunner) Run(ctx context.Context, fn func(tx *gorm.DB) error) error {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := r.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return struct{}{}, nil
		}
		if !IsRetryableErr(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(r.maxAttempts)),
	)
	exhausted := err != nil && IsRetryableErr(err)
	r.metrics.ObserveTx(attempts, err, exhausted)
	if exhausted {
		return fmt.Errorf("%w after %d attempts: %w", ErrTransientStore, attempts, err)
	}
	return err
}
