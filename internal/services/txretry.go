package services

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// RetryPolicy bounds how often a transaction is attempted when the store
// reports transient contention.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
}

// DefaultRetryPolicy is used when a service is built without one.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, InitialBackoff: 20 * time.Millisecond}

func (p RetryPolicy) orDefault() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultRetryPolicy.InitialBackoff
	}
	return p
}

// errStaleRead is returned from inside a transaction when a conditional write
// matched zero rows because the decision read is out of date. It is retried
// like storage contention.
var errStaleRead = errors.New("stale read")

// runTx executes fn in a transaction, retrying the whole transaction with
// exponential backoff while the failure is transient. Any other error ends
// the loop immediately. Exhausted retries surface as *RetriableError.
func runTx(ctx context.Context, db *gorm.DB, p RetryPolicy, op string, fn func(tx *gorm.DB) error) error {
	p = p.orDefault()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialBackoff
	eb.MaxInterval = 50 * p.InitialBackoff

	var opts []*sql.TxOptions
	if db.Dialector != nil && db.Dialector.Name() == "postgres" {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := db.WithContext(ctx).Transaction(fn, opts...)
		switch {
		case err == nil:
			return struct{}{}, nil
		case isTransient(err):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			txRetries.WithLabelValues(op).Inc()
			logger(ctx).Debug().Err(err).Str("op", op).Dur("backoff", next).Msg("retrying transaction")
		}),
	)
	if err != nil && isTransient(err) {
		logger(ctx).Warn().Err(err).Str("op", op).Int("attempts", attempts).Msg("transaction contention persisted")
		return &RetriableError{Op: op, Attempts: attempts, Err: err}
	}
	return err
}

// isTransient reports storage contention worth retrying: SQLite busy/locked
// and Postgres serialization or deadlock failures.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errStaleRead) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "database is locked") ||
		strings.Contains(low, "database table is locked") ||
		strings.Contains(low, "sqlite_busy") ||
		strings.Contains(low, "sqlite_locked")
}

// isSizeLimit reports failures caused by a statement or transaction being
// too large, which a smaller batch can avoid.
func isSizeLimit(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "54000" || pgErr.Code == "54001"
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "too many sql variables") ||
		strings.Contains(low, "string or blob too big") ||
		strings.Contains(low, "extended protocol limited to")
}

// logger returns the request-scoped logger stored in ctx, or the global one.
func logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}
