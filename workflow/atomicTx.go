package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// TransientClassifier decides whether an error is a retryable contention
// error (lock wait, deadlock, busy database) or a permanent failure.
type TransientClassifier func(error) bool

// IsTransientDBError classifies MySQL lock-wait timeouts (1205) and
// deadlocks (1213), plus SQLite busy/locked errors seen under the test
// driver.
func IsTransientDBError(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1205 || mysqlErr.Number == 1213
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}

// RetryTransient runs fn up to maxAttempts times with exponential backoff
// (baseDelay doubling per attempt). Only errors the classifier accepts are
// retried; anything else propagates immediately. Exhausted retries surface
// as a StorageError.
func RetryTransient(maxAttempts int, baseDelay time.Duration, classify TransientClassifier, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := baseDelay
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if classify == nil || !classify(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		time.Sleep(delay)
		delay *= 2
	}
	return &StorageError{Attempts: maxAttempts, Err: err}
}

// AtomicTx scopes units of work to a transaction with commit on success,
// rollback on failure, and bounded retry on transient contention. Each retry
// reruns the whole unit of work in a fresh transaction, so staged state
// never leaks between attempts.
type AtomicTx struct {
	DB          *gorm.DB
	MaxAttempts int
	BaseDelay   time.Duration
	Classify    TransientClassifier
}

func NewAtomicTx(db *gorm.DB) *AtomicTx {
	return &AtomicTx{
		DB:          db,
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Classify:    IsTransientDBError,
	}
}

// Run executes fn inside a transaction the helper owns: it opens the
// transaction, commits on nil, rolls back on error, and releases the handle
// on every exit path.
func (a *AtomicTx) Run(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return RetryTransient(a.MaxAttempts, a.BaseDelay, a.Classify, func() error {
		return a.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(tx)
		})
	})
}

// RunInExisting executes fn against a transaction the CALLER owns. The
// helper never commits, rolls back, or retries it: replaying a unit of work
// inside someone else's transaction would replay staged state.
func (a *AtomicTx) RunInExisting(tx *gorm.DB, fn func(tx *gorm.DB) error) error {
	return fn(tx)
}

// RunBatch applies fn to [0,total) in fixed-size chunks, committing per
// chunk. A failed chunk is retried as a whole; the returned count is the
// number of items committed before any unrecoverable failure.
func (a *AtomicTx) RunBatch(ctx context.Context, total, chunkSize int, fn func(tx *gorm.DB, start, end int) error) (int, error) {
	if chunkSize < 1 {
		chunkSize = 1
	}
	committed := 0
	for start := 0; start < total; start += chunkSize {
		end := start + chunkSize
		if end > total {
			end = total
		}
		err := a.Run(ctx, func(tx *gorm.DB) error {
			return fn(tx, start, end)
		})
		if err != nil {
			return committed, err
		}
		committed = end
	}
	return committed, nil
}
