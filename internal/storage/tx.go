package storage

import (
	"context"
	"errors"

	"github.com/lib/pq"
)

// MaxRetries is the retry budget for serializable transactions that
// fail with a soft (serialization) error.
const MaxRetries = 5

// Tx is an open serializable transaction handle. Operations taking a Tx
// run inside it; the caller owns Commit/Rollback.
type Tx interface {
	Commit() error
	// Rollback is safe to call after Commit; it is then a no-op.
	Rollback() error
}

// IsSoftError reports whether err is a serialization conflict that the
// caller must recover by rollback and restart. Hard errors are never
// retried.
func IsSoftError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return true
		}
	}
	return errors.Is(err, errSoftRetry)
}

// errSoftRetry lets non-Postgres stores (the in-memory test store in
// particular) inject soft failures.
var errSoftRetry = errors.New("storage: serialization conflict")

// RunSerializable runs fn inside a serializable transaction, retrying
// on soft errors up to MaxRetries times. fn must reset any accumulators
// on entry: it can run more than once.
func RunSerializable(ctx context.Context, s Store, label string, fn func(tx Tx) error) error {
	for attempt := 0; attempt < MaxRetries; attempt++ {
		tx, err := s.Begin(ctx, label)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if IsSoftError(err) {
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			if IsSoftError(err) {
				continue
			}
			return err
		}
		return nil
	}
	return ErrRetriesExhausted
}
