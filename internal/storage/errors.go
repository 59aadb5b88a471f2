package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a directory entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable wraps backend failures that a retry may clear.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrAggregateCorruption means a persisted aggregate could not be decoded
	// or holds values no event sequence can produce.
	ErrAggregateCorruption = errors.New("aggregate corrupted")

	// ErrConflict means an optimistic update lost its race too many times.
	ErrConflict = errors.New("update conflict")

	// ErrDuplicateEvent is returned by Append for an id that is already stored.
	ErrDuplicateEvent = errors.New("duplicate event")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrConflict)
}

// unavailable wraps a backend error so callers can match ErrStoreUnavailable
// while the original cause stays in the chain.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrAggregateCorruption) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrDuplicateEvent) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// Bounded runs fn under a per-call deadline. Deadline expiry is reported as
// ErrStoreUnavailable so callers see a retryable error.
func Bounded(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
	return err
}

func corrupted(assetID string, err error) error {
	return fmt.Errorf("analytics for asset %s: %w: %v", assetID, ErrAggregateCorruption, err)
}
