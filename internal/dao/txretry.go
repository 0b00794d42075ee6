package dao

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/yungbote/stairway/errs"
	"github.com/yungbote/stairway/flight"
)

const (
	txMaxAttempts   = 20
	txBackoffFloor  = 250 * time.Millisecond
	txBackoffSpread = 750 * time.Millisecond
)

/*
serializedTx runs fn inside a SERIALIZABLE transaction, retrying
transient failures with a randomized short backoff. This wrapper is the
single place where SQL error states are classified; everything the DAO
does goes through it, so callers never see a serialization conflict or a
dropped connection: only success, one of the engine's own error kinds
(passed through unchanged), a non-retryable errs.ErrDatabase, or context
cancellation.
*/
func (d *FlightDao) serializedTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var lastErr error
	for attempt := 1; attempt <= txMaxAttempts; attempt++ {
		err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(tx)
		}, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err == nil {
			return nil
		}
		// Domain errors pass through untouched.
		if isDomainError(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryableSQL(err) {
			return fmt.Errorf("%w: %v", errs.ErrDatabase, err)
		}
		lastErr = err
		d.log.Warn("Retrying transaction after transient database failure",
			"attempt", attempt,
			"error", err,
		)
		backoff := txBackoffFloor + time.Duration(rand.Int63n(int64(txBackoffSpread)))
		if sleepErr := sleepCtx(ctx, backoff); sleepErr != nil {
			return sleepErr
		}
	}
	return fmt.Errorf("%w: retries exhausted: %v", errs.ErrDatabase, lastErr)
}

// isDomainError reports whether err is one of the engine's own error
// kinds, which must never be retried or re-wrapped.
func isDomainError(err error) bool {
	return errors.Is(err, errs.ErrFlightNotFound) ||
		errors.Is(err, errs.ErrDuplicateFlightID) ||
		errors.Is(err, errs.ErrBadRequest) ||
		errors.Is(err, errs.ErrSerialization)
}

/*
retryableSQL classifies transient database failures: serialization and
deadlock aborts, connection-state failures, and transient resource
exhaustion. Everything else is permanent.
*/
func retryableSQL(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
		if len(pgErr.Code) < 2 {
			return false
		}
		switch pgErr.Code[:2] {
		case "08": // connection exceptions
			return true
		case "53": // insufficient resources
			return true
		case "57": // operator intervention (cancel, shutdown in progress)
			return pgErr.Code == "57P03"
		}
		return false
	}
	// sqlite (tests) signals write contention with busy/locked text.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// isUniqueViolation detects a primary-key or unique-index collision.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// notFound converts a missing-row condition into the engine error kind.
func notFound(flightID string) error {
	return fmt.Errorf("%w: flight %q", errs.ErrFlightNotFound, flightID)
}

// badStatus guards against rows carrying an unknown status string.
func badStatus(raw string) (flight.FlightStatus, error) {
	status, err := flight.ParseStatus(raw)
	if err != nil {
		return "", fmt.Errorf("%w: corrupt status %q in database", errs.ErrDatabase, raw)
	}
	return status, nil
}
