package errs

import "errors"

/*
Sentinel errors for the engine's externally visible failure kinds.
Callers are expected to match with errors.Is; the engine always wraps
these with %w so the surrounding message carries the detail (flight id,
SQL text, queue name) while the kind stays matchable.
*/
var (
	// ErrBadRequest is returned for invalid client input: a nil flight
	// class, nil inputs, an unknown status string, or a malformed id.
	ErrBadRequest = errors.New("bad request")

	// ErrFlightNotFound is returned when a flight id has no row in the
	// database.
	ErrFlightNotFound = errors.New("flight not found")

	// ErrDuplicateFlightID is returned when a client-supplied flight id
	// collides with an existing flight.
	ErrDuplicateFlightID = errors.New("duplicate flight id")

	// ErrDatabase is returned for unrecoverable persistence failures:
	// non-retryable SQL states, or transient states whose retries were
	// exhausted.
	ErrDatabase = errors.New("database operation failed")

	// ErrQueue is returned when a work-queue publish or acknowledge
	// cannot be confirmed.
	ErrQueue = errors.New("work queue operation failed")

	// ErrSerialization is returned when a parameter value cannot be
	// converted to or from its textual form.
	ErrSerialization = errors.New("serialization failed")

	// ErrImmutableMap is returned when a parameter map is mutated after
	// MakeImmutable.
	ErrImmutableMap = errors.New("parameter map is immutable")

	// ErrMigration is returned when schema migration fails.
	ErrMigration = errors.New("schema migration failed")

	// ErrFlightWaitTimedOut is returned when WaitForFlight exhausts its
	// polling budget before the flight reaches a terminal state.
	ErrFlightWaitTimedOut = errors.New("timed out waiting for flight completion")

	// ErrStairwayShutdown is returned for submissions attempted after
	// quiesce began.
	ErrStairwayShutdown = errors.New("stairway is shut down")

	// ErrMakeFlight is returned when the flight registry cannot build a
	// flight from its recorded class name.
	ErrMakeFlight = errors.New("unable to construct flight")
)
