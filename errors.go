package sqljobstore

import "errors"

// Sentinel errors per the error taxonomy: cancellation and timeouts are
// distinct outcomes, validation failures are raised immediately, and
// deadlocks never escape the Repeater except as a chained cause of
// ErrTimeout once retries are exhausted.
var (
	// ErrCancelled is returned when a cancellation signal fires while a
	// lock acquisition, dequeue poll, or maintenance sleep is in progress.
	ErrCancelled = errors.New("sqljobstore: operation cancelled")

	// ErrTimeout is returned when a deadline elapses inside a lock
	// acquisition, the Repeater's escalation path, or a distributed-lock
	// wait.
	ErrTimeout = errors.New("sqljobstore: timed out")

	// ErrValidation is returned for invalid arguments: nil or empty queue
	// lists, an empty queue name, a job id that is not a number,
	// toScore < fromScore, or a range whose end is before its start.
	ErrValidation = errors.New("sqljobstore: validation failed")

	// ErrDeadlock marks a database error recognized as deadlock-class
	// (MySQL error numbers 1213 and 1614). It is absorbed by the Repeater
	// and only surfaces chained under ErrTimeout once retries exhaust.
	ErrDeadlock = errors.New("sqljobstore: deadlock detected")

	// ErrPoolClosed is returned by Borrow once the connection pool has
	// been disposed.
	ErrPoolClosed = errors.New("sqljobstore: connection pool closed")

	// ErrQueueMixedProviders is returned when FetchNextJob is asked to
	// dequeue from queues that resolve to more than one queue provider in
	// a single call.
	ErrQueueMixedProviders = errors.New("sqljobstore: queues resolve to more than one queue provider")
)

// deadlockNumbers is the closed set of MySQL error numbers the Repeater
// treats as deadlock-class and retries instead of propagating.
var deadlockNumbers = map[uint16]struct{}{
	1213: {}, // ER_LOCK_DEADLOCK
	1614: {}, // ER_XA_RBDEADLOCK
}
