package sqljobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-sql-driver/mysql"
	"oss.nandlabs.io/golly/l3"
)

// deadlockRetryThreshold is the internal cap on how many times attempt A
// retries a deadlock-class failure before escalating to the test-then-retry
// path (spec §4.4, step 2). A successful resolution at or past this many
// retries is logged; bursts below it are silent, per the error taxonomy.
const deadlockRetryThreshold = 5

// attemptBRetries bounds how many unlocked retries attempt B performs once
// the declared resources test as free (spec §4.4, step 3: "≈3").
const attemptBRetries = 3

// jitterMax bounds the random backoff between deadlock retries (spec §4.4:
// "≈0..100 ms").
const jitterMax = 100 * time.Millisecond

// ActionContext is what a Repeater action runs against: a session, an
// optional transaction (present only for batch actions), and the prefix
// the caller's statements should be rendered against.
type ActionContext struct {
	Session Session
	Tx      *sql.Tx
	Prefix  string
}

// Action is a unit of work the Repeater retries and escalates locking for.
type Action func(ctx context.Context, actx *ActionContext) error

// Repeater runs an action against a borrowed session with progressive
// locking strategies, retrying database-reported deadlocks with jittered
// backoff until the action succeeds or the deadline expires (spec §4.4).
type Repeater struct {
	pool   *ConnectionPool
	prefix string
	logger l3.Logger
}

// NewRepeater builds a Repeater bound to pool and prefix.
func NewRepeater(pool *ConnectionPool, prefix string, logger l3.Logger) *Repeater {
	if logger == nil {
		logger = l3.Get()
	}
	return &Repeater{pool: pool, prefix: prefix, logger: logger}
}

// ExecuteOne runs action once, without an outer transaction ("execute one"
// shape).
func (r *Repeater) ExecuteOne(ctx context.Context, resources ResourceSet, timeout time.Duration, action Action) error {
	return r.run(ctx, resources, timeout, false, action)
}

// ExecuteMany opens a transaction, runs action (which may issue multiple
// statements), commits on success and rolls back on error ("execute many"
// shape).
func (r *Repeater) ExecuteMany(ctx context.Context, resources ResourceSet, timeout time.Duration, action Action) error {
	return r.run(ctx, resources, timeout, true, action)
}

// ExecuteOneOnSession is ExecuteOne's counterpart for a caller-held session
// that must survive the call (the job queue's claim step, which hands the
// session off to the fetched-job handle afterward).
func (r *Repeater) ExecuteOneOnSession(ctx context.Context, session Session, resources ResourceSet, timeout time.Duration, action Action) error {
	return r.runOnSession(ctx, session, resources, timeout, false, action)
}

// ExecuteManyOnSession is ExecuteMany's counterpart for a caller-held
// session.
func (r *Repeater) ExecuteManyOnSession(ctx context.Context, session Session, resources ResourceSet, timeout time.Duration, action Action) error {
	return r.runOnSession(ctx, session, resources, timeout, true, action)
}

func (r *Repeater) run(ctx context.Context, resources ResourceSet, timeout time.Duration, batch bool, action Action) error {
	lease, err := r.pool.Borrow(ctx)
	if err != nil {
		return err
	}
	defer lease.Dispose(context.Background())
	return r.runOnSession(ctx, lease.Session, resources, timeout, batch, action)
}

func (r *Repeater) runOnSession(ctx context.Context, session Session, resources ResourceSet, timeout time.Duration, batch bool, action Action) error {
	deadline := time.Now().Add(timeout)

	totalRetries := 0

	// Attempt A: no locks held.
	invokeErr := r.invoke(ctx, session, batch, action)
	if invokeErr == nil {
		return nil
	}
	if !isDeadlockErr(invokeErr) {
		return invokeErr
	}

	for totalRetries < deadlockRetryThreshold {
		if werr := r.waitOrDeadline(ctx, deadline); werr != nil {
			return chainDeadlock(werr, invokeErr)
		}
		totalRetries++
		invokeErr = r.invoke(ctx, session, batch, action)
		if invokeErr == nil {
			r.logResolution(totalRetries)
			return nil
		}
		if !isDeadlockErr(invokeErr) {
			return invokeErr
		}
	}

	// Attempt B: test-then-retry, still without holding locks.
	free, testErr := TestResourcesFree(ctx, session, r.prefix, resources)
	if testErr != nil {
		return testErr
	}
	if free {
		for i := 0; i < attemptBRetries; i++ {
			if werr := r.checkDeadline(ctx, deadline); werr != nil {
				return chainDeadlock(werr, invokeErr)
			}
			totalRetries++
			invokeErr = r.invoke(ctx, session, batch, action)
			if invokeErr == nil {
				r.logResolution(totalRetries)
				return nil
			}
			if !isDeadlockErr(invokeErr) {
				return invokeErr
			}
		}
	}

	// Attempt C: acquire the full resource set for the remaining time and
	// retry until success or deadline.
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return chainDeadlock(fmt.Errorf("%w: repeater exhausted retries", ErrTimeout), invokeErr)
	}
	lockSet, lockErr := AcquireResourceLocks(ctx, session, r.prefix, resources, remaining)
	if lockErr != nil {
		return lockErr
	}
	defer func() { _ = lockSet.Release(context.Background()) }()

	for {
		if werr := r.checkDeadline(ctx, deadline); werr != nil {
			return chainDeadlock(werr, invokeErr)
		}
		totalRetries++
		invokeErr = r.invoke(ctx, session, batch, action)
		if invokeErr == nil {
			r.logResolution(totalRetries)
			return nil
		}
		if !isDeadlockErr(invokeErr) {
			return invokeErr
		}
		if werr := r.waitOrDeadline(ctx, deadline); werr != nil {
			return chainDeadlock(werr, invokeErr)
		}
	}
}

// invoke runs action either directly against the session or inside a
// transaction, depending on batch.
func (r *Repeater) invoke(ctx context.Context, session Session, batch bool, action Action) error {
	if !batch {
		return action(ctx, &ActionContext{Session: session, Prefix: r.prefix})
	}

	tx, err := session.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := action(ctx, &ActionContext{Session: session, Tx: tx, Prefix: r.prefix}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// checkDeadline returns ErrCancelled or ErrTimeout if ctx is done or the
// deadline has passed; otherwise nil.
func (r *Repeater) checkDeadline(ctx context.Context, deadline time.Time) error {
	select {
	case <-ctx.Done():
		return ErrCancelled
	default:
	}
	if !time.Now().Before(deadline) {
		return ErrTimeout
	}
	return nil
}

// waitOrDeadline sleeps a jittered backoff, returning early with
// ErrCancelled/ErrTimeout if ctx fires or the deadline passes first.
func (r *Repeater) waitOrDeadline(ctx context.Context, deadline time.Time) error {
	if err := r.checkDeadline(ctx, deadline); err != nil {
		return err
	}
	wait := time.Duration(rand.Int63n(int64(jitterMax)))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ErrCancelled
	case <-timer.C:
		return nil
	}
}

func (r *Repeater) logResolution(retries int) {
	if retries >= deadlockRetryThreshold {
		r.logger.WarnF("sqljobstore: repeater resolved after %d deadlock retries", retries)
	}
}

func chainDeadlock(outer, cause error) error {
	if cause == nil {
		return outer
	}
	return fmt.Errorf("%w: %v", outer, cause)
}

// isDeadlockErr reports whether err is a MySQL deadlock-class error
// (numbers 1213/1614).
func isDeadlockErr(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		if _, ok := deadlockNumbers[mysqlErr.Number]; ok {
			return true
		}
	}
	return false
}
