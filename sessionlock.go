package sqljobstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// lockWaitSlice bounds a single GET_LOCK call so cancellation stays
// responsive even though the underlying database call is itself blocking
// (Design Notes §9, "Cancellable lock waits").
const lockWaitSlice = time.Second

// SessionLock acquires one named advisory lock on a single session, with
// timeout and cancellation (spec §4.1).
type SessionLock struct {
	session Session
	name    string

	mu       sync.Mutex
	acquired bool
	released bool
}

// NewSessionLock creates a SessionLock bound to the given session and name.
// It does not acquire anything until Acquire is called.
func NewSessionLock(session Session, name string) *SessionLock {
	return &SessionLock{session: session, name: name}
}

// Acquire attempts to obtain the named lock on the session, first with a
// non-blocking GET_LOCK(name, 0) and then, if that fails, in a loop that
// checks ctx and the deadline between each clipped GET_LOCK(name, t) call.
func (l *SessionLock) Acquire(ctx context.Context, deadline time.Time) (bool, error) {
	ok, err := l.tryGetLock(ctx, 0)
	if err != nil {
		return false, err
	}
	if ok {
		l.markAcquired()
		return true, nil
	}

	for {
		select {
		case <-ctx.Done():
			return false, fmt.Errorf("%w: %s", ErrCancelled, l.name)
		default:
		}

		now := time.Now()
		if !now.Before(deadline) {
			return false, fmt.Errorf("%w: acquiring lock %q", ErrTimeout, l.name)
		}

		wait := deadline.Sub(now)
		if wait > lockWaitSlice {
			wait = lockWaitSlice
		}

		ok, err := l.tryGetLock(ctx, wait)
		if err != nil {
			return false, err
		}
		if ok {
			l.markAcquired()
			return true, nil
		}
	}
}

func (l *SessionLock) markAcquired() {
	l.mu.Lock()
	l.acquired = true
	l.mu.Unlock()
}

// tryGetLock issues GET_LOCK(name, timeout) and treats 0 or NULL as
// not-acquired.
func (l *SessionLock) tryGetLock(ctx context.Context, timeout time.Duration) (bool, error) {
	return getLock(ctx, l.session, l.name, timeout)
}

// getLock issues GET_LOCK(name, timeout) on session and treats 0 or NULL as
// not-acquired. timeout 0 is the non-blocking probe form used both by
// SessionLock and by the distributed lock manager's shared-probe path.
func getLock(ctx context.Context, session Session, name string, timeout time.Duration) (bool, error) {
	seconds := timeout.Seconds()
	var result sql.NullInt64
	err := session.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", name, seconds).Scan(&result)
	if err != nil {
		return false, fmt.Errorf("sqljobstore: GET_LOCK(%q): %w", name, err)
	}
	if !result.Valid {
		return false, nil
	}
	return result.Int64 == 1, nil
}

// Release calls RELEASE_LOCK(name) on the lock's session and returns any
// error from it; the deferred releases in this package discard that error,
// since the advisory lock is also cleaned up by DefaultRecycler's
// RELEASE_ALL_LOCKS() whenever the session returns to the pool. A
// double-release is a no-op.
func (l *SessionLock) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.released || !l.acquired {
		l.released = true
		l.mu.Unlock()
		return nil
	}
	l.released = true
	l.mu.Unlock()

	_, err := l.session.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", l.name)
	return err
}

// ReleaseAllLocks calls RELEASE_ALL_LOCKS() on the session. DefaultRecycler
// issues the same statement itself on every session returned to the pool,
// so that locks from crashed code paths cannot leak into the session's next
// use.
func ReleaseAllLocks(ctx context.Context, session Session) error {
	_, err := session.ExecContext(ctx, "SELECT RELEASE_ALL_LOCKS()")
	return err
}

// IsUsedLock queries IS_USED_LOCK(name), returning the connection id
// holding the lock (if any) and whether anyone holds it at all.
func IsUsedLock(ctx context.Context, session Session, name string) (connID sql.NullInt64, err error) {
	err = session.QueryRowContext(ctx, "SELECT IS_USED_LOCK(?)", name).Scan(&connID)
	return
}

// ConnectionID returns CONNECTION_ID() for the session.
func ConnectionID(ctx context.Context, session Session) (int64, error) {
	var id int64
	err := session.QueryRowContext(ctx, "SELECT CONNECTION_ID()").Scan(&id)
	return id, err
}
