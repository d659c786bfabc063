package sqljobstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// distributedPollInterval is how often Acquire retries a non-blocking
// GET_LOCK on its dedicated session while waiting for a contended lock (spec
// §4.5: "every ≈0.25 s").
const distributedPollInterval = 250 * time.Millisecond

// DistributedLockManager provides named, process-external mutual exclusion
// layered on SessionLock but using its own borrowed sessions so the caller
// need not hold one (spec §4.5).
//
// A single shared "probe" session serves every immediate (non-blocking)
// acquisition attempt; since MySQL advisory locks stack by name on one
// session, the probe session can hold many distinct named locks at once.
// An internal mutex serializes use of that session, because locks are
// session-scoped and database/sql does not allow concurrent statements on
// one *sql.Conn. A name that IS_USED_LOCK reports as held by any session,
// the probe session included, is not tried on the probe: GET_LOCK is
// re-entrant on one session, so a second probe attempt would succeed while
// the first holder still has the lock. When the probe attempt is skipped or
// fails, Acquire borrows a *second*,
// dedicated session and polls on it — isolating the blocking wait from the
// probe session so the probe stays available for other callers' attempts.
type DistributedLockManager struct {
	pool   *ConnectionPool
	prefix string

	probeMu      sync.Mutex
	probeLease   *Lease
	probeSession Session
}

// NewDistributedLockManager builds a manager bound to pool and prefix.
func NewDistributedLockManager(pool *ConnectionPool, prefix string) *DistributedLockManager {
	return &DistributedLockManager{pool: pool, prefix: prefix}
}

// DistributedLock is a held named lock; Release must be called exactly
// once to release it and return its session to the pool.
type DistributedLock struct {
	manager  *DistributedLockManager
	name     string
	session  Session
	lease    *Lease // nil when held on the shared probe session
	viaProbe bool
	released bool
	mu       sync.Mutex
}

// Acquire obtains the named lock within timeout, borrowing whatever
// sessions it needs from the pool.
func (m *DistributedLockManager) Acquire(ctx context.Context, name string, timeout time.Duration) (*DistributedLock, error) {
	fullName := m.prefix + "/" + name
	deadline := time.Now().Add(timeout)

	probe, err := m.ensureProbe(ctx)
	if err != nil {
		return nil, err
	}

	m.probeMu.Lock()
	holder, err := IsUsedLock(ctx, probe, fullName)
	ok := false
	if err == nil && !holder.Valid {
		ok, err = tryGetLockOnce(ctx, probe, fullName)
	}
	m.probeMu.Unlock()
	if err != nil {
		return nil, err
	}
	if ok {
		return &DistributedLock{manager: m, name: fullName, session: probe, viaProbe: true}, nil
	}

	lease, err := m.pool.Borrow(ctx)
	if err != nil {
		return nil, err
	}

	for {
		ok, err := tryGetLockOnce(ctx, lease.Session, fullName)
		if err != nil {
			lease.Dispose(context.Background())
			return nil, err
		}
		if ok {
			return &DistributedLock{manager: m, name: fullName, session: lease.Session, lease: lease}, nil
		}

		select {
		case <-ctx.Done():
			lease.Dispose(context.Background())
			return nil, fmt.Errorf("%w: acquiring distributed lock %q", ErrCancelled, fullName)
		default:
		}
		if !time.Now().Before(deadline) {
			lease.Dispose(context.Background())
			return nil, fmt.Errorf("%w: acquiring distributed lock %q", ErrTimeout, fullName)
		}

		timer := time.NewTimer(distributedPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			lease.Dispose(context.Background())
			return nil, fmt.Errorf("%w: acquiring distributed lock %q", ErrCancelled, fullName)
		case <-timer.C:
		}
	}
}

func (m *DistributedLockManager) ensureProbe(ctx context.Context) (Session, error) {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	if m.probeSession != nil {
		return m.probeSession, nil
	}
	lease, err := m.pool.Borrow(ctx)
	if err != nil {
		return nil, err
	}
	m.probeLease = lease
	m.probeSession = lease.Session
	return m.probeSession, nil
}

// Close releases the manager's shared probe session back to the pool. It
// should be called once, when the manager itself is disposed.
func (m *DistributedLockManager) Close() {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	if m.probeLease != nil {
		m.probeLease.Dispose(context.Background())
		m.probeLease = nil
		m.probeSession = nil
	}
}

func tryGetLockOnce(ctx context.Context, session Session, name string) (bool, error) {
	return getLock(ctx, session, name, 0)
}

// Release releases the lock and, if it was held on a dedicated second
// session, returns that session to the pool. A double-release is a no-op.
func (l *DistributedLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true

	if l.viaProbe {
		l.manager.probeMu.Lock()
		_, err := l.session.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", l.name)
		l.manager.probeMu.Unlock()
		return err
	}

	_, err := l.session.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", l.name)
	l.lease.Dispose(context.Background())
	return err
}
