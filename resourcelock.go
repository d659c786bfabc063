package sqljobstore

import (
	"context"
	"fmt"
	"time"
)

// ResourceLockSet acquires a set of named locks atomically-or-not-at-all, in
// lexicographic order, so that two callers requesting overlapping resource
// sets can never deadlock against each other (spec §4.2, §5).
type ResourceLockSet struct {
	session Session
	prefix  string
	locks   []*SessionLock
}

// AcquireResourceLocks sorts resources lexicographically, computes one
// shared deadline, and acquires each lock on session in turn. On failure
// partway through, every lock acquired so far is released before the error
// is returned.
func AcquireResourceLocks(ctx context.Context, session Session, prefix string, resources ResourceSet, timeout time.Duration) (*ResourceLockSet, error) {
	deadline := time.Now().Add(timeout)
	sorted := resources.Sorted()

	set := &ResourceLockSet{session: session, prefix: prefix, locks: make([]*SessionLock, 0, len(sorted))}
	for _, r := range sorted {
		name := r.lockName(prefix)
		lock := NewSessionLock(session, name)
		ok, err := lock.Acquire(ctx, deadline)
		if err != nil {
			set.releaseAll(context.Background())
			return nil, err
		}
		if !ok {
			set.releaseAll(context.Background())
			return nil, fmt.Errorf("%w: acquiring lock %q", ErrTimeout, name)
		}
		set.locks = append(set.locks, lock)
	}
	return set, nil
}

// Release releases every lock the set holds. Individual release failures
// are collected but don't stop the others from being attempted.
func (s *ResourceLockSet) Release(ctx context.Context) error {
	return s.releaseAll(ctx)
}

func (s *ResourceLockSet) releaseAll(ctx context.Context) error {
	var firstErr error
	for _, lock := range s.locks {
		if err := lock.Release(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// TestResourcesFree fetches CONNECTION_ID() once, then issues one
// IS_USED_LOCK round trip per resource (in lexicographic order), reporting
// whether every resource is either free or already held by this same
// session. This is the "test-only" operation used by the Repeater's
// attempt B; it does not block, unlike AcquireResourceLocks.
func TestResourcesFree(ctx context.Context, session Session, prefix string, resources ResourceSet) (bool, error) {
	if resources.Empty() {
		return true, nil
	}

	connID, err := ConnectionID(ctx, session)
	if err != nil {
		return false, err
	}

	for _, r := range resources.Sorted() {
		name := r.lockName(prefix)
		holder, err := IsUsedLock(ctx, session, name)
		if err != nil {
			return false, err
		}
		if holder.Valid && holder.Int64 != connID {
			return false, nil
		}
	}
	return true, nil
}
