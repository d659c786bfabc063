package sqljobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIntegration_SessionLock_AcquireReleaseRoundTrip(t *testing.T) {
	db := openTestDB(t)
	pool, err := NewConnectionPool(db, 1, 2, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	ctx := context.Background()
	lease, err := pool.Borrow(ctx)
	require.NoError(t, err)
	defer lease.Dispose(ctx)

	lock := NewSessionLock(lease.Session, "sessionlock-test")
	held, err := lock.Acquire(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, lock.Release(ctx))
	require.NoError(t, lock.Release(ctx)) // double-release is a no-op
}

func TestIntegration_SessionLock_BlocksSecondSessionUntilReleased(t *testing.T) {
	db := openTestDB(t)
	pool, err := NewConnectionPool(db, 2, 3, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	ctx := context.Background()
	leaseA, err := pool.Borrow(ctx)
	require.NoError(t, err)
	defer leaseA.Dispose(ctx)
	leaseB, err := pool.Borrow(ctx)
	require.NoError(t, err)
	defer leaseB.Dispose(ctx)

	lockA := NewSessionLock(leaseA.Session, "contended")
	held, err := lockA.Acquire(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, held)

	lockB := NewSessionLock(leaseB.Session, "contended")
	_, err = lockB.Acquire(ctx, time.Now().Add(300*time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, lockA.Release(ctx))
	held, err = lockB.Acquire(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, held)
	require.NoError(t, lockB.Release(ctx))
}
