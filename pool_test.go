package sqljobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIntegration_Pool_BorrowAndReleaseRecycles(t *testing.T) {
	db := openTestDB(t)
	pool, err := NewConnectionPool(db, 1, 2, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	lease, err := pool.Borrow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, pool.Current())
	lease.Dispose(context.Background())

	lease2, err := pool.Borrow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, pool.Current())
	lease2.Dispose(context.Background())
}

func TestIntegration_Pool_SessionLockLeakage(t *testing.T) {
	db := openTestDB(t)
	pool, err := NewConnectionPool(db, 1, 2, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	ctx := context.Background()
	lease, err := pool.Borrow(ctx)
	require.NoError(t, err)

	lockName := "pool-leak-test"
	held, err := getLock(ctx, lease.Session, lockName, 0)
	require.NoError(t, err)
	require.True(t, held)

	lease.Dispose(ctx)

	lease2, err := pool.Borrow(ctx)
	require.NoError(t, err)
	defer lease2.Dispose(ctx)

	holder, err := IsUsedLock(ctx, lease2.Session, lockName)
	require.NoError(t, err)
	require.False(t, holder.Valid)
}

func TestIntegration_Pool_JanitorEvictsAboveMin(t *testing.T) {
	db := openTestDB(t)
	pool, err := NewConnectionPool(db, 1, 3, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	ctx := context.Background()
	a, err := pool.Borrow(ctx)
	require.NoError(t, err)
	b, err := pool.Borrow(ctx)
	require.NoError(t, err)

	a.Dispose(ctx)
	b.Dispose(ctx)
	require.Equal(t, 2, pool.Current())

	time.Sleep(janitorInterval + 200*time.Millisecond)
	require.Equal(t, 1, pool.Current())
}
