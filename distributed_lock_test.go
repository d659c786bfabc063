package sqljobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIntegration_DistributedLockManager_ProbeSessionStacksDistinctNames(t *testing.T) {
	db := openTestDB(t)
	pool, err := NewConnectionPool(db, 1, 3, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	manager := NewDistributedLockManager(pool, testPrefix(t))
	t.Cleanup(manager.Close)

	ctx := context.Background()
	a, err := manager.Acquire(ctx, "A", time.Second)
	require.NoError(t, err)
	b, err := manager.Acquire(ctx, "B", time.Second)
	require.NoError(t, err)

	require.NoError(t, a.Release(ctx))
	require.NoError(t, b.Release(ctx))
}

func TestIntegration_DistributedLockManager_DoubleReleaseIsNoop(t *testing.T) {
	db := openTestDB(t)
	pool, err := NewConnectionPool(db, 1, 2, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	manager := NewDistributedLockManager(pool, testPrefix(t))
	t.Cleanup(manager.Close)

	lock, err := manager.Acquire(context.Background(), "once", time.Second)
	require.NoError(t, err)
	require.NoError(t, lock.Release(context.Background()))
	require.NoError(t, lock.Release(context.Background()))
}
