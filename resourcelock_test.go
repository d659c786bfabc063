package sqljobstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestIntegration_ResourceLock_ConcurrentOverlappingSetsDontDeadlock exercises
// testable property 1 (lock ordering): two callers requesting overlapping,
// differently-ordered resource sets must still both complete.
func TestIntegration_ResourceLock_ConcurrentOverlappingSetsDontDeadlock(t *testing.T) {
	db := openTestDB(t)
	pool, err := NewConnectionPool(db, 2, 2, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	prefix := testPrefix(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	run := func(resources ResourceSet) {
		defer wg.Done()
		lease, err := pool.Borrow(ctx)
		if err != nil {
			errs <- err
			return
		}
		defer lease.Dispose(ctx)
		set, err := AcquireResourceLocks(ctx, lease.Session, prefix, resources, 2*time.Second)
		if err != nil {
			errs <- err
			return
		}
		time.Sleep(50 * time.Millisecond)
		errs <- set.Release(ctx)
	}

	wg.Add(2)
	go run(NewResourceSet(ResourceJob, ResourceQueue))
	go run(NewResourceSet(ResourceQueue, ResourceJob))
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
}

func TestIntegration_ResourceLock_TestResourcesFree(t *testing.T) {
	db := openTestDB(t)
	pool, err := NewConnectionPool(db, 1, 2, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	prefix := testPrefix(t)
	ctx := context.Background()
	lease, err := pool.Borrow(ctx)
	require.NoError(t, err)
	defer lease.Dispose(ctx)

	resources := NewResourceSet(ResourceJob, ResourceState)
	free, err := TestResourcesFree(ctx, lease.Session, prefix, resources)
	require.NoError(t, err)
	require.True(t, free)

	set, err := AcquireResourceLocks(ctx, lease.Session, prefix, resources, time.Second)
	require.NoError(t, err)
	free, err = TestResourcesFree(ctx, lease.Session, prefix, resources)
	require.NoError(t, err)
	require.True(t, free, "locks held by this same session should still test free")
	require.NoError(t, set.Release(ctx))
}
