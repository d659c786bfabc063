package sqljobstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
)

// openTestDB opens a connection against MYSQL_TEST_DSN, skipping the test
// when it isn't set — mirroring the teacher's DATABASE_URL-gated suite.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("MYSQL_TEST_DSN")
	if dsn == "" {
		t.Skip("MYSQL_TEST_DSN not set, skipping integration test")
	}
	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.PingContext(context.Background()))
	return db
}

func testPrefix(t *testing.T) string {
	return fmt.Sprintf("IT%d_", time.Now().UnixNano())
}

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	db := openTestDB(t)
	prefix := testPrefix(t)
	storage, err := NewStorage(context.Background(), db, Options{
		TablesPrefix:             prefix,
		PrepareSchemaIfNecessary: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Dispose() })
	return storage
}

func TestIntegration_S1_EnqueueThenDequeue(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	jobID, err := s.CreateExpiredJob(ctx, "{}", "[]", nil, time.Now().UTC(), time.Hour)
	require.NoError(t, err)
	require.Equal(t, "1", jobID)

	require.NoError(t, s.Enqueue(ctx, "default", jobID))

	handle, err := s.Dequeue(ctx, []string{"default"})
	require.NoError(t, err)
	require.Equal(t, jobID, handle.JobID())
	require.Equal(t, "default", handle.Queue())

	require.NoError(t, handle.RemoveFromQueue(ctx))
	require.NoError(t, handle.Dispose(ctx))

	shortCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = s.Dequeue(shortCtx, []string{"default"})
	require.ErrorIs(t, err, ErrCancelled)
}

func TestIntegration_S2_RequeueOnDispose(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	jobID, err := s.CreateExpiredJob(ctx, "{}", "[]", nil, time.Now().UTC(), time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(ctx, "default", jobID))

	handle, err := s.Dequeue(ctx, []string{"default"})
	require.NoError(t, err)
	require.NoError(t, handle.Dispose(ctx))

	lease, err := s.pool.Borrow(ctx)
	require.NoError(t, err)
	defer lease.Dispose(ctx)

	var fetchedAt sql.NullTime
	query := fmt.Sprintf("SELECT FetchedAt FROM %s WHERE JobId = ?", quoted(s.stmts.tables.JobQueue))
	require.NoError(t, lease.Session.QueryRowContext(ctx, query, jobID).Scan(&fetchedAt))
	require.False(t, fetchedAt.Valid)
}

func TestIntegration_S4_CounterAggregation(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for i := 0; i < 2500; i++ {
		txn := s.NewTransaction()
		require.NoError(t, txn.IncrementCounter("k", 1))
		require.NoError(t, s.Commit(ctx, txn))
	}

	require.NoError(t, s.aggregator.runOnePass(ctx))

	total, err := s.GetCounter(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, int64(2500), total)
}

func TestIntegration_S6_DistributedLockContention(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	first, err := s.AcquireDistributedLock(ctx, "X", 5*time.Second)
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		time.Sleep(300 * time.Millisecond)
		_ = first.Release(ctx)
		close(released)
	}()

	start := time.Now()
	second, err := s.AcquireDistributedLock(ctx, "X", 5*time.Second)
	require.NoError(t, err)
	require.WithinDuration(t, start.Add(300*time.Millisecond), time.Now(), 500*time.Millisecond)
	<-released
	require.NoError(t, second.Release(ctx))
}

func TestIntegration_Migrations_Idempotent(t *testing.T) {
	db := openTestDB(t)
	prefix := testPrefix(t)
	pool, err := NewConnectionPool(db, 1, 2, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	repeater := NewRepeater(pool, prefix, nil)
	installer := NewInstaller(pool, repeater, prefix, nil, nil)
	require.NoError(t, installer.Install(context.Background()))
	require.NoError(t, installer.Install(context.Background()))
}
