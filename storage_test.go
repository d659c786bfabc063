package sqljobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIntegration_Storage_NewTransactionCommitIsVisibleToGetCounter(t *testing.T) {
	s := newTestStorage(t)
	txn := s.NewTransaction()
	require.NoError(t, txn.IncrementCounter("startup", 1))
	require.NoError(t, s.Commit(context.Background(), txn))

	total, err := s.GetCounter(context.Background(), "startup")
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
}

func TestIntegration_Storage_StartStopMaintenance(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.StartMaintenance())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.StopMaintenance())
}

func TestIntegration_Storage_DisposeClosesPoolAndLockManager(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.Dispose())

	_, err := s.pool.Borrow(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestIntegration_Storage_FetchNextJobRejectsEmptyQueues(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.FetchNextJob(context.Background(), nil)
	require.ErrorIs(t, err, ErrValidation)
}
