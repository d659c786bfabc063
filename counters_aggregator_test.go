package sqljobstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestIntegration_CountersAggregator_EquivalenceAcrossPasses exercises
// testable property 8: GetCounter(K) reads the same total before and after
// an aggregation pass.
func TestIntegration_CountersAggregator_EquivalenceAcrossPasses(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	lease, err := s.pool.Borrow(ctx)
	require.NoError(t, err)
	insert := fmt.Sprintf("INSERT INTO %s (`Key`, Value, ExpireAt) VALUES (?, ?, NULL)", quoted(s.stmts.tables.Counter))
	for i := 0; i < 1200; i++ {
		_, err := lease.Session.ExecContext(ctx, insert, "k", 1)
		require.NoError(t, err)
	}
	lease.Dispose(ctx)

	before, err := s.GetCounter(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, int64(1200), before)

	require.NoError(t, s.aggregator.runOnePass(ctx))

	after, err := s.GetCounter(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, before, after)

	var rawCount int
	lease2, err := s.pool.Borrow(ctx)
	require.NoError(t, err)
	defer lease2.Dispose(ctx)
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE `Key` = ?", quoted(s.stmts.tables.Counter))
	require.NoError(t, lease2.Session.QueryRowContext(ctx, countQuery, "k").Scan(&rawCount))
	require.Equal(t, 0, rawCount)
}

func TestCountersAggregator_PassSizeConstant(t *testing.T) {
	require.Equal(t, 1000, counterAggregatePassSize)
	require.Equal(t, 500*time.Millisecond, counterAggregateInterPassSleep)
}
