package sqljobstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestIntegration_S5_Expiration exercises testable property 9 (expiration
// monotonicity): a long-expired counter row is removed within a handful of
// batches run with no cancellation.
func TestIntegration_S5_Expiration(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	lease, err := s.pool.Borrow(ctx)
	require.NoError(t, err)
	insert := fmt.Sprintf("INSERT INTO %s (`Key`, Value, ExpireAt) VALUES (?, ?, ?)", quoted(s.stmts.tables.AggregatedCounter))
	_, err = lease.Session.ExecContext(ctx, insert, "expiring", 1, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	lease.Dispose(ctx)

	for i := 0; i < 5; i++ {
		_, err := s.expiration.runBatch(ctx)
		require.NoError(t, err)
	}

	var count int
	lease2, err := s.pool.Borrow(ctx)
	require.NoError(t, err)
	defer lease2.Dispose(ctx)
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE `Key` = ?", quoted(s.stmts.tables.AggregatedCounter))
	require.NoError(t, lease2.Session.QueryRowContext(ctx, countQuery, "expiring").Scan(&count))
	require.Equal(t, 0, count)
}

func TestExpirationManager_Targets_FixedOrder(t *testing.T) {
	m := NewExpirationManager(nil, nil, newStatements("P"), "P", time.Hour, nil, nil)
	targets := m.targets()
	require.Equal(t, []Resource{ResourceCounter, ResourceJob, ResourceList, ResourceSetTag, ResourceHash}, []Resource{
		targets[0].resource, targets[1].resource, targets[2].resource, targets[3].resource, targets[4].resource,
	})
}
