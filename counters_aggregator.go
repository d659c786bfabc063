package sqljobstore

import (
	"context"
	"fmt"
	"time"

	"oss.nandlabs.io/golly/l3"
)

// counterAggregatePassSize is the per-pass row cap (spec §4.10: "count =
// 1000"). A pass that moves exactly this many rows signals more work is
// likely waiting, so the aggregator loops again without sleeping the full
// interval.
const counterAggregatePassSize = 1000

// counterAggregateInterPassSleep is the pause between passes within one
// aggregation run (spec §4.10: "≈500 ms").
const counterAggregateInterPassSleep = 500 * time.Millisecond

// countersAggregatorLockName is the global session lock every aggregator
// run takes before touching PCounter (spec §4.10).
const countersAggregatorLockName = "CountersAggregator"

// CountersAggregator rolls raw PCounter deltas up into PAggregatedCounter
// in bounded passes (spec §4.10).
type CountersAggregator struct {
	pool     *ConnectionPool
	repeater *Repeater
	stmts    *statements
	prefix   string
	interval time.Duration
	lockWait time.Duration
	logger   l3.Logger
}

// NewCountersAggregator builds a CountersAggregator that sleeps interval
// between runs.
func NewCountersAggregator(pool *ConnectionPool, repeater *Repeater, stmts *statements, prefix string, interval time.Duration, logger l3.Logger) *CountersAggregator {
	if logger == nil {
		logger = l3.Get()
	}
	return &CountersAggregator{pool: pool, repeater: repeater, stmts: stmts, prefix: prefix, interval: interval, lockWait: migrationTimeout, logger: logger}
}

// Run loops until ctx is cancelled: under the global CountersAggregator
// session lock, repeatedly aggregate passSize rows until a pass moves
// fewer than passSize, then sleep the configured interval.
func (a *CountersAggregator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := a.runOnePass(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.ErrorF("sqljobstore: counters aggregator pass failed: %v", err)
		}

		if err := sleepOrDone(ctx, a.interval); err != nil {
			return err
		}
	}
}

// runOnePass holds the session lock for as long as it takes to drain
// everything currently queued (i.e. until a pass moves fewer than
// counterAggregatePassSize rows).
func (a *CountersAggregator) runOnePass(ctx context.Context) error {
	lease, err := a.pool.Borrow(ctx)
	if err != nil {
		return err
	}
	defer lease.Dispose(context.Background())

	lockName := a.prefix + "/" + countersAggregatorLockName
	lock := NewSessionLock(lease.Session, lockName)
	held, err := lock.Acquire(ctx, time.Now().Add(a.lockWait))
	if err != nil {
		return err
	}
	if !held {
		return fmt.Errorf("%w: could not acquire %s", ErrTimeout, lockName)
	}
	defer func() { _ = lock.Release(context.Background()) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		affected, err := a.aggregateOnce(ctx, lease.Session)
		if err != nil {
			return err
		}
		if affected < counterAggregatePassSize {
			return nil
		}
		if err := sleepOrDone(ctx, counterAggregateInterPassSleep); err != nil {
			return err
		}
	}
}

func (a *CountersAggregator) aggregateOnce(ctx context.Context, session Session) (int64, error) {
	var affected int64
	resources := NewResourceSet(ResourceCounter)
	err := a.repeater.ExecuteManyOnSession(ctx, session, resources, DefaultTransactionTimeout, func(ctx context.Context, actx *ActionContext) error {
		execer := sqlExecer(actx)
		temp := a.stmts.counterAggregateTempTable

		createTemp := fmt.Sprintf(
			"CREATE TEMPORARY TABLE %s ENGINE=MEMORY AS SELECT Id FROM %s LIMIT %d",
			quoted(temp), quoted(a.stmts.tables.Counter), counterAggregatePassSize)
		if _, err := execer.ExecContext(ctx, createTemp); err != nil {
			return err
		}

		insert := fmt.Sprintf(`
			INSERT INTO %s (`+"`Key`"+`, Value, ExpireAt)
			SELECT c.`+"`Key`"+`, SUM(c.Value), MAX(c.ExpireAt)
			FROM %s c JOIN %s r ON r.Id = c.Id
			GROUP BY c.`+"`Key`"+`
			ON DUPLICATE KEY UPDATE
				Value = Value + VALUES(Value),
				ExpireAt = GREATEST(ExpireAt, VALUES(ExpireAt))`,
			quoted(a.stmts.tables.AggregatedCounter), quoted(a.stmts.tables.Counter), quoted(temp))
		if _, err := execer.ExecContext(ctx, insert); err != nil {
			return err
		}

		deleteMoved := fmt.Sprintf(
			"DELETE c FROM %s c JOIN %s r ON r.Id = c.Id",
			quoted(a.stmts.tables.Counter), quoted(temp))
		result, err := execer.ExecContext(ctx, deleteMoved)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		if err != nil {
			return err
		}

		dropTemp := fmt.Sprintf("DROP TABLE %s", quoted(temp))
		_, err = execer.ExecContext(ctx, dropTemp)
		return err
	})
	return affected, err
}

// sleepOrDone sleeps d, returning ctx.Err() early if ctx is cancelled
// first.
func sleepOrDone(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
