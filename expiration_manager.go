package sqljobstore

import (
	"context"
	"fmt"
	"time"

	"oss.nandlabs.io/golly/l3"
)

// expirationDeleteLimit caps each table's per-pass DELETE (spec §4.11:
// "LIMIT 1000").
const expirationDeleteLimit = 1000

// expirationInterPassSleep is the pause between round-robin passes within
// one batch (spec §4.11: "≈1 s").
const expirationInterPassSleep = time.Second

// expirationManagerLockName is the global session lock every pass takes
// alongside the table's own resource lock (spec §4.11).
const expirationManagerLockName = "ExpirationManager"

// expirationTarget pairs a table with the resource lock guarding it.
type expirationTarget struct {
	table    string
	resource Resource
}

// ExpirationManager deletes expired rows from five tables in round-robin
// (spec §4.11).
type ExpirationManager struct {
	pool     *ConnectionPool
	repeater *Repeater
	stmts    *statements
	prefix   string
	interval time.Duration
	lockWait time.Duration
	logger   l3.Logger
	now      func() time.Time
}

// NewExpirationManager builds an ExpirationManager that sleeps interval
// after a batch that deletes nothing from any table.
func NewExpirationManager(pool *ConnectionPool, repeater *Repeater, stmts *statements, prefix string, interval time.Duration, logger l3.Logger, now func() time.Time) *ExpirationManager {
	if logger == nil {
		logger = l3.Get()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &ExpirationManager{pool: pool, repeater: repeater, stmts: stmts, prefix: prefix, interval: interval, lockWait: migrationTimeout, logger: logger, now: now}
}

func (m *ExpirationManager) targets() []expirationTarget {
	return []expirationTarget{
		{m.stmts.tables.AggregatedCounter, ResourceCounter},
		{m.stmts.tables.Job, ResourceJob},
		{m.stmts.tables.List, ResourceList},
		{m.stmts.tables.Set, ResourceSetTag},
		{m.stmts.tables.Hash, ResourceHash},
	}
}

// Run loops forever (until ctx is cancelled), running one round-robin
// batch per iteration and sleeping interval whenever a whole batch deletes
// nothing.
func (m *ExpirationManager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		anyDeleted, err := m.runBatch(ctx)
		if err != nil {
			return err
		}

		if !anyDeleted {
			if err := sleepOrDone(ctx, m.interval); err != nil {
				return err
			}
		}
	}
}

// runBatch makes one round-robin pass over every target table, absorbing
// per-table errors (logged, not propagated) so one bad table doesn't stall
// the rest.
func (m *ExpirationManager) runBatch(ctx context.Context) (bool, error) {
	anyDeleted := false
	for _, target := range m.targets() {
		select {
		case <-ctx.Done():
			return anyDeleted, ctx.Err()
		default:
		}

		deleted, err := m.deleteExpired(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return anyDeleted, ctx.Err()
			}
			m.logger.ErrorF("sqljobstore: expiration pass for %s failed: %v", target.table, err)
			continue
		}
		if deleted > 0 {
			anyDeleted = true
		}

		if err := sleepOrDone(ctx, expirationInterPassSleep); err != nil {
			return anyDeleted, err
		}
	}
	return anyDeleted, nil
}

func (m *ExpirationManager) deleteExpired(ctx context.Context, target expirationTarget) (int64, error) {
	lease, err := m.pool.Borrow(ctx)
	if err != nil {
		return 0, err
	}
	defer lease.Dispose(context.Background())

	lockName := m.prefix + "/" + expirationManagerLockName
	lock := NewSessionLock(lease.Session, lockName)
	held, err := lock.Acquire(ctx, time.Now().Add(m.lockWait))
	if err != nil {
		return 0, err
	}
	if !held {
		return 0, fmt.Errorf("%w: could not acquire %s", ErrTimeout, lockName)
	}
	defer func() { _ = lock.Release(context.Background()) }()

	var affected int64
	resources := NewResourceSet(target.resource)
	err = m.repeater.ExecuteOneOnSession(ctx, lease.Session, resources, DefaultTransactionTimeout, func(ctx context.Context, actx *ActionContext) error {
		query := fmt.Sprintf("DELETE FROM %s WHERE ExpireAt < ? LIMIT %d", quoted(target.table), expirationDeleteLimit)
		result, err := sqlExecer(actx).ExecContext(ctx, query, m.now())
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected, err
}
