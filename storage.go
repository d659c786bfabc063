package sqljobstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"oss.nandlabs.io/golly/errutils"
	"oss.nandlabs.io/golly/l3"
	"oss.nandlabs.io/golly/lifecycle"
)

// Writer is the write-only transaction factory capability (spec §4.8,
// SPEC_FULL.md §4.0).
type Writer interface {
	NewTransaction() *WriteOnlyTransaction
	Commit(ctx context.Context, txn *WriteOnlyTransaction) error
}

// Queue is the enqueue/dequeue capability (spec §4.7, SPEC_FULL.md §4.0).
type Queue interface {
	Enqueue(ctx context.Context, queue, jobID string) error
	Dequeue(ctx context.Context, queues []string) (*FetchedJob, error)
}

// LockManager is the distributed-lock capability (spec §4.5, SPEC_FULL.md
// §4.0).
type LockManager interface {
	AcquireDistributedLock(ctx context.Context, name string, timeout time.Duration) (*DistributedLock, error)
}

// ComponentRunner starts and stops the maintenance workers uniformly
// (SPEC_FULL.md §2, §4.0).
type ComponentRunner interface {
	StartMaintenance() error
	StopMaintenance() error
}

// Storage is the core's single public handle: it implements Reader,
// Writer, Queue, LockManager, and ComponentRunner, and owns every
// component's lifetime (SPEC_FULL.md §4.0 — "no module-level state holds a
// connection, pool, or lock registry").
type Storage struct {
	options Options
	pool    *ConnectionPool
	repeater *Repeater
	stmts   *statements

	*StorageReader
	queue       *JobQueue
	lockManager *DistributedLockManager
	installer   *Installer

	aggregator *CountersAggregator
	expiration *ExpirationManager

	manager       lifecycle.ComponentManager
	aggregatorID  string
	expirationID  string
	logger        l3.Logger
}

// NewStorage builds the connection pool over the already-open db and every
// dependent component, runs the installer, and returns a ready-to-use
// Storage. The teardown method is Dispose (not Go's io.Closer name, to avoid
// implying it closes db).
func NewStorage(ctx context.Context, db *sql.DB, opts Options) (*Storage, error) {
	o := opts.normalize()

	pool, err := NewConnectionPool(db, o.PoolMinSize, o.PoolMaxSize, DefaultRecycler, o.Logger, o.Now)
	if err != nil {
		return nil, err
	}

	repeater := NewRepeater(pool, o.TablesPrefix, o.Logger)
	stmts := newStatements(o.TablesPrefix)

	installer := NewInstaller(pool, repeater, o.TablesPrefix, o.Logger, o.Now)
	if o.PrepareSchemaIfNecessary {
		if err := installer.Install(ctx); err != nil {
			_ = pool.Close()
			return nil, fmt.Errorf("sqljobstore: installing schema: %w", err)
		}
	}

	queue := NewJobQueue(pool, repeater, stmts, o.InvisibilityTimeout, o.QueuePollInterval, o.Logger, o.Now)
	lockManager := NewDistributedLockManager(pool, o.TablesPrefix)

	resolver := func(queues []string) (*JobQueue, error) {
		if len(queues) == 0 {
			return nil, fmt.Errorf("%w: queues must not be empty", ErrValidation)
		}
		return queue, nil
	}
	reader := NewStorageReader(pool, repeater, stmts, lockManager, resolver, o.Logger, o.Now)

	aggregator := NewCountersAggregator(pool, repeater, stmts, o.TablesPrefix, o.CountersAggregateInterval, o.Logger)
	expiration := NewExpirationManager(pool, repeater, stmts, o.TablesPrefix, o.JobExpirationCheckInterval, o.Logger, o.Now)

	manager := lifecycle.NewSimpleComponentManager()
	aggregatorComp := newMaintenanceComponent("sqljobstore.countersAggregator", aggregator.Run, o.Logger)
	expirationComp := newMaintenanceComponent("sqljobstore.expirationManager", expiration.Run, o.Logger)
	manager.Register(aggregatorComp)
	manager.Register(expirationComp)

	return &Storage{
		options:       o,
		pool:          pool,
		repeater:      repeater,
		stmts:         stmts,
		StorageReader: reader,
		queue:         queue,
		lockManager:   lockManager,
		installer:     installer,
		aggregator:    aggregator,
		expiration:    expiration,
		manager:       manager,
		aggregatorID:  aggregatorComp.Id(),
		expirationID:  expirationComp.Id(),
		logger:        o.Logger,
	}, nil
}

// Enqueue delegates to the job queue.
func (s *Storage) Enqueue(ctx context.Context, queue, jobID string) error {
	return s.queue.Enqueue(ctx, queue, jobID)
}

// Dequeue delegates to the job queue.
func (s *Storage) Dequeue(ctx context.Context, queues []string) (*FetchedJob, error) {
	return s.queue.Dequeue(ctx, queues)
}

// NewTransaction returns an empty write-only transaction bound to this
// storage's Repeater and statement cache.
func (s *Storage) NewTransaction() *WriteOnlyTransaction {
	return NewWriteOnlyTransaction(s.repeater, s.stmts, s.options.Now)
}

// Commit commits txn using this storage's configured TransactionTimeout.
func (s *Storage) Commit(ctx context.Context, txn *WriteOnlyTransaction) error {
	return txn.Commit(ctx, s.options.TransactionTimeout)
}

// StartMaintenance starts the counters aggregator and expiration manager.
func (s *Storage) StartMaintenance() error {
	errs := errutils.MultiError{}
	if err := s.manager.Start(s.aggregatorID); err != nil {
		errs.Add(err)
	}
	if err := s.manager.Start(s.expirationID); err != nil {
		errs.Add(err)
	}
	if errs.HasErrors() {
		return &errs
	}
	return nil
}

// StopMaintenance stops the counters aggregator and expiration manager.
func (s *Storage) StopMaintenance() error {
	errs := errutils.MultiError{}
	if err := s.manager.Stop(s.aggregatorID); err != nil {
		errs.Add(err)
	}
	if err := s.manager.Stop(s.expirationID); err != nil {
		errs.Add(err)
	}
	if errs.HasErrors() {
		return &errs
	}
	return nil
}

// Dispose stops the maintenance workers (best-effort), then disposes both
// the connection pool and the distributed lock manager — the rewrite's fix
// for Design Notes §9's "Dispose... does not always dispose the connection
// pool" latent issue.
func (s *Storage) Dispose() error {
	_ = s.StopMaintenance()
	s.lockManager.Close()
	return s.pool.Close()
}
