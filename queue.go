package sqljobstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"oss.nandlabs.io/golly/l3"
)

// JobQueue implements at-least-once queued delivery of job ids (spec §4.7).
type JobQueue struct {
	pool         *ConnectionPool
	repeater     *Repeater
	stmts        *statements
	invisibility time.Duration
	pollInterval time.Duration
	logger       l3.Logger
	now          func() time.Time
}

// NewJobQueue builds a JobQueue bound to pool/repeater and the given
// invisibility timeout and poll interval.
func NewJobQueue(pool *ConnectionPool, repeater *Repeater, stmts *statements, invisibility, pollInterval time.Duration, logger l3.Logger, now func() time.Time) *JobQueue {
	if logger == nil {
		logger = l3.Get()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &JobQueue{pool: pool, repeater: repeater, stmts: stmts, invisibility: invisibility, pollInterval: pollInterval, logger: logger, now: now}
}

// Enqueue inserts a queue row for jobID with FetchedAt/FetchToken null,
// under the Repeater with the Queue lock.
func (q *JobQueue) Enqueue(ctx context.Context, queue, jobID string) error {
	if queue == "" {
		return fmt.Errorf("%w: queue name must not be empty", ErrValidation)
	}
	jobIDNum, err := strconv.ParseInt(jobID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid job id %q", ErrValidation, jobID)
	}

	resources := NewResourceSet(ResourceQueue)
	return q.repeater.ExecuteOne(ctx, resources, DefaultTransactionTimeout, func(ctx context.Context, actx *ActionContext) error {
		return enqueueRow(ctx, actx, q.stmts, queue, jobIDNum)
	})
}

// enqueueRow is the statement-level half of Enqueue, reused by the
// write-only transaction's AddToQueue command.
func enqueueRow(ctx context.Context, actx *ActionContext, stmts *statements, queue string, jobID int64) error {
	execer := sqlExecer(actx)
	_, err := execer.ExecContext(ctx, stmts.insertQueueItem, jobID, queue)
	return err
}

// FetchedJob is a claimed queue slot bound to the session that claimed it
// (spec §4.7's "fetched job handle").
type FetchedJob struct {
	queue    *JobQueue
	id       int64
	jobID    int64
	queueName string
	lease    *Lease

	mu       sync.Mutex
	removed  bool
	requeued bool
	disposed bool
}

// JobID returns the durable job id this slot points at, as text.
func (f *FetchedJob) JobID() string { return strconv.FormatInt(f.jobID, 10) }

// Queue returns the name of the queue this slot was claimed from.
func (f *FetchedJob) Queue() string { return f.queueName }

// Session returns the session this handle owns, for callers that need to
// run further statements on the same connection before disposing it.
func (f *FetchedJob) Session() Session { return f.lease.Session }

// RemoveFromQueue deletes the queue row by id, marking the job delivered.
func (f *FetchedJob) RemoveFromQueue(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed {
		return nil
	}
	resources := NewResourceSet(ResourceQueue)
	err := f.queue.repeater.ExecuteOneOnSession(ctx, f.lease.Session, resources, DefaultTransactionTimeout, func(ctx context.Context, actx *ActionContext) error {
		_, err := sqlExecer(actx).ExecContext(ctx, f.queue.stmts.deleteQueueItem, f.id)
		return err
	})
	if err == nil {
		f.removed = true
	}
	return err
}

// Requeue sets FetchedAt back to null by id, making the row claimable
// again.
func (f *FetchedJob) Requeue(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requeued {
		return nil
	}
	resources := NewResourceSet(ResourceQueue)
	err := f.queue.repeater.ExecuteOneOnSession(ctx, f.lease.Session, resources, DefaultTransactionTimeout, func(ctx context.Context, actx *ActionContext) error {
		_, err := sqlExecer(actx).ExecContext(ctx, f.queue.stmts.requeueQueueItem, f.id)
		return err
	})
	if err == nil {
		f.requeued = true
	}
	return err
}

// Dispose requeues the slot (if it was neither removed nor requeued
// already) and releases the session back to the pool. A double-dispose is
// a no-op.
func (f *FetchedJob) Dispose(ctx context.Context) error {
	f.mu.Lock()
	alreadyDisposed := f.disposed
	needsRequeue := !f.removed && !f.requeued
	f.disposed = true
	f.mu.Unlock()

	if alreadyDisposed {
		return nil
	}

	var err error
	if needsRequeue {
		err = f.Requeue(ctx)
	}
	f.lease.Dispose(context.Background())
	return err
}

// Dequeue polls the given queues until one yields a claimable row or ctx is
// cancelled. A fresh fetch token correlates the claim with the follow-up
// read; the row id, not the token, is the authority for remove/requeue.
func (q *JobQueue) Dequeue(ctx context.Context, queues []string) (*FetchedJob, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("%w: queues must not be empty", ErrValidation)
	}

	lease, err := q.pool.Borrow(ctx)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			lease.Dispose(context.Background())
			return nil, ErrCancelled
		default:
		}

		token := uuid.NewString()
		now := q.now()
		staleCutoff := now.Add(-q.invisibility)

		args := make([]any, 0, len(queues)+3)
		args = append(args, now, token)
		for _, name := range queues {
			args = append(args, name)
		}
		args = append(args, staleCutoff)

		var rowsAffected int64
		resources := NewResourceSet(ResourceQueue)
		claimErr := q.repeater.ExecuteOneOnSession(ctx, lease.Session, resources, DefaultTransactionTimeout, func(ctx context.Context, actx *ActionContext) error {
			result, err := sqlExecer(actx).ExecContext(ctx, q.stmts.claimQuery(len(queues)), args...)
			if err != nil {
				return err
			}
			rowsAffected, err = result.RowsAffected()
			return err
		})
		if claimErr != nil {
			lease.Dispose(context.Background())
			q.logger.ErrorF("sqljobstore: dequeue claim failed: %v", claimErr)
			return nil, claimErr
		}

		if rowsAffected == 1 {
			var id, jobID int64
			var queueName string
			err := lease.Session.QueryRowContext(ctx, q.stmts.selectClaimed, token).Scan(&id, &jobID, &queueName)
			if err != nil {
				lease.Dispose(context.Background())
				return nil, fmt.Errorf("sqljobstore: reading claimed row: %w", err)
			}
			return &FetchedJob{queue: q, id: id, jobID: jobID, queueName: queueName, lease: lease}, nil
		}

		wait := q.pollInterval
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
		}
		if wait <= 0 {
			lease.Dispose(context.Background())
			return nil, ErrCancelled
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			lease.Dispose(context.Background())
			return nil, ErrCancelled
		case <-timer.C:
		}
	}
}
