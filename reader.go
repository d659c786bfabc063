package sqljobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"oss.nandlabs.io/golly/l3"
)

// noTTL is the sentinel returned by the Ttl reads when a key has no row or
// every row's ExpireAt is null (spec §4.9).
const noTTL = -1 * time.Second

// JobData is what getJobData returns: the job's stored payload plus, on a
// deserialization problem, a recorded load error instead of a raised one
// (spec §7's LoadError).
type JobData struct {
	JobID                string
	StateName            string
	InvocationData       string
	Arguments            string
	CreatedAt            time.Time
	ExpireAt             sql.NullTime
	InvocationDataError  error
}

// StateData is the job's current state, read by joining PJob to its latest
// PState row via PJob.StateId.
type StateData struct {
	Name   string
	Reason string
	Data   map[string]string
}

// Reader is the storage-connection capability surface (spec.md §2 "Storage
// connection (reader)", SPEC_FULL.md §4.0): reads, plus the
// non-transactional writes for job creation, job parameters and the server
// registry.
type Reader interface {
	CreateExpiredJob(ctx context.Context, invocationData, arguments string, parameters map[string]string, createdAt time.Time, expireIn time.Duration) (string, error)
	FetchNextJob(ctx context.Context, queues []string) (*FetchedJob, error)
	AnnounceServer(ctx context.Context, serverID, data string, now time.Time) error
	Heartbeat(ctx context.Context, serverID string, now time.Time) error
	RemoveServer(ctx context.Context, serverID string) error
	RemoveTimedOutServers(ctx context.Context, timeout time.Duration) (int64, error)
	AcquireDistributedLock(ctx context.Context, name string, timeout time.Duration) (*DistributedLock, error)
	SetJobParameter(ctx context.Context, jobID, name, value string) error
	GetJobData(ctx context.Context, jobID string) (*JobData, error)
	GetStateData(ctx context.Context, jobID string) (*StateData, error)
	GetHashTtl(ctx context.Context, key string) (time.Duration, error)
	GetListTtl(ctx context.Context, key string) (time.Duration, error)
	GetSetTtl(ctx context.Context, key string) (time.Duration, error)
	GetCounter(ctx context.Context, key string) (int64, error)
	GetRangeFromList(ctx context.Context, key string, from, to int) ([]string, error)
	GetRangeFromSet(ctx context.Context, key string, from, to int) ([]string, error)
	GetFirstByLowestScoreFromSet(ctx context.Context, key string, fromScore, toScore float64) (string, bool, error)
}

// StorageReader implements Reader against one prefix's tables.
type StorageReader struct {
	pool           *ConnectionPool
	repeater       *Repeater
	stmts          *statements
	lockManager    *DistributedLockManager
	queueResolver  func(queues []string) (*JobQueue, error)
	logger         l3.Logger
	now            func() time.Time
}

// NewStorageReader builds a StorageReader. queueResolver maps a list of
// queue names to the single JobQueue provider responsible for all of them,
// failing with ErrQueueMixedProviders if they don't share one.
func NewStorageReader(pool *ConnectionPool, repeater *Repeater, stmts *statements, lockManager *DistributedLockManager, queueResolver func(queues []string) (*JobQueue, error), logger l3.Logger, now func() time.Time) *StorageReader {
	if logger == nil {
		logger = l3.Get()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &StorageReader{pool: pool, repeater: repeater, stmts: stmts, lockManager: lockManager, queueResolver: queueResolver, logger: logger, now: now}
}

// CreateExpiredJob inserts PJob then, if non-empty, every PJobParameter row,
// all under one Job-lock batch, and returns the new job id as text.
func (r *StorageReader) CreateExpiredJob(ctx context.Context, invocationData, arguments string, parameters map[string]string, createdAt time.Time, expireIn time.Duration) (string, error) {
	var jobID int64
	resources := NewResourceSet(ResourceJob)
	err := r.repeater.ExecuteMany(ctx, resources, DefaultTransactionTimeout, func(ctx context.Context, actx *ActionContext) error {
		execer := sqlExecer(actx)
		result, err := execer.ExecContext(ctx, r.stmts.insertJob, invocationData, arguments, createdAt, createdAt.Add(expireIn))
		if err != nil {
			return err
		}
		jobID, err = result.LastInsertId()
		if err != nil {
			return err
		}
		for name, value := range parameters {
			if _, err := execer.ExecContext(ctx, r.stmts.insertJobParameter, jobID, name, value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(jobID, 10), nil
}

// FetchNextJob resolves queues to a single provider and delegates to its
// Dequeue.
func (r *StorageReader) FetchNextJob(ctx context.Context, queues []string) (*FetchedJob, error) {
	provider, err := r.queueResolver(queues)
	if err != nil {
		return nil, err
	}
	return provider.Dequeue(ctx, queues)
}

// AnnounceServer upserts a server row.
func (r *StorageReader) AnnounceServer(ctx context.Context, serverID, data string, now time.Time) error {
	resources := NewResourceSet(ResourceServer)
	return r.repeater.ExecuteOne(ctx, resources, DefaultTransactionTimeout, func(ctx context.Context, actx *ActionContext) error {
		_, err := sqlExecer(actx).ExecContext(ctx, r.stmts.upsertServer, serverID, data, now)
		return err
	})
}

// Heartbeat touches a server's LastHeartbeat.
func (r *StorageReader) Heartbeat(ctx context.Context, serverID string, now time.Time) error {
	resources := NewResourceSet(ResourceServer)
	return r.repeater.ExecuteOne(ctx, resources, DefaultTransactionTimeout, func(ctx context.Context, actx *ActionContext) error {
		_, err := sqlExecer(actx).ExecContext(ctx, r.stmts.touchServerHeartbeat, now, serverID)
		return err
	})
}

// RemoveServer deletes a server row by id.
func (r *StorageReader) RemoveServer(ctx context.Context, serverID string) error {
	resources := NewResourceSet(ResourceServer)
	return r.repeater.ExecuteOne(ctx, resources, DefaultTransactionTimeout, func(ctx context.Context, actx *ActionContext) error {
		_, err := sqlExecer(actx).ExecContext(ctx, r.stmts.deleteServer, serverID)
		return err
	})
}

// RemoveTimedOutServers deletes every server whose LastHeartbeat is older
// than timeout, returning the number removed.
func (r *StorageReader) RemoveTimedOutServers(ctx context.Context, timeout time.Duration) (int64, error) {
	var affected int64
	resources := NewResourceSet(ResourceServer)
	err := r.repeater.ExecuteOne(ctx, resources, DefaultTransactionTimeout, func(ctx context.Context, actx *ActionContext) error {
		result, err := sqlExecer(actx).ExecContext(ctx, r.stmts.deleteTimedOutServers, r.now().Add(-timeout))
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected, err
}

// AcquireDistributedLock is the reader's pass-through to the distributed
// lock manager (spec §4.5).
func (r *StorageReader) AcquireDistributedLock(ctx context.Context, name string, timeout time.Duration) (*DistributedLock, error) {
	return r.lockManager.Acquire(ctx, name, timeout)
}

// SetJobParameter upserts one PJobParameter row under the Job lock.
func (r *StorageReader) SetJobParameter(ctx context.Context, jobID, name, value string) error {
	id, err := parseJobID(jobID)
	if err != nil {
		return err
	}
	resources := NewResourceSet(ResourceJob)
	return r.repeater.ExecuteOne(ctx, resources, DefaultTransactionTimeout, func(ctx context.Context, actx *ActionContext) error {
		_, err := sqlExecer(actx).ExecContext(ctx, r.stmts.upsertJobParameter, id, name, value)
		return err
	})
}

// GetJobData reads one PJob row. A failure to validate InvocationData as
// JSON is recorded on InvocationDataError rather than returned as err.
func (r *StorageReader) GetJobData(ctx context.Context, jobID string) (*JobData, error) {
	id, err := parseJobID(jobID)
	if err != nil {
		return nil, err
	}
	lease, err := r.pool.Borrow(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Dispose(context.Background())

	var data JobData
	var stateName sql.NullString
	var unusedStateID sql.NullInt64
	row := lease.Session.QueryRowContext(ctx, r.stmts.selectJob, id)
	if err := row.Scan(&id, &unusedStateID, &stateName, &data.InvocationData, &data.Arguments, &data.CreatedAt, &data.ExpireAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	data.JobID = jobID
	data.StateName = stateName.String

	var probe any
	if jsonErr := json.Unmarshal([]byte(data.InvocationData), &probe); jsonErr != nil {
		data.InvocationDataError = fmt.Errorf("sqljobstore: decoding invocation data: %w", jsonErr)
	}
	return &data, nil
}

// GetStateData joins PJob to its latest PState row.
func (r *StorageReader) GetStateData(ctx context.Context, jobID string) (*StateData, error) {
	id, err := parseJobID(jobID)
	if err != nil {
		return nil, err
	}
	lease, err := r.pool.Borrow(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Dispose(context.Background())

	var jobIDOut int64
	var name, reason, rawData string
	row := lease.Session.QueryRowContext(ctx, r.stmts.selectState, id)
	if err := row.Scan(&jobIDOut, &name, &reason, &rawData); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	decoded, err := decodeStateData(rawData)
	if err != nil {
		return nil, err
	}
	return &StateData{Name: name, Reason: reason, Data: decoded}, nil
}

func (r *StorageReader) minExpireTtl(ctx context.Context, table, key string) (time.Duration, error) {
	lease, err := r.pool.Borrow(ctx)
	if err != nil {
		return 0, err
	}
	defer lease.Dispose(context.Background())

	query := fmt.Sprintf("SELECT MIN(ExpireAt) FROM %s WHERE `Key` = ?", quoted(table))
	var min sql.NullTime
	if err := lease.Session.QueryRowContext(ctx, query, key).Scan(&min); err != nil {
		return 0, err
	}
	if !min.Valid {
		return noTTL, nil
	}
	return min.Time.Sub(r.now()), nil
}

// GetHashTtl returns min(ExpireAt)-now for key's hash fields, or noTTL.
func (r *StorageReader) GetHashTtl(ctx context.Context, key string) (time.Duration, error) {
	return r.minExpireTtl(ctx, r.stmts.tables.Hash, key)
}

// GetListTtl returns min(ExpireAt)-now for key's list rows, or noTTL.
func (r *StorageReader) GetListTtl(ctx context.Context, key string) (time.Duration, error) {
	return r.minExpireTtl(ctx, r.stmts.tables.List, key)
}

// GetSetTtl returns min(ExpireAt)-now for key's set rows, or noTTL.
func (r *StorageReader) GetSetTtl(ctx context.Context, key string) (time.Duration, error) {
	return r.minExpireTtl(ctx, r.stmts.tables.Set, key)
}

// GetCounter sums the raw and aggregated counter rows for key, treating a
// fully-null result as zero.
func (r *StorageReader) GetCounter(ctx context.Context, key string) (int64, error) {
	lease, err := r.pool.Borrow(ctx)
	if err != nil {
		return 0, err
	}
	defer lease.Dispose(context.Background())

	query := fmt.Sprintf(`
		SELECT COALESCE(SUM(total), 0) FROM (
			SELECT SUM(Value) AS total FROM %s WHERE `+"`Key`"+` = ?
			UNION ALL
			SELECT SUM(Value) AS total FROM %s WHERE `+"`Key`"+` = ?
		) totals`,
		quoted(r.stmts.tables.Counter), quoted(r.stmts.tables.AggregatedCounter))

	var total int64
	err = lease.Session.QueryRowContext(ctx, query, key, key).Scan(&total)
	return total, err
}

// GetRangeFromList ranks rows by Id descending within key and returns
// values whose rank falls in [from+1, to+1].
func (r *StorageReader) GetRangeFromList(ctx context.Context, key string, from, to int) ([]string, error) {
	return r.getRange(ctx, r.stmts.tables.List, key, from, to, "DESC")
}

// GetRangeFromSet ranks rows by Id ascending within key and returns values
// whose rank falls in [from+1, to+1].
func (r *StorageReader) GetRangeFromSet(ctx context.Context, key string, from, to int) ([]string, error) {
	return r.getRange(ctx, r.stmts.tables.Set, key, from, to, "ASC")
}

func (r *StorageReader) getRange(ctx context.Context, table, key string, from, to int, order string) ([]string, error) {
	if to < from {
		return nil, fmt.Errorf("%w: range end %d before start %d", ErrValidation, to, from)
	}
	lease, err := r.pool.Borrow(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Dispose(context.Background())

	query := fmt.Sprintf(`
		SELECT Value FROM (
			SELECT Value, ROW_NUMBER() OVER (ORDER BY Id %s) AS rnk
			FROM %s WHERE `+"`Key`"+` = ?
		) ranked WHERE rnk BETWEEN ? AND ?`,
		order, quoted(table))

	rows, err := lease.Session.QueryContext(ctx, query, key, from+1, to+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// GetFirstByLowestScoreFromSet returns the value with the minimum Score in
// [fromScore, toScore], or ok=false if none exists.
func (r *StorageReader) GetFirstByLowestScoreFromSet(ctx context.Context, key string, fromScore, toScore float64) (string, bool, error) {
	if toScore < fromScore {
		return "", false, fmt.Errorf("%w: toScore %f less than fromScore %f", ErrValidation, toScore, fromScore)
	}
	lease, err := r.pool.Borrow(ctx)
	if err != nil {
		return "", false, err
	}
	defer lease.Dispose(context.Background())

	query := fmt.Sprintf(
		"SELECT Value FROM %s WHERE `Key` = ? AND Score BETWEEN ? AND ? ORDER BY Score ASC LIMIT 1",
		quoted(r.stmts.tables.Set))
	var value string
	err = lease.Session.QueryRowContext(ctx, query, key, fromScore, toScore).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
