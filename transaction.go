package sqljobstore

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// command is one buffered mutation; it runs against whichever execer the
// enclosing Repeater batch hands it (a transaction, always, for write-only
// transactions).
type command func(ctx context.Context, actx *ActionContext) error

// KeyValue is one field/value pair, used by SetRangeInHash to upsert an
// ordered list of hash fields in one commit.
type KeyValue struct {
	Key   string
	Value string
}

// WriteOnlyTransaction buffers a set of mutations, tagged with the
// resources they touch, and commits them atomically under the union of
// those resources' locks (spec §4.8).
type WriteOnlyTransaction struct {
	repeater *Repeater
	stmts    *statements
	now      func() time.Time

	resources ResourceSet
	commands  []command
}

// NewWriteOnlyTransaction creates an empty transaction bound to repeater
// and stmts.
func NewWriteOnlyTransaction(repeater *Repeater, stmts *statements, now func() time.Time) *WriteOnlyTransaction {
	return &WriteOnlyTransaction{repeater: repeater, stmts: stmts, now: now, resources: NewResourceSet()}
}

func (t *WriteOnlyTransaction) append(r Resource, cmd command) {
	t.resources.Add(r)
	t.commands = append(t.commands, cmd)
}

func parseJobID(jobID string) (int64, error) {
	id, err := strconv.ParseInt(jobID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid job id %q", ErrValidation, jobID)
	}
	return id, nil
}

// ExpireJob sets the job's ExpireAt to now + expireIn.
func (t *WriteOnlyTransaction) ExpireJob(jobID string, expireIn time.Duration) error {
	id, err := parseJobID(jobID)
	if err != nil {
		return err
	}
	t.append(ResourceJob, func(ctx context.Context, actx *ActionContext) error {
		query := fmt.Sprintf("UPDATE %s SET ExpireAt = ? WHERE Id = ?", quoted(t.stmts.tables.Job))
		_, err := sqlExecer(actx).ExecContext(ctx, query, t.now().Add(expireIn), id)
		return err
	})
	return nil
}

// PersistJob sets the job's ExpireAt to null, removing it from expiration.
func (t *WriteOnlyTransaction) PersistJob(jobID string) error {
	id, err := parseJobID(jobID)
	if err != nil {
		return err
	}
	t.append(ResourceJob, func(ctx context.Context, actx *ActionContext) error {
		query := fmt.Sprintf("UPDATE %s SET ExpireAt = NULL WHERE Id = ?", quoted(t.stmts.tables.Job))
		_, err := sqlExecer(actx).ExecContext(ctx, query, id)
		return err
	})
	return nil
}

// AddJobState inserts a new PState row without changing the job's current
// state pointer — a history-only entry.
func (t *WriteOnlyTransaction) AddJobState(jobID, name, reason string, data map[string]string, createdAt time.Time) error {
	id, err := parseJobID(jobID)
	if err != nil {
		return err
	}
	t.append(ResourceState, func(ctx context.Context, actx *ActionContext) error {
		encoded, err := encodeStateData(data)
		if err != nil {
			return err
		}
		_, err = sqlExecer(actx).ExecContext(ctx, t.stmts.insertState, id, name, reason, createdAt, encoded)
		return err
	})
	return nil
}

// SetJobState inserts a new PState row and repoints PJob.StateId/StateName
// at it, in the same transaction and on the same connection, per the state
// mutation contract (spec §4.8).
func (t *WriteOnlyTransaction) SetJobState(jobID, name, reason string, data map[string]string, createdAt time.Time) error {
	id, err := parseJobID(jobID)
	if err != nil {
		return err
	}
	resources := NewResourceSet(ResourceJob, ResourceState)
	for r := range resources {
		t.resources.Add(r)
	}
	t.commands = append(t.commands, func(ctx context.Context, actx *ActionContext) error {
		encoded, err := encodeStateData(data)
		if err != nil {
			return err
		}
		execer := sqlExecer(actx)
		result, err := execer.ExecContext(ctx, t.stmts.insertState, id, name, reason, createdAt, encoded)
		if err != nil {
			return err
		}
		stateID, err := result.LastInsertId()
		if err != nil {
			return err
		}
		_, err = execer.ExecContext(ctx, t.stmts.updateJobState, stateID, name, id)
		return err
	})
	return nil
}

// AddToQueue appends jobID to queue.
func (t *WriteOnlyTransaction) AddToQueue(queue, jobID string) error {
	id, err := parseJobID(jobID)
	if err != nil {
		return err
	}
	t.append(ResourceQueue, func(ctx context.Context, actx *ActionContext) error {
		return enqueueRow(ctx, actx, t.stmts, queue, id)
	})
	return nil
}

// IncrementCounter appends a raw counter delta (positive or negative) with
// no expiry.
func (t *WriteOnlyTransaction) IncrementCounter(key string, value int) error {
	return t.incrementCounter(key, value, nil)
}

// IncrementCounterTTL appends a raw counter delta that expires after ttl.
func (t *WriteOnlyTransaction) IncrementCounterTTL(key string, value int, ttl time.Duration) error {
	expireAt := t.now().Add(ttl)
	return t.incrementCounter(key, value, &expireAt)
}

// DecrementCounter is IncrementCounter with the sign flipped.
func (t *WriteOnlyTransaction) DecrementCounter(key string, value int) error {
	return t.IncrementCounter(key, -value)
}

// DecrementCounterTTL is IncrementCounterTTL with the sign flipped.
func (t *WriteOnlyTransaction) DecrementCounterTTL(key string, value int, ttl time.Duration) error {
	return t.IncrementCounterTTL(key, -value, ttl)
}

func (t *WriteOnlyTransaction) incrementCounter(key string, value int, expireAt *time.Time) error {
	t.append(ResourceCounter, func(ctx context.Context, actx *ActionContext) error {
		query := fmt.Sprintf("INSERT INTO %s (`Key`, Value, ExpireAt) VALUES (?, ?, ?)", quoted(t.stmts.tables.Counter))
		_, err := sqlExecer(actx).ExecContext(ctx, query, key, value, expireAt)
		return err
	})
	return nil
}

// AddToSet upserts value into key's set with the given score.
func (t *WriteOnlyTransaction) AddToSet(key, value string, score float64) error {
	t.append(ResourceSetTag, func(ctx context.Context, actx *ActionContext) error {
		query := fmt.Sprintf(
			"INSERT INTO %s (`Key`, Value, Score) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE Score = VALUES(Score)",
			quoted(t.stmts.tables.Set))
		_, err := sqlExecer(actx).ExecContext(ctx, query, key, value, score)
		return err
	})
	return nil
}

// RemoveFromSet deletes value from key's set.
func (t *WriteOnlyTransaction) RemoveFromSet(key, value string) error {
	t.append(ResourceSetTag, func(ctx context.Context, actx *ActionContext) error {
		query := fmt.Sprintf("DELETE FROM %s WHERE `Key` = ? AND Value = ?", quoted(t.stmts.tables.Set))
		_, err := sqlExecer(actx).ExecContext(ctx, query, key, value)
		return err
	})
	return nil
}

// ExpireSet sets every row under key to expire after ttl.
func (t *WriteOnlyTransaction) ExpireSet(key string, ttl time.Duration) error {
	return t.expireRows(ResourceSetTag, t.stmts.tables.Set, key, ttl)
}

// PersistSet clears the expiry for every row under key.
func (t *WriteOnlyTransaction) PersistSet(key string) error {
	return t.persistRows(ResourceSetTag, t.stmts.tables.Set, key)
}

// AddToList pushes value onto key's list.
func (t *WriteOnlyTransaction) AddToList(key, value string) error {
	t.append(ResourceList, func(ctx context.Context, actx *ActionContext) error {
		query := fmt.Sprintf("INSERT INTO %s (`Key`, Value) VALUES (?, ?)", quoted(t.stmts.tables.List))
		_, err := sqlExecer(actx).ExecContext(ctx, query, key, value)
		return err
	})
	return nil
}

// RemoveFromList deletes every row under key whose value equals value.
func (t *WriteOnlyTransaction) RemoveFromList(key, value string) error {
	t.append(ResourceList, func(ctx context.Context, actx *ActionContext) error {
		query := fmt.Sprintf("DELETE FROM %s WHERE `Key` = ? AND Value = ?", quoted(t.stmts.tables.List))
		_, err := sqlExecer(actx).ExecContext(ctx, query, key, value)
		return err
	})
	return nil
}

// TrimList keeps only the rows ranked [keepStart+1, keepEnd+1] by Id
// ascending within key, deleting the rest (spec §4.8 ordering rule).
func (t *WriteOnlyTransaction) TrimList(key string, keepStart, keepEnd int) error {
	t.append(ResourceList, func(ctx context.Context, actx *ActionContext) error {
		query := fmt.Sprintf(`
			DELETE t FROM %s t
			JOIN (
				SELECT Id, ROW_NUMBER() OVER (ORDER BY Id ASC) AS rnk
				FROM %s WHERE `+"`Key`"+` = ?
			) ranked ON ranked.Id = t.Id
			WHERE ranked.rnk < ? OR ranked.rnk > ?`,
			quoted(t.stmts.tables.List), quoted(t.stmts.tables.List))
		_, err := sqlExecer(actx).ExecContext(ctx, query, key, keepStart+1, keepEnd+1)
		return err
	})
	return nil
}

// ExpireList sets every row under key to expire after ttl.
func (t *WriteOnlyTransaction) ExpireList(key string, ttl time.Duration) error {
	return t.expireRows(ResourceList, t.stmts.tables.List, key, ttl)
}

// PersistList clears the expiry for every row under key.
func (t *WriteOnlyTransaction) PersistList(key string) error {
	return t.persistRows(ResourceList, t.stmts.tables.List, key)
}

// SetRangeInHash upserts an ordered list of field/value pairs into key's
// hash, one row per field.
func (t *WriteOnlyTransaction) SetRangeInHash(key string, pairs []KeyValue) error {
	t.append(ResourceHash, func(ctx context.Context, actx *ActionContext) error {
		execer := sqlExecer(actx)
		query := fmt.Sprintf(
			"INSERT INTO %s (`Key`, Field, Value) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE Value = VALUES(Value)",
			quoted(t.stmts.tables.Hash))
		for _, kv := range pairs {
			if _, err := execer.ExecContext(ctx, query, key, kv.Key, kv.Value); err != nil {
				return err
			}
		}
		return nil
	})
	return nil
}

// RemoveHash deletes every field of key's hash.
func (t *WriteOnlyTransaction) RemoveHash(key string) error {
	t.append(ResourceHash, func(ctx context.Context, actx *ActionContext) error {
		query := fmt.Sprintf("DELETE FROM %s WHERE `Key` = ?", quoted(t.stmts.tables.Hash))
		_, err := sqlExecer(actx).ExecContext(ctx, query, key)
		return err
	})
	return nil
}

// ExpireHash sets every field of key's hash to expire after ttl.
func (t *WriteOnlyTransaction) ExpireHash(key string, ttl time.Duration) error {
	return t.expireRows(ResourceHash, t.stmts.tables.Hash, key, ttl)
}

// PersistHash clears the expiry for every field of key's hash.
func (t *WriteOnlyTransaction) PersistHash(key string) error {
	return t.persistRows(ResourceHash, t.stmts.tables.Hash, key)
}

func (t *WriteOnlyTransaction) expireRows(resource Resource, table, key string, ttl time.Duration) error {
	t.append(resource, func(ctx context.Context, actx *ActionContext) error {
		query := fmt.Sprintf("UPDATE %s SET ExpireAt = ? WHERE `Key` = ?", quoted(table))
		_, err := sqlExecer(actx).ExecContext(ctx, query, t.now().Add(ttl), key)
		return err
	})
	return nil
}

func (t *WriteOnlyTransaction) persistRows(resource Resource, table, key string) error {
	t.append(resource, func(ctx context.Context, actx *ActionContext) error {
		query := fmt.Sprintf("UPDATE %s SET ExpireAt = NULL WHERE `Key` = ?", quoted(table))
		_, err := sqlExecer(actx).ExecContext(ctx, query, key)
		return err
	})
	return nil
}

// Commit borrows a session, runs every buffered command in insertion order
// inside one Repeater batch under the union of the transaction's resources,
// and commits atomically.
func (t *WriteOnlyTransaction) Commit(ctx context.Context, timeout time.Duration) error {
	if len(t.commands) == 0 {
		return nil
	}
	commands := t.commands
	return t.repeater.ExecuteMany(ctx, t.resources, timeout, func(ctx context.Context, actx *ActionContext) error {
		for _, cmd := range commands {
			if err := cmd(ctx, actx); err != nil {
				return err
			}
		}
		return nil
	})
}
