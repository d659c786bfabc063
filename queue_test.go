package sqljobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobQueue_Enqueue_RejectsEmptyQueueName(t *testing.T) {
	q := &JobQueue{stmts: newStatements("")}
	err := q.Enqueue(context.Background(), "", "1")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestJobQueue_Enqueue_RejectsInvalidJobID(t *testing.T) {
	q := &JobQueue{stmts: newStatements("")}
	err := q.Enqueue(context.Background(), "default", "not-a-number")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestJobQueue_Dequeue_RejectsEmptyQueueList(t *testing.T) {
	q := &JobQueue{stmts: newStatements("")}
	_, err := q.Dequeue(context.Background(), nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFetchedJob_DoubleDisposeIsNoop(t *testing.T) {
	f := &FetchedJob{removed: true, disposed: true}
	err := f.Dispose(context.Background())
	assert.NoError(t, err)
}
