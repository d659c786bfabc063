package sqljobstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func TestIsDeadlockErr_RecognizesKnownNumbers(t *testing.T) {
	for number := range deadlockNumbers {
		err := &mysql.MySQLError{Number: number, Message: "deadlock"}
		assert.True(t, isDeadlockErr(err), "number %d should be deadlock-class", number)
	}
}

func TestIsDeadlockErr_RejectsOtherErrors(t *testing.T) {
	assert.False(t, isDeadlockErr(&mysql.MySQLError{Number: 1062, Message: "duplicate"}))
	assert.False(t, isDeadlockErr(errors.New("boom")))
	assert.False(t, isDeadlockErr(nil))
}

func TestIsDeadlockErr_UnwrapsWrappedError(t *testing.T) {
	wrapped := fmt.Errorf("running statement: %w", &mysql.MySQLError{Number: 1213, Message: "deadlock"})
	assert.True(t, isDeadlockErr(wrapped))
}

func TestChainDeadlock_NilCauseReturnsOuter(t *testing.T) {
	outer := ErrTimeout
	assert.Same(t, outer, chainDeadlock(outer, nil))
}

func TestChainDeadlock_WrapsCause(t *testing.T) {
	cause := errors.New("deadlock found")
	err := chainDeadlock(ErrTimeout, cause)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "deadlock found")
}
