package sqljobstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOptions_NormalizeDefaults(t *testing.T) {
	o := Options{}.normalize()

	assert.Equal(t, DefaultQueuePollInterval, o.QueuePollInterval)
	assert.Equal(t, DefaultJobExpirationCheckInterval, o.JobExpirationCheckInterval)
	assert.Equal(t, DefaultCountersAggregateInterval, o.CountersAggregateInterval)
	assert.Equal(t, DefaultInvisibilityTimeout, o.InvisibilityTimeout)
	assert.Equal(t, DefaultTransactionTimeout, o.TransactionTimeout)
	assert.Equal(t, DefaultDashboardJobListLimit, o.DashboardJobListLimit)
	assert.Equal(t, defaultPoolMin, o.PoolMinSize)
	assert.Equal(t, defaultPoolMax, o.PoolMaxSize)
	assert.NotNil(t, o.Logger)
	assert.NotNil(t, o.Now)
	assert.True(t, o.PrepareSchemaIfNecessary)
}

func TestOptions_NormalizeClampsQueuePollInterval(t *testing.T) {
	o := Options{QueuePollInterval: 10 * time.Millisecond}.normalize()
	assert.Equal(t, MinQueuePollInterval, o.QueuePollInterval)
}

func TestOptions_NormalizePreservesExplicitValues(t *testing.T) {
	o := Options{PoolMinSize: 4, PoolMaxSize: 8}.normalize()
	assert.Equal(t, 4, o.PoolMinSize)
	assert.Equal(t, 8, o.PoolMaxSize)
}

func TestOptions_NormalizeClampsMaxBelowMin(t *testing.T) {
	o := Options{PoolMinSize: 5, PoolMaxSize: 2}.normalize()
	assert.Equal(t, 5, o.PoolMinSize)
	assert.Equal(t, 5, o.PoolMaxSize)
}

func TestDefaultOptions_PrepareSchemaTrue(t *testing.T) {
	o := DefaultOptions()
	assert.True(t, o.PrepareSchemaIfNecessary)
}
