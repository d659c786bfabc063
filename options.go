package sqljobstore

import (
	"time"

	"oss.nandlabs.io/golly/l3"
)

// Default values for every Options field that isn't set explicitly,
// mirroring the constant-default style of specvital/worker's
// internal/db.defaultMaxConns/defaultMinConns.
const (
	DefaultQueuePollInterval         = 15 * time.Second
	MinQueuePollInterval             = 1 * time.Second
	DefaultJobExpirationCheckInterval = time.Hour
	DefaultCountersAggregateInterval = 5 * time.Minute
	DefaultInvisibilityTimeout       = 30 * time.Minute
	DefaultTransactionTimeout        = time.Minute
	DefaultDashboardJobListLimit     = 1000

	defaultPoolMin = 1
	defaultPoolMax = 10
)

// IsolationLevel is a hint passed through to the write-only transaction's
// batch commit. It may be ignored by a batch that doesn't need it.
type IsolationLevel int

const (
	IsolationDefault IsolationLevel = iota
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

// Options configures a Storage instance. Every field has a documented
// default applied by normalize; a caller only needs to set what it wants to
// override.
type Options struct {
	// TablesPrefix is prepended to every table name and every advisory
	// lock name, letting multiple independent deployments share one
	// database.
	TablesPrefix string

	// PrepareSchemaIfNecessary runs the schema installer and migrations
	// during NewStorage. Default true. normalize sets it to true whatever
	// the caller passed, so a false value is not honoured and NewStorage
	// always runs the installer.
	PrepareSchemaIfNecessary bool

	// QueuePollInterval bounds how long Dequeue sleeps between empty
	// claims. Lower-clamped at MinQueuePollInterval. Default 15s.
	QueuePollInterval time.Duration

	// JobExpirationCheckInterval is how long the expiration manager
	// sleeps after an exhaustive batch that deleted nothing. Default 1h.
	JobExpirationCheckInterval time.Duration

	// CountersAggregateInterval is how long the counters aggregator
	// sleeps after a completed run. Default 5m.
	CountersAggregateInterval time.Duration

	// InvisibilityTimeout is the queue-slot stale cutoff: a claimed row
	// older than this is reclaimable. Default 30m.
	InvisibilityTimeout time.Duration

	// TransactionTimeout upper-bounds a write-only transaction's batch
	// commit, including lock acquisition. Default 1m.
	TransactionTimeout time.Duration

	// DashboardJobListLimit is opaque to the core; it is only read back by
	// monitoring code outside this package.
	DashboardJobListLimit int

	// TransactionIsolationLevel is a hint for the batch commit path.
	TransactionIsolationLevel IsolationLevel

	// PoolMinSize / PoolMaxSize bound the connection pool. Defaults 1/10.
	PoolMinSize int
	PoolMaxSize int

	// Logger receives leveled diagnostic output from every component.
	// Defaults to l3.Get(), golly's logger for this package.
	Logger l3.Logger

	// Now returns the current time, always read as UTC by every
	// component. Defaults to time.Now().UTC. Overriding it is how tests
	// control "now" without sleeping wall-clock time.
	Now func() time.Time
}

// normalize returns a copy of o with every zero-value field replaced by its
// documented default.
func (o Options) normalize() Options {
	out := o
	if out.QueuePollInterval <= 0 {
		out.QueuePollInterval = DefaultQueuePollInterval
	}
	if out.QueuePollInterval < MinQueuePollInterval {
		out.QueuePollInterval = MinQueuePollInterval
	}
	if out.JobExpirationCheckInterval <= 0 {
		out.JobExpirationCheckInterval = DefaultJobExpirationCheckInterval
	}
	if out.CountersAggregateInterval <= 0 {
		out.CountersAggregateInterval = DefaultCountersAggregateInterval
	}
	if out.InvisibilityTimeout <= 0 {
		out.InvisibilityTimeout = DefaultInvisibilityTimeout
	}
	if out.TransactionTimeout <= 0 {
		out.TransactionTimeout = DefaultTransactionTimeout
	}
	if out.DashboardJobListLimit <= 0 {
		out.DashboardJobListLimit = DefaultDashboardJobListLimit
	}
	if out.PoolMinSize <= 0 {
		out.PoolMinSize = defaultPoolMin
	}
	if out.PoolMaxSize <= 0 || out.PoolMaxSize < out.PoolMinSize {
		out.PoolMaxSize = defaultPoolMax
		if out.PoolMaxSize < out.PoolMinSize {
			out.PoolMaxSize = out.PoolMinSize
		}
	}
	if out.Logger == nil {
		out.Logger = l3.Get()
	}
	if out.Now == nil {
		out.Now = func() time.Time { return time.Now().UTC() }
	}
	if !out.PrepareSchemaIfNecessary {
		out.PrepareSchemaIfNecessary = true
	}
	return out
}

// DefaultOptions returns an Options value with PrepareSchemaIfNecessary set
// to true and every other field at its documented default.
func DefaultOptions() Options {
	return Options{}.normalize()
}
