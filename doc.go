// Package sqljobstore is the storage core of a persistent, distributed
// background-job system backed by a MySQL-compatible database.
//
// It owns four tightly coupled subsystems: a composable advisory-lock
// protocol with deadlock-aware retry (Repeater), an at-least-once job
// queue with invisibility timeouts, a write-only transaction that batches
// commands under the union of their required locks, and two maintenance
// workers that roll up counters and sweep expired rows.
//
// Everything outside these four subsystems — job scheduling, the server
// loop, job state machines, the monitoring dashboard — is expected to live
// in a host framework that depends on the capability interfaces exposed
// here (Reader, Writer, Queue, LockManager, ComponentRunner).
package sqljobstore
