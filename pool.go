package sqljobstore

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"oss.nandlabs.io/golly/l3"
)

// janitorInterval is how often the pool's background task wakes to
// consider discarding one idle session, per spec §4.3.
const janitorInterval = time.Second

// Session is a single dedicated database connection. Advisory locks are
// session-scoped, so every component that needs lock affinity borrows one
// of these rather than reaching into a shared *sql.DB.
type Session = *sql.Conn

// Recycler decides whether a returned session is fit to re-enter the pool.
// Returning false (or the pool being at capacity) disposes the session
// instead of recycling it.
type Recycler func(ctx context.Context, s Session) bool

// DefaultRecycler calls RELEASE_ALL_LOCKS() on the session before keeping
// it, so that stale locks from crashed code paths cannot leak into whatever
// borrows the session next (Design Notes §9, "Session affinity").
func DefaultRecycler(ctx context.Context, s Session) bool {
	_, err := s.ExecContext(ctx, "DO RELEASE_ALL_LOCKS()")
	return err == nil
}

// ConnectionPool is a bounded pool of open database sessions, modeled on
// nandlabs/golly's generic object pool (pool.objectCache) specialized to
// *sql.Conn. It amortizes session creation and concentrates session-scoped
// advisory locks into reusable carriers.
type ConnectionPool struct {
	db       *sql.DB
	min      int
	max      int
	recycle  Recycler
	logger   l3.Logger
	now      func() time.Time

	mu        sync.Mutex
	idle      []Session
	current   int
	closed    bool
	available chan struct{}

	stopJanitor chan struct{}
	janitorDone chan struct{}
}

// NewConnectionPool creates a pool bounded to [min, max] sessions against
// db. recycle may be nil, in which case DefaultRecycler is used.
func NewConnectionPool(db *sql.DB, min, max int, recycle Recycler, logger l3.Logger, now func() time.Time) (*ConnectionPool, error) {
	if max < 1 {
		max = 1
	}
	if min < 1 {
		min = 1
	}
	if min > max {
		min = max
	}
	if recycle == nil {
		recycle = DefaultRecycler
	}
	if logger == nil {
		logger = l3.Get()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	p := &ConnectionPool{
		db:          db,
		min:         min,
		max:         max,
		recycle:     recycle,
		logger:      logger,
		now:         now,
		available:   make(chan struct{}, max),
		stopJanitor: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}

	go p.runJanitor()
	return p, nil
}

// Lease carries one borrowed session. Dispose returns it to the pool
// (subject to recycling) or disposes of it outright.
type Lease struct {
	pool    *ConnectionPool
	Session Session
	done    bool
	mu      sync.Mutex
}

// Dispose returns the session to the pool, running the recycler first. A
// double-dispose is a no-op.
func (l *Lease) Dispose(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return
	}
	l.done = true
	l.pool.release(ctx, l.Session)
}

// Borrow hands out a session. It returns an idle session if one is
// available, creates a new one if the pool is below max, or blocks until
// one of those becomes true or ctx is done.
func (p *ConnectionPool) Borrow(ctx context.Context) (*Lease, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if n := len(p.idle); n > 0 {
			s := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return &Lease{pool: p, Session: s}, nil
		}
		if p.current < p.max {
			p.current++
			p.mu.Unlock()
			s, err := p.db.Conn(ctx)
			if err != nil {
				p.mu.Lock()
				p.current--
				p.mu.Unlock()
				return nil, err
			}
			return &Lease{pool: p, Session: s}, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.available:
			// loop and retry the fast paths above
		}
	}
}

// release is the internal counterpart of Lease.Dispose: it runs the
// recycler and either re-enqueues the session or disposes it.
func (p *ConnectionPool) release(ctx context.Context, s Session) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		_ = s.Close()
		p.mu.Lock()
		p.current--
		p.mu.Unlock()
		p.notify()
		return
	}

	keep := p.recycle(ctx, s)

	p.mu.Lock()
	if keep && p.current <= p.max {
		p.idle = append(p.idle, s)
		p.mu.Unlock()
		p.notify()
		return
	}
	p.current--
	p.mu.Unlock()
	if err := s.Close(); err != nil {
		p.logger.WarnF("sqljobstore: closing discarded session: %v", err)
	}
	p.notify()
}

func (p *ConnectionPool) notify() {
	select {
	case p.available <- struct{}{}:
	default:
	}
}

// runJanitor wakes roughly every second and discards at most one idle
// session per tick once the pool holds more than min sessions.
func (p *ConnectionPool) runJanitor() {
	defer close(p.janitorDone)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopJanitor:
			return
		case <-ticker.C:
			p.evictOne()
		}
	}
}

func (p *ConnectionPool) evictOne() {
	p.mu.Lock()
	if p.closed || p.current <= p.min || len(p.idle) == 0 {
		p.mu.Unlock()
		return
	}
	s := p.idle[0]
	p.idle = p.idle[1:]
	p.current--
	p.mu.Unlock()

	if err := s.Close(); err != nil {
		p.logger.WarnF("sqljobstore: closing idle session during janitor sweep: %v", err)
	}
}

// Close stops the janitor and disposes every idle session. Leases still
// outstanding dispose their sessions (rather than re-enqueuing) the next
// time Dispose is called, because release observes p.closed.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.stopJanitor)
	<-p.janitorDone

	var firstErr error
	for _, s := range idle {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Current returns the total number of live sessions (idle + borrowed).
func (p *ConnectionPool) Current() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}
