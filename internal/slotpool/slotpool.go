// Package slotpool implements a process-wide global slot pool bounding
// concurrent Chunk Worker execution at a fixed global capacity, with two
// lease classes — fixed (reserved per task, served in admission order,
// blocking) and borrow (opportunistic, non-queued; while a fixed reservation
// is pending no new borrow is granted and outstanding borrow leases are
// signalled to yield, which their holders do by releasing them).
package slotpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Pool is the single process-wide counting resource plus the
// borrow-fairness bookkeeping. The weighted semaphore does the actual
// capacity accounting (and already serves blocked Acquire callers in FIFO
// order); pendingFixed is the extra signal a plain semaphore doesn't give
// us, letting a borrowed lease notice a fixed reservation is waiting and
// yield at its next safe point instead of being force-revoked mid-transfer.
type Pool struct {
	capacity int64
	sem      *semaphore.Weighted

	pendingFixed atomic.Int64

	mu       sync.Mutex
	borrowed map[*Lease]struct{}
}

func New(capacity int64) *Pool {
	return &Pool{
		capacity: capacity,
		sem:      semaphore.NewWeighted(capacity),
		borrowed: make(map[*Lease]struct{}),
	}
}

func (p *Pool) Capacity() int64 { return p.capacity }

// Lease is a transient capability proving its holder may run one
// outstanding chunk. It is released exactly once, whether
// the worker succeeds, fails, or is cancelled.
type Lease struct {
	pool      *Pool
	weight    int64
	borrowed  bool
	once      sync.Once
	yield     chan struct{}
	yieldOnce sync.Once
}

// Yield fires once a fixed reservation becomes pending while this is a
// borrowed lease; the holder should finish its current unit of work and
// call Release promptly rather than start another. Fixed leases never
// yield — they were reserved up front and are the caller's own budget.
func (l *Lease) Yield() <-chan struct{} {
	return l.yield
}

// Release returns the lease's weight to the pool. Safe to call more than
// once; only the first call has effect.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l)
	})
}

func (p *Pool) release(l *Lease) {
	if l.borrowed {
		p.mu.Lock()
		delete(p.borrowed, l)
		p.mu.Unlock()
	}
	if l.weight > 0 {
		p.sem.Release(l.weight)
	}
}

// AcquireFixed reserves k slots for a File Task Engine transitioning
// pending -> downloading. It blocks, honoring ctx cancellation. The
// underlying semaphore already queues blocked Acquire callers in FIFO
// arrival order, so a request only ever waits behind requests that arrived
// before it.
func (p *Pool) AcquireFixed(ctx context.Context, k int64) (*Lease, error) {
	if k <= 0 {
		return &Lease{pool: p, yield: closedChan()}, nil
	}

	p.pendingFixed.Add(1)
	defer p.pendingFixed.Add(-1)

	if err := p.sem.Acquire(ctx, k); err != nil {
		return nil, err
	}
	return &Lease{pool: p, weight: k, yield: closedChan()}, nil
}

// TryAcquireBorrow opportunistically grabs one additional slot when the
// pool is otherwise idle. It refuses to borrow while any fixed reservation
// is queued so new admissions are never starved.
func (p *Pool) TryAcquireBorrow() (*Lease, bool) {
	if p.pendingFixed.Load() > 0 {
		return nil, false
	}
	if !p.sem.TryAcquire(1) {
		return nil, false
	}

	lease := &Lease{pool: p, weight: 1, borrowed: true, yield: make(chan struct{})}
	p.mu.Lock()
	p.borrowed[lease] = struct{}{}
	p.mu.Unlock()

	go p.watchForYield(lease)
	return lease, true
}

// watchForYield polls for a pending fixed reservation and signals the
// borrower to wind down; it never touches the semaphore accounting itself.
func (p *Pool) watchForYield(l *Lease) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		p.mu.Lock()
		_, stillBorrowed := p.borrowed[l]
		p.mu.Unlock()

		if !stillBorrowed {
			return
		}
		if p.pendingFixed.Load() > 0 {
			l.yieldOnce.Do(func() { close(l.yield) })
			return
		}
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
