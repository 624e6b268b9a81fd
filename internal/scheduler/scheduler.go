// Package scheduler abstracts the host platform's execution contexts as
// one capability: run a callback, optionally scoped to an identity,
// optionally after a delay. Two interchangeable variants exist: a
// single global dispatch context and a per-identity serial queue. The
// variant is selected explicitly at startup, not discovered through
// ambient lookup.
package scheduler

import (
	"sync"
	"time"
)

// Runner executes callbacks on the host's terms. Callbacks scheduled
// for the same identity run in submission order on every variant.
type Runner interface {
	// Run executes fn on the shared execution context.
	Run(fn func())
	// RunFor executes fn on the execution context owned by the
	// identity, serialized with other callbacks for the same identity.
	RunFor(ownerID string, fn func())
	// RunAfter executes fn on the shared context after d. The returned
	// cancel stops a pending execution; it is a no-op once fn started.
	RunAfter(d time.Duration, fn func()) (cancel func())
	// Stop drains queued callbacks and releases the runner. No callback
	// starts after Stop returns.
	Stop()
}

// --- global variant ---

// Global runs every callback on one dispatch goroutine, the model for
// hosts with a single shared execution context.
type Global struct {
	tasks   chan func()
	done    chan struct{}
	mu      sync.Mutex
	stopped bool
}

// NewGlobal starts the dispatch goroutine.
func NewGlobal(queueSize int) *Global {
	if queueSize < 1 {
		queueSize = 256
	}
	g := &Global{
		tasks: make(chan func(), queueSize),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(g.done)
		for fn := range g.tasks {
			fn()
		}
	}()
	return g
}

func (g *Global) Run(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	g.tasks <- fn
}

// RunFor ignores the identity: a single context serializes everything.
func (g *Global) RunFor(ownerID string, fn func()) { g.Run(fn) }

func (g *Global) RunAfter(d time.Duration, fn func()) (cancel func()) {
	timer := time.AfterFunc(d, func() { g.Run(fn) })
	return func() { timer.Stop() }
}

func (g *Global) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	close(g.tasks)
	g.mu.Unlock()
	<-g.done
}

// --- per-identity variant ---

// PerIdentity gives each identity its own serial queue, the model for
// hosts that pin side effects to a user's region or session. Queues are
// created lazily on first use.
type PerIdentity struct {
	queueSize int

	mu      sync.Mutex
	queues  map[string]*ownerQueue
	wg      sync.WaitGroup
	stopped bool

	shared *Global
}

// ownerQueue is one identity's serial queue. Its own mutex guards the
// closed flag, so a send that blocks on a full queue holds no lock
// shared with other identities.
type ownerQueue struct {
	mu     sync.Mutex
	tasks  chan func()
	closed bool
}

func (q *ownerQueue) send(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.tasks <- fn
}

func (q *ownerQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
}

// NewPerIdentity creates the runner. queueSize bounds each identity's
// queue.
func NewPerIdentity(queueSize int) *PerIdentity {
	if queueSize < 1 {
		queueSize = 64
	}
	return &PerIdentity{
		queueSize: queueSize,
		queues:    make(map[string]*ownerQueue),
		shared:    NewGlobal(queueSize),
	}
}

func (p *PerIdentity) Run(fn func()) { p.shared.Run(fn) }

// RunFor enqueues on the identity's queue. The runner-wide lock covers
// only map lookup and queue creation; the send itself is guarded per
// queue, so one identity backed up against its bound never stalls
// submissions for another.
func (p *PerIdentity) RunFor(ownerID string, fn func()) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	q, ok := p.queues[ownerID]
	if !ok {
		q = &ownerQueue{tasks: make(chan func(), p.queueSize)}
		p.queues[ownerID] = q
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range q.tasks {
				task()
			}
		}()
	}
	p.mu.Unlock()

	q.send(fn)
}

func (p *PerIdentity) RunAfter(d time.Duration, fn func()) (cancel func()) {
	return p.shared.RunAfter(d, fn)
}

func (p *PerIdentity) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	queues := make([]*ownerQueue, 0, len(p.queues))
	for _, q := range p.queues {
		queues = append(queues, q)
	}
	p.mu.Unlock()

	// Closing takes each queue's lock, so it waits out any in-flight
	// send on that queue instead of racing it.
	for _, q := range queues {
		q.close()
	}
	p.wg.Wait()
	p.shared.Stop()
}

// New selects a variant by name; unknown names fall back to the global
// variant.
func New(variant string, queueSize int) Runner {
	if variant == "per-identity" {
		return NewPerIdentity(queueSize)
	}
	return NewGlobal(queueSize)
}
