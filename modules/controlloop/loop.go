// Package controlloop provides the single control goroutine that owns a
// scanning session: every state mutation is issued from it and every
// observer notification is delivered on it.
//
// Design:
//   - One goroutine drains an unbounded FIFO of tasks (sync.Cond, like a
//     mailbox that never drops).
//   - Post never blocks. Tasks run strictly in posting order.
//   - IsCurrent answers "am I on the control goroutine?" using the goroutine
//     id of the running loop, so components can assert their preconditions.
//   - A panicking task is recovered and logged; the loop keeps running.
//
// Thread-safety: Post, Do, IsCurrent, Stop and Stats are safe from any
// goroutine.
package controlloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

var (
	// ErrStopped is returned when a task is submitted to a stopped loop
	ErrStopped = errors.New("controlloop: loop stopped")
	// ErrAlreadyRunning is returned when Run is called twice
	ErrAlreadyRunning = errors.New("controlloop: loop already running")
)

// Loop is the control goroutine
type Loop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	running bool
	ran     bool

	owner atomic.Int64 // goroutine id of Run, 0 when not running
	done  chan struct{}

	name   string
	logger *slog.Logger

	posted   uint64
	executed uint64
	panics   uint64
}

// Stats is a snapshot of loop counters
type Stats struct {
	Posted   uint64
	Executed uint64
	Panics   uint64
	Pending  int
	Running  bool
}

// Option customizes a Loop
type Option func(*Loop)

// WithLogger sets the logger used for recovered panics
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithName labels the loop in logs
func WithName(name string) Option {
	return func(l *Loop) { l.name = name }
}

// New creates a loop. It does nothing until Run or Start.
func New(opts ...Option) *Loop {
	l := &Loop{
		done:   make(chan struct{}),
		name:   "control",
		logger: slog.Default(),
	}
	l.cond = sync.NewCond(&l.mu)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run turns the calling goroutine into the control goroutine and executes
// tasks until ctx is cancelled or Stop is called. Tasks already queued when
// the loop stops are still executed before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	if l.ran {
		l.mu.Unlock()
		return ErrStopped
	}
	l.running = true
	l.ran = true
	l.owner.Store(goid.Get())
	l.mu.Unlock()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			l.Stop()
		case <-stopWatch:
		}
	}()

	l.logger.Debug("controlloop: running", "loop", l.name)

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.running = false
			l.owner.Store(0)
			l.mu.Unlock()
			break
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.execute(task)
	}

	close(l.done)
	l.logger.Debug("controlloop: stopped", "loop", l.name,
		"executed", atomic.LoadUint64(&l.executed),
	)
	return nil
}

// Start runs the loop on a new goroutine and returns once it is live
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running || l.ran {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	l.mu.Unlock()

	ready := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
	}()
	if !l.Post(func() { close(ready) }) {
		return ErrStopped
	}
	select {
	case <-ready:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

func (l *Loop) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&l.panics, 1)
			l.logger.Error("controlloop: task panicked",
				"loop", l.name,
				"panic", fmt.Sprint(r),
			)
		}
		atomic.AddUint64(&l.executed, 1)
	}()
	task()
}

// Post enqueues fn. Returns false if the loop is stopped.
//
// Semantics: non-blocking, FIFO, never drops.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return false
	}
	l.queue = append(l.queue, fn)
	atomic.AddUint64(&l.posted, 1)
	l.cond.Signal()
	return true
}

// Do runs fn on the control goroutine and waits for it to finish. When
// called from the control goroutine itself, fn runs inline.
func (l *Loop) Do(fn func()) error {
	if l.IsCurrent() {
		fn()
		return nil
	}

	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	<-done
	return nil
}

// Flush waits until every task posted before the call has executed
func (l *Loop) Flush() error {
	return l.Do(func() {})
}

// IsCurrent reports whether the caller runs on the control goroutine
func (l *Loop) IsCurrent() bool {
	owner := l.owner.Load()
	return owner != 0 && owner == goid.Get()
}

// Stop stops accepting tasks. Queued tasks still run. Idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}
	l.stopped = true
	l.cond.Broadcast()
}

// Done is closed once Run has returned
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Stats returns a snapshot of loop counters
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	pending := len(l.queue)
	running := l.running
	l.mu.Unlock()

	return Stats{
		Posted:   atomic.LoadUint64(&l.posted),
		Executed: atomic.LoadUint64(&l.executed),
		Panics:   atomic.LoadUint64(&l.panics),
		Pending:  pending,
		Running:  running,
	}
}
