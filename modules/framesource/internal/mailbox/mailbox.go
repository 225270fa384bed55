// Package mailbox is a single-slot, latest-wins hand-off between a producer
// (GStreamer callback, capture ticker) and one consumer goroutine.
//
// Publish never blocks: an unconsumed frame is overwritten and counted as a
// drop. Pump blocks on a sync.Cond until a frame is available, the mailbox is
// closed or its context is cancelled.
package mailbox

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-scan/modules/types"
)

// Mailbox holds at most one pending frame
type Mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  types.Frame
	full   bool
	closed bool

	published uint64
	drops     uint64
	delivered uint64
}

// New creates an empty mailbox
func New() *Mailbox {
	m := &Mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Publish stores frame, replacing any unconsumed one. The mailbox takes
// ownership of frame.Data. Returns false once the mailbox is closed.
func (m *Mailbox) Publish(frame types.Frame) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	if m.full {
		atomic.AddUint64(&m.drops, 1)
	}
	m.frame = frame
	m.full = true
	atomic.AddUint64(&m.published, 1)
	m.cond.Signal()
	return true
}

// Pump hands each consumed frame to fn on the calling goroutine until ctx is
// done or Close is called. A frame still pending at exit is discarded.
func (m *Mailbox) Pump(ctx context.Context, fn func(types.Frame)) {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	for {
		m.mu.Lock()
		for !m.full && !m.closed && ctx.Err() == nil {
			m.cond.Wait()
		}
		if m.closed || ctx.Err() != nil {
			m.mu.Unlock()
			return
		}
		frame := m.frame
		m.frame = types.Frame{}
		m.full = false
		m.mu.Unlock()

		atomic.AddUint64(&m.delivered, 1)
		fn(frame)
	}
}

// Close wakes the consumer and rejects further frames. Idempotent.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.frame = types.Frame{}
	m.full = false
	m.cond.Broadcast()
}

// Published returns the number of accepted frames
func (m *Mailbox) Published() uint64 { return atomic.LoadUint64(&m.published) }

// Drops returns the number of frames overwritten before consumption
func (m *Mailbox) Drops() uint64 { return atomic.LoadUint64(&m.drops) }

// Delivered returns the number of frames handed to the consumer
func (m *Mailbox) Delivered() uint64 { return atomic.LoadUint64(&m.delivered) }
