package bus

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-scan/modules/types"
)

type observerHolder struct {
	handle   Handle
	observer any
	caps     Capability
	stats    *ObserverStats

	// Set by Unregister; checked before every callback so a removal made
	// during a fan-out is honoured for the remaining deliveries.
	removed atomic.Bool
}

type bus struct {
	mu        sync.RWMutex
	observers []*observerHolder // registration order
	closed    bool

	published   map[Capability]*uint64
	totalPanics uint64

	logger *slog.Logger
}

// New creates a new delegate bus
func New(logger *slog.Logger) Bus {
	if logger == nil {
		logger = slog.Default()
	}
	published := make(map[Capability]*uint64, len(capabilityNames))
	for _, cn := range capabilityNames {
		published[cn.c] = new(uint64)
	}
	return &bus{
		published: published,
		logger:    logger,
	}
}

// Register adds an observer. Its capabilities are detected once, here.
func (b *bus) Register(observer any) (Handle, error) {
	if isNil(observer) {
		return "", ErrNilObserver
	}
	caps := CapabilitiesOf(observer)
	if caps == 0 {
		return "", fmt.Errorf("%w: %T", ErrNoCapabilities, observer)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrBusClosed
	}

	h := Handle(uuid.NewString())
	b.observers = append(b.observers, &observerHolder{
		handle:   h,
		observer: observer,
		caps:     caps,
		stats:    &ObserverStats{Capabilities: caps.Names()},
	})

	b.logger.Debug("delegatebus: observer registered",
		"handle", h,
		"type", fmt.Sprintf("%T", observer),
		"capabilities", caps.Names(),
	)
	return h, nil
}

// isNil also catches a nil pointer wrapped in a non-nil interface
func isNil(observer any) bool {
	if observer == nil {
		return true
	}
	switch v := reflect.ValueOf(observer); v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// Unregister removes an observer. Takes effect before the next delivery.
func (b *bus) Unregister(h Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, holder := range b.observers {
		if holder.handle == h {
			holder.removed.Store(true)
			b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
			return nil
		}
	}
	return ErrObserverNotFound
}

// targets copies the observers with capability c under the read lock, so
// callbacks run without holding it.
func (b *bus) targets(c Capability) []*observerHolder {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}
	atomic.AddUint64(b.published[c], 1)

	out := make([]*observerHolder, 0, len(b.observers))
	for _, holder := range b.observers {
		if holder.caps&c != 0 {
			out = append(out, holder)
		}
	}
	return out
}

func (b *bus) deliver(c Capability, call func(observer any)) int {
	delivered := 0
	for _, holder := range b.targets(c) {
		if holder.removed.Load() {
			continue
		}
		if b.invoke(holder, call) {
			delivered++
		}
	}
	return delivered
}

func (b *bus) invoke(holder *observerHolder, call func(observer any)) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&holder.stats.Panics, 1)
			atomic.AddUint64(&b.totalPanics, 1)
			b.logger.Error("delegatebus: observer panicked",
				"handle", holder.handle,
				"type", fmt.Sprintf("%T", holder.observer),
				"panic", fmt.Sprint(r),
			)
			ok = false
		}
	}()
	call(holder.observer)
	atomic.AddUint64(&holder.stats.Delivered, 1)
	return true
}

// PublishResult delivers to every ResultObserver in registration order
func (b *bus) PublishResult(result types.Result) int {
	return b.deliver(CapResult, func(o any) { o.(ResultObserver).OnResult(result) })
}

// PublishFailure delivers to every FailureObserver
func (b *bus) PublishFailure(failure types.Failure) int {
	return b.deliver(CapFailure, func(o any) { o.(FailureObserver).OnFailure(failure) })
}

// PublishDetection delivers to every DetectionObserver
func (b *bus) PublishDetection(detection types.Detection) int {
	return b.deliver(CapDetection, func(o any) { o.(DetectionObserver).OnDetection(detection) })
}

// PublishCameraState delivers to every LifecycleObserver
func (b *bus) PublishCameraState(state types.CameraState) int {
	return b.deliver(CapLifecycle, func(o any) { o.(LifecycleObserver).OnCameraStateChanged(state) })
}

// PublishScanState delivers to every LifecycleObserver
func (b *bus) PublishScanState(state types.ScanState) int {
	return b.deliver(CapLifecycle, func(o any) { o.(LifecycleObserver).OnScanStateChanged(state) })
}

// PublishDebugFrame delivers to every DebugObserver
func (b *bus) PublishDebugFrame(info types.FrameInfo, diagnostics types.Diagnostics) int {
	return b.deliver(CapDebug, func(o any) { o.(DebugObserver).OnDebugFrame(info, diagnostics) })
}

// HasCapability reports whether any registered observer listens on c
func (b *bus) HasCapability(c Capability) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, holder := range b.observers {
		if holder.caps&c != 0 {
			return true
		}
	}
	return false
}

// Len returns the number of registered observers
func (b *bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// Stats returns a snapshot of bus counters
func (b *bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		Published:   make(map[string]uint64, len(capabilityNames)),
		TotalPanics: atomic.LoadUint64(&b.totalPanics),
		Observers:   make(map[Handle]ObserverStats, len(b.observers)),
	}
	for _, cn := range capabilityNames {
		s.Published[cn.name] = atomic.LoadUint64(b.published[cn.c])
	}
	for _, holder := range b.observers {
		delivered := atomic.LoadUint64(&holder.stats.Delivered)
		s.TotalDelivered += delivered
		s.Observers[holder.handle] = ObserverStats{
			Capabilities: holder.stats.Capabilities,
			Delivered:    delivered,
			Panics:       atomic.LoadUint64(&holder.stats.Panics),
		}
	}
	return s
}

// Close drops every observer. Publish* become no-ops, Register fails.
// Idempotent.
func (b *bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, holder := range b.observers {
		holder.removed.Store(true)
	}
	b.observers = nil
	b.closed = true
}
