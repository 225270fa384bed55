// Package delegatebus fans scanning session notifications out to observers.
//
// An observer is any value implementing one or more capability interfaces:
//
//	ResultObserver     OnResult(types.Result)
//	FailureObserver    OnFailure(types.Failure)
//	DetectionObserver  OnDetection(types.Detection)
//	LifecycleObserver  OnCameraStateChanged / OnScanStateChanged
//	DebugObserver      OnDebugFrame(types.FrameInfo, types.Diagnostics)
//
// Capabilities are detected once, at Register. Only observers implementing a
// channel's interface are called for that channel, in registration order.
//
// Usage:
//
//	bus := delegatebus.New(logger)
//	defer bus.Close()
//
//	h, err := bus.Register(myObserver)
//	...
//	bus.Unregister(h)
//
// Semantics:
//   - The bus never owns observers; Unregister only forgets them.
//   - Unregister takes effect before the next delivery begins, including
//     the remaining deliveries of a fan-out already in progress.
//   - Publish* are meant to be called from the session's control goroutine.
//     Callbacks run synchronously on the caller; the bus lock is not held.
//   - A panicking observer is recovered, logged and counted; the remaining
//     observers are still called.
package delegatebus

import (
	"log/slog"

	"github.com/e7canasta/orion-scan/modules/delegatebus/internal/bus"
)

// Public API - Re-export internal types as stable contract

// Bus fans session notifications out to registered observers
type Bus = bus.Bus

// Handle identifies a registration
type Handle = bus.Handle

// Capability is one notification channel
type Capability = bus.Capability

const (
	CapResult    = bus.CapResult
	CapFailure   = bus.CapFailure
	CapDetection = bus.CapDetection
	CapLifecycle = bus.CapLifecycle
	CapDebug     = bus.CapDebug
)

type (
	ResultObserver    = bus.ResultObserver
	FailureObserver   = bus.FailureObserver
	DetectionObserver = bus.DetectionObserver
	LifecycleObserver = bus.LifecycleObserver
	DebugObserver     = bus.DebugObserver
)

// Stats is a snapshot of bus counters
type Stats = bus.Stats

// ObserverStats tracks deliveries to one observer
type ObserverStats = bus.ObserverStats

// Public API errors
var (
	ErrBusClosed        = bus.ErrBusClosed
	ErrNoCapabilities   = bus.ErrNoCapabilities
	ErrObserverNotFound = bus.ErrObserverNotFound
	ErrNilObserver      = bus.ErrNilObserver
)

// New creates a bus. A nil logger uses slog.Default().
func New(logger *slog.Logger) Bus {
	return bus.New(logger)
}

// CapabilitiesOf reports which observer interfaces v implements
func CapabilitiesOf(v any) Capability {
	return bus.CapabilitiesOf(v)
}
