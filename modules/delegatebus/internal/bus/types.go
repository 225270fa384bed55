package bus

import (
	"errors"

	"github.com/e7canasta/orion-scan/modules/types"
)

// Internal errors - mapped to public errors in delegatebus package
var (
	ErrBusClosed        = errors.New("delegatebus: bus is closed")
	ErrNoCapabilities   = errors.New("delegatebus: observer implements no observer capability")
	ErrObserverNotFound = errors.New("delegatebus: observer not found")
	ErrNilObserver      = errors.New("delegatebus: nil observer")
)

// Handle identifies a registration. Returned by Register, consumed by Unregister.
type Handle string

// Capability is one notification channel an observer may listen on
type Capability uint8

const (
	CapResult Capability = 1 << iota
	CapFailure
	CapDetection
	CapLifecycle
	CapDebug
)

var capabilityNames = []struct {
	c    Capability
	name string
}{
	{CapResult, "result"},
	{CapFailure, "failure"},
	{CapDetection, "detection"},
	{CapLifecycle, "lifecycle"},
	{CapDebug, "debug"},
}

// Names lists the capabilities in the set, in declaration order
func (c Capability) Names() []string {
	var out []string
	for _, cn := range capabilityNames {
		if c&cn.c != 0 {
			out = append(out, cn.name)
		}
	}
	return out
}

// ResultObserver receives recognized results
type ResultObserver interface {
	OnResult(result types.Result)
}

// FailureObserver receives non-fatal recognition failures
type FailureObserver interface {
	OnFailure(failure types.Failure)
}

// DetectionObserver receives "object located, not yet recognized" hints
type DetectionObserver interface {
	OnDetection(detection types.Detection)
}

// LifecycleObserver receives camera and scanning state transitions
type LifecycleObserver interface {
	OnCameraStateChanged(state types.CameraState)
	OnScanStateChanged(state types.ScanState)
}

// DebugObserver receives per-frame metadata and engine diagnostics.
// FrameInfo never references the source's pixel buffer.
type DebugObserver interface {
	OnDebugFrame(info types.FrameInfo, diagnostics types.Diagnostics)
}

// CapabilitiesOf detects which observer interfaces v implements
func CapabilitiesOf(v any) Capability {
	var c Capability
	if _, ok := v.(ResultObserver); ok {
		c |= CapResult
	}
	if _, ok := v.(FailureObserver); ok {
		c |= CapFailure
	}
	if _, ok := v.(DetectionObserver); ok {
		c |= CapDetection
	}
	if _, ok := v.(LifecycleObserver); ok {
		c |= CapLifecycle
	}
	if _, ok := v.(DebugObserver); ok {
		c |= CapDebug
	}
	return c
}

// ObserverStats tracks deliveries to one observer
type ObserverStats struct {
	Capabilities []string
	Delivered    uint64
	Panics       uint64
}

// Stats is a snapshot of bus counters
type Stats struct {
	// Published counts Publish* calls per channel name
	Published map[string]uint64
	// TotalDelivered is the sum of callbacks invoked across observers
	TotalDelivered uint64
	// TotalPanics is the sum of recovered observer panics
	TotalPanics uint64
	// Observers contains the per-observer breakdown
	Observers map[Handle]ObserverStats
}

// Bus fans session notifications out to registered observers
type Bus interface {
	Register(observer any) (Handle, error)
	Unregister(h Handle) error

	PublishResult(result types.Result) int
	PublishFailure(failure types.Failure) int
	PublishDetection(detection types.Detection) int
	PublishCameraState(state types.CameraState) int
	PublishScanState(state types.ScanState) int
	PublishDebugFrame(info types.FrameInfo, diagnostics types.Diagnostics) int

	HasCapability(c Capability) bool
	Len() int
	Stats() Stats
	Close()
}
