package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/e7canasta/orion-scan/modules/delegatebus"
	"github.com/e7canasta/orion-scan/modules/region"
	"github.com/e7canasta/orion-scan/modules/settings"
	"github.com/e7canasta/orion-scan/modules/types"
)

// Internal errors - mapped to public errors in scansession package
var (
	ErrNilSettings       = errors.New("scansession: nil settings snapshot")
	ErrMissingLoop       = errors.New("scansession: control loop is required")
	ErrMissingSource     = errors.New("scansession: frame source is required")
	ErrMissingEngine     = errors.New("scansession: recognizer engine is required")
	ErrTorchUnsupported  = errors.New("scansession: frame source has no torch")
	ErrCameraPaused      = errors.New("scansession: camera is paused")
	ErrSourceStartFailed = errors.New("scansession: frame source failed to start")
)

// PreconditionViolation is raised (strict mode) or returned/logged when a
// control operation is called off the control goroutine or after Close.
type PreconditionViolation struct {
	Op     string
	Reason string
}

func (p *PreconditionViolation) Error() string {
	return fmt.Sprintf("scansession: precondition violated: %s: %s", p.Op, p.Reason)
}

// ControlLoop is the subset of controlloop.Loop the session needs
type ControlLoop interface {
	Post(fn func()) bool
	IsCurrent() bool
}

// FrameSource produces frames by calling onFrame on its own goroutine(s).
//
// Contract:
//   - Start begins capture; onFrame may be called until Stop returns.
//   - The frame's Data is only valid during the onFrame call.
//   - onFrame must not be called concurrently with itself by a single
//     source, but the session tolerates it (extra frames are dropped).
type FrameSource interface {
	Start(ctx context.Context, onFrame func(types.Frame)) error
	Stop() error
}

// TorchController is implemented by sources that drive a torch/illuminator
type TorchController interface {
	SetTorch(on bool) error
}

// Engine is the pluggable recognizer.
//
// The session guarantees at most one call into the engine at a time, and
// that ResetInternalState/Reconfigure are only invoked between Process calls.
type Engine interface {
	Process(frame types.Frame, r region.Region, s *settings.Snapshot) types.Outcome
	ResetInternalState()
	Reconfigure(s *settings.Snapshot)
}

// Session is the scanning session controller
type Session interface {
	ID() string

	// Control operations. Must be called on the control goroutine.
	PauseScanning() bool
	ResumeScanning(resetState bool) bool
	PauseCamera() bool
	ResumeCamera() bool
	ResetState()
	ApplySettings(s *settings.Snapshot) error
	SetScanningRegion(r region.Region) error
	SetTorch(on bool) error
	Close() error

	// Reads
	IsScanningPaused() bool
	IsCameraPaused() bool
	Region() region.Region
	Settings() *settings.Snapshot
	OrientationPolicy() types.OrientationPolicy
	ShouldAutorotate() bool
	SupportsOrientation(o types.Orientation) bool

	// Observers
	Observe(observer any) (delegatebus.Handle, error)
	Unobserve(h delegatebus.Handle) error

	Stats() Stats
}

// Options configures a session
type Options struct {
	// Loop is the control goroutine (required)
	Loop ControlLoop
	// Source produces frames (required)
	Source FrameSource
	// Engine recognizes frames (required)
	Engine Engine
	// Settings is the initial snapshot (required)
	Settings *settings.Snapshot

	// Region is the initial scanning region. Zero value means full frame.
	Region region.Region
	// OrientationPolicy is fixed for the session lifetime. An empty Supported
	// mask means portrait only; Autorotate is kept as given.
	OrientationPolicy types.OrientationPolicy
	// Bus receives notifications. When nil the session creates and owns one.
	Bus delegatebus.Bus

	// StartPaused starts with scanning paused
	StartPaused bool
	// StrictPreconditions panics on precondition violations
	StrictPreconditions bool
	// MaxRecognitionRateHz caps engine invocations per second (0 = unlimited)
	MaxRecognitionRateHz float64
	// DebugFramePixels copies pixels into FrameInfo for debug observers
	DebugFramePixels bool

	Logger         *slog.Logger
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Stats is a non-blocking snapshot of session counters
type Stats struct {
	FramesReceived  uint64
	FramesProcessed uint64

	DroppedBusy         uint64
	DroppedPaused       uint64
	DroppedCameraPaused uint64
	DroppedRateLimited  uint64
	DroppedClosed       uint64

	ResultsDelivered    uint64
	FailuresDelivered   uint64
	DetectionsDelivered uint64
	PendingOutcomes     uint64
	StaleDiscarded      uint64

	EngineResets           uint64
	EngineReconfigures     uint64
	EnginePanics           uint64
	PreconditionViolations uint64

	Generation    uint64
	MaxConcurrent int32

	CameraState types.CameraState
	ScanState   types.ScanState
}

// Dropped returns the sum of every drop counter
func (s Stats) Dropped() uint64 {
	return s.DroppedBusy + s.DroppedPaused + s.DroppedCameraPaused + s.DroppedRateLimited + s.DroppedClosed
}
