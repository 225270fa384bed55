package internal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/e7canasta/orion-scan/modules/delegatebus"
	"github.com/e7canasta/orion-scan/modules/region"
	"github.com/e7canasta/orion-scan/modules/settings"
	"github.com/e7canasta/orion-scan/modules/types"
)

// session implements Session.
//
// Locking:
//   - mu guards the control state (generation, states, region, settings,
//     pending engine work, closed). Control ops take it to mutate; dispatch
//     takes it to snapshot and to re-validate. It is never held across an
//     engine call, a source call or an observer callback.
//   - inflight is the busy gate: at most one dispatch owns the engine.
type session struct {
	id     string
	loop   ControlLoop
	source FrameSource
	engine Engine
	bus    delegatebus.Bus

	ownsBus     bool
	policy      types.OrientationPolicy
	strict      bool
	debugPixels bool
	limiter     *rate.Limiter

	logger  *slog.Logger
	metrics *sessionMetrics
	tracer  trace.Tracer

	mu                 sync.Mutex
	generation         uint64
	camera             types.CameraState
	scan               types.ScanState
	region             region.Region
	settings           *settings.Snapshot
	pendingReset       bool
	pendingReconfigure *settings.Snapshot
	closed             bool
	stopSource         context.CancelFunc

	inflight      atomic.Bool
	concurrent    atomic.Int32
	maxConcurrent atomic.Int32

	framesReceived      uint64
	framesProcessed     uint64
	droppedBusy         uint64
	droppedPaused       uint64
	droppedCameraPaused uint64
	droppedRateLimited  uint64
	droppedClosed       uint64
	resultsDelivered    uint64
	failuresDelivered   uint64
	detectionsDelivered uint64
	pendingOutcomes     uint64
	staleDiscarded      uint64
	engineResets        uint64
	engineReconfigures  uint64
	enginePanics        uint64
	violations          uint64
}

// New creates a session with fail-fast validation.
//
// The session starts with the camera paused and scanning active (unless
// StartPaused). Call ResumeCamera on the control goroutine to start frames.
func New(opts Options) (Session, error) {
	if opts.Loop == nil {
		return nil, ErrMissingLoop
	}
	if opts.Source == nil {
		return nil, ErrMissingSource
	}
	if opts.Engine == nil {
		return nil, ErrMissingEngine
	}
	if opts.Settings == nil {
		return nil, ErrNilSettings
	}

	r := opts.Region
	if r == (region.Region{}) {
		r = region.Full()
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("scansession: initial region: %w", err)
	}

	policy := opts.OrientationPolicy
	if policy.Supported == 0 {
		policy.Supported = types.DefaultOrientationPolicy().Supported
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := newSessionMetrics(opts.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("scansession: failed to create metrics: %w", err)
	}

	tp := opts.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}

	s := &session{
		id:          uuid.NewString(),
		loop:        opts.Loop,
		source:      opts.Source,
		engine:      opts.Engine,
		bus:         opts.Bus,
		policy:      policy,
		strict:      opts.StrictPreconditions,
		debugPixels: opts.DebugFramePixels,
		metrics:     metrics,
		tracer:      tp.Tracer(namespace),
		camera:      types.CameraPaused,
		scan:        types.ScanScanning,
		region:      r,
		settings:    opts.Settings,
	}
	if opts.StartPaused {
		s.scan = types.ScanPaused
	}
	if opts.MaxRecognitionRateHz > 0 {
		burst := int(opts.MaxRecognitionRateHz)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.MaxRecognitionRateHz), burst)
	}
	s.logger = logger.With("session_id", s.id)
	if s.bus == nil {
		s.bus = delegatebus.New(s.logger)
		s.ownsBus = true
	}

	s.logger.Info("scansession: session created",
		"region", r.String(),
		"settings", opts.Settings.String(),
		"scan_state", s.scan.String(),
		"autorotate", policy.Autorotate,
		"max_recognition_rate_hz", opts.MaxRecognitionRateHz,
		"strict_preconditions", s.strict,
	)
	return s, nil
}

func (s *session) ID() string { return s.id }

// checkPrecondition enforces the control-goroutine contract. It returns nil
// when op may proceed.
func (s *session) checkPrecondition(op string) *PreconditionViolation {
	var reason string
	switch {
	case !s.loop.IsCurrent():
		reason = "called off the control goroutine"
	case s.isClosed():
		reason = "session is closed"
	default:
		return nil
	}

	atomic.AddUint64(&s.violations, 1)
	v := &PreconditionViolation{Op: op, Reason: reason}
	if s.strict {
		panic(v)
	}
	s.logger.Error("scansession: precondition violated", "op", op, "reason", reason)
	return v
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// bumpLocked advances the generation. Caller holds mu.
func (s *session) bumpLocked() uint64 {
	s.generation++
	return s.generation
}

// PauseScanning stops handing frames to the engine. Any in-flight outcome is
// discarded. Returns false if scanning was already paused.
func (s *session) PauseScanning() bool {
	if s.checkPrecondition("PauseScanning") != nil {
		return false
	}

	s.mu.Lock()
	if s.scan == types.ScanPaused {
		s.mu.Unlock()
		return false
	}
	s.scan = types.ScanPaused
	gen := s.bumpLocked()
	s.mu.Unlock()

	s.metrics.controlOp(context.Background(), "pause_scanning")
	s.logger.Info("scansession: scanning paused", "generation", gen)
	s.notifyScanState(types.ScanPaused)
	return true
}

// ResumeScanning resumes recognition. With resetState the engine's internal
// state is cleared before the next frame is processed. Returns false if
// scanning was not paused.
func (s *session) ResumeScanning(resetState bool) bool {
	if s.checkPrecondition("ResumeScanning") != nil {
		return false
	}

	s.mu.Lock()
	if s.scan == types.ScanScanning {
		s.mu.Unlock()
		return false
	}
	s.scan = types.ScanScanning
	if resetState {
		s.pendingReset = true
	}
	gen := s.bumpLocked()
	s.mu.Unlock()

	s.metrics.controlOp(context.Background(), "resume_scanning")
	s.logger.Info("scansession: scanning resumed", "generation", gen, "reset_state", resetState)
	s.notifyScanState(types.ScanScanning)
	return true
}

// PauseCamera stops the frame source. Scanning state is left untouched.
func (s *session) PauseCamera() bool {
	if s.checkPrecondition("PauseCamera") != nil {
		return false
	}

	s.mu.Lock()
	if s.camera == types.CameraPaused {
		s.mu.Unlock()
		return false
	}
	s.camera = types.CameraPaused
	gen := s.bumpLocked()
	stop := s.stopSource
	s.stopSource = nil
	s.mu.Unlock()

	if err := s.source.Stop(); err != nil {
		s.logger.Warn("scansession: frame source stop failed", "error", err)
	}
	if stop != nil {
		stop()
	}

	s.metrics.controlOp(context.Background(), "pause_camera")
	s.logger.Info("scansession: camera paused", "generation", gen)
	s.notifyCameraState(types.CameraPaused)
	return true
}

// ResumeCamera starts the frame source. Returns false if the camera is
// already active or the source failed to start (the camera stays paused).
func (s *session) ResumeCamera() bool {
	if s.checkPrecondition("ResumeCamera") != nil {
		return false
	}

	s.mu.Lock()
	active := s.camera == types.CameraActive
	s.mu.Unlock()
	if active {
		return false
	}

	// Only the control goroutine changes camera state, so no other
	// transition can interleave with the source start below.
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.source.Start(ctx, s.onFrame); err != nil {
		cancel()
		s.logger.Error("scansession: frame source failed to start",
			"error", fmt.Errorf("%w: %w", ErrSourceStartFailed, err),
		)
		return false
	}

	s.mu.Lock()
	s.camera = types.CameraActive
	s.stopSource = cancel
	gen := s.bumpLocked()
	s.mu.Unlock()

	s.metrics.controlOp(context.Background(), "resume_camera")
	s.logger.Info("scansession: camera resumed", "generation", gen)
	s.notifyCameraState(types.CameraActive)
	return true
}

// ResetState schedules an engine reset before the next processed frame and
// discards any in-flight outcome. States are unchanged.
func (s *session) ResetState() {
	if s.checkPrecondition("ResetState") != nil {
		return
	}

	s.mu.Lock()
	s.pendingReset = true
	gen := s.bumpLocked()
	s.mu.Unlock()

	s.metrics.controlOp(context.Background(), "reset_state")
	s.logger.Info("scansession: engine reset scheduled", "generation", gen)
}

// ApplySettings installs a new snapshot. The frame in flight (if any)
// completes against the old snapshot and its outcome is discarded; the next
// dispatched frame sees the new one, after the engine was reconfigured.
func (s *session) ApplySettings(snap *settings.Snapshot) error {
	if v := s.checkPrecondition("ApplySettings"); v != nil {
		return v
	}
	if snap == nil {
		return ErrNilSettings
	}

	s.mu.Lock()
	prev := s.settings
	s.settings = snap
	s.pendingReconfigure = snap
	if snap.ResetStateOnApply() {
		s.pendingReset = true
	}
	gen := s.bumpLocked()
	s.mu.Unlock()

	s.metrics.controlOp(context.Background(), "apply_settings")
	s.logger.Info("scansession: settings applied",
		"generation", gen,
		"previous", prev.String(),
		"settings", snap.String(),
		"reset_state", snap.ResetStateOnApply(),
	)
	return nil
}

// SetScanningRegion validates and installs r. A rejected region leaves the
// current one in place.
func (s *session) SetScanningRegion(r region.Region) error {
	if v := s.checkPrecondition("SetScanningRegion"); v != nil {
		return v
	}
	if err := r.Validate(); err != nil {
		s.logger.Warn("scansession: scanning region rejected", "region", r.String(), "error", err)
		return err
	}

	s.mu.Lock()
	s.region = r
	gen := s.bumpLocked()
	s.mu.Unlock()

	s.metrics.controlOp(context.Background(), "set_region")
	s.logger.Info("scansession: scanning region set", "generation", gen, "region", r.String())
	return nil
}

// SetTorch drives the source's torch, when it has one
func (s *session) SetTorch(on bool) error {
	if v := s.checkPrecondition("SetTorch"); v != nil {
		return v
	}

	tc, ok := s.source.(TorchController)
	if !ok {
		return ErrTorchUnsupported
	}
	if s.IsCameraPaused() {
		return ErrCameraPaused
	}
	if err := tc.SetTorch(on); err != nil {
		return fmt.Errorf("scansession: set torch: %w", err)
	}

	s.metrics.controlOp(context.Background(), "set_torch")
	s.logger.Info("scansession: torch set", "on", on)
	return nil
}

// Close stops the source, discards in-flight work and detaches observers.
// Every later control operation is a precondition violation. Idempotent.
func (s *session) Close() error {
	if !s.loop.IsCurrent() {
		if v := s.checkPrecondition("Close"); v != nil {
			return v
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wasActive := s.camera == types.CameraActive
	s.camera = types.CameraPaused
	stop := s.stopSource
	s.stopSource = nil
	gen := s.bumpLocked()
	s.mu.Unlock()

	var err error
	if wasActive {
		err = s.source.Stop()
		s.notifyCameraState(types.CameraPaused)
	}
	if stop != nil {
		stop()
	}
	if s.ownsBus {
		// queued behind the camera notification
		if !s.loop.Post(s.bus.Close) {
			s.bus.Close()
		}
	}

	st := s.Stats()
	s.logger.Info("scansession: session closed",
		"generation", gen,
		"frames_received", st.FramesReceived,
		"frames_processed", st.FramesProcessed,
		"results_delivered", st.ResultsDelivered,
		"stale_discarded", st.StaleDiscarded,
	)
	if err != nil {
		return fmt.Errorf("scansession: stop frame source: %w", err)
	}
	return nil
}

func (s *session) IsScanningPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scan == types.ScanPaused
}

func (s *session) IsCameraPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.camera == types.CameraPaused
}

func (s *session) Region() region.Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.region
}

func (s *session) Settings() *settings.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *session) OrientationPolicy() types.OrientationPolicy { return s.policy }

func (s *session) ShouldAutorotate() bool { return s.policy.Autorotate }

func (s *session) SupportsOrientation(o types.Orientation) bool {
	return s.policy.Supported.Has(o)
}

// Observe registers an observer on the session's bus
func (s *session) Observe(observer any) (delegatebus.Handle, error) {
	return s.bus.Register(observer)
}

// Unobserve removes an observer. It receives nothing after this returns.
func (s *session) Unobserve(h delegatebus.Handle) error {
	return s.bus.Unregister(h)
}

// notify* post lifecycle notifications so they keep FIFO order with
// outcome deliveries already queued on the control goroutine.
func (s *session) notifyScanState(state types.ScanState) {
	s.loop.Post(func() { s.bus.PublishScanState(state) })
}

func (s *session) notifyCameraState(state types.CameraState) {
	s.loop.Post(func() { s.bus.PublishCameraState(state) })
}

// Stats returns a snapshot of counters
func (s *session) Stats() Stats {
	s.mu.Lock()
	gen := s.generation
	camera := s.camera
	scan := s.scan
	s.mu.Unlock()

	return Stats{
		FramesReceived:         atomic.LoadUint64(&s.framesReceived),
		FramesProcessed:        atomic.LoadUint64(&s.framesProcessed),
		DroppedBusy:            atomic.LoadUint64(&s.droppedBusy),
		DroppedPaused:          atomic.LoadUint64(&s.droppedPaused),
		DroppedCameraPaused:    atomic.LoadUint64(&s.droppedCameraPaused),
		DroppedRateLimited:     atomic.LoadUint64(&s.droppedRateLimited),
		DroppedClosed:          atomic.LoadUint64(&s.droppedClosed),
		ResultsDelivered:       atomic.LoadUint64(&s.resultsDelivered),
		FailuresDelivered:      atomic.LoadUint64(&s.failuresDelivered),
		DetectionsDelivered:    atomic.LoadUint64(&s.detectionsDelivered),
		PendingOutcomes:        atomic.LoadUint64(&s.pendingOutcomes),
		StaleDiscarded:         atomic.LoadUint64(&s.staleDiscarded),
		EngineResets:           atomic.LoadUint64(&s.engineResets),
		EngineReconfigures:     atomic.LoadUint64(&s.engineReconfigures),
		EnginePanics:           atomic.LoadUint64(&s.enginePanics),
		PreconditionViolations: atomic.LoadUint64(&s.violations),
		Generation:             gen,
		MaxConcurrent:          s.maxConcurrent.Load(),
		CameraState:            camera,
		ScanState:              scan,
	}
}
