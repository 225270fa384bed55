package internal

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/e7canasta/orion-scan/modules/delegatebus"
	"github.com/e7canasta/orion-scan/modules/region"
	"github.com/e7canasta/orion-scan/modules/settings"
	"github.com/e7canasta/orion-scan/modules/types"
)

// dispatchSnapshot is the control state one frame is processed against.
// It is read under mu as a single unit.
type dispatchSnapshot struct {
	generation  uint64
	region      region.Region
	settings    *settings.Snapshot
	reconfigure *settings.Snapshot
	reset       bool
}

// onFrame is the FrameSource callback (capture goroutine).
//
// Algorithm:
//  1. Busy gate (CAS): a frame arriving while another is in flight is
//     dropped, never queued
//  2. Under mu: drop if closed, camera paused, scanning paused or rate
//     limited; otherwise snapshot (generation, region, settings) and consume
//     pending reconfigure/reset
//  3. Outside mu: apply pending engine work, then Process
//  4. Re-read generation under mu: mismatch means a control op ran while
//     the frame was in flight, so the outcome is discarded
//  5. Post delivery to the control goroutine, which re-validates the
//     generation before notifying observers
//
// frame.Data is borrowed and is not referenced after step 3.
func (s *session) onFrame(frame types.Frame) {
	ctx := context.Background()
	atomic.AddUint64(&s.framesReceived, 1)
	s.metrics.frameReceived(ctx)

	if !s.inflight.CompareAndSwap(false, true) {
		s.drop(ctx, &s.droppedBusy, dropBusy, frame)
		return
	}
	defer s.inflight.Store(false)

	snap, counter, reason := s.snapshotForDispatch()
	if counter != nil {
		s.drop(ctx, counter, reason, frame)
		return
	}

	outcome, elapsed := s.process(ctx, frame, snap)
	atomic.AddUint64(&s.framesProcessed, 1)
	s.metrics.outcome(ctx, outcome.Kind.String(), elapsed)

	wantDebug := s.bus.HasCapability(delegatebus.CapDebug)
	var info types.FrameInfo
	if wantDebug {
		info = frame.Info()
		if s.debugPixels {
			info.Pixels = append([]byte(nil), frame.Data...)
		}
	}

	if s.isStale(snap.generation) {
		s.discardStale(ctx, frame.Seq, snap.generation, "dispatch")
		return
	}

	if outcome.Kind == types.OutcomePending && outcome.Detection == nil && !wantDebug {
		atomic.AddUint64(&s.pendingOutcomes, 1)
		return
	}

	seq := frame.Seq
	traceID := frame.TraceID
	if !s.loop.Post(func() { s.deliver(snap.generation, seq, traceID, outcome, info, wantDebug) }) {
		s.logger.Debug("scansession: control loop stopped, outcome dropped", "seq", seq)
	}
}

func (s *session) snapshotForDispatch() (dispatchSnapshot, *uint64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return dispatchSnapshot{}, &s.droppedClosed, dropClosed
	case s.camera == types.CameraPaused:
		return dispatchSnapshot{}, &s.droppedCameraPaused, dropCameraPaused
	case s.scan == types.ScanPaused:
		return dispatchSnapshot{}, &s.droppedPaused, dropPaused
	case s.limiter != nil && !s.limiter.Allow():
		return dispatchSnapshot{}, &s.droppedRateLimited, dropRateLimited
	}

	snap := dispatchSnapshot{
		generation:  s.generation,
		region:      s.region,
		settings:    s.settings,
		reconfigure: s.pendingReconfigure,
		reset:       s.pendingReset,
	}
	s.pendingReconfigure = nil
	s.pendingReset = false
	return snap, nil, ""
}

func (s *session) drop(ctx context.Context, counter *uint64, reason string, frame types.Frame) {
	atomic.AddUint64(counter, 1)
	s.metrics.frameDropped(ctx, reason)
	s.logger.Debug("scansession: frame dropped",
		"seq", frame.Seq,
		"reason", reason,
		"trace_id", frame.TraceID,
	)
}

func (s *session) isStale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.generation != gen
}

func (s *session) discardStale(ctx context.Context, seq, gen uint64, stage string) {
	atomic.AddUint64(&s.staleDiscarded, 1)
	s.metrics.stale(ctx)
	s.logger.Debug("scansession: stale outcome discarded",
		"seq", seq,
		"generation", gen,
		"stage", stage,
	)
}

// process runs pending engine work and Process for one frame. Engine panics
// become a failure outcome and never reach the control goroutine.
func (s *session) process(ctx context.Context, frame types.Frame, snap dispatchSnapshot) (out types.Outcome, elapsed time.Duration) {
	ctx, span := s.tracer.Start(ctx, "scansession.dispatch", trace.WithAttributes(
		attribute.Int64("frame.seq", int64(frame.Seq)),
		attribute.Int64("session.generation", int64(snap.generation)),
		attribute.String("frame.trace_id", frame.TraceID),
	))
	defer span.End()

	n := s.concurrent.Add(1)
	for {
		peak := s.maxConcurrent.Load()
		if n <= peak || s.maxConcurrent.CompareAndSwap(peak, n) {
			break
		}
	}
	defer s.concurrent.Add(-1)

	// cleared as each piece of pending engine work is applied
	reconfigure, reset := snap.reconfigure, snap.reset

	start := time.Now()
	defer func() {
		elapsed = time.Since(start)
		if r := recover(); r != nil {
			s.restorePending(reconfigure, reset)
			atomic.AddUint64(&s.enginePanics, 1)
			s.logger.Error("scansession: recognizer engine panicked",
				"seq", frame.Seq,
				"panic", fmt.Sprint(r),
				"trace_id", frame.TraceID,
			)
			span.SetStatus(codes.Error, "engine panic")
			out = types.Failed("engine_panic")
		}
		span.SetAttributes(attribute.String("outcome", out.Kind.String()))
	}()

	if reconfigure != nil {
		s.engine.Reconfigure(reconfigure)
		reconfigure = nil
		atomic.AddUint64(&s.engineReconfigures, 1)
		span.AddEvent("engine.reconfigured")
	}
	if reset {
		s.engine.ResetInternalState()
		reset = false
		atomic.AddUint64(&s.engineResets, 1)
		span.AddEvent("engine.reset")
	}

	out = s.engine.Process(frame, snap.region, snap.settings)
	if out.Kind == types.OutcomeResult && out.Result == nil {
		out = types.Outcome{Kind: types.OutcomeFailed, Reason: "empty_result", Detection: out.Detection, Diagnostics: out.Diagnostics}
	}
	return out, time.Since(start)
}

// restorePending puts back engine work a panicking frame consumed but never
// applied, so the next dispatched frame retries it. A reconfigure queued
// while the frame was in flight is newer and wins.
func (s *session) restorePending(reconfigure *settings.Snapshot, reset bool) {
	if reconfigure == nil && !reset {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if reconfigure != nil && s.pendingReconfigure == nil {
		s.pendingReconfigure = reconfigure
	}
	s.pendingReset = s.pendingReset || reset
}

// deliver runs on the control goroutine. A control op that ran after the
// outcome was finalized (but before this task) invalidates it.
func (s *session) deliver(gen, seq uint64, traceID string, outcome types.Outcome, info types.FrameInfo, wantDebug bool) {
	ctx := context.Background()
	if s.isStale(gen) {
		s.discardStale(ctx, seq, gen, "delivery")
		return
	}

	switch outcome.Kind {
	case types.OutcomeResult:
		atomic.AddUint64(&s.resultsDelivered, 1)
		s.logger.Info("scansession: result recognized",
			"seq", seq,
			"type", outcome.Result.Type(),
			"trace_id", traceID,
		)
		s.bus.PublishResult(outcome.Result)
	case types.OutcomeFailed:
		atomic.AddUint64(&s.failuresDelivered, 1)
		s.bus.PublishFailure(types.Failure{Reason: outcome.Reason, FrameSeq: seq, At: time.Now()})
	default:
		atomic.AddUint64(&s.pendingOutcomes, 1)
	}

	// an observer may have run a control op from inside its callback
	if s.isStale(gen) {
		return
	}

	if outcome.Detection != nil {
		d := *outcome.Detection
		d.FrameSeq = seq
		atomic.AddUint64(&s.detectionsDelivered, 1)
		s.bus.PublishDetection(d)
	}
	if wantDebug {
		s.bus.PublishDebugFrame(info, outcome.Diagnostics)
	}
}
