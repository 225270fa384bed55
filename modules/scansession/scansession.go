// Package scansession is the live video scanning session controller.
//
// A Session owns a frame source (camera), feeds frames to a pluggable
// recognizer engine and exposes a small state machine:
//
//	camera:   Paused <-> Active     (PauseCamera / ResumeCamera)
//	scanning: Scanning <-> Paused   (PauseScanning / ResumeScanning)
//
// plus on-the-fly reconfiguration (ApplySettings, SetScanningRegion,
// ResetState). The two toggles are independent: the camera may run with
// scanning paused (e.g. torch only).
//
// # Threading model
//
// Every control operation must be called on the session's control goroutine
// (a controlloop.Loop), and every observer notification is delivered there.
// Frames arrive on the source's goroutine and are processed there, at most
// one at a time. Frames arriving while the engine is busy are dropped.
//
// Each control operation advances a generation counter under the lock shared
// with frame dispatch. An outcome is only delivered if the generation it was
// dispatched under is still current when it finishes AND when its delivery
// task runs on the control goroutine. So once PauseScanning returns, no
// onResult/onFailure for an earlier frame is ever delivered, and after
// ApplySettings returns, only frames processed with the new snapshot can
// produce notifications.
//
// # Usage
//
//	loop := controlloop.New()
//	loop.Start(ctx)
//
//	sess, err := scansession.New(scansession.Options{
//	    Loop:     loop,
//	    Source:   source,
//	    Engine:   engine,
//	    Settings: snapshot,
//	})
//	...
//	loop.Do(func() {
//	    sess.Observe(myObserver)
//	    sess.ResumeCamera()
//	})
//
// # Preconditions
//
// A control operation called off the control goroutine, or after Close, is a
// PreconditionViolation: it panics with StrictPreconditions, otherwise it is
// logged, counted and the operation is a no-op.
package scansession

import (
	"github.com/e7canasta/orion-scan/modules/scansession/internal"
)

// Public API - Re-export internal types as stable contract

// Session is the scanning session controller
type Session = internal.Session

// Options configures a session
type Options = internal.Options

// Stats is a non-blocking snapshot of session counters
type Stats = internal.Stats

// FrameSource produces frames (camera, RTSP, screen, synthetic)
type FrameSource = internal.FrameSource

// TorchController is implemented by sources with a torch
type TorchController = internal.TorchController

// Engine is the pluggable recognizer
type Engine = internal.Engine

// ControlLoop is the subset of controlloop.Loop the session needs
type ControlLoop = internal.ControlLoop

// PreconditionViolation reports a control operation called off the control
// goroutine or after Close
type PreconditionViolation = internal.PreconditionViolation

// Public API errors
var (
	ErrNilSettings       = internal.ErrNilSettings
	ErrMissingLoop       = internal.ErrMissingLoop
	ErrMissingSource     = internal.ErrMissingSource
	ErrMissingEngine     = internal.ErrMissingEngine
	ErrTorchUnsupported  = internal.ErrTorchUnsupported
	ErrCameraPaused      = internal.ErrCameraPaused
	ErrSourceStartFailed = internal.ErrSourceStartFailed
)

// New creates a session. Construction may happen on any goroutine; every
// subsequent control operation must run on opts.Loop.
func New(opts Options) (Session, error) {
	return internal.New(opts)
}
