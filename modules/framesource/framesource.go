// Package framesource provides frame producers for a scan session.
//
// Every source implements the session's FrameSource contract:
//
//	Start(ctx, onFrame func(types.Frame)) error
//	Stop() error
//
// onFrame is invoked on a goroutine owned by the source, one frame at a time.
// frame.Data is borrowed: it is only valid until onFrame returns and the
// source may reuse the buffer for the next frame.
//
// Sources:
//   - SyntheticSource: ticker-driven generator (tests, demos, soak runs)
//   - RTSPSource: GStreamer RTSP pipeline with automatic reconnection
//   - ScreenSource: periodic capture of a screen rectangle
//
// RTSP and screen sources never queue frames: a frame produced while the
// previous one is still being handled replaces it (latest-only mailbox).
package framesource

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrAlreadyStarted = errors.New("framesource: source already started")
	ErrInvalidFPS     = errors.New("framesource: fps must be within 0.1-60")
	ErrInvalidSize    = errors.New("framesource: width and height must be positive")
	ErrMissingURL     = errors.New("framesource: RTSP URL is required")
	ErrNilCallback    = errors.New("framesource: onFrame callback is nil")
	ErrNoGStreamer    = errors.New("framesource: GStreamer not available")
)

// Stats is a snapshot of source counters
type Stats struct {
	Kind          string
	FramesEmitted uint64
	FramesDropped uint64 // overwritten in the mailbox before the consumer took them
	BytesRead     uint64
	FPSTarget     float64
	FPSReal       float64
	Resolution    string
	Reconnects    uint32
	Running       bool
	LastFrameAt   time.Time

	ErrorsNetwork uint64
	ErrorsCodec   uint64
	ErrorsAuth    uint64
	ErrorsUnknown uint64
}

// DropRate returns the dropped share of produced frames (0-100)
func (s Stats) DropRate() float64 {
	total := s.FramesEmitted + s.FramesDropped
	if total == 0 {
		return 0
	}
	return float64(s.FramesDropped) / float64(total) * 100
}

func validateFPS(fps float64) error {
	if fps < 0.1 || fps > 60 {
		return fmt.Errorf("%w: got %.2f", ErrInvalidFPS, fps)
	}
	return nil
}

func validateSize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: got %dx%d", ErrInvalidSize, width, height)
	}
	return nil
}

func interval(fps float64) time.Duration {
	return time.Duration(float64(time.Second) / fps)
}

func fpsSince(frames uint64, started time.Time) float64 {
	if started.IsZero() || frames == 0 {
		return 0
	}
	elapsed := time.Since(started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(frames) / elapsed
}
