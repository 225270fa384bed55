package framesource

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vova616/screenshot"

	"github.com/e7canasta/orion-scan/modules/framesource/internal/mailbox"
	"github.com/e7canasta/orion-scan/modules/types"
)

// CaptureFunc grabs a screen rectangle
type CaptureFunc func(rect image.Rectangle) (*image.RGBA, error)

// ScreenConfig configures a ScreenSource
type ScreenConfig struct {
	// Rect is the captured area; empty means the whole primary screen
	Rect         image.Rectangle
	FPS          float64
	SourceStream string
	// Capture defaults to screenshot.CaptureRect
	Capture CaptureFunc
	Logger  *slog.Logger
}

// ScreenSource periodically captures a screen rectangle and converts it to
// RGB. Useful for scanning whatever a desktop video player shows.
type ScreenSource struct {
	cfg    ScreenConfig
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	box     *mailbox.Mailbox
	started time.Time

	seq         uint64
	bytesRead   uint64
	dropped     uint64
	errors      uint64
	lastFrameAt atomic.Int64
}

// NewScreenSource validates cfg. An empty Rect resolves to the screen bounds.
func NewScreenSource(cfg ScreenConfig) (*ScreenSource, error) {
	if err := validateFPS(cfg.FPS); err != nil {
		return nil, err
	}
	if cfg.Capture == nil {
		cfg.Capture = screenshot.CaptureRect
	}
	if cfg.Rect.Empty() {
		bounds, err := screenshot.ScreenRect()
		if err != nil {
			return nil, fmt.Errorf("framesource: screen bounds: %w", err)
		}
		cfg.Rect = bounds
	}
	if err := validateSize(cfg.Rect.Dx(), cfg.Rect.Dy()); err != nil {
		return nil, err
	}
	if cfg.SourceStream == "" {
		cfg.SourceStream = "screen"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ScreenSource{cfg: cfg, logger: logger}, nil
}

// Start launches the capture ticker and the mailbox pump
func (s *ScreenSource) Start(ctx context.Context, onFrame func(types.Frame)) error {
	if onFrame == nil {
		return ErrNilCallback
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.box = mailbox.New()
	s.started = time.Now()

	box := s.box
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		box.Pump(runCtx, onFrame)
	}()
	go func() {
		defer s.wg.Done()
		s.capture(runCtx, box)
	}()

	s.logger.Info("framesource: screen source starting",
		"rect", s.cfg.Rect.String(),
		"fps", s.cfg.FPS,
	)
	return nil
}

// Stop is idempotent
func (s *ScreenSource) Stop() error {
	s.mu.Lock()
	cancel, box := s.cancel, s.box
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	box.Close()
	s.wg.Wait()
	atomic.AddUint64(&s.dropped, box.Drops())

	s.logger.Info("framesource: screen source stopped",
		"frames", atomic.LoadUint64(&s.seq),
		"capture_errors", atomic.LoadUint64(&s.errors),
	)
	return nil
}

// Stats returns current counters. Capture errors are reported as unknown.
func (s *ScreenSource) Stats() Stats {
	s.mu.Lock()
	running := s.cancel != nil
	started := s.started
	dropped := atomic.LoadUint64(&s.dropped)
	if running {
		dropped += s.box.Drops()
	}
	s.mu.Unlock()

	frames := atomic.LoadUint64(&s.seq)
	var last time.Time
	if ns := s.lastFrameAt.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		Kind:          "screen",
		FramesEmitted: frames,
		FramesDropped: dropped,
		BytesRead:     atomic.LoadUint64(&s.bytesRead),
		FPSTarget:     s.cfg.FPS,
		FPSReal:       fpsSince(frames, started),
		Resolution:    fmt.Sprintf("%dx%d", s.cfg.Rect.Dx(), s.cfg.Rect.Dy()),
		Running:       running,
		LastFrameAt:   last,
		ErrorsUnknown: atomic.LoadUint64(&s.errors),
	}
}

func (s *ScreenSource) capture(ctx context.Context, box *mailbox.Mailbox) {
	ticker := time.NewTicker(interval(s.cfg.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		img, err := s.cfg.Capture(s.cfg.Rect)
		if err != nil {
			atomic.AddUint64(&s.errors, 1)
			s.logger.Warn("framesource: screen capture failed", "error", err)
			continue
		}

		rgb := RGBAToRGB(img)
		now := time.Now()
		box.Publish(types.Frame{
			Seq:          atomic.AddUint64(&s.seq, 1),
			Timestamp:    now,
			Width:        img.Rect.Dx(),
			Height:       img.Rect.Dy(),
			Data:         rgb,
			SourceStream: s.cfg.SourceStream,
			TraceID:      uuid.NewString(),
		})
		atomic.AddUint64(&s.bytesRead, uint64(len(rgb)))
		s.lastFrameAt.Store(now.UnixNano())
	}
}

// RGBAToRGB drops the alpha channel into a new packed RGB buffer
func RGBAToRGB(img *image.RGBA) []byte {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := make([]byte, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w*4; x += 4 {
			out = append(out, row[x], row[x+1], row[x+2])
		}
	}
	return out
}
