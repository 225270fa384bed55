package framesource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-scan/modules/types"
)

// SyntheticConfig configures a SyntheticSource
type SyntheticConfig struct {
	Width        int
	Height       int
	FPS          float64
	SourceStream string
	// Fill paints the reused RGB buffer for frame seq. Defaults to a moving
	// gradient.
	Fill func(seq uint64, width, height int, rgb []byte)
	// Logger defaults to slog.Default()
	Logger *slog.Logger
}

// SyntheticSource generates RGB frames on a ticker. The pixel buffer is
// allocated once and reused for every frame.
type SyntheticSource struct {
	cfg    SyntheticConfig
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
	torch   bool

	seq           uint64
	framesEmitted uint64
	bytesRead     uint64
	lastFrameAt   atomic.Int64
}

// NewSyntheticSource validates cfg and creates a stopped source
func NewSyntheticSource(cfg SyntheticConfig) (*SyntheticSource, error) {
	if err := validateSize(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}
	if err := validateFPS(cfg.FPS); err != nil {
		return nil, err
	}
	if cfg.SourceStream == "" {
		cfg.SourceStream = "synthetic"
	}
	if cfg.Fill == nil {
		cfg.Fill = gradient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &SyntheticSource{cfg: cfg, logger: logger}, nil
}

// Start launches the generator goroutine
func (s *SyntheticSource) Start(ctx context.Context, onFrame func(types.Frame)) error {
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
	s.done = make(chan struct{})
	s.started = time.Now()

	s.logger.Info("framesource: synthetic source starting",
		"width", s.cfg.Width,
		"height", s.cfg.Height,
		"fps", s.cfg.FPS,
		"source_stream", s.cfg.SourceStream,
	)

	go s.generate(runCtx, s.done, onFrame)
	return nil
}

// Stop cancels the generator and waits for the in-progress frame (if any).
// Idempotent.
func (s *SyntheticSource) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	s.logger.Info("framesource: synthetic source stopped",
		"frames_emitted", atomic.LoadUint64(&s.framesEmitted),
	)
	return nil
}

// SetTorch records the torch state. The synthetic camera brightens its frames
// while the torch is on.
func (s *SyntheticSource) SetTorch(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.torch = on
	s.logger.Debug("framesource: torch toggled", "on", on)
	return nil
}

// Torch reports the current torch state
func (s *SyntheticSource) Torch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.torch
}

// Stats returns current counters
func (s *SyntheticSource) Stats() Stats {
	s.mu.Lock()
	running := s.cancel != nil
	started := s.started
	s.mu.Unlock()

	emitted := atomic.LoadUint64(&s.framesEmitted)
	var last time.Time
	if ns := s.lastFrameAt.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}

	return Stats{
		Kind:          "synthetic",
		FramesEmitted: emitted,
		BytesRead:     atomic.LoadUint64(&s.bytesRead),
		FPSTarget:     s.cfg.FPS,
		FPSReal:       fpsSince(emitted, started),
		Resolution:    fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		Running:       running,
		LastFrameAt:   last,
	}
}

func (s *SyntheticSource) generate(ctx context.Context, done chan struct{}, onFrame func(types.Frame)) {
	defer close(done)

	ticker := time.NewTicker(interval(s.cfg.FPS))
	defer ticker.Stop()

	buf := make([]byte, s.cfg.Width*s.cfg.Height*3)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		seq := atomic.AddUint64(&s.seq, 1)
		s.cfg.Fill(seq, s.cfg.Width, s.cfg.Height, buf)
		if s.Torch() {
			brighten(buf)
		}

		now := time.Now()
		frame := types.Frame{
			Seq:          seq,
			Timestamp:    now,
			Width:        s.cfg.Width,
			Height:       s.cfg.Height,
			Data:         buf,
			SourceStream: s.cfg.SourceStream,
			TraceID:      uuid.NewString(),
		}
		onFrame(frame)

		atomic.AddUint64(&s.framesEmitted, 1)
		atomic.AddUint64(&s.bytesRead, uint64(len(buf)))
		s.lastFrameAt.Store(now.UnixNano())
	}
}

// gradient paints a diagonal ramp that shifts one step per frame
func gradient(seq uint64, width, height int, rgb []byte) {
	shift := byte(seq)
	for y := 0; y < height; y++ {
		row := rgb[y*width*3 : (y+1)*width*3]
		for x := 0; x < width; x++ {
			v := byte(x+y) + shift
			row[x*3] = v
			row[x*3+1] = v / 2
			row[x*3+2] = 255 - v
		}
	}
}

func brighten(rgb []byte) {
	for i, v := range rgb {
		if v > 191 {
			rgb[i] = 255
			continue
		}
		rgb[i] = v + 64
	}
}
