package framesource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-scan/modules/framesource/internal/mailbox"
	"github.com/e7canasta/orion-scan/modules/framesource/internal/rtsp"
	"github.com/e7canasta/orion-scan/modules/types"
)

// RTSPConfig configures an RTSPSource
type RTSPConfig struct {
	URL            string
	Width          int
	Height         int
	FPS            float64
	SourceStream   string
	HardwareDecode bool

	// Reconnect policy (defaults: 1s initial, 30s max, 5 retries)
	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration
	ReconnectMaxRetries uint64

	Logger *slog.Logger
}

// RTSPSource captures an H.264 RTSP stream through GStreamer. Decoded frames
// go through a latest-only mailbox, so a slow consumer sees the freshest
// frame and never a backlog.
type RTSPSource struct {
	cfg    RTSPConfig
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	box     *mailbox.Mailbox
	started time.Time

	seq         uint64
	bytesRead   uint64
	dropped     uint64 // from mailboxes of previous runs
	reconnects  uint32
	connected   atomic.Bool
	lastFrameAt atomic.Int64

	errNetwork uint64
	errCodec   uint64
	errAuth    uint64
	errUnknown uint64
}

// NewRTSPSource validates cfg and checks that GStreamer is usable
func NewRTSPSource(cfg RTSPConfig) (*RTSPSource, error) {
	if cfg.URL == "" {
		return nil, ErrMissingURL
	}
	if err := validateSize(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}
	if err := validateFPS(cfg.FPS); err != nil {
		return nil, err
	}
	if err := rtsp.Init(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoGStreamer, err)
	}
	if cfg.SourceStream == "" {
		cfg.SourceStream = "rtsp"
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.ReconnectMaxRetries == 0 {
		cfg.ReconnectMaxRetries = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RTSPSource{cfg: cfg, logger: logger.With("url", cfg.URL)}, nil
}

// Start returns immediately; frames arrive once the pipeline reaches PLAYING
// (typically a few seconds). Connection failures are retried in the
// background with exponential backoff.
func (s *RTSPSource) Start(ctx context.Context, onFrame func(types.Frame)) error {
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
		s.run(runCtx, box)
	}()

	s.logger.Info("framesource: RTSP source starting",
		"resolution", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		"fps", s.cfg.FPS,
	)
	return nil
}

// Stop cancels capture, waits for the pump and pipeline goroutines and
// releases the pipeline. Idempotent.
func (s *RTSPSource) Stop() error {
	s.mu.Lock()
	cancel, box := s.cancel, s.box
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	box.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		s.logger.Warn("framesource: RTSP stop timed out waiting for goroutines")
	}

	atomic.AddUint64(&s.dropped, box.Drops())
	s.logger.Info("framesource: RTSP source stopped",
		"frames", atomic.LoadUint64(&s.seq),
		"reconnects", atomic.LoadUint32(&s.reconnects),
	)
	return nil
}

// Stats returns current counters
func (s *RTSPSource) Stats() Stats {
	s.mu.Lock()
	running := s.cancel != nil
	started := s.started
	var pending uint64
	if running && s.box != nil {
		pending = s.box.Drops()
	}
	s.mu.Unlock()

	frames := atomic.LoadUint64(&s.seq)
	var last time.Time
	if ns := s.lastFrameAt.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}

	return Stats{
		Kind:          "rtsp",
		FramesEmitted: frames,
		FramesDropped: atomic.LoadUint64(&s.dropped) + pending,
		BytesRead:     atomic.LoadUint64(&s.bytesRead),
		FPSTarget:     s.cfg.FPS,
		FPSReal:       fpsSince(frames, started),
		Resolution:    fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		Reconnects:    atomic.LoadUint32(&s.reconnects),
		Running:       running && s.connected.Load(),
		LastFrameAt:   last,
		ErrorsNetwork: atomic.LoadUint64(&s.errNetwork),
		ErrorsCodec:   atomic.LoadUint64(&s.errCodec),
		ErrorsAuth:    atomic.LoadUint64(&s.errAuth),
		ErrorsUnknown: atomic.LoadUint64(&s.errUnknown),
	}
}

// run keeps a pipeline alive until ctx is done or retries are exhausted.
// Reaching PLAYING resets the backoff.
func (s *RTSPSource) run(ctx context.Context, box *mailbox.Mailbox) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.ReconnectInitial
	exp.MaxInterval = s.cfg.ReconnectMax
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, s.cfg.ReconnectMaxRetries), ctx)

	attempt := 0
	op := func() error {
		if attempt > 0 {
			atomic.AddUint32(&s.reconnects, 1)
		}
		attempt++

		err := s.session(ctx, box, policy.Reset)
		switch {
		case ctx.Err() != nil:
			return nil
		case err == nil:
			return nil
		}
		var perr *rtsp.PipelineError
		if errors.As(err, &perr) && !perr.Category.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("framesource: RTSP pipeline failed, reconnecting",
			"error", err,
			"retry_in", wait,
			"reconnects", atomic.LoadUint32(&s.reconnects),
		)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil && ctx.Err() == nil {
		s.logger.Error("framesource: RTSP source gave up",
			"error", err,
			"uptime", time.Since(s.started),
			"frames", atomic.LoadUint64(&s.seq),
		)
	}
}

// session builds, plays and watches one pipeline instance
func (s *RTSPSource) session(ctx context.Context, box *mailbox.Mailbox, onPlaying func()) error {
	p, err := rtsp.Build(rtsp.PipelineConfig{
		URL:            s.cfg.URL,
		Width:          s.cfg.Width,
		Height:         s.cfg.Height,
		FPS:            s.cfg.FPS,
		HardwareDecode: s.cfg.HardwareDecode,
	}, s.logger)
	if err != nil {
		return err
	}
	defer func() {
		s.connected.Store(false)
		if err := rtsp.Destroy(p); err != nil {
			s.logger.Error("framesource: failed to destroy pipeline", "error", err)
		}
	}()

	sc := &rtsp.SampleContext{
		Out:          box,
		Seq:          &s.seq,
		BytesRead:    &s.bytesRead,
		LastFrameAt:  &s.lastFrameAt,
		Width:        s.cfg.Width,
		Height:       s.cfg.Height,
		SourceStream: s.cfg.SourceStream,
		Logger:       s.logger,
	}
	p.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return rtsp.OnNewSample(sink, sc)
		},
	})
	p.RTSPSrc.Connect("pad-added", func(_ *gst.Element, pad *gst.Pad) {
		rtsp.OnPadAdded(pad, p.Depay, s.logger)
	})

	if err := p.Pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	return rtsp.Watch(ctx, p, rtsp.Hooks{
		OnPlaying: func() {
			s.connected.Store(true)
			onPlaying()
			s.logger.Info("framesource: RTSP pipeline playing")
		},
		OnError: s.countError,
	}, s.logger)
}

func (s *RTSPSource) countError(perr *rtsp.PipelineError) {
	switch perr.Category {
	case rtsp.CategoryNetwork:
		atomic.AddUint64(&s.errNetwork, 1)
	case rtsp.CategoryCodec:
		atomic.AddUint64(&s.errCodec, 1)
	case rtsp.CategoryAuth:
		atomic.AddUint64(&s.errAuth, 1)
	default:
		atomic.AddUint64(&s.errUnknown, 1)
	}
	s.logger.Error("framesource: pipeline error",
		"category", perr.Category.String(),
		"error", perr.Message,
		"debug", perr.Debug,
	)
}
