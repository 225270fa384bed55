// Package app wires the scan daemon: config, control loop, frame source,
// recognizer process, session, MQTT surfaces and telemetry.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-scan/internal/config"
	"github.com/e7canasta/orion-scan/internal/control"
	"github.com/e7canasta/orion-scan/internal/emitter"
	"github.com/e7canasta/orion-scan/internal/telemetry"
	"github.com/e7canasta/orion-scan/modules/controlloop"
	"github.com/e7canasta/orion-scan/modules/delegatebus"
	"github.com/e7canasta/orion-scan/modules/engine"
	"github.com/e7canasta/orion-scan/modules/framesource"
	"github.com/e7canasta/orion-scan/modules/scansession"
)

const serviceName = "orion-scan"

// Scanner is the main service orchestrator
type Scanner struct {
	logger  *slog.Logger
	watcher *config.Watcher

	// Core components
	loop      *controlloop.Loop
	bus       delegatebus.Bus
	source    FrameSource
	engine    *engine.Worker
	session   scansession.Session
	observer  *logObserver
	providers *telemetry.Providers

	// Optional surfaces
	conn    *emitter.Conn
	emitter *emitter.Emitter
	control *control.Handler
	health  *telemetry.Server

	// Lifecycle management
	started       time.Time
	mu            sync.RWMutex
	cfg           *config.Config
	wg            sync.WaitGroup
	isRunning     bool
	cancelCtx     context.CancelFunc // For MQTT shutdown command
	settingsWatch *settingsWatch
}

// New loads the configuration and keeps watching it for changes
func New(configPath string, logger *slog.Logger) (*Scanner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scanner{logger: logger}

	watcher, err := config.Watch(configPath, logger, s.onConfigChange)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	s.watcher = watcher
	s.cfg = watcher.Current()

	logger.Info("configuration loaded",
		"instance_id", s.cfg.InstanceID,
		"source", s.cfg.Source.Kind,
		"engine", s.cfg.Engine.Command,
	)
	return s, nil
}

// Config returns the active configuration
func (s *Scanner) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Run starts every component and blocks until ctx is cancelled or a
// shutdown command arrives
func (s *Scanner) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	cfg := s.cfg
	s.started = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger.Info("orion scan service starting", "instance_id", cfg.InstanceID)

	if err := s.build(ctx, cfg); err != nil {
		return err
	}

	s.mu.Lock()
	s.isRunning = true
	s.cancelCtx = cancel
	s.mu.Unlock()

	if cfg.MQTT.Enabled {
		if err := s.startMQTT(ctx, cfg); err != nil {
			return err
		}
	}
	s.startHealth(cfg)
	s.restartSettingsWatch(cfg.Session.SettingsFile)

	if err := s.onLoop(func() error {
		if !s.session.ResumeCamera() {
			return fmt.Errorf("camera did not start")
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to start camera: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logStats(ctx, 10*time.Second)
	}()

	s.logger.Info("orion scan service running", "session_id", s.session.ID())

	<-ctx.Done()

	s.logger.Info("orion scan service run loop exiting")
	return nil
}

// build creates the control loop, source, engine and session
func (s *Scanner) build(ctx context.Context, cfg *config.Config) error {
	// The loop outlives ctx so Shutdown can still close the session on it
	s.loop = controlloop.New(controlloop.WithName("scand"), controlloop.WithLogger(s.logger))
	if err := s.loop.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start control loop: %w", err)
	}

	source, err := NewSource(cfg.Source, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create %s source: %w", cfg.Source.Kind, err)
	}
	s.source = source

	rate := cfg.Session.MaxRecognitionRateHz
	if cfg.Source.WarmupS > 0 {
		rate = s.warmup(ctx, cfg)
	}

	snap, err := loadSettings(cfg.Session)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	// Shutdown stops the process with Close after ctx is already done
	s.engine, err = engine.Start(context.Background(), engine.Config{
		ID:           cfg.InstanceID,
		Command:      cfg.Engine.Command,
		Args:         cfg.Engine.Args,
		Timeout:      cfg.EngineTimeout(),
		CropToRegion: cfg.Engine.CropToRegion,
		Logger:       s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to start recognizer: %w", err)
	}
	// the engine only learns settings through Reconfigure
	s.engine.Reconfigure(snap)

	policy, err := cfg.OrientationPolicy()
	if err != nil {
		return err
	}

	s.providers = telemetry.NewProviders(serviceName, cfg.InstanceID)
	s.bus = delegatebus.New(s.logger)
	s.session, err = scansession.New(scansession.Options{
		Loop:                 s.loop,
		Source:               source,
		Engine:               s.engine,
		Settings:             snap,
		Region:               cfg.Session.Region,
		OrientationPolicy:    policy,
		Bus:                  s.bus,
		StartPaused:          cfg.Session.StartPaused,
		StrictPreconditions:  cfg.Session.StrictPreconditions,
		MaxRecognitionRateHz: rate,
		DebugFramePixels:     cfg.Session.DebugFrames,
		Logger:               s.logger,
		MeterProvider:        s.providers.Meter,
		TracerProvider:       s.providers.Tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	s.observer = newLogObserver(s.logger)
	return s.onLoop(func() error {
		_, err := s.session.Observe(s.observer)
		return err
	})
}

// warmup measures the real source FPS and derives the recognition rate
func (s *Scanner) warmup(ctx context.Context, cfg *config.Config) float64 {
	maxRate := cfg.Session.MaxRecognitionRateHz
	stats, err := framesource.Warmup(ctx, s.source, cfg.WarmupDuration(), s.logger)
	if err != nil {
		s.logger.Warn("source warm-up failed, continuing without FPS stats", "error", err)
		if stats == nil {
			return maxRate
		}
	}

	if maxRate <= 0 {
		// unlimited means "as fast as the stream can feed us"
		maxRate = cfg.Source.FPS
	}
	rate := framesource.OptimalRecognitionRate(stats, maxRate)
	s.logger.Info("recognition rate configured from warm-up",
		"stream_fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
		"max_rate_hz", maxRate,
		"optimal_rate_hz", fmt.Sprintf("%.2f", rate),
	)
	return rate
}

func (s *Scanner) startMQTT(ctx context.Context, cfg *config.Config) error {
	conn, err := emitter.Dial(ctx, cfg.MQTT, s.logger)
	if err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}
	s.conn = conn

	s.emitter = emitter.New(conn, emitter.Config{
		Topic:      cfg.MQTT.Topics.Results,
		QoS:        cfg.MQTT.QoS,
		InstanceID: cfg.InstanceID,
		Logger:     s.logger,
	})
	// Close drains the queue so the final camera state still goes out
	s.emitter.Start(context.Background())
	if err := s.onLoop(func() error {
		_, err := s.session.Observe(s.emitter)
		return err
	}); err != nil {
		return fmt.Errorf("failed to register emitter: %w", err)
	}

	s.control = control.NewHandler(control.Config{
		CommandTopic: cfg.MQTT.Topics.Control,
		QoS:          cfg.MQTT.QoS,
		Logger:       s.logger,
	}, conn, s.loop, s.session, control.CommandCallbacks{
		OnGetStatus: s.componentStatus,
		OnShutdown:  s.shutdownViaControl,
	})
	if err := s.control.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control plane: %w", err)
	}
	return nil
}

func (s *Scanner) startHealth(cfg *config.Config) {
	if cfg.Health.Port == 0 {
		return
	}
	sources := telemetry.StatsSources{
		Session: s.session.Stats,
		Bus:     s.bus.Stats,
		Source:  s.source.Stats,
		Engine:  s.engine.Stats,
	}
	stats := map[string]func() any{
		"session": func() any { return s.session.Stats() },
		"source":  func() any { return s.source.Stats() },
		"engine":  func() any { return s.engine.Stats() },
		"bus":     func() any { return s.bus.Stats() },
	}
	if s.emitter != nil {
		sources.Emitter = s.emitter.Stats
		stats["emitter"] = func() any { return s.emitter.Stats() }
	}

	s.health = telemetry.NewServer(telemetry.ServerConfig{
		Port:      cfg.Health.Port,
		Registry:  telemetry.NewRegistry(sources),
		Health:    s.HealthCheck,
		Stats:     stats,
		Providers: s.providers,
		Logger:    s.logger,
	})
	s.health.Start()
}

// HealthCheck returns the current health status of the service
func (s *Scanner) HealthCheck() telemetry.HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	mqttEnabled := s.cfg.MQTT.Enabled
	s.mu.RUnlock()

	if !running {
		return telemetry.HealthStatus{Status: telemetry.StatusUnhealthy}
	}

	status := telemetry.HealthStatus{
		Status:         telemetry.StatusHealthy,
		SessionID:      s.session.ID(),
		CameraActive:   !s.session.IsCameraPaused(),
		ScanningActive: !s.session.IsScanningPaused(),
		SourceRunning:  s.source.Stats().Running,
		MQTTConnected:  s.conn != nil && s.conn.IsConnected(),
	}
	if s.engine != nil {
		status.EngineLastSeen = s.engine.Stats().LastSeenAt
	}
	if status.CameraActive && !status.SourceRunning {
		status.Status = telemetry.StatusDegraded
	}
	if mqttEnabled && !status.MQTTConnected {
		status.Status = telemetry.StatusDegraded
	}
	if s.session.Stats().EnginePanics > 0 {
		status.Status = telemetry.StatusDegraded
	}
	return status
}

// componentStatus extends get_status beyond the session
func (s *Scanner) componentStatus() map[string]interface{} {
	src := s.source.Stats()
	eng := s.engine.Stats()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"instance_id":      s.cfg.InstanceID,
		"uptime_s":         time.Since(s.started).Seconds(),
		"source_kind":      src.Kind,
		"source_fps":       src.FPSReal,
		"source_running":   src.Running,
		"engine_requests":  eng.Requests,
		"engine_timeouts":  eng.Timeouts,
		"engine_latency_s": eng.AvgLatency.Seconds(),
		"last_result_at":   s.observer.LastResultAt(),
	}
}

// shutdownViaControl cancels Run; main then calls Shutdown
func (s *Scanner) shutdownViaControl() error {
	s.mu.RLock()
	cancel := s.cancelCtx
	s.mu.RUnlock()
	if cancel == nil {
		return fmt.Errorf("service is not running")
	}
	cancel()
	return nil
}

// logStats periodically logs session and source counters
func (s *Scanner) logStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.session.Stats()
			src := s.source.Stats()
			s.logger.Info("scan stats",
				"frames_received", st.FramesReceived,
				"frames_processed", st.FramesProcessed,
				"dropped", st.Dropped(),
				"results", st.ResultsDelivered,
				"stale_discarded", st.StaleDiscarded,
				"source_fps", fmt.Sprintf("%.2f", src.FPSReal),
				"source_drop_rate", fmt.Sprintf("%.1f%%", src.DropRate()),
			)
		}
	}
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Scanner) ShutdownTimeout() time.Duration {
	timeout := s.Config().ShutdownTimeout()
	if timeout == 0 {
		return 5 * time.Second // Default
	}
	return timeout
}

// Shutdown performs graceful shutdown of all components. It also releases
// whatever a failed Run managed to start.
func (s *Scanner) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.isRunning = false
	s.cancelCtx = nil
	watch := s.settingsWatch
	s.settingsWatch = nil
	s.mu.Unlock()

	s.logger.Info("shutting down orion scan service")

	// 1. Stop taking commands
	if s.control != nil {
		if err := s.control.Stop(); err != nil {
			s.logger.Error("failed to stop control handler", "error", err)
		}
	}
	if watch != nil {
		if err := watch.stop(); err != nil {
			s.logger.Error("failed to stop settings watch", "error", err)
		}
	}

	// 2. Close the session on its loop: stops the source, discards in-flight work
	if s.session != nil {
		if err := s.onLoop(s.session.Close); err != nil {
			s.logger.Error("failed to close session", "error", err)
		}
		// observers (and MQTT) still get the camera paused notification
		_ = s.loop.Flush()
	}
	if s.bus != nil {
		s.bus.Close()
	}

	// 3. Wait for goroutines to finish
	s.wg.Wait()

	// 4. Recognizer process
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			s.logger.Error("failed to stop recognizer", "error", err)
		}
	}

	// 5. MQTT
	if s.emitter != nil {
		if err := s.emitter.Close(); err != nil {
			s.logger.Error("failed to close emitter", "error", err)
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Error("failed to close mqtt connection", "error", err)
		}
	}

	// 6. Health server and telemetry
	if s.health != nil {
		if err := s.health.Shutdown(ctx); err != nil {
			s.logger.Error("failed to stop health server", "error", err)
		}
	}
	if s.providers != nil {
		if err := s.providers.Shutdown(ctx); err != nil {
			s.logger.Error("failed to flush telemetry", "error", err)
		}
	}

	if s.loop != nil {
		s.loop.Stop()
	}

	s.logger.Info("orion scan service shutdown complete", "uptime", time.Since(s.started))
	return nil
}
