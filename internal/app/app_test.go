package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-scan/internal/config"
	"github.com/e7canasta/orion-scan/internal/telemetry"
	"github.com/e7canasta/orion-scan/modules/controlloop"
	"github.com/e7canasta/orion-scan/modules/region"
	"github.com/e7canasta/orion-scan/modules/scansession"
	"github.com/e7canasta/orion-scan/modules/settings"
	"github.com/e7canasta/orion-scan/modules/types"
)

type idleEngine struct{}

func (idleEngine) Process(types.Frame, region.Region, *settings.Snapshot) types.Outcome {
	return types.Pending()
}
func (idleEngine) ResetInternalState()            {}
func (idleEngine) Reconfigure(*settings.Snapshot) {}

func TestNewSource(t *testing.T) {
	src, err := NewSource(config.SourceConfig{Kind: config.SourceSynthetic, Width: 8, Height: 8, FPS: 5}, nil)
	require.NoError(t, err)
	assert.Equal(t, "synthetic", src.Stats().Kind)

	_, err = NewSource(config.SourceConfig{Kind: "webcam"}, nil)
	assert.Error(t, err)
}

func TestLoadSettings(t *testing.T) {
	snap, err := loadSettings(config.SessionConfig{ResetStateOnApply: true})
	require.NoError(t, err)
	assert.Equal(t, "default", snap.Name())
	assert.True(t, snap.ResetStateOnApply())

	path := filepath.Join(t.TempDir(), "retail.yaml")
	require.NoError(t, os.WriteFile(path, []byte("formats: [ean13]\n"), 0o644))
	snap, err = loadSettings(config.SessionConfig{SettingsFile: path})
	require.NoError(t, err)
	assert.Equal(t, "retail", snap.Name())
	assert.False(t, snap.ResetStateOnApply())

	_, err = loadSettings(config.SessionConfig{SettingsFile: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

// newRunningScanner builds the parts of a Scanner that hot reload touches
func newRunningScanner(t *testing.T, cfg *config.Config) *Scanner {
	t.Helper()
	logger := slog.Default()

	loop := controlloop.New(controlloop.WithName("app-test"))
	require.NoError(t, loop.Start(context.Background()))

	src, err := NewSource(config.SourceConfig{Kind: config.SourceSynthetic, Width: 8, Height: 8, FPS: 10}, logger)
	require.NoError(t, err)
	snap, err := loadSettings(cfg.Session)
	require.NoError(t, err)

	sess, err := scansession.New(scansession.Options{
		Loop:     loop,
		Source:   src,
		Engine:   idleEngine{},
		Settings: snap,
		Region:   cfg.Session.Region,
		Logger:   logger,
	})
	require.NoError(t, err)

	s := &Scanner{
		logger:    logger,
		loop:      loop,
		source:    src,
		session:   sess,
		cfg:       cfg,
		isRunning: true,
		started:   time.Now(),
	}
	t.Cleanup(func() {
		s.mu.Lock()
		watch := s.settingsWatch
		s.mu.Unlock()
		if watch != nil {
			_ = watch.stop()
		}
		_ = s.onLoop(sess.Close)
		loop.Stop()
	})
	return s
}

func TestOnConfigChangeAppliesRegion(t *testing.T) {
	old := &config.Config{Session: config.SessionConfig{Region: region.Full()}}
	s := newRunningScanner(t, old)
	gen := s.session.Stats().Generation

	updated := *old
	updated.Session.Region = region.Region{X: 0.25, Y: 0.25, Width: 0.5, Height: 0.5}
	s.onConfigChange(old, &updated)

	assert.Equal(t, updated.Session.Region, s.session.Region())
	assert.Greater(t, s.session.Stats().Generation, gen)
	assert.Same(t, &updated, s.Config())

	// an invalid region is rejected and the previous one kept
	bad := updated
	bad.Session.Region = region.Region{X: 0.9, Y: 0, Width: 0.5, Height: 1}
	s.onConfigChange(&updated, &bad)
	assert.Equal(t, updated.Session.Region, s.session.Region())
}

func TestOnConfigChangeReloadsSettings(t *testing.T) {
	old := &config.Config{Session: config.SessionConfig{Region: region.Full()}}
	s := newRunningScanner(t, old)

	path := filepath.Join(t.TempDir(), "warehouse.yaml")
	require.NoError(t, os.WriteFile(path, []byte("formats: [qr]\n"), 0o644))

	updated := *old
	updated.Session.SettingsFile = path
	s.onConfigChange(old, &updated)

	active := s.session.Settings()
	assert.Equal(t, "warehouse", active.Name())

	// same content again is not re-applied
	require.NoError(t, s.reloadSettings(updated.Session))
	assert.Same(t, active, s.session.Settings())

	s.mu.RLock()
	watching := s.settingsWatch != nil
	s.mu.RUnlock()
	assert.True(t, watching)
}

func TestOnConfigChangeBeforeRun(t *testing.T) {
	old := &config.Config{Session: config.SessionConfig{Region: region.Full()}}
	s := &Scanner{logger: slog.Default(), cfg: old}

	updated := *old
	updated.Session.Region = region.Region{X: 0, Y: 0, Width: 0.5, Height: 0.5}
	s.onConfigChange(old, &updated)
	assert.Same(t, &updated, s.Config())

	assert.Equal(t, telemetry.StatusUnhealthy, s.HealthCheck().Status)
}

func TestHealthCheck(t *testing.T) {
	cfg := &config.Config{Session: config.SessionConfig{Region: region.Full()}}
	s := newRunningScanner(t, cfg)

	// camera paused: nothing to be degraded about
	h := s.HealthCheck()
	assert.Equal(t, telemetry.StatusHealthy, h.Status)
	assert.Equal(t, s.session.ID(), h.SessionID)
	assert.False(t, h.CameraActive)

	cfg.MQTT.Enabled = true
	assert.Equal(t, telemetry.StatusDegraded, s.HealthCheck().Status, "mqtt enabled but not connected")
}

func TestShutdown(t *testing.T) {
	cfg := &config.Config{Session: config.SessionConfig{Region: region.Full()}}
	s := newRunningScanner(t, cfg)
	require.NoError(t, s.onLoop(func() error {
		assert.True(t, s.session.ResumeCamera())
		return nil
	}))

	require.NoError(t, s.Shutdown(context.Background()))

	assert.True(t, s.session.IsCameraPaused())
	assert.False(t, s.source.Stats().Running)
	assert.Equal(t, telemetry.StatusUnhealthy, s.HealthCheck().Status)
	assert.ErrorIs(t, s.onLoop(func() error { return nil }), controlloop.ErrStopped)
}

func TestShutdownAfterFailedStart(t *testing.T) {
	s := &Scanner{logger: slog.Default(), cfg: &config.Config{}}
	assert.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, 5*time.Second, s.ShutdownTimeout())
}
