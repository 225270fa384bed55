package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-scan/modules/controlloop"
	"github.com/e7canasta/orion-scan/modules/delegatebus"
	"github.com/e7canasta/orion-scan/modules/engine"
	"github.com/e7canasta/orion-scan/modules/framesource"
	"github.com/e7canasta/orion-scan/modules/region"
	"github.com/e7canasta/orion-scan/modules/scansession"
	"github.com/e7canasta/orion-scan/modules/settings"
	"github.com/e7canasta/orion-scan/modules/types"
)

func TestRegistryReadsStatsOnScrape(t *testing.T) {
	session := scansession.Stats{FramesReceived: 10, FramesProcessed: 7, DroppedBusy: 2, DroppedPaused: 1, CameraState: types.CameraActive}
	reg := NewRegistry(StatsSources{
		Session: func() scansession.Stats { return session },
		Bus:     func() delegatebus.Stats { return delegatebus.Stats{TotalDelivered: 4} },
		Source:  func() framesource.Stats { return framesource.Stats{FramesEmitted: 12, Running: true} },
		Engine:  func() engine.Stats { return engine.Stats{Requests: 7, Timeouts: 1} },
	})

	expected := `
# HELP orion_scan_session_frames_dropped_total Frames dropped for any reason
# TYPE orion_scan_session_frames_dropped_total counter
orion_scan_session_frames_dropped_total 3
# HELP orion_scan_session_camera_active 1 while the camera runs
# TYPE orion_scan_session_camera_active gauge
orion_scan_session_camera_active 1
# HELP orion_scan_engine_timeouts_total Requests that timed out
# TYPE orion_scan_engine_timeouts_total counter
orion_scan_engine_timeouts_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"orion_scan_session_frames_dropped_total",
		"orion_scan_session_camera_active",
		"orion_scan_engine_timeouts_total",
	))

	session.FramesProcessed = 9
	count, err := testutil.GatherAndCount(reg, "orion_scan_session_frames_processed_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

type idleEngine struct{}

func (idleEngine) Process(types.Frame, region.Region, *settings.Snapshot) types.Outcome {
	return types.Pending()
}
func (idleEngine) ResetInternalState()            {}
func (idleEngine) Reconfigure(*settings.Snapshot) {}

func TestServerRoutes(t *testing.T) {
	providers := NewProviders("orion-scan", "dock-01")
	t.Cleanup(func() { _ = providers.Shutdown(context.Background()) })

	loop := controlloop.New()
	require.NoError(t, loop.Start(context.Background()))
	t.Cleanup(loop.Stop)

	source, err := framesource.NewSyntheticSource(framesource.SyntheticConfig{Width: 4, Height: 4, FPS: 10})
	require.NoError(t, err)
	snap, err := settings.New([]byte("a: 1\n"))
	require.NoError(t, err)
	sess, err := scansession.New(scansession.Options{
		Loop:           loop,
		Source:         source,
		Engine:         idleEngine{},
		Settings:       snap,
		MeterProvider:  providers.Meter,
		TracerProvider: providers.Tracer,
	})
	require.NoError(t, err)
	require.NoError(t, loop.Do(func() {
		sess.PauseScanning()
		sess.ResumeScanning(true)
	}))

	unhealthy := false
	srv := NewServer(ServerConfig{
		Registry: NewRegistry(StatsSources{Session: sess.Stats}),
		Health: func() HealthStatus {
			if unhealthy {
				return HealthStatus{Status: StatusUnhealthy}
			}
			return HealthStatus{Status: StatusDegraded, SessionID: sess.ID()}
		},
		Stats:     map[string]func() any{"session": func() any { return sess.Stats() }},
		Providers: providers,
	})
	router := srv.Router()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/health").Code)

	rec := get("/readiness")
	assert.Equal(t, http.StatusOK, rec.Code, "degraded is still ready")
	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, sess.ID(), health.SessionID)

	unhealthy = true
	assert.Equal(t, http.StatusServiceUnavailable, get("/readiness").Code)

	rec = get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "orion_scan_session_generation 2")

	rec = get("/stats/session")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Generation":2`)
	assert.Equal(t, http.StatusNotFound, get("/stats/warp").Code)

	rec = get("/metrics/otel")
	require.Equal(t, http.StatusOK, rec.Code)
	var points []struct {
		Name  string  `json:"name"`
		Value float64 `json:"value"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	var controlOps float64
	for _, p := range points {
		if p.Name == "control_ops_total" {
			controlOps = p.Value
		}
	}
	assert.Equal(t, 2.0, controlOps)

	require.NoError(t, loop.Do(func() { _ = sess.Close() }))
}
