package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Health states
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus represents the readiness of the daemon
type HealthStatus struct {
	Status         string    `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds  int64     `json:"uptime_seconds"`
	SessionID      string    `json:"session_id"`
	CameraActive   bool      `json:"camera_active"`
	ScanningActive bool      `json:"scanning_active"`
	SourceRunning  bool      `json:"source_running"`
	MQTTConnected  bool      `json:"mqtt_connected"`
	EngineLastSeen time.Time `json:"engine_last_seen,omitempty"`
}

// ServerConfig configures the health server
type ServerConfig struct {
	Port     int
	Registry *prometheus.Registry
	// Health computes readiness; nil reports healthy
	Health func() HealthStatus
	// Stats returns a JSON-encodable snapshot per component name
	Stats     map[string]func() any
	Providers *Providers
	Logger    *slog.Logger
}

// Server serves /health, /readiness, /metrics and /stats/{component}
type Server struct {
	cfg     ServerConfig
	started time.Time
	logger  *slog.Logger
	http    *http.Server
}

// NewServer builds the router. Call Start to listen.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, started: time.Now(), logger: logger}
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router returns the HTTP routes
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.liveness).Methods(http.MethodGet)
	r.HandleFunc("/readiness", s.readiness).Methods(http.MethodGet)
	r.HandleFunc("/stats/{component}", s.stats).Methods(http.MethodGet)
	if s.cfg.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if s.cfg.Providers != nil {
		r.HandleFunc("/metrics/otel", s.otelMetrics).Methods(http.MethodGet)
	}
	return r
}

// Start listens in a goroutine (non-blocking)
func (s *Server) Start() {
	s.logger.Info("starting health check server",
		"addr", s.http.Addr,
		"endpoints", []string{"/health", "/readiness", "/metrics", "/stats/{component}"},
	)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health check server failed", "error", err)
		}
	}()
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// liveness returns 200 while the process can serve requests
func (s *Server) liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// readiness returns 503 only when unhealthy; degraded is still ready
func (s *Server) readiness(w http.ResponseWriter, _ *http.Request) {
	health := HealthStatus{Status: StatusHealthy}
	if s.cfg.Health != nil {
		health = s.cfg.Health()
	}
	health.UptimeSeconds = int64(time.Since(s.started).Seconds())

	code := http.StatusOK
	if health.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	component := mux.Vars(r)["component"]
	fn, ok := s.cfg.Stats[component]
	if !ok {
		http.Error(w, "unknown component", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, fn())
}

func (s *Server) otelMetrics(w http.ResponseWriter, r *http.Request) {
	rm, err := s.cfg.Providers.Collect(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type point struct {
		Scope string  `json:"scope"`
		Name  string  `json:"name"`
		Unit  string  `json:"unit,omitempty"`
		Value float64 `json:"value"` // sum across attribute sets; count for histograms
	}
	var points []point
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			p := point{Scope: sm.Scope.Name, Name: m.Name, Unit: m.Unit}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					p.Value += float64(dp.Value)
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					p.Value += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					p.Value += float64(dp.Count)
				}
			}
			points = append(points, p)
		}
	}
	writeJSON(w, http.StatusOK, points)
}
