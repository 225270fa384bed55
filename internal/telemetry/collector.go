package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/e7canasta/orion-scan/internal/emitter"
	"github.com/e7canasta/orion-scan/modules/delegatebus"
	"github.com/e7canasta/orion-scan/modules/engine"
	"github.com/e7canasta/orion-scan/modules/framesource"
	"github.com/e7canasta/orion-scan/modules/scansession"
	"github.com/e7canasta/orion-scan/modules/types"
)

const namespace = "orion_scan"

// StatsSources are read on every scrape. Nil entries are skipped.
type StatsSources struct {
	Session func() scansession.Stats
	Bus     func() delegatebus.Stats
	Source  func() framesource.Stats
	Engine  func() engine.Stats
	Emitter func() emitter.Stats
}

// NewRegistry returns a Prometheus registry with collectors over every
// non-nil stats source
func NewRegistry(src StatsSources) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	if src.Session != nil {
		registerSession(reg, src.Session)
	}
	if src.Bus != nil {
		reg.MustRegister(
			counter("bus", "delivered_total", "Observer callbacks invoked", func() float64 {
				return float64(src.Bus().TotalDelivered)
			}),
			counter("bus", "observer_panics_total", "Recovered observer panics", func() float64 {
				return float64(src.Bus().TotalPanics)
			}),
			gauge("bus", "observers", "Registered observers", func() float64 {
				return float64(len(src.Bus().Observers))
			}),
		)
	}
	if src.Source != nil {
		registerSource(reg, src.Source)
	}
	if src.Engine != nil {
		reg.MustRegister(
			counter("engine", "requests_total", "Requests sent to the recognizer", func() float64 {
				return float64(src.Engine().Requests)
			}),
			counter("engine", "timeouts_total", "Requests that timed out", func() float64 {
				return float64(src.Engine().Timeouts)
			}),
			counter("engine", "io_errors_total", "Recognizer pipe errors", func() float64 {
				return float64(src.Engine().IOErrors)
			}),
			counter("engine", "stale_responses_total", "Responses discarded for a mismatched id", func() float64 {
				return float64(src.Engine().StaleResponses)
			}),
			gauge("engine", "avg_latency_seconds", "Moving average recognizer latency", func() float64 {
				return src.Engine().AvgLatency.Seconds()
			}),
		)
	}
	if src.Emitter != nil {
		reg.MustRegister(
			counter("emitter", "errors_total", "Failed MQTT publishes", func() float64 {
				return float64(src.Emitter().Errors)
			}),
			counter("emitter", "dropped_total", "Messages dropped on a full queue", func() float64 {
				return float64(src.Emitter().Dropped)
			}),
		)
	}
	return reg
}

func registerSession(reg *prometheus.Registry, stats func() scansession.Stats) {
	reg.MustRegister(
		counter("session", "frames_received_total", "Frames delivered by the source", func() float64 {
			return float64(stats().FramesReceived)
		}),
		counter("session", "frames_processed_total", "Frames handed to the recognizer", func() float64 {
			return float64(stats().FramesProcessed)
		}),
		counter("session", "frames_dropped_total", "Frames dropped for any reason", func() float64 {
			return float64(stats().Dropped())
		}),
		counter("session", "results_total", "Results delivered to observers", func() float64 {
			return float64(stats().ResultsDelivered)
		}),
		counter("session", "failures_total", "Failures delivered to observers", func() float64 {
			return float64(stats().FailuresDelivered)
		}),
		counter("session", "stale_discarded_total", "Outcomes discarded after a state change", func() float64 {
			return float64(stats().StaleDiscarded)
		}),
		counter("session", "engine_panics_total", "Recovered recognizer panics", func() float64 {
			return float64(stats().EnginePanics)
		}),
		counter("session", "precondition_violations_total", "Control calls off the control goroutine or after close", func() float64 {
			return float64(stats().PreconditionViolations)
		}),
		gauge("session", "generation", "Current state generation", func() float64 {
			return float64(stats().Generation)
		}),
		gauge("session", "camera_active", "1 while the camera runs", func() float64 {
			return boolValue(stats().CameraState == types.CameraActive)
		}),
		gauge("session", "scanning_active", "1 while scanning", func() float64 {
			return boolValue(stats().ScanState == types.ScanScanning)
		}),
	)
}

func registerSource(reg *prometheus.Registry, stats func() framesource.Stats) {
	reg.MustRegister(
		counter("source", "frames_emitted_total", "Frames emitted by the source", func() float64 {
			return float64(stats().FramesEmitted)
		}),
		counter("source", "frames_dropped_total", "Frames overwritten before delivery", func() float64 {
			return float64(stats().FramesDropped)
		}),
		counter("source", "reconnects_total", "Stream reconnect attempts", func() float64 {
			return float64(stats().Reconnects)
		}),
		gauge("source", "fps", "Measured frames per second", func() float64 {
			return stats().FPSReal
		}),
		gauge("source", "running", "1 while the source runs", func() float64 {
			return boolValue(stats().Running)
		}),
	)
}

func counter(subsystem, name, help string, fn func() float64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

func gauge(subsystem, name, help string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
