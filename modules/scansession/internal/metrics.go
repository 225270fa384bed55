package internal

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const namespace = "scansession"

// Drop reasons used as metric attribute values
const (
	dropBusy         = "busy"
	dropPaused       = "scan_paused"
	dropCameraPaused = "camera_paused"
	dropRateLimited  = "rate_limited"
	dropClosed       = "closed"
)

type sessionMetrics struct {
	framesReceived  metric.Int64Counter
	framesDropped   metric.Int64Counter
	outcomes        metric.Int64Counter
	staleDiscarded  metric.Int64Counter
	controlOps      metric.Int64Counter
	processDuration metric.Float64Histogram
}

func newSessionMetrics(mp metric.MeterProvider) (*sessionMetrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(sessionMetrics)
	var err error

	if m.framesReceived, err = meter.Int64Counter(
		"frames_received_total",
		metric.WithDescription("Total number of frames handed to the session by the source"),
	); err != nil {
		return nil, err
	}

	if m.framesDropped, err = meter.Int64Counter(
		"frames_dropped_total",
		metric.WithDescription("Total number of frames dropped before recognition, by reason"),
	); err != nil {
		return nil, err
	}

	if m.outcomes, err = meter.Int64Counter(
		"outcomes_total",
		metric.WithDescription("Total number of engine outcomes, by kind"),
	); err != nil {
		return nil, err
	}

	if m.staleDiscarded, err = meter.Int64Counter(
		"stale_discarded_total",
		metric.WithDescription("Total number of outcomes discarded because session state changed while in flight"),
	); err != nil {
		return nil, err
	}

	if m.controlOps, err = meter.Int64Counter(
		"control_ops_total",
		metric.WithDescription("Total number of state-changing control operations, by op"),
	); err != nil {
		return nil, err
	}

	if m.processDuration, err = meter.Float64Histogram(
		"process_duration_seconds",
		metric.WithDescription("Time spent inside the recognizer engine per frame"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *sessionMetrics) frameReceived(ctx context.Context) {
	m.framesReceived.Add(ctx, 1)
}

func (m *sessionMetrics) frameDropped(ctx context.Context, reason string) {
	m.framesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *sessionMetrics) outcome(ctx context.Context, kind string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.outcomes.Add(ctx, 1, attrs)
	m.processDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *sessionMetrics) stale(ctx context.Context) {
	m.staleDiscarded.Add(ctx, 1)
}

func (m *sessionMetrics) controlOp(ctx context.Context, op string) {
	m.controlOps.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
