// Package emitter publishes session notifications to MQTT.
//
// Emitter is a delegatebus observer. Observer callbacks run on the control
// goroutine, so they only encode and enqueue; a publisher goroutine owns the
// broker round trips. When the queue is full the message is dropped and
// counted rather than stalling the control loop.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-scan/modules/types"
)

const defaultQueueSize = 64

// Publisher sends a payload to a topic
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// Config configures an Emitter
type Config struct {
	// Topic is the results topic prefix: {Topic}/{result type}, {Topic}/failure, ...
	Topic      string
	QoS        byte
	InstanceID string
	QueueSize  int
	Logger     *slog.Logger
}

type message struct {
	topic   string
	payload []byte
}

// Emitter forwards results, failures, detections and state changes
type Emitter struct {
	pub    Publisher
	cfg    Config
	logger *slog.Logger

	queue chan message
	done  chan struct{}

	mu        sync.Mutex
	closed    bool
	started   bool
	published map[string]uint64
	errors    uint64
	dropped   uint64
}

// Stats contains emitter statistics
type Stats struct {
	Published map[string]uint64
	Errors    uint64
	Dropped   uint64
	Queued    int
}

// New creates an emitter. Call Start before registering it as an observer.
func New(pub Publisher, cfg Config) *Emitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		pub:       pub,
		cfg:       cfg,
		logger:    logger,
		queue:     make(chan message, cfg.QueueSize),
		done:      make(chan struct{}),
		published: make(map[string]uint64),
	}
}

// Start launches the publisher goroutine. It exits on ctx cancellation or
// Close, after draining what is already queued in the Close case.
func (e *Emitter) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	go e.run(ctx)
}

func (e *Emitter) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-e.queue:
			if !ok {
				return
			}
			e.publish(msg)
		}
	}
}

func (e *Emitter) publish(msg message) {
	if err := e.pub.Publish(msg.topic, e.cfg.QoS, msg.payload); err != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		e.logger.Warn("emitter: publish failed", "topic", msg.topic, "error", err)
		return
	}

	e.mu.Lock()
	e.published[msg.topic]++
	e.mu.Unlock()

	e.logger.Debug("emitter: published", "topic", msg.topic, "size", len(msg.payload))
}

// Close stops accepting messages and waits for the queue to drain
func (e *Emitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	close(e.queue)
	e.mu.Unlock()

	if started {
		<-e.done
	}
	return nil
}

func (e *Emitter) enqueue(kind string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		e.logger.Error("emitter: marshal failed", "kind", kind, "error", err)
		return
	}
	e.enqueueRaw(kind, payload)
}

func (e *Emitter) enqueueRaw(kind string, payload []byte) {
	msg := message{topic: fmt.Sprintf("%s/%s", e.cfg.Topic, kind), payload: payload}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.queue <- msg:
	default:
		e.dropped++
		e.logger.Warn("emitter: queue full, dropping message", "topic", msg.topic)
	}
}

// OnResult publishes to {topic}/{result type}
func (e *Emitter) OnResult(result types.Result) {
	payload, err := result.ToJSON()
	if err != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		e.logger.Error("emitter: result marshal failed", "type", result.Type(), "error", err)
		return
	}
	e.enqueueRaw(result.Type(), payload)
}

// OnFailure publishes to {topic}/failure
func (e *Emitter) OnFailure(failure types.Failure) {
	e.enqueue("failure", failure)
}

// OnDetection publishes to {topic}/detection
func (e *Emitter) OnDetection(detection types.Detection) {
	e.enqueue("detection", detection)
}

type stateChange struct {
	InstanceID string    `json:"instance_id"`
	Camera     string    `json:"camera,omitempty"`
	Scanning   string    `json:"scanning,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// OnCameraStateChanged publishes to {topic}/state
func (e *Emitter) OnCameraStateChanged(state types.CameraState) {
	e.enqueue("state", stateChange{InstanceID: e.cfg.InstanceID, Camera: state.String(), Timestamp: time.Now()})
}

// OnScanStateChanged publishes to {topic}/state
func (e *Emitter) OnScanStateChanged(state types.ScanState) {
	e.enqueue("state", stateChange{InstanceID: e.cfg.InstanceID, Scanning: state.String(), Timestamp: time.Now()})
}

// Stats returns emitter statistics
func (e *Emitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Published: published,
		Errors:    e.errors,
		Dropped:   e.dropped,
		Queued:    len(e.queue),
	}
}
