package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-scan/modules/region"
	"github.com/e7canasta/orion-scan/modules/scansession"
	"github.com/e7canasta/orion-scan/modules/settings"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// Transport is the MQTT surface the handler needs
type Transport interface {
	Subscribe(topic string, qos byte, handler func(payload []byte)) error
	Unsubscribe(topic string) error
	Publish(topic string, qos byte, payload []byte) error
}

// Loop runs fn on the session's control goroutine and waits for it
type Loop interface {
	Do(fn func()) error
}

// Config configures the handler topics
type Config struct {
	CommandTopic  string
	ResponseTopic string
	QoS           byte
	Logger        *slog.Logger
}

// CommandCallbacks contains optional hooks for commands that reach beyond
// the session
type CommandCallbacks struct {
	// OnGetStatus adds source/engine/bus details to get_status
	OnGetStatus func() map[string]interface{}
	OnShutdown  func() error
}

// Handler handles control plane commands. Every session operation is
// marshalled onto the control loop.
type Handler struct {
	cfg       Config
	transport Transport
	loop      Loop
	session   scansession.Session
	callbacks CommandCallbacks
	logger    *slog.Logger

	commands chan Command
	mu       sync.Mutex
	stopped  bool
}

// NewHandler creates a new control plane handler
func NewHandler(cfg Config, transport Transport, loop Loop, session scansession.Session, callbacks CommandCallbacks) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ResponseTopic == "" {
		cfg.ResponseTopic = cfg.CommandTopic + "/ack"
	}
	return &Handler{
		cfg:       cfg,
		transport: transport,
		loop:      loop,
		session:   session,
		callbacks: callbacks,
		logger:    logger,
		commands:  make(chan Command, 10),
	}
}

// Start starts listening for control commands
func (h *Handler) Start(ctx context.Context) error {
	h.logger.Info("subscribing to control plane", "topic", h.cfg.CommandTopic, "qos", h.cfg.QoS)

	if err := h.transport.Subscribe(h.cfg.CommandTopic, h.cfg.QoS, h.messageHandler); err != nil {
		return fmt.Errorf("control plane: %w", err)
	}

	h.logger.Info("control plane handler started")

	go h.processCommands(ctx)
	return nil
}

// Stop stops the control plane handler
func (h *Handler) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	close(h.commands)
	h.mu.Unlock()

	if err := h.transport.Unsubscribe(h.cfg.CommandTopic); err != nil {
		h.logger.Warn("control plane unsubscribe failed", "error", err)
	}

	h.logger.Info("control plane handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		h.logger.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	h.logger.Info("control command received", "command", cmd.Command)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	select {
	case h.commands <- cmd:
	default:
		h.logger.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			resp := h.handleCommand(cmd)
			h.sendResponse(resp)

			if cmd.Command == "shutdown" && resp.Status == "success" {
				// the ack goes out before shutdown starts
				go func() {
					if err := h.callbacks.OnShutdown(); err != nil {
						h.logger.Error("shutdown callback failed", "error", err)
					}
				}()
			}
		}
	}
}

// handleCommand executes a command and builds its response
func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	var err error
	switch cmd.Command {
	case "get_status":
		resp.Data, err = h.status()

	case "pause_scanning":
		var changed bool
		err = h.loop.Do(func() { changed = h.session.PauseScanning() })
		resp.Data = map[string]interface{}{"scanning_active": false, "changed": changed}

	case "resume_scanning":
		reset, _ := cmd.Params["reset_state"].(bool)
		var changed bool
		err = h.loop.Do(func() { changed = h.session.ResumeScanning(reset) })
		resp.Data = map[string]interface{}{"scanning_active": true, "changed": changed, "reset_state": reset}

	case "pause_camera":
		var changed bool
		err = h.loop.Do(func() { changed = h.session.PauseCamera() })
		resp.Data = map[string]interface{}{"camera_active": false, "changed": changed}

	case "resume_camera":
		var changed bool
		err = h.loop.Do(func() { changed = h.session.ResumeCamera() })
		resp.Data = map[string]interface{}{"camera_active": true, "changed": changed}

	case "reset_state":
		err = h.loop.Do(h.session.ResetState)
		resp.Data = map[string]interface{}{"message": "engine reset scheduled before next frame"}

	case "apply_settings":
		resp.Data, err = h.applySettings(cmd.Params)

	case "set_region":
		resp.Data, err = h.setRegion(cmd.Params)

	case "set_torch":
		on, ok := cmd.Params["on"].(bool)
		if !ok {
			err = fmt.Errorf("missing or invalid 'on' parameter (expected bool)")
			break
		}
		err = h.runOnLoop(func() error { return h.session.SetTorch(on) })
		resp.Data = map[string]interface{}{"torch_on": on}

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			err = fmt.Errorf("shutdown not implemented")
			break
		}
		h.logger.Warn("shutdown command received via MQTT control plane")
		resp.Data = map[string]interface{}{
			"shutdown_initiated": true,
			"message":            "graceful shutdown in progress",
		}

	default:
		err = fmt.Errorf("unknown command: %s", cmd.Command)
	}

	if err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		resp.Data = nil
		return resp
	}
	resp.Status = "success"
	return resp
}

// runOnLoop runs an error-returning session op on the control loop
func (h *Handler) runOnLoop(op func() error) error {
	var opErr error
	if err := h.loop.Do(func() { opErr = op() }); err != nil {
		return err
	}
	return opErr
}

func (h *Handler) status() (map[string]interface{}, error) {
	var data map[string]interface{}
	err := h.loop.Do(func() {
		stats := h.session.Stats()
		snap := h.session.Settings()
		data = map[string]interface{}{
			"session_id":       h.session.ID(),
			"camera":           stats.CameraState.String(),
			"scanning":         stats.ScanState.String(),
			"region":           h.session.Region(),
			"settings":         snap.String(),
			"generation":       stats.Generation,
			"frames_received":  stats.FramesReceived,
			"frames_processed": stats.FramesProcessed,
			"frames_dropped":   stats.Dropped(),
			"results":          stats.ResultsDelivered,
			"failures":         stats.FailuresDelivered,
			"stale_discarded":  stats.StaleDiscarded,
		}
	})
	if err != nil {
		return nil, err
	}
	if h.callbacks.OnGetStatus != nil {
		for k, v := range h.callbacks.OnGetStatus() {
			data[k] = v
		}
	}
	return data, nil
}

func (h *Handler) applySettings(params map[string]interface{}) (map[string]interface{}, error) {
	document, ok := params["document"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'document' parameter (expected YAML string)")
	}
	name, _ := params["name"].(string)
	reset, _ := params["reset_state_on_apply"].(bool)

	snap, err := settings.New([]byte(document),
		settings.WithName(name),
		settings.WithResetStateOnApply(reset),
	)
	if err != nil {
		return nil, err
	}
	if err := h.runOnLoop(func() error { return h.session.ApplySettings(snap) }); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"settings": snap.String(),
		"version":  snap.Version(),
		"digest":   snap.Digest(),
	}, nil
}

func (h *Handler) setRegion(params map[string]interface{}) (map[string]interface{}, error) {
	var coords [4]float64
	for i, key := range []string{"x", "y", "width", "height"} {
		v, ok := params[key].(float64)
		if !ok {
			return nil, fmt.Errorf("missing or invalid '%s' parameter (expected number)", key)
		}
		coords[i] = v
	}
	r := region.Region{X: coords[0], Y: coords[1], Width: coords[2], Height: coords[3]}

	if err := h.runOnLoop(func() error { return h.session.SetScanningRegion(r) }); err != nil {
		return nil, err
	}
	return map[string]interface{}{"region": r}, nil
}

// sendResponse publishes a response to the ack topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to marshal response", "error", err)
		return
	}

	if err := h.transport.Publish(h.cfg.ResponseTopic, h.cfg.QoS, payload); err != nil {
		h.logger.Error("failed to publish response", "error", err)
		return
	}

	h.logger.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
