// Package engine adapts an external recognizer process to the scan session's
// Engine interface.
//
// The process reads requests on stdin and writes responses on stdout, both
// framed as a 4-byte big-endian length followed by a MessagePack map:
//
//	request:  {id, op: process|reset|configure, seq, trace_id, frame_data,
//	           width, height, cropped, region, settings}
//	response: {id, status: pending|result|failed|ok, type, text, fields,
//	           reason, detection, diagnostics}
//
// Every request is answered by exactly one response carrying the same id.
// Calls are serialized; a response that arrives after its call timed out is
// recognized by its id and discarded. stderr lines are forwarded to the
// logger.
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-scan/modules/region"
	"github.com/e7canasta/orion-scan/modules/settings"
	"github.com/e7canasta/orion-scan/modules/types"
)

// Failure reasons produced by the worker itself
const (
	ReasonWorkerIO       = "worker_io"
	ReasonWorkerClosed   = "worker_closed"
	ReasonWorkerProtocol = "worker_protocol"
	ReasonUnrecognized   = "unrecognized"
)

// Errors
var (
	ErrMissingCommand = errors.New("engine: command is required")
	ErrClosed         = errors.New("engine: worker closed")
	ErrTimeout        = errors.New("engine: worker did not answer in time")
	ErrWorkerExited   = errors.New("engine: worker process exited")
	ErrBroken         = errors.New("engine: worker stream is broken")
)

// Config configures a Worker
type Config struct {
	ID      string
	Command string
	Args    []string
	// Timeout bounds each request/response round trip (default 2s)
	Timeout time.Duration
	// StopGrace is how long Close waits for the process to exit after
	// closing stdin before killing it (default 2s)
	StopGrace time.Duration
	// CropToRegion sends only the scanning region's pixels (RGB frames)
	CropToRegion bool
	Logger       *slog.Logger
}

// Stats is a snapshot of worker counters
type Stats struct {
	Requests       uint64
	Results        uint64
	Failures       uint64
	Pending        uint64
	Timeouts       uint64
	IOErrors       uint64
	StaleResponses uint64
	AvgLatency     time.Duration
	LastSeenAt     time.Time
}

// Worker drives one recognizer process
type Worker struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex // serializes round trips
	stdin  io.WriteCloser
	nextID uint64
	broken bool

	responses chan response
	readDone  chan struct{}
	readErr   atomic.Value // error
	closed    atomic.Bool

	cmd     *exec.Cmd
	exited  chan struct{}
	stderrW sync.WaitGroup

	requests       uint64
	results        uint64
	failures       uint64
	pending        uint64
	timeouts       uint64
	ioErrors       uint64
	staleResponses uint64
	latencyTotal   uint64 // nanoseconds
	lastSeenAt     atomic.Int64
}

// Start spawns the recognizer process. ctx bounds the process lifetime.
func Start(ctx context.Context, cfg Config) (*Worker, error) {
	if cfg.Command == "" {
		return nil, ErrMissingCommand
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine: start %s: %w", cfg.Command, err)
	}

	w := newWorker(cfg, stdin, stdout)
	w.cmd = cmd
	w.exited = make(chan struct{})

	w.stderrW.Add(1)
	go w.logStderr(stderr)
	go w.wait()

	w.logger.Info("engine: recognizer process started",
		"command", cfg.Command,
		"pid", cmd.Process.Pid,
	)
	return w, nil
}

// newWorker wires a worker over an already connected stream
func newWorker(cfg Config, stdin io.WriteCloser, stdout io.Reader) *Worker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 2 * time.Second
	}
	if cfg.ID == "" {
		cfg.ID = "recognizer"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Worker{
		cfg:       cfg,
		logger:    logger.With("worker_id", cfg.ID),
		stdin:     stdin,
		responses: make(chan response, 4),
		readDone:  make(chan struct{}),
	}
	go w.readLoop(stdout)
	return w
}

// Process implements the session Engine. IO problems become a failure
// outcome; they never panic or block past the configured timeout.
func (w *Worker) Process(frame types.Frame, r region.Region, s *settings.Snapshot) types.Outcome {
	req := request{
		Op:      opProcess,
		Seq:     frame.Seq,
		TraceID: frame.TraceID,
		Width:   frame.Width,
		Height:  frame.Height,
		Region:  &wireRegion{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height},
	}
	if s != nil {
		req.Settings = &wireSettings{Name: s.Name(), Version: s.Version(), Digest: s.Digest()}
	}

	req.FrameData = frame.Data
	if w.cfg.CropToRegion {
		if data, rect, ok := crop(frame, r); ok {
			req.FrameData, req.Width, req.Height, req.Cropped = data, rect.Width, rect.Height, true
		}
	}

	resp, err := w.call(req)
	if err != nil {
		atomic.AddUint64(&w.failures, 1)
		reason := ReasonWorkerIO
		if errors.Is(err, ErrClosed) {
			reason = ReasonWorkerClosed
		}
		w.logger.Warn("engine: process request failed",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", err,
		)
		return types.Failed(reason)
	}

	out := w.toOutcome(resp)
	switch out.Kind {
	case types.OutcomeResult:
		atomic.AddUint64(&w.results, 1)
	case types.OutcomeFailed:
		atomic.AddUint64(&w.failures, 1)
	default:
		atomic.AddUint64(&w.pending, 1)
	}
	return out
}

// ResetInternalState asks the recognizer to forget accumulated evidence
func (w *Worker) ResetInternalState() {
	if _, err := w.call(request{Op: opReset}); err != nil {
		w.logger.Warn("engine: reset request failed", "error", err)
	}
}

// Reconfigure ships the full settings document to the recognizer
func (w *Worker) Reconfigure(s *settings.Snapshot) {
	if s == nil {
		return
	}
	req := request{Op: opConfigure, Settings: &wireSettings{
		Name:     s.Name(),
		Version:  s.Version(),
		Digest:   s.Digest(),
		Document: string(s.Document()),
	}}
	if _, err := w.call(req); err != nil {
		w.logger.Warn("engine: configure request failed", "settings", s.String(), "error", err)
		return
	}
	w.logger.Info("engine: recognizer reconfigured", "settings", s.String())
}

// call performs one round trip
func (w *Worker) call(req request) (response, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed.Load() {
		return response{}, ErrClosed
	}
	if w.broken {
		return response{}, ErrBroken
	}

	w.nextID++
	req.ID = w.nextID
	atomic.AddUint64(&w.requests, 1)
	start := time.Now()

	// encode before handing off: frame_data is borrowed and must not be
	// touched once the call returns
	buf, err := encodeMessage(req)
	if err != nil {
		atomic.AddUint64(&w.ioErrors, 1)
		return response{}, err
	}

	timer := time.NewTimer(w.cfg.Timeout)
	defer timer.Stop()

	writeErr := make(chan error, 1)
	go func() {
		_, err := w.stdin.Write(buf)
		writeErr <- err
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			w.broken = true
			atomic.AddUint64(&w.ioErrors, 1)
			return response{}, fmt.Errorf("write request: %w", err)
		}
	case <-timer.C:
		// a half-written message would corrupt every later request
		w.broken = true
		atomic.AddUint64(&w.timeouts, 1)
		w.kill()
		return response{}, fmt.Errorf("%w: write", ErrTimeout)
	}

	for {
		select {
		case resp := <-w.responses:
			if resp.ID != req.ID {
				atomic.AddUint64(&w.staleResponses, 1)
				w.logger.Debug("engine: discarding stale response", "id", resp.ID, "want", req.ID)
				continue
			}
			atomic.AddUint64(&w.latencyTotal, uint64(time.Since(start)))
			w.lastSeenAt.Store(time.Now().UnixNano())
			return resp, nil
		case <-timer.C:
			atomic.AddUint64(&w.timeouts, 1)
			return response{}, fmt.Errorf("%w: %s id=%d", ErrTimeout, req.Op, req.ID)
		case <-w.readDone:
			atomic.AddUint64(&w.ioErrors, 1)
			if err, _ := w.readErr.Load().(error); err != nil {
				return response{}, fmt.Errorf("%w: %v", ErrWorkerExited, err)
			}
			return response{}, ErrWorkerExited
		}
	}
}

func (w *Worker) toOutcome(resp response) types.Outcome {
	var out types.Outcome
	now := time.Now()

	switch resp.Status {
	case statusPending, statusOK:
		out = types.Pending()
	case statusResult:
		if resp.Type == "sim_number" {
			out = types.Recognized(&types.SimNumberResult{Number: resp.Text, ProducedAt: now})
		} else {
			out = types.Recognized(&types.TextResult{Value: resp.Text, Fields: resp.Fields, ProducedAt: now})
		}
	case statusFailed:
		reason := resp.Reason
		if reason == "" {
			reason = ReasonUnrecognized
		}
		out = types.Failed(reason)
	default:
		w.logger.Warn("engine: unknown response status", "status", resp.Status, "id", resp.ID)
		out = types.Failed(ReasonWorkerProtocol)
	}

	if resp.Detection != nil {
		out.Detection = &types.Detection{Quad: resp.Detection.Quad, Confidence: resp.Detection.Confidence}
	}
	if len(resp.Diagnostics) > 0 {
		out.Diagnostics = types.Diagnostics(resp.Diagnostics)
	}
	return out
}

func (w *Worker) readLoop(stdout io.Reader) {
	defer close(w.readDone)
	for {
		var resp response
		if err := readMessage(stdout, &resp); err != nil {
			if !errors.Is(err, io.EOF) && !w.closed.Load() {
				w.logger.Error("engine: reading recognizer output failed", "error", err)
			}
			w.readErr.Store(err)
			return
		}
		select {
		case w.responses <- resp:
		default:
			atomic.AddUint64(&w.staleResponses, 1)
			w.logger.Warn("engine: response buffer full, dropping", "id", resp.ID)
		}
	}
}

// logStderr maps the recognizer's "[LEVEL] message" lines onto slog levels
func (w *Worker) logStderr(stderr io.Reader) {
	defer w.stderrW.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			w.logger.Error("engine: recognizer error", "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			w.logger.Warn("engine: recognizer warning", "log", line)
		default:
			w.logger.Debug("engine: recognizer log", "log", line)
		}
	}
}

// wait reaps the process so it never lingers as a zombie
func (w *Worker) wait() {
	err := w.cmd.Wait()
	close(w.exited)
	if err != nil && !w.closed.Load() {
		w.logger.Error("engine: recognizer process exited unexpectedly", "error", err)
		return
	}
	w.logger.Info("engine: recognizer process exited")
}

func (w *Worker) kill() {
	if w.cmd == nil || w.cmd.Process == nil {
		return
	}
	if err := w.cmd.Process.Kill(); err != nil {
		w.logger.Error("engine: failed to kill recognizer process", "error", err)
	}
}

// Close closes stdin, gives the process StopGrace to exit and kills it
// otherwise. Idempotent.
func (w *Worker) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := w.stdin.Close()

	if w.cmd != nil {
		select {
		case <-w.exited:
		case <-time.After(w.cfg.StopGrace):
			w.logger.Warn("engine: recognizer did not exit in time, killing")
			w.kill()
			<-w.exited
		}
		w.stderrW.Wait()
	}

	w.logger.Info("engine: worker closed",
		"requests", atomic.LoadUint64(&w.requests),
		"results", atomic.LoadUint64(&w.results),
	)
	return err
}

// Stats returns current counters
func (w *Worker) Stats() Stats {
	st := Stats{
		Requests:       atomic.LoadUint64(&w.requests),
		Results:        atomic.LoadUint64(&w.results),
		Failures:       atomic.LoadUint64(&w.failures),
		Pending:        atomic.LoadUint64(&w.pending),
		Timeouts:       atomic.LoadUint64(&w.timeouts),
		IOErrors:       atomic.LoadUint64(&w.ioErrors),
		StaleResponses: atomic.LoadUint64(&w.staleResponses),
	}
	answered := st.Requests - st.Timeouts - st.IOErrors
	if answered > 0 && answered <= st.Requests {
		st.AvgLatency = time.Duration(atomic.LoadUint64(&w.latencyTotal) / answered)
	}
	if ns := w.lastSeenAt.Load(); ns != 0 {
		st.LastSeenAt = time.Unix(0, ns)
	}
	return st
}

// crop copies the region's pixels out of a packed RGB frame
func crop(frame types.Frame, r region.Region) ([]byte, region.PixelRect, bool) {
	const bpp = 3
	if frame.Width <= 0 || frame.Height <= 0 || len(frame.Data) != frame.Width*frame.Height*bpp {
		return nil, region.PixelRect{}, false
	}
	rect := r.ToPixels(frame.Width, frame.Height)
	if rect.Width <= 0 || rect.Height <= 0 {
		return nil, region.PixelRect{}, false
	}
	if rect.Width == frame.Width && rect.Height == frame.Height {
		return nil, rect, false
	}

	out := make([]byte, 0, rect.Width*rect.Height*bpp)
	stride := frame.Width * bpp
	for y := rect.Y; y < rect.Y+rect.Height; y++ {
		start := y*stride + rect.X*bpp
		out = append(out, frame.Data[start:start+rect.Width*bpp]...)
	}
	return out, rect, true
}
