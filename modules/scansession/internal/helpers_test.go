package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-scan/modules/controlloop"
	"github.com/e7canasta/orion-scan/modules/region"
	"github.com/e7canasta/orion-scan/modules/settings"
	"github.com/e7canasta/orion-scan/modules/types"
)

// fakeSource lets tests push frames synchronously on the calling goroutine.
// It keeps the callback after Stop so tests can simulate late frames.
type fakeSource struct {
	mu       sync.Mutex
	onFrame  func(types.Frame)
	starts   int
	stops    int
	startErr error
	torch    bool
	seq      uint64
	buf      []byte
}

func (f *fakeSource) Start(_ context.Context, onFrame func(types.Frame)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.onFrame = onFrame
	f.starts++
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeSource) SetTorch(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.torch = on
	return nil
}

// push delivers one frame through the registered callback. The pixel buffer
// is reused across frames, like a real capture source.
func (f *fakeSource) push() {
	f.mu.Lock()
	cb := f.onFrame
	f.seq++
	seq := f.seq
	if f.buf == nil {
		f.buf = make([]byte, 4*4*3)
	}
	buf := f.buf
	f.mu.Unlock()

	if cb == nil {
		return
	}
	cb(types.Frame{Seq: seq, Width: 4, Height: 4, Data: buf, TraceID: fmt.Sprint("trace-", seq)})
}

// call is one recorded engine invocation
type call struct {
	op       string
	seq      uint64
	region   region.Region
	settings *settings.Snapshot
}

// scriptedEngine records calls and returns outcomes from a script function
type scriptedEngine struct {
	mu     sync.Mutex
	calls  []call
	script func(n int, frame types.Frame) types.Outcome
	nProc  int
}

func (e *scriptedEngine) Process(frame types.Frame, r region.Region, s *settings.Snapshot) types.Outcome {
	e.mu.Lock()
	e.nProc++
	n := e.nProc
	e.calls = append(e.calls, call{op: "process", seq: frame.Seq, region: r, settings: s})
	script := e.script
	e.mu.Unlock()

	if script == nil {
		return types.Pending()
	}
	return script(n, frame)
}

func (e *scriptedEngine) ResetInternalState() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call{op: "reset"})
}

func (e *scriptedEngine) Reconfigure(s *settings.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call{op: "reconfigure", settings: s})
}

// reconfigurePanicEngine panics in the first n Reconfigure calls
type reconfigurePanicEngine struct {
	*scriptedEngine
	panics int
}

func (e *reconfigurePanicEngine) Reconfigure(s *settings.Snapshot) {
	e.mu.Lock()
	if e.panics > 0 {
		e.panics--
		e.mu.Unlock()
		panic("recognizer rejected settings")
	}
	e.mu.Unlock()
	e.scriptedEngine.Reconfigure(s)
}

func (e *scriptedEngine) ops() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.calls))
	for _, c := range e.calls {
		out = append(out, c.op)
	}
	return out
}

func (e *scriptedEngine) lastProcess() call {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.calls) - 1; i >= 0; i-- {
		if e.calls[i].op == "process" {
			return e.calls[i]
		}
	}
	return call{}
}

// recorder observes every channel. Callbacks run on the control goroutine;
// tests read it after loop.Flush.
type recorder struct {
	mu         sync.Mutex
	results    []string
	failures   []string
	detections []types.Detection
	camera     []types.CameraState
	scan       []types.ScanState
}

func (r *recorder) OnResult(res types.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res.Text())
}

func (r *recorder) OnFailure(f types.Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f.Reason)
}

func (r *recorder) OnDetection(d types.Detection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detections = append(r.detections, d)
}

func (r *recorder) OnCameraStateChanged(s types.CameraState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.camera = append(r.camera, s)
}

func (r *recorder) OnScanStateChanged(s types.ScanState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scan = append(r.scan, s)
}

// resultRecorder only listens for results and failures
type resultRecorder struct {
	mu       sync.Mutex
	results  []string
	failures []string
}

func (r *resultRecorder) OnResult(res types.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res.Text())
}

func (r *resultRecorder) OnFailure(f types.Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f.Reason)
}

type debugRecorder struct {
	mu    sync.Mutex
	infos []types.FrameInfo
	diags []types.Diagnostics
}

func (d *debugRecorder) OnDebugFrame(info types.FrameInfo, diag types.Diagnostics) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.infos = append(d.infos, info)
	d.diags = append(d.diags, diag)
}

var errBoom = errors.New("boom")

type fixture struct {
	loop   *controlloop.Loop
	source *fakeSource
	engine *scriptedEngine
	sess   Session
	obs    *recorder
}

func newSnapshot(t *testing.T, doc string, opts ...settings.Option) *settings.Snapshot {
	t.Helper()
	s, err := settings.New([]byte(doc), opts...)
	require.NoError(t, err)
	return s
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()

	loop := controlloop.New(controlloop.WithName(t.Name()))
	require.NoError(t, loop.Start(context.Background()))
	t.Cleanup(loop.Stop)

	f := &fixture{
		loop:   loop,
		source: &fakeSource{},
		engine: &scriptedEngine{},
		obs:    &recorder{},
	}

	opts := Options{
		Loop:                loop,
		Source:              f.source,
		Engine:              f.engine,
		Settings:            newSnapshot(t, "profile: default\n", settings.WithName("default")),
		Region:              region.Full(),
		StrictPreconditions: true,
	}
	for _, m := range mutate {
		m(&opts)
	}

	sess, err := New(opts)
	require.NoError(t, err)
	f.sess = sess

	f.do(t, func() {
		_, err := sess.Observe(f.obs)
		assert.NoError(t, err)
	})
	return f
}

// do runs fn on the control goroutine and waits
func (f *fixture) do(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, f.loop.Do(fn))
}

// flush waits until every posted notification was delivered
func (f *fixture) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, f.loop.Flush())
}

// start resumes the camera and drains its lifecycle notification
func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.do(t, func() { assert.True(t, f.sess.ResumeCamera()) })
	f.flush(t)
}
