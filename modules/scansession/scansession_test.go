package scansession_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-scan/modules/controlloop"
	"github.com/e7canasta/orion-scan/modules/framesource"
	"github.com/e7canasta/orion-scan/modules/region"
	"github.com/e7canasta/orion-scan/modules/scansession"
	"github.com/e7canasta/orion-scan/modules/settings"
	"github.com/e7canasta/orion-scan/modules/types"
)

// mockEngine is matched on frame sequence, region and settings snapshot.
// Expectation failures panic inside Process, which the session turns into an
// "engine_panic" failure, so tests assert EnginePanics == 0.
type mockEngine struct{ mock.Mock }

func (m *mockEngine) Process(f types.Frame, r region.Region, s *settings.Snapshot) types.Outcome {
	return m.Called(f.Seq, r, s).Get(0).(types.Outcome)
}

func (m *mockEngine) ResetInternalState() { m.Called() }

func (m *mockEngine) Reconfigure(s *settings.Snapshot) { m.Called(s) }

type resultSink struct {
	results  chan string
	failures chan string
}

func newResultSink() *resultSink {
	return &resultSink{results: make(chan string, 16), failures: make(chan string, 16)}
}

func (r *resultSink) OnResult(res types.Result) { r.results <- res.Text() }

func (r *resultSink) OnFailure(f types.Failure) { r.failures <- f.Reason }

type harness struct {
	loop   *controlloop.Loop
	source *framesource.SyntheticSource
	engine *mockEngine
	snap   *settings.Snapshot
	sess   scansession.Session
	sink   *resultSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	loop := controlloop.New(controlloop.WithName(t.Name()))
	require.NoError(t, loop.Start(context.Background()))
	t.Cleanup(loop.Stop)

	source, err := framesource.NewSyntheticSource(framesource.SyntheticConfig{Width: 8, Height: 8, FPS: 50})
	require.NoError(t, err)

	snap, err := settings.New([]byte("profile: sim\n"), settings.WithName("sim"))
	require.NoError(t, err)

	h := &harness{loop: loop, source: source, engine: &mockEngine{}, snap: snap, sink: newResultSink()}
	h.sess, err = scansession.New(scansession.Options{
		Loop:                loop,
		Source:              source,
		Engine:              h.engine,
		Settings:            snap,
		Region:              region.Full(),
		StrictPreconditions: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = loop.Do(func() { _ = h.sess.Close() })
	})

	h.do(t, func() {
		_, err := h.sess.Observe(h.sink)
		assert.NoError(t, err)
	})
	return h
}

func (h *harness) do(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, h.loop.Do(fn))
}

func TestSessionRecognizesWithSyntheticCamera(t *testing.T) {
	h := newHarness(t)

	h.engine.On("Process", uint64(3), region.Full(), h.snap).Return(types.Recognized(types.NewTextResult("42")))
	h.engine.On("Process", mock.Anything, mock.Anything, mock.Anything).Return(types.Pending())

	h.do(t, func() { assert.True(t, h.sess.ResumeCamera()) })

	select {
	case text := <-h.sink.results:
		assert.Equal(t, "42", text)
	case <-time.After(5 * time.Second):
		t.Fatal("no result delivered")
	}

	h.do(t, func() { assert.True(t, h.sess.PauseCamera()) })
	require.NoError(t, h.loop.Flush())

	assert.Empty(t, h.sink.results, "only frame 3 yields a result")
	assert.Empty(t, h.sink.failures)

	stats := h.sess.Stats()
	assert.Equal(t, uint64(1), stats.ResultsDelivered)
	assert.Zero(t, stats.EnginePanics)
	assert.GreaterOrEqual(t, stats.FramesProcessed, uint64(3))
	assert.Equal(t, types.CameraPaused, stats.CameraState)
}

func TestApplySettingsReconfiguresThenResetsBeforeProcess(t *testing.T) {
	h := newHarness(t)

	next, err := settings.New([]byte("profile: sim\nstrict: true\n"),
		settings.WithName("sim-strict"),
		settings.WithResetStateOnApply(true),
	)
	require.NoError(t, err)

	sawNext := make(chan struct{}, 1)
	h.engine.On("Process", mock.Anything, region.Full(), h.snap).Return(types.Pending())
	mock.InOrder(
		h.engine.On("Reconfigure", next).Return().Once(),
		h.engine.On("ResetInternalState").Return().Once(),
		h.engine.On("Process", mock.Anything, region.Full(), next).Return(types.Pending()).
			Run(func(mock.Arguments) {
				select {
				case sawNext <- struct{}{}:
				default:
				}
			}),
	)

	h.do(t, func() { assert.True(t, h.sess.ResumeCamera()) })
	require.Eventually(t, func() bool { return h.sess.Stats().FramesProcessed >= 2 }, 5*time.Second, 5*time.Millisecond)

	h.do(t, func() { assert.NoError(t, h.sess.ApplySettings(next)) })

	select {
	case <-sawNext:
	case <-time.After(5 * time.Second):
		t.Fatal("no frame processed with the new settings")
	}
	h.do(t, func() { assert.True(t, h.sess.PauseCamera()) })

	h.engine.AssertExpectations(t)
	stats := h.sess.Stats()
	assert.Zero(t, stats.EnginePanics)
	assert.Equal(t, uint64(1), stats.EngineReconfigures)
	assert.Equal(t, uint64(1), stats.EngineResets)
}

func TestPauseScanningStopsEngineCalls(t *testing.T) {
	h := newHarness(t)
	h.engine.On("Process", mock.Anything, mock.Anything, mock.Anything).Return(types.Recognized(types.NewTextResult("x")))

	h.do(t, func() {
		assert.True(t, h.sess.PauseScanning())
		assert.True(t, h.sess.ResumeCamera())
	})

	require.Eventually(t, func() bool { return h.sess.Stats().DroppedPaused >= 3 }, 5*time.Second, 5*time.Millisecond)
	h.do(t, func() { assert.True(t, h.sess.PauseCamera()) })
	require.NoError(t, h.loop.Flush())

	h.engine.AssertNotCalled(t, "Process", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, h.sink.results)
	assert.Zero(t, h.sess.Stats().FramesProcessed)
}

func TestControlOffLoopPanicsInStrictMode(t *testing.T) {
	h := newHarness(t)

	assert.PanicsWithError(t, "scansession: precondition violated: PauseScanning: called off the control goroutine", func() {
		h.sess.PauseScanning()
	})
}
