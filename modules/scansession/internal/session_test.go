package internal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-scan/modules/controlloop"
	"github.com/e7canasta/orion-scan/modules/region"
	"github.com/e7canasta/orion-scan/modules/settings"
	"github.com/e7canasta/orion-scan/modules/types"
)

func TestNewValidation(t *testing.T) {
	loop := controlloop.New()
	snap := newSnapshot(t, "a: 1")
	src := &fakeSource{}
	eng := &scriptedEngine{}

	tests := []struct {
		name    string
		opts    Options
		wantErr error
	}{
		{"missing loop", Options{Source: src, Engine: eng, Settings: snap}, ErrMissingLoop},
		{"missing source", Options{Loop: loop, Engine: eng, Settings: snap}, ErrMissingSource},
		{"missing engine", Options{Loop: loop, Source: src, Settings: snap}, ErrMissingEngine},
		{"missing settings", Options{Loop: loop, Source: src, Engine: eng}, ErrNilSettings},
		{
			"invalid region",
			Options{Loop: loop, Source: src, Engine: eng, Settings: snap, Region: region.Region{X: 0.8, Y: 0.5, Width: 0.4, Height: 0.3}},
			region.ErrInvalidRegion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestInitialState(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Region = region.Region{} })

	assert.True(t, f.sess.IsCameraPaused())
	assert.False(t, f.sess.IsScanningPaused())
	assert.Equal(t, region.Full(), f.sess.Region())
	assert.Equal(t, "default", f.sess.Settings().Name())
	assert.NotEmpty(t, f.sess.ID())

	paused := newFixture(t, func(o *Options) { o.StartPaused = true })
	assert.True(t, paused.sess.IsScanningPaused())
}

func TestPauseScanningIsIdempotent(t *testing.T) {
	f := newFixture(t)

	var first, second bool
	f.do(t, func() {
		first = f.sess.PauseScanning()
		second = f.sess.PauseScanning()
	})
	f.flush(t)

	assert.True(t, first)
	assert.False(t, second)
	assert.True(t, f.sess.IsScanningPaused())
	assert.Equal(t, []types.ScanState{types.ScanPaused}, f.obs.scan)
}

func TestResumeScanningIsIdempotent(t *testing.T) {
	f := newFixture(t)

	var onScanning, resumed, again bool
	f.do(t, func() {
		onScanning = f.sess.ResumeScanning(false)
		f.sess.PauseScanning()
		resumed = f.sess.ResumeScanning(false)
		again = f.sess.ResumeScanning(true)
	})
	f.flush(t)

	assert.False(t, onScanning)
	assert.True(t, resumed)
	assert.False(t, again)
	assert.Equal(t, []types.ScanState{types.ScanPaused, types.ScanScanning}, f.obs.scan)
}

func TestPausedFramesNeverReachEngine(t *testing.T) {
	f := newFixture(t)
	f.engine.script = func(int, types.Frame) types.Outcome { return types.Recognized(types.NewTextResult("x")) }
	f.start(t)

	f.do(t, func() { f.sess.PauseScanning() })
	for i := 0; i < 10; i++ {
		f.source.push()
	}
	f.flush(t)

	assert.Empty(t, f.engine.ops())
	assert.Empty(t, f.obs.results)
	assert.Equal(t, uint64(10), f.sess.Stats().DroppedPaused)
}

func TestResumeWithResetPrecedesProcess(t *testing.T) {
	tests := []struct {
		name  string
		reset bool
		want  []string
	}{
		{"with reset", true, []string{"reset", "process"}},
		{"without reset", false, []string{"process"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.start(t)

			f.do(t, func() {
				f.sess.PauseScanning()
				f.sess.ResumeScanning(tt.reset)
			})
			f.source.push()

			assert.Equal(t, tt.want, f.engine.ops())
		})
	}
}

func TestResetStateRunsOnceBeforeNextFrame(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.do(t, func() { f.sess.ResetState() })
	f.source.push()
	f.source.push()

	assert.Equal(t, []string{"reset", "process", "process"}, f.engine.ops())
	assert.False(t, f.sess.IsScanningPaused())
	assert.False(t, f.sess.IsCameraPaused())
	assert.Equal(t, uint64(1), f.sess.Stats().EngineResets)
}

func TestApplySettingsUsedByNextFrame(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	next := newSnapshot(t, "profile: sim\n", settings.WithName("sim"))

	f.source.push()
	f.do(t, func() { assert.NoError(t, f.sess.ApplySettings(next)) })
	f.source.push()

	assert.Equal(t, []string{"process", "reconfigure", "process"}, f.engine.ops())
	assert.Same(t, next, f.engine.lastProcess().settings)
	assert.Same(t, next, f.sess.Settings())
}

func TestApplySettingsWithResetOnApply(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	next := newSnapshot(t, "profile: sim\n", settings.WithResetStateOnApply(true))

	f.do(t, func() { assert.NoError(t, f.sess.ApplySettings(next)) })
	f.source.push()

	assert.Equal(t, []string{"reconfigure", "reset", "process"}, f.engine.ops())
}

func TestApplySettingsWhilePausedWaitsForResume(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	next := newSnapshot(t, "profile: sim\n")

	f.do(t, func() {
		f.sess.PauseScanning()
		assert.NoError(t, f.sess.ApplySettings(next))
	})
	f.source.push()
	assert.Empty(t, f.engine.ops())

	f.do(t, func() { f.sess.ResumeScanning(false) })
	f.source.push()
	assert.Equal(t, []string{"reconfigure", "process"}, f.engine.ops())
}

func TestApplySettingsRejectsNil(t *testing.T) {
	f := newFixture(t)

	var err error
	f.do(t, func() { err = f.sess.ApplySettings(nil) })

	assert.ErrorIs(t, err, ErrNilSettings)
	assert.Equal(t, "default", f.sess.Settings().Name())
}

func TestSetScanningRegion(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	valid := region.Region{X: 0.2, Y: 0.5, Width: 0.4, Height: 0.3}
	invalid := region.Region{X: 0.8, Y: 0.5, Width: 0.4, Height: 0.3}

	var okErr, badErr error
	f.do(t, func() {
		okErr = f.sess.SetScanningRegion(valid)
		badErr = f.sess.SetScanningRegion(invalid)
	})

	require.NoError(t, okErr)
	require.Error(t, badErr)
	var verr *region.ValidationError
	assert.True(t, errors.As(badErr, &verr))
	assert.Equal(t, valid, f.sess.Region())

	f.source.push()
	assert.Equal(t, valid, f.engine.lastProcess().region)
}

func TestCameraToggle(t *testing.T) {
	f := newFixture(t)

	var resumed, again, paused, pausedAgain bool
	f.do(t, func() {
		f.sess.PauseScanning()
		resumed = f.sess.ResumeCamera()
		again = f.sess.ResumeCamera()
	})
	assert.True(t, resumed)
	assert.False(t, again)
	assert.False(t, f.sess.IsCameraPaused())
	assert.True(t, f.sess.IsScanningPaused(), "camera toggle must not touch scanning")

	f.do(t, func() {
		paused = f.sess.PauseCamera()
		pausedAgain = f.sess.PauseCamera()
	})
	f.flush(t)

	assert.True(t, paused)
	assert.False(t, pausedAgain)
	assert.True(t, f.sess.IsScanningPaused())
	assert.Equal(t, 1, f.source.starts)
	assert.Equal(t, 1, f.source.stops)
	assert.Equal(t, []types.CameraState{types.CameraActive, types.CameraPaused}, f.obs.camera)
}

func TestFramesAfterPauseCameraAreDropped(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.do(t, func() { f.sess.PauseCamera() })
	f.source.push() // late frame from a source still winding down

	assert.Empty(t, f.engine.ops())
	assert.Equal(t, uint64(1), f.sess.Stats().DroppedCameraPaused)
}

func TestResumeCameraSourceFailure(t *testing.T) {
	f := newFixture(t)
	f.source.startErr = errBoom

	var ok bool
	f.do(t, func() { ok = f.sess.ResumeCamera() })
	f.flush(t)

	assert.False(t, ok)
	assert.True(t, f.sess.IsCameraPaused())
	assert.Empty(t, f.obs.camera)
}

func TestTorch(t *testing.T) {
	f := newFixture(t)

	var err error
	f.do(t, func() { err = f.sess.SetTorch(true) })
	assert.ErrorIs(t, err, ErrCameraPaused)

	f.start(t)
	f.do(t, func() { err = f.sess.SetTorch(true) })
	assert.NoError(t, err)
	assert.True(t, f.source.torch)

	noTorch := newFixture(t, func(o *Options) { o.Source = struct{ FrameSource }{&fakeSource{}} })
	noTorch.do(t, func() { err = noTorch.sess.SetTorch(true) })
	assert.ErrorIs(t, err, ErrTorchUnsupported)
}

func TestOrientationPolicy(t *testing.T) {
	policy := types.OrientationPolicy{
		Autorotate: false,
		Supported:  types.MaskOf(types.OrientationPortrait),
	}
	f := newFixture(t, func(o *Options) { o.OrientationPolicy = policy })

	assert.False(t, f.sess.ShouldAutorotate())
	assert.True(t, f.sess.SupportsOrientation(types.OrientationPortrait))
	assert.False(t, f.sess.SupportsOrientation(types.OrientationLandscapeLeft))
	assert.Equal(t, policy, f.sess.OrientationPolicy())

	def := newFixture(t)
	assert.False(t, def.sess.ShouldAutorotate())
	assert.True(t, def.sess.SupportsOrientation(types.OrientationPortrait))
	assert.False(t, def.sess.SupportsOrientation(types.OrientationLandscapeRight))
}

func TestOrientationPolicyKeepsAutorotateWithEmptyMask(t *testing.T) {
	fixed := newFixture(t, func(o *Options) { o.OrientationPolicy = types.OrientationPolicy{Autorotate: false} })
	assert.False(t, fixed.sess.ShouldAutorotate())
	assert.Equal(t, types.MaskOf(types.OrientationPortrait), fixed.sess.OrientationPolicy().Supported)

	rotating := newFixture(t, func(o *Options) { o.OrientationPolicy = types.OrientationPolicy{Autorotate: true} })
	assert.True(t, rotating.sess.ShouldAutorotate())
	assert.True(t, rotating.sess.SupportsOrientation(types.OrientationPortrait))
	assert.False(t, rotating.sess.SupportsOrientation(types.OrientationLandscapeLeft))
}

func TestStrictPreconditionPanicsOffLoop(t *testing.T) {
	f := newFixture(t)

	defer func() {
		r := recover()
		require.NotNil(t, r)
		v, ok := r.(*PreconditionViolation)
		require.True(t, ok, "panic value %T", r)
		assert.Equal(t, "PauseScanning", v.Op)
		assert.Equal(t, uint64(1), f.sess.Stats().PreconditionViolations)
	}()
	f.sess.PauseScanning()
}

func TestLenientPreconditionIsCountedAndIgnored(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.StrictPreconditions = false })

	assert.False(t, f.sess.PauseScanning())
	var pv *PreconditionViolation
	assert.True(t, errors.As(f.sess.SetScanningRegion(region.Full()), &pv))

	assert.False(t, f.sess.IsScanningPaused())
	assert.Equal(t, uint64(2), f.sess.Stats().PreconditionViolations)
}

func TestClose(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.StrictPreconditions = false })
	f.start(t)

	var err, again error
	f.do(t, func() {
		err = f.sess.Close()
		again = f.sess.Close()
	})
	require.NoError(t, err)
	require.NoError(t, again)
	assert.Equal(t, 1, f.source.stops)
	assert.True(t, f.sess.IsCameraPaused())

	// observers see the camera go off once, before the bus is closed
	f.flush(t)
	assert.Equal(t, []types.CameraState{types.CameraActive, types.CameraPaused}, f.obs.camera)

	f.source.push()
	assert.Empty(t, f.engine.ops())
	assert.Equal(t, uint64(1), f.sess.Stats().DroppedClosed)

	var resumed bool
	f.do(t, func() { resumed = f.sess.ResumeScanning(false) })
	assert.False(t, resumed)
	assert.Equal(t, uint64(1), f.sess.Stats().PreconditionViolations)
}

func TestCloseWithCameraPausedSendsNoNotification(t *testing.T) {
	f := newFixture(t)

	f.do(t, func() { assert.NoError(t, f.sess.Close()) })
	f.flush(t)

	assert.Empty(t, f.obs.camera)
	assert.Zero(t, f.source.stops)
}

func TestEveryMutationAdvancesGeneration(t *testing.T) {
	f := newFixture(t)
	snap := newSnapshot(t, "b: 2")

	ops := []func(){
		func() { f.sess.ResumeCamera() },
		func() { f.sess.PauseScanning() },
		func() { f.sess.ResumeScanning(false) },
		func() { f.sess.ResetState() },
		func() { _ = f.sess.ApplySettings(snap) },
		func() { _ = f.sess.SetScanningRegion(region.Full()) },
		func() { f.sess.PauseCamera() },
	}

	prev := f.sess.Stats().Generation
	for i, op := range ops {
		f.do(t, op)
		gen := f.sess.Stats().Generation
		assert.Greater(t, gen, prev, "op %d did not advance generation", i)
		prev = gen
	}
}
