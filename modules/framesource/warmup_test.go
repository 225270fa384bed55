package framesource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-scan/modules/types"
)

func regularTimes(n int, every time.Duration) []time.Time {
	base := time.Unix(1_700_000_000, 0)
	out := make([]time.Time, n)
	for i := range out {
		out[i] = base.Add(time.Duration(i) * every)
	}
	return out
}

func TestCalculateFPSStats(t *testing.T) {
	t.Run("no frames", func(t *testing.T) {
		stats := CalculateFPSStats(nil, time.Second)
		assert.Zero(t, stats.FramesReceived)
		assert.False(t, stats.IsStable)
	})

	t.Run("regular cadence is stable", func(t *testing.T) {
		stats := CalculateFPSStats(regularTimes(30, time.Second), 30*time.Second)
		assert.Equal(t, 30, stats.FramesReceived)
		assert.InDelta(t, 1.0, stats.FPSMean, 1e-9)
		assert.InDelta(t, 1.0, stats.FPSMin, 1e-9)
		assert.InDelta(t, 1.0, stats.FPSMax, 1e-9)
		assert.InDelta(t, 0, stats.FPSStdDev, 1e-9)
		assert.True(t, stats.IsStable)
	})

	t.Run("alternating cadence is unstable", func(t *testing.T) {
		base := time.Unix(1_700_000_000, 0)
		times := []time.Time{base}
		for i := 0; i < 30; i++ {
			step := 500 * time.Millisecond
			if i%2 == 1 {
				step = 1500 * time.Millisecond
			}
			times = append(times, times[len(times)-1].Add(step))
		}
		stats := CalculateFPSStats(times, 30*time.Second)
		assert.False(t, stats.IsStable)
		assert.InDelta(t, 2.0, stats.FPSMax, 1e-9)
		assert.Greater(t, stats.JitterMax, time.Duration(0))
	})

	t.Run("duplicate timestamps are ignored", func(t *testing.T) {
		ts := time.Unix(1_700_000_000, 0)
		stats := CalculateFPSStats([]time.Time{ts, ts, ts}, time.Second)
		assert.Equal(t, 3, stats.FramesReceived)
		assert.False(t, stats.IsStable)
	})
}

func TestOptimalRecognitionRate(t *testing.T) {
	assert.Equal(t, 5.0, OptimalRecognitionRate(nil, 5))
	assert.Equal(t, 5.0, OptimalRecognitionRate(&WarmupStats{FPSMean: 30}, 5))
	assert.InDelta(t, 1.8, OptimalRecognitionRate(&WarmupStats{FPSMean: 2}, 5), 1e-9)
	assert.Equal(t, 0.0, OptimalRecognitionRate(&WarmupStats{FPSMean: 2}, 0))
}

// silentSource starts fine but never emits
type silentSource struct{ starts, stops int }

func (s *silentSource) Start(context.Context, func(types.Frame)) error { s.starts++; return nil }
func (s *silentSource) Stop() error                                     { s.stops++; return nil }

func TestWarmupNotEnoughFrames(t *testing.T) {
	src := &silentSource{}
	stats, err := Warmup(context.Background(), src, 20*time.Millisecond, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need at least 2")
	require.NotNil(t, stats)
	assert.Zero(t, stats.FramesReceived)
	assert.Equal(t, 1, src.starts)
	assert.Equal(t, 1, src.stops)
}

func TestWarmupSyntheticSource(t *testing.T) {
	src := newSynthetic(t)

	stats, err := Warmup(context.Background(), src, 200*time.Millisecond, nil)
	require.NotNil(t, stats)
	if err != nil {
		assert.Contains(t, err.Error(), "unstable")
	}
	assert.GreaterOrEqual(t, stats.FramesReceived, 2)
	assert.False(t, src.Stats().Running, "warmup stops the source")

	// the session can start it again afterwards
	require.NoError(t, src.Start(context.Background(), func(types.Frame) {}))
	require.NoError(t, src.Stop())
}

func TestWarmupParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Warmup(ctx, &silentSource{}, time.Second, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
