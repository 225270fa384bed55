package framesource

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/e7canasta/orion-scan/modules/types"
)

const (
	// A stream is stable when the stddev of instantaneous FPS stays under 15%
	// of the mean and the mean jitter under 20% of the expected interval.
	fpsStabilityThreshold    = 0.15
	jitterStabilityThreshold = 0.20
)

// Source is the Start/Stop pair every framesource implements
type Source interface {
	Start(ctx context.Context, onFrame func(types.Frame)) error
	Stop() error
}

// WarmupStats describes frame cadence measured during warm-up
type WarmupStats struct {
	FramesReceived int
	Duration       time.Duration
	FPSMean        float64
	FPSStdDev      float64
	FPSMin         float64
	FPSMax         float64
	JitterMean     time.Duration
	JitterMax      time.Duration
	IsStable       bool
}

// Warmup runs src for duration, discarding frames, and reports cadence
// statistics. The source is stopped before Warmup returns, so the session can
// start it again with its own callback.
//
// Returns an error when fewer than two frames arrive or the cadence is
// unstable; the stats are returned in both cases for logging.
func Warmup(ctx context.Context, src Source, duration time.Duration, logger *slog.Logger) (*WarmupStats, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var mu sync.Mutex
	times := make([]time.Time, 0, 64)

	warmCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	start := time.Now()
	err := src.Start(warmCtx, func(f types.Frame) {
		ts := f.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		mu.Lock()
		times = append(times, ts)
		mu.Unlock()
	})
	if err != nil {
		return nil, fmt.Errorf("framesource: warmup start: %w", err)
	}

	<-warmCtx.Done()
	if stopErr := src.Stop(); stopErr != nil {
		logger.Warn("framesource: warmup stop failed", "error", stopErr)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	mu.Lock()
	stats := CalculateFPSStats(times, time.Since(start))
	mu.Unlock()

	logger.Info("framesource: warmup complete",
		"frames", stats.FramesReceived,
		"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
		"fps_stddev", fmt.Sprintf("%.2f", stats.FPSStdDev),
		"jitter_mean", stats.JitterMean,
		"stable", stats.IsStable,
	)

	if stats.FramesReceived < 2 {
		return stats, fmt.Errorf("framesource: warmup received %d frames, need at least 2", stats.FramesReceived)
	}
	if !stats.IsStable {
		return stats, fmt.Errorf("framesource: unstable stream (mean=%.2f fps, stddev=%.2f, jitter=%s)",
			stats.FPSMean, stats.FPSStdDev, stats.JitterMean)
	}
	return stats, nil
}

// CalculateFPSStats computes cadence statistics from frame arrival times
func CalculateFPSStats(times []time.Time, total time.Duration) *WarmupStats {
	stats := &WarmupStats{FramesReceived: len(times), Duration: total}
	if len(times) == 0 || total <= 0 {
		return stats
	}
	stats.FPSMean = float64(len(times)) / total.Seconds()

	intervals := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		if d := times[i].Sub(times[i-1]).Seconds(); d > 0 {
			intervals = append(intervals, d)
		}
	}
	if len(intervals) == 0 {
		return stats
	}

	stats.FPSMin = math.Inf(1)
	var sumSq float64
	for _, d := range intervals {
		fps := 1 / d
		stats.FPSMin = math.Min(stats.FPSMin, fps)
		stats.FPSMax = math.Max(stats.FPSMax, fps)
		sumSq += (fps - stats.FPSMean) * (fps - stats.FPSMean)
	}
	stats.FPSStdDev = math.Sqrt(sumSq / float64(len(intervals)))

	expected := 1 / stats.FPSMean
	var jitterSum, jitterMax float64
	for _, d := range intervals {
		j := math.Abs(d - expected)
		jitterSum += j
		jitterMax = math.Max(jitterMax, j)
	}
	jitterMean := jitterSum / float64(len(intervals))
	stats.JitterMean = time.Duration(jitterMean * float64(time.Second))
	stats.JitterMax = time.Duration(jitterMax * float64(time.Second))

	stats.IsStable = stats.FPSStdDev < stats.FPSMean*fpsStabilityThreshold &&
		jitterMean < expected*jitterStabilityThreshold
	return stats
}

// OptimalRecognitionRate caps maxRate at 90% of the measured stream FPS.
// A nil stats or non-positive maxRate returns maxRate unchanged.
func OptimalRecognitionRate(stats *WarmupStats, maxRate float64) float64 {
	if stats == nil || maxRate <= 0 || stats.FPSMean <= 0 {
		return maxRate
	}
	if stats.FPSMean < maxRate {
		return stats.FPSMean * 0.9
	}
	return maxRate
}
