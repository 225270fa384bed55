package app

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-scan/modules/types"
)

// logObserver writes every session notification to the structured log and
// remembers when the last result arrived
type logObserver struct {
	logger       *slog.Logger
	lastResultAt atomic.Int64
}

func newLogObserver(logger *slog.Logger) *logObserver {
	return &logObserver{logger: logger}
}

func (o *logObserver) OnResult(result types.Result) {
	o.lastResultAt.Store(time.Now().UnixNano())
	o.logger.Info("scan result",
		"type", result.Type(),
		"text", result.Text(),
	)
}

func (o *logObserver) OnFailure(failure types.Failure) {
	o.logger.Debug("scan failure", "reason", failure.Reason, "seq", failure.FrameSeq)
}

func (o *logObserver) OnCameraStateChanged(state types.CameraState) {
	o.logger.Info("camera state changed", "camera", state.String())
}

func (o *logObserver) OnScanStateChanged(state types.ScanState) {
	o.logger.Info("scan state changed", "scanning", state.String())
}

// LastResultAt is zero until the first result
func (o *logObserver) LastResultAt() time.Time {
	ns := o.lastResultAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
