package rtsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrEndOfStream is returned by Watch when the server ends the stream
var ErrEndOfStream = errors.New("end of stream")

// PipelineError is a classified bus error
type PipelineError struct {
	Category Category
	Message  string
	Debug    string
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline error [%s]: %s", e.Category, e.Message)
}

// Hooks are invoked by Watch on the monitoring goroutine
type Hooks struct {
	OnPlaying func()
	OnError   func(*PipelineError)
}

// Watch polls the pipeline bus until ctx is done (returns nil), the stream
// ends (ErrEndOfStream) or an error is posted (*PipelineError).
func Watch(ctx context.Context, p *Pipeline, hooks Hooks, logger *slog.Logger) error {
	if p == nil || p.Pipeline == nil {
		return errors.New("pipeline not initialized")
	}
	bus := p.Pipeline.GetPipelineBus()
	name := p.Pipeline.GetName()

	for ctx.Err() == nil {
		// short poll keeps shutdown responsive
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			return ErrEndOfStream

		case gst.MessageError:
			gerr := msg.ParseError()
			perr := &PipelineError{Category: ClassifyGError(gerr)}
			if gerr != nil {
				perr.Message = gerr.Error()
				perr.Debug = gerr.DebugString()
			}
			if hooks.OnError != nil {
				hooks.OnError(perr)
			}
			return perr

		case gst.MessageStateChanged:
			if msg.Source() != name {
				continue
			}
			from, to := msg.ParseStateChanged()
			logger.Debug("framesource: pipeline state changed", "from", from, "to", to)
			if to == gst.StatePlaying && hooks.OnPlaying != nil {
				hooks.OnPlaying()
			}
		}
	}
	return nil
}
