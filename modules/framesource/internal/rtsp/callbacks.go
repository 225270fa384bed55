package rtsp

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-scan/modules/types"
)

// Publisher receives decoded frames; implemented by mailbox.Mailbox
type Publisher interface {
	Publish(frame types.Frame) bool
}

// SampleContext holds the state shared by appsink callbacks
type SampleContext struct {
	Out          Publisher
	Seq          *uint64
	BytesRead    *uint64
	LastFrameAt  *atomic.Int64
	Width        int
	Height       int
	SourceStream string
	Logger       *slog.Logger
}

// OnNewSample copies the appsink buffer into a fresh frame and publishes it.
// A bad sample is skipped; it never ends the stream.
func OnNewSample(sink *app.Sink, sc *SampleContext) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		sc.Logger.Warn("framesource: failed to pull sample, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		sc.Logger.Warn("framesource: sample without buffer, skipping frame")
		return gst.FlowOK
	}

	mapped := buffer.Map(gst.MapRead)
	data := mapped.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	// GStreamer reuses the buffer once unmapped
	pixels := make([]byte, len(data))
	copy(pixels, data)
	buffer.Unmap()

	now := time.Now()
	frame := types.Frame{
		Seq:          atomic.AddUint64(sc.Seq, 1),
		Timestamp:    now,
		Width:        sc.Width,
		Height:       sc.Height,
		Data:         pixels,
		SourceStream: sc.SourceStream,
		TraceID:      uuid.NewString(),
	}
	atomic.AddUint64(sc.BytesRead, uint64(len(pixels)))
	sc.LastFrameAt.Store(now.UnixNano())

	if !sc.Out.Publish(frame) {
		return gst.FlowEOS
	}
	return gst.FlowOK
}

// OnPadAdded links a dynamic rtspsrc pad to the depayloader
func OnPadAdded(srcPad *gst.Pad, depay *gst.Element, logger *slog.Logger) {
	sinkPad := depay.GetStaticPad("sink")
	if sinkPad == nil {
		logger.Error("framesource: rtph264depay has no sink pad")
		return
	}
	if sinkPad.IsLinked() {
		return
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		logger.Error("framesource: failed to link rtspsrc pad",
			"pad", srcPad.GetName(),
			"ret", ret,
		)
		return
	}
	logger.Debug("framesource: rtspsrc pad linked", "pad", srcPad.GetName())
}
