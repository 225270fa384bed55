package rtsp

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// PipelineConfig contains configuration for GStreamer pipeline creation
type PipelineConfig struct {
	URL            string
	Width          int
	Height         int
	FPS            float64
	HardwareDecode bool // try vaapih264dec/vaapipostproc, fall back to software
}

// Pipeline holds the elements needed after construction
type Pipeline struct {
	Pipeline   *gst.Pipeline
	AppSink    *app.Sink
	RTSPSrc    *gst.Element
	Depay      *gst.Element
	CapsFilter *gst.Element
	UsingVAAPI bool
}

// Init initializes GStreamer and verifies core elements can be created.
// Safe to call multiple times.
func Init() error {
	gst.Init(nil)
	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("GStreamer not properly installed: %w", err)
	}
	elem.SetState(gst.StateNull)
	return nil
}

// Build creates (but does not start) the capture pipeline:
//
//	rtspsrc → rtph264depay → decoder → [vaapipostproc] → videoconvert →
//	[videoscale] → videorate → capsfilter(RGB, WxH, framerate) → appsink
//
// rtspsrc pads are dynamic and linked by OnPadAdded.
func Build(cfg PipelineConfig, logger *slog.Logger) (*Pipeline, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	src, err := gst.NewElement("rtspsrc")
	if err != nil {
		return nil, fmt.Errorf("create rtspsrc: %w", err)
	}
	src.SetProperty("location", cfg.URL)
	src.SetProperty("protocols", 4) // TCP
	latency := 200
	if cfg.FPS <= 2 {
		latency = 50
	}
	src.SetProperty("latency", latency)
	src.SetProperty("buffer-mode", 3)
	src.SetProperty("ntp-sync", false)
	src.SetProperty("tcp-timeout", uint64(10_000_000))

	depay, err := gst.NewElement("rtph264depay")
	if err != nil {
		return nil, fmt.Errorf("create rtph264depay: %w", err)
	}
	depay.SetProperty("request-keyframe", true)

	chain, usingVAAPI, err := decodeChain(cfg, logger)
	if err != nil {
		return nil, err
	}

	rate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("create videorate: %w", err)
	}
	rate.SetProperty("drop-only", true)
	rate.SetProperty("skip-to-first", true)
	if cfg.FPS <= 2 {
		rate.SetProperty("average-period", uint64(0))
	}

	caps, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("create capsfilter: %w", err)
	}
	caps.SetProperty("caps", gst.NewCapsFromString(FramerateCaps(cfg.Width, cfg.Height, cfg.FPS)))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)
	sink.SetProperty("qos", true)

	linked := append([]*gst.Element{depay}, chain...)
	linked = append(linked, rate, caps, sink.Element)

	if err := pipeline.AddMany(append([]*gst.Element{src}, linked...)...); err != nil {
		return nil, fmt.Errorf("add elements: %w", err)
	}
	if err := gst.ElementLinkMany(linked...); err != nil {
		return nil, fmt.Errorf("link elements: %w", err)
	}

	logger.Info("framesource: RTSP pipeline built",
		"vaapi", usingVAAPI,
		"width", cfg.Width,
		"height", cfg.Height,
		"fps", cfg.FPS,
	)

	return &Pipeline{
		Pipeline:   pipeline,
		AppSink:    sink,
		RTSPSrc:    src,
		Depay:      depay,
		CapsFilter: caps,
		UsingVAAPI: usingVAAPI,
	}, nil
}

// decodeChain returns the elements between the depayloader and videorate
func decodeChain(cfg PipelineConfig, logger *slog.Logger) ([]*gst.Element, bool, error) {
	if cfg.HardwareDecode {
		chain, err := vaapiChain(cfg)
		if err == nil {
			return chain, true, nil
		}
		logger.Warn("framesource: VAAPI unavailable, using software decoder", "error", err)
	}

	dec, err := gst.NewElement("avdec_h264")
	if err != nil {
		return nil, false, fmt.Errorf("create avdec_h264: %w", err)
	}
	dec.SetProperty("max-threads", 0)
	dec.SetProperty("output-corrupt", false)

	conv, err := newConverter()
	if err != nil {
		return nil, false, err
	}

	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, false, fmt.Errorf("create videoscale: %w", err)
	}
	return []*gst.Element{dec, conv, scale}, false, nil
}

// vaapiChain decodes and scales on the GPU, then converts NV12 to RGB on the CPU
func vaapiChain(cfg PipelineConfig) ([]*gst.Element, error) {
	dec, err := gst.NewElement("vaapih264dec")
	if err != nil {
		return nil, fmt.Errorf("create vaapih264dec: %w", err)
	}
	dec.SetProperty("low-latency", true)
	if cfg.FPS < 6 {
		dec.SetProperty("output-corrupt", false)
	}

	post, err := gst.NewElement("vaapipostproc")
	if err != nil {
		return nil, fmt.Errorf("create vaapipostproc: %w", err)
	}
	post.SetProperty("format", "nv12")
	post.SetProperty("width", cfg.Width)
	post.SetProperty("height", cfg.Height)
	post.SetProperty("scale-method", 2)

	conv, err := newConverter()
	if err != nil {
		return nil, err
	}

	// lock RGB before videorate, otherwise caps negotiation stalls
	rgb, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("create RGB capsfilter: %w", err)
	}
	rgb.SetProperty("caps", gst.NewCapsFromString(
		fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", cfg.Width, cfg.Height)))

	return []*gst.Element{dec, post, conv, rgb}, nil
}

func newConverter() (*gst.Element, error) {
	conv, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("create videoconvert: %w", err)
	}
	conv.SetProperty("n-threads", 0)
	conv.SetProperty("dither", 0)
	return conv, nil
}

// Destroy sets the pipeline to NULL. Safe on nil.
func Destroy(p *Pipeline) error {
	if p == nil || p.Pipeline == nil {
		return nil
	}
	if err := p.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("set pipeline to NULL: %w", err)
	}
	return nil
}

// FramerateCaps builds the appsink caps. Rates below 1 fps are expressed as
// 1/N (0.5 → 1/2).
func FramerateCaps(width, height int, fps float64) string {
	num, den := 1, 1
	if fps < 1 {
		den = int(1/fps + 0.5)
	} else {
		num = int(fps)
	}
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d", width, height, num, den)
}
