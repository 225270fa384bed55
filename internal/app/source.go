package app

import (
	"fmt"
	"image"
	"log/slog"

	"github.com/e7canasta/orion-scan/internal/config"
	"github.com/e7canasta/orion-scan/modules/framesource"
	"github.com/e7canasta/orion-scan/modules/scansession"
)

// FrameSource is a session source that also reports capture stats
type FrameSource interface {
	scansession.FrameSource
	Stats() framesource.Stats
}

// NewSource builds the frame source selected by cfg.Kind
func NewSource(cfg config.SourceConfig, logger *slog.Logger) (FrameSource, error) {
	switch cfg.Kind {
	case config.SourceRTSP:
		return framesource.NewRTSPSource(framesource.RTSPConfig{
			URL:            cfg.RTSPURL,
			Width:          cfg.Width,
			Height:         cfg.Height,
			FPS:            cfg.FPS,
			SourceStream:   "LQ",
			HardwareDecode: cfg.HardwareDecode,
			Logger:         logger,
		})

	case config.SourceScreen:
		var rect image.Rectangle
		if cfg.Width > 0 && cfg.Height > 0 {
			rect = image.Rect(cfg.ScreenX, cfg.ScreenY, cfg.ScreenX+cfg.Width, cfg.ScreenY+cfg.Height)
		}
		return framesource.NewScreenSource(framesource.ScreenConfig{
			Rect:         rect,
			FPS:          cfg.FPS,
			SourceStream: "screen",
			Logger:       logger,
		})

	case config.SourceSynthetic, "":
		return framesource.NewSyntheticSource(framesource.SyntheticConfig{
			Width:        cfg.Width,
			Height:       cfg.Height,
			FPS:          cfg.FPS,
			SourceStream: "synthetic",
			Logger:       logger,
		})

	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}
