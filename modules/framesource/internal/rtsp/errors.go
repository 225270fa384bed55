package rtsp

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// Category classifies a pipeline error for telemetry and retry decisions
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNetwork
	CategoryCodec
	CategoryAuth
)

func (c Category) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryCodec:
		return "codec"
	case CategoryAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Retryable reports whether reconnecting can plausibly fix the error.
// Bad credentials will not fix themselves.
func (c Category) Retryable() bool {
	return c != CategoryAuth
}

// go-gst does not expose the GError domain, so classification is keyword
// based. Checked in order: auth is the most specific, network the broadest.
var categoryKeywords = []struct {
	category Category
	keywords []string
}{
	{CategoryAuth, []string{"unauthorized", "401", "403", "forbidden", "authentication", "credentials", "password"}},
	{CategoryCodec, []string{"codec", "decode", "negotiat", "caps", "h264", "h265", "no decoder", "missing plugin", "format"}},
	{CategoryNetwork, []string{"connection", "timeout", "timed out", "unreachable", "network", "dns", "resolve", "socket", "tcp", "udp", "could not connect", "not found", "rtsp"}},
}

// Classify categorizes an error from its message and debug string
func Classify(message, debug string) Category {
	text := strings.ToLower(message + " " + debug)
	for _, entry := range categoryKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(text, kw) {
				return entry.category
			}
		}
	}
	return CategoryUnknown
}

// ClassifyGError categorizes a GStreamer error message
func ClassifyGError(gerr *gst.GError) Category {
	if gerr == nil {
		return CategoryUnknown
	}
	return Classify(gerr.Error(), gerr.DebugString())
}
