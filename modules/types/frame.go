// Package types holds the value types shared by the scanning session, its
// frame sources, its recognizer engines and its observers.
package types

import "time"

// Frame represents a single captured video frame
type Frame struct {
	// Seq is the monotonic sequence number assigned by the source
	Seq uint64
	// Timestamp is when the frame was captured/decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the pixel data (RGB24 by default).
	//
	// Data is BORROWED: it is only valid for the duration of the callback it
	// was handed to. Sources may reuse the backing array for the next frame.
	// Anything that must outlive the callback has to copy it (see Info).
	Data []byte
	// SourceStream identifies the producing source (e.g. "rtsp", "synthetic")
	SourceStream string
	// TraceID is a unique identifier for correlating logs of one frame
	TraceID string
}

// Info returns the pixel-free metadata of the frame. The result may be
// retained freely.
func (f Frame) Info() FrameInfo {
	return FrameInfo{
		Seq:          f.Seq,
		Timestamp:    f.Timestamp,
		Width:        f.Width,
		Height:       f.Height,
		SizeBytes:    len(f.Data),
		SourceStream: f.SourceStream,
		TraceID:      f.TraceID,
	}
}

// FrameInfo contains frame metadata without the raw data
type FrameInfo struct {
	Seq          uint64    `json:"seq"`
	Timestamp    time.Time `json:"timestamp"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	SizeBytes    int       `json:"size_bytes"`
	SourceStream string    `json:"source_stream,omitempty"`
	TraceID      string    `json:"trace_id,omitempty"`

	// Pixels is an owned copy of the frame data. Only populated on the debug
	// channel when pixel copies are explicitly enabled.
	Pixels []byte `json:"-"`
}
