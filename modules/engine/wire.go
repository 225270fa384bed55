package engine

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxMessageSize bounds a single frame on the wire (a 4K RGB frame is ~25MB)
const maxMessageSize = 64 << 20

// Operations understood by the recognizer process
const (
	opProcess   = "process"
	opReset     = "reset"
	opConfigure = "configure"
)

// Response statuses
const (
	statusPending = "pending"
	statusResult  = "result"
	statusFailed  = "failed"
	statusOK      = "ok"
)

type wireRegion struct {
	X      float64 `msgpack:"x"`
	Y      float64 `msgpack:"y"`
	Width  float64 `msgpack:"width"`
	Height float64 `msgpack:"height"`
}

type wireSettings struct {
	Name     string `msgpack:"name"`
	Version  uint64 `msgpack:"version"`
	Digest   string `msgpack:"digest"`
	Document string `msgpack:"document,omitempty"`
}

type request struct {
	ID        uint64        `msgpack:"id"`
	Op        string        `msgpack:"op"`
	Seq       uint64        `msgpack:"seq,omitempty"`
	TraceID   string        `msgpack:"trace_id,omitempty"`
	FrameData []byte        `msgpack:"frame_data,omitempty"`
	Width     int           `msgpack:"width,omitempty"`
	Height    int           `msgpack:"height,omitempty"`
	Cropped   bool          `msgpack:"cropped,omitempty"`
	Region    *wireRegion   `msgpack:"region,omitempty"`
	Settings  *wireSettings `msgpack:"settings,omitempty"`
}

type wireDetection struct {
	Quad       [4][2]float64 `msgpack:"quad"`
	Confidence float64       `msgpack:"confidence"`
}

type response struct {
	ID          uint64            `msgpack:"id"`
	Status      string            `msgpack:"status"`
	Type        string            `msgpack:"type,omitempty"`
	Text        string            `msgpack:"text,omitempty"`
	Fields      map[string]string `msgpack:"fields,omitempty"`
	Reason      string            `msgpack:"reason,omitempty"`
	Detection   *wireDetection    `msgpack:"detection,omitempty"`
	Diagnostics map[string]any    `msgpack:"diagnostics,omitempty"`
}

// encodeMessage returns a 4-byte big-endian length prefix followed by the
// msgpack encoding of v, ready for a single Write
func encodeMessage(v any) ([]byte, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal msgpack: %w", err)
	}
	if len(payload) > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes", len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	return buf, nil
}

// writeMessage encodes v and writes it in one call
func writeMessage(w io.Writer, v any) error {
	buf, err := encodeMessage(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v
func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("message too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read message body: %w", err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal msgpack: %w", err)
	}
	return nil
}
