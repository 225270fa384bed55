package types

import (
	"encoding/json"
	"time"
)

// Result is a recognized payload produced by a recognizer engine.
//
// Engines may return any implementation; the session only forwards it to
// observers. ToJSON is used by emitters that publish results.
type Result interface {
	// Type returns the result kind (e.g. "text", "sim_number")
	Type() string
	// Timestamp returns when the result was produced
	Timestamp() time.Time
	// Text returns the primary recognized text
	Text() string
	// ToJSON serializes the result for transport
	ToJSON() ([]byte, error)
}

// TextResult is the generic recognized-text result
type TextResult struct {
	Value      string            `json:"value"`
	Fields     map[string]string `json:"fields,omitempty"`
	ProducedAt time.Time         `json:"timestamp"`
}

// NewTextResult returns a TextResult stamped with the current time
func NewTextResult(value string) *TextResult {
	return &TextResult{Value: value, ProducedAt: time.Now()}
}

func (r *TextResult) Type() string         { return "text" }
func (r *TextResult) Timestamp() time.Time { return r.ProducedAt }
func (r *TextResult) Text() string         { return r.Value }

// ToJSON implements Result
func (r *TextResult) ToJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		*TextResult
	}{Type: r.Type(), TextResult: r})
}

// SimNumberResult is produced by SIM card recognizers. Number is empty when
// the card was located but the number could not be read.
type SimNumberResult struct {
	Number     string    `json:"sim_number"`
	ProducedAt time.Time `json:"timestamp"`
}

func (r *SimNumberResult) Type() string         { return "sim_number" }
func (r *SimNumberResult) Timestamp() time.Time { return r.ProducedAt }
func (r *SimNumberResult) Text() string         { return r.Number }

// Recognized reports whether a SIM number was actually read
func (r *SimNumberResult) Recognized() bool { return r.Number != "" }

// ToJSON implements Result
func (r *SimNumberResult) ToJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		*SimNumberResult
	}{Type: r.Type(), SimNumberResult: r})
}

// Failure describes a non-fatal recognition failure for one frame
type Failure struct {
	Reason   string    `json:"reason"`
	FrameSeq uint64    `json:"frame_seq"`
	At       time.Time `json:"timestamp"`
}

// Detection reports that a scannable object was located but not yet
// recognized. Quad holds the corner points in normalized frame coordinates.
type Detection struct {
	FrameSeq   uint64        `json:"frame_seq"`
	Quad       [4][2]float64 `json:"quad"`
	Confidence float64       `json:"confidence"`
}

// Diagnostics is free-form engine debug output for a processed frame
type Diagnostics map[string]any

// OutcomeKind classifies the outcome of processing one frame
type OutcomeKind int

const (
	// OutcomePending means no result yet; keep scanning
	OutcomePending OutcomeKind = iota
	// OutcomeResult means a payload was recognized
	OutcomeResult
	// OutcomeFailed means recognition failed for this frame
	OutcomeFailed
)

// String returns the lowercase outcome name used in logs and metrics
func (k OutcomeKind) String() string {
	switch k {
	case OutcomePending:
		return "pending"
	case OutcomeResult:
		return "result"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is what a recognizer engine returns for one frame.
//
// Exactly one of Result (OutcomeResult) or Reason (OutcomeFailed) is
// meaningful. Detection and Diagnostics are optional for every kind.
type Outcome struct {
	Kind        OutcomeKind
	Result      Result
	Reason      string
	Detection   *Detection
	Diagnostics Diagnostics
}

// Pending builds a pending outcome
func Pending() Outcome { return Outcome{Kind: OutcomePending} }

// Recognized builds a result outcome
func Recognized(r Result) Outcome { return Outcome{Kind: OutcomeResult, Result: r} }

// Failed builds a failure outcome
func Failed(reason string) Outcome { return Outcome{Kind: OutcomeFailed, Reason: reason} }
