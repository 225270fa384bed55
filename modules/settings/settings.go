// Package settings provides immutable snapshots of recognizer configuration.
//
// A Snapshot wraps an opaque settings document (YAML by convention) that only
// the recognizer engine interprets. Once built, a snapshot never changes: the
// document is copied on construction and on every read, so a snapshot can be
// handed across goroutines without further synchronization.
package settings

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrEmptyDocument is returned when a snapshot is built from no data
	ErrEmptyDocument = errors.New("settings: empty document")
	// ErrInvalidDocument wraps YAML parse failures
	ErrInvalidDocument = errors.New("settings: invalid document")
)

// versionCounter hands out process-wide monotonic snapshot versions
var versionCounter atomic.Uint64

// Snapshot is an immutable recognizer configuration
type Snapshot struct {
	name              string
	document          []byte
	resetStateOnApply bool
	version           uint64
	digest            string
	createdAt         time.Time
}

// Option customizes a snapshot at construction
type Option func(*Snapshot)

// WithName labels the snapshot for logs and status
func WithName(name string) Option {
	return func(s *Snapshot) { s.name = name }
}

// WithResetStateOnApply makes the session clear engine state when this
// snapshot is applied.
func WithResetStateOnApply(reset bool) Option {
	return func(s *Snapshot) { s.resetStateOnApply = reset }
}

// New builds a snapshot from a settings document.
//
// The document must be non-empty, well-formed YAML. It is copied, so the
// caller may reuse its buffer.
func New(document []byte, opts ...Option) (*Snapshot, error) {
	if len(bytes.TrimSpace(document)) == 0 {
		return nil, ErrEmptyDocument
	}

	var probe yaml.Node
	if err := yaml.Unmarshal(document, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	doc := make([]byte, len(document))
	copy(doc, document)
	sum := sha256.Sum256(doc)

	s := &Snapshot{
		document:  doc,
		version:   versionCounter.Add(1),
		digest:    hex.EncodeToString(sum[:]),
		createdAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.name == "" {
		s.name = "v" + fmt.Sprint(s.version)
	}
	return s, nil
}

// FromValue marshals v to YAML and builds a snapshot from it
func FromValue(v any, opts ...Option) (*Snapshot, error) {
	doc, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("settings: failed to marshal value: %w", err)
	}
	return New(doc, opts...)
}

// Load reads a YAML settings file. The file's base name (without extension)
// becomes the snapshot name unless WithName overrides it.
func Load(path string, opts ...Option) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("settings: failed to read settings file: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return New(data, append([]Option{WithName(base)}, opts...)...)
}

// Name returns the snapshot label
func (s *Snapshot) Name() string { return s.name }

// Version returns the process-wide monotonic version of the snapshot
func (s *Snapshot) Version() uint64 { return s.version }

// Digest returns the sha256 of the document (hex)
func (s *Snapshot) Digest() string { return s.digest }

// CreatedAt returns the construction time
func (s *Snapshot) CreatedAt() time.Time { return s.createdAt }

// ResetStateOnApply reports whether applying this snapshot also clears
// engine state.
func (s *Snapshot) ResetStateOnApply() bool { return s.resetStateOnApply }

// Document returns a copy of the raw settings document
func (s *Snapshot) Document() []byte {
	out := make([]byte, len(s.document))
	copy(out, s.document)
	return out
}

// Decode unmarshals the document into v
func (s *Snapshot) Decode(v any) error {
	if err := yaml.Unmarshal(s.document, v); err != nil {
		return fmt.Errorf("settings: decode %s: %w", s.name, err)
	}
	return nil
}

// Equal reports whether two snapshots carry the same document and flags.
// Versions are ignored.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.digest == other.digest && s.resetStateOnApply == other.resetStateOnApply
}

// String renders the snapshot for logs
func (s *Snapshot) String() string {
	return fmt.Sprintf("%s(v%d, %s)", s.name, s.version, s.digest[:12])
}
