// Package transform turns raw observations into normalized documents in
// named, registered output formats. Formats are plain functions: nothing
// about the built-in formats is privileged, and operators can register
// replacements at runtime.
package transform

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/unsflow/errors"
	"github.com/c360/unsflow/message"
)

// Built-in format names.
const (
	// FormatISA95 is the enhanced hierarchical format carrying the full
	// resolved hierarchy path.
	FormatISA95 = "isa95"
	// FormatLegacyFlat carries only area, work unit, and equipment class
	// for consumers that predate hierarchy resolution.
	FormatLegacyFlat = "legacy-flat"
)

// Context carries per-message information a transform function may use
// beyond the observation itself.
type Context struct {
	// SourceProfile is the input profile name the observation matched.
	SourceProfile string
}

// Func produces one document from one observation and its resolved
// hierarchy. Implementations must not mutate the observation.
type Func func(obs *message.Observation, hierarchy *message.HierarchyPath, tc Context) (*message.TransformedDocument, error)

// Transformer is a registry of named output formats.
type Transformer struct {
	mu      sync.RWMutex
	formats map[string]Func
	logger  *slog.Logger
}

// NewTransformer creates an empty transformer. Call RegisterBuiltins for
// the standard formats.
func NewTransformer(logger *slog.Logger) *Transformer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transformer{
		formats: make(map[string]Func),
		logger:  logger.With("component", "transformer"),
	}
}

// Register adds or replaces the function for a format name. Formats
// coexist; registering one never affects another.
func (t *Transformer) Register(name string, fn Func) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.formats[name] = fn
}

// RegisterBuiltins installs the standard output formats.
func (t *Transformer) RegisterBuiltins() {
	t.Register(FormatISA95, TransformISA95)
	t.Register(FormatLegacyFlat, TransformLegacyFlat)
}

// Has reports whether a format name is registered.
func (t *Transformer) Has(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.formats[name]
	return ok
}

// Formats returns the registered format names.
func (t *Transformer) Formats() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.formats))
	for name := range t.formats {
		names = append(names, name)
	}
	return names
}

// Transform runs the named format function. An unregistered name fails
// with ErrUnknownFormat. A panic inside the function is recovered and
// surfaced as ErrTransformFailed carrying the format name, so one bad
// transform can never take the process down.
func (t *Transformer) Transform(name string, obs *message.Observation, hierarchy *message.HierarchyPath, tc Context) (doc *message.TransformedDocument, err error) {
	t.mu.RLock()
	fn, ok := t.formats[name]
	t.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownFormat, name),
			"Transformer", "Transform", "format lookup")
	}

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Transform function panicked",
				"format", name,
				"panic", r)
			doc = nil
			err = errors.WrapInvalid(
				fmt.Errorf("%w: format %q: panic: %v", errors.ErrTransformFailed, name, r),
				"Transformer", "Transform", "format execution")
		}
	}()

	doc, err = fn(obs, hierarchy, tc)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: format %q: %w", errors.ErrTransformFailed, name, err),
			"Transformer", "Transform", "format execution")
	}
	if doc == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: format %q returned no document", errors.ErrTransformFailed, name),
			"Transformer", "Transform", "format execution")
	}
	doc.Format = name
	return doc, nil
}
