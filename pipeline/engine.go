package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/unsflow/config"
	"github.com/c360/unsflow/errors"
	"github.com/c360/unsflow/route"
	"github.com/c360/unsflow/transform"
)

// engine is the immutable per-configuration processing core: compiled
// source profiles, the format transformer, and the topic router. A
// reload builds a fresh engine and swaps it atomically; in-flight
// messages keep the engine they started with.
type engine struct {
	sources          []*compiledSource
	metadataPatterns [][]string
	transformer      *transform.Transformer
	router           *route.Router
	formats          map[string]config.OutputFormat
	activeFormat     string
}

// compiledSource is one source profile with its patterns split and its
// schema compiled once.
type compiledSource struct {
	profile  config.SourceProfile
	patterns [][]string
	schema   *gojsonschema.Schema
}

// newEngine compiles a validated configuration into a processing engine.
func newEngine(cfg *config.Config) (*engine, error) {
	e := &engine{
		transformer:  transform.NewTransformer(nil),
		router:       route.NewRouter(),
		formats:      make(map[string]config.OutputFormat),
		activeFormat: cfg.Pipeline.ActiveFormat,
	}
	e.transformer.RegisterBuiltins()

	for _, src := range cfg.Pipeline.Sources {
		compiled, err := compileSource(src)
		if err != nil {
			return nil, err
		}
		e.sources = append(e.sources, compiled)
	}

	for _, pattern := range cfg.Pipeline.MetadataPatterns {
		e.metadataPatterns = append(e.metadataPatterns, strings.Split(pattern, "/"))
	}

	for _, f := range cfg.Pipeline.Formats {
		if !e.transformer.Has(f.TransformName()) {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: format %q references unregistered transform %q",
					errors.ErrInvalidConfig, f.Name, f.TransformName()),
				"Processor", "newEngine", "format binding")
		}
		e.formats[f.Name] = f
		e.router.SetTemplate(f.Name, route.Template{Pattern: f.Template, Namespace: f.Namespace})
	}

	if _, ok := e.formats[e.activeFormat]; !ok {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: active format %q not configured", errors.ErrInvalidConfig, e.activeFormat),
			"Processor", "newEngine", "active format")
	}
	return e, nil
}

func compileSource(src config.SourceProfile) (*compiledSource, error) {
	compiled := &compiledSource{profile: src}
	for _, pattern := range src.Patterns {
		compiled.patterns = append(compiled.patterns, strings.Split(pattern, "/"))
	}

	var loader gojsonschema.JSONLoader
	switch {
	case len(src.Schema) > 0:
		loader = gojsonschema.NewBytesLoader(src.Schema)
	case src.SchemaFile != "":
		data, err := os.ReadFile(src.SchemaFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "Processor", "compileSource", "read schema file")
		}
		loader = gojsonschema.NewBytesLoader(data)
	default:
		return compiled, nil
	}

	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: source %q schema: %w", errors.ErrInvalidConfig, src.Name, err),
			"Processor", "compileSource", "compile schema")
	}
	compiled.schema = schema
	return compiled, nil
}

// withActiveFormat returns a shallow copy of the engine with a different
// active format. The shared transformer and router are immutable from
// the processing path's point of view, so sharing them is safe.
func (e *engine) withActiveFormat(name string) (*engine, error) {
	if _, ok := e.formats[name]; !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownFormat, name),
			"Processor", "SwitchOutputFormat", "format lookup")
	}
	next := *e
	next.activeFormat = name
	return &next, nil
}

// formatNames returns the configured output format names, sorted.
func (e *engine) formatNames() []string {
	names := make([]string, 0, len(e.formats))
	for name := range e.formats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// classify matches a topic path against the source profiles, first
// match wins in configuration order.
func (e *engine) classify(topic string) *compiledSource {
	segments := strings.Split(topic, "/")
	for _, src := range e.sources {
		for _, pattern := range src.patterns {
			if matchPattern(pattern, segments) {
				return src
			}
		}
	}
	return nil
}

// isMetadata reports whether a topic carries a structure announcement.
func (e *engine) isMetadata(topic string) bool {
	segments := strings.Split(topic, "/")
	for _, pattern := range e.metadataPatterns {
		if matchPattern(pattern, segments) {
			return true
		}
	}
	return false
}

// matchPattern matches topic segments against a pattern: "*" matches
// exactly one segment, ">" matches one or more trailing segments.
func matchPattern(pattern, segments []string) bool {
	for i, p := range pattern {
		if p == ">" {
			return i == len(pattern)-1 && len(segments) > i
		}
		if i >= len(segments) {
			return false
		}
		if p != "*" && p != segments[i] {
			return false
		}
	}
	return len(segments) == len(pattern)
}

// validatePayload runs the profile's schema. Without a schema any
// well-formed JSON object passes.
func (s *compiledSource) validatePayload(data []byte) ([]string, error) {
	if s.schema == nil {
		if !json.Valid(data) {
			return []string{"payload is not valid JSON"}, errors.ErrValidationFailed
		}
		return nil, nil
	}
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return []string{err.Error()}, errors.ErrValidationFailed
	}
	if result.Valid() {
		return nil, nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}
	return violations, errors.ErrValidationFailed
}

// extractEquipmentID pulls the equipment id from the payload via the
// profile's dotted field path, or from the inbound topic by segment
// index. The payload path wins when both are configured.
func (s *compiledSource) extractEquipmentID(raw map[string]any, topic string) string {
	if s.profile.EquipmentIDPath != "" {
		if id := lookupPath(raw, s.profile.EquipmentIDPath); id != "" {
			return id
		}
	}
	if s.profile.EquipmentIDSegment != nil {
		segments := strings.Split(topic, "/")
		if idx := *s.profile.EquipmentIDSegment; idx < len(segments) {
			return segments[idx]
		}
	}
	return ""
}

// lookupPath walks a dotted path through nested JSON objects and
// renders the leaf as a string.
func lookupPath(raw map[string]any, path string) string {
	var current any = raw
	for _, key := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = obj[key]
		if !ok {
			return ""
		}
	}
	switch v := current.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
