// Package config loads and validates the pipeline configuration:
// transport connection, input source profiles, output formats, storage
// names, and the metrics endpoint. Loading order is defaults, then one
// JSON file, then environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/c360/unsflow/errors"
	"github.com/c360/unsflow/route"
)

// envPrefix is the prefix for environment variable overrides.
const envPrefix = "UNSFLOW"

// Duration is a time.Duration that unmarshals from either a Go duration
// string ("5s") or a number of milliseconds, matching what config
// authors actually write.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		parsed, err := time.ParseDuration(asString)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", asString, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var asNumber float64
	if err := json.Unmarshal(data, &asNumber); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %s", data)
	}
	*d = Duration(time.Duration(asNumber) * time.Millisecond)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// NATSConfig is the transport connection configuration.
type NATSConfig struct {
	URL           string   `json:"url"`
	Name          string   `json:"name,omitempty"`
	CredsFile     string   `json:"creds_file,omitempty"`
	Token         string   `json:"token,omitempty"`
	MaxReconnects int      `json:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait"`
	Timeout       Duration `json:"timeout"`
}

// SourceProfile describes one class of inbound observations: which topic
// patterns it arrives on, how to validate it, and where the equipment id
// lives.
type SourceProfile struct {
	Name string `json:"name"`
	// Patterns are topic paths with transport wildcards: "*" matches one
	// segment, ">" matches the rest.
	Patterns []string `json:"patterns"`
	// Schema is an inline JSON Schema for payload validation. SchemaFile
	// loads the schema from disk instead; Schema wins when both are set.
	Schema     json.RawMessage `json:"schema,omitempty"`
	SchemaFile string          `json:"schema_file,omitempty"`
	// EquipmentIDPath is a dotted path into the payload ("equipmentId",
	// "device.id"). EquipmentIDSegment extracts from the inbound topic by
	// segment index instead; the path wins when both are set.
	EquipmentIDPath    string `json:"equipment_id_path,omitempty"`
	EquipmentIDSegment *int   `json:"equipment_id_segment,omitempty"`
}

// OutputFormat binds a registered transform to a topic template.
type OutputFormat struct {
	Name string `json:"name"`
	// Transform names the registered transform function. Defaults to the
	// format name.
	Transform string `json:"transform,omitempty"`
	Template  string `json:"template"`
	Namespace string `json:"namespace,omitempty"`
}

// TransformName resolves the transform function reference.
func (f OutputFormat) TransformName() string {
	if f.Transform != "" {
		return f.Transform
	}
	return f.Name
}

// PipelineConfig is the processing configuration.
type PipelineConfig struct {
	Sources []SourceProfile `json:"sources"`
	Formats []OutputFormat  `json:"formats"`
	// ActiveFormat selects which output format new messages use.
	ActiveFormat     string   `json:"active_format"`
	DiscoveryTimeout Duration `json:"discovery_timeout"`
	// MetadataPatterns are the topic patterns structure announcements
	// arrive on.
	MetadataPatterns []string `json:"metadata_patterns"`
	// HistorySize bounds the in-memory ring of recently processed
	// documents kept for introspection.
	HistorySize int `json:"history_size"`
}

// StorageConfig names the cache buckets and the durable document stream.
type StorageConfig struct {
	DocumentBucket    string   `json:"document_bucket"`
	DocumentTTL       Duration `json:"document_ttl"`
	HierarchyBucket   string   `json:"hierarchy_bucket"`
	HierarchyTTL      Duration `json:"hierarchy_ttl"`
	DocumentStream    string   `json:"document_stream"`
	StreamMaxAge      Duration `json:"stream_max_age"`
	StreamMaxMessages int64    `json:"stream_max_messages"`
}

// MetricsConfig is the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Path    string `json:"path"`
}

// Config is the complete application configuration.
type Config struct {
	NATS     NATSConfig     `json:"nats"`
	Pipeline PipelineConfig `json:"pipeline"`
	Storage  StorageConfig  `json:"storage"`
	Metrics  MetricsConfig  `json:"metrics"`
}

// Default returns the baseline configuration a file overrides.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "unsflow",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			Timeout:       Duration(5 * time.Second),
		},
		Pipeline: PipelineConfig{
			Sources: []SourceProfile{
				{
					Name:            "factory-observations",
					Patterns:        []string{"factory/data/*"},
					EquipmentIDPath: "equipmentId",
				},
			},
			Formats: []OutputFormat{
				{
					Name:     "isa95",
					Template: "uns/{enterprise}/{site}/{area}/{workUnit}/{equipment}/{dataType}",
				},
				{
					Name:     "legacy-flat",
					Template: "factory/{area}/{workUnit}/{equipment}",
				},
			},
			ActiveFormat:     "isa95",
			DiscoveryTimeout: Duration(5 * time.Second),
			MetadataPatterns: []string{"enterprise/metadata/*", "structure/info/*"},
			HistorySize:      64,
		},
		Storage: StorageConfig{
			DocumentBucket:    "uns-documents",
			DocumentTTL:       Duration(2 * time.Minute),
			HierarchyBucket:   "uns-hierarchy",
			HierarchyTTL:      Duration(30 * time.Minute),
			DocumentStream:    "UNS_DOCUMENTS",
			StreamMaxAge:      Duration(24 * time.Hour),
			StreamMaxMessages: 1_000_000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// Load reads the configuration file over the defaults, applies
// environment overrides, and validates. An empty path loads defaults
// plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "config", "Load", "read config file")
		}
		expanded := os.ExpandEnv(string(data))
		if err := json.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
				"config", "Load", "parse config file")
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies the small set of deploy-time knobs that are
// more convenient as environment variables than file edits.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envPrefix + "_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv(envPrefix + "_NATS_TOKEN"); v != "" {
		cfg.NATS.Token = v
	}
	if v := os.Getenv(envPrefix + "_NATS_CREDS"); v != "" {
		cfg.NATS.CredsFile = v
	}
	if v := os.Getenv(envPrefix + "_ACTIVE_FORMAT"); v != "" {
		cfg.Pipeline.ActiveFormat = v
	}
	if v := os.Getenv(envPrefix + "_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}

// Validate checks cross-field consistency. Topic templates are rendered
// against a probe document at startup rather than here, so template
// mistakes surface as skipped destinations, not boot failures.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapFatal(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...)),
			"config", "Validate", "config validation")
	}

	if c.NATS.URL == "" {
		return invalid("nats.url is required")
	}
	if len(c.Pipeline.Sources) == 0 {
		return invalid("pipeline.sources must not be empty")
	}
	seenSources := make(map[string]bool)
	for i, src := range c.Pipeline.Sources {
		if src.Name == "" {
			return invalid("pipeline.sources[%d].name is required", i)
		}
		if seenSources[src.Name] {
			return invalid("duplicate source profile %q", src.Name)
		}
		seenSources[src.Name] = true
		if len(src.Patterns) == 0 {
			return invalid("pipeline.sources[%q] needs at least one pattern", src.Name)
		}
		if src.EquipmentIDPath == "" && src.EquipmentIDSegment == nil {
			return invalid("pipeline.sources[%q] needs equipment_id_path or equipment_id_segment", src.Name)
		}
		if src.EquipmentIDSegment != nil && *src.EquipmentIDSegment < 0 {
			return invalid("pipeline.sources[%q] equipment_id_segment must be >= 0", src.Name)
		}
	}

	if len(c.Pipeline.Formats) == 0 {
		return invalid("pipeline.formats must not be empty")
	}
	seenFormats := make(map[string]bool)
	for i, f := range c.Pipeline.Formats {
		if f.Name == "" {
			return invalid("pipeline.formats[%d].name is required", i)
		}
		if seenFormats[f.Name] {
			return invalid("duplicate output format %q", f.Name)
		}
		seenFormats[f.Name] = true
		if f.Template == "" {
			return invalid("pipeline.formats[%q].template is required", f.Name)
		}
	}
	if !seenFormats[c.Pipeline.ActiveFormat] {
		return invalid("pipeline.active_format %q is not a configured format", c.Pipeline.ActiveFormat)
	}

	if c.Pipeline.DiscoveryTimeout <= 0 {
		return invalid("pipeline.discovery_timeout must be positive")
	}
	if c.Pipeline.HistorySize <= 0 {
		return invalid("pipeline.history_size must be positive")
	}
	for _, pattern := range c.Pipeline.MetadataPatterns {
		if err := validatePattern(pattern); err != nil {
			return invalid("pipeline.metadata_patterns: %v", err)
		}
	}
	for _, src := range c.Pipeline.Sources {
		for _, pattern := range src.Patterns {
			if err := validatePattern(pattern); err != nil {
				return invalid("pipeline.sources[%q]: %v", src.Name, err)
			}
		}
	}

	if c.Storage.DocumentBucket == "" || c.Storage.HierarchyBucket == "" {
		return invalid("storage bucket names are required")
	}
	if c.Storage.DocumentStream == "" {
		return invalid("storage.document_stream is required")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return invalid("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// validatePattern checks a subscription topic pattern: topic charset
// plus the "*" and ">" wildcards, ">" only as the final segment.
func validatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty pattern")
	}
	segments := strings.Split(pattern, "/")
	for i, seg := range segments {
		switch seg {
		case "":
			return fmt.Errorf("pattern %q has an empty segment", pattern)
		case "*":
		case ">":
			if i != len(segments)-1 {
				return fmt.Errorf("pattern %q: \">\" must be the final segment", pattern)
			}
		default:
			if err := route.Validate(seg); err != nil {
				return fmt.Errorf("pattern %q: %w", pattern, err)
			}
		}
	}
	return nil
}

// Clone returns a deep copy via a JSON round trip.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Redacted returns a copy safe for logging: secrets are masked.
func (c *Config) Redacted() *Config {
	clone := c.Clone()
	if clone.NATS.Token != "" {
		clone.NATS.Token = "***"
	}
	return clone
}

// SafeConfig provides thread-safe access to the live configuration so a
// reload can swap it under concurrent readers.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps an initial configuration.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update validates and atomically replaces the configuration.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "SafeConfig", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
