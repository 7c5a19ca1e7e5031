// Package pipeline is the orchestrator: it subscribes inbound
// observation and announcement topics, drives each message through
// classify, validate, resolve, transform, and route, then fans out the
// publishes with best-effort cache and persistence writes on the side.
//
// A message is dropped, never retried, when a required step fails:
// producers emit malformed data persistently until fixed upstream, so
// retrying the identical payload buys nothing.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/unsflow/component"
	"github.com/c360/unsflow/config"
	"github.com/c360/unsflow/message"
	"github.com/c360/unsflow/metric"
	"github.com/c360/unsflow/natsclient"
	"github.com/c360/unsflow/pkg/ring"
	"github.com/c360/unsflow/pkg/timestamp"
	"github.com/c360/unsflow/route"
	"github.com/c360/unsflow/structure"
	"github.com/c360/unsflow/transform"
)

// formatVersion tags persisted documents with the processing rules
// revision, so history consumers can tell rule generations apart.
const formatVersion = 1

// Transport is the pub/sub surface the processor publishes and
// subscribes through. *natsclient.Client satisfies it.
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler natsclient.MessageHandler) error
}

// Cache is latest-value storage with compare-and-set semantics: modify
// receives the current value (nil when absent) and returns the new
// value, or nil to skip the write. *natsclient.KVStore satisfies it.
type Cache interface {
	UpdateWithRetry(ctx context.Context, key string, modify func(current []byte) ([]byte, error)) error
}

// Store appends documents to the durable history stream.
// *natsclient.Client satisfies it.
type Store interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Stats is the operator-facing counter snapshot.
type Stats struct {
	MessagesProcessed int64     `json:"messagesProcessed"`
	MessagesDropped   int64     `json:"messagesDropped"`
	TransformErrors   int64     `json:"transformErrors"`
	DiscoveryRequests int64     `json:"discoveryRequests"`
	FallbacksServed   int64     `json:"fallbacksServed"`
	LastProcessed     time.Time `json:"lastProcessed"`
	RegistrySize      int       `json:"registrySize"`
	ActiveFormat      string    `json:"activeFormat"`
	AvailableFormats  []string  `json:"availableFormats"`
}

// HistoryEntry is one recently processed document summary kept for
// introspection.
type HistoryEntry struct {
	MessageID   string           `json:"messageId"`
	EquipmentID string           `json:"equipmentId"`
	Profile     string           `json:"profile"`
	Format      string           `json:"format"`
	DataType    message.DataType `json:"dataType"`
	Topics      int              `json:"topics"`
	ProcessedAt time.Time        `json:"processedAt"`
}

// persistEnvelope wraps a document for the durable stream.
type persistEnvelope struct {
	Document      *message.TransformedDocument `json:"document"`
	SourceProfile string                       `json:"sourceProfile"`
	FormatVersion int                          `json:"formatVersion"`
	PersistedAt   string                       `json:"persistedAt"`
}

// Processor is the pipeline orchestrator component.
type Processor struct {
	deps    component.Dependencies
	safeCfg *config.SafeConfig
	engine  atomic.Pointer[engine]

	registry  *structure.Registry
	transport Transport
	docCache  Cache
	pathCache Cache
	store     Store

	history *ring.Buffer[HistoryEntry]

	processed  atomic.Int64
	dropped    atomic.Int64
	errorCount atomic.Int64
	lastError  atomic.Value // string
	lastActive atomic.Int64 // unix ms

	state     component.State
	stateMu   sync.Mutex
	startedAt time.Time
	ioWG      sync.WaitGroup
	cancel    context.CancelFunc
}

// Option overrides a processor collaborator, used by tests and by
// callers that bring their own storage.
type Option func(*Processor)

// WithTransport overrides the pub/sub transport.
func WithTransport(t Transport) Option {
	return func(p *Processor) { p.transport = t }
}

// WithDocumentCache overrides the latest-document cache.
func WithDocumentCache(c Cache) Option {
	return func(p *Processor) { p.docCache = c }
}

// WithHierarchyCache overrides the hierarchy cache.
func WithHierarchyCache(c Cache) Option {
	return func(p *Processor) { p.pathCache = c }
}

// WithStore overrides the durable document store.
func WithStore(s Store) Option {
	return func(p *Processor) { p.store = s }
}

// New builds a processor from a validated configuration. The engine is
// compiled eagerly so configuration mistakes fail construction, not the
// first message.
func New(cfg *config.Config, deps component.Dependencies, opts ...Option) (*Processor, error) {
	eng, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}

	p := &Processor{
		deps:    deps,
		safeCfg: config.NewSafeConfig(cfg),
		history: ring.New[HistoryEntry](cfg.Pipeline.HistorySize),
		state:   component.StateCreated,
	}
	p.engine.Store(eng)
	p.lastError.Store("")

	if deps.NATSClient != nil {
		p.transport = deps.NATSClient
		p.store = deps.NATSClient
	}
	for _, opt := range opts {
		opt(p)
	}

	regOpts := []structure.Option{
		structure.WithLogger(deps.GetLogger()),
	}
	if m := deps.CoreMetrics(); m != nil {
		regOpts = append(regOpts, structure.WithMetrics(m))
	}
	if p.transport != nil {
		regOpts = append(regOpts, structure.WithPublisher(p.transport))
	}
	p.registry = structure.NewRegistry(regOpts...)
	p.registry.OnDiscovered(p.cacheHierarchy)

	return p, nil
}

// Registry exposes the structure registry for introspection surfaces.
func (p *Processor) Registry() *structure.Registry {
	return p.registry
}

// Initialize prepares the component. Storage provisioning is I/O and
// happens in Start.
func (p *Processor) Initialize() error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.state = component.StateInitialized
	return nil
}

// Start provisions storage when a NATS client is wired, then subscribes
// the observation and metadata patterns.
func (p *Processor) Start(ctx context.Context) error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	ctx, p.cancel = context.WithCancel(ctx)
	logger := p.logger()
	cfg := p.safeCfg.Get()

	if p.deps.NATSClient != nil {
		if err := p.provisionStorage(ctx, cfg); err != nil {
			p.state = component.StateFailed
			return err
		}
	}

	if p.transport != nil {
		for _, pattern := range p.subscriptionPatterns(cfg) {
			subject := route.ToSubject(pattern)
			if err := p.transport.Subscribe(ctx, subject, p.handleMessage); err != nil {
				p.state = component.StateFailed
				return err
			}
			logger.Info("Subscribed", "subject", subject)
		}
	}

	p.startedAt = time.Now()
	p.state = component.StateStarted
	logger.Info("Pipeline started",
		"active_format", p.engine.Load().activeFormat,
		"sources", len(cfg.Pipeline.Sources))
	return nil
}

func (p *Processor) subscriptionPatterns(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var patterns []string
	add := func(pattern string) {
		if !seen[pattern] {
			seen[pattern] = true
			patterns = append(patterns, pattern)
		}
	}
	for _, src := range cfg.Pipeline.Sources {
		for _, pattern := range src.Patterns {
			add(pattern)
		}
	}
	for _, pattern := range cfg.Pipeline.MetadataPatterns {
		add(pattern)
	}
	return patterns
}

// provisionStorage creates the document stream and the two KV buckets.
func (p *Processor) provisionStorage(ctx context.Context, cfg *config.Config) error {
	client := p.deps.NATSClient

	_, err := client.CreateStream(ctx, natsclient.StreamConfigFor(
		cfg.Storage.DocumentStream,
		[]string{streamSubjectRoot + ".>"},
		cfg.Storage.StreamMaxAge.Std(),
		cfg.Storage.StreamMaxMessages,
	))
	if err != nil {
		return err
	}

	docBucket, err := client.CreateKeyValueBucket(ctx, natsclient.BucketConfigFor(
		cfg.Storage.DocumentBucket, cfg.Storage.DocumentTTL.Std()))
	if err != nil {
		return err
	}
	p.docCache = client.NewKVStore(docBucket)

	pathBucket, err := client.CreateKeyValueBucket(ctx, natsclient.BucketConfigFor(
		cfg.Storage.HierarchyBucket, cfg.Storage.HierarchyTTL.Std()))
	if err != nil {
		return err
	}
	p.pathCache = client.NewKVStore(pathBucket)
	return nil
}

// Stop cancels in-flight work and waits up to timeout for side-effect
// writes to drain.
func (p *Processor) Stop(timeout time.Duration) error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.ioWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger().Warn("Stop timed out waiting for in-flight writes", "timeout", timeout)
	}

	p.state = component.StateStopped
	return nil
}

func (p *Processor) logger() *slog.Logger {
	return p.deps.GetLoggerWithComponent("pipeline")
}

func (p *Processor) metrics() *metric.Metrics {
	return p.deps.CoreMetrics()
}

// handleMessage is the single inbound entry point: metadata topics feed
// the structure registry, everything else is an observation.
func (p *Processor) handleMessage(ctx context.Context, subject string, data []byte) {
	eng := p.engine.Load()
	topic := route.ToTopic(subject)

	if eng.isMetadata(topic) {
		p.handleAnnouncement(data)
		return
	}
	p.handleObservation(ctx, eng, topic, data)
}

func (p *Processor) handleAnnouncement(data []byte) {
	logger := p.logger()
	var ann message.StructureAnnouncement
	if err := json.Unmarshal(data, &ann); err != nil {
		logger.Warn("Malformed structure announcement", "error", err)
		return
	}
	if err := p.registry.IngestAnnouncement(&ann); err != nil {
		logger.Warn("Rejected structure announcement", "error", err)
	}
}

func (p *Processor) handleObservation(ctx context.Context, eng *engine, topic string, data []byte) {
	started := time.Now()
	logger := p.logger()
	m := p.metrics()

	src := eng.classify(topic)
	if src == nil {
		logger.Debug("No source profile matches topic", "topic", topic)
		p.drop(m, "unmatched", "classify")
		return
	}
	profile := src.profile.Name
	if m != nil {
		m.MessagesReceived.WithLabelValues(profile).Inc()
	}

	if violations, err := src.validatePayload(data); err != nil {
		logger.Warn("Payload failed validation",
			"profile", profile,
			"topic", topic,
			"violations", violations)
		p.drop(m, profile, "validate")
		return
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Warn("Payload is not a JSON object", "profile", profile, "error", err)
		p.drop(m, profile, "validate")
		return
	}
	var obs message.Observation
	if err := json.Unmarshal(data, &obs); err != nil {
		logger.Warn("Payload does not decode as observation", "profile", profile, "error", err)
		p.drop(m, profile, "validate")
		return
	}
	if err := obs.Validate(); err != nil {
		logger.Warn("Observation shape invalid", "profile", profile, "topic", topic, "error", err)
		p.drop(m, profile, "validate")
		return
	}

	equipmentID := src.extractEquipmentID(raw, topic)
	if equipmentID == "" {
		equipmentID = obs.EquipmentID
	}
	if equipmentID == "" {
		logger.Warn("No equipment id in payload or topic", "profile", profile, "topic", topic)
		p.drop(m, profile, "extract")
		return
	}
	obs.EquipmentID = equipmentID

	cfg := p.safeCfg.Get()
	hierarchy := p.registry.Resolve(ctx, equipmentID, cfg.Pipeline.DiscoveryTimeout.Std())

	formatCfg := eng.formats[eng.activeFormat]
	doc, err := eng.transformer.Transform(
		formatCfg.TransformName(), &obs, hierarchy,
		transform.Context{SourceProfile: profile})
	if err != nil {
		p.errorCount.Add(1)
		p.lastError.Store(err.Error())
		if m != nil {
			m.TransformErrors.WithLabelValues(eng.activeFormat).Inc()
		}
		logger.Error("Transform failed",
			"profile", profile,
			"equipment_id", equipmentID,
			"format", eng.activeFormat,
			"error", err)
		p.drop(m, profile, "transform")
		return
	}
	doc.Format = eng.activeFormat

	set, err := eng.router.Route(eng.activeFormat, doc, hierarchy)
	if err != nil {
		logger.Error("Routing failed", "profile", profile, "format", eng.activeFormat, "error", err)
		p.drop(m, profile, "route")
		return
	}
	for _, skipped := range set.Skipped {
		logger.Warn("Skipping invalid topic", "format", eng.activeFormat, "topic", skipped)
		if m != nil {
			m.TopicsSkipped.WithLabelValues(eng.activeFormat).Inc()
		}
	}

	p.publishAll(ctx, eng.activeFormat, set)

	p.ioWG.Add(1)
	go func() {
		defer p.ioWG.Done()
		p.cacheDocument(doc)
	}()
	p.ioWG.Add(1)
	go func() {
		defer p.ioWG.Done()
		p.persistDocument(doc, profile)
	}()

	p.processed.Add(1)
	p.lastActive.Store(timestamp.Now())
	if m != nil {
		m.MessagesProcessed.WithLabelValues(profile, eng.activeFormat).Inc()
		m.ProcessingDuration.WithLabelValues(profile).Observe(time.Since(started).Seconds())
	}
	p.history.Push(HistoryEntry{
		MessageID:   doc.MessageID,
		EquipmentID: doc.EquipmentID,
		Profile:     profile,
		Format:      doc.Format,
		DataType:    doc.DataType,
		Topics:      len(set.Destinations),
		ProcessedAt: time.Now(),
	})
}

func (p *Processor) drop(m *metric.Metrics, profile, stage string) {
	p.dropped.Add(1)
	if m != nil {
		m.MessagesDropped.WithLabelValues(profile, stage).Inc()
	}
}

// publishAll fans out the route set concurrently and joins before
// returning. One destination failing is logged and does not affect the
// others.
func (p *Processor) publishAll(ctx context.Context, format string, set *route.RouteSet) {
	if p.transport == nil {
		return
	}
	logger := p.logger()
	m := p.metrics()

	var wg sync.WaitGroup
	for _, dest := range set.Destinations {
		wg.Add(1)
		go func(dest route.Destination) {
			defer wg.Done()
			if err := p.transport.Publish(ctx, route.ToSubject(dest.Topic), dest.Payload); err != nil {
				logger.Warn("Publish failed",
					"topic", dest.Topic,
					"class", string(dest.Class),
					"error", err)
				return
			}
			if m != nil {
				m.TopicsPublished.WithLabelValues(format).Inc()
			}
		}(dest)
	}
	wg.Wait()
}

// cacheDocument writes the latest document for the equipment id with a
// monotonic timestamp guard: a reordered completion can never regress
// the cached value to an older document.
func (p *Processor) cacheDocument(doc *message.TransformedDocument) {
	if p.docCache == nil {
		return
	}
	logger := p.logger()
	m := p.metrics()

	value, err := json.Marshal(doc)
	if err != nil {
		logger.Error("Document marshal for cache failed", "equipment_id", doc.EquipmentID, "error", err)
		return
	}
	docTime := timestamp.Parse(doc.Timestamp)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = p.docCache.UpdateWithRetry(ctx, cacheKey(doc.EquipmentID), func(current []byte) ([]byte, error) {
		if current != nil && docTime != 0 {
			var cached struct {
				Timestamp string `json:"timestamp"`
			}
			if json.Unmarshal(current, &cached) == nil {
				if cachedTime := timestamp.Parse(cached.Timestamp); cachedTime > docTime {
					return nil, nil
				}
			}
		}
		return value, nil
	})

	status := "ok"
	if err != nil {
		status = "error"
		logger.Warn("Document cache write failed", "equipment_id", doc.EquipmentID, "error", err)
	}
	if m != nil {
		m.CacheWrites.WithLabelValues("document", status).Inc()
	}
}

// cacheHierarchy stores a freshly discovered authoritative path under
// the longer hierarchy TTL. Fallback paths never reach here: the
// registry only announces real discoveries.
func (p *Processor) cacheHierarchy(equipmentID string, path *message.HierarchyPath) {
	if p.pathCache == nil || path.IsFallback {
		return
	}
	logger := p.logger()
	m := p.metrics()

	value, err := json.Marshal(path)
	if err != nil {
		logger.Error("Hierarchy marshal for cache failed", "equipment_id", equipmentID, "error", err)
		return
	}

	p.ioWG.Add(1)
	go func() {
		defer p.ioWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := p.pathCache.UpdateWithRetry(ctx, cacheKey(equipmentID), func(current []byte) ([]byte, error) {
			if current != nil {
				var cached struct {
					LastUpdated int64 `json:"lastUpdated"`
				}
				if json.Unmarshal(current, &cached) == nil && cached.LastUpdated > path.LastUpdated {
					return nil, nil
				}
			}
			return value, nil
		})

		status := "ok"
		if err != nil {
			status = "error"
			logger.Warn("Hierarchy cache write failed", "equipment_id", equipmentID, "error", err)
		}
		if m != nil {
			m.CacheWrites.WithLabelValues("hierarchy", status).Inc()
		}
	}()
}

// persistDocument appends the document to the durable history stream,
// tagged with its source profile and the processing format version.
func (p *Processor) persistDocument(doc *message.TransformedDocument, profile string) {
	if p.store == nil {
		return
	}
	logger := p.logger()
	m := p.metrics()

	envelope := persistEnvelope{
		Document:      doc,
		SourceProfile: profile,
		FormatVersion: formatVersion,
		PersistedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		logger.Error("Envelope marshal failed", "equipment_id", doc.EquipmentID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := "ok"
	if err := p.store.PublishToStream(ctx, streamSubject(profile, doc.EquipmentID), data); err != nil {
		status = "error"
		logger.Warn("Persist write failed", "equipment_id", doc.EquipmentID, "error", err)
	}
	if m != nil {
		m.PersistWrites.WithLabelValues(status).Inc()
	}
}

// SwitchOutputFormat atomically changes the format new messages use.
// Unknown names are rejected and the current format stays in effect.
func (p *Processor) SwitchOutputFormat(name string) error {
	for {
		current := p.engine.Load()
		next, err := current.withActiveFormat(name)
		if err != nil {
			return err
		}
		if p.engine.CompareAndSwap(current, next) {
			p.logger().Info("Output format switched", "format", name)
			return nil
		}
	}
}

// ReloadConfiguration compiles the new configuration into a fresh
// engine and swaps it atomically; in-flight messages finish against the
// engine they started with. Subscription pattern changes take effect on
// the next process start, not on reload.
func (p *Processor) ReloadConfiguration(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	if err := p.safeCfg.Update(cfg); err != nil {
		return err
	}
	p.engine.Store(eng)
	p.logger().Info("Configuration reloaded",
		"active_format", eng.activeFormat,
		"sources", len(eng.sources),
		"formats", len(eng.formats))
	return nil
}

// Stats returns the operator counter snapshot.
func (p *Processor) Stats() Stats {
	eng := p.engine.Load()
	var last time.Time
	if ms := p.lastActive.Load(); ms != 0 {
		last = timestamp.FromUnixMs(ms)
	}
	return Stats{
		MessagesProcessed: p.processed.Load(),
		MessagesDropped:   p.dropped.Load(),
		TransformErrors:   p.errorCount.Load(),
		DiscoveryRequests: p.registry.DiscoveryRequestCount(),
		FallbacksServed:   p.registry.FallbackCount(),
		LastProcessed:     last,
		RegistrySize:      p.registry.Size(),
		ActiveFormat:      eng.activeFormat,
		AvailableFormats:  eng.formatNames(),
	}
}

// RecentDocuments returns summaries of the most recently processed
// documents, oldest first.
func (p *Processor) RecentDocuments() []HistoryEntry {
	return p.history.Snapshot()
}
