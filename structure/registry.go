// Package structure maintains the mapping from equipment identity to its
// position in the enterprise hierarchy, learned from self-describing
// announcements that producers publish at startup.
//
// The registry is the only long-lived shared mutable state in the
// pipeline. It is read on every message and written only when an
// announcement arrives, so a single RWMutex over a plain map is the
// right shape. Discovery waits are scoped here: callers racing a
// discovery timeout register a waiter channel keyed by equipment id, and
// ingest notifies them. There is no ambient event bus.
package structure

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/unsflow/errors"
	"github.com/c360/unsflow/message"
	"github.com/c360/unsflow/metric"
	"github.com/c360/unsflow/pkg/ring"
	"github.com/c360/unsflow/pkg/timestamp"
	"github.com/c360/unsflow/route"
)

// announcementAuditDepth bounds how many raw announcements are retained
// per producer for debugging.
const announcementAuditDepth = 8

// Publisher is the transport capability the registry needs: publishing
// discovery requests. *natsclient.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// DiscoveryRequest is published when a lookup cannot be satisfied
// locally, asking the producer responsible for an equipment id to
// re-announce its structure.
type DiscoveryRequest struct {
	RequestID       string   `json:"requestId"`
	EquipmentID     string   `json:"equipmentId"`
	Timestamp       string   `json:"timestamp"`
	RequestedFields []string `json:"requestedFields"`
}

// DiscoveredFunc is invoked after an announcement is accepted, with the
// equipment id and the stored authoritative path.
type DiscoveredFunc func(equipmentID string, path *message.HierarchyPath)

// Registry resolves equipment ids to hierarchy paths.
type Registry struct {
	mu            sync.RWMutex
	entries       map[string]*message.HierarchyPath
	relationships map[string][]message.EquipmentRelationship
	audit         map[string]*ring.Buffer[message.StructureAnnouncement]
	waiters       map[string][]chan *message.HierarchyPath

	publisher Publisher
	logger    *slog.Logger
	metrics   *metric.Metrics

	onDiscovered []DiscoveredFunc
	callbackMu   sync.RWMutex

	discoveryCount atomic.Int64
	fallbackCount  atomic.Int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithPublisher wires the transport used for discovery requests. Without
// a publisher, Resolve skips the request and still honors the timeout.
func WithPublisher(p Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics wires the core metrics set.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty structure registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries:       make(map[string]*message.HierarchyPath),
		relationships: make(map[string][]message.EquipmentRelationship),
		audit:         make(map[string]*ring.Buffer[message.StructureAnnouncement]),
		waiters:       make(map[string][]chan *message.HierarchyPath),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "structure-registry")
	return r
}

// OnDiscovered registers a callback invoked for every accepted
// announcement. Callbacks run synchronously on the ingest path and must
// be fast.
func (r *Registry) OnDiscovered(fn DiscoveredFunc) {
	r.callbackMu.Lock()
	defer r.callbackMu.Unlock()
	r.onDiscovered = append(r.onDiscovered, fn)
}

// IngestAnnouncement validates and applies one structure announcement.
// Invalid announcements are rejected with ErrInvalidAnnouncement; the
// caller logs and drops, producers re-announce periodically so there is
// no retry.
//
// Ordering: the announcement's own timestamp wins. An announcement older
// than the stored entry is ignored so out-of-order network arrival can
// never clobber newer structure. Arrival order breaks ties and covers
// unparseable timestamps.
func (r *Registry) IngestAnnouncement(ann *message.StructureAnnouncement) error {
	if ann == nil {
		return errors.WrapInvalid(errors.ErrInvalidAnnouncement, "Registry", "IngestAnnouncement", "nil announcement")
	}
	if err := ann.Validate(); err != nil {
		if r.metrics != nil {
			r.metrics.AnnouncementsRejected.Inc()
		}
		return errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrInvalidAnnouncement, err),
			"Registry", "IngestAnnouncement", "announcement validation")
	}

	equipmentID := ann.HierarchyInfo.EquipmentID
	announcedAt := timestamp.Parse(ann.Timestamp)
	updatedAt := announcedAt
	if updatedAt == 0 {
		updatedAt = timestamp.Now()
	}
	path := ann.Path(updatedAt)

	r.mu.Lock()
	if existing, ok := r.entries[equipmentID]; ok {
		if announcedAt != 0 && existing.LastUpdated > announcedAt {
			r.mu.Unlock()
			r.logger.Debug("Ignoring stale announcement",
				"equipment_id", equipmentID,
				"producer_id", ann.ProducerID,
				"announced_at", timestamp.Format(announcedAt),
				"stored_at", timestamp.Format(existing.LastUpdated))
			return nil
		}
	}
	r.entries[equipmentID] = path
	if len(ann.Relationships) > 0 {
		r.relationships[equipmentID] = append([]message.EquipmentRelationship(nil), ann.Relationships...)
	}

	buf, ok := r.audit[ann.ProducerID]
	if !ok {
		buf = ring.New[message.StructureAnnouncement](announcementAuditDepth)
		r.audit[ann.ProducerID] = buf
	}
	buf.Push(*ann)

	waiters := r.waiters[equipmentID]
	delete(r.waiters, equipmentID)
	size := len(r.entries)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.AnnouncementsIngested.Inc()
		r.metrics.RegistrySize.Set(float64(size))
	}

	r.logger.Info("Structure discovered",
		"equipment_id", equipmentID,
		"producer_id", ann.ProducerID,
		"enterprise", path.Enterprise,
		"site", path.Site,
		"area", path.Area,
		"work_unit", path.WorkUnit)

	for _, ch := range waiters {
		// Buffered; a waiter that already timed out simply never reads.
		select {
		case ch <- path.Clone():
		default:
		}
	}

	r.callbackMu.RLock()
	callbacks := r.onDiscovered
	r.callbackMu.RUnlock()
	for _, fn := range callbacks {
		fn(equipmentID, path.Clone())
	}

	return nil
}

// Lookup returns the current registry entry for an equipment id, or nil
// when nothing is known. Pure synchronous read: never blocks, never
// triggers discovery.
func (r *Registry) Lookup(equipmentID string) *message.HierarchyPath {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[equipmentID].Clone()
}

// Resolve returns a hierarchy path for the equipment id, always. A known
// authoritative entry returns immediately. Otherwise a discovery request
// is published and the call races the next matching announcement against
// the timeout; on expiry a fallback path is synthesized and returned
// without being stored, so a later real announcement still takes
// precedence. Concurrent resolves for one unknown id may each time out
// and return value-equal fallbacks; that duplication is fine.
func (r *Registry) Resolve(ctx context.Context, equipmentID string, timeout time.Duration) *message.HierarchyPath {
	if path := r.Lookup(equipmentID); path != nil && !path.IsFallback {
		return path
	}

	ch := make(chan *message.HierarchyPath, 1)
	if path := r.addWaiter(equipmentID, ch); path != nil {
		return path
	}
	defer r.removeWaiter(equipmentID, ch)

	r.publishDiscoveryRequest(ctx, equipmentID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case path := <-ch:
		return path
	case <-timer.C:
	case <-ctx.Done():
	}

	r.logger.Warn("Discovery timed out, serving fallback path",
		"equipment_id", equipmentID,
		"timeout", timeout)
	r.fallbackCount.Add(1)
	if r.metrics != nil {
		r.metrics.FallbacksServed.Inc()
	}
	return FallbackPath(equipmentID)
}

// addWaiter registers ch for the next announcement of equipmentID. The
// registry is re-checked under the same lock that guards ingestion, so an
// announcement landing between the caller's Lookup and registration cannot
// be missed: a hit returns the entry and registers nothing.
func (r *Registry) addWaiter(equipmentID string, ch chan *message.HierarchyPath) *message.HierarchyPath {
	r.mu.Lock()
	defer r.mu.Unlock()
	if path := r.entries[equipmentID]; path != nil && !path.IsFallback {
		return path.Clone()
	}
	r.waiters[equipmentID] = append(r.waiters[equipmentID], ch)
	return nil
}

func (r *Registry) removeWaiter(equipmentID string, ch chan *message.HierarchyPath) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.waiters[equipmentID]
	for i, c := range list {
		if c == ch {
			r.waiters[equipmentID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.waiters[equipmentID]) == 0 {
		delete(r.waiters, equipmentID)
	}
}

func (r *Registry) publishDiscoveryRequest(ctx context.Context, equipmentID string) {
	r.discoveryCount.Add(1)
	if r.metrics != nil {
		r.metrics.DiscoveryRequests.Inc()
	}
	if r.publisher == nil {
		return
	}

	req := DiscoveryRequest{
		RequestID:       uuid.New().String(),
		EquipmentID:     equipmentID,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		RequestedFields: []string{"hierarchyInfo", "relationships"},
	}
	data, err := json.Marshal(req)
	if err != nil {
		r.logger.Error("Failed to marshal discovery request",
			"equipment_id", equipmentID,
			"error", err)
		return
	}

	subject := route.ToSubject(route.DiscoveryRequestTopic(equipmentID))
	if err := r.publisher.Publish(ctx, subject, data); err != nil {
		r.logger.Warn("Failed to publish discovery request",
			"equipment_id", equipmentID,
			"subject", subject,
			"error", err)
	} else {
		r.logger.Debug("Published discovery request",
			"equipment_id", equipmentID,
			"request_id", req.RequestID)
	}
}

// Relationships returns the announced relationships for an equipment id.
func (r *Registry) Relationships(equipmentID string) []message.EquipmentRelationship {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]message.EquipmentRelationship(nil), r.relationships[equipmentID]...)
}

// Announcements returns the retained raw announcements for a producer,
// oldest first.
func (r *Registry) Announcements(producerID string) []message.StructureAnnouncement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	buf, ok := r.audit[producerID]
	if !ok {
		return nil
	}
	return buf.Snapshot()
}

// Size returns the number of known equipment ids.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// DiscoveryRequestCount returns how many discovery requests have been
// issued since startup.
func (r *Registry) DiscoveryRequestCount() int64 {
	return r.discoveryCount.Load()
}

// FallbackCount returns how many fallback paths have been served since
// startup.
func (r *Registry) FallbackCount() int64 {
	return r.fallbackCount.Load()
}
