package structure

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/unsflow/errors"
	"github.com/c360/unsflow/message"
)

type capturingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (p *capturingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, append([]byte(nil), data...))
	return nil
}

func (p *capturingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

func announcement(producerID, equipmentID, ts string) *message.StructureAnnouncement {
	return &message.StructureAnnouncement{
		ProducerID: producerID,
		Timestamp:  ts,
		HierarchyInfo: &message.HierarchyInfo{
			EquipmentID: equipmentID,
			Location: message.Location{
				Enterprise: "ACME_Corp",
				Site:       "Plant_Detroit",
				Area:       "Assembly",
				WorkUnit:   "Line_1",
			},
			EquipmentType: "cnc_mill",
		},
	}
}

func TestIngestAnnouncementStoresPath(t *testing.T) {
	r := NewRegistry()
	ann := announcement("producer-1", "CNC_01", "2026-03-01T10:00:00Z")
	ann.Relationships = []message.EquipmentRelationship{
		{From: "CNC_01", To: "ROBOT_02", Kind: message.RelationDownstream},
	}

	require.NoError(t, r.IngestAnnouncement(ann))

	path := r.Lookup("CNC_01")
	require.NotNil(t, path)
	assert.Equal(t, "ACME_Corp", path.Enterprise)
	assert.Equal(t, "Plant_Detroit", path.Site)
	assert.Equal(t, "Assembly", path.Area)
	assert.Equal(t, "Line_1", path.WorkUnit)
	assert.Equal(t, "producer-1", path.Source)
	assert.False(t, path.IsFallback)
	assert.Equal(t, 1, r.Size())

	rels := r.Relationships("CNC_01")
	require.Len(t, rels, 1)
	assert.Equal(t, "ROBOT_02", rels[0].To)
}

func TestIngestAnnouncementRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*message.StructureAnnouncement)
	}{
		{"missing producer", func(a *message.StructureAnnouncement) { a.ProducerID = "" }},
		{"missing timestamp", func(a *message.StructureAnnouncement) { a.Timestamp = "" }},
		{"missing hierarchy info", func(a *message.StructureAnnouncement) { a.HierarchyInfo = nil }},
		{"missing equipment id", func(a *message.StructureAnnouncement) { a.HierarchyInfo.EquipmentID = "" }},
		{"incomplete location", func(a *message.StructureAnnouncement) { a.HierarchyInfo.Location.Site = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			ann := announcement("producer-1", "CNC_01", "2026-03-01T10:00:00Z")
			tt.mutate(ann)

			err := r.IngestAnnouncement(ann)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidAnnouncement)
			assert.True(t, errors.IsInvalid(err))
			assert.Equal(t, 0, r.Size())
		})
	}

	t.Run("nil announcement", func(t *testing.T) {
		r := NewRegistry()
		err := r.IngestAnnouncement(nil)
		assert.ErrorIs(t, err, errors.ErrInvalidAnnouncement)
	})
}

func TestStaleAnnouncementNeverClobbersNewer(t *testing.T) {
	r := NewRegistry()

	newer := announcement("producer-1", "CNC_01", "2026-03-01T12:00:00Z")
	newer.HierarchyInfo.Location.Area = "Assembly_New"
	require.NoError(t, r.IngestAnnouncement(newer))

	stale := announcement("producer-1", "CNC_01", "2026-03-01T08:00:00Z")
	stale.HierarchyInfo.Location.Area = "Assembly_Old"
	require.NoError(t, r.IngestAnnouncement(stale))

	path := r.Lookup("CNC_01")
	require.NotNil(t, path)
	assert.Equal(t, "Assembly_New", path.Area, "out-of-order arrival must not regress structure")
}

func TestEqualTimestampArrivalOrderWins(t *testing.T) {
	r := NewRegistry()

	first := announcement("producer-1", "CNC_01", "2026-03-01T10:00:00Z")
	first.HierarchyInfo.Location.Line = "Line_A"
	require.NoError(t, r.IngestAnnouncement(first))

	second := announcement("producer-1", "CNC_01", "2026-03-01T10:00:00Z")
	second.HierarchyInfo.Location.Line = "Line_B"
	require.NoError(t, r.IngestAnnouncement(second))

	assert.Equal(t, "Line_B", r.Lookup("CNC_01").Line)
}

func TestLookupUnknownReturnsNil(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Lookup("GHOST_01"))
}

func TestLookupReturnsClone(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.IngestAnnouncement(announcement("producer-1", "CNC_01", "2026-03-01T10:00:00Z")))

	path := r.Lookup("CNC_01")
	path.Enterprise = "Mutated"

	assert.Equal(t, "ACME_Corp", r.Lookup("CNC_01").Enterprise)
}

func TestFallbackPathDeterminism(t *testing.T) {
	tests := []struct {
		equipmentID string
		wantArea    string
	}{
		{"PROD_CNC_01", message.AreaProduction},
		{"PACK_UNIT_A1", message.AreaPackaging},
		{"QC_STATION_01", message.AreaQualityControl},
		{"quality_probe_2", message.AreaQualityControl},
		{"ROBOT_ARM_7", message.AreaGeneral},
	}

	for _, tt := range tests {
		t.Run(tt.equipmentID, func(t *testing.T) {
			path := FallbackPath(tt.equipmentID)
			assert.Equal(t, message.UnknownEnterprise, path.Enterprise)
			assert.Equal(t, message.UnknownSite, path.Site)
			assert.Equal(t, tt.wantArea, path.Area)
			assert.Equal(t, tt.equipmentID, path.WorkUnit)
			assert.True(t, path.IsFallback)

			again := FallbackPath(tt.equipmentID)
			assert.Equal(t, path.Area, again.Area)
			assert.Equal(t, path.WorkUnit, again.WorkUnit)
		})
	}
}

func TestResolveKnownEquipmentReturnsImmediately(t *testing.T) {
	pub := &capturingPublisher{}
	r := NewRegistry(WithPublisher(pub))
	require.NoError(t, r.IngestAnnouncement(announcement("producer-1", "CNC_01", "2026-03-01T10:00:00Z")))

	path := r.Resolve(context.Background(), "CNC_01", time.Second)
	require.NotNil(t, path)
	assert.False(t, path.IsFallback)
	assert.Empty(t, pub.published(), "no discovery request for known equipment")
}

func TestResolveTimeoutServesFallback(t *testing.T) {
	pub := &capturingPublisher{}
	r := NewRegistry(WithPublisher(pub))

	start := time.Now()
	path := r.Resolve(context.Background(), "PACK_UNIT_A1", 50*time.Millisecond)
	elapsed := time.Since(start)

	require.NotNil(t, path)
	assert.True(t, path.IsFallback)
	assert.Equal(t, message.AreaPackaging, path.Area)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)

	subjects := pub.published()
	require.Len(t, subjects, 1)
	assert.Equal(t, "discovery.request.PACK_UNIT_A1", subjects[0])

	assert.Nil(t, r.Lookup("PACK_UNIT_A1"), "fallback must never be stored")
}

func TestWaiterRegistrationRechecksRegistry(t *testing.T) {
	pub := &capturingPublisher{}
	r := NewRegistry(WithPublisher(pub))

	// Simulates an announcement landing between Resolve's miss and the
	// waiter registering: the locked re-check must serve the entry
	// instead of waiting out the discovery timeout.
	require.NoError(t, r.IngestAnnouncement(announcement("producer-1", "CNC_01", "2026-03-01T10:00:00Z")))

	ch := make(chan *message.HierarchyPath, 1)
	path := r.addWaiter("CNC_01", ch)
	require.NotNil(t, path)
	assert.Equal(t, "Plant_Detroit", path.Site)
	assert.False(t, path.IsFallback)

	r.mu.RLock()
	_, registered := r.waiters["CNC_01"]
	r.mu.RUnlock()
	assert.False(t, registered, "a satisfied resolver must not leave a waiter behind")
}

func TestResolveWakesOnAnnouncement(t *testing.T) {
	r := NewRegistry()

	done := make(chan *message.HierarchyPath, 1)
	go func() {
		done <- r.Resolve(context.Background(), "CNC_01", 2*time.Second)
	}()

	// Let the resolver register its waiter before announcing.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.IngestAnnouncement(announcement("producer-1", "CNC_01", "2026-03-01T10:00:00Z")))

	select {
	case path := <-done:
		require.NotNil(t, path)
		assert.False(t, path.IsFallback)
		assert.Equal(t, "Plant_Detroit", path.Site)
	case <-time.After(time.Second):
		t.Fatal("resolve did not wake on announcement")
	}
}

func TestConcurrentResolvesAllWake(t *testing.T) {
	r := NewRegistry()

	const resolvers = 8
	results := make(chan *message.HierarchyPath, resolvers)
	for i := 0; i < resolvers; i++ {
		go func() {
			results <- r.Resolve(context.Background(), "CNC_01", 2*time.Second)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.IngestAnnouncement(announcement("producer-1", "CNC_01", "2026-03-01T10:00:00Z")))

	for i := 0; i < resolvers; i++ {
		select {
		case path := <-results:
			require.NotNil(t, path)
			assert.False(t, path.IsFallback)
		case <-time.After(time.Second):
			t.Fatalf("resolver %d never woke", i)
		}
	}
}

func TestResolveContextCancelServesFallback(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	path := r.Resolve(ctx, "ROBOT_01", time.Minute)
	require.NotNil(t, path)
	assert.True(t, path.IsFallback)
}

func TestOnDiscoveredCallback(t *testing.T) {
	r := NewRegistry()

	var mu sync.Mutex
	var seen []string
	r.OnDiscovered(func(equipmentID string, path *message.HierarchyPath) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, equipmentID)
		assert.False(t, path.IsFallback)
	})

	require.NoError(t, r.IngestAnnouncement(announcement("producer-1", "CNC_01", "2026-03-01T10:00:00Z")))
	require.NoError(t, r.IngestAnnouncement(announcement("producer-2", "ROBOT_02", "2026-03-01T10:01:00Z")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"CNC_01", "ROBOT_02"}, seen)
}

func TestSnapshotGroupsByHierarchy(t *testing.T) {
	r := NewRegistry()

	a := announcement("producer-1", "CNC_01", "2026-03-01T10:00:00Z")
	b := announcement("producer-1", "CNC_02", "2026-03-01T10:00:01Z")
	c := announcement("producer-2", "PACK_01", "2026-03-01T10:00:02Z")
	c.HierarchyInfo.Location.Area = "Packaging"
	c.HierarchyInfo.Location.WorkUnit = "Line_9"
	require.NoError(t, r.IngestAnnouncement(a))
	require.NoError(t, r.IngestAnnouncement(b))
	require.NoError(t, r.IngestAnnouncement(c))

	tree := r.Snapshot()
	require.Contains(t, tree, "ACME_Corp")
	sites := tree["ACME_Corp"]
	require.Contains(t, sites, "Plant_Detroit")
	areas := sites["Plant_Detroit"]
	assert.Equal(t, []string{"CNC_01", "CNC_02"}, areas["Assembly"]["Line_1"])
	assert.Equal(t, []string{"PACK_01"}, areas["Packaging"]["Line_9"])
}

func TestAnnouncementAuditIsBounded(t *testing.T) {
	r := NewRegistry()

	for i := 0; i < announcementAuditDepth+5; i++ {
		ann := announcement("producer-1", "CNC_01", fmt.Sprintf("2026-03-01T10:00:%02dZ", i))
		require.NoError(t, r.IngestAnnouncement(ann))
	}

	retained := r.Announcements("producer-1")
	require.Len(t, retained, announcementAuditDepth)
	assert.Equal(t, "2026-03-01T10:00:05Z", retained[0].Timestamp, "oldest retained is the first not evicted")
	assert.Equal(t, "2026-03-01T10:00:12Z", retained[len(retained)-1].Timestamp)

	assert.Nil(t, r.Announcements("producer-unknown"))
}
