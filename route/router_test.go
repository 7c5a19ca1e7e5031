package route

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/unsflow/errors"
	"github.com/c360/unsflow/message"
)

const hierarchicalTemplate = "uns/{enterprise}/{site}/{area}/{workUnit}/{equipment}/{dataType}"

func testHierarchy() *message.HierarchyPath {
	return &message.HierarchyPath{
		Enterprise: "ACME_Corp",
		Site:       "Plant_Detroit",
		Area:       "Assembly",
		WorkUnit:   "Line_1",
	}
}

func processDocument() *message.TransformedDocument {
	return &message.TransformedDocument{
		MessageID:   message.NewDocumentID(),
		Format:      "isa95",
		Timestamp:   "2026-03-01T10:00:00Z",
		EquipmentID: "CNC_01",
		DataType:    message.DataTypeProcess,
		State:       message.StateActive,
		Hierarchy:   testHierarchy(),
		ProcessParameters: map[string]message.ProcessParameter{
			"temperature": {Value: 72.5, Unit: "°C", Quality: "GOOD"},
		},
		EnergyMetrics: &message.EnergyMetrics{
			PowerConsumption: 12.5,
			EnergyTotal:      12.5,
			Efficiency:       85,
		},
	}
}

func newTestRouter() *Router {
	r := NewRouter()
	r.SetTemplate("isa95", Template{Pattern: hierarchicalTemplate})
	return r
}

func topics(set *RouteSet) []string {
	out := make([]string, len(set.Destinations))
	for i, d := range set.Destinations {
		out[i] = d.Topic
	}
	return out
}

func TestRouteProcessDocument(t *testing.T) {
	set, err := newTestRouter().Route("isa95", processDocument(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"uns/ACME_Corp/Plant_Detroit/Assembly/Line_1/CNC_01",
		"uns/ACME_Corp/Plant_Detroit/Assembly/Line_1/CNC_01/process",
		"uns/ACME_Corp/Plant_Detroit/Assembly/Line_1/CNC_01/process/parameters",
		"uns/ACME_Corp/Plant_Detroit/Assembly/Line_1/CNC_01/energy/metrics",
		"uns/enterprise/ACME_Corp/equipment/CNC_01",
	}, topics(set))
	assert.Empty(t, set.Skipped)

	classes := make([]DeliveryClass, len(set.Destinations))
	for i, d := range set.Destinations {
		classes[i] = d.Class
	}
	assert.Equal(t, []DeliveryClass{ClassStatus, ClassData, ClassMetric, ClassMetric, ClassEnterprise}, classes)

	for _, topic := range topics(set) {
		assert.NoError(t, Validate(topic))
	}
}

func TestRouteMetricTopicsFollowDataType(t *testing.T) {
	r := newTestRouter()

	doc := processDocument()
	doc.DataType = message.DataTypeQuality
	doc.QualityMetrics = &message.QualityMetrics{GoodParts: 950, RejectedParts: 50, TotalParts: 1000, YieldRate: 95}

	set, err := r.Route("isa95", doc, nil)
	require.NoError(t, err)

	got := topics(set)
	assert.Contains(t, got, "uns/ACME_Corp/Plant_Detroit/Assembly/Line_1/CNC_01/quality/metrics")
	for _, topic := range got {
		assert.NotContains(t, topic, "process/parameters",
			"process sections must not publish on the quality branch")
	}
}

func TestRouteMetricPayloadIsSectionOnly(t *testing.T) {
	set, err := newTestRouter().Route("isa95", processDocument(), nil)
	require.NoError(t, err)

	var metricDest *Destination
	for i := range set.Destinations {
		if set.Destinations[i].Class == ClassMetric && strings.HasSuffix(set.Destinations[i].Topic, "process/parameters") {
			metricDest = &set.Destinations[i]
			break
		}
	}
	require.NotNil(t, metricDest)

	var params map[string]message.ProcessParameter
	require.NoError(t, json.Unmarshal(metricDest.Payload, &params))
	assert.InDelta(t, 72.5, params["temperature"].Value, 0.001)
}

func TestRouteTemplateWithoutDataTypePlaceholder(t *testing.T) {
	r := NewRouter()
	r.SetTemplate("flat", Template{Pattern: "factory/{area}/{equipment}"})

	set, err := r.Route("flat", processDocument(), nil)
	require.NoError(t, err)

	got := topics(set)
	assert.Equal(t, "factory/Assembly/CNC_01", got[0])
	assert.Equal(t, "factory/Assembly/CNC_01/process", got[1])
	assert.Contains(t, got, "factory/enterprise/ACME_Corp/equipment/CNC_01")
}

func TestRouteAliases(t *testing.T) {
	r := NewRouter()
	r.SetTemplate("aliased", Template{Pattern: "uns/{region}/{facility}/{equipment}/{metric}"})

	set, err := r.Route("aliased", processDocument(), nil)
	require.NoError(t, err)

	got := topics(set)
	assert.Equal(t, "uns/Plant_Detroit/Assembly/CNC_01", got[0])
	assert.Equal(t, "uns/Plant_Detroit/Assembly/CNC_01/process", got[1])
}

func TestRouteMissingHierarchyUsesSafeDefaults(t *testing.T) {
	doc := processDocument()
	doc.Hierarchy = nil

	set, err := newTestRouter().Route("isa95", doc, &message.HierarchyPath{})
	require.NoError(t, err)

	assert.Equal(t, "uns/unknown/unknown/general/unknown/CNC_01", topics(set)[0])
	assert.Empty(t, set.Skipped)
}

func TestRouteSanitizesHierarchyValues(t *testing.T) {
	h := &message.HierarchyPath{
		Enterprise: "ACME Corp",
		Site:       "Plant #7",
		Area:       "Final Assembly",
		WorkUnit:   "Line/1",
	}

	set, err := newTestRouter().Route("isa95", processDocument(), h)
	require.NoError(t, err)

	assert.Equal(t, "uns/ACME_Corp/Plant_7/Final_Assembly/Line1/CNC_01", topics(set)[0])
	for _, topic := range topics(set) {
		assert.NoError(t, Validate(topic))
	}
}

func TestRouteUnresolvedPlaceholderNeverLeaks(t *testing.T) {
	r := NewRouter()
	r.SetTemplate("odd", Template{Pattern: "uns/{nothing}/{equipment}"})

	set, err := r.Route("odd", processDocument(), nil)
	require.NoError(t, err)

	assert.Equal(t, "uns/unknown/CNC_01", topics(set)[0])
	for _, topic := range topics(set) {
		assert.NotContains(t, topic, "{")
	}
}

func TestRouteMisconfiguredTemplateKeepsEnterpriseTopic(t *testing.T) {
	r := NewRouter()
	r.SetTemplate("broken", Template{Pattern: "uns/bad.literal/{equipment}", Namespace: "uns"})

	set, err := r.Route("broken", processDocument(), nil)
	require.NoError(t, err)

	assert.NotEmpty(t, set.Skipped, "invalid derived topics must be skipped, not published")
	got := topics(set)
	require.NotEmpty(t, got, "enterprise topic must survive template misconfiguration")
	assert.Contains(t, got, "uns/enterprise/ACME_Corp/equipment/CNC_01")
}

func TestRouteUnknownFormat(t *testing.T) {
	_, err := newTestRouter().Route("nope", processDocument(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownFormat)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		valid bool
	}{
		{"simple path", "uns/ACME/Plant1/CNC_01", true},
		{"underscores and dashes", "uns/plant-1/line_2", true},
		{"single segment", "uns", true},
		{"empty", "", false},
		{"leading slash", "/uns/ACME", false},
		{"trailing slash", "uns/ACME/", false},
		{"double slash", "uns//ACME", false},
		{"dot", "uns/plant.1", false},
		{"space", "uns/plant 1", false},
		{"hash", "uns/plant#1", false},
		{"too long", "uns/" + strings.Repeat("a", 260), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.topic)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrInvalidTopic)
			}
		})
	}
}

func TestSubjectMapping(t *testing.T) {
	assert.Equal(t, "uns.ACME.Plant1.CNC_01", ToSubject("uns/ACME/Plant1/CNC_01"))
	assert.Equal(t, "uns/ACME/Plant1/CNC_01", ToTopic("uns.ACME.Plant1.CNC_01"))
}

func TestDiscoveryRequestTopic(t *testing.T) {
	assert.Equal(t, "discovery/request/CNC_01", DiscoveryRequestTopic("CNC_01"))
	assert.Equal(t, "discovery/request/CNC_01", DiscoveryRequestTopic("CNC 01"))
}

func TestRouteAnnouncedStationFanOut(t *testing.T) {
	doc := processDocument()
	doc.EquipmentID = "LINE1_STATION3_PLC"
	doc.Hierarchy = &message.HierarchyPath{
		Enterprise: "ACME_Manufacturing",
		Site:       "Detroit_Plant_01",
		Area:       "PRODUCTION",
		WorkUnit:   "Assembly_Line_1",
	}

	set, err := newTestRouter().Route("isa95", doc, nil)
	require.NoError(t, err)

	got := topics(set)
	assert.Contains(t, got, "uns/ACME_Manufacturing/Detroit_Plant_01/PRODUCTION/Assembly_Line_1/LINE1_STATION3_PLC/process")
	assert.Contains(t, got, "uns/ACME_Manufacturing/Detroit_Plant_01/PRODUCTION/Assembly_Line_1/LINE1_STATION3_PLC/process/parameters")
	assert.Contains(t, got, "uns/enterprise/ACME_Manufacturing/equipment/LINE1_STATION3_PLC")
}
