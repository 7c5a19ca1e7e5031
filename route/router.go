// Package route derives the set of publish destinations for a
// transformed document from per-format topic templates, and enforces
// topic well-formedness so a misconfigured template can never leak an
// invalid path onto the wire.
package route

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/c360/unsflow/errors"
	"github.com/c360/unsflow/message"
)

// maxTopicLength is the hard cap on a published topic path.
const maxTopicLength = 256

// DeliveryClass labels why a destination exists, so publish accounting
// can distinguish the always-present addressing topics from the
// per-metric fan-out.
type DeliveryClass string

const (
	// ClassStatus is the base hierarchy topic carrying the full document.
	ClassStatus DeliveryClass = "status"
	// ClassData is the data-type-qualified variant of the base topic.
	ClassData DeliveryClass = "data"
	// ClassMetric is a section sub-topic carrying only that section.
	ClassMetric DeliveryClass = "metric"
	// ClassEnterprise is the fixed enterprise-wide equipment topic.
	ClassEnterprise DeliveryClass = "enterprise"
)

// Destination is one publish target with its payload.
type Destination struct {
	Topic   string
	Payload []byte
	Class   DeliveryClass
}

// RouteSet is the ordered destinations for one document. Skipped lists
// derived paths that failed validation and were dropped; the enterprise
// topic is built from sanitized segments and is always present.
type RouteSet struct {
	Destinations []Destination
	Skipped      []string
}

// Template is one output format's routing configuration.
type Template struct {
	// Pattern is the topic template with {name} placeholders.
	Pattern string
	// Namespace roots the enterprise-wide topic. When empty it is taken
	// from the template's leading literal segment, defaulting to "uns".
	Namespace string
}

// Router renders topic templates per output format.
type Router struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewRouter creates a router with no registered templates.
func NewRouter() *Router {
	return &Router{templates: make(map[string]Template)}
}

// SetTemplate registers or replaces the template for an output format.
func (r *Router) SetTemplate(format string, tmpl Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[format] = tmpl
}

// Formats returns the registered format names.
func (r *Router) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	return names
}

// Route derives all destinations for the document under the named
// format's template, in order: base status topic, data-type-qualified
// topic, metric sub-topics for populated sections on the document's own
// data-type branch, and the fixed enterprise-wide topic. Hierarchy
// values are sanitized before substitution and missing values get safe
// defaults, so the common case always validates; anything that still
// fails validation is recorded in Skipped instead of being returned.
func (r *Router) Route(format string, doc *message.TransformedDocument, hierarchy *message.HierarchyPath) (*RouteSet, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[format]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: no topic template for format %q", errors.ErrUnknownFormat, format),
			"Router", "Route", "template lookup")
	}
	if doc == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidTopic, "Router", "Route", "nil document")
	}
	if hierarchy == nil {
		hierarchy = doc.Hierarchy
	}

	values := substitutions(doc, hierarchy)
	set := &RouteSet{}

	fullDoc, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "Router", "Route", "document marshal")
	}

	dataType := values["dataType"]
	base := render(tmpl.Pattern, values, "")
	set.add(base, fullDoc, ClassStatus)

	qualified := render(tmpl.Pattern, values, dataType)
	if !strings.Contains(tmpl.Pattern, "{dataType}") && !strings.Contains(tmpl.Pattern, "{metric}") {
		qualified = base + "/" + dataType
	}
	set.add(qualified, fullDoc, ClassData)

	for _, sub := range metricSubTopics(doc) {
		set.add(base+"/"+sub.path, sub.payload, ClassMetric)
	}

	enterprise := fmt.Sprintf("%s/enterprise/%s/equipment/%s",
		tmpl.namespace(), values["enterprise"], sanitizeSegment(doc.EquipmentID, "unknown"))
	set.add(enterprise, fullDoc, ClassEnterprise)

	return set, nil
}

func (s *RouteSet) add(topic string, payload []byte, class DeliveryClass) {
	if err := Validate(topic); err != nil {
		s.Skipped = append(s.Skipped, topic)
		return
	}
	for _, d := range s.Destinations {
		if d.Topic == topic {
			return
		}
	}
	s.Destinations = append(s.Destinations, Destination{Topic: topic, Payload: payload, Class: class})
}

type subTopic struct {
	path    string
	payload []byte
}

// metricSubTopics returns the section topics for the document's own
// data-type branch. Energy metrics ride the process branch since they
// are derived from process sensor readings.
func metricSubTopics(doc *message.TransformedDocument) []subTopic {
	var subs []subTopic
	appendSection := func(path string, section any) {
		payload, err := json.Marshal(section)
		if err != nil {
			return
		}
		subs = append(subs, subTopic{path: path, payload: payload})
	}
	switch doc.DataType {
	case message.DataTypeProcess:
		if len(doc.ProcessParameters) > 0 {
			appendSection("process/parameters", doc.ProcessParameters)
		}
		if doc.EnergyMetrics != nil {
			appendSection("energy/metrics", doc.EnergyMetrics)
		}
	case message.DataTypeQuality:
		if doc.QualityMetrics != nil {
			appendSection("quality/metrics", doc.QualityMetrics)
		}
	case message.DataTypeMaintenance:
		if doc.MaintenanceInfo != nil {
			appendSection("maintenance/status", doc.MaintenanceInfo)
		}
	case message.DataTypeEnergy:
		if doc.EnergyMetrics != nil {
			appendSection("energy/metrics", doc.EnergyMetrics)
		}
	}
	return subs
}

// Validate rejects topic paths that exceed the length cap, contain
// characters outside [A-Za-z0-9/_-], start or end with a slash, or
// contain an empty segment.
func Validate(topic string) error {
	invalid := func(reason string) error {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s: %q", errors.ErrInvalidTopic, reason, topic),
			"Router", "Validate", "topic validation")
	}
	if topic == "" {
		return invalid("empty topic")
	}
	if len(topic) > maxTopicLength {
		return invalid("exceeds 256 characters")
	}
	if strings.HasPrefix(topic, "/") || strings.HasSuffix(topic, "/") {
		return invalid("leading or trailing slash")
	}
	if strings.Contains(topic, "//") {
		return invalid("empty segment")
	}
	for _, r := range topic {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '/', r == '_', r == '-':
		default:
			return invalid(fmt.Sprintf("character %q not allowed", r))
		}
	}
	return nil
}

func (t Template) namespace() string {
	if t.Namespace != "" {
		return sanitizeSegment(t.Namespace, "uns")
	}
	head, _, _ := strings.Cut(t.Pattern, "/")
	if head != "" && !strings.Contains(head, "{") {
		return sanitizeSegment(head, "uns")
	}
	return "uns"
}
