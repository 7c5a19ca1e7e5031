package route

import (
	"regexp"
	"strings"

	"github.com/c360/unsflow/message"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z]+)\}`)

// substitutions builds the placeholder value map for one document. Every
// value is sanitized here, so templates can only ever produce valid
// segments. Aliases: {region}={site}, {facility}={area}, {metric}={dataType}.
func substitutions(doc *message.TransformedDocument, h *message.HierarchyPath) map[string]string {
	if h == nil {
		h = &message.HierarchyPath{}
	}
	values := map[string]string{
		"enterprise": sanitizeSegment(h.Enterprise, "unknown"),
		"site":       sanitizeSegment(h.Site, "unknown"),
		"area":       sanitizeSegment(h.Area, "general"),
		"workUnit":   sanitizeSegment(h.WorkUnit, "unknown"),
		"line":       sanitizeSegment(h.Line, "unknown"),
		"equipment":  sanitizeSegment(doc.EquipmentID, "unknown"),
		"dataType":   sanitizeSegment(string(doc.DataType), "unknown"),
	}
	values["region"] = values["site"]
	values["facility"] = values["area"]
	values["metric"] = values["dataType"]
	values["equipmentId"] = values["equipment"]
	return values
}

// render substitutes placeholders into the pattern. The dataType
// argument overrides the {dataType}/{metric} placeholders; an empty
// value removes that segment, which is how the base status topic is
// derived from a template that positions the data type explicitly.
// Unknown placeholders never leak: they substitute to "unknown".
func render(pattern string, values map[string]string, dataType string) string {
	rendered := placeholderRe.ReplaceAllStringFunc(pattern, func(token string) string {
		name := token[1 : len(token)-1]
		if name == "dataType" || name == "metric" {
			return dataType
		}
		if v, ok := values[name]; ok {
			return v
		}
		return "unknown"
	})
	return collapsePath(rendered)
}

// collapsePath normalizes slashes so a removed segment can never leave
// an empty path element behind.
func collapsePath(path string) string {
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	return strings.Trim(path, "/")
}

// sanitizeSegment makes one hierarchy value safe for use as a topic
// segment: whitespace becomes underscores, anything outside the allowed
// charset is dropped, and an empty result falls back to the default.
func sanitizeSegment(value, fallback string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(value) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ', r == '\t':
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return fallback
	}
	return b.String()
}

// DiscoveryRequestTopic is the well-known path on which discovery
// requests for an equipment id are published.
func DiscoveryRequestTopic(equipmentID string) string {
	return "discovery/request/" + sanitizeSegment(equipmentID, "unknown")
}

// ToSubject maps a hierarchical topic path onto a transport subject.
// NATS subjects are dot-separated, so path separators become dots;
// segment sanitization guarantees no segment contains a dot already.
func ToSubject(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// ToTopic is the inverse of ToSubject, for rendering inbound subjects
// as hierarchy paths in logs and stats.
func ToTopic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
