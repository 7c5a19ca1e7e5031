package pipeline

import (
	"strings"
)

// streamSubjectRoot is the subject prefix the durable document stream
// captures.
const streamSubjectRoot = "unsflow.documents"

// streamSubject builds the per-document stream subject. Profile and
// equipment id become subject tokens, so both are scrubbed of token
// separators.
func streamSubject(profile, equipmentID string) string {
	return streamSubjectRoot + "." + subjectToken(profile) + "." + subjectToken(equipmentID)
}

// cacheKey builds the KV key for an equipment id. NATS KV keys share
// the subject token rules.
func cacheKey(equipmentID string) string {
	return subjectToken(equipmentID)
}

// subjectToken makes a value safe for use as one NATS subject token.
func subjectToken(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}
