package message

// Fallback level names used when no producer has announced real
// structure for an equipment id.
const (
	UnknownEnterprise = "UnknownEnterprise"
	UnknownSite       = "UnknownSite"
)

// Standard area names for the fallback derivation and for hierarchy
// grouping.
const (
	AreaProduction     = "PRODUCTION"
	AreaPackaging      = "PACKAGING"
	AreaQualityControl = "QUALITY_CONTROL"
	AreaGeneral        = "GENERAL"
)

// HierarchyPath identifies where a piece of equipment sits in the
// enterprise hierarchy (enterprise, site, area, work unit, optional line)
// together with the descriptive metadata a producer announced for it.
//
// A non-fallback path is authoritative: the registry never replaces it
// with a fallback derivation. A fallback path is a transient guess and is
// always replaceable by a later authoritative announcement.
type HierarchyPath struct {
	Enterprise    string           `json:"enterprise"`
	Site          string           `json:"site"`
	Area          string           `json:"area"`
	WorkUnit      string           `json:"workUnit"`
	Line          string           `json:"line,omitempty"`
	EquipmentType string           `json:"equipmentType,omitempty"`
	Capabilities  []string         `json:"capabilities,omitempty"`
	DataTypes     []DataType       `json:"dataTypes,omitempty"`
	Tags          map[string]any   `json:"tags,omitempty"`
	LastUpdated   int64            `json:"lastUpdated"` // Unix milliseconds
	Source        string           `json:"source,omitempty"`
	IsFallback    bool             `json:"isFallback"`
}

// Clone returns a deep copy so callers can hand paths out of the registry
// without sharing mutable state.
func (h *HierarchyPath) Clone() *HierarchyPath {
	if h == nil {
		return nil
	}
	c := *h
	if h.Capabilities != nil {
		c.Capabilities = append([]string(nil), h.Capabilities...)
	}
	if h.DataTypes != nil {
		c.DataTypes = append([]DataType(nil), h.DataTypes...)
	}
	if h.Tags != nil {
		c.Tags = make(map[string]any, len(h.Tags))
		for k, v := range h.Tags {
			c.Tags[k] = v
		}
	}
	return &c
}

// Location is the positional part of a structure announcement.
type Location struct {
	Enterprise string `json:"enterprise"`
	Site       string `json:"site"`
	Area       string `json:"area"`
	WorkUnit   string `json:"workUnit"`
	Line       string `json:"line,omitempty"`
}

// isComplete reports whether all mandatory levels are present.
func (l Location) isComplete() bool {
	return l.Enterprise != "" && l.Site != "" && l.Area != "" && l.WorkUnit != ""
}

// HierarchyInfo is the identity section of a structure announcement.
type HierarchyInfo struct {
	EquipmentID   string         `json:"equipmentId"`
	Location      Location       `json:"location"`
	EquipmentType string         `json:"equipmentType,omitempty"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	DataTypes     []DataType     `json:"dataTypes,omitempty"`
	Tags          map[string]any `json:"tags,omitempty"`
}

// StructureAnnouncement is the self-describing metadata message a
// producer emits at startup (and optionally periodically). The registry
// consumes each arrival exactly once, keyed by the announced equipment id.
type StructureAnnouncement struct {
	ProducerID    string                  `json:"producerId"`
	Timestamp     string                  `json:"timestamp"`
	HierarchyInfo *HierarchyInfo          `json:"hierarchyInfo"`
	Relationships []EquipmentRelationship `json:"relationships,omitempty"`
}

// Validate enforces the announcement shape the registry requires:
// producer id, timestamp, an equipment id, and a complete location.
func (a *StructureAnnouncement) Validate() error {
	if a.ProducerID == "" {
		return errMissingField("announcement producerId")
	}
	if a.Timestamp == "" {
		return errMissingField("announcement timestamp")
	}
	if a.HierarchyInfo == nil {
		return errMissingField("announcement hierarchyInfo")
	}
	if a.HierarchyInfo.EquipmentID == "" {
		return errMissingField("announcement hierarchyInfo.equipmentId")
	}
	if !a.HierarchyInfo.Location.isComplete() {
		return errMissingField("announcement hierarchyInfo.location")
	}
	for _, rel := range a.Relationships {
		if err := rel.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Path builds the authoritative HierarchyPath this announcement asserts,
// stamped with the given update time (Unix milliseconds).
func (a *StructureAnnouncement) Path(updatedAt int64) *HierarchyPath {
	info := a.HierarchyInfo
	return &HierarchyPath{
		Enterprise:    info.Location.Enterprise,
		Site:          info.Location.Site,
		Area:          info.Location.Area,
		WorkUnit:      info.Location.WorkUnit,
		Line:          info.Location.Line,
		EquipmentType: info.EquipmentType,
		Capabilities:  append([]string(nil), info.Capabilities...),
		DataTypes:     append([]DataType(nil), info.DataTypes...),
		Tags:          info.Tags,
		LastUpdated:   updatedAt,
		Source:        a.ProducerID,
		IsFallback:    false,
	}
}
