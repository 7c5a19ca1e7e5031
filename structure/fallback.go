package structure

import (
	"sort"
	"strings"

	"github.com/c360/unsflow/message"
	"github.com/c360/unsflow/pkg/timestamp"
)

// FallbackPath synthesizes a best-effort hierarchy path for equipment
// that never announced its structure. The area is guessed from naming
// conventions in the equipment id; everything else is an explicit
// placeholder. The result is marked IsFallback and is never stored, so
// the registry's authoritative state stays announcement-only.
//
// The derivation is deterministic: the same equipment id always maps to
// the same path, which keeps downstream topics stable across restarts.
func FallbackPath(equipmentID string) *message.HierarchyPath {
	return &message.HierarchyPath{
		Enterprise:  message.UnknownEnterprise,
		Site:        message.UnknownSite,
		Area:        guessArea(equipmentID),
		WorkUnit:    equipmentID,
		LastUpdated: timestamp.Now(),
		Source:      "fallback",
		IsFallback:  true,
	}
}

func guessArea(equipmentID string) string {
	id := strings.ToLower(equipmentID)
	switch {
	case strings.Contains(id, "prod"):
		return message.AreaProduction
	case strings.Contains(id, "pack"):
		return message.AreaPackaging
	case strings.Contains(id, "qc"), strings.Contains(id, "quality"):
		return message.AreaQualityControl
	default:
		return message.AreaGeneral
	}
}

// Tree is a point-in-time view of the registry grouped by hierarchy
// level: enterprise, site, area, work unit, then equipment ids.
type Tree map[string]map[string]map[string]map[string][]string

// Snapshot builds a consistent tree of everything currently registered.
// Fallback paths are never stored, so the tree only contains announced
// structure. Equipment lists are sorted for stable output.
func (r *Registry) Snapshot() Tree {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tree := make(Tree)
	for equipmentID, path := range r.entries {
		sites, ok := tree[path.Enterprise]
		if !ok {
			sites = make(map[string]map[string]map[string][]string)
			tree[path.Enterprise] = sites
		}
		areas, ok := sites[path.Site]
		if !ok {
			areas = make(map[string]map[string][]string)
			sites[path.Site] = areas
		}
		workUnits, ok := areas[path.Area]
		if !ok {
			workUnits = make(map[string][]string)
			areas[path.Area] = workUnits
		}
		workUnits[path.WorkUnit] = append(workUnits[path.WorkUnit], equipmentID)
	}
	for _, sites := range tree {
		for _, areas := range sites {
			for _, workUnits := range areas {
				for _, ids := range workUnits {
					sort.Strings(ids)
				}
			}
		}
	}
	return tree
}
