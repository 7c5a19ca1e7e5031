package transform

import (
	"github.com/c360/unsflow/message"
)

// TransformISA95 is the enhanced hierarchical format: the full resolved
// hierarchy path travels with every document, together with derived
// performance metrics and whichever normalized sections the observation
// populated.
func TransformISA95(obs *message.Observation, hierarchy *message.HierarchyPath, _ Context) (*message.TransformedDocument, error) {
	if err := obs.Validate(); err != nil {
		return nil, err
	}
	doc := baseDocument(obs)
	doc.Hierarchy = hierarchy.Clone()
	return doc, nil
}

// TransformLegacyFlat is the flat format kept for consumers that predate
// hierarchy resolution: location collapses to area, work unit, and
// equipment class. Derived sections are identical to the hierarchical
// format so both can run side by side against the same observations.
func TransformLegacyFlat(obs *message.Observation, hierarchy *message.HierarchyPath, _ Context) (*message.TransformedDocument, error) {
	if err := obs.Validate(); err != nil {
		return nil, err
	}
	doc := baseDocument(obs)
	doc.Legacy = legacyLocation(obs, hierarchy)
	return doc, nil
}

func baseDocument(obs *message.Observation) *message.TransformedDocument {
	return &message.TransformedDocument{
		MessageID:         message.NewDocumentID(),
		Timestamp:         obs.Timestamp,
		EquipmentID:       obs.EquipmentID,
		DataType:          Classify(obs),
		State:             NormalizeState(obs.StatusInfo.State),
		Performance:       buildPerformance(obs),
		ProcessParameters: buildProcessParameters(obs),
		QualityMetrics:    buildQualityMetrics(obs),
		MaintenanceInfo:   buildMaintenanceInfo(obs),
		EnergyMetrics:     buildEnergyMetrics(obs),
	}
}

func legacyLocation(obs *message.Observation, hierarchy *message.HierarchyPath) *message.LegacyLocation {
	loc := &message.LegacyLocation{
		Area:           message.AreaGeneral,
		WorkUnit:       obs.EquipmentID,
		EquipmentClass: obs.EquipmentType,
	}
	if hierarchy != nil {
		if hierarchy.Area != "" {
			loc.Area = hierarchy.Area
		}
		if hierarchy.WorkUnit != "" {
			loc.WorkUnit = hierarchy.WorkUnit
		}
		if loc.EquipmentClass == "" {
			loc.EquipmentClass = hierarchy.EquipmentType
		}
	}
	if loc.EquipmentClass == "" {
		loc.EquipmentClass = "unknown"
	}
	return loc
}
