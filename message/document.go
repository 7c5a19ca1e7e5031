package message

import (
	"github.com/google/uuid"
)

// ProcessParameter is one normalized sensor reading with its engineering
// unit and quality flag.
type ProcessParameter struct {
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Timestamp string  `json:"timestamp"`
	Quality   string  `json:"quality"`
}

// QualityMetrics is the normalized part-count section of a transformed
// document.
type QualityMetrics struct {
	GoodParts     int64    `json:"goodParts"`
	RejectedParts int64    `json:"rejectedParts"`
	ReworkParts   int64    `json:"reworkParts"`
	TotalParts    int64    `json:"totalParts"`
	YieldRate     float64  `json:"yieldRate"`
	DefectTypes   []string `json:"defectTypes"`
}

// MaintenanceAlert is one alert raised from a reported error code.
type MaintenanceAlert struct {
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	Code      string `json:"code"`
	Timestamp string `json:"timestamp"`
}

// MaintenanceInfo is the normalized maintenance section of a transformed
// document.
type MaintenanceInfo struct {
	RunTimeHours    float64            `json:"runTimeHours"`
	CycleCount      int64              `json:"cycleCount"`
	MaintenanceType string             `json:"maintenanceType"`
	Alerts          []MaintenanceAlert `json:"alerts"`
}

// EnergyMetrics is present only when a power consumption reading exists.
type EnergyMetrics struct {
	PowerConsumption float64 `json:"powerConsumption"`
	EnergyTotal      float64 `json:"energyTotal"`
	Efficiency       float64 `json:"efficiency"`
}

// PerformanceMetrics carries the derived availability/performance/quality
// triple and the OEE computed from it. All values are 0-100 percentages.
type PerformanceMetrics struct {
	Availability float64 `json:"availability"`
	Performance  float64 `json:"performance"`
	QualityRate  float64 `json:"qualityRate"`
	OEE          float64 `json:"oee"`
}

// LegacyLocation is the flat location carried by the legacy output
// format, kept for consumers that predate the full hierarchy.
type LegacyLocation struct {
	Area           string `json:"area"`
	WorkUnit       string `json:"workUnit"`
	EquipmentClass string `json:"equipmentClass"`
}

// TransformedDocument is the format-specific output of one observation
// plus one resolved hierarchy. Every document carries a freshly generated
// message id, the source timestamp, a deterministic data type
// classification, and whichever structured sections the source data
// populated. Format-specific shape: the hierarchical formats fill
// Hierarchy, the legacy flat format fills Legacy.
type TransformedDocument struct {
	MessageID   string           `json:"messageId"`
	Format      string           `json:"format"`
	Timestamp   string           `json:"timestamp"`
	EquipmentID string           `json:"equipmentId"`
	DataType    DataType         `json:"dataType"`
	State       OperationalState `json:"state"`

	Hierarchy *HierarchyPath  `json:"hierarchy,omitempty"`
	Legacy    *LegacyLocation `json:"legacy,omitempty"`

	Performance       *PerformanceMetrics         `json:"performance,omitempty"`
	ProcessParameters map[string]ProcessParameter `json:"processParameters,omitempty"`
	QualityMetrics    *QualityMetrics             `json:"qualityMetrics,omitempty"`
	MaintenanceInfo   *MaintenanceInfo            `json:"maintenanceInfo,omitempty"`
	EnergyMetrics     *EnergyMetrics              `json:"energyMetrics,omitempty"`
}

// NewDocumentID returns a fresh unique message id.
func NewDocumentID() string {
	return uuid.New().String()
}

// Validate checks the invariants every transformed document must hold
// before it is routed.
func (d *TransformedDocument) Validate() error {
	if d.MessageID == "" {
		return errMissingField("document messageId")
	}
	if d.EquipmentID == "" {
		return errMissingField("document equipmentId")
	}
	if !d.DataType.IsValid() {
		return errMissingField("document dataType")
	}
	return nil
}
