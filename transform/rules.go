package transform

import (
	"strings"

	"github.com/c360/unsflow/message"
)

// stateAvailability is the availability percentage each raw state
// implies. A state not in this table scores 50: the equipment is
// reporting something, just nothing we can rank.
var stateAvailability = map[string]float64{
	"RUNNING":     100,
	"IDLE":        75,
	"ERROR":       0,
	"MAINTENANCE": 0,
}

// sensorUnits maps sensor reading names to engineering units.
var sensorUnits = map[string]string{
	"temperature":       "°C",
	"pressure":          "bar",
	"speed":             "%",
	"vibration":         "mm/s",
	"power_consumption": "kW",
}

// fixedEnergyEfficiency is a placeholder until producers report real
// electrical efficiency.
const fixedEnergyEfficiency = 85

// NormalizeState maps a producer-reported raw state onto the normalized
// operational states.
func NormalizeState(raw string) message.OperationalState {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "RUNNING":
		return message.StateActive
	case "IDLE":
		return message.StateStandby
	case "ERROR":
		return message.StateFault
	case "MAINTENANCE":
		return message.StateMaintenance
	default:
		return message.StateInactive
	}
}

// Availability derives the availability percentage purely from the raw
// state.
func Availability(rawState string) float64 {
	if v, ok := stateAvailability[strings.ToUpper(strings.TrimSpace(rawState))]; ok {
		return v
	}
	return 50
}

// QualityRate derives the quality percentage from part counts. Absent
// counts, or counts that are both zero, default to 100: no evidence of
// rejects is treated as perfect quality, not zero production.
func QualityRate(q *message.QualityInfo) float64 {
	if q == nil {
		return 100
	}
	total := q.GoodParts + q.BadParts
	if total == 0 {
		return 100
	}
	return float64(q.GoodParts) / float64(total) * 100
}

// Performance is the producer-reported efficiency percent, defaulting to
// 100 when not reported.
func Performance(s *message.StatusInfo) float64 {
	if s == nil || s.EfficiencyPercent == nil {
		return 100
	}
	return *s.EfficiencyPercent
}

// OEE is availability * performance * quality on the 0-100 scale.
func OEE(availability, performance, qualityRate float64) float64 {
	return availability * performance * qualityRate / 10000
}

// Classify picks the document data type from observation content, first
// match wins: quality counts, then maintenance evidence, then sensor
// readings, then plain equipment status.
func Classify(obs *message.Observation) message.DataType {
	if obs.HasQualityInfo() {
		return message.DataTypeQuality
	}
	if obs.StatusInfo != nil {
		if NormalizeState(obs.StatusInfo.State) == message.StateMaintenance || obs.StatusInfo.ErrorCode != "" {
			return message.DataTypeMaintenance
		}
	}
	if obs.HasSensorReadings() {
		return message.DataTypeProcess
	}
	return message.DataTypeEquipment
}

// UnitFor looks up the engineering unit for a sensor reading name.
func UnitFor(sensor string) string {
	if u, ok := sensorUnits[sensor]; ok {
		return u
	}
	return "unit"
}

// buildPerformance computes the derived performance triple and OEE.
func buildPerformance(obs *message.Observation) *message.PerformanceMetrics {
	var rawState string
	if obs.StatusInfo != nil {
		rawState = obs.StatusInfo.State
	}
	availability := Availability(rawState)
	performance := Performance(obs.StatusInfo)
	qualityRate := QualityRate(obs.QualityInfo)
	return &message.PerformanceMetrics{
		Availability: availability,
		Performance:  performance,
		QualityRate:  qualityRate,
		OEE:          OEE(availability, performance, qualityRate),
	}
}

// buildProcessParameters normalizes every sensor reading.
func buildProcessParameters(obs *message.Observation) map[string]message.ProcessParameter {
	if !obs.HasSensorReadings() {
		return nil
	}
	params := make(map[string]message.ProcessParameter, len(obs.SensorReadings))
	for name, value := range obs.SensorReadings {
		params[name] = message.ProcessParameter{
			Value:     value,
			Unit:      UnitFor(name),
			Timestamp: obs.Timestamp,
			Quality:   "GOOD",
		}
	}
	return params
}

// buildQualityMetrics normalizes the part-count section.
func buildQualityMetrics(obs *message.Observation) *message.QualityMetrics {
	q := obs.QualityInfo
	if q == nil {
		return nil
	}
	yieldRate := float64(100)
	if q.RejectRatePercent != nil {
		yieldRate = 100 - *q.RejectRatePercent
	}
	return &message.QualityMetrics{
		GoodParts:     q.GoodParts,
		RejectedParts: q.BadParts,
		ReworkParts:   0,
		TotalParts:    q.GoodParts + q.BadParts,
		YieldRate:     yieldRate,
		DefectTypes:   []string{},
	}
}

// buildMaintenanceInfo normalizes the maintenance section. Present only
// when the observation carries maintenance evidence.
func buildMaintenanceInfo(obs *message.Observation) *message.MaintenanceInfo {
	s := obs.StatusInfo
	if s == nil {
		return nil
	}
	inMaintenance := NormalizeState(s.State) == message.StateMaintenance
	if !inMaintenance && s.ErrorCode == "" {
		return nil
	}
	maintenanceType := "PREVENTIVE"
	if inMaintenance {
		maintenanceType = "CORRECTIVE"
	}
	alerts := []message.MaintenanceAlert{}
	if s.ErrorCode != "" {
		alerts = append(alerts, message.MaintenanceAlert{
			Severity:  "HIGH",
			Message:   "Equipment reported error code " + s.ErrorCode,
			Code:      s.ErrorCode,
			Timestamp: obs.Timestamp,
		})
	}
	return &message.MaintenanceInfo{
		RunTimeHours:    s.RuntimeHours,
		CycleCount:      s.CycleCount,
		MaintenanceType: maintenanceType,
		Alerts:          alerts,
	}
}

// buildEnergyMetrics normalizes the energy section, present only when a
// power consumption reading exists.
func buildEnergyMetrics(obs *message.Observation) *message.EnergyMetrics {
	power, ok := obs.SensorReadings["power_consumption"]
	if !ok {
		return nil
	}
	runtimeHours := float64(1)
	if obs.StatusInfo != nil && obs.StatusInfo.RuntimeHours > 0 {
		runtimeHours = obs.StatusInfo.RuntimeHours
	}
	return &message.EnergyMetrics{
		PowerConsumption: power,
		EnergyTotal:      power * runtimeHours,
		Efficiency:       fixedEnergyEfficiency,
	}
}
