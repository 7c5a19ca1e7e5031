package message

import (
	"fmt"
	"time"

	"github.com/c360/unsflow/errors"
	"github.com/c360/unsflow/pkg/timestamp"
)

// errMissingField builds the standard invalid-data error for a missing
// or malformed field.
func errMissingField(field string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%s required", field),
		"message", "Validate", "field check")
}

// StatusInfo carries the producer-reported equipment status section of an
// observation.
//
// EfficiencyPercent is a pointer because absence matters: a missing value
// defaults to 100 during transformation, which is not the same as a
// reported 0.
type StatusInfo struct {
	State                string   `json:"state"`
	CycleCount           int64    `json:"cycleCount,omitempty"`
	RuntimeHours         float64  `json:"runtimeHours,omitempty"`
	LastMaintenanceHours float64  `json:"lastMaintenanceHours,omitempty"`
	ErrorCode            string   `json:"errorCode,omitempty"`
	EfficiencyPercent    *float64 `json:"efficiency,omitempty"`
}

// QualityInfo carries the optional part-count section of an observation.
type QualityInfo struct {
	GoodParts         int64    `json:"goodParts"`
	BadParts          int64    `json:"badParts"`
	RejectRatePercent *float64 `json:"rejectRatePercent,omitempty"`
}

// Observation is one inbound raw reading from a producer. It is owned by
// the pipeline for the duration of a single processing pass and is never
// mutated once transformation begins.
type Observation struct {
	Timestamp      string             `json:"timestamp"`
	EquipmentID    string             `json:"equipmentId"`
	EquipmentType  string             `json:"equipmentType,omitempty"`
	SensorReadings map[string]float64 `json:"sensorReadings,omitempty"`
	StatusInfo     *StatusInfo        `json:"statusInfo"`
	QualityInfo    *QualityInfo       `json:"qualityInfo,omitempty"`
}

// Validate checks the fields every observation must carry regardless of
// which source profile it arrived through. Profile schemas narrow this
// further per source.
func (o *Observation) Validate() error {
	if o.Timestamp == "" {
		return errMissingField("observation timestamp")
	}
	if o.StatusInfo == nil {
		return errMissingField("observation statusInfo")
	}
	if o.StatusInfo.State == "" {
		return errMissingField("observation statusInfo.state")
	}
	return nil
}

// Time parses the observation timestamp, tolerating the encodings
// producers actually use. Returns the zero time when unparseable.
func (o *Observation) Time() time.Time {
	return timestamp.ToTime(timestamp.Parse(o.Timestamp))
}

// HasSensorReadings reports whether at least one sensor reading is present.
func (o *Observation) HasSensorReadings() bool {
	return len(o.SensorReadings) > 0
}

// HasQualityInfo reports whether the quality section is present.
func (o *Observation) HasQualityInfo() bool {
	return o.QualityInfo != nil
}
