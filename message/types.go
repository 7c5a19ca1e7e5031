package message

// DataType classifies a transformed document by the kind of information
// it carries. Classification is derived from observation content and is
// never producer-supplied.
type DataType string

// Known data type classifications, in routing precedence order.
const (
	DataTypeQuality     DataType = "quality"
	DataTypeMaintenance DataType = "maintenance"
	DataTypeProcess     DataType = "process"
	DataTypeEquipment   DataType = "equipment"
	DataTypeEnergy      DataType = "energy"
)

// IsValid reports whether dt is one of the known classifications.
func (dt DataType) IsValid() bool {
	switch dt {
	case DataTypeQuality, DataTypeMaintenance, DataTypeProcess, DataTypeEquipment, DataTypeEnergy:
		return true
	default:
		return false
	}
}

// OperationalState is the normalized equipment state in transformed
// documents. Raw producer states (RUNNING, IDLE, ...) are mapped onto
// these values during transformation.
type OperationalState string

// Normalized operational states.
const (
	StateActive      OperationalState = "ACTIVE"
	StateStandby     OperationalState = "STANDBY"
	StateFault       OperationalState = "FAULT"
	StateMaintenance OperationalState = "MAINTENANCE"
	StateInactive    OperationalState = "INACTIVE"
)

// RelationshipKind describes a directed edge between two pieces of
// equipment. Relationships are informational only: they never affect
// routing or transformation.
type RelationshipKind string

// Known relationship kinds.
const (
	RelationParent     RelationshipKind = "parent"
	RelationChild      RelationshipKind = "child"
	RelationUpstream   RelationshipKind = "upstream"
	RelationDownstream RelationshipKind = "downstream"
	RelationSibling    RelationshipKind = "sibling"
)

// IsValid reports whether k is a known relationship kind.
func (k RelationshipKind) IsValid() bool {
	switch k {
	case RelationParent, RelationChild, RelationUpstream, RelationDownstream, RelationSibling:
		return true
	default:
		return false
	}
}

// EquipmentRelationship is a directed edge between two equipment ids.
type EquipmentRelationship struct {
	From string           `json:"fromEquipmentId"`
	To   string           `json:"toEquipmentId"`
	Kind RelationshipKind `json:"kind"`
}

// Validate checks that both endpoints and the kind are present and known.
func (r EquipmentRelationship) Validate() error {
	if r.From == "" || r.To == "" {
		return errMissingField("equipment relationship endpoints")
	}
	if !r.Kind.IsValid() {
		return errMissingField("equipment relationship kind")
	}
	return nil
}
