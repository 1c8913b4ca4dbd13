package h264

// DefaultLargeUnitThreshold is the size above which a unit is treated as an
// intra unit regardless of its NAL type.
const DefaultLargeUnitThreshold = 50000

// UnitKind is the set of roles a delivered access unit plays for keyframe
// synthesis. A unit may be both a parameter set and a key unit.
type UnitKind uint8

const (
	// KindDelta covers everything that neither configures the decoder nor
	// starts a new picture on its own, including buffers that cannot be classified.
	KindDelta UnitKind = 0
	// KindParameterSet is an SPS or PPS unit (types 7/8).
	KindParameterSet UnitKind = 1 << 0
	// KindKey is an intra unit that can be decoded after the parameter sets.
	KindKey UnitKind = 1 << 1
)

// IsParameterSet reports whether the unit refreshes the parameter-set cache.
func (k UnitKind) IsParameterSet() bool { return k&KindParameterSet != 0 }

// IsKey reports whether the unit triggers keyframe synthesis.
func (k UnitKind) IsKey() bool { return k&KindKey != 0 }

func (k UnitKind) String() string {
	switch {
	case k.IsParameterSet() && k.IsKey():
		return "parameter_set+key"
	case k.IsParameterSet():
		return "parameter_set"
	case k.IsKey():
		return "key"
	default:
		return "delta"
	}
}

// Classifier maps raw access units to a UnitKind.
//
// Besides IDR units, any unit larger than LargeUnitThreshold counts as a key
// unit, whatever its type code and even when it has no recognizable header.
// The remote encoder emits big non-IDR intra slices that decode fine on
// their own; this is a heuristic and not something the bitstream guarantees.
type Classifier struct {
	LargeUnitThreshold int
}

// NewClassifier returns a classifier with the given large-unit threshold.
// A non-positive threshold selects DefaultLargeUnitThreshold.
func NewClassifier(largeUnitThreshold int) Classifier {
	if largeUnitThreshold <= 0 {
		largeUnitThreshold = DefaultLargeUnitThreshold
	}
	return Classifier{LargeUnitThreshold: largeUnitThreshold}
}

// Classify returns the kind of buf together with the NAL type found at its
// start. ok is false when no start code and header byte were present.
func (c Classifier) Classify(buf []byte) (kind UnitKind, nalType NALUnitType, ok bool) {
	nalType, ok = FirstNALUnitType(buf)

	if ok && (nalType == NALUnitTypeSPS || nalType == NALUnitTypePPS) {
		kind |= KindParameterSet
	}
	if ok && nalType == NALUnitTypeIDR {
		kind |= KindKey
	}
	if c.LargeUnitThreshold > 0 && len(buf) > c.LargeUnitThreshold {
		kind |= KindKey
	}
	return kind, nalType, ok
}
