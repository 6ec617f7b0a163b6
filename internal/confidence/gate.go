// Package confidence implements the store-or-null gate for inferred fields.
//
// Storing low-confidence behavioral inferences mislabels people; nulling them
// preserves honesty about uncertainty while letting well-evidenced fields in
// the same record persist. The gate is therefore field-independent: each
// inferred attribute is gated on its own confidence, and one weak field never
// suppresses the rest of the record.
//
// Threshold precedence, lowest to highest: package default (60), the
// record-level threshold configured for the analysis pass, and an explicit
// per-field threshold. A per-field threshold always wins when both exist.
package confidence

// DefaultThreshold is the record-level confidence threshold used when no
// configuration overrides it.
const DefaultThreshold = 60

type Gate struct {
	recordThreshold int
	fieldThresholds map[string]int
}

func NewGate(recordThreshold int, fieldThresholds map[string]int) *Gate {
	if recordThreshold <= 0 {
		recordThreshold = DefaultThreshold
	}
	return &Gate{
		recordThreshold: recordThreshold,
		fieldThresholds: fieldThresholds,
	}
}

// ThresholdFor resolves the effective threshold for a named field.
func (g *Gate) ThresholdFor(field string) int {
	if t, ok := g.fieldThresholds[field]; ok && t > 0 {
		return t
	}
	return g.recordThreshold
}

// Admits reports whether a value with the given confidence is durable enough
// to persist for the named field.
func (g *Gate) Admits(field string, confidence int) bool {
	return confidence >= g.ThresholdFor(field)
}

// Score gates a 0-100 scored dimension: the score survives only when its
// confidence clears the field's threshold.
func (g *Gate) Score(field string, score, confidence int) *int {
	if !g.Admits(field, confidence) {
		return nil
	}
	s := score
	return &s
}

// String gates an inferred string-valued field. A nil input passes through
// unchanged: absent is not the same as low-confidence.
func (g *Gate) String(field string, value *string, confidence int) *string {
	if value == nil || !g.Admits(field, confidence) {
		return nil
	}
	return value
}

// Bool gates an inferred boolean field.
func (g *Gate) Bool(field string, value *bool, confidence int) *bool {
	if value == nil || !g.Admits(field, confidence) {
		return nil
	}
	return value
}
