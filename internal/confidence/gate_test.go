package confidence

import "testing"

func TestGate_ThresholdPrecedence(t *testing.T) {
	gate := NewGate(70, map[string]int{"crisis_handling": 80})

	if got := gate.ThresholdFor("relatability"); got != 70 {
		t.Errorf("Expected record threshold 70, got %d", got)
	}
	if got := gate.ThresholdFor("crisis_handling"); got != 80 {
		t.Errorf("Expected per-field threshold 80 to win, got %d", got)
	}

	// Zero record threshold falls back to the package default.
	gate = NewGate(0, nil)
	if got := gate.ThresholdFor("anything"); got != DefaultThreshold {
		t.Errorf("Expected default threshold %d, got %d", DefaultThreshold, got)
	}
}

func TestGate_FieldIndependence(t *testing.T) {
	gate := NewGate(60, nil)

	// One low-confidence field must not suppress a well-evidenced one in the
	// same record.
	weak := gate.Score("friendliness", 90, 30)
	strong := gate.Score("relatability", 85, 95)

	if weak != nil {
		t.Errorf("Expected low-confidence score to be nulled, got %d", *weak)
	}
	if strong == nil {
		t.Fatal("Expected high-confidence score to persist")
	}
	if *strong != 85 {
		t.Errorf("Expected score 85, got %d", *strong)
	}
}

func TestGate_BoundaryExactThreshold(t *testing.T) {
	gate := NewGate(60, nil)

	// Confidence equal to the threshold is admitted.
	if got := gate.Score("alignment", 50, 60); got == nil {
		t.Error("Expected confidence == threshold to be admitted")
	}
	if got := gate.Score("alignment", 50, 59); got != nil {
		t.Error("Expected confidence just below threshold to be nulled")
	}
}

func TestGate_NilPassthrough(t *testing.T) {
	gate := NewGate(60, nil)

	if got := gate.String("subcategory", nil, 100); got != nil {
		t.Error("Expected nil value to stay nil regardless of confidence")
	}

	val := "romantic_advance"
	if got := gate.String("subcategory", &val, 75); got == nil || *got != val {
		t.Error("Expected admitted string value to persist")
	}
	if got := gate.String("subcategory", &val, 20); got != nil {
		t.Error("Expected low-confidence string to be nulled")
	}

	b := true
	if got := gate.Bool("response_appropriate", &b, 61); got == nil || !*got {
		t.Error("Expected admitted bool value to persist")
	}
	if got := gate.Bool("response_appropriate", &b, 10); got != nil {
		t.Error("Expected low-confidence bool to be nulled")
	}
}
