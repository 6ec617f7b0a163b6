package threshold

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/talkhaven/safeguard/internal/config"
	"github.com/talkhaven/safeguard/internal/metrics"
	"github.com/talkhaven/safeguard/internal/models"
)

type fakeStore struct {
	config      *models.ThresholdConfig
	recentCount int
	created     []*models.Alert
	dedupeSeen  map[string]bool
	linked      map[uuid.UUID]uuid.UUID
}

func newFakeStore(cfg *models.ThresholdConfig) *fakeStore {
	return &fakeStore{
		config:     cfg,
		dedupeSeen: make(map[string]bool),
		linked:     make(map[uuid.UUID]uuid.UUID),
	}
}

func (f *fakeStore) GetThresholdConfig(_ context.Context, _ models.RiskCategory, _ *string) (*models.ThresholdConfig, error) {
	return f.config, nil
}

func (f *fakeStore) CountRecentEvents(_ context.Context, _ uuid.UUID, _ models.RiskCategory, _ time.Time) (int, error) {
	return f.recentCount, nil
}

func (f *fakeStore) CreateAlert(_ context.Context, alert *models.Alert) (bool, error) {
	if alert.DedupeKey != nil {
		if f.dedupeSeen[*alert.DedupeKey] {
			return false, nil
		}
		f.dedupeSeen[*alert.DedupeKey] = true
	}
	f.created = append(f.created, alert)
	return true, nil
}

func (f *fakeStore) SetEventAlert(_ context.Context, eventID, alertID uuid.UUID) error {
	f.linked[eventID] = alertID
	return nil
}

func testEngine(store Store) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.EscalationConfig{
		DefaultAlertConfidence:    60,
		DefaultEscalateConfidence: 85,
		DefaultRepeatCount:        3,
		DefaultRepeatWindow:       24 * time.Hour,
	}
	return NewEngine(store, cfg, metrics.NewCollector(), logger)
}

func testConfig() *models.ThresholdConfig {
	return &models.ThresholdConfig{
		ID:                          uuid.New(),
		Category:                    models.CategoryManipulation,
		AlertConfidenceThreshold:    60,
		SeverityEscalationThreshold: 85,
		RepeatCountThreshold:        3,
		RepeatWindowHours:           24,
		AutoAlert:                   true,
		Active:                      true,
	}
}

func testEvent(category models.RiskCategory, severity models.Severity, confidence int) *models.SafetyEvent {
	return &models.SafetyEvent{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		ConversationID: uuid.New(),
		Category:       category,
		Severity:       severity,
		Confidence:     confidence,
	}
}

func TestDecideAboveThreshold(t *testing.T) {
	d := Decide(testConfig(), models.SeverityModerate, 70)
	if !d.Alert {
		t.Fatal("expected alert at confidence 70 with threshold 60")
	}
	if d.AlertType != models.AlertTypeThresholdExceeded {
		t.Errorf("alert type = %s, want threshold_exceeded", d.AlertType)
	}
	if d.Severity != models.SeverityModerate {
		t.Errorf("severity = %s, want moderate (below escalation threshold)", d.Severity)
	}
}

func TestDecideBelowThreshold(t *testing.T) {
	d := Decide(testConfig(), models.SeverityModerate, 59)
	if d.Alert {
		t.Fatal("expected no alert at confidence 59 with threshold 60")
	}
}

func TestDecideExactThreshold(t *testing.T) {
	d := Decide(testConfig(), models.SeverityModerate, 60)
	if !d.Alert {
		t.Fatal("confidence equal to threshold must alert")
	}
}

func TestDecideSeverityEscalation(t *testing.T) {
	d := Decide(testConfig(), models.SeverityHigh, 90)
	if !d.Alert {
		t.Fatal("expected alert")
	}
	if d.Severity != models.SeverityCritical {
		t.Errorf("severity = %s, want critical (escalated one notch)", d.Severity)
	}
}

func TestDecideEscalationCappedAtCritical(t *testing.T) {
	d := Decide(testConfig(), models.SeverityCritical, 95)
	if d.Severity != models.SeverityCritical {
		t.Errorf("severity = %s, want critical (cap)", d.Severity)
	}
}

func TestDecideAutoAlertDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.AutoAlert = false
	d := Decide(cfg, models.SeverityHigh, 99)
	if d.Alert {
		t.Fatal("auto_alert=false must suppress threshold alerts")
	}
}

func TestDecideImmediateReviewOverride(t *testing.T) {
	cfg := testConfig()
	cfg.Category = models.CategorySelfHarm
	cfg.RequiresImmediateReview = true

	// Below the alert threshold, the immediate-review override still fires.
	d := Decide(cfg, models.SeverityHigh, 40)
	if !d.Alert {
		t.Fatal("immediate-review category must alert regardless of confidence")
	}
	if d.AlertType != models.AlertTypeImmediateReview {
		t.Errorf("alert type = %s, want immediate_review", d.AlertType)
	}
}

func TestEvaluateCreatesAlert(t *testing.T) {
	store := newFakeStore(testConfig())
	engine := testEngine(store)

	event := testEvent(models.CategoryManipulation, models.SeverityModerate, 75)
	alert, err := engine.Evaluate(context.Background(), event)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if alert == nil {
		t.Fatal("expected an alert")
	}
	if alert.Status != models.AlertStatusNew {
		t.Errorf("status = %s, want new", alert.Status)
	}
	if alert.EventID == nil || *alert.EventID != event.ID {
		t.Error("alert must reference the source event")
	}
	if got, ok := store.linked[event.ID]; !ok || got != alert.ID {
		t.Error("event must be back-linked to the alert")
	}
}

func TestEvaluateConfigMissingFailsSafe(t *testing.T) {
	store := newFakeStore(nil)
	engine := testEngine(store)

	alert, err := engine.Evaluate(context.Background(), testEvent(models.CategoryDeceptionAttempt, models.SeverityHigh, 99))
	if err != nil {
		t.Fatalf("missing config must not be an error, got %v", err)
	}
	if alert != nil {
		t.Fatal("missing config must be non-alerting")
	}
	if len(store.created) != 0 {
		t.Fatal("no alert rows should be written")
	}
}

func TestEvaluateRepeatPattern(t *testing.T) {
	store := newFakeStore(testConfig())
	store.recentCount = 3
	engine := testEngine(store)

	// Individually below threshold, collectively over the repeat count.
	event := testEvent(models.CategoryManipulation, models.SeverityLow, 45)
	alert, err := engine.Evaluate(context.Background(), event)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if alert == nil {
		t.Fatal("repeat-pattern crossing must alert despite low confidence")
	}
	if alert.AlertType != models.AlertTypeRepeatPattern {
		t.Errorf("alert type = %s, want repeat_pattern", alert.AlertType)
	}
	if alert.DedupeKey == nil {
		t.Fatal("repeat-pattern alerts must carry a dedupe key")
	}
	if alert.Severity != models.SeverityModerate {
		t.Errorf("severity = %s, want moderate (one notch above low)", alert.Severity)
	}
}

func TestEvaluateRepeatPatternIdempotent(t *testing.T) {
	store := newFakeStore(testConfig())
	store.recentCount = 5
	engine := testEngine(store)

	userID := uuid.New()
	var alerts int
	for i := 0; i < 4; i++ {
		event := testEvent(models.CategoryManipulation, models.SeverityLow, 40)
		event.UserID = userID
		alert, err := engine.Evaluate(context.Background(), event)
		if err != nil {
			t.Fatalf("Evaluate #%d: %v", i, err)
		}
		if alert != nil {
			alerts++
		}
	}
	if alerts != 1 {
		t.Fatalf("got %d alerts for one window crossing, want exactly 1", alerts)
	}
}

func TestRepeatDedupeKeyStable(t *testing.T) {
	userID := uuid.New()
	window := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	a := repeatDedupeKey(userID, models.CategoryGroomingBehavior, window)
	b := repeatDedupeKey(userID, models.CategoryGroomingBehavior, window)
	if a != b {
		t.Fatal("dedupe key must be deterministic for the same window")
	}
	c := repeatDedupeKey(userID, models.CategoryGroomingBehavior, window.Add(24*time.Hour))
	if a == c {
		t.Fatal("different windows must produce different keys")
	}
}
