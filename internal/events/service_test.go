package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/talkhaven/safeguard/internal/confidence"
	"github.com/talkhaven/safeguard/internal/config"
	"github.com/talkhaven/safeguard/internal/metrics"
	"github.com/talkhaven/safeguard/internal/models"
	"github.com/talkhaven/safeguard/internal/privacy"
	"github.com/talkhaven/safeguard/internal/threshold"
)

type fakeEventStore struct {
	events      map[uuid.UUID]*models.SafetyEvent
	private     map[uuid.UUID]bool
	insertErr   error
	alertConfig *models.ThresholdConfig
	configErr   error
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{
		events:  make(map[uuid.UUID]*models.SafetyEvent),
		private: make(map[uuid.UUID]bool),
	}
}

func (f *fakeEventStore) InsertSafetyEvent(_ context.Context, evt *models.SafetyEvent) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	if f.private[evt.ConversationID] {
		return privacy.ErrViolation
	}
	f.events[evt.ID] = evt
	return nil
}

func (f *fakeEventStore) GetSafetyEvent(_ context.Context, id uuid.UUID) (*models.SafetyEvent, error) {
	return f.events[id], nil
}

func (f *fakeEventStore) IsPrivate(_ context.Context, id uuid.UUID) (bool, error) {
	return f.private[id], nil
}

func (f *fakeEventStore) GetThresholdConfig(_ context.Context, _ models.RiskCategory, _ *string) (*models.ThresholdConfig, error) {
	return f.alertConfig, f.configErr
}

func (f *fakeEventStore) CountRecentEvents(_ context.Context, _ uuid.UUID, _ models.RiskCategory, _ time.Time) (int, error) {
	return 0, nil
}

func (f *fakeEventStore) CreateAlert(_ context.Context, _ *models.Alert) (bool, error) {
	return true, nil
}

func (f *fakeEventStore) SetEventAlert(_ context.Context, eventID, alertID uuid.UUID) error {
	if evt, ok := f.events[eventID]; ok {
		evt.AlertID = &alertID
	}
	return nil
}

func testService(store *fakeEventStore) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	collector := metrics.NewCollector()
	gate := privacy.NewGate(store, collector, logger)
	confGate := confidence.NewGate(60, nil)
	engine := threshold.NewEngine(store, config.EscalationConfig{
		DefaultRepeatWindow: 24 * time.Hour,
	}, collector, logger)
	return NewService(store, gate, confGate, engine, collector, logger)
}

func validInput() *models.ClassificationInput {
	return &models.ClassificationInput{
		UserID:          uuid.New(),
		ConversationID:  uuid.New(),
		Category:        "coercive_language",
		Severity:        "elevated",
		Confidence:      72,
		EvidenceTokens:  []string{"repeated pressure phrasing", "isolation suggestion"},
		InternalSummary: "Coercive phrasing across two turns.",
	}
}

func TestRecordEventStoresAndEvaluates(t *testing.T) {
	store := newFakeEventStore()
	store.alertConfig = &models.ThresholdConfig{
		Category:                 models.CategoryCoerciveLanguage,
		AlertConfidenceThreshold: 60,
		AutoAlert:                true,
		Active:                   true,
	}
	svc := testService(store)

	event, alert, err := svc.RecordEvent(context.Background(), validInput())
	if err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if event == nil {
		t.Fatal("expected a stored event")
	}
	if alert == nil {
		t.Fatal("confidence 72 over threshold 60 must alert")
	}
	if event.AlertID == nil || *event.AlertID != alert.ID {
		t.Error("event must carry the alert back-reference")
	}
}

func TestRecordEventPrivateConversationRejected(t *testing.T) {
	store := newFakeEventStore()
	svc := testService(store)

	input := validInput()
	store.private[input.ConversationID] = true

	_, _, err := svc.RecordEvent(context.Background(), input)
	if !errors.Is(err, privacy.ErrViolation) {
		t.Fatalf("err = %v, want privacy violation", err)
	}
	if len(store.events) != 0 {
		t.Fatal("nothing may be written for a private conversation")
	}
}

func TestRecordEventUnknownCategory(t *testing.T) {
	svc := testService(newFakeEventStore())

	input := validInput()
	input.Category = "vibes"

	_, _, err := svc.RecordEvent(context.Background(), input)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if verr.Field != "category" {
		t.Errorf("field = %s, want category", verr.Field)
	}
}

func TestRecordEventConfidenceOutOfRange(t *testing.T) {
	svc := testService(newFakeEventStore())

	for _, conf := range []int{-1, 101} {
		input := validInput()
		input.Confidence = conf
		_, _, err := svc.RecordEvent(context.Background(), input)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("confidence %d: err = %v, want ValidationError", conf, err)
		}
	}
}

func TestRecordEventMissingConfigStillStores(t *testing.T) {
	store := newFakeEventStore()
	svc := testService(store)

	event, alert, err := svc.RecordEvent(context.Background(), validInput())
	if err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if event == nil {
		t.Fatal("absent threshold config must not block event storage")
	}
	if alert != nil {
		t.Fatal("absent threshold config must be non-alerting")
	}
}

func TestRecordEventEvaluationFailureSurfaced(t *testing.T) {
	store := newFakeEventStore()
	store.configErr = errors.New("threshold_configs unavailable")
	svc := testService(store)

	event, alert, err := svc.RecordEvent(context.Background(), validInput())
	if event == nil {
		t.Fatal("evaluation failure must not unwind the stored event")
	}
	if alert != nil {
		t.Fatal("no alert decision can exist when evaluation fails")
	}
	var eerr *EscalationError
	if !errors.As(err, &eerr) {
		t.Fatalf("err = %v, want EscalationError", err)
	}
	if eerr.EventID != event.ID {
		t.Errorf("EventID = %s, want %s", eerr.EventID, event.ID)
	}
	if !errors.Is(err, store.configErr) {
		t.Error("the underlying evaluation error must stay unwrappable")
	}
	if _, ok := store.events[event.ID]; !ok {
		t.Fatal("event must remain durable after the evaluation failure")
	}
}

func TestConfidenceGateNullsLowConfidenceFields(t *testing.T) {
	store := newFakeEventStore()
	svc := testService(store)

	sub := "veiled_threat"
	lowConf := 30
	appropriate := true
	input := validInput()
	input.Subcategory = &sub
	input.SubcategoryConfidence = &lowConf
	input.ResponseAppropriate = &appropriate
	input.ResponseConfidence = &lowConf

	event, _, err := svc.RecordEvent(context.Background(), input)
	if err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if event.Subcategory != nil {
		t.Error("subcategory below its confidence threshold must store as null")
	}
	if event.ResponseAppropriate != nil {
		t.Error("response flag below its confidence threshold must store as null")
	}
	if event.Confidence != 72 {
		t.Error("record-level confidence must persist untouched")
	}
}

func TestEvidencePolicy(t *testing.T) {
	svc := testService(newFakeEventStore())

	cases := []struct {
		name   string
		tokens []string
		valid  bool
	}{
		{"short fragments", []string{"escalating isolation language"}, true},
		{"five words", []string{"asked to keep a secret"}, true},
		{"six words", []string{"he asked me to keep it secret"}, false},
		{"quoted text", []string{`said "you can trust me"`}, false},
		{"dialogue punctuation", []string{"user: why would you"}, false},
		{"question quote", []string{"can you keep secrets?"}, false},
		{"empty token", []string{"  "}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := validInput()
			input.EvidenceTokens = tc.tokens
			_, _, err := svc.RecordEvent(context.Background(), input)
			if tc.valid && err != nil {
				t.Errorf("tokens %v rejected: %v", tc.tokens, err)
			}
			if !tc.valid {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Errorf("tokens %v accepted, want rejection", tc.tokens)
				}
			}
		})
	}
}
