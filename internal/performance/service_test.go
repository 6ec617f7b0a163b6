package performance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/talkhaven/safeguard/internal/confidence"
	"github.com/talkhaven/safeguard/internal/metrics"
	"github.com/talkhaven/safeguard/internal/models"
	"github.com/talkhaven/safeguard/internal/privacy"
)

type fakePerfStore struct {
	records []*models.PerformanceRecord
	private map[uuid.UUID]bool
}

func newFakePerfStore() *fakePerfStore {
	return &fakePerfStore{private: make(map[uuid.UUID]bool)}
}

func (f *fakePerfStore) InsertPerformanceRecord(_ context.Context, rec *models.PerformanceRecord) error {
	if f.private[rec.ConversationID] {
		return privacy.ErrViolation
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakePerfStore) GetPerformanceRecord(_ context.Context, id uuid.UUID) (*models.PerformanceRecord, error) {
	for _, r := range f.records {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakePerfStore) ListPerformanceByPersona(_ context.Context, personaID uuid.UUID, _ int) ([]models.PerformanceRecord, error) {
	var out []models.PerformanceRecord
	for _, r := range f.records {
		if r.PersonaID == personaID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakePerfStore) IsPrivate(_ context.Context, id uuid.UUID) (bool, error) {
	return f.private[id], nil
}

func testPerfService(store *fakePerfStore) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gate := privacy.NewGate(store, metrics.NewCollector(), logger)
	return NewService(store, gate, confidence.NewGate(60, nil), logger)
}

func validPerfInput() *Input {
	return &Input{
		PersonaID:      uuid.New(),
		ConversationID: uuid.New(),
		UserID:         uuid.New(),
		Relatability:   &Dimension{Score: 82, Confidence: 90},
		Friendliness:   &Dimension{Score: 75, Confidence: 88},
	}
}

func TestRecordPerformanceStores(t *testing.T) {
	store := newFakePerfStore()
	svc := testPerfService(store)

	rec, err := svc.RecordPerformance(context.Background(), validPerfInput())
	if err != nil {
		t.Fatalf("RecordPerformance: %v", err)
	}
	if rec.RelatabilityScore == nil || *rec.RelatabilityScore != 82 {
		t.Error("high-confidence score must persist")
	}
	if rec.PrivacyCheckedAt.IsZero() {
		t.Error("privacy check timestamp must be set")
	}
}

func TestDimensionsGateIndependently(t *testing.T) {
	store := newFakePerfStore()
	svc := testPerfService(store)

	input := validPerfInput()
	input.Relatability = &Dimension{Score: 82, Confidence: 90}
	input.Friendliness = &Dimension{Score: 70, Confidence: 30}
	input.Alignment = &Dimension{Score: 65, Confidence: 60}

	rec, err := svc.RecordPerformance(context.Background(), input)
	if err != nil {
		t.Fatalf("RecordPerformance: %v", err)
	}
	if rec.RelatabilityScore == nil {
		t.Error("confidence 90 must persist")
	}
	if rec.FriendlinessScore != nil {
		t.Error("confidence 30 must store as null")
	}
	if rec.AlignmentScore == nil {
		t.Error("confidence equal to the threshold must persist")
	}
	if rec.FriendlinessConfidence != 30 {
		t.Error("the considered confidence persists even when the score is nulled")
	}
}

func TestBoundaryTestTypeRequired(t *testing.T) {
	svc := testPerfService(newFakePerfStore())

	input := validPerfInput()
	input.EncounteredBoundaryTest = true

	_, err := svc.RecordPerformance(context.Background(), input)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if verr.Field != "boundary_test_type" {
		t.Errorf("field = %s, want boundary_test_type", verr.Field)
	}

	testType := "secret_keeping"
	input.BoundaryTestType = &testType
	if _, err := svc.RecordPerformance(context.Background(), input); err != nil {
		t.Fatalf("with type set: %v", err)
	}
}

func TestHandledAppropriatelyIndependent(t *testing.T) {
	store := newFakePerfStore()
	svc := testPerfService(store)

	// Not assessed: stays null without touching the scores.
	rec, err := svc.RecordPerformance(context.Background(), validPerfInput())
	if err != nil {
		t.Fatalf("RecordPerformance: %v", err)
	}
	if rec.HandledAppropriately != nil {
		t.Error("unassessed handling must store as null")
	}

	handled := false
	lowConf := 20
	input := validPerfInput()
	input.EncounteredCrisis = true
	input.HandledAppropriately = &handled
	input.HandlingConfidence = &lowConf
	rec, err = svc.RecordPerformance(context.Background(), input)
	if err != nil {
		t.Fatalf("RecordPerformance: %v", err)
	}
	if rec.HandledAppropriately != nil {
		t.Error("low-confidence handling assessment must store as null")
	}
}

func TestRecordPerformancePrivateRejected(t *testing.T) {
	store := newFakePerfStore()
	svc := testPerfService(store)

	input := validPerfInput()
	store.private[input.ConversationID] = true

	_, err := svc.RecordPerformance(context.Background(), input)
	if !errors.Is(err, privacy.ErrViolation) {
		t.Fatalf("err = %v, want privacy violation", err)
	}
	if len(store.records) != 0 {
		t.Fatal("nothing may be written for a private conversation")
	}
}

func TestScoreRangeValidation(t *testing.T) {
	svc := testPerfService(newFakePerfStore())

	input := validPerfInput()
	input.Redirection = &Dimension{Score: 140, Confidence: 90}

	var verr *ValidationError
	if _, err := svc.RecordPerformance(context.Background(), input); !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}
