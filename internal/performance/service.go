package performance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/talkhaven/safeguard/internal/confidence"
	"github.com/talkhaven/safeguard/internal/models"
	"github.com/talkhaven/safeguard/internal/privacy"
)

// ValidationError rejects a malformed performance write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// Dimension is one scored aspect of a persona's handling of an interaction,
// with the classifier's confidence in that score.
type Dimension struct {
	Score      int `json:"score"`
	Confidence int `json:"confidence"`
}

// Input is the inbound performance evaluation from the analysis pass.
// Dimensions the pass did not assess are nil.
type Input struct {
	PersonaID      uuid.UUID `json:"persona_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`

	Relatability    *Dimension `json:"relatability,omitempty"`
	Friendliness    *Dimension `json:"friendliness,omitempty"`
	BoundaryClarity *Dimension `json:"boundary_clarity,omitempty"`
	Alignment       *Dimension `json:"alignment,omitempty"`
	Redirection     *Dimension `json:"redirection,omitempty"`
	CrisisHandling  *Dimension `json:"crisis_handling,omitempty"`

	EncounteredBoundaryTest bool    `json:"encountered_boundary_test"`
	BoundaryTestType        *string `json:"boundary_test_type,omitempty"`
	EncounteredCrisis       bool    `json:"encountered_crisis"`
	HandledAppropriately    *bool   `json:"handled_appropriately,omitempty"`
	HandlingConfidence      *int    `json:"handling_confidence,omitempty"`
}

type Store interface {
	InsertPerformanceRecord(ctx context.Context, rec *models.PerformanceRecord) error
	GetPerformanceRecord(ctx context.Context, id uuid.UUID) (*models.PerformanceRecord, error)
	ListPerformanceByPersona(ctx context.Context, personaID uuid.UUID, limit int) ([]models.PerformanceRecord, error)
}

type Service struct {
	store       Store
	privacyGate *privacy.Gate
	confGate    *confidence.Gate
	logger      *slog.Logger
}

func NewService(store Store, privacyGate *privacy.Gate, confGate *confidence.Gate, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		privacyGate: privacyGate,
		confGate:    confGate,
		logger:      logger.With("component", "performance"),
	}
}

// RecordPerformance stores one evaluation. The privacy check and the write
// are a single atomic statement; each dimension's score gates individually
// on its own confidence, so one weak inference never suppresses the rest.
func (s *Service) RecordPerformance(ctx context.Context, input *Input) (*models.PerformanceRecord, error) {
	if err := validate(input); err != nil {
		return nil, err
	}

	rec := s.buildRecord(input)
	if err := s.store.InsertPerformanceRecord(ctx, rec); err != nil {
		if privacy.IsViolation(err) {
			s.privacyGate.ReportViolation(ctx, "performance_record", input.ConversationID)
		}
		return nil, err
	}

	s.logger.Info("performance record stored",
		"record_id", rec.ID,
		"persona_id", rec.PersonaID,
		"boundary_test", rec.EncounteredBoundaryTest,
		"crisis", rec.EncounteredCrisis)
	return rec, nil
}

func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*models.PerformanceRecord, error) {
	return s.store.GetPerformanceRecord(ctx, id)
}

func (s *Service) History(ctx context.Context, personaID uuid.UUID, limit int) ([]models.PerformanceRecord, error) {
	return s.store.ListPerformanceByPersona(ctx, personaID, limit)
}

func (s *Service) buildRecord(input *Input) *models.PerformanceRecord {
	rec := &models.PerformanceRecord{
		ID:                      uuid.New(),
		PersonaID:               input.PersonaID,
		ConversationID:          input.ConversationID,
		UserID:                  input.UserID,
		EncounteredBoundaryTest: input.EncounteredBoundaryTest,
		BoundaryTestType:        input.BoundaryTestType,
		EncounteredCrisis:       input.EncounteredCrisis,
		PrivacyCheckedAt:        time.Now(),
	}

	rec.RelatabilityScore, rec.RelatabilityConfidence = s.gateDimension("relatability", input.Relatability)
	rec.FriendlinessScore, rec.FriendlinessConfidence = s.gateDimension("friendliness", input.Friendliness)
	rec.BoundaryClarityScore, rec.BoundaryClarityConfidence = s.gateDimension("boundary_clarity", input.BoundaryClarity)
	rec.AlignmentScore, rec.AlignmentConfidence = s.gateDimension("alignment", input.Alignment)
	rec.RedirectionScore, rec.RedirectionConfidence = s.gateDimension("redirection", input.Redirection)
	rec.CrisisHandlingScore, rec.CrisisHandlingConfidence = s.gateDimension("crisis_handling", input.CrisisHandling)

	// handledAppropriately is an independent assessment, gated like any
	// other inference when a confidence accompanies it.
	if input.HandledAppropriately != nil {
		conf := s.confGate.ThresholdFor("handled_appropriately")
		if input.HandlingConfidence != nil {
			conf = *input.HandlingConfidence
		}
		rec.HandledAppropriately = s.confGate.Bool("handled_appropriately", input.HandledAppropriately, conf)
	}

	return rec
}

// gateDimension returns the stored score (nil if unassessed or below the
// field's threshold) and the confidence that was considered.
func (s *Service) gateDimension(field string, dim *Dimension) (*int, int) {
	if dim == nil {
		return nil, 0
	}
	return s.confGate.Score(field, dim.Score, dim.Confidence), dim.Confidence
}

func validate(input *Input) error {
	if input.PersonaID == uuid.Nil {
		return &ValidationError{Field: "persona_id", Reason: "required"}
	}
	if input.ConversationID == uuid.Nil {
		return &ValidationError{Field: "conversation_id", Reason: "required"}
	}
	if input.UserID == uuid.Nil {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	if input.EncounteredBoundaryTest && (input.BoundaryTestType == nil || *input.BoundaryTestType == "") {
		return &ValidationError{Field: "boundary_test_type", Reason: "required when a boundary test was encountered"}
	}
	for field, dim := range map[string]*Dimension{
		"relatability":     input.Relatability,
		"friendliness":     input.Friendliness,
		"boundary_clarity": input.BoundaryClarity,
		"alignment":        input.Alignment,
		"redirection":      input.Redirection,
		"crisis_handling":  input.CrisisHandling,
	} {
		if dim == nil {
			continue
		}
		if dim.Score < 0 || dim.Score > 100 {
			return &ValidationError{Field: field, Reason: "score must be in [0, 100]"}
		}
		if dim.Confidence < 0 || dim.Confidence > 100 {
			return &ValidationError{Field: field, Reason: "confidence must be in [0, 100]"}
		}
	}
	if input.HandlingConfidence != nil && (*input.HandlingConfidence < 0 || *input.HandlingConfidence > 100) {
		return &ValidationError{Field: "handling_confidence", Reason: "must be in [0, 100]"}
	}
	return nil
}
