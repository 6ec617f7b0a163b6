package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/talkhaven/safeguard/internal/confidence"
	"github.com/talkhaven/safeguard/internal/metrics"
	"github.com/talkhaven/safeguard/internal/models"
	"github.com/talkhaven/safeguard/internal/privacy"
	"github.com/talkhaven/safeguard/internal/threshold"
)

// Evidence tokens are bounded fragments, not transcript. The word bounds are
// policy, not a serialization limit.
const (
	minEvidenceWords = 1
	maxEvidenceWords = 5
	maxEvidenceItems = 10
)

// ValidationError rejects a single malformed write without touching storage.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// EscalationError reports that an event was stored but threshold evaluation
// could not run, so no alert decision exists for it. The write must not be
// retried; callers surface the degraded outcome instead.
type EscalationError struct {
	EventID uuid.UUID
	Err     error
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("event %s stored but threshold evaluation failed: %v", e.EventID, e.Err)
}

func (e *EscalationError) Unwrap() error { return e.Err }

type Store interface {
	InsertSafetyEvent(ctx context.Context, evt *models.SafetyEvent) error
	GetSafetyEvent(ctx context.Context, id uuid.UUID) (*models.SafetyEvent, error)
}

// Service is the ingest pipeline for classification output: validate, gate,
// store, evaluate.
type Service struct {
	store       Store
	privacyGate *privacy.Gate
	confGate    *confidence.Gate
	engine      *threshold.Engine
	metrics     *metrics.Collector
	logger      *slog.Logger
}

func NewService(store Store, privacyGate *privacy.Gate, confGate *confidence.Gate, engine *threshold.Engine, collector *metrics.Collector, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		privacyGate: privacyGate,
		confGate:    confGate,
		engine:      engine,
		metrics:     collector,
		logger:      logger.With("component", "events"),
	}
}

// RecordEvent runs one classification through the pipeline. The privacy
// check and the insert are a single atomic statement in the store; a privacy
// violation aborts the write, is reported to operators, and surfaces as
// privacy.ErrViolation.
func (s *Service) RecordEvent(ctx context.Context, input *models.ClassificationInput) (*models.SafetyEvent, *models.Alert, error) {
	if err := validate(input); err != nil {
		return nil, nil, err
	}

	event := s.buildEvent(input)
	if err := s.store.InsertSafetyEvent(ctx, event); err != nil {
		if privacy.IsViolation(err) {
			s.privacyGate.ReportViolation(ctx, "safety_event", input.ConversationID)
		}
		return nil, nil, err
	}

	s.metrics.EventsRecorded.WithLabelValues(string(event.Category)).Inc()
	s.logger.Info("safety event recorded",
		"event_id", event.ID,
		"category", event.Category,
		"severity", event.Severity,
		"confidence", event.Confidence)

	alert, err := s.engine.Evaluate(ctx, event)
	if err != nil {
		// The event is durable; an evaluation failure must not unwind it,
		// but the caller has to know no alert decision was made.
		s.logger.Error("threshold evaluation failed", "event_id", event.ID, "error", err)
		return event, nil, &EscalationError{EventID: event.ID, Err: err}
	}
	if alert != nil {
		event.AlertID = &alert.ID
	}
	return event, alert, nil
}

func (s *Service) GetEvent(ctx context.Context, id uuid.UUID) (*models.SafetyEvent, error) {
	return s.store.GetSafetyEvent(ctx, id)
}

// buildEvent applies the confidence gate to the inferred fields. Subcategory
// and the response observations are classifier inferences and gate
// individually; the category and severity are the event itself and always
// persist.
func (s *Service) buildEvent(input *models.ClassificationInput) *models.SafetyEvent {
	event := &models.SafetyEvent{
		ID:               uuid.New(),
		UserID:           input.UserID,
		ConversationID:   input.ConversationID,
		MessageID:        input.MessageID,
		PersonaID:        input.PersonaID,
		Category:         models.RiskCategory(input.Category),
		Severity:         models.Severity(input.Severity),
		Confidence:       input.Confidence,
		EvidenceTokens:   input.EvidenceTokens,
		InternalSummary:  input.InternalSummary,
		PrivacyCheckedAt: time.Now(),
	}

	subConf := input.Confidence
	if input.SubcategoryConfidence != nil {
		subConf = *input.SubcategoryConfidence
	}
	event.Subcategory = s.confGate.String("subcategory", input.Subcategory, subConf)

	respConf := input.Confidence
	if input.ResponseConfidence != nil {
		respConf = *input.ResponseConfidence
	}
	if input.ResponseType != nil && s.confGate.Admits("response_type", respConf) {
		event.ResponseType = input.ResponseType
	}
	event.ResponseAppropriate = s.confGate.Bool("response_appropriate", input.ResponseAppropriate, respConf)

	return event
}

func validate(input *models.ClassificationInput) error {
	if input.UserID == uuid.Nil {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	if input.ConversationID == uuid.Nil {
		return &ValidationError{Field: "conversation_id", Reason: "required"}
	}
	if _, err := models.ParseRiskCategory(input.Category); err != nil {
		return &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", input.Category)}
	}
	if !models.Severity(input.Severity).Valid() {
		return &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", input.Severity)}
	}
	if input.Confidence < 0 || input.Confidence > 100 {
		return &ValidationError{Field: "confidence", Reason: "must be in [0, 100]"}
	}
	if input.SubcategoryConfidence != nil && (*input.SubcategoryConfidence < 0 || *input.SubcategoryConfidence > 100) {
		return &ValidationError{Field: "subcategory_confidence", Reason: "must be in [0, 100]"}
	}
	if input.ResponseConfidence != nil && (*input.ResponseConfidence < 0 || *input.ResponseConfidence > 100) {
		return &ValidationError{Field: "response_confidence", Reason: "must be in [0, 100]"}
	}
	if err := validateEvidence(input.EvidenceTokens); err != nil {
		return err
	}
	return nil
}

// validateEvidence enforces the redaction policy on the store boundary:
// tokens are short fragments, and a payload that reads like transcript is
// rejected outright even if each piece is individually small.
func validateEvidence(tokens []string) error {
	if len(tokens) > maxEvidenceItems {
		return &ValidationError{Field: "evidence_tokens", Reason: fmt.Sprintf("at most %d tokens allowed", maxEvidenceItems)}
	}
	for i, token := range tokens {
		words := strings.Fields(token)
		if len(words) < minEvidenceWords {
			return &ValidationError{Field: "evidence_tokens", Reason: fmt.Sprintf("token %d is empty", i)}
		}
		if len(words) > maxEvidenceWords {
			return &ValidationError{Field: "evidence_tokens", Reason: fmt.Sprintf("token %d has %d words, max %d; raw quotes are not accepted", i, len(words), maxEvidenceWords)}
		}
		if looksLikeTranscript(token) {
			return &ValidationError{Field: "evidence_tokens", Reason: fmt.Sprintf("token %d resembles raw transcript", i)}
		}
	}
	return nil
}

// looksLikeTranscript flags quotation marks and dialogue punctuation, the
// tells of a verbatim quote slipping past the word count.
func looksLikeTranscript(token string) bool {
	if strings.ContainsAny(token, `"“”`) {
		return true
	}
	trimmed := strings.TrimSpace(token)
	if strings.HasSuffix(trimmed, "?") || strings.HasSuffix(trimmed, "!") {
		return true
	}
	return strings.Contains(trimmed, ": ")
}
