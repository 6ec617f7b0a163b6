package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/talkhaven/safeguard/internal/models"
)

// InsertPerformanceRecord writes a performance record behind the same atomic
// privacy gate as safety events.
func (s *Store) InsertPerformanceRecord(ctx context.Context, rec *models.PerformanceRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now()
	rec.CreatedAt = now
	rec.PrivacyCheckedAt = now

	query := `
		INSERT INTO performance_records (
			id, persona_id, conversation_id, user_id,
			relatability_score, relatability_confidence,
			friendliness_score, friendliness_confidence,
			boundary_clarity_score, boundary_clarity_confidence,
			alignment_score, alignment_confidence,
			redirection_score, redirection_confidence,
			crisis_handling_score, crisis_handling_confidence,
			encountered_boundary_test, boundary_test_type,
			encountered_crisis, handled_appropriately,
			privacy_checked_at, created_at
		)
		SELECT $1, $2, c.id, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		       $15, $16, $17, $18, $19, $20, $21, $22
		FROM conversations c
		WHERE c.id = $3 AND NOT c.is_private
	`

	res, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.PersonaID, rec.ConversationID, rec.UserID,
		rec.RelatabilityScore, rec.RelatabilityConfidence,
		rec.FriendlinessScore, rec.FriendlinessConfidence,
		rec.BoundaryClarityScore, rec.BoundaryClarityConfidence,
		rec.AlignmentScore, rec.AlignmentConfidence,
		rec.RedirectionScore, rec.RedirectionConfidence,
		rec.CrisisHandlingScore, rec.CrisisHandlingConfidence,
		rec.EncounteredBoundaryTest, rec.BoundaryTestType,
		rec.EncounteredCrisis, rec.HandledAppropriately,
		rec.PrivacyCheckedAt, rec.CreatedAt,
	)
	if err != nil {
		return err
	}

	return s.checkGatedInsert(ctx, res, rec.ConversationID)
}

func (s *Store) GetPerformanceRecord(ctx context.Context, id uuid.UUID) (*models.PerformanceRecord, error) {
	var rec models.PerformanceRecord
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM performance_records WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ListPerformanceByPersona(ctx context.Context, personaID uuid.UUID, limit int) ([]models.PerformanceRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []models.PerformanceRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT p.* FROM performance_records p
		JOIN conversations c ON c.id = p.conversation_id
		WHERE p.persona_id = $1 AND NOT c.is_private
		ORDER BY p.created_at DESC
		LIMIT $2
	`, personaID, limit)
	return recs, err
}
