package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/talkhaven/safeguard/internal/models"
)

// PerformanceStats is the one-pass performance aggregate for a persona and
// period, joined against the live privacy flag so retroactively privatized
// conversations drop out.
type PerformanceStats struct {
	TotalConversations int      `db:"total_conversations"`
	PerformanceRecords int      `db:"performance_records"`
	BoundaryTests      int      `db:"boundary_tests"`
	CrisisSignals      int      `db:"crisis_signals"`
	AvgRelatability    *float64 `db:"avg_relatability"`
	AvgFriendliness    *float64 `db:"avg_friendliness"`
	AvgBoundaryClarity *float64 `db:"avg_boundary_clarity"`
	AvgAlignment       *float64 `db:"avg_alignment"`
	AvgRedirection     *float64 `db:"avg_redirection"`
	AvgCrisisHandling  *float64 `db:"avg_crisis_handling"`
	AppropriateRate    *float64 `db:"appropriate_rate"`
}

func (s *Store) PersonaPerformanceStats(ctx context.Context, personaID uuid.UUID, from, to time.Time) (*PerformanceStats, error) {
	var stats PerformanceStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(DISTINCT p.conversation_id)                                  AS total_conversations,
			COUNT(*)                                                           AS performance_records,
			COUNT(*) FILTER (WHERE p.encountered_boundary_test)                AS boundary_tests,
			COUNT(*) FILTER (WHERE p.encountered_crisis)                       AS crisis_signals,
			AVG(p.relatability_score)                                          AS avg_relatability,
			AVG(p.friendliness_score)                                          AS avg_friendliness,
			AVG(p.boundary_clarity_score)                                      AS avg_boundary_clarity,
			AVG(p.alignment_score)                                             AS avg_alignment,
			AVG(p.redirection_score)                                           AS avg_redirection,
			AVG(p.crisis_handling_score)                                       AS avg_crisis_handling,
			AVG(CASE WHEN p.handled_appropriately THEN 1.0 ELSE 0.0 END)
				FILTER (WHERE p.handled_appropriately IS NOT NULL)             AS appropriate_rate
		FROM performance_records p
		JOIN conversations c ON c.id = p.conversation_id
		WHERE p.persona_id = $1
		  AND NOT c.is_private
		  AND p.created_at >= $2 AND p.created_at < $3
	`, personaID, from, to)
	if err != nil {
		return nil, fmt.Errorf("aggregating performance stats: %w", err)
	}
	return &stats, nil
}

type EventStats struct {
	SafetyEvents    int `db:"safety_events"`
	CriticalEvents  int `db:"critical_events"`
	AlertsGenerated int `db:"alerts_generated"`
}

func (s *Store) PersonaEventStats(ctx context.Context, personaID uuid.UUID, from, to time.Time) (*EventStats, error) {
	var stats EventStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*)                                          AS safety_events,
			COUNT(*) FILTER (WHERE e.severity = 'critical')   AS critical_events,
			COUNT(e.alert_id)                                 AS alerts_generated
		FROM safety_events e
		JOIN conversations c ON c.id = e.conversation_id
		WHERE e.persona_id = $1
		  AND NOT c.is_private
		  AND e.created_at >= $2 AND e.created_at < $3
	`, personaID, from, to)
	if err != nil {
		return nil, fmt.Errorf("aggregating event stats: %w", err)
	}
	return &stats, nil
}

// PlatformStats carries the platform-wide numerator and denominator for the
// boundary-testing ratio baseline.
type PlatformStats struct {
	BoundaryTests      int `db:"boundary_tests"`
	TotalConversations int `db:"total_conversations"`
}

func (s *Store) PlatformBoundaryStats(ctx context.Context, from, to time.Time) (*PlatformStats, error) {
	var stats PlatformStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) FILTER (WHERE p.encountered_boundary_test) AS boundary_tests,
			COUNT(DISTINCT p.conversation_id)                   AS total_conversations
		FROM performance_records p
		JOIN conversations c ON c.id = p.conversation_id
		WHERE NOT c.is_private
		  AND p.created_at >= $1 AND p.created_at < $2
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("aggregating platform stats: %w", err)
	}
	return &stats, nil
}

// ListActivePersonas returns every persona with performance or safety
// activity in the period, excluding records under private conversations.
func (s *Store) ListActivePersonas(ctx context.Context, from, to time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT persona_id FROM (
			SELECT p.persona_id
			FROM performance_records p
			JOIN conversations c ON c.id = p.conversation_id
			WHERE NOT c.is_private AND p.created_at >= $1 AND p.created_at < $2
			UNION
			SELECT e.persona_id
			FROM safety_events e
			JOIN conversations c ON c.id = e.conversation_id
			WHERE e.persona_id IS NOT NULL AND NOT c.is_private
			  AND e.created_at >= $1 AND e.created_at < $2
		) personas
		WHERE persona_id IS NOT NULL
	`, from, to)
	return ids, err
}

// UpsertEngagementSummary replaces the whole row for (persona, month) in one
// statement. Re-running the aggregation is a pure overwrite, never a
// duplicate.
func (s *Store) UpsertEngagementSummary(ctx context.Context, sum *models.EngagementSummary) error {
	if sum.ID == uuid.Nil {
		sum.ID = uuid.New()
	}
	sum.ComputedAt = time.Now()

	query := `
		INSERT INTO engagement_summaries (
			id, persona_id, month,
			total_conversations, performance_records, safety_events,
			boundary_tests, crisis_signals, critical_events, alerts_generated,
			avg_relatability, avg_friendliness, avg_boundary_clarity,
			avg_alignment, avg_redirection, avg_crisis_handling,
			appropriate_handling_rate, boundary_testing_rate,
			platform_average_rate, boundary_testing_ratio,
			disproportionate, flagged_for_review, flag_reason, computed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24
		)
		ON CONFLICT (persona_id, month) DO UPDATE SET
			total_conversations = EXCLUDED.total_conversations,
			performance_records = EXCLUDED.performance_records,
			safety_events = EXCLUDED.safety_events,
			boundary_tests = EXCLUDED.boundary_tests,
			crisis_signals = EXCLUDED.crisis_signals,
			critical_events = EXCLUDED.critical_events,
			alerts_generated = EXCLUDED.alerts_generated,
			avg_relatability = EXCLUDED.avg_relatability,
			avg_friendliness = EXCLUDED.avg_friendliness,
			avg_boundary_clarity = EXCLUDED.avg_boundary_clarity,
			avg_alignment = EXCLUDED.avg_alignment,
			avg_redirection = EXCLUDED.avg_redirection,
			avg_crisis_handling = EXCLUDED.avg_crisis_handling,
			appropriate_handling_rate = EXCLUDED.appropriate_handling_rate,
			boundary_testing_rate = EXCLUDED.boundary_testing_rate,
			platform_average_rate = EXCLUDED.platform_average_rate,
			boundary_testing_ratio = EXCLUDED.boundary_testing_ratio,
			disproportionate = EXCLUDED.disproportionate,
			flagged_for_review = EXCLUDED.flagged_for_review,
			flag_reason = EXCLUDED.flag_reason,
			computed_at = EXCLUDED.computed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		sum.ID, sum.PersonaID, sum.Month,
		sum.TotalConversations, sum.PerformanceRecords, sum.SafetyEvents,
		sum.BoundaryTests, sum.CrisisSignals, sum.CriticalEvents, sum.AlertsGenerated,
		sum.AvgRelatability, sum.AvgFriendliness, sum.AvgBoundaryClarity,
		sum.AvgAlignment, sum.AvgRedirection, sum.AvgCrisisHandling,
		sum.AppropriateHandlingRate, sum.BoundaryTestingRate,
		sum.PlatformAverageRate, sum.BoundaryTestingRatio,
		sum.Disproportionate, sum.FlaggedForReview, sum.FlagReason, sum.ComputedAt,
	)
	return err
}

func (s *Store) GetEngagementSummary(ctx context.Context, personaID uuid.UUID, month time.Time) (*models.EngagementSummary, error) {
	var sum models.EngagementSummary
	err := s.db.GetContext(ctx, &sum, `
		SELECT * FROM engagement_summaries WHERE persona_id = $1 AND month = $2
	`, personaID, month)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &sum, err
}

type ListSummaryFilters struct {
	PersonaID   *uuid.UUID
	Month       *time.Time
	FlaggedOnly bool
	Limit       int
	Offset      int
}

func (s *Store) ListEngagementSummaries(ctx context.Context, filters ListSummaryFilters) ([]models.EngagementSummary, int, error) {
	baseQuery := `FROM engagement_summaries WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if filters.PersonaID != nil {
		baseQuery += fmt.Sprintf(" AND persona_id = $%d", argIdx)
		args = append(args, *filters.PersonaID)
		argIdx++
	}
	if filters.Month != nil {
		baseQuery += fmt.Sprintf(" AND month = $%d", argIdx)
		args = append(args, *filters.Month)
		argIdx++
	}
	if filters.FlaggedOnly {
		baseQuery += " AND flagged_for_review = true"
	}

	var total int
	countQuery := "SELECT COUNT(*) " + baseQuery
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	selectQuery := "SELECT * " + baseQuery + " ORDER BY month DESC, boundary_testing_ratio DESC NULLS LAST"
	if filters.Limit > 0 {
		selectQuery += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		selectQuery += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	var sums []models.EngagementSummary
	if err := s.db.SelectContext(ctx, &sums, selectQuery, args...); err != nil {
		return nil, 0, err
	}

	return sums, total, nil
}
