package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/talkhaven/safeguard/internal/models"
)

// severityOrder ranks the severity column inside SQL so alert listings can
// sort severity-then-recency without a join.
const severityOrder = `CASE severity
	WHEN 'critical' THEN 5
	WHEN 'high' THEN 4
	WHEN 'elevated' THEN 3
	WHEN 'moderate' THEN 2
	ELSE 1 END`

// CreateAlert inserts an alert. When a dedupe key is present the unique
// partial index makes the insert idempotent: N racing writers crossing the
// same repeat-pattern window produce exactly one alert. Returns false when
// the alert already existed.
func (s *Store) CreateAlert(ctx context.Context, alert *models.Alert) (bool, error) {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	now := time.Now()
	alert.CreatedAt = now
	alert.UpdatedAt = now
	if alert.Status == "" {
		alert.Status = models.AlertStatusNew
	}

	query := `
		INSERT INTO alerts (
			id, event_id, user_id, persona_id, conversation_id,
			alert_type, category, severity, confidence,
			title, summary, recommended_action, status, authorization_tier,
			dedupe_key, expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
	`

	res, err := s.db.ExecContext(ctx, query,
		alert.ID, alert.EventID, alert.UserID, alert.PersonaID, alert.ConversationID,
		alert.AlertType, alert.Category, alert.Severity, alert.Confidence,
		alert.Title, alert.Summary, alert.RecommendedAction, alert.Status, alert.AuthorizationTier,
		alert.DedupeKey, alert.ExpiresAt, alert.CreatedAt, alert.UpdatedAt,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) GetAlert(ctx context.Context, id uuid.UUID) (*models.Alert, error) {
	var alert models.Alert
	err := s.db.GetContext(ctx, &alert, `SELECT * FROM alerts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &alert, err
}

func (s *Store) GetAlertByDedupeKey(ctx context.Context, key string) (*models.Alert, error) {
	var alert models.Alert
	err := s.db.GetContext(ctx, &alert, `SELECT * FROM alerts WHERE dedupe_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &alert, err
}

type ListAlertFilters struct {
	Status    *models.AlertStatus
	Category  *models.RiskCategory
	Severity  *models.Severity
	PersonaID *uuid.UUID
	UserID    *uuid.UUID
	Limit     int
	Offset    int
}

// ListAlerts returns alerts sorted by severity then recency, as the admin
// review surface expects.
func (s *Store) ListAlerts(ctx context.Context, filters ListAlertFilters) ([]models.Alert, int, error) {
	baseQuery := `FROM alerts WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if filters.Status != nil {
		baseQuery += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *filters.Status)
		argIdx++
	}
	if filters.Category != nil {
		baseQuery += fmt.Sprintf(" AND category = $%d", argIdx)
		args = append(args, *filters.Category)
		argIdx++
	}
	if filters.Severity != nil {
		baseQuery += fmt.Sprintf(" AND severity = $%d", argIdx)
		args = append(args, *filters.Severity)
		argIdx++
	}
	if filters.PersonaID != nil {
		baseQuery += fmt.Sprintf(" AND persona_id = $%d", argIdx)
		args = append(args, *filters.PersonaID)
		argIdx++
	}
	if filters.UserID != nil {
		baseQuery += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, *filters.UserID)
		argIdx++
	}

	var total int
	countQuery := "SELECT COUNT(*) " + baseQuery
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	selectQuery := "SELECT * " + baseQuery + " ORDER BY " + severityOrder + " DESC, created_at DESC"
	if filters.Limit > 0 {
		selectQuery += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}
	if filters.Offset > 0 {
		selectQuery += fmt.Sprintf(" OFFSET %d", filters.Offset)
	}

	var alerts []models.Alert
	if err := s.db.SelectContext(ctx, &alerts, selectQuery, args...); err != nil {
		return nil, 0, err
	}

	return alerts, total, nil
}

// MarkAlertViewed applies the new -> viewed transition on first authorized
// read. A no-op for any other current status.
func (s *Store) MarkAlertViewed(ctx context.Context, id uuid.UUID, actor string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE alerts
		SET status = $1, viewed_at = NOW(), viewed_by = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`, models.AlertStatusViewed, actor, id, models.AlertStatusNew)
	return err
}

// TransitionAlert applies a compare-and-swap status transition: the update
// lands only if the alert's current status is one of the allowed
// predecessors. Returns false when the CAS found no matching row, which the
// caller distinguishes from a missing alert.
//
// The acknowledged columns use COALESCE so the first acknowledgment's actor
// and timestamp are permanent; concurrent or repeated acknowledgments cannot
// overwrite them.
func (s *Store) TransitionAlert(ctx context.Context, id uuid.UUID, to models.AlertStatus, from []models.AlertStatus, actor string) (bool, error) {
	predecessors := make([]string, len(from))
	for i, st := range from {
		predecessors[i] = string(st)
	}

	query := `
		UPDATE alerts
		SET status = $1, updated_at = NOW()`
	args := []interface{}{to}
	argIdx := 2

	switch to {
	case models.AlertStatusAcknowledged:
		query += fmt.Sprintf(`,
			acknowledged_at = COALESCE(acknowledged_at, NOW()),
			acknowledged_by = COALESCE(acknowledged_by, $%d)`, argIdx)
		args = append(args, actor)
		argIdx++
	case models.AlertStatusResolved, models.AlertStatusEscalated, models.AlertStatusDismissed:
		query += fmt.Sprintf(`,
			resolved_at = NOW(),
			resolved_by = $%d`, argIdx)
		args = append(args, actor)
		argIdx++
	}

	query += fmt.Sprintf(` WHERE id = $%d AND status = ANY($%d)`, argIdx, argIdx+1)
	args = append(args, id, pq.Array(predecessors))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// EscalateAlertSeverity bumps severity one notch, capped at critical.
// Returns false when the alert was already critical.
func (s *Store) EscalateAlertSeverity(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts
		SET severity = CASE severity
			WHEN 'low' THEN 'moderate'
			WHEN 'moderate' THEN 'elevated'
			WHEN 'elevated' THEN 'high'
			ELSE 'critical'
		END, updated_at = NOW()
		WHERE id = $1 AND severity <> 'critical'
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertAccessLog appends one audit entry. There is deliberately no update
// or delete statement for alert_access_log anywhere in this package.
func (s *Store) InsertAccessLog(ctx context.Context, entry *models.AccessLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_access_log (id, alert_id, actor, actor_tier, action, granted, denial_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.AlertID, entry.Actor, entry.ActorTier, entry.Action, entry.Granted, entry.DenialReason, entry.CreatedAt)
	return err
}

func (s *Store) ListAccessLog(ctx context.Context, alertID uuid.UUID) ([]models.AccessLogEntry, error) {
	var entries []models.AccessLogEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM alert_access_log WHERE alert_id = $1 ORDER BY created_at ASC
	`, alertID)
	return entries, err
}

// ListAccessLogRange returns audit entries in a time range for compliance
// export.
func (s *Store) ListAccessLogRange(ctx context.Context, from, to time.Time) ([]models.AccessLogEntry, error) {
	var entries []models.AccessLogEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM alert_access_log
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at ASC
	`, from, to)
	return entries, err
}
