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

// GetThresholdConfig resolves the active configuration for a category,
// preferring a subcategory-specific row over the category-wide one. Returns
// nil when neither exists.
func (s *Store) GetThresholdConfig(ctx context.Context, category models.RiskCategory, subcategory *string) (*models.ThresholdConfig, error) {
	var cfg models.ThresholdConfig
	err := s.db.GetContext(ctx, &cfg, `
		SELECT * FROM threshold_configs
		WHERE category = $1 AND active
		  AND (subcategory = $2 OR subcategory IS NULL)
		ORDER BY subcategory NULLS LAST
		LIMIT 1
	`, category, subcategory)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving threshold config: %w", err)
	}
	return &cfg, nil
}

func (s *Store) CreateThresholdConfig(ctx context.Context, cfg *models.ThresholdConfig) error {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	now := time.Now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threshold_configs (
			id, category, subcategory,
			alert_confidence_threshold, severity_escalation_threshold,
			repeat_count_threshold, repeat_window_hours,
			auto_alert, requires_immediate_review, active,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, cfg.ID, cfg.Category, cfg.Subcategory,
		cfg.AlertConfidenceThreshold, cfg.SeverityEscalationThreshold,
		cfg.RepeatCountThreshold, cfg.RepeatWindowHours,
		cfg.AutoAlert, cfg.RequiresImmediateReview, cfg.Active,
		cfg.CreatedAt, cfg.UpdatedAt)
	return err
}

func (s *Store) UpdateThresholdConfig(ctx context.Context, cfg *models.ThresholdConfig) error {
	cfg.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE threshold_configs SET
			alert_confidence_threshold = $2,
			severity_escalation_threshold = $3,
			repeat_count_threshold = $4,
			repeat_window_hours = $5,
			auto_alert = $6,
			requires_immediate_review = $7,
			active = $8,
			updated_at = $9
		WHERE id = $1
	`, cfg.ID,
		cfg.AlertConfidenceThreshold, cfg.SeverityEscalationThreshold,
		cfg.RepeatCountThreshold, cfg.RepeatWindowHours,
		cfg.AutoAlert, cfg.RequiresImmediateReview, cfg.Active,
		cfg.UpdatedAt)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteThresholdConfig deactivates the row rather than removing it so past
// alert decisions stay explainable.
func (s *Store) DeleteThresholdConfig(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE threshold_configs SET active = false, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) ListThresholdConfigs(ctx context.Context, includeInactive bool) ([]models.ThresholdConfig, error) {
	query := `SELECT * FROM threshold_configs`
	if !includeInactive {
		query += ` WHERE active`
	}
	query += ` ORDER BY category, subcategory NULLS FIRST`

	var configs []models.ThresholdConfig
	if err := s.db.SelectContext(ctx, &configs, query); err != nil {
		return nil, err
	}
	return configs, nil
}
