// Package store is the single write gateway for the safeguarding pipeline.
// Every safety-relevant write goes through it; there is no lower-level write
// primitive to bypass. Inserts gated by the privacy invariant embed the
// check in the INSERT statement itself, so the check and the write are one
// atomic unit and a conversation turning private mid-flight cannot slip a
// row in.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/talkhaven/safeguard/internal/models"
	"github.com/talkhaven/safeguard/internal/privacy"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUnknownConversation is returned when a gated write references a
// conversation this store has never been told about. Without a privacy flag
// to verify, the write is refused.
var ErrUnknownConversation = errors.New("conversation not known to safeguarding store")

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	return s, nil
}

// NewWithDB wraps an existing connection without running migrations. Used by
// tests that stub the database.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	driver, err := migratepg.WithInstance(s.db.DB, &migratepg.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

// UpsertConversation syncs a conversation's privacy flag from the platform's
// conversation store. The private flag is sticky: once set it never clears.
func (s *Store) UpsertConversation(ctx context.Context, id uuid.UUID, isPrivate bool) error {
	query := `
		INSERT INTO conversations (id, is_private, private_since, updated_at)
		VALUES ($1, $2, CASE WHEN $2 THEN NOW() END, NOW())
		ON CONFLICT (id) DO UPDATE SET
			is_private = conversations.is_private OR EXCLUDED.is_private,
			private_since = COALESCE(conversations.private_since, EXCLUDED.private_since),
			updated_at = NOW()
	`
	_, err := s.db.ExecContext(ctx, query, id, isPrivate)
	return err
}

func (s *Store) MarkConversationPrivate(ctx context.Context, id uuid.UUID) error {
	return s.UpsertConversation(ctx, id, true)
}

func (s *Store) IsPrivate(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	var isPrivate bool
	err := s.db.GetContext(ctx, &isPrivate,
		`SELECT is_private FROM conversations WHERE id = $1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrUnknownConversation
	}
	return isPrivate, err
}

// InsertSafetyEvent writes a safety event if and only if the conversation is
// not private at the moment of the write. The privacy check rides inside the
// INSERT: zero rows inserted means the gate closed.
func (s *Store) InsertSafetyEvent(ctx context.Context, evt *models.SafetyEvent) error {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	now := time.Now()
	evt.CreatedAt = now
	evt.PrivacyCheckedAt = now

	query := `
		INSERT INTO safety_events (
			id, user_id, conversation_id, message_id, persona_id,
			category, subcategory, severity, confidence,
			evidence_tokens, internal_summary, response_type, response_appropriate,
			privacy_checked_at, created_at
		)
		SELECT $1, $2, c.id, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		FROM conversations c
		WHERE c.id = $3 AND NOT c.is_private
	`

	res, err := s.db.ExecContext(ctx, query,
		evt.ID, evt.UserID, evt.ConversationID, evt.MessageID, evt.PersonaID,
		evt.Category, evt.Subcategory, evt.Severity, evt.Confidence,
		evt.EvidenceTokens, evt.InternalSummary, evt.ResponseType, evt.ResponseAppropriate,
		evt.PrivacyCheckedAt, evt.CreatedAt,
	)
	if err != nil {
		return err
	}

	return s.checkGatedInsert(ctx, res, evt.ConversationID)
}

// checkGatedInsert classifies a zero-row gated insert: unknown conversation
// or a blocked private write.
func (s *Store) checkGatedInsert(ctx context.Context, res sql.Result, conversationID uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	isPrivate, err := s.IsPrivate(ctx, conversationID)
	if err != nil {
		return err
	}
	if isPrivate {
		return privacy.ErrViolation
	}
	return ErrUnknownConversation
}

func (s *Store) GetSafetyEvent(ctx context.Context, id uuid.UUID) (*models.SafetyEvent, error) {
	var evt models.SafetyEvent
	err := s.db.GetContext(ctx, &evt, `SELECT * FROM safety_events WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &evt, err
}

// CountRecentEvents counts events for a (user, category) pair since the
// given time, for repeat-pattern detection.
func (s *Store) CountRecentEvents(ctx context.Context, userID uuid.UUID, category models.RiskCategory, since time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM safety_events
		WHERE user_id = $1 AND category = $2 AND created_at >= $3
	`, userID, category, since)
	return count, err
}

// SetEventAlert records the alert back-reference on an otherwise immutable
// event.
func (s *Store) SetEventAlert(ctx context.Context, eventID, alertID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE safety_events SET alert_id = $1 WHERE id = $2 AND alert_id IS NULL`,
		alertID, eventID)
	return err
}

type ListEventFilters struct {
	UserID    *uuid.UUID
	PersonaID *uuid.UUID
	Category  *models.RiskCategory
	Severity  *models.Severity
	Limit     int
	Offset    int
}

func (s *Store) ListSafetyEvents(ctx context.Context, filters ListEventFilters) ([]models.SafetyEvent, int, error) {
	baseQuery := `FROM safety_events WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if filters.UserID != nil {
		baseQuery += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, *filters.UserID)
		argIdx++
	}
	if filters.PersonaID != nil {
		baseQuery += fmt.Sprintf(" AND persona_id = $%d", argIdx)
		args = append(args, *filters.PersonaID)
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

	var total int
	countQuery := "SELECT COUNT(*) " + baseQuery
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	selectQuery := "SELECT * " + baseQuery + " ORDER BY created_at DESC"
	if filters.Limit > 0 {
		selectQuery += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}
	if filters.Offset > 0 {
		selectQuery += fmt.Sprintf(" OFFSET %d", filters.Offset)
	}

	var events []models.SafetyEvent
	if err := s.db.SelectContext(ctx, &events, selectQuery, args...); err != nil {
		return nil, 0, err
	}

	return events, total, nil
}

// PurgePrivateConversationRecords hard-deletes safety events and performance
// records belonging to conversations that have become private since the
// records were written. Privacy is retroactive; aggregation already excludes
// these rows, the purge makes the exclusion physical.
func (s *Store) PurgePrivateConversationRecords(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	// Alerts keep their redacted payload but lose the event reference.
	if _, err := tx.ExecContext(ctx, `
		UPDATE alerts SET event_id = NULL
		WHERE event_id IN (
			SELECT e.id FROM safety_events e
			JOIN conversations c ON c.id = e.conversation_id
			WHERE c.is_private
		)
	`); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM safety_events e
		USING conversations c
		WHERE c.id = e.conversation_id AND c.is_private
	`)
	if err != nil {
		return 0, err
	}
	purged, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		DELETE FROM performance_records p
		USING conversations c
		WHERE c.id = p.conversation_id AND c.is_private
	`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	purged += n

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return purged, nil
}
