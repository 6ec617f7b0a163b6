package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type PostgresReviewerStore struct {
	db *sqlx.DB
}

func NewPostgresReviewerStore(db *sqlx.DB) *PostgresReviewerStore {
	return &PostgresReviewerStore{db: db}
}

func (s *PostgresReviewerStore) GetReviewerByID(ctx context.Context, id string) (*Reviewer, error) {
	var reviewer Reviewer
	err := s.db.GetContext(ctx, &reviewer, `
		SELECT id, email, name, password_hash, tier, created_at, updated_at
		FROM reviewers WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("reviewer not found")
		}
		return nil, err
	}
	return &reviewer, nil
}

func (s *PostgresReviewerStore) GetReviewerByEmail(ctx context.Context, email string) (*Reviewer, error) {
	var reviewer Reviewer
	err := s.db.GetContext(ctx, &reviewer, `
		SELECT id, email, name, password_hash, tier, created_at, updated_at
		FROM reviewers WHERE email = $1
	`, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("reviewer not found")
		}
		return nil, err
	}
	return &reviewer, nil
}

func (s *PostgresReviewerStore) CreateReviewer(ctx context.Context, reviewer *Reviewer) error {
	if reviewer.ID == "" {
		reviewer.ID = uuid.New().String()
	}
	now := time.Now()
	reviewer.CreatedAt = now
	reviewer.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reviewers (id, email, name, password_hash, tier, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, reviewer.ID, reviewer.Email, reviewer.Name, reviewer.Password, reviewer.Tier, reviewer.CreatedAt, reviewer.UpdatedAt)
	return err
}

func (s *PostgresReviewerStore) UpdateReviewer(ctx context.Context, reviewer *Reviewer) error {
	reviewer.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE reviewers SET email = $2, name = $3, password_hash = $4, tier = $5, updated_at = $6
		WHERE id = $1
	`, reviewer.ID, reviewer.Email, reviewer.Name, reviewer.Password, reviewer.Tier, reviewer.UpdatedAt)
	return err
}

func (s *PostgresReviewerStore) DeleteReviewer(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reviewers WHERE id = $1`, id)
	return err
}

func (s *PostgresReviewerStore) ListReviewers(ctx context.Context) ([]*Reviewer, error) {
	var reviewers []*Reviewer
	err := s.db.SelectContext(ctx, &reviewers, `
		SELECT id, email, name, tier, created_at, updated_at
		FROM reviewers ORDER BY created_at DESC
	`)
	return reviewers, err
}

// Refresh tokens are stored hashed; a database leak must not yield usable
// tokens.
func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *PostgresReviewerStore) StoreRefreshToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, reviewer_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), userID, tokenHash(token), expiresAt, time.Now())
	return err
}

func (s *PostgresReviewerStore) ValidateRefreshToken(ctx context.Context, userID, token string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM refresh_tokens
		WHERE reviewer_id = $1 AND token_hash = $2 AND expires_at > NOW() AND NOT revoked
	`, userID, tokenHash(token))
	return count > 0, err
}

func (s *PostgresReviewerStore) RevokeRefreshToken(ctx context.Context, userID, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE
		WHERE reviewer_id = $1 AND token_hash = $2
	`, userID, tokenHash(token))
	return err
}

func (s *PostgresReviewerStore) RevokeAllRefreshTokens(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE
		WHERE reviewer_id = $1 AND NOT revoked
	`, userID)
	return err
}
