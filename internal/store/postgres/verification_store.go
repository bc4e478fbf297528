package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wolfeidau/identity-index/internal/models"
	"github.com/wolfeidau/identity-index/internal/store"
)

// VerificationStore implements store.VerificationStore using PostgreSQL.
type VerificationStore struct {
	pool *pgxpool.Pool
}

// NewVerificationStore creates a new PostgreSQL-backed verification store.
func NewVerificationStore(pool *pgxpool.Pool) *VerificationStore {
	return &VerificationStore{pool: pool}
}

// Create stores a new verification.
func (s *VerificationStore) Create(ctx context.Context, v *models.Verification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO verifications (id, identifier, value, created_at, expires_at, consumed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.ID, v.Identifier, v.Value, v.CreatedAt, v.ExpiresAt, v.ConsumedAt)
	if err != nil {
		return fmt.Errorf("failed to create verification: %w", mapPostgresError(err))
	}
	return nil
}

// GetUsableByToken returns the verification for a token that is unexpired and unconsumed at now.
func (s *VerificationStore) GetUsableByToken(ctx context.Context, token string, now time.Time) (*models.Verification, error) {
	var v models.Verification
	err := s.pool.QueryRow(ctx, `
		SELECT id, identifier, value, created_at, expires_at, consumed_at
		FROM verifications
		WHERE value = $1 AND expires_at > $2 AND consumed_at IS NULL
	`, token, now).Scan(&v.ID, &v.Identifier, &v.Value, &v.CreatedAt, &v.ExpiresAt, &v.ConsumedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrVerificationNotFound
		}
		return nil, fmt.Errorf("failed to get verification: %w", mapPostgresError(err))
	}
	return &v, nil
}

// Consume marks a verification as used, keeping the first consumption time.
func (s *VerificationStore) Consume(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE verifications SET consumed_at = $2
		WHERE id = $1 AND consumed_at IS NULL
	`, id, now)
	if err != nil {
		return fmt.Errorf("failed to consume verification: %w", mapPostgresError(err))
	}
	return nil
}
