package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/identity-index/internal/models"
)

// ErrVerificationNotFound is returned when no usable verification matches a token.
var ErrVerificationNotFound = errors.New("verification not found")

// VerificationStore holds email verification tokens.
type VerificationStore interface {
	// Create stores a new verification.
	Create(ctx context.Context, verification *models.Verification) error

	// GetUsableByToken returns the verification for a token if it is neither expired nor consumed at now.
	// Returns ErrVerificationNotFound otherwise.
	GetUsableByToken(ctx context.Context, token string, now time.Time) (*models.Verification, error)

	// Consume marks a verification as used. Consuming twice is not an error.
	Consume(ctx context.Context, id uuid.UUID, now time.Time) error
}
