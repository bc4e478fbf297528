package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/identity-index/internal/models"
	"github.com/wolfeidau/identity-index/internal/store"
)

// VerificationStore implements store.VerificationStore using in-memory storage.
type VerificationStore struct {
	mu sync.RWMutex

	verifications map[uuid.UUID]*models.Verification // id -> Verification
	byToken       map[string]uuid.UUID                // token -> id
}

// NewVerificationStore creates a new in-memory verification store.
func NewVerificationStore() *VerificationStore {
	return &VerificationStore{
		verifications: make(map[uuid.UUID]*models.Verification),
		byToken:       make(map[string]uuid.UUID),
	}
}

// Create stores a new verification.
func (s *VerificationStore) Create(ctx context.Context, verification *models.Verification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *verification
	s.verifications[clone.ID] = &clone
	s.byToken[clone.Value] = clone.ID

	return nil
}

// GetUsableByToken returns an unexpired, unconsumed verification for the token.
func (s *VerificationStore) GetUsableByToken(ctx context.Context, token string, now time.Time) (*models.Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byToken[token]
	if !exists {
		return nil, store.ErrVerificationNotFound
	}

	verification := s.verifications[id]
	if !verification.IsUsable(now) {
		return nil, store.ErrVerificationNotFound
	}

	clone := *verification
	return &clone, nil
}

// Consume marks a verification as used.
func (s *VerificationStore) Consume(ctx context.Context, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	verification, exists := s.verifications[id]
	if !exists {
		return store.ErrVerificationNotFound
	}

	if verification.ConsumedAt == nil {
		verification.ConsumedAt = &now
	}

	return nil
}

// TokenFor returns the most recently issued token for an identifier.
// Stands in for the outbound email in development and tests.
func (s *VerificationStore) TokenFor(identifier string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.Verification
	for _, v := range s.verifications {
		if v.Identifier != identifier {
			continue
		}
		if latest == nil || v.CreatedAt.After(latest.CreatedAt) {
			latest = v
		}
	}

	if latest == nil {
		return "", false
	}
	return latest.Value, true
}
