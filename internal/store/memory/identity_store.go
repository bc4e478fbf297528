package memory

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/identity-index/internal/models"
	"github.com/wolfeidau/identity-index/internal/store"
)

// IdentityStore implements store.IdentityStore using in-memory storage.
// This implementation is for testing and development only - data is lost on restart.
type IdentityStore struct {
	mu sync.RWMutex

	identities map[uuid.UUID]*models.Identity // id -> Identity
	byEmail    map[string]uuid.UUID           // lower(email) -> id
}

// NewIdentityStore creates a new in-memory identity store.
func NewIdentityStore() *IdentityStore {
	return &IdentityStore{
		identities: make(map[uuid.UUID]*models.Identity),
		byEmail:    make(map[string]uuid.UUID),
	}
}

// Create creates a new identity in memory.
func (s *IdentityStore) Create(ctx context.Context, identity *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(identity.Email)

	if _, exists := s.identities[identity.ID]; exists {
		return store.ErrIdentityAlreadyExists
	}
	if _, exists := s.byEmail[email]; exists {
		return store.ErrIdentityAlreadyExists
	}

	clone := cloneIdentity(identity)
	clone.Email = email
	s.identities[clone.ID] = clone
	s.byEmail[email] = clone.ID

	return nil
}

// Get retrieves an identity by ID.
func (s *IdentityStore) Get(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, exists := s.identities[id]
	if !exists {
		return nil, store.ErrIdentityNotFound
	}

	return cloneIdentity(identity), nil
}

// GetByEmail retrieves an identity by email address.
func (s *IdentityStore) GetByEmail(ctx context.Context, email string) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byEmail[strings.ToLower(email)]
	if !exists {
		return nil, store.ErrIdentityNotFound
	}

	return cloneIdentity(s.identities[id]), nil
}

// Count returns the number of identities.
func (s *IdentityStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.identities)), nil
}

// UpdateRoles sets the auth and organizational roles of an identity.
func (s *IdentityStore) UpdateRoles(ctx context.Context, id uuid.UUID, role models.AuthRole, orgRole models.OrgRole) (*models.Identity, error) {
	return s.mutate(id, func(identity *models.Identity) {
		identity.Role = role
		identity.OrgRole = orgRole
	})
}

// Update applies the non-nil fields of u.
func (s *IdentityStore) Update(ctx context.Context, id uuid.UUID, u store.IdentityUpdate) (*models.Identity, error) {
	return s.mutate(id, func(identity *models.Identity) {
		if u.Name != nil {
			name := *u.Name
			identity.Name = &name
		}
		if u.Role != nil {
			identity.Role = *u.Role
		}
		if u.OrgRole != nil {
			identity.OrgRole = *u.OrgRole
		}
		if u.IsActive != nil {
			identity.IsActive = *u.IsActive
		}
	})
}

// MarkEmailVerified flips the email verified flag on.
func (s *IdentityStore) MarkEmailVerified(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	return s.mutate(id, func(identity *models.Identity) {
		identity.EmailVerified = true
	})
}

// Delete removes an identity.
func (s *IdentityStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, exists := s.identities[id]
	if !exists {
		return store.ErrIdentityNotFound
	}

	delete(s.byEmail, identity.Email)
	delete(s.identities, id)

	return nil
}

// ListAfter returns up to limit identities with an ID greater than after, in ID order.
func (s *IdentityStore) ListAfter(ctx context.Context, after uuid.UUID, limit int) ([]*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = store.DefaultQueryLimit
	}

	var matched []*models.Identity
	for id, identity := range s.identities {
		if bytes.Compare(id[:], after[:]) > 0 {
			matched = append(matched, identity)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return bytes.Compare(matched[i].ID[:], matched[j].ID[:]) < 0
	})

	matched = matched[:min(limit, len(matched))]

	result := make([]*models.Identity, 0, len(matched))
	for _, identity := range matched {
		result = append(result, cloneIdentity(identity))
	}
	return result, nil
}

// Search returns identities whose name or email contains q.Text, newest update first.
func (s *IdentityStore) Search(ctx context.Context, q store.IdentityQuery) ([]*models.Identity, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	text := strings.ToLower(q.Text)

	var matched []*models.Identity
	for _, identity := range s.identities {
		if text != "" && !containsText(identity, text) {
			continue
		}
		if q.Role != "" && identity.Role != q.Role {
			continue
		}
		if q.OrgRole != "" && identity.OrgRole != q.OrgRole {
			continue
		}
		if q.IsActive != nil && identity.IsActive != *q.IsActive {
			continue
		}
		if q.EmailVerified != nil && identity.EmailVerified != *q.EmailVerified {
			continue
		}
		matched = append(matched, identity)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID.String() > matched[j].ID.String()
		}
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	total := int64(len(matched))

	limit := q.Limit
	if limit <= 0 {
		limit = store.DefaultQueryLimit
	}
	offset := max(q.Offset, 0)
	if offset >= len(matched) {
		return []*models.Identity{}, total, nil
	}
	end := min(offset+limit, len(matched))

	result := make([]*models.Identity, 0, end-offset)
	for _, identity := range matched[offset:end] {
		result = append(result, cloneIdentity(identity))
	}

	return result, total, nil
}

func (s *IdentityStore) mutate(id uuid.UUID, fn func(*models.Identity)) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, exists := s.identities[id]
	if !exists {
		return nil, store.ErrIdentityNotFound
	}

	fn(identity)
	identity.UpdatedAt = time.Now()

	return cloneIdentity(identity), nil
}

func containsText(identity *models.Identity, text string) bool {
	if strings.Contains(identity.Email, text) {
		return true
	}
	return identity.Name != nil && strings.Contains(strings.ToLower(*identity.Name), text)
}

// cloneIdentity copies an identity, including the name pointer, to avoid external modifications.
func cloneIdentity(identity *models.Identity) *models.Identity {
	clone := *identity
	if identity.Name != nil {
		name := *identity.Name
		clone.Name = &name
	}
	return &clone
}
