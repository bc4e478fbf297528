package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/wolfeidau/identity-index/internal/models"
)

// Sentinel errors for identity store operations
var (
	ErrIdentityNotFound      = errors.New("identity not found")
	ErrIdentityAlreadyExists = errors.New("identity already exists")
)

// IdentityStore defines the system of record for user identities.
type IdentityStore interface {
	// Create inserts a new identity.
	// Returns ErrIdentityAlreadyExists if the ID or email is already taken.
	Create(ctx context.Context, identity *models.Identity) error

	// Get retrieves an identity by ID.
	// Returns ErrIdentityNotFound if the identity doesn't exist.
	Get(ctx context.Context, id uuid.UUID) (*models.Identity, error)

	// GetByEmail retrieves an identity by email address (case-insensitive).
	// Returns ErrIdentityNotFound if the identity doesn't exist.
	GetByEmail(ctx context.Context, email string) (*models.Identity, error)

	// Count returns the total number of identities.
	Count(ctx context.Context) (int64, error)

	// UpdateRoles sets both role fields and returns the updated identity.
	UpdateRoles(ctx context.Context, id uuid.UUID, role models.AuthRole, orgRole models.OrgRole) (*models.Identity, error)

	// Update applies the non-nil fields of u and returns the updated identity.
	// Returns ErrIdentityNotFound if the identity doesn't exist.
	Update(ctx context.Context, id uuid.UUID, u IdentityUpdate) (*models.Identity, error)

	// MarkEmailVerified sets the email verified flag and returns the updated identity.
	MarkEmailVerified(ctx context.Context, id uuid.UUID) (*models.Identity, error)

	// Delete removes an identity.
	// Returns ErrIdentityNotFound if the identity doesn't exist.
	Delete(ctx context.Context, id uuid.UUID) error

	// ListAfter returns up to limit identities with an ID greater than after, in ID order.
	// Pass uuid.Nil to start from the beginning. The order is stable under concurrent
	// updates, which makes it suitable for walking the whole table.
	ListAfter(ctx context.Context, after uuid.UUID, limit int) ([]*models.Identity, error)

	// Search performs a case-insensitive substring match on name and email with exact-match
	// filters, ordered by most recently updated first.
	Search(ctx context.Context, q IdentityQuery) ([]*models.Identity, int64, error)
}

// IdentityUpdate holds the profile fields to change. Nil fields are left as they are.
type IdentityUpdate struct {
	Name     *string
	Role     *models.AuthRole
	OrgRole  *models.OrgRole
	IsActive *bool
}

// Empty reports whether the update changes nothing.
func (u IdentityUpdate) Empty() bool {
	return u.Name == nil && u.Role == nil && u.OrgRole == nil && u.IsActive == nil
}

// IdentityQuery describes a simplified search against the system of record.
type IdentityQuery struct {
	Text          string          // substring of name or email (empty = all)
	Role          models.AuthRole // exact match (empty = all)
	OrgRole       models.OrgRole  // exact match (empty = all)
	IsActive      *bool           // exact match (nil = all)
	EmailVerified *bool           // exact match (nil = all)
	Offset        int
	Limit         int // 0 = default
}

// DefaultQueryLimit is applied when IdentityQuery.Limit is unset.
const DefaultQueryLimit = 10
