package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/identity-index/internal/models"
	"github.com/wolfeidau/identity-index/internal/store"
)

// Roles is the pair of roles assigned to a new identity.
type Roles struct {
	Role    models.AuthRole
	OrgRole models.OrgRole
}

// RolesForCount returns the roles for a new identity given the total number of identities
// including it. Only the very first identity is elevated.
func RolesForCount(n int64) Roles {
	if n == 1 {
		return Roles{Role: models.AuthRoleAdmin, OrgRole: models.OrgRoleSuperAdmin}
	}
	return Roles{Role: models.AuthRoleUser, OrgRole: models.OrgRoleUser}
}

// Resolver assigns first-account privileges.
//
// Two signups committing before either counts can both observe a count of one and both be
// elevated. WithSerializedResolution closes that window within a single process only.
type Resolver struct {
	identities store.IdentityStore
	mu         *sync.Mutex
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithSerializedResolution runs resolutions one at a time within this process.
func WithSerializedResolution() ResolverOption {
	return func(r *Resolver) {
		r.mu = &sync.Mutex{}
	}
}

// NewResolver creates a resolver backed by the identity store.
func NewResolver(identities store.IdentityStore, opts ...ResolverOption) *Resolver {
	r := &Resolver{identities: identities}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve counts identities, derives the roles for id and persists them.
func (r *Resolver) Resolve(ctx context.Context, id uuid.UUID) (Roles, error) {
	if r.mu != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
	}

	n, err := r.identities.Count(ctx)
	if err != nil {
		return Roles{}, fmt.Errorf("failed to count identities: %w", err)
	}

	roles := RolesForCount(n)

	if _, err := r.identities.UpdateRoles(ctx, id, roles.Role, roles.OrgRole); err != nil {
		return Roles{}, fmt.Errorf("failed to assign roles: %w", err)
	}

	if roles.Role == models.AuthRoleAdmin {
		log.Info().
			Str("identity_id", id.String()).
			Msg("First account created, assigned super admin")
	}

	return roles, nil
}
