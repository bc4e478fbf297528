// Package account implements the minimal sign-up, email verification and deletion flow
// that emits identity lifecycle events.
package account

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/identity-index/internal/lifecycle"
	"github.com/wolfeidau/identity-index/internal/models"
	"github.com/wolfeidau/identity-index/internal/store"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken    = errors.New("invalid or expired verification token")
	ErrEmailTaken      = errors.New("email already registered")
	ErrNothingToUpdate = errors.New("update sets no fields")
)

// DefaultVerificationTTL is how long a verification token stays usable.
const DefaultVerificationTTL = 24 * time.Hour

// Events receives identity lifecycle events. Implemented by lifecycle.Bridge.
type Events interface {
	OnSignUp(ctx context.Context, ev lifecycle.SignUpEvent)
	OnEmailVerified(ctx context.Context, ev lifecycle.VerificationEvent)
	OnIdentityUpdated(ctx context.Context, ev lifecycle.IdentityUpdatedEvent)
	OnAccountDeleted(ctx context.Context, id uuid.UUID)
}

// Config configures the account service.
type Config struct {
	// BaseURL is used to build the verification link that is logged in place of an email.
	BaseURL string

	// VerificationTTL defaults to DefaultVerificationTTL.
	VerificationTTL time.Duration

	// ResolveOnVerify passes the verified identity with the verification event. When false
	// only the token is passed and the listener has to resolve it.
	ResolveOnVerify bool

	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

// SignUpRequest is the payload for an email and password sign-up.
type SignUpRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Name     string `json:"name" validate:"omitempty,max=100"`
}

// UpdateRequest changes profile fields of an identity. Nil fields are left as they are.
type UpdateRequest struct {
	Name     *string `json:"name" validate:"omitempty,max=100"`
	Role     *string `json:"role" validate:"omitempty,oneof=admin user"`
	OrgRole  *string `json:"organizationalRole" validate:"omitempty,oneof=SUPER_ADMIN ADMIN USER"`
	IsActive *bool   `json:"isActive"`
}

// Service owns identity creation, verification and deletion.
type Service struct {
	identities    store.IdentityStore
	verifications store.VerificationStore
	events        Events
	validate      *validator.Validate
	cfg           Config
	now           func() time.Time
}

// NewService creates an account service.
func NewService(identities store.IdentityStore, verifications store.VerificationStore, events Events, cfg Config) *Service {
	if cfg.VerificationTTL <= 0 {
		cfg.VerificationTTL = DefaultVerificationTTL
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}

	return &Service{
		identities:    identities,
		verifications: verifications,
		events:        events,
		validate:      newValidator(),
		cfg:           cfg,
		now:           time.Now,
	}
}

// SignUp creates an identity and a verification token, then emits the sign-up event.
// The returned identity carries the roles assigned during the event.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*models.Identity, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Name = strings.TrimSpace(req.Name)

	if err := validateStruct(s.validate, req); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now()
	identity := &models.Identity{
		ID:           uuid.Must(uuid.NewV7()),
		Email:        req.Email,
		Role:         models.AuthRoleUser,
		OrgRole:      models.OrgRoleUser,
		IsActive:     true,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.Name != "" {
		identity.Name = &req.Name
	}

	if err := s.identities.Create(ctx, identity); err != nil {
		if errors.Is(err, store.ErrIdentityAlreadyExists) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}

	verification := &models.Verification{
		ID:         uuid.Must(uuid.NewV7()),
		Identifier: identity.Email,
		Value:      token,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.VerificationTTL),
	}
	if err := s.verifications.Create(ctx, verification); err != nil {
		// the account exists; the user can request verification again later
		log.Error().Err(err).Str("identity_id", identity.ID.String()).Msg("Failed to create verification")
	} else {
		log.Info().
			Str("identity_id", identity.ID.String()).
			Str("verify_url", s.verifyURL(token)).
			Msg("Verification link issued")
	}

	s.events.OnSignUp(ctx, lifecycle.SignUpEvent{IdentityID: identity.ID})

	created, err := s.identities.Get(ctx, identity.ID)
	if err != nil {
		return identity, nil
	}
	return created, nil
}

// VerifyEmail marks the identity owning token as verified and consumes the token.
func (s *Service) VerifyEmail(ctx context.Context, token string) (*models.Identity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	now := s.now()

	verification, err := s.verifications.GetUsableByToken(ctx, token, now)
	if err != nil {
		if errors.Is(err, store.ErrVerificationNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to look up verification: %w", err)
	}

	identity, err := s.identities.GetByEmail(ctx, verification.Identifier)
	if err != nil {
		if errors.Is(err, store.ErrIdentityNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to look up identity: %w", err)
	}

	identity, err = s.identities.MarkEmailVerified(ctx, identity.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark email verified: %w", err)
	}

	var ev lifecycle.VerificationEvent = lifecycle.TokenOnly{Token: token}
	if s.cfg.ResolveOnVerify {
		ev = lifecycle.Resolved{Identity: identity}
	}
	s.events.OnEmailVerified(ctx, ev)

	// consumed after the event so a token-only listener can still resolve it
	if err := s.verifications.Consume(ctx, verification.ID, now); err != nil {
		log.Error().Err(err).Str("verification_id", verification.ID.String()).Msg("Failed to consume verification")
	}

	return identity, nil
}

// UpdateIdentity applies the set fields of req and emits the update event with the
// stored result.
func (s *Service) UpdateIdentity(ctx context.Context, id uuid.UUID, req UpdateRequest) (*models.Identity, error) {
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, &ValidationError{Fields: map[string]string{"name": "must not be blank"}}
		}
		req.Name = &name
	}

	if err := validateStruct(s.validate, req); err != nil {
		return nil, err
	}

	update := store.IdentityUpdate{Name: req.Name, IsActive: req.IsActive}
	if req.Role != nil {
		role := models.AuthRole(*req.Role)
		update.Role = &role
	}
	if req.OrgRole != nil {
		orgRole := models.OrgRole(*req.OrgRole)
		update.OrgRole = &orgRole
	}
	if update.Empty() {
		return nil, ErrNothingToUpdate
	}

	identity, err := s.identities.Update(ctx, id, update)
	if err != nil {
		return nil, fmt.Errorf("failed to update identity: %w", err)
	}

	s.events.OnIdentityUpdated(ctx, lifecycle.IdentityUpdatedEvent{Identity: identity, Update: update})
	return identity, nil
}

// DeleteAccount removes the identity and emits the deletion event.
func (s *Service) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	if err := s.identities.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete identity: %w", err)
	}

	s.events.OnAccountDeleted(ctx, id)
	return nil
}

func (s *Service) verifyURL(token string) string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/api/auth/verify-email?token=" + url.QueryEscape(token)
}

// newToken returns 32 random bytes encoded as base58.
func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base58.Encode(b), nil
}
