package lifecycle

import (
	"github.com/google/uuid"
	"github.com/wolfeidau/identity-index/internal/models"
	"github.com/wolfeidau/identity-index/internal/store"
)

// SignUpEvent is emitted after a new identity is committed.
type SignUpEvent struct {
	IdentityID uuid.UUID
}

// VerificationEvent is emitted after an email verification. Depending on timing the
// account flow either has the verified identity at hand or only the raw token.
type VerificationEvent interface {
	verificationEvent()
}

// Resolved carries the verified identity.
type Resolved struct {
	Identity *models.Identity
}

// TokenOnly carries only the verification token used.
type TokenOnly struct {
	Token string
}

func (Resolved) verificationEvent()  {}
func (TokenOnly) verificationEvent() {}

// IdentityUpdatedEvent is emitted after profile fields of an identity change. Identity is
// the state returned by the store; Update names the fields that were set.
type IdentityUpdatedEvent struct {
	Identity *models.Identity
	Update   store.IdentityUpdate
}
