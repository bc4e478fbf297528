package models

import (
	"time"

	"github.com/google/uuid"
)

// Verification correlates an email address with a pending email verification.
// The token is usable until it expires or is consumed; consumed rows are kept for audit.
type Verification struct {
	ID         uuid.UUID // UUIDv7
	Identifier string    // email address being verified
	Value      string    // opaque token sent to the user

	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// IsUsable returns true if the verification has neither expired nor been consumed at the given time.
func (v *Verification) IsUsable(now time.Time) bool {
	return v.ConsumedAt == nil && now.Before(v.ExpiresAt)
}
