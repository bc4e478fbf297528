package models

import (
	"time"

	"github.com/google/uuid"
)

// AuthRole is the coarse role used by the authentication layer.
type AuthRole string

const (
	AuthRoleAdmin AuthRole = "admin"
	AuthRoleUser  AuthRole = "user"
)

// OrgRole is the fine-grained organizational role, ordered from most to least privileged.
type OrgRole string

const (
	OrgRoleSuperAdmin OrgRole = "SUPER_ADMIN"
	OrgRoleAdmin      OrgRole = "ADMIN"
	OrgRoleUser       OrgRole = "USER"
)

// Valid returns true if the role is one of the known organizational roles.
func (r OrgRole) Valid() bool {
	switch r {
	case OrgRoleSuperAdmin, OrgRoleAdmin, OrgRoleUser:
		return true
	}
	return false
}

// Identity is a user account as held by the system of record.
// Only the account flow and administrative tooling create or mutate identities.
type Identity struct {
	ID            uuid.UUID // UUIDv7
	Email         string    // unique, lower-case
	Name          *string
	Role          AuthRole
	OrgRole       OrgRole
	IsActive      bool
	EmailVerified bool
	PasswordHash  string // bcrypt, never indexed

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DisplayName returns the name if set, otherwise the email address.
func (i *Identity) DisplayName() string {
	if i.Name != nil && *i.Name != "" {
		return *i.Name
	}
	return i.Email
}
