package index

import (
	"time"

	"github.com/wolfeidau/identity-index/internal/models"
)

// Document is the flat projection of an identity stored in the search index.
// Its id always equals the identity ID, which keeps writes idempotent.
type Document struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	Name               *string   `json:"name,omitempty"`
	Role               string    `json:"role"`
	OrganizationalRole string    `json:"organizationalRole"`
	IsActive           bool      `json:"isActive"`
	EmailVerified      bool      `json:"emailVerified"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// FromIdentity maps an identity to its search document.
func FromIdentity(identity *models.Identity) Document {
	doc := Document{
		ID:                 identity.ID.String(),
		Email:              identity.Email,
		Role:               string(identity.Role),
		OrganizationalRole: string(identity.OrgRole),
		IsActive:           identity.IsActive,
		EmailVerified:      identity.EmailVerified,
		CreatedAt:          identity.CreatedAt.UTC(),
		UpdatedAt:          identity.UpdatedAt.UTC(),
	}

	if identity.Name != nil {
		name := *identity.Name
		doc.Name = &name
	}

	return doc
}

// Fields is a partial document keyed by document field name.
type Fields map[string]any

// VerifiedFields are the fields changed when an identity verifies its email.
func VerifiedFields(now time.Time) Fields {
	return Fields{
		"emailVerified": true,
		"updatedAt":     now.UTC(),
	}
}

// Document field names used in partial updates.
const (
	FieldName               = "name"
	FieldRole               = "role"
	FieldOrganizationalRole = "organizationalRole"
	FieldIsActive           = "isActive"
	FieldUpdatedAt          = "updatedAt"
)

// UpdatedFields projects the named fields of identity, always including updatedAt so the
// document sorts by its latest change. Unknown names are ignored.
func UpdatedFields(identity *models.Identity, names ...string) Fields {
	doc := FromIdentity(identity)

	fields := Fields{FieldUpdatedAt: doc.UpdatedAt}
	for _, name := range names {
		switch name {
		case FieldName:
			fields[FieldName] = doc.Name
		case FieldRole:
			fields[FieldRole] = doc.Role
		case FieldOrganizationalRole:
			fields[FieldOrganizationalRole] = doc.OrganizationalRole
		case FieldIsActive:
			fields[FieldIsActive] = doc.IsActive
		}
	}
	return fields
}
