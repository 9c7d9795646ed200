// Package identity holds users, providers (clinicians), and the
// user-provider assignments that carry per-row capability flags. Providers
// own their Epic OAuth sessions because v2 authorizations are issued per
// clinician.
package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/healthprep/healthprep/internal/platform/scope"
)

// User is an application account. Root admins are tenant-less
// (TenantID nil); everyone else is strictly tenant-scoped.
type User struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     *uuid.UUID `json:"tenant_id,omitempty"`
	Email        string     `json:"email"`
	Role         scope.Role `json:"role"`
	PasswordHash string     `json:"-"`
	Active       bool       `json:"active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

var validRoles = map[scope.Role]bool{
	scope.RoleRootAdmin:    true,
	scope.RoleAdmin:        true,
	scope.RoleNurse:        true,
	scope.RoleStaff:        true,
	scope.RolePractitioner: true,
}

func (u *User) Validate() error {
	if !strings.Contains(u.Email, "@") {
		return fmt.Errorf("email %q is not valid", u.Email)
	}
	if !validRoles[u.Role] {
		return fmt.Errorf("role %q is not valid", u.Role)
	}
	if u.Role == scope.RoleRootAdmin {
		if u.TenantID != nil {
			return fmt.Errorf("root admins are tenant-less")
		}
	} else if u.TenantID == nil {
		return fmt.Errorf("role %q requires a tenant", u.Role)
	}
	return nil
}

// Provider is a clinician. EpicPractitionerID links to the EMR-side
// Practitioner resource; the provider's OAuth session lives in the token
// store keyed by (tenant, provider).
type Provider struct {
	ID                 uuid.UUID `json:"id"`
	TenantID           uuid.UUID `json:"tenant_id"`
	FirstName          string    `json:"first_name"`
	LastName           string    `json:"last_name"`
	Specialty          string    `json:"specialty,omitempty"`
	EpicPractitionerID string    `json:"epic_practitioner_id,omitempty"`
	Active             bool      `json:"active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (p *Provider) Validate() error {
	if p.TenantID == uuid.Nil {
		return fmt.Errorf("tenant id is required")
	}
	if p.FirstName == "" || p.LastName == "" {
		return fmt.Errorf("provider name is required")
	}
	return nil
}

// Assignment links a user to a provider with per-row capability flags.
type Assignment struct {
	ID                 uuid.UUID `json:"id"`
	UserID             uuid.UUID `json:"user_id"`
	ProviderID         uuid.UUID `json:"provider_id"`
	ViewPatients       bool      `json:"view_patients"`
	EditScreenings     bool      `json:"edit_screenings"`
	GeneratePrepSheets bool      `json:"generate_prep_sheets"`
	SyncEpic           bool      `json:"sync_epic"`
	CreatedAt          time.Time `json:"created_at"`
}
