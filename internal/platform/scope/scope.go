// Package scope enforces tenant and provider isolation. Every PHI-bearing
// query is wrapped with the authenticated principal's tenant, and unless
// the effective role is admin, with the set of providers the user may act
// for. Cross-provider access is a fail-closed boundary: it logs a
// security_violation audit event and surfaces forbidden.
package scope

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/healthprep/healthprep/internal/platform/errs"
	"github.com/healthprep/healthprep/internal/platform/hipaa"
)

// Role is the effective role of a principal.
type Role string

const (
	RoleRootAdmin    Role = "root_admin"
	RoleAdmin        Role = "admin"
	RoleNurse        Role = "nurse"
	RoleStaff        Role = "staff"
	RolePractitioner Role = "practitioner"
	// RoleSystem is used by background workers; it is tenant-scoped but not
	// provider-restricted.
	RoleSystem Role = "system"
)

// Principal is the authenticated caller threaded explicitly through every
// core operation. Background workers receive a system principal; request
// state is never read ambiently.
type Principal struct {
	UserID      uuid.UUID
	TenantID    uuid.UUID
	Role        Role
	ProviderIDs []uuid.UUID // providers the user is assigned to

	SessionID string
	IPAddress string
	UserAgent string
}

// System returns a worker principal for the given tenant.
func System(tenantID uuid.UUID) Principal {
	return Principal{TenantID: tenantID, Role: RoleSystem}
}

// IsRootAdmin reports whether the principal may cross tenant boundaries.
func (p Principal) IsRootAdmin() bool { return p.Role == RoleRootAdmin }

// ProviderUnrestricted reports whether provider filtering is waived.
func (p Principal) ProviderUnrestricted() bool {
	switch p.Role {
	case RoleRootAdmin, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// UserIDPtr returns the user id for audit entries, nil for system events.
func (p Principal) UserIDPtr() *uuid.UUID {
	if p.Role == RoleSystem || p.UserID == uuid.Nil {
		return nil
	}
	id := p.UserID
	return &id
}

// CanAccessProvider reports whether the principal may see rows owned by the
// given provider. A nil provider id (organization-scoped row) is visible to
// everyone in the tenant.
func (p Principal) CanAccessProvider(providerID *uuid.UUID) bool {
	if p.ProviderUnrestricted() || providerID == nil {
		return true
	}
	for _, id := range p.ProviderIDs {
		if id == *providerID {
			return true
		}
	}
	return false
}

// CheckTenant verifies the row's tenant against the principal.
func (p Principal) CheckTenant(tenantID uuid.UUID) error {
	if p.IsRootAdmin() || p.TenantID == tenantID {
		return nil
	}
	return errs.Ef(errs.KindForbidden, "tenant boundary")
}

// Predicate builds the SQL fragment scoping a query to the principal.
// alias is the table alias carrying tenant_id/provider_id columns; argIndex
// is the 1-based placeholder number to start from. The returned args line
// up with the placeholders.
func (p Principal) Predicate(alias string, argIndex int) (string, []any) {
	col := func(name string) string {
		if alias == "" {
			return name
		}
		return alias + "." + name
	}

	if p.IsRootAdmin() {
		return "TRUE", nil
	}

	clause := fmt.Sprintf("%s = $%d", col("tenant_id"), argIndex)
	args := []any{p.TenantID}

	if !p.ProviderUnrestricted() {
		ids := p.ProviderIDs
		if ids == nil {
			ids = []uuid.UUID{}
		}
		clause += fmt.Sprintf(" AND (%s = ANY($%d) OR %s IS NULL)",
			col("provider_id"), argIndex+1, col("provider_id"))
		args = append(args, ids)
	}

	return clause, args
}

// Auditor is the slice of the HIPAA logger the guard needs. The concrete
// hipaa.Logger satisfies it.
type Auditor interface {
	Log(ctx context.Context, e *hipaa.Entry) error
	Hasher() *hipaa.IdentifierHasher
}

// Guard checks provider access to a specific row and records a
// security_violation audit event on denial. patientIdentifier is hashed
// before it reaches the trail.
func Guard(ctx context.Context, audit Auditor, p Principal, tenantID uuid.UUID, providerID *uuid.UUID, patientIdentifier string) error {
	if err := p.CheckTenant(tenantID); err == nil && p.CanAccessProvider(providerID) {
		return nil
	}

	if audit != nil {
		entry := &hipaa.Entry{
			TenantID:     p.TenantID,
			UserID:       p.UserIDPtr(),
			EventType:    hipaa.EventSecurityViolation,
			ResourceType: "Patient",
			PatientHash:  audit.Hasher().Hash(patientIdentifier),
			IPAddress:    p.IPAddress,
			UserAgent:    p.UserAgent,
			SessionID:    p.SessionID,
			Data:         map[string]any{"reason": "cross_provider_access"},
		}
		if err := audit.Log(ctx, entry); err != nil {
			return fmt.Errorf("scope guard: record violation: %w", err)
		}
	}

	return errs.Ef(errs.KindForbidden, "provider scope")
}
