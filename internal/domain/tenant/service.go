package tenant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/healthprep/healthprep/internal/platform/db"
	"github.com/healthprep/healthprep/internal/platform/errs"
	"github.com/healthprep/healthprep/internal/platform/hipaa"
	"github.com/healthprep/healthprep/internal/platform/scope"
)

// Auditor is the slice of the HIPAA logger this service needs. Deletion
// re-parents the tenant's trail to the system tenant before the cascade.
type Auditor interface {
	Log(ctx context.Context, e *hipaa.Entry) error
	ReparentTenant(ctx context.Context, tenantID uuid.UUID) (int64, error)
}

type Service struct {
	orgs  Repository
	box   *hipaa.SecretBox
	audit Auditor
	pool  *pgxpool.Pool
	log   zerolog.Logger
}

func NewService(orgs Repository, box *hipaa.SecretBox, audit Auditor, pool *pgxpool.Pool, log zerolog.Logger) *Service {
	return &Service{orgs: orgs, box: box, audit: audit, pool: pool, log: log}
}

// Onboard registers a new organization in pending state. Root admin only.
func (s *Service) Onboard(ctx context.Context, pr scope.Principal, o *Organization) error {
	if !pr.IsRootAdmin() {
		return errs.Ef(errs.KindForbidden, "onboarding requires root admin")
	}
	o.Status = StatusPending
	// New organizations start with the job queue enabled; settings can turn
	// it off later.
	o.AsyncEnabled = true
	o.ApplyDefaults()
	if err := o.Validate(); err != nil {
		return errs.E(errs.KindConflict, err)
	}
	if err := s.orgs.Create(ctx, o); err != nil {
		return fmt.Errorf("onboard organization: %w", err)
	}
	s.auditLifecycle(ctx, pr, o.ID, "tenant_onboarded")
	return nil
}

// Approve activates a pending organization.
func (s *Service) Approve(ctx context.Context, pr scope.Principal, id uuid.UUID) error {
	return s.transition(ctx, pr, id, StatusPending, StatusActive, "tenant_approved")
}

// Suspend disables an active organization; its jobs stop claiming and its
// users cannot log in to a working tenant, but data is retained.
func (s *Service) Suspend(ctx context.Context, pr scope.Principal, id uuid.UUID) error {
	return s.transition(ctx, pr, id, StatusActive, StatusSuspended, "tenant_suspended")
}

// Reactivate returns a suspended organization to active.
func (s *Service) Reactivate(ctx context.Context, pr scope.Principal, id uuid.UUID) error {
	return s.transition(ctx, pr, id, StatusSuspended, StatusActive, "tenant_reactivated")
}

func (s *Service) transition(ctx context.Context, pr scope.Principal, id uuid.UUID, from, to, event string) error {
	if !pr.IsRootAdmin() {
		return errs.Ef(errs.KindForbidden, "lifecycle changes require root admin")
	}
	o, err := s.orgs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if o == nil {
		return errs.Ef(errs.KindNotFound, "organization %s", id)
	}
	if o.Status != from {
		return errs.Ef(errs.KindConflict, "organization is %s, not %s", o.Status, from)
	}
	o.Status = to
	if err := s.orgs.Update(ctx, o); err != nil {
		return err
	}
	s.auditLifecycle(ctx, pr, id, event)
	return nil
}

// Delete removes the organization and everything it owns. The audit trail
// survives: inside one transaction, entries are re-parented to the system
// tenant, then the cascade fires.
func (s *Service) Delete(ctx context.Context, pr scope.Principal, id uuid.UUID) error {
	if !pr.IsRootAdmin() {
		return errs.Ef(errs.KindForbidden, "deletion requires root admin")
	}
	o, err := s.orgs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if o == nil {
		return errs.Ef(errs.KindNotFound, "organization %s", id)
	}

	del := func(ctx context.Context) error {
		moved, err := s.audit.ReparentTenant(ctx, id)
		if err != nil {
			return err
		}
		s.log.Info().Str("tenant", id.String()).Int64("audit_entries", moved).Msg("re-parented audit trail")
		return s.orgs.Delete(ctx, id)
	}
	if s.pool != nil {
		err = db.WithTx(ctx, s.pool, del)
	} else {
		err = del(ctx)
	}
	if err != nil {
		return fmt.Errorf("delete organization: %w", err)
	}

	// Recorded against the system tenant: the tenant row is gone.
	if s.audit != nil {
		_ = s.audit.Log(ctx, &hipaa.Entry{
			TenantID:     hipaa.SystemTenant,
			UserID:       pr.UserIDPtr(),
			EventType:    hipaa.EventTenantDeleted,
			ResourceType: "tenant",
			ResourceID:   &id,
			Data:         map[string]any{"name": o.Display()},
			IPAddress:    pr.IPAddress,
			SessionID:    pr.SessionID,
		})
	}
	return nil
}

func (s *Service) Get(ctx context.Context, pr scope.Principal, id uuid.UUID) (*Organization, error) {
	if err := pr.CheckTenant(id); err != nil {
		return nil, err
	}
	o, err := s.orgs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, errs.Ef(errs.KindNotFound, "organization %s", id)
	}
	return o, nil
}

func (s *Service) List(ctx context.Context, pr scope.Principal, status string) ([]*Organization, error) {
	if !pr.IsRootAdmin() {
		return nil, errs.Ef(errs.KindForbidden, "listing organizations requires root admin")
	}
	return s.orgs.List(ctx, status)
}

// UpdateSettings edits caps and policy. Tenant admins may edit their own
// organization; status and identity fields are not touched here.
func (s *Service) UpdateSettings(ctx context.Context, pr scope.Principal, o *Organization) error {
	current, err := s.Get(ctx, pr, o.ID)
	if err != nil {
		return err
	}
	o.Status = current.Status
	o.EpicClientSecret = current.EpicClientSecret
	o.LastSyncAt = current.LastSyncAt
	o.LastFullSyncAt = current.LastFullSyncAt
	o.ApplyDefaults()
	if err := o.Validate(); err != nil {
		return errs.E(errs.KindConflict, err)
	}
	return s.orgs.Update(ctx, o)
}

// SetEpicSecret seals and stores the Epic client secret. Plaintext never
// reaches the repository.
func (s *Service) SetEpicSecret(ctx context.Context, pr scope.Principal, id uuid.UUID, secret string) error {
	o, err := s.Get(ctx, pr, id)
	if err != nil {
		return err
	}
	sealed, err := s.box.Seal(secret)
	if err != nil {
		return fmt.Errorf("seal epic secret: %w", err)
	}
	o.EpicClientSecret = sealed
	return s.orgs.Update(ctx, o)
}

// EpicSecret opens the stored client secret for the OAuth flow. Internal
// callers only; there is no HTTP surface for this.
func (s *Service) EpicSecret(ctx context.Context, id uuid.UUID) (string, error) {
	o, err := s.orgs.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if o == nil {
		return "", errs.Ef(errs.KindNotFound, "organization %s", id)
	}
	if o.EpicClientSecret == "" {
		return "", errs.Ef(errs.KindAuthRequired, "organization %s has no epic credentials", id)
	}
	return s.box.Open(o.EpicClientSecret)
}

// RecordSync stamps the tenant's last-sync markers after a batch finishes.
// full marks a forced (non-selective) pass.
func (s *Service) RecordSync(ctx context.Context, tenantID uuid.UUID, full bool) error {
	return s.orgs.TouchLastSync(ctx, tenantID, full)
}

func (s *Service) auditLifecycle(ctx context.Context, pr scope.Principal, id uuid.UUID, event string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, &hipaa.Entry{
		TenantID:     hipaa.SystemTenant,
		UserID:       pr.UserIDPtr(),
		EventType:    event,
		ResourceType: "tenant",
		ResourceID:   &id,
		IPAddress:    pr.IPAddress,
		SessionID:    pr.SessionID,
	}); err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("audit tenant lifecycle")
	}
}
