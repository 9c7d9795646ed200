package tenant

import (
	"context"

	"github.com/google/uuid"

	"github.com/healthprep/healthprep/internal/domain/emrsync"
	"github.com/healthprep/healthprep/internal/domain/prepsheet"
	"github.com/healthprep/healthprep/internal/domain/screening"
	"github.com/healthprep/healthprep/internal/platform/errs"
	"github.com/healthprep/healthprep/internal/platform/jobs"
)

// PolicyAdapter exposes tenant settings to the screening engine.
type PolicyAdapter struct {
	orgs Repository
}

func NewPolicyAdapter(orgs Repository) *PolicyAdapter {
	return &PolicyAdapter{orgs: orgs}
}

var (
	_ screening.PolicySource = (*PolicyAdapter)(nil)
	_ prepsheet.PolicySource = (*PolicyAdapter)(nil)
	_ jobs.CapsSource        = (*PolicyAdapter)(nil)
)

func (a *PolicyAdapter) Policy(ctx context.Context, tenantID uuid.UUID) (screening.Policy, error) {
	o, err := a.orgs.GetByID(ctx, tenantID)
	if err != nil {
		return screening.Policy{}, err
	}
	if o == nil {
		return screening.Policy{}, errs.Ef(errs.KindNotFound, "organization %s", tenantID)
	}
	return screening.Policy{
		OverdueAfterDays: o.OverdueAfterDays,
		Location:         o.Location(),
	}, nil
}

// PriorityWindowDays is the appointment look-ahead window for sync.
func (a *PolicyAdapter) PriorityWindowDays(ctx context.Context, tenantID uuid.UUID) (int, error) {
	o, err := a.orgs.GetByID(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if o == nil {
		return 0, errs.Ef(errs.KindNotFound, "organization %s", tenantID)
	}
	if o.PriorityWindowDays <= 0 {
		return DefaultPriorityWindowDays, nil
	}
	return o.PriorityWindowDays, nil
}

// SheetPolicyFor loads the tenant's prep-sheet policy with defaults applied.
func (a *PolicyAdapter) SheetPolicyFor(ctx context.Context, tenantID uuid.UUID) (prepsheet.Policy, error) {
	o, err := a.orgs.GetByID(ctx, tenantID)
	if err != nil {
		return prepsheet.Policy{}, err
	}
	if o == nil {
		return prepsheet.Policy{}, errs.Ef(errs.KindNotFound, "organization %s", tenantID)
	}
	o.ApplyDefaults()
	return prepsheet.Policy{
		LabCutoffMonths:      o.LabCutoffMonths,
		ImagingCutoffMonths:  o.ImagingCutoffMonths,
		ConsultCutoffMonths:  o.ConsultCutoffMonths,
		HospitalCutoffMonths: o.HospitalCutoffMonths,
		DryRunWriteback:      o.DryRunWriteback,
		Location:             o.Location(),
	}, nil
}

// CredentialAdapter exposes a tenant's Epic app registration to the sync
// client factory. Secrets are unsealed through the service so plaintext
// never leaves this call path.
type CredentialAdapter struct {
	orgs    Repository
	secrets *Service
}

func NewCredentialAdapter(orgs Repository, secrets *Service) *CredentialAdapter {
	return &CredentialAdapter{orgs: orgs, secrets: secrets}
}

var _ emrsync.CredentialSource = (*CredentialAdapter)(nil)

func (a *CredentialAdapter) EpicCredentials(ctx context.Context, tenantID uuid.UUID) (emrsync.Credentials, error) {
	o, err := a.orgs.GetByID(ctx, tenantID)
	if err != nil {
		return emrsync.Credentials{}, err
	}
	if o == nil {
		return emrsync.Credentials{}, errs.Ef(errs.KindNotFound, "organization %s", tenantID)
	}
	o.ApplyDefaults()

	creds := emrsync.Credentials{
		FHIRBaseURL: o.FHIRBaseURL,
		ClientID:    o.EpicClientID,
		HourlyCap:   o.FHIRHourlyCap,
		Sandbox:     o.Sandbox,
	}
	if o.EpicClientSecret != "" {
		if creds.ClientSecret, err = a.secrets.EpicSecret(ctx, tenantID); err != nil {
			return emrsync.Credentials{}, err
		}
	}
	return creds, nil
}

// Caps are the per-tenant limits the job runtime and FHIR client enforce.
type Caps struct {
	AsyncEnabled      bool
	FHIRHourlyCap     int
	MaxConcurrentJobs int
	MaxBatchSize      int
	JobCeilingSeconds int
}

// JobCaps adapts the tenant caps to the job runtime's view.
func (a *PolicyAdapter) JobCaps(ctx context.Context, tenantID uuid.UUID) (jobs.Caps, error) {
	caps, err := a.CapsFor(ctx, tenantID)
	if err != nil {
		return jobs.Caps{}, err
	}
	return jobs.Caps{
		AsyncEnabled:      caps.AsyncEnabled,
		FHIRHourlyCap:     caps.FHIRHourlyCap,
		MaxConcurrentJobs: caps.MaxConcurrentJobs,
		MaxBatchSize:      caps.MaxBatchSize,
		JobCeilingSeconds: caps.JobCeilingSeconds,
	}, nil
}

// CapsFor loads the tenant's operational caps, with defaults applied.
func (a *PolicyAdapter) CapsFor(ctx context.Context, tenantID uuid.UUID) (Caps, error) {
	o, err := a.orgs.GetByID(ctx, tenantID)
	if err != nil {
		return Caps{}, err
	}
	if o == nil {
		return Caps{}, errs.Ef(errs.KindNotFound, "organization %s", tenantID)
	}
	o.ApplyDefaults()
	return Caps{
		AsyncEnabled:      o.AsyncEnabled,
		FHIRHourlyCap:     o.FHIRHourlyCap,
		MaxConcurrentJobs: o.MaxConcurrentJobs,
		MaxBatchSize:      o.MaxBatchSize,
		JobCeilingSeconds: o.JobCeilingSeconds,
	}, nil
}
