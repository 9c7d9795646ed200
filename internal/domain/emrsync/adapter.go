package emrsync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/healthprep/healthprep/internal/domain/patient"
	"github.com/healthprep/healthprep/internal/domain/screening"
	"github.com/healthprep/healthprep/pkg/fhirmodels"
)

// ClientSource resolves a ready-to-use FHIR client for a tenant, in the
// provider's OAuth context when one is given.
type ClientSource interface {
	ClientFor(ctx context.Context, tenantID uuid.UUID, providerID *uuid.UUID) (Fetcher, error)
}

// ImmunizationAdapter answers the screening engine's vaccine-history lookups
// straight from the EMR. Immunizations are never persisted locally; the
// engine asks only when a vaccine-triggered type is being evaluated.
type ImmunizationAdapter struct {
	patients patient.Repository
	clients  ClientSource
}

func NewImmunizationAdapter(patients patient.Repository, clients ClientSource) *ImmunizationAdapter {
	return &ImmunizationAdapter{patients: patients, clients: clients}
}

var _ screening.ImmunizationSource = (*ImmunizationAdapter)(nil)

// LatestAdministration returns the newest completed administration among the
// given CVX codes, nil when the patient has none on record. Patients without
// an EMR link have no vaccine history to consult.
func (a *ImmunizationAdapter) LatestAdministration(ctx context.Context, view screening.PatientView, cvxCodes []string) (*time.Time, error) {
	if len(cvxCodes) == 0 {
		return nil, nil
	}
	p, err := a.patients.GetByID(ctx, view.ID)
	if err != nil {
		return nil, err
	}
	if p == nil || p.EpicPatientID == "" {
		return nil, nil
	}

	client, err := a.clients.ClientFor(ctx, view.TenantID, view.ProviderID)
	if err != nil {
		return nil, err
	}
	remote, _, err := client.SearchImmunizations(ctx, p.EpicPatientID)
	if err != nil {
		return nil, fmt.Errorf("fetch immunizations: %w", err)
	}

	wanted := make(map[string]bool, len(cvxCodes))
	for _, code := range cvxCodes {
		wanted[code] = true
	}

	var latest *time.Time
	for _, imm := range remote {
		if imm.Status != fhirmodels.ImmunizationCompleted || !wanted[imm.CVXCode()] {
			continue
		}
		when := parseFHIRDate(imm.OccurrenceDateTime, time.Time{})
		if when.IsZero() {
			continue
		}
		if latest == nil || when.After(*latest) {
			t := when
			latest = &t
		}
	}
	return latest, nil
}
