package screening

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/healthprep/healthprep/internal/platform/errs"
	"github.com/healthprep/healthprep/internal/platform/hipaa"
	"github.com/healthprep/healthprep/internal/platform/scope"
)

// Service guards screening-type edits and screening reads with tenant and
// provider scope, and keeps criteria signatures honest.
type Service struct {
	types      TypeRepository
	screenings Repository
	audit      Auditor
	now        func() time.Time
}

func NewService(types TypeRepository, screenings Repository, audit Auditor) *Service {
	return &Service{types: types, screenings: screenings, audit: audit, now: time.Now}
}

// CreateType inserts a screening type with its initial signature. Global
// types (nil tenant) are root-admin only.
func (s *Service) CreateType(ctx context.Context, p scope.Principal, st *ScreeningType) error {
	if err := st.Validate(); err != nil {
		return errs.E(errs.KindConflict, err)
	}
	if st.TenantID == nil {
		if !p.IsRootAdmin() {
			return errs.Ef(errs.KindForbidden, "only root admins manage global screening types")
		}
	} else if err := p.CheckTenant(*st.TenantID); err != nil {
		return err
	}

	st.CriteriaSignature = st.ComputeSignature()
	st.CriteriaLastChanged = s.now().UTC()
	if err := s.types.Create(ctx, st); err != nil {
		return fmt.Errorf("create screening type: %w", err)
	}
	s.auditCriteria(ctx, p, st, "created")
	return nil
}

// UpdateType persists edits. The signature is recomputed and
// criteria_last_changed_at advances only when the signature actually
// changed, so cosmetic edits never invalidate selective-refresh caches.
func (s *Service) UpdateType(ctx context.Context, p scope.Principal, st *ScreeningType) error {
	if err := st.Validate(); err != nil {
		return errs.E(errs.KindConflict, err)
	}
	current, err := s.types.GetByID(ctx, st.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return errs.Ef(errs.KindNotFound, "screening type %s", st.ID)
	}
	if current.TenantID == nil {
		if !p.IsRootAdmin() {
			return errs.Ef(errs.KindForbidden, "only root admins manage global screening types")
		}
	} else if err := p.CheckTenant(*current.TenantID); err != nil {
		return err
	}
	// Tenant ownership is immutable.
	st.TenantID = current.TenantID

	newSig := st.ComputeSignature()
	if newSig != current.CriteriaSignature {
		st.CriteriaSignature = newSig
		st.CriteriaLastChanged = s.now().UTC()
	} else {
		st.CriteriaSignature = current.CriteriaSignature
		st.CriteriaLastChanged = current.CriteriaLastChanged
	}

	if err := s.types.Update(ctx, st); err != nil {
		return fmt.Errorf("update screening type: %w", err)
	}
	if newSig != current.CriteriaSignature {
		s.auditCriteria(ctx, p, st, "criteria_changed")
	}
	return nil
}

func (s *Service) auditCriteria(ctx context.Context, p scope.Principal, st *ScreeningType, action string) {
	if s.audit == nil {
		return
	}
	tenant := hipaa.SystemTenant
	if st.TenantID != nil {
		tenant = *st.TenantID
	}
	_ = s.audit.Log(ctx, &hipaa.Entry{
		TenantID:     tenant,
		UserID:       p.UserIDPtr(),
		EventType:    hipaa.EventCriteriaChanged,
		ResourceType: "screening_type",
		ResourceID:   &st.ID,
		Data: map[string]any{
			"action":    action,
			"name":      st.Name,
			"signature": st.CriteriaSignature,
		},
		IPAddress: p.IPAddress,
		UserAgent: p.UserAgent,
		SessionID: p.SessionID,
	})
}

func (s *Service) GetType(ctx context.Context, p scope.Principal, id uuid.UUID) (*ScreeningType, error) {
	st, err := s.types.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errs.Ef(errs.KindNotFound, "screening type %s", id)
	}
	if st.TenantID != nil {
		if err := p.CheckTenant(*st.TenantID); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (s *Service) ListTypes(ctx context.Context, p scope.Principal, tenantID uuid.UUID, limit, offset int) ([]*ScreeningType, int, error) {
	if err := p.CheckTenant(tenantID); err != nil {
		return nil, 0, err
	}
	return s.types.List(ctx, tenantID, limit, offset)
}

// DeleteType removes a screening type; its screening rows cascade in the
// schema.
func (s *Service) DeleteType(ctx context.Context, p scope.Principal, id uuid.UUID) error {
	st, err := s.GetType(ctx, p, id)
	if err != nil {
		return err
	}
	if st.TenantID == nil && !p.IsRootAdmin() {
		return errs.Ef(errs.KindForbidden, "only root admins manage global screening types")
	}
	return s.types.Delete(ctx, id)
}

// ListScreenings returns screening records under the caller's tenant and
// provider scope, optionally filtered by status.
func (s *Service) ListScreenings(ctx context.Context, p scope.Principal, tenantID uuid.UUID, status string, limit, offset int) ([]*Screening, int, error) {
	if err := p.CheckTenant(tenantID); err != nil {
		return nil, 0, err
	}
	if status != "" && !ValidStatuses[status] {
		return nil, 0, errs.Ef(errs.KindConflict, "invalid status filter: %s", status)
	}
	return s.screenings.ListForTenant(ctx, p, tenantID, status, limit, offset)
}

// ListPatientScreenings returns a single patient's screening records.
func (s *Service) ListPatientScreenings(ctx context.Context, p scope.Principal, patientID uuid.UUID) ([]*Screening, error) {
	return s.screenings.ListForPatient(ctx, p, patientID)
}
