package patient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/healthprep/healthprep/internal/platform/errs"
	"github.com/healthprep/healthprep/internal/platform/hipaa"
	"github.com/healthprep/healthprep/internal/platform/scope"
)

// Auditor is the slice of the HIPAA logger this service needs.
type Auditor interface {
	Log(ctx context.Context, e *hipaa.Entry) error
	Hasher() *hipaa.IdentifierHasher
}

type Service struct {
	patients     Repository
	conditions   ConditionRepository
	appointments AppointmentRepository
	audit        Auditor
}

func NewService(patients Repository, conditions ConditionRepository, appointments AppointmentRepository, audit Auditor) *Service {
	return &Service{patients: patients, conditions: conditions, appointments: appointments, audit: audit}
}

func (s *Service) Create(ctx context.Context, pr scope.Principal, p *Patient) error {
	if err := p.Validate(); err != nil {
		return errs.E(errs.KindConflict, err)
	}
	if err := pr.CheckTenant(p.TenantID); err != nil {
		return err
	}
	existing, err := s.patients.GetByMRN(ctx, p.TenantID, p.MRN)
	if err != nil {
		return err
	}
	if existing != nil {
		return errs.Ef(errs.KindConflict, "mrn %s already exists in tenant", p.MRN)
	}
	if err := s.patients.Create(ctx, p); err != nil {
		return fmt.Errorf("create patient: %w", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, pr scope.Principal, id uuid.UUID) (*Patient, error) {
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errs.Ef(errs.KindNotFound, "patient %s", id)
	}
	if err := scope.Guard(ctx, s.audit, pr, p.TenantID, p.ProviderID, p.MRN); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) Update(ctx context.Context, pr scope.Principal, p *Patient) error {
	current, err := s.Get(ctx, pr, p.ID)
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return errs.E(errs.KindConflict, err)
	}
	// Tenant ownership is immutable; MRN changes must stay unique.
	p.TenantID = current.TenantID
	if p.MRN != current.MRN {
		dup, err := s.patients.GetByMRN(ctx, p.TenantID, p.MRN)
		if err != nil {
			return err
		}
		if dup != nil && dup.ID != p.ID {
			return errs.Ef(errs.KindConflict, "mrn %s already exists in tenant", p.MRN)
		}
	}
	return s.patients.Update(ctx, p)
}

// Delete removes the patient; documents, conditions, screenings, and
// appointments cascade. The audit trail survives.
func (s *Service) Delete(ctx context.Context, pr scope.Principal, id uuid.UUID) error {
	p, err := s.Get(ctx, pr, id)
	if err != nil {
		return err
	}
	if err := s.patients.Delete(ctx, id); err != nil {
		return err
	}
	if s.audit != nil {
		_ = s.audit.Log(ctx, &hipaa.Entry{
			TenantID:     p.TenantID,
			UserID:       pr.UserIDPtr(),
			EventType:    "patient_deleted",
			ResourceType: "patient",
			ResourceID:   &id,
			PatientHash:  s.audit.Hasher().Hash(p.MRN),
			IPAddress:    pr.IPAddress,
			UserAgent:    pr.UserAgent,
			SessionID:    pr.SessionID,
		})
	}
	return nil
}

func (s *Service) List(ctx context.Context, pr scope.Principal, tenantID uuid.UUID, limit, offset int) ([]*Patient, int, error) {
	if err := pr.CheckTenant(tenantID); err != nil {
		return nil, 0, err
	}
	return s.patients.List(ctx, pr, tenantID, limit, offset)
}

// -- Conditions --

func (s *Service) AddCondition(ctx context.Context, pr scope.Principal, c *Condition) error {
	p, err := s.Get(ctx, pr, c.PatientID)
	if err != nil {
		return err
	}
	if c.Name == "" {
		return errs.Ef(errs.KindConflict, "condition name is required")
	}
	c.TenantID = p.TenantID
	return s.conditions.Upsert(ctx, c)
}

func (s *Service) ListConditions(ctx context.Context, pr scope.Principal, patientID uuid.UUID) ([]*Condition, error) {
	if _, err := s.Get(ctx, pr, patientID); err != nil {
		return nil, err
	}
	return s.conditions.ListByPatient(ctx, patientID)
}

// -- Appointments --

func (s *Service) AddAppointment(ctx context.Context, pr scope.Principal, a *Appointment) error {
	p, err := s.Get(ctx, pr, a.PatientID)
	if err != nil {
		return err
	}
	if a.Status == "" {
		a.Status = ApptScheduled
	}
	if err := a.Validate(); err != nil {
		return errs.E(errs.KindConflict, err)
	}
	a.TenantID = p.TenantID
	return s.appointments.Upsert(ctx, a)
}

func (s *Service) ListAppointments(ctx context.Context, pr scope.Principal, patientID uuid.UUID) ([]*Appointment, error) {
	if _, err := s.Get(ctx, pr, patientID); err != nil {
		return nil, err
	}
	return s.appointments.ListByPatient(ctx, patientID)
}

func (s *Service) ListUpcomingAppointments(ctx context.Context, pr scope.Principal, tenantID uuid.UUID, from, to time.Time) ([]*Appointment, error) {
	if err := pr.CheckTenant(tenantID); err != nil {
		return nil, err
	}
	return s.appointments.ListUpcoming(ctx, tenantID, from, to)
}
