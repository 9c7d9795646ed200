package patient

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/healthprep/healthprep/internal/platform/scope"
)

// Repository persists patients.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	Update(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByMRN(ctx context.Context, tenantID uuid.UUID, mrn string) (*Patient, error)
	GetByEpicID(ctx context.Context, tenantID uuid.UUID, epicID string) (*Patient, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, pr scope.Principal, tenantID uuid.UUID, limit, offset int) ([]*Patient, int, error)
	ListIDsForTenant(ctx context.Context, tenantID uuid.UUID) ([]uuid.UUID, error)
	StampFHIRSync(ctx context.Context, id uuid.UUID, at time.Time) error
	StampDocumentsEvaluated(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ConditionRepository persists problem-list entries.
type ConditionRepository interface {
	Upsert(ctx context.Context, c *Condition) error
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Condition, error)
	ActiveNames(ctx context.Context, patientID uuid.UUID) ([]string, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// AppointmentRepository persists appointments.
type AppointmentRepository interface {
	Upsert(ctx context.Context, a *Appointment) error
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Appointment, error)
	ListUpcoming(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]*Appointment, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
