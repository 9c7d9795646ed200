package screening

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/healthprep/healthprep/internal/platform/scope"
)

// TypeRepository persists the screening-type library.
type TypeRepository interface {
	Create(ctx context.Context, st *ScreeningType) error
	Update(ctx context.Context, st *ScreeningType) error
	GetByID(ctx context.Context, id uuid.UUID) (*ScreeningType, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// ListActiveForTenant returns the tenant's active types plus active
	// global types (nil tenant_id).
	ListActiveForTenant(ctx context.Context, tenantID uuid.UUID) ([]*ScreeningType, error)
	List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*ScreeningType, int, error)
}

// Repository persists screening records and their document associations.
type Repository interface {
	GetByPatientAndType(ctx context.Context, patientID, typeID uuid.UUID) (*Screening, error)
	CountForPatient(ctx context.Context, patientID uuid.UUID) (int, error)
	// Upsert writes the (patient, screening_type)-unique record.
	Upsert(ctx context.Context, s *Screening) error
	// ReplaceMatches swaps the association set to exactly docIDs.
	ReplaceMatches(ctx context.Context, screeningID uuid.UUID, docIDs []uuid.UUID) error
	MatchedDocumentIDs(ctx context.Context, screeningID uuid.UUID) ([]uuid.UUID, error)
	ListForPatient(ctx context.Context, p scope.Principal, patientID uuid.UUID) ([]*Screening, error)
	ListForTenant(ctx context.Context, p scope.Principal, tenantID uuid.UUID, status string, limit, offset int) ([]*Screening, int, error)
}

// PatientView is the slice of patient state the engine reads.
type PatientView struct {
	ID                     uuid.UUID
	TenantID               uuid.UUID
	ProviderID             *uuid.UUID
	Sex                    string
	BirthDate              time.Time
	LastFHIRSync           *time.Time
	DocumentsLastEvaluated *time.Time
}

// MatchableDoc is the engine's view of a document from either source.
type MatchableDoc struct {
	ID        uuid.UUID
	Source    string // "local" or "fhir"
	Date      time.Time
	CreatedAt time.Time
	Text      string
}

// PatientSource feeds patients into refresh passes and receives the
// evaluation stamp back.
type PatientSource interface {
	ListForRefresh(ctx context.Context, tenantID uuid.UUID) ([]PatientView, error)
	// GetForRefresh returns a nil view when the patient does not exist.
	GetForRefresh(ctx context.Context, patientID uuid.UUID) (*PatientView, error)
	StampDocumentsEvaluated(ctx context.Context, patientID uuid.UUID, at time.Time) error
}

// DocumentSource supplies the matchable document set for a patient.
type DocumentSource interface {
	MatchableDocs(ctx context.Context, patientID uuid.UUID) ([]MatchableDoc, error)
	// LatestCreatedAt is the newest created_at across both document tables,
	// nil when the patient has none. Kept separate so the skip check stays
	// cheap.
	LatestCreatedAt(ctx context.Context, patientID uuid.UUID) (*time.Time, error)
}

// ConditionSource supplies active condition names for trigger matching.
type ConditionSource interface {
	ActiveConditionNames(ctx context.Context, patientID uuid.UUID) ([]string, error)
}

// ImmunizationSource resolves the most recent administration among the
// given CVX codes, typically from the EMR.
type ImmunizationSource interface {
	LatestAdministration(ctx context.Context, patient PatientView, cvxCodes []string) (*time.Time, error)
}

// Policy carries the tenant knobs the engine consults.
type Policy struct {
	// OverdueAfterDays past next_due before a due screening becomes
	// overdue; zero folds overdue into due.
	OverdueAfterDays int
	// Location is the tenant's civil timezone for age and date math.
	Location *time.Location
}

// PolicySource loads per-tenant engine policy.
type PolicySource interface {
	Policy(ctx context.Context, tenantID uuid.UUID) (Policy, error)
}
