package documents

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/healthprep/healthprep/internal/platform/scope"
)

// Repository stores locally uploaded documents.
type Repository interface {
	Create(ctx context.Context, d *Document) error
	Update(ctx context.Context, d *Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Document, error)
	List(ctx context.Context, p scope.Principal, tenantID uuid.UUID, limit, offset int) ([]*Document, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// FHIRRepository stores EMR-sourced documents. Upsert keys on
// (patient_id, source_id) so repeated syncs are idempotent.
type FHIRRepository interface {
	Upsert(ctx context.Context, d *FHIRDocument) (created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*FHIRDocument, error)
	GetBySourceID(ctx context.Context, patientID uuid.UUID, sourceID string) (*FHIRDocument, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*FHIRDocument, error)
	// ExistingSourceIDs filters sourceIDs down to the ones already stored for
	// the patient, so sync can skip downloading known attachments.
	ExistingSourceIDs(ctx context.Context, patientID uuid.UUID, sourceIDs []string) (map[string]bool, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// MatcherView is the union read the screening matcher needs: matchable text
// plus creation stamps across both tables.
type MatcherView interface {
	LatestCreatedAt(ctx context.Context, patientID uuid.UUID) (*time.Time, error)
}
