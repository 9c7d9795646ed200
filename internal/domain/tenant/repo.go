package tenant

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, o *Organization) error
	Update(ctx context.Context, o *Organization) error
	GetByID(ctx context.Context, id uuid.UUID) (*Organization, error)
	List(ctx context.Context, status string) ([]*Organization, error)
	// Delete removes the organization row; tenant-owned data cascades via
	// foreign keys. Audit re-parenting happens before this runs.
	Delete(ctx context.Context, id uuid.UUID) error
	// TouchLastSync stamps last_sync_at, and last_full_sync_at when full is
	// set, without touching other settings.
	TouchLastSync(ctx context.Context, id uuid.UUID, full bool) error
}
