package epic

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthprep/healthprep/internal/platform/db"
	"github.com/healthprep/healthprep/internal/platform/errs"
)

// callsPerPatientEstimate is the planning figure for one full patient sync:
// demographics, conditions, documents, encounters, and one grab-bag call
// covering observations/appointments/immunizations pagination.
const callsPerPatientEstimate = 5

// Call is one recorded outbound FHIR request. Rows double as the hourly
// rate-limit ledger and as the per-tenant usage report.
type Call struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	ProviderID   *uuid.UUID
	Endpoint     string
	ResourceType string
	StatusCode   int
	DurationMS   int
	Called       time.Time
}

// CallLedger persists outbound calls and answers hourly usage questions.
type CallLedger interface {
	Record(ctx context.Context, call Call) error
	CountSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error)
}

// PGCallLedger stores the ledger in the fhir_api_call table.
type PGCallLedger struct {
	pool *pgxpool.Pool
}

func NewPGCallLedger(pool *pgxpool.Pool) *PGCallLedger {
	return &PGCallLedger{pool: pool}
}

func (l *PGCallLedger) Record(ctx context.Context, call Call) error {
	if call.ID == uuid.Nil {
		call.ID = uuid.New()
	}
	if call.Called.IsZero() {
		call.Called = time.Now().UTC()
	}
	_, err := db.Conn(ctx, l.pool).Exec(ctx, `
		INSERT INTO fhir_api_call (id, tenant_id, provider_id, endpoint, resource_type, status_code, duration_ms, called_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		call.ID, call.TenantID, call.ProviderID, call.Endpoint, call.ResourceType,
		call.StatusCode, call.DurationMS, call.Called,
	)
	if err != nil {
		return fmt.Errorf("record fhir call: %w", err)
	}
	return nil
}

func (l *PGCallLedger) CountSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := db.Conn(ctx, l.pool).QueryRow(ctx, `
		SELECT COUNT(*) FROM fhir_api_call
		WHERE tenant_id = $1 AND called_at >= $2`,
		tenantID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count fhir calls: %w", err)
	}
	return n, nil
}

// RateGate enforces a tenant's hourly cap against the call ledger.
type RateGate struct {
	ledger CallLedger
	now    func() time.Time
}

func NewRateGate(ledger CallLedger) *RateGate {
	return &RateGate{ledger: ledger, now: time.Now}
}

// Allow reports whether one more call fits under the tenant's hourly cap.
// A cap of zero means unlimited.
func (g *RateGate) Allow(ctx context.Context, tenantID uuid.UUID, hourlyCap int) error {
	if hourlyCap <= 0 {
		return nil
	}
	used, err := g.ledger.CountSince(ctx, tenantID, g.now().Add(-time.Hour))
	if err != nil {
		return err
	}
	if used >= hourlyCap {
		return errs.Ef(errs.KindRateLimitExceeded, "tenant %s used %d of %d hourly FHIR calls", tenantID, used, hourlyCap)
	}
	return nil
}

// EstimateSyncCalls is the submit-time planning figure for a batch of
// patients.
func EstimateSyncCalls(patientCount int) int {
	return patientCount * callsPerPatientEstimate
}

// CheckBudget rejects a planned batch that cannot fit in the remaining
// hourly budget, before any work is enqueued.
func (g *RateGate) CheckBudget(ctx context.Context, tenantID uuid.UUID, hourlyCap, patientCount int) error {
	if hourlyCap <= 0 {
		return nil
	}
	used, err := g.ledger.CountSince(ctx, tenantID, g.now().Add(-time.Hour))
	if err != nil {
		return err
	}
	needed := EstimateSyncCalls(patientCount)
	if used+needed > hourlyCap {
		return errs.Ef(errs.KindRateLimitWouldExceed,
			"batch of %d patients needs ~%d FHIR calls; tenant %s has %d of %d remaining",
			patientCount, needed, tenantID, hourlyCap-used, hourlyCap)
	}
	return nil
}
