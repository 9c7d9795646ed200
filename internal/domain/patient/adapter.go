package patient

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthprep/healthprep/internal/domain/screening"
	"github.com/healthprep/healthprep/internal/platform/db"
)

// EngineAdapter feeds roster data to the screening engine.
type EngineAdapter struct {
	pool     *pgxpool.Pool
	patients Repository
}

func NewEngineAdapter(pool *pgxpool.Pool, patients Repository) *EngineAdapter {
	return &EngineAdapter{pool: pool, patients: patients}
}

func toView(p *Patient) *screening.PatientView {
	return &screening.PatientView{
		ID:                     p.ID,
		TenantID:               p.TenantID,
		ProviderID:             p.ProviderID,
		Sex:                    p.Sex,
		BirthDate:              p.BirthDate,
		LastFHIRSync:           p.LastFHIRSync,
		DocumentsLastEvaluated: p.DocumentsLastEvaluated,
	}
}

func (a *EngineAdapter) ListForRefresh(ctx context.Context, tenantID uuid.UUID) ([]screening.PatientView, error) {
	rows, err := db.Conn(ctx, a.pool).Query(ctx, `
		SELECT id, tenant_id, provider_id, sex, birth_date, last_fhir_sync, documents_last_evaluated_at
		FROM patient WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []screening.PatientView
	for rows.Next() {
		var v screening.PatientView
		if err := rows.Scan(&v.ID, &v.TenantID, &v.ProviderID, &v.Sex, &v.BirthDate,
			&v.LastFHIRSync, &v.DocumentsLastEvaluated); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (a *EngineAdapter) GetForRefresh(ctx context.Context, patientID uuid.UUID) (*screening.PatientView, error) {
	p, err := a.patients.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	return toView(p), nil
}

func (a *EngineAdapter) StampDocumentsEvaluated(ctx context.Context, patientID uuid.UUID, at time.Time) error {
	return a.patients.StampDocumentsEvaluated(ctx, patientID, at)
}

// ConditionAdapter exposes active condition names for trigger matching.
type ConditionAdapter struct {
	conditions ConditionRepository
}

func NewConditionAdapter(conditions ConditionRepository) *ConditionAdapter {
	return &ConditionAdapter{conditions: conditions}
}

func (a *ConditionAdapter) ActiveConditionNames(ctx context.Context, patientID uuid.UUID) ([]string, error) {
	return a.conditions.ActiveNames(ctx, patientID)
}
