package documents

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthprep/healthprep/internal/domain/screening"
)

// MatcherAdapter feeds both document streams to the screening matcher as
// one list. Only processed documents with text participate in matching.
type MatcherAdapter struct {
	pool  *pgxpool.Pool
	local Repository
	fhir  FHIRRepository
}

func NewMatcherAdapter(pool *pgxpool.Pool, local Repository, fhir FHIRRepository) *MatcherAdapter {
	return &MatcherAdapter{pool: pool, local: local, fhir: fhir}
}

func (a *MatcherAdapter) MatchableDocs(ctx context.Context, patientID uuid.UUID) ([]screening.MatchableDoc, error) {
	local, err := a.local.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	fhir, err := a.fhir.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}

	out := make([]screening.MatchableDoc, 0, len(local)+len(fhir))
	for _, d := range local {
		if d.Status != StatusProcessed || d.Text == "" {
			continue
		}
		out = append(out, screening.MatchableDoc{
			ID:        d.ID,
			Source:    SourceLocal,
			Date:      d.DocumentDate,
			CreatedAt: d.CreatedAt,
			Text:      d.Title + " " + d.Text,
		})
	}
	for _, d := range fhir {
		if d.Status != StatusProcessed || d.Text == "" {
			continue
		}
		out = append(out, screening.MatchableDoc{
			ID:        d.ID,
			Source:    SourceFHIR,
			Date:      d.DocumentDate,
			CreatedAt: d.CreatedAt,
			Text:      d.Title + " " + d.Text,
		})
	}
	return out, nil
}

func (a *MatcherAdapter) LatestCreatedAt(ctx context.Context, patientID uuid.UUID) (*time.Time, error) {
	if a.pool != nil {
		return LatestCreatedAt(ctx, a.pool, patientID)
	}

	// Pool-less fallback for in-memory setups.
	var latest *time.Time
	bump := func(t time.Time) {
		if latest == nil || t.After(*latest) {
			stamp := t
			latest = &stamp
		}
	}
	local, err := a.local.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	for _, d := range local {
		bump(d.CreatedAt)
	}
	fhir, err := a.fhir.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	for _, d := range fhir {
		bump(d.CreatedAt)
	}
	return latest, nil
}
