package tenant

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthprep/healthprep/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepositoryPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const orgCols = `id, name, display_name, status, epic_client_id, epic_client_secret, fhir_base_url, sandbox,
	dry_run_writeback, async_enabled, fhir_hourly_cap, max_concurrent_jobs, max_batch_size, job_ceiling_seconds,
	overdue_after_days, timezone, priority_window_days, phi_logging_level,
	lab_cutoff_months, imaging_cutoff_months, consult_cutoff_months, hospital_cutoff_months,
	last_sync_at, last_full_sync_at, created_at, updated_at`

func scanOrg(row pgx.Row) (*Organization, error) {
	var o Organization
	err := row.Scan(&o.ID, &o.Name, &o.DisplayName, &o.Status, &o.EpicClientID, &o.EpicClientSecret, &o.FHIRBaseURL, &o.Sandbox,
		&o.DryRunWriteback, &o.AsyncEnabled, &o.FHIRHourlyCap, &o.MaxConcurrentJobs, &o.MaxBatchSize, &o.JobCeilingSeconds,
		&o.OverdueAfterDays, &o.Timezone, &o.PriorityWindowDays, &o.PHILoggingLevel,
		&o.LabCutoffMonths, &o.ImagingCutoffMonths, &o.ConsultCutoffMonths, &o.HospitalCutoffMonths,
		&o.LastSyncAt, &o.LastFullSyncAt, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *repoPG) Create(ctx context.Context, o *Organization) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO tenant (id, name, display_name, status, epic_client_id, epic_client_secret, fhir_base_url, sandbox,
			dry_run_writeback, async_enabled, fhir_hourly_cap, max_concurrent_jobs, max_batch_size, job_ceiling_seconds,
			overdue_after_days, timezone, priority_window_days, phi_logging_level,
			lab_cutoff_months, imaging_cutoff_months, consult_cutoff_months, hospital_cutoff_months)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		o.ID, o.Name, o.DisplayName, o.Status, o.EpicClientID, o.EpicClientSecret, o.FHIRBaseURL, o.Sandbox,
		o.DryRunWriteback, o.AsyncEnabled, o.FHIRHourlyCap, o.MaxConcurrentJobs, o.MaxBatchSize, o.JobCeilingSeconds,
		o.OverdueAfterDays, o.Timezone, o.PriorityWindowDays, o.PHILoggingLevel,
		o.LabCutoffMonths, o.ImagingCutoffMonths, o.ConsultCutoffMonths, o.HospitalCutoffMonths)
	return err
}

func (r *repoPG) Update(ctx context.Context, o *Organization) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE tenant SET name = $2, display_name = $3, status = $4, epic_client_id = $5,
			epic_client_secret = $6, fhir_base_url = $7, sandbox = $8, dry_run_writeback = $9,
			async_enabled = $10, fhir_hourly_cap = $11, max_concurrent_jobs = $12,
			max_batch_size = $13, job_ceiling_seconds = $14,
			overdue_after_days = $15, timezone = $16, priority_window_days = $17, phi_logging_level = $18,
			lab_cutoff_months = $19, imaging_cutoff_months = $20, consult_cutoff_months = $21,
			hospital_cutoff_months = $22, updated_at = now()
		WHERE id = $1`,
		o.ID, o.Name, o.DisplayName, o.Status, o.EpicClientID,
		o.EpicClientSecret, o.FHIRBaseURL, o.Sandbox, o.DryRunWriteback,
		o.AsyncEnabled, o.FHIRHourlyCap, o.MaxConcurrentJobs,
		o.MaxBatchSize, o.JobCeilingSeconds,
		o.OverdueAfterDays, o.Timezone, o.PriorityWindowDays, o.PHILoggingLevel,
		o.LabCutoffMonths, o.ImagingCutoffMonths, o.ConsultCutoffMonths,
		o.HospitalCutoffMonths)
	return err
}

// TouchLastSync is deliberately not part of Update: the stamps are written
// only when a sync actually ran.
func (r *repoPG) TouchLastSync(ctx context.Context, id uuid.UUID, full bool) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE tenant SET last_sync_at = NOW(),
			last_full_sync_at = CASE WHEN $2 THEN NOW() ELSE last_full_sync_at END,
			updated_at = NOW()
		WHERE id = $1`, id, full)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Organization, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+orgCols+` FROM tenant WHERE id = $1`, id)
	return scanOrg(row)
}

func (r *repoPG) List(ctx context.Context, status string) ([]*Organization, error) {
	q := `SELECT ` + orgCols + ` FROM tenant ORDER BY name`
	args := []any{}
	if status != "" {
		q = `SELECT ` + orgCols + ` FROM tenant WHERE status = $1 ORDER BY name`
		args = append(args, status)
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM tenant WHERE id = $1`, id)
	return err
}
