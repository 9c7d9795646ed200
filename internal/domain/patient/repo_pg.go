package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthprep/healthprep/internal/platform/db"
	"github.com/healthprep/healthprep/internal/platform/scope"
)

// =========== Patient Repository ===========

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const patientCols = `id, tenant_id, provider_id, mrn, epic_patient_id, first_name,
	last_name, birth_date, sex, last_fhir_sync, documents_last_evaluated_at,
	created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.TenantID, &p.ProviderID, &p.MRN, &p.EpicPatientID,
		&p.FirstName, &p.LastName, &p.BirthDate, &p.Sex, &p.LastFHIRSync,
		&p.DocumentsLastEvaluated, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO patient (id, tenant_id, provider_id, mrn, epic_patient_id,
			first_name, last_name, birth_date, sex)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.TenantID, p.ProviderID, p.MRN, p.EpicPatientID,
		p.FirstName, p.LastName, p.BirthDate, p.Sex)
	return err
}

func (r *repoPG) Update(ctx context.Context, p *Patient) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE patient SET provider_id=$2, mrn=$3, epic_patient_id=$4,
			first_name=$5, last_name=$6, birth_date=$7, sex=$8, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.ProviderID, p.MRN, p.EpicPatientID,
		p.FirstName, p.LastName, p.BirthDate, p.Sex)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
}

func (r *repoPG) GetByMRN(ctx context.Context, tenantID uuid.UUID, mrn string) (*Patient, error) {
	return scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE tenant_id = $1 AND mrn = $2`, tenantID, mrn))
}

func (r *repoPG) GetByEpicID(ctx context.Context, tenantID uuid.UUID, epicID string) (*Patient, error) {
	return scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE tenant_id = $1 AND epic_patient_id = $2`, tenantID, epicID))
}

// Delete cascades to conditions, documents, screenings, and appointments
// via schema foreign keys.
func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM patient WHERE id = $1`, id)
	return err
}

func (r *repoPG) List(ctx context.Context, pr scope.Principal, tenantID uuid.UUID, limit, offset int) ([]*Patient, int, error) {
	conn := db.Conn(ctx, r.pool)
	clause, scopeArgs := pr.Predicate("p", 2)
	args := append([]interface{}{tenantID}, scopeArgs...)

	var total int
	if err := conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM patient p WHERE p.tenant_id = $1 AND `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT `+patientCols+` FROM patient p
		WHERE p.tenant_id = $1 AND `+clause+`
		ORDER BY p.last_name, p.first_name
		LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := conn.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func (r *repoPG) ListIDsForTenant(ctx context.Context, tenantID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT id FROM patient WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *repoPG) StampFHIRSync(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE patient SET last_fhir_sync = $2, updated_at = NOW() WHERE id = $1`, id, at)
	return err
}

func (r *repoPG) StampDocumentsEvaluated(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE patient SET documents_last_evaluated_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
	return err
}

// =========== Condition Repository ===========

type conditionRepoPG struct{ pool *pgxpool.Pool }

func NewConditionRepoPG(pool *pgxpool.Pool) ConditionRepository {
	return &conditionRepoPG{pool: pool}
}

const conditionCols = `id, tenant_id, patient_id, name, icd10, active, onset_date,
	source_id, created_at, updated_at`

func scanCondition(row pgx.Row) (*Condition, error) {
	var c Condition
	err := row.Scan(&c.ID, &c.TenantID, &c.PatientID, &c.Name, &c.ICD10,
		&c.Active, &c.OnsetDate, &c.SourceID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Upsert keys synced rows on (patient_id, source_id) so repeated syncs are
// idempotent; manual rows (empty source_id) always insert.
func (r *conditionRepoPG) Upsert(ctx context.Context, c *Condition) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.SourceID == "" {
		_, err := db.Conn(ctx, r.pool).Exec(ctx, `
			INSERT INTO patient_condition (id, tenant_id, patient_id, name, icd10, active, onset_date, source_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			c.ID, c.TenantID, c.PatientID, c.Name, c.ICD10, c.Active, c.OnsetDate, c.SourceID)
		return err
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO patient_condition (id, tenant_id, patient_id, name, icd10, active, onset_date, source_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (patient_id, source_id) WHERE source_id != '' DO UPDATE SET
			name = EXCLUDED.name,
			icd10 = EXCLUDED.icd10,
			active = EXCLUDED.active,
			onset_date = EXCLUDED.onset_date,
			updated_at = NOW()
		RETURNING id`,
		c.ID, c.TenantID, c.PatientID, c.Name, c.ICD10, c.Active, c.OnsetDate, c.SourceID,
	).Scan(&c.ID)
}

func (r *conditionRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Condition, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+conditionCols+` FROM patient_condition WHERE patient_id = $1 ORDER BY name`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Condition
	for rows.Next() {
		c, err := scanCondition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *conditionRepoPG) ActiveNames(ctx context.Context, patientID uuid.UUID) ([]string, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT name FROM patient_condition WHERE patient_id = $1 AND active ORDER BY name`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (r *conditionRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM patient_condition WHERE id = $1`, id)
	return err
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

const apptCols = `id, tenant_id, patient_id, provider_id, scheduled_at, type,
	status, source_id, created_at, updated_at`

func scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.TenantID, &a.PatientID, &a.ProviderID, &a.Scheduled,
		&a.Type, &a.Status, &a.SourceID, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *appointmentRepoPG) Upsert(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.SourceID == "" {
		_, err := db.Conn(ctx, r.pool).Exec(ctx, `
			INSERT INTO appointment (id, tenant_id, patient_id, provider_id, scheduled_at, type, status, source_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			a.ID, a.TenantID, a.PatientID, a.ProviderID, a.Scheduled, a.Type, a.Status, a.SourceID)
		return err
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO appointment (id, tenant_id, patient_id, provider_id, scheduled_at, type, status, source_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (patient_id, source_id) WHERE source_id != '' DO UPDATE SET
			provider_id = EXCLUDED.provider_id,
			scheduled_at = EXCLUDED.scheduled_at,
			type = EXCLUDED.type,
			status = EXCLUDED.status,
			updated_at = NOW()
		RETURNING id`,
		a.ID, a.TenantID, a.PatientID, a.ProviderID, a.Scheduled, a.Type, a.Status, a.SourceID,
	).Scan(&a.ID)
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Appointment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+apptCols+` FROM appointment WHERE patient_id = $1 ORDER BY scheduled_at DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Appointment
	for rows.Next() {
		a, err := scanAppt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *appointmentRepoPG) ListUpcoming(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]*Appointment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+apptCols+` FROM appointment
		WHERE tenant_id = $1 AND scheduled_at >= $2 AND scheduled_at < $3
			AND status NOT IN ('cancelled', 'completed')
		ORDER BY scheduled_at`, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Appointment
	for rows.Next() {
		a, err := scanAppt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *appointmentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM appointment WHERE id = $1`, id)
	return err
}
