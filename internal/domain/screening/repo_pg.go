package screening

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthprep/healthprep/internal/platform/db"
	"github.com/healthprep/healthprep/internal/platform/scope"
)

// =========== ScreeningType Repository ===========

type typeRepoPG struct{ pool *pgxpool.Pool }

func NewTypeRepoPG(pool *pgxpool.Pool) TypeRepository { return &typeRepoPG{pool: pool} }

const typeCols = `id, tenant_id, name, keywords, min_age, max_age, eligible_sexes,
	frequency_value, frequency_unit, trigger_conditions, screening_category,
	base_type_id, is_immunization_based, vaccine_codes, active,
	criteria_signature, criteria_last_changed_at, created_at, updated_at`

func scanType(row pgx.Row) (*ScreeningType, error) {
	var st ScreeningType
	err := row.Scan(&st.ID, &st.TenantID, &st.Name, &st.Keywords, &st.MinAge, &st.MaxAge,
		&st.EligibleSexes, &st.Frequency.Value, &st.Frequency.Unit, &st.TriggerConditions,
		&st.Category, &st.BaseTypeID, &st.IsImmunizationBased, &st.VaccineCodes,
		&st.Active, &st.CriteriaSignature, &st.CriteriaLastChanged, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *typeRepoPG) Create(ctx context.Context, st *ScreeningType) error {
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO screening_type (id, tenant_id, name, keywords, min_age, max_age,
			eligible_sexes, frequency_value, frequency_unit, trigger_conditions,
			screening_category, base_type_id, is_immunization_based, vaccine_codes,
			active, criteria_signature, criteria_last_changed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		st.ID, st.TenantID, st.Name, st.Keywords, st.MinAge, st.MaxAge,
		st.EligibleSexes, st.Frequency.Value, st.Frequency.Unit, st.TriggerConditions,
		st.Category, st.BaseTypeID, st.IsImmunizationBased, st.VaccineCodes,
		st.Active, st.CriteriaSignature, st.CriteriaLastChanged)
	return err
}

func (r *typeRepoPG) Update(ctx context.Context, st *ScreeningType) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE screening_type SET name=$2, keywords=$3, min_age=$4, max_age=$5,
			eligible_sexes=$6, frequency_value=$7, frequency_unit=$8,
			trigger_conditions=$9, screening_category=$10, base_type_id=$11,
			is_immunization_based=$12, vaccine_codes=$13, active=$14,
			criteria_signature=$15, criteria_last_changed_at=$16, updated_at=NOW()
		WHERE id = $1`,
		st.ID, st.Name, st.Keywords, st.MinAge, st.MaxAge,
		st.EligibleSexes, st.Frequency.Value, st.Frequency.Unit,
		st.TriggerConditions, st.Category, st.BaseTypeID,
		st.IsImmunizationBased, st.VaccineCodes, st.Active,
		st.CriteriaSignature, st.CriteriaLastChanged)
	return err
}

func (r *typeRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ScreeningType, error) {
	return scanType(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+typeCols+` FROM screening_type WHERE id = $1`, id))
}

func (r *typeRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM screening_type WHERE id = $1`, id)
	return err
}

func (r *typeRepoPG) ListActiveForTenant(ctx context.Context, tenantID uuid.UUID) ([]*ScreeningType, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+typeCols+` FROM screening_type
		WHERE active AND (tenant_id = $1 OR tenant_id IS NULL)
		ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ScreeningType
	for rows.Next() {
		st, err := scanType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (r *typeRepoPG) List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*ScreeningType, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `
		SELECT COUNT(*) FROM screening_type WHERE tenant_id = $1 OR tenant_id IS NULL`,
		tenantID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn.Query(ctx, `
		SELECT `+typeCols+` FROM screening_type
		WHERE tenant_id = $1 OR tenant_id IS NULL
		ORDER BY name LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*ScreeningType
	for rows.Next() {
		st, err := scanType(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, st)
	}
	return out, total, rows.Err()
}

// =========== Screening Repository ===========

type screeningRepoPG struct{ pool *pgxpool.Pool }

func NewScreeningRepoPG(pool *pgxpool.Pool) Repository { return &screeningRepoPG{pool: pool} }

const screeningCols = `id, tenant_id, patient_id, screening_type_id, provider_id,
	status, last_completed, next_due, is_dormant, requires_vaccine_codes,
	last_processed, created_at, updated_at`

func scanScreening(row pgx.Row) (*Screening, error) {
	var s Screening
	err := row.Scan(&s.ID, &s.TenantID, &s.PatientID, &s.ScreeningTypeID, &s.ProviderID,
		&s.Status, &s.LastCompleted, &s.NextDue, &s.IsDormant, &s.RequiresVaccineCodes,
		&s.LastProcessed, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *screeningRepoPG) GetByPatientAndType(ctx context.Context, patientID, typeID uuid.UUID) (*Screening, error) {
	return scanScreening(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+screeningCols+` FROM screening WHERE patient_id = $1 AND screening_type_id = $2`,
		patientID, typeID))
}

func (r *screeningRepoPG) CountForPatient(ctx context.Context, patientID uuid.UUID) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM screening WHERE patient_id = $1`, patientID).Scan(&n)
	return n, err
}

// Upsert relies on the (patient_id, screening_type_id) unique constraint
// so concurrent workers converge on one row.
func (r *screeningRepoPG) Upsert(ctx context.Context, s *Screening) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO screening (id, tenant_id, patient_id, screening_type_id, provider_id,
			status, last_completed, next_due, is_dormant, requires_vaccine_codes, last_processed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (patient_id, screening_type_id) DO UPDATE SET
			provider_id = EXCLUDED.provider_id,
			status = EXCLUDED.status,
			last_completed = EXCLUDED.last_completed,
			next_due = EXCLUDED.next_due,
			is_dormant = EXCLUDED.is_dormant,
			requires_vaccine_codes = EXCLUDED.requires_vaccine_codes,
			last_processed = EXCLUDED.last_processed,
			updated_at = NOW()
		RETURNING id`,
		s.ID, s.TenantID, s.PatientID, s.ScreeningTypeID, s.ProviderID,
		s.Status, s.LastCompleted, s.NextDue, s.IsDormant, s.RequiresVaccineCodes,
		s.LastProcessed,
	).Scan(&s.ID)
}

func (r *screeningRepoPG) ReplaceMatches(ctx context.Context, screeningID uuid.UUID, docIDs []uuid.UUID) error {
	conn := db.Conn(ctx, r.pool)
	if len(docIDs) == 0 {
		_, err := conn.Exec(ctx,
			`DELETE FROM screening_document WHERE screening_id = $1`, screeningID)
		return err
	}
	if _, err := conn.Exec(ctx, `
		DELETE FROM screening_document
		WHERE screening_id = $1 AND document_id != ALL($2)`,
		screeningID, docIDs); err != nil {
		return err
	}
	for _, docID := range docIDs {
		if _, err := conn.Exec(ctx, `
			INSERT INTO screening_document (screening_id, document_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			screeningID, docID); err != nil {
			return err
		}
	}
	return nil
}

func (r *screeningRepoPG) MatchedDocumentIDs(ctx context.Context, screeningID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT document_id FROM screening_document WHERE screening_id = $1 ORDER BY document_id`,
		screeningID)
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

func (r *screeningRepoPG) ListForPatient(ctx context.Context, p scope.Principal, patientID uuid.UUID) ([]*Screening, error) {
	clause, args := p.Predicate("s", 2)
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+screeningCols+` FROM screening s
		WHERE s.patient_id = $1 AND `+clause+`
		ORDER BY s.next_due NULLS LAST`,
		append([]interface{}{patientID}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Screening
	for rows.Next() {
		s, err := scanScreening(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *screeningRepoPG) ListForTenant(ctx context.Context, p scope.Principal, tenantID uuid.UUID, status string, limit, offset int) ([]*Screening, int, error) {
	conn := db.Conn(ctx, r.pool)
	clause, scopeArgs := p.Predicate("s", 2)

	where := `s.tenant_id = $1 AND ` + clause
	args := append([]interface{}{tenantID}, scopeArgs...)
	if status != "" {
		where += fmt.Sprintf(" AND s.status = $%d", len(args)+1)
		args = append(args, status)
	}

	var total int
	if err := conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM screening s WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT `+screeningCols+` FROM screening s WHERE `+where+
		` ORDER BY s.next_due NULLS LAST LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := conn.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Screening
	for rows.Next() {
		s, err := scanScreening(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}
