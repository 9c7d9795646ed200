package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthprep/healthprep/internal/platform/db"
	"github.com/healthprep/healthprep/internal/platform/scope"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepositoryPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const documentCols = `id, tenant_id, patient_id, title, content_type, document_date,
	extracted_text, loinc_code, category_code, source_id, status,
	ocr_method, ocr_confidence, page_count, created_at, updated_at`

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.TenantID, &d.PatientID, &d.Title, &d.ContentType, &d.DocumentDate,
		&d.Text, &d.LOINCCode, &d.CategoryCode, &d.SourceID, &d.Status,
		&d.OCRMethod, &d.OCRConfidence, &d.PageCount, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *repoPG) Create(ctx context.Context, d *Document) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO document (id, tenant_id, patient_id, title, content_type, document_date,
			extracted_text, loinc_code, category_code, source_id, status,
			ocr_method, ocr_confidence, page_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		d.ID, d.TenantID, d.PatientID, d.Title, d.ContentType, d.DocumentDate,
		d.Text, d.LOINCCode, d.CategoryCode, d.SourceID, d.Status,
		d.OCRMethod, d.OCRConfidence, d.PageCount)
	return err
}

func (r *repoPG) Update(ctx context.Context, d *Document) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE document SET title = $2, content_type = $3, document_date = $4,
			extracted_text = $5, loinc_code = $6, category_code = $7, status = $8,
			ocr_method = $9, ocr_confidence = $10, page_count = $11, updated_at = now()
		WHERE id = $1`,
		d.ID, d.Title, d.ContentType, d.DocumentDate,
		d.Text, d.LOINCCode, d.CategoryCode, d.Status,
		d.OCRMethod, d.OCRConfidence, d.PageCount)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Document, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+documentCols+` FROM document WHERE id = $1`, id)
	return scanDocument(row)
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Document, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+documentCols+` FROM document WHERE patient_id = $1 ORDER BY document_date DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *repoPG) List(ctx context.Context, p scope.Principal, tenantID uuid.UUID, limit, offset int) ([]*Document, int, error) {
	clause, args := p.Predicate("d", 2)
	args = append([]any{tenantID}, args...)

	var total int
	countQ := fmt.Sprintf(`
		SELECT count(*) FROM document d
		JOIN patient pt ON pt.id = d.patient_id
		WHERE d.tenant_id = $1 AND %s`, clause)
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf(`
		SELECT %s FROM document d
		JOIN patient pt ON pt.id = d.patient_id
		WHERE d.tenant_id = $1 AND %s
		ORDER BY d.document_date DESC LIMIT %d OFFSET %d`,
		prefixCols(documentCols, "d"), clause, limit, offset)
	rows, err := db.Conn(ctx, r.pool).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM document WHERE id = $1`, id)
	return err
}

type fhirRepoPG struct {
	pool *pgxpool.Pool
}

func NewFHIRRepositoryPG(pool *pgxpool.Pool) FHIRRepository {
	return &fhirRepoPG{pool: pool}
}

const fhirDocumentCols = `id, tenant_id, patient_id, provider_id, title, content_type, document_date,
	extracted_text, loinc_code, category_code, source_id, status,
	ocr_method, ocr_confidence, page_count, created_at, updated_at`

func scanFHIRDocument(row pgx.Row) (*FHIRDocument, error) {
	var d FHIRDocument
	err := row.Scan(&d.ID, &d.TenantID, &d.PatientID, &d.ProviderID, &d.Title, &d.ContentType, &d.DocumentDate,
		&d.Text, &d.LOINCCode, &d.CategoryCode, &d.SourceID, &d.Status,
		&d.OCRMethod, &d.OCRConfidence, &d.PageCount, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Upsert keys on (patient_id, source_id). xmax = 0 distinguishes a fresh
// insert from a conflict update.
func (r *fhirRepoPG) Upsert(ctx context.Context, d *FHIRDocument) (bool, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	var id uuid.UUID
	var created bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO fhir_document (id, tenant_id, patient_id, provider_id, title, content_type,
			document_date, extracted_text, loinc_code, category_code, source_id, status,
			ocr_method, ocr_confidence, page_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (patient_id, source_id) DO UPDATE SET
			title = EXCLUDED.title, content_type = EXCLUDED.content_type,
			document_date = EXCLUDED.document_date, extracted_text = EXCLUDED.extracted_text,
			loinc_code = EXCLUDED.loinc_code, category_code = EXCLUDED.category_code,
			status = EXCLUDED.status, ocr_method = EXCLUDED.ocr_method,
			ocr_confidence = EXCLUDED.ocr_confidence, page_count = EXCLUDED.page_count,
			updated_at = now()
		RETURNING id, (xmax = 0)`,
		d.ID, d.TenantID, d.PatientID, d.ProviderID, d.Title, d.ContentType,
		d.DocumentDate, d.Text, d.LOINCCode, d.CategoryCode, d.SourceID, d.Status,
		d.OCRMethod, d.OCRConfidence, d.PageCount).Scan(&id, &created)
	if err != nil {
		return false, err
	}
	d.ID = id
	return created, nil
}

func (r *fhirRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*FHIRDocument, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+fhirDocumentCols+` FROM fhir_document WHERE id = $1`, id)
	return scanFHIRDocument(row)
}

func (r *fhirRepoPG) GetBySourceID(ctx context.Context, patientID uuid.UUID, sourceID string) (*FHIRDocument, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+fhirDocumentCols+` FROM fhir_document WHERE patient_id = $1 AND source_id = $2`,
		patientID, sourceID)
	return scanFHIRDocument(row)
}

func (r *fhirRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*FHIRDocument, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+fhirDocumentCols+` FROM fhir_document WHERE patient_id = $1 ORDER BY document_date DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*FHIRDocument
	for rows.Next() {
		d, err := scanFHIRDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *fhirRepoPG) ExistingSourceIDs(ctx context.Context, patientID uuid.UUID, sourceIDs []string) (map[string]bool, error) {
	if len(sourceIDs) == 0 {
		return map[string]bool{}, nil
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT source_id FROM fhir_document WHERE patient_id = $1 AND source_id = ANY($2)`,
		patientID, sourceIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool, len(sourceIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (r *fhirRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM fhir_document WHERE id = $1`, id)
	return err
}

// prefixCols rewrites a bare column list with a table alias for joins.
func prefixCols(cols, alias string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// LatestCreatedAt is the newest created_at across both document tables.
func LatestCreatedAt(ctx context.Context, pool *pgxpool.Pool, patientID uuid.UUID) (*time.Time, error) {
	var latest *time.Time
	err := db.Conn(ctx, pool).QueryRow(ctx, `
		SELECT max(created_at) FROM (
			SELECT created_at FROM document WHERE patient_id = $1
			UNION ALL
			SELECT created_at FROM fhir_document WHERE patient_id = $1
		) AS stamps`, patientID).Scan(&latest)
	if err != nil {
		return nil, err
	}
	return latest, nil
}
