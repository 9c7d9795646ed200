package documents

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthprep/healthprep/internal/platform/errs"
	"github.com/healthprep/healthprep/internal/platform/hipaa"
	"github.com/healthprep/healthprep/internal/platform/ocr"
	"github.com/healthprep/healthprep/internal/platform/phi"
	"github.com/healthprep/healthprep/internal/platform/scope"
)

// Auditor is the slice of the HIPAA logger this service needs.
type Auditor interface {
	Log(ctx context.Context, e *hipaa.Entry) error
	Hasher() *hipaa.IdentifierHasher
}

// Metrics counts pipeline outcomes by document status; nil disables it.
type Metrics interface {
	DocumentProcessed(status string)
}

// Service runs the ingest pipeline: OCR, PHI redaction, safe title, persist,
// audit. Titles never come from EMR free text.
type Service struct {
	local     Repository
	fhir      FHIRRepository
	extractor *ocr.Extractor
	filter    *phi.Filter
	audit     Auditor
	metrics   Metrics
	log       zerolog.Logger
	now       func() time.Time
}

func NewService(local Repository, fhir FHIRRepository, extractor *ocr.Extractor, filter *phi.Filter, audit Auditor, metrics Metrics, log zerolog.Logger) *Service {
	return &Service{
		local:     local,
		fhir:      fhir,
		extractor: extractor,
		filter:    filter,
		audit:     audit,
		metrics:   metrics,
		log:       log,
		now:       time.Now,
	}
}

func (s *Service) countProcessed(status string) {
	if s.metrics != nil {
		s.metrics.DocumentProcessed(status)
	}
}

// FHIRIngest is one EMR attachment handed to the pipeline.
type FHIRIngest struct {
	TenantID     uuid.UUID
	PatientID    uuid.UUID
	ProviderID   *uuid.UUID
	SourceID     string
	ContentType  string
	DocumentDate time.Time
	LOINCCode    string
	CategoryCode string
	Content      []byte
	PatientMRN   string // for the audit hash only
}

// IngestFHIR processes one EMR attachment. It is idempotent on
// (patient, source id): a previously processed document is returned as-is
// with created=false and no new audit entry.
func (s *Service) IngestFHIR(ctx context.Context, in FHIRIngest) (*FHIRDocument, bool, error) {
	if in.SourceID == "" {
		return nil, false, errs.Ef(errs.KindConflict, "source id is required")
	}

	existing, err := s.fhir.GetBySourceID(ctx, in.PatientID, in.SourceID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil && existing.Status == StatusProcessed {
		return existing, false, nil
	}

	doc := &FHIRDocument{
		TenantID:     in.TenantID,
		PatientID:    in.PatientID,
		ProviderID:   in.ProviderID,
		Title:        phi.SafeTitle(in.LOINCCode, in.CategoryCode),
		ContentType:  in.ContentType,
		DocumentDate: in.DocumentDate,
		LOINCCode:    in.LOINCCode,
		CategoryCode: in.CategoryCode,
		SourceID:     in.SourceID,
	}
	if existing != nil {
		doc.ID = existing.ID
	}

	res, redaction, err := s.extract(ctx, in.Content, in.ContentType)
	if err != nil {
		doc.Status = StatusFailed
		if _, uerr := s.fhir.Upsert(ctx, doc); uerr != nil {
			s.log.Error().Err(uerr).Str("source_id", in.SourceID).Msg("persist failed document")
		}
		s.countProcessed(StatusFailed)
		return nil, false, err
	}

	doc.Text = redaction.Text
	doc.Status = StatusProcessed
	doc.OCRMethod = res.Method
	doc.OCRConfidence = res.Confidence
	doc.PageCount = res.Pages

	created, err := s.fhir.Upsert(ctx, doc)
	if err != nil {
		return nil, false, fmt.Errorf("persist fhir document: %w", err)
	}

	if created {
		s.auditProcessed(ctx, doc.TenantID, doc.ID, SourceFHIR, in.PatientMRN, res, redaction)
		s.countProcessed(StatusProcessed)
	}
	return doc, created, nil
}

// LocalUpload is a manually uploaded document.
type LocalUpload struct {
	TenantID     uuid.UUID
	PatientID    uuid.UUID
	ContentType  string
	DocumentDate time.Time
	LOINCCode    string
	CategoryCode string
	SourceID     string
	Content      []byte
	PatientMRN   string
}

// UploadLocal runs the same pipeline for a locally uploaded document.
func (s *Service) UploadLocal(ctx context.Context, pr scope.Principal, in LocalUpload) (*Document, error) {
	if err := pr.CheckTenant(in.TenantID); err != nil {
		return nil, err
	}

	doc := &Document{
		TenantID:     in.TenantID,
		PatientID:    in.PatientID,
		Title:        phi.SafeTitle(in.LOINCCode, in.CategoryCode),
		ContentType:  in.ContentType,
		DocumentDate: in.DocumentDate,
		LOINCCode:    in.LOINCCode,
		CategoryCode: in.CategoryCode,
		SourceID:     in.SourceID,
	}
	if err := doc.Validate(); err != nil {
		return nil, errs.E(errs.KindConflict, err)
	}

	res, redaction, err := s.extract(ctx, in.Content, in.ContentType)
	if err != nil {
		doc.Status = StatusFailed
		if cerr := s.local.Create(ctx, doc); cerr != nil {
			s.log.Error().Err(cerr).Msg("persist failed document")
		}
		s.countProcessed(StatusFailed)
		return nil, err
	}

	doc.Text = redaction.Text
	doc.Status = StatusProcessed
	doc.OCRMethod = res.Method
	doc.OCRConfidence = res.Confidence
	doc.PageCount = res.Pages

	if err := s.local.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("persist document: %w", err)
	}

	s.auditProcessed(ctx, doc.TenantID, doc.ID, SourceLocal, in.PatientMRN, res, redaction)
	s.countProcessed(StatusProcessed)
	return doc, nil
}

// extract runs OCR then PHI redaction. The redacted text is the only text
// the caller ever sees.
func (s *Service) extract(ctx context.Context, content []byte, contentType string) (ocr.Result, phi.Result, error) {
	res, err := s.extractor.Extract(ctx, content, contentType)
	if err != nil {
		return ocr.Result{}, phi.Result{}, err
	}
	return res, s.filter.Redact(res.Text), nil
}

// auditProcessed records what kinds of PHI were redacted, never the PHI.
func (s *Service) auditProcessed(ctx context.Context, tenantID, docID uuid.UUID, source, mrn string, res ocr.Result, redaction phi.Result) {
	if s.audit == nil {
		return
	}
	data := map[string]any{
		"source":         source,
		"ocr_method":     res.Method,
		"ocr_confidence": res.Confidence,
		"pages":          res.Pages,
		"redacted_total": redaction.Total(),
	}
	for category, n := range redaction.Counts {
		data["redacted_"+category] = n
	}
	entry := &hipaa.Entry{
		TenantID:     tenantID,
		EventType:    hipaa.EventDocumentProcessed,
		ResourceType: "document",
		ResourceID:   &docID,
		PatientHash:  s.audit.Hasher().Hash(mrn),
		Data:         data,
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.log.Error().Err(err).Msg("audit document_processed")
	}
}

func (s *Service) Get(ctx context.Context, pr scope.Principal, id uuid.UUID) (*Document, error) {
	d, err := s.local.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errs.Ef(errs.KindNotFound, "document %s", id)
	}
	if err := pr.CheckTenant(d.TenantID); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) List(ctx context.Context, pr scope.Principal, tenantID uuid.UUID, limit, offset int) ([]*Document, int, error) {
	if err := pr.CheckTenant(tenantID); err != nil {
		return nil, 0, err
	}
	return s.local.List(ctx, pr, tenantID, limit, offset)
}

func (s *Service) ListByPatient(ctx context.Context, pr scope.Principal, patientID uuid.UUID) ([]*Document, []*FHIRDocument, error) {
	local, err := s.local.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, nil, err
	}
	fhir, err := s.fhir.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, nil, err
	}
	for _, d := range local {
		if err := pr.CheckTenant(d.TenantID); err != nil {
			return nil, nil, err
		}
	}
	for _, d := range fhir {
		if err := scope.Guard(ctx, s.audit, pr, d.TenantID, d.ProviderID, d.SourceID); err != nil {
			return nil, nil, err
		}
	}
	return local, fhir, nil
}

// Delete removes a local document. Screening matches referencing it are
// weak and drop via the junction's cascade; screenings themselves survive.
func (s *Service) Delete(ctx context.Context, pr scope.Principal, id uuid.UUID) error {
	d, err := s.Get(ctx, pr, id)
	if err != nil {
		return err
	}
	return s.local.Delete(ctx, d.ID)
}
