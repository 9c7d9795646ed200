package documents

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthprep/healthprep/internal/platform/errs"
	"github.com/healthprep/healthprep/internal/platform/hipaa"
	"github.com/healthprep/healthprep/internal/platform/ocr"
	"github.com/healthprep/healthprep/internal/platform/phi"
	"github.com/healthprep/healthprep/internal/platform/scope"
)

type memLocal struct {
	rows map[uuid.UUID]*Document
}

func newMemLocal() *memLocal { return &memLocal{rows: make(map[uuid.UUID]*Document)} }

func (m *memLocal) Create(_ context.Context, d *Document) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	cp := *d
	m.rows[d.ID] = &cp
	return nil
}
func (m *memLocal) Update(_ context.Context, d *Document) error {
	cp := *d
	m.rows[d.ID] = &cp
	return nil
}
func (m *memLocal) GetByID(_ context.Context, id uuid.UUID) (*Document, error) {
	d, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}
func (m *memLocal) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*Document, error) {
	var out []*Document
	for _, d := range m.rows {
		if d.PatientID == patientID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}
func (m *memLocal) List(_ context.Context, _ scope.Principal, tenantID uuid.UUID, _, _ int) ([]*Document, int, error) {
	var out []*Document
	for _, d := range m.rows {
		if d.TenantID == tenantID {
			out = append(out, d)
		}
	}
	return out, len(out), nil
}
func (m *memLocal) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.rows, id)
	return nil
}

type memFHIR struct {
	rows map[string]*FHIRDocument // keyed patient|source
}

func newMemFHIR() *memFHIR { return &memFHIR{rows: make(map[string]*FHIRDocument)} }

func fhirKey(patientID uuid.UUID, sourceID string) string {
	return patientID.String() + "|" + sourceID
}

func (m *memFHIR) Upsert(_ context.Context, d *FHIRDocument) (bool, error) {
	key := fhirKey(d.PatientID, d.SourceID)
	prior, exists := m.rows[key]
	if exists {
		d.ID = prior.ID
		d.CreatedAt = prior.CreatedAt
	} else {
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = time.Now()
		}
	}
	cp := *d
	m.rows[key] = &cp
	return !exists, nil
}
func (m *memFHIR) GetByID(_ context.Context, id uuid.UUID) (*FHIRDocument, error) {
	for _, d := range m.rows {
		if d.ID == id {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}
func (m *memFHIR) GetBySourceID(_ context.Context, patientID uuid.UUID, sourceID string) (*FHIRDocument, error) {
	d, ok := m.rows[fhirKey(patientID, sourceID)]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}
func (m *memFHIR) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*FHIRDocument, error) {
	var out []*FHIRDocument
	for _, d := range m.rows {
		if d.PatientID == patientID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}
func (m *memFHIR) ExistingSourceIDs(_ context.Context, patientID uuid.UUID, sourceIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, id := range sourceIDs {
		if _, ok := m.rows[fhirKey(patientID, id)]; ok {
			out[id] = true
		}
	}
	return out, nil
}
func (m *memFHIR) Delete(_ context.Context, id uuid.UUID) error {
	for key, d := range m.rows {
		if d.ID == id {
			delete(m.rows, key)
		}
	}
	return nil
}

type captureAudit struct {
	entries []*hipaa.Entry
	hasher  *hipaa.IdentifierHasher
}

func newCaptureAudit() *captureAudit {
	return &captureAudit{hasher: hipaa.NewIdentifierHasher("test-salt")}
}

func (a *captureAudit) Log(_ context.Context, e *hipaa.Entry) error {
	a.entries = append(a.entries, e)
	return nil
}
func (a *captureAudit) Hasher() *hipaa.IdentifierHasher { return a.hasher }

func (a *captureAudit) countType(eventType string) int {
	n := 0
	for _, e := range a.entries {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type harness struct {
	svc   *Service
	local *memLocal
	fhir  *memFHIR
	audit *captureAudit
}

func newHarness() *harness {
	local := newMemLocal()
	fhir := newMemFHIR()
	audit := newCaptureAudit()
	svc := NewService(local, fhir, ocr.NewExtractor(nil), phi.NewFilter(false), audit, nil, zerolog.Nop())
	return &harness{svc: svc, local: local, fhir: fhir, audit: audit}
}

func textIngest(tenantID, patientID uuid.UUID, sourceID, text string) FHIRIngest {
	return FHIRIngest{
		TenantID:     tenantID,
		PatientID:    patientID,
		SourceID:     sourceID,
		ContentType:  "text/plain",
		DocumentDate: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		LOINCCode:    "24606-6",
		Content:      []byte(text),
		PatientMRN:   "MRN-9",
	}
}

func TestIngestFHIR_RedactsAndTitles(t *testing.T) {
	h := newHarness()
	tenant, patient := uuid.New(), uuid.New()

	doc, created, err := h.svc.IngestFHIR(context.Background(),
		textIngest(tenant, patient, "epic-1", "Screening mammogram normal. Call 555-867-5309 with questions."))
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first ingest should create")
	}
	if doc.Title != "Mammogram Report" {
		t.Errorf("title = %q, want structured-code title", doc.Title)
	}
	if !phi.ContainsToken(doc.Text, phi.CategoryPhone) {
		t.Errorf("phone number survived redaction: %q", doc.Text)
	}
	if doc.Status != StatusProcessed {
		t.Errorf("status = %q", doc.Status)
	}
	if doc.OCRMethod != ocr.MethodText {
		t.Errorf("method = %q", doc.OCRMethod)
	}
	if got := h.audit.countType(hipaa.EventDocumentProcessed); got != 1 {
		t.Errorf("document_processed events = %d, want 1", got)
	}
}

func TestIngestFHIR_IdempotentBySourceID(t *testing.T) {
	h := newHarness()
	tenant, patient := uuid.New(), uuid.New()
	in := textIngest(tenant, patient, "epic-1", "Colonoscopy performed, no polyps.")

	first, _, err := h.svc.IngestFHIR(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	second, created, err := h.svc.IngestFHIR(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("re-ingest must not create a new row")
	}
	if second.ID != first.ID {
		t.Error("re-ingest must return the stored row")
	}
	if len(h.fhir.rows) != 1 {
		t.Errorf("rows = %d, want 1", len(h.fhir.rows))
	}
	if got := h.audit.countType(hipaa.EventDocumentProcessed); got != 1 {
		t.Errorf("document_processed events = %d, want exactly 1", got)
	}
}

func TestIngestFHIR_OCRFailurePersistsFailedRow(t *testing.T) {
	h := newHarness()
	tenant, patient := uuid.New(), uuid.New()
	in := textIngest(tenant, patient, "epic-2", "")
	in.ContentType = "image/png" // no raster engine configured
	in.Content = []byte{0x89, 0x50}

	_, _, err := h.svc.IngestFHIR(context.Background(), in)
	if !errs.Is(err, errs.KindOCRFailed) {
		t.Fatalf("expected ocr_failed, got %v", err)
	}

	stored, _ := h.fhir.GetBySourceID(context.Background(), patient, "epic-2")
	if stored == nil || stored.Status != StatusFailed {
		t.Errorf("failed ingest should leave a failed row, got %+v", stored)
	}
	if got := h.audit.countType(hipaa.EventDocumentProcessed); got != 0 {
		t.Errorf("failed ingest must not audit document_processed, got %d", got)
	}
}

func TestIngestFHIR_FailedRowRetriedNextSync(t *testing.T) {
	h := newHarness()
	tenant, patient := uuid.New(), uuid.New()

	bad := textIngest(tenant, patient, "epic-3", "")
	bad.ContentType = "image/png"
	if _, _, err := h.svc.IngestFHIR(context.Background(), bad); err == nil {
		t.Fatal("expected failure")
	}

	good := textIngest(tenant, patient, "epic-3", "DEXA scan, T-score -1.1")
	doc, created, err := h.svc.IngestFHIR(context.Background(), good)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("retry reuses the failed row")
	}
	if doc.Status != StatusProcessed {
		t.Errorf("status = %q after retry", doc.Status)
	}
}

func TestUploadLocal_SafeTitleNeverFreeText(t *testing.T) {
	h := newHarness()
	tenant, patient := uuid.New(), uuid.New()
	pr := scope.Principal{UserID: uuid.New(), TenantID: tenant, Role: scope.RoleAdmin}

	doc, err := h.svc.UploadLocal(context.Background(), pr, LocalUpload{
		TenantID:     tenant,
		PatientID:    patient,
		ContentType:  "text/plain",
		DocumentDate: time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC),
		LOINCCode:    "", // no code known
		CategoryCode: "zzz-unknown",
		Content:      []byte("John Smith mammogram report"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != phi.DefaultTitle {
		t.Errorf("unknown codes must fall back to %q, got %q", phi.DefaultTitle, doc.Title)
	}
	if !phi.IsSafeTitle(doc.Title) {
		t.Errorf("title %q is not from the closed table", doc.Title)
	}
}

func TestUploadLocal_CrossTenantForbidden(t *testing.T) {
	h := newHarness()
	pr := scope.Principal{UserID: uuid.New(), TenantID: uuid.New(), Role: scope.RoleAdmin}

	_, err := h.svc.UploadLocal(context.Background(), pr, LocalUpload{
		TenantID:    uuid.New(),
		PatientID:   uuid.New(),
		ContentType: "text/plain",
		Content:     []byte("x"),
	})
	if !errs.Is(err, errs.KindForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
}

func TestMatcherAdapter_UnionAndLatest(t *testing.T) {
	h := newHarness()
	tenant, patient := uuid.New(), uuid.New()
	adapter := NewMatcherAdapter(nil, h.local, h.fhir)

	earlier := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	if err := h.local.Create(context.Background(), &Document{
		TenantID: tenant, PatientID: patient, ContentType: "text/plain",
		Title: "Laboratory Report", Text: "a1c 6.1", Status: StatusProcessed,
		DocumentDate: earlier, CreatedAt: earlier,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.fhir.Upsert(context.Background(), &FHIRDocument{
		TenantID: tenant, PatientID: patient, SourceID: "epic-9", ContentType: "text/plain",
		Title: "Colonoscopy Report", Text: "no polyps", Status: StatusProcessed,
		DocumentDate: later, CreatedAt: later,
	}); err != nil {
		t.Fatal(err)
	}
	// Failed rows carry no matchable text.
	if _, err := h.fhir.Upsert(context.Background(), &FHIRDocument{
		TenantID: tenant, PatientID: patient, SourceID: "epic-10",
		ContentType: "image/png", Status: StatusFailed, CreatedAt: later,
	}); err != nil {
		t.Fatal(err)
	}

	docs, err := adapter.MatchableDocs(context.Background(), patient)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 {
		t.Fatalf("matchable docs = %d, want 2", len(docs))
	}
	sources := map[string]bool{}
	for _, d := range docs {
		sources[d.Source] = true
	}
	if !sources[SourceLocal] || !sources[SourceFHIR] {
		t.Errorf("expected both streams, got %v", sources)
	}

	latest, err := adapter.LatestCreatedAt(context.Background(), patient)
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || !latest.Equal(later) {
		t.Errorf("latest = %v, want %v", latest, later)
	}
}
