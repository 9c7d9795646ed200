package emrsync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthprep/healthprep/internal/domain/documents"
	"github.com/healthprep/healthprep/internal/domain/patient"
	"github.com/healthprep/healthprep/internal/domain/screening"
	"github.com/healthprep/healthprep/internal/platform/errs"
	"github.com/healthprep/healthprep/internal/platform/hipaa"
	"github.com/healthprep/healthprep/internal/platform/scope"
	"github.com/healthprep/healthprep/pkg/fhirmodels"
)

type fakeFetcher struct {
	calls         int
	demographics  map[string]*fhirmodels.Patient
	patientErr    map[string]error
	conditions    []fhirmodels.Condition
	observations  []fhirmodels.Observation
	reports       []fhirmodels.DiagnosticReport
	docRefs       []fhirmodels.DocumentReference
	encounters    []fhirmodels.Encounter
	appointments  []fhirmodels.Appointment
	immunizations []fhirmodels.Immunization
	binaries      map[string][]byte
}

func (f *fakeFetcher) GetPatient(_ context.Context, fhirID string) (*fhirmodels.Patient, json.RawMessage, error) {
	f.calls++
	if err := f.patientErr[fhirID]; err != nil {
		return nil, nil, err
	}
	if p, ok := f.demographics[fhirID]; ok {
		return p, nil, nil
	}
	return &fhirmodels.Patient{ID: fhirID}, nil, nil
}

func (f *fakeFetcher) SearchConditions(context.Context, string) ([]fhirmodels.Condition, []json.RawMessage, error) {
	f.calls++
	return f.conditions, nil, nil
}

func (f *fakeFetcher) SearchObservations(context.Context, string, time.Time) ([]fhirmodels.Observation, []json.RawMessage, error) {
	f.calls++
	return f.observations, nil, nil
}

func (f *fakeFetcher) SearchDiagnosticReports(context.Context, string, time.Time) ([]fhirmodels.DiagnosticReport, []json.RawMessage, error) {
	f.calls++
	return f.reports, nil, nil
}

func (f *fakeFetcher) SearchDocumentReferences(context.Context, string, time.Time) ([]fhirmodels.DocumentReference, []json.RawMessage, error) {
	f.calls++
	return f.docRefs, nil, nil
}

func (f *fakeFetcher) SearchEncounters(context.Context, string) ([]fhirmodels.Encounter, []json.RawMessage, error) {
	f.calls++
	return f.encounters, nil, nil
}

func (f *fakeFetcher) SearchAppointments(context.Context, string, time.Time, time.Time) ([]fhirmodels.Appointment, []json.RawMessage, error) {
	f.calls++
	return f.appointments, nil, nil
}

func (f *fakeFetcher) SearchImmunizations(context.Context, string) ([]fhirmodels.Immunization, []json.RawMessage, error) {
	f.calls++
	return f.immunizations, nil, nil
}

func (f *fakeFetcher) GetBinary(_ context.Context, binaryID string) ([]byte, error) {
	f.calls++
	if b, ok := f.binaries[binaryID]; ok {
		return b, nil
	}
	return nil, errs.Ef(errs.KindPermanent, "binary %s not found", binaryID)
}

type memRoster struct {
	rows map[uuid.UUID]*patient.Patient
}

func newMemRoster() *memRoster { return &memRoster{rows: make(map[uuid.UUID]*patient.Patient)} }

func (m *memRoster) Create(_ context.Context, p *patient.Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := *p
	m.rows[p.ID] = &cp
	return nil
}

func (m *memRoster) Update(_ context.Context, p *patient.Patient) error {
	cp := *p
	m.rows[p.ID] = &cp
	return nil
}

func (m *memRoster) GetByID(_ context.Context, id uuid.UUID) (*patient.Patient, error) {
	p, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memRoster) GetByMRN(_ context.Context, tenantID uuid.UUID, mrn string) (*patient.Patient, error) {
	for _, p := range m.rows {
		if p.TenantID == tenantID && p.MRN == mrn {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memRoster) GetByEpicID(_ context.Context, tenantID uuid.UUID, epicID string) (*patient.Patient, error) {
	for _, p := range m.rows {
		if p.TenantID == tenantID && p.EpicPatientID == epicID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memRoster) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.rows, id)
	return nil
}

func (m *memRoster) List(context.Context, scope.Principal, uuid.UUID, int, int) ([]*patient.Patient, int, error) {
	return nil, 0, nil
}

func (m *memRoster) ListIDsForTenant(_ context.Context, tenantID uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for id, p := range m.rows {
		if p.TenantID == tenantID {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memRoster) StampFHIRSync(_ context.Context, id uuid.UUID, at time.Time) error {
	if p, ok := m.rows[id]; ok {
		p.LastFHIRSync = &at
	}
	return nil
}

func (m *memRoster) StampDocumentsEvaluated(_ context.Context, id uuid.UUID, at time.Time) error {
	if p, ok := m.rows[id]; ok {
		p.DocumentsLastEvaluated = &at
	}
	return nil
}

type memConds struct {
	rows map[string]*patient.Condition
}

func newMemConds() *memConds { return &memConds{rows: make(map[string]*patient.Condition)} }

func (m *memConds) Upsert(_ context.Context, c *patient.Condition) error {
	key := c.PatientID.String() + "|" + c.SourceID
	if prev, ok := m.rows[key]; ok && c.SourceID != "" {
		c.ID = prev.ID
	} else if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	cp := *c
	m.rows[key] = &cp
	return nil
}

func (m *memConds) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*patient.Condition, error) {
	var out []*patient.Condition
	for _, c := range m.rows {
		if c.PatientID == patientID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memConds) ActiveNames(_ context.Context, patientID uuid.UUID) ([]string, error) {
	var out []string
	for _, c := range m.rows {
		if c.PatientID == patientID && c.Active {
			out = append(out, c.Name)
		}
	}
	return out, nil
}

func (m *memConds) Delete(_ context.Context, id uuid.UUID) error {
	for k, c := range m.rows {
		if c.ID == id {
			delete(m.rows, k)
		}
	}
	return nil
}

type memAppts struct {
	rows map[string]*patient.Appointment
}

func newMemAppts() *memAppts { return &memAppts{rows: make(map[string]*patient.Appointment)} }

func (m *memAppts) Upsert(_ context.Context, a *patient.Appointment) error {
	key := a.PatientID.String() + "|" + a.SourceID
	if prev, ok := m.rows[key]; ok && a.SourceID != "" {
		a.ID = prev.ID
	} else if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cp := *a
	m.rows[key] = &cp
	return nil
}

func (m *memAppts) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*patient.Appointment, error) {
	var out []*patient.Appointment
	for _, a := range m.rows {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAppts) ListUpcoming(context.Context, uuid.UUID, time.Time, time.Time) ([]*patient.Appointment, error) {
	return nil, nil
}

func (m *memAppts) Delete(_ context.Context, id uuid.UUID) error {
	for k, a := range m.rows {
		if a.ID == id {
			delete(m.rows, k)
		}
	}
	return nil
}

type memDocs struct {
	rows map[string]*documents.FHIRDocument
}

func newMemDocs() *memDocs { return &memDocs{rows: make(map[string]*documents.FHIRDocument)} }

func docKey(patientID uuid.UUID, sourceID string) string {
	return patientID.String() + "|" + sourceID
}

func (m *memDocs) Upsert(_ context.Context, d *documents.FHIRDocument) (bool, error) {
	key := docKey(d.PatientID, d.SourceID)
	prev, ok := m.rows[key]
	if ok {
		d.ID = prev.ID
		d.CreatedAt = prev.CreatedAt
	} else if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	cp := *d
	m.rows[key] = &cp
	return !ok, nil
}

func (m *memDocs) GetByID(_ context.Context, id uuid.UUID) (*documents.FHIRDocument, error) {
	for _, d := range m.rows {
		if d.ID == id {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memDocs) GetBySourceID(_ context.Context, patientID uuid.UUID, sourceID string) (*documents.FHIRDocument, error) {
	d, ok := m.rows[docKey(patientID, sourceID)]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *memDocs) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*documents.FHIRDocument, error) {
	var out []*documents.FHIRDocument
	for _, d := range m.rows {
		if d.PatientID == patientID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memDocs) ExistingSourceIDs(_ context.Context, patientID uuid.UUID, sourceIDs []string) (map[string]bool, error) {
	known := make(map[string]bool)
	for _, sid := range sourceIDs {
		if _, ok := m.rows[docKey(patientID, sid)]; ok {
			known[sid] = true
		}
	}
	return known, nil
}

func (m *memDocs) Delete(_ context.Context, id uuid.UUID) error {
	for k, d := range m.rows {
		if d.ID == id {
			delete(m.rows, k)
		}
	}
	return nil
}

// fakeIngest mimics the document pipeline's idempotency: a processed row
// short-circuits, everything else lands as processed text.
type fakeIngest struct {
	store       *memDocs
	failSources map[string]error
	calls       int
}

func (f *fakeIngest) IngestFHIR(ctx context.Context, in documents.FHIRIngest) (*documents.FHIRDocument, bool, error) {
	f.calls++
	if err := f.failSources[in.SourceID]; err != nil {
		return nil, false, err
	}
	if existing, _ := f.store.GetBySourceID(ctx, in.PatientID, in.SourceID); existing != nil && existing.Status == documents.StatusProcessed {
		return existing, false, nil
	}
	doc := &documents.FHIRDocument{
		TenantID:     in.TenantID,
		PatientID:    in.PatientID,
		ProviderID:   in.ProviderID,
		Title:        "Document",
		ContentType:  in.ContentType,
		DocumentDate: in.DocumentDate,
		Text:         string(in.Content),
		LOINCCode:    in.LOINCCode,
		CategoryCode: in.CategoryCode,
		SourceID:     in.SourceID,
		Status:       documents.StatusProcessed,
	}
	created, err := f.store.Upsert(ctx, doc)
	return doc, created, err
}

type stubTypes struct {
	list []*screening.ScreeningType
}

func (s *stubTypes) Create(context.Context, *screening.ScreeningType) error { return nil }
func (s *stubTypes) Update(context.Context, *screening.ScreeningType) error { return nil }
func (s *stubTypes) GetByID(context.Context, uuid.UUID) (*screening.ScreeningType, error) {
	return nil, nil
}
func (s *stubTypes) Delete(context.Context, uuid.UUID) error { return nil }
func (s *stubTypes) ListActiveForTenant(context.Context, uuid.UUID) ([]*screening.ScreeningType, error) {
	return s.list, nil
}
func (s *stubTypes) List(context.Context, uuid.UUID, int, int) ([]*screening.ScreeningType, int, error) {
	return s.list, len(s.list), nil
}

type fakeEngine struct {
	skippable    bool
	skipCalls    int
	refreshCalls int
	lastForce    bool
	lastView     screening.PatientView
	screenings   int
}

func (e *fakeEngine) Skippable(context.Context, screening.PatientView, []*screening.ScreeningType) (bool, error) {
	e.skipCalls++
	return e.skippable, nil
}

func (e *fakeEngine) RefreshPatient(_ context.Context, view screening.PatientView, force bool) (int, error) {
	e.refreshCalls++
	e.lastForce = force
	e.lastView = view
	return e.screenings, nil
}

type fixedSettings struct{ days int }

func (s fixedSettings) PriorityWindowDays(context.Context, uuid.UUID) (int, error) {
	return s.days, nil
}

type syncAudit struct {
	entries []*hipaa.Entry
	hasher  *hipaa.IdentifierHasher
}

func (a *syncAudit) Log(_ context.Context, e *hipaa.Entry) error {
	a.entries = append(a.entries, e)
	return nil
}

func (a *syncAudit) Hasher() *hipaa.IdentifierHasher { return a.hasher }

type syncHarness struct {
	syncer *Syncer
	roster *memRoster
	conds  *memConds
	appts  *memAppts
	docs   *memDocs
	ingest *fakeIngest
	engine *fakeEngine
	audit  *syncAudit
	types  *stubTypes
}

func newSyncHarness() *syncHarness {
	h := &syncHarness{
		roster: newMemRoster(),
		conds:  newMemConds(),
		appts:  newMemAppts(),
		docs:   newMemDocs(),
		engine: &fakeEngine{screenings: 3},
		audit:  &syncAudit{hasher: hipaa.NewIdentifierHasher("test-salt")},
		types:  &stubTypes{},
	}
	h.ingest = &fakeIngest{store: h.docs}
	h.syncer = NewSyncer(Config{
		Patients:     h.roster,
		Conditions:   h.conds,
		Appointments: h.appts,
		FHIRDocs:     h.docs,
		Types:        h.types,
		Ingest:       h.ingest,
		Engine:       h.engine,
		Settings:     fixedSettings{days: 14},
		Audit:        h.audit,
		Logger:       zerolog.Nop(),
	})
	return h
}

func (h *syncHarness) seedPatient(tenantID uuid.UUID, epicID string) *patient.Patient {
	p := &patient.Patient{
		TenantID:      tenantID,
		MRN:           "MRN-" + epicID,
		EpicPatientID: epicID,
		FirstName:     "Ana",
		LastName:      "Rivera",
		Sex:           patient.SexFemale,
		BirthDate:     time.Date(1970, 3, 14, 0, 0, 0, 0, time.UTC),
	}
	_ = h.roster.Create(context.Background(), p)
	return p
}

func mammogramType() *screening.ScreeningType {
	return &screening.ScreeningType{
		ID:            uuid.New(),
		Name:          "Mammogram",
		Keywords:      []string{"mammogram"},
		EligibleSexes: screening.SexFemale,
		Frequency:     screening.Frequency{Value: 2, Unit: screening.UnitYears},
		Category:      screening.CategoryGeneral,
		Active:        true,
	}
}

func fullFetcher(epicID string) *fakeFetcher {
	return &fakeFetcher{
		demographics: map[string]*fhirmodels.Patient{
			epicID: {
				ID:        epicID,
				Name:      []fhirmodels.HumanName{{Family: "Rivera-Santos", Given: []string{"Ana"}}},
				Gender:    fhirmodels.GenderFemale,
				BirthDate: "1970-03-14",
			},
		},
		conditions: []fhirmodels.Condition{{
			ID: "c1",
			ClinicalStatus: fhirmodels.CodeableConcept{
				Coding: []fhirmodels.Coding{{Code: fhirmodels.ConditionActive}},
			},
			Code: fhirmodels.CodeableConcept{
				Text:   "Type 2 diabetes mellitus",
				Coding: []fhirmodels.Coding{{System: "http://hl7.org/fhir/sid/icd-10-cm", Code: "E11.9"}},
			},
			OnsetDateTime: "2019-05-01",
		}},
		observations: []fhirmodels.Observation{
			{
				ID:                "o1",
				Code:              fhirmodels.CodeableConcept{Text: "Screening mammogram"},
				EffectiveDateTime: "2026-01-05",
				ValueString:       "BI-RADS 1",
			},
			{
				ID:                "o2",
				Code:              fhirmodels.CodeableConcept{Text: "Hemoglobin A1c"},
				EffectiveDateTime: "2026-01-05",
				ValueQuantity:     &fhirmodels.Quantity{Value: 6.1, Unit: "%"},
			},
		},
		reports: []fhirmodels.DiagnosticReport{
			{
				ID: "r1",
				Category: []fhirmodels.CodeableConcept{{
					Coding: []fhirmodels.Coding{{Code: fhirmodels.ReportCategoryImaging}},
				}},
				Code:              fhirmodels.CodeableConcept{Text: "Mammogram"},
				EffectiveDateTime: "2026-01-10",
				Conclusion:        "No evidence of malignancy.",
			},
			{
				ID: "r2",
				Category: []fhirmodels.CodeableConcept{{
					Coding: []fhirmodels.Coding{{Code: fhirmodels.ReportCategoryLaboratory}},
				}},
				Code:       fhirmodels.CodeableConcept{Text: "CBC panel"},
				Conclusion: "Within normal limits.",
			},
		},
		docRefs: []fhirmodels.DocumentReference{{
			ID:   "d1",
			Date: "2026-02-01",
			Type: fhirmodels.CodeableConcept{
				Coding: []fhirmodels.Coding{{System: "http://loinc.org", Code: "24606-6"}},
			},
			Content: []fhirmodels.DocumentReferenceContent{{
				Attachment: fhirmodels.Attachment{
					ContentType: "text/plain",
					Data:        base64.StdEncoding.EncodeToString([]byte("Screening mammogram performed, impression benign.")),
				},
			}},
		}},
		encounters: []fhirmodels.Encounter{{
			ID:     "e1",
			Class:  fhirmodels.Coding{Display: "ambulatory"},
			Period: &fhirmodels.Period{Start: "2025-11-03"},
		}},
		appointments: []fhirmodels.Appointment{
			{
				ID:              "a1",
				Status:          fhirmodels.AppointmentBooked,
				Start:           "2026-09-01T09:00:00Z",
				AppointmentType: fhirmodels.CodeableConcept{Text: "Annual physical"},
			},
			{
				ID:     "a2",
				Status: fhirmodels.AppointmentCancelled,
				Start:  "2026-09-02T09:00:00Z",
			},
		},
	}
}

func TestSyncPatient_FullPipeline(t *testing.T) {
	h := newSyncHarness()
	h.types.list = []*screening.ScreeningType{mammogramType()}
	p := h.seedPatient(uuid.New(), "epic-1")
	fetcher := fullFetcher("epic-1")

	res, err := h.syncer.SyncPatient(context.Background(), fetcher, p.ID, nil, false)
	if err != nil {
		t.Fatal(err)
	}

	want := Result{Conditions: 1, Observations: 1, Reports: 1, Documents: 1, Encounters: 1, Appointments: 1, Screenings: 3}
	if res != want {
		t.Errorf("result = %+v, want %+v", res, want)
	}

	// Demographics diff applied.
	stored, _ := h.roster.GetByID(context.Background(), p.ID)
	if stored.LastName != "Rivera-Santos" {
		t.Errorf("last name = %q", stored.LastName)
	}
	if stored.LastFHIRSync == nil {
		t.Error("last fhir sync not stamped")
	}

	// Cancelled appointment dropped, booked one kept; encounter folded in.
	appts, _ := h.appts.ListByPatient(context.Background(), p.ID)
	if len(appts) != 2 {
		t.Fatalf("appointments = %d, want 2", len(appts))
	}
	for _, a := range appts {
		if a.SourceID == "enc-e1" && a.Status != patient.ApptCompleted {
			t.Errorf("encounter status = %q", a.Status)
		}
		if a.SourceID == "a1" && a.Status != patient.ApptBooked {
			t.Errorf("appointment status = %q", a.Status)
		}
	}

	// Irrelevant lab (no keyword match) never lands as a document.
	if doc, _ := h.docs.GetBySourceID(context.Background(), p.ID, "obs-o2"); doc != nil {
		t.Error("irrelevant observation was stored")
	}
	if doc, _ := h.docs.GetBySourceID(context.Background(), p.ID, "obs-o1"); doc == nil {
		t.Error("relevant observation missing")
	}

	// Non-imaging report skipped.
	if doc, _ := h.docs.GetBySourceID(context.Background(), p.ID, "rpt-r2"); doc != nil {
		t.Error("laboratory report was stored")
	}

	if !h.engine.lastForce {
		t.Error("post-sync refresh must force evaluation")
	}
	if h.engine.lastView.LastFHIRSync == nil {
		t.Error("refresh view missing the fresh sync stamp")
	}

	var synced int
	for _, e := range h.audit.entries {
		if e.EventType == hipaa.EventPatientSynced {
			synced++
			if e.PatientHash == "" {
				t.Error("patient_synced entry missing MRN hash")
			}
			if e.Data["documents"] != 1 {
				t.Errorf("audit documents = %v", e.Data["documents"])
			}
		}
	}
	if synced != 1 {
		t.Errorf("patient_synced entries = %d", synced)
	}
}

func TestSyncPatient_RerunWritesNothingNew(t *testing.T) {
	h := newSyncHarness()
	h.types.list = []*screening.ScreeningType{mammogramType()}
	p := h.seedPatient(uuid.New(), "epic-1")
	fetcher := fullFetcher("epic-1")

	if _, err := h.syncer.SyncPatient(context.Background(), fetcher, p.ID, nil, false); err != nil {
		t.Fatal(err)
	}
	docsAfterFirst := len(h.docs.rows)
	condsAfterFirst := len(h.conds.rows)
	apptsAfterFirst := len(h.appts.rows)

	res, err := h.syncer.SyncPatient(context.Background(), fetcher, p.ID, nil, true)
	if err != nil {
		t.Fatal(err)
	}

	if res.Documents != 0 || res.Observations != 0 || res.Reports != 0 {
		t.Errorf("rerun created documents: %+v", res)
	}
	if len(h.docs.rows) != docsAfterFirst {
		t.Errorf("document rows %d -> %d", docsAfterFirst, len(h.docs.rows))
	}
	if len(h.conds.rows) != condsAfterFirst {
		t.Errorf("condition rows %d -> %d", condsAfterFirst, len(h.conds.rows))
	}
	if len(h.appts.rows) != apptsAfterFirst {
		t.Errorf("appointment rows %d -> %d", apptsAfterFirst, len(h.appts.rows))
	}
}

func TestSyncPatient_PreflightSkipCostsNoFetch(t *testing.T) {
	h := newSyncHarness()
	h.engine.skippable = true
	p := h.seedPatient(uuid.New(), "epic-1")
	fetcher := fullFetcher("epic-1")

	res, err := h.syncer.SyncPatient(context.Background(), fetcher, p.ID, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Error("expected skip")
	}
	if fetcher.calls != 0 {
		t.Errorf("skip made %d FHIR calls", fetcher.calls)
	}
	if h.engine.refreshCalls != 0 {
		t.Error("skip must not refresh")
	}
}

func TestSyncPatient_ForceBypassesPreflight(t *testing.T) {
	h := newSyncHarness()
	h.engine.skippable = true
	p := h.seedPatient(uuid.New(), "epic-1")
	fetcher := fullFetcher("epic-1")

	res, err := h.syncer.SyncPatient(context.Background(), fetcher, p.ID, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped {
		t.Error("force must not skip")
	}
	if h.engine.skipCalls != 0 {
		t.Error("force must not consult the preflight")
	}
	if fetcher.calls == 0 {
		t.Error("force made no FHIR calls")
	}
}

func TestSyncPatient_ProviderContextInheritance(t *testing.T) {
	h := newSyncHarness()
	h.types.list = []*screening.ScreeningType{mammogramType()}
	p := h.seedPatient(uuid.New(), "epic-1")
	providerID := uuid.New()

	if _, err := h.syncer.SyncPatient(context.Background(), fullFetcher("epic-1"), p.ID, &providerID, true); err != nil {
		t.Fatal(err)
	}

	stored, _ := h.roster.GetByID(context.Background(), p.ID)
	if stored.ProviderID == nil || *stored.ProviderID != providerID {
		t.Error("unassigned patient must inherit the syncing provider")
	}
	appts, _ := h.appts.ListByPatient(context.Background(), p.ID)
	for _, a := range appts {
		if a.ProviderID == nil || *a.ProviderID != providerID {
			t.Errorf("appointment %s missing provider context", a.SourceID)
		}
	}
}

func TestSyncPatient_NoEpicID(t *testing.T) {
	h := newSyncHarness()
	p := h.seedPatient(uuid.New(), "")

	_, err := h.syncer.SyncPatient(context.Background(), fullFetcher("epic-1"), p.ID, nil, true)
	if !errs.Is(err, errs.KindConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestSyncPatient_ExtractionFailureSkipsDocument(t *testing.T) {
	h := newSyncHarness()
	h.types.list = []*screening.ScreeningType{mammogramType()}
	h.ingest.failSources = map[string]error{"d1": errs.Ef(errs.KindOCRFailed, "no text layer")}
	p := h.seedPatient(uuid.New(), "epic-1")

	res, err := h.syncer.SyncPatient(context.Background(), fullFetcher("epic-1"), p.ID, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Documents != 0 {
		t.Errorf("documents = %d", res.Documents)
	}
	// The rest of the pipeline still ran.
	if res.Appointments != 1 || res.Conditions != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestSyncRoster_IsolatesFailures(t *testing.T) {
	h := newSyncHarness()
	tenantID := uuid.New()
	p1 := h.seedPatient(tenantID, "epic-1")
	p2 := h.seedPatient(tenantID, "epic-2")
	p3 := h.seedPatient(tenantID, "epic-3")

	fetcher := fullFetcher("epic-1")
	fetcher.patientErr = map[string]error{"epic-2": errs.Ef(errs.KindTransient, "gateway timeout")}

	var reports int
	done, failed, err := h.syncer.SyncRoster(context.Background(), fetcher,
		[]uuid.UUID{p1.ID, p2.ID, p3.ID}, nil, true, func(int, int) { reports++ })
	if err != nil {
		t.Fatal(err)
	}
	if done != 2 || failed != 1 {
		t.Errorf("done=%d failed=%d", done, failed)
	}
	if reports != 3 {
		t.Errorf("progress reports = %d", reports)
	}
}

func TestSyncRoster_AuthFailureAborts(t *testing.T) {
	h := newSyncHarness()
	tenantID := uuid.New()
	p1 := h.seedPatient(tenantID, "epic-1")
	p2 := h.seedPatient(tenantID, "epic-2")
	p3 := h.seedPatient(tenantID, "epic-3")

	fetcher := fullFetcher("epic-1")
	fetcher.patientErr = map[string]error{"epic-2": errs.Ef(errs.KindReauthRequired, "refresh token revoked")}

	done, failed, err := h.syncer.SyncRoster(context.Background(), fetcher,
		[]uuid.UUID{p1.ID, p2.ID, p3.ID}, nil, true, nil)
	if !errs.Is(err, errs.KindReauthRequired) {
		t.Fatalf("expected reauth abort, got %v", err)
	}
	if done != 1 || failed != 0 {
		t.Errorf("done=%d failed=%d", done, failed)
	}
	if _, ok := h.roster.rows[p3.ID]; !ok {
		t.Fatal("p3 missing from roster")
	}
	if h.roster.rows[p3.ID].LastFHIRSync != nil {
		t.Error("patient after the abort point must not be synced")
	}
}

func TestDocumentCutoff(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// Short cycles floor at twelve months.
	short := []*screening.ScreeningType{{Frequency: screening.Frequency{Value: 90, Unit: screening.UnitDays}}}
	if got := documentCutoff(short, now); !got.Equal(now.AddDate(0, -12, 0)) {
		t.Errorf("short cutoff = %v", got)
	}

	// The longest frequency wins.
	long := []*screening.ScreeningType{
		{Frequency: screening.Frequency{Value: 2, Unit: screening.UnitYears}},
		{Frequency: screening.Frequency{Value: 10, Unit: screening.UnitYears}},
	}
	if got := documentCutoff(long, now); !got.Equal(now.AddDate(-10, 0, 0)) {
		t.Errorf("long cutoff = %v", got)
	}
}

type stubClients struct{ f Fetcher }

func (s stubClients) ClientFor(context.Context, uuid.UUID, *uuid.UUID) (Fetcher, error) {
	return s.f, nil
}

func TestImmunizationAdapter_LatestCompleted(t *testing.T) {
	roster := newMemRoster()
	p := &patient.Patient{
		TenantID:      uuid.New(),
		MRN:           "MRN-1",
		EpicPatientID: "epic-1",
		Sex:           patient.SexFemale,
		BirthDate:     time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	_ = roster.Create(context.Background(), p)

	cvx := func(code string) fhirmodels.CodeableConcept {
		return fhirmodels.CodeableConcept{Coding: []fhirmodels.Coding{{System: "http://hl7.org/fhir/sid/cvx", Code: code}}}
	}
	fetcher := &fakeFetcher{immunizations: []fhirmodels.Immunization{
		{ID: "i1", Status: fhirmodels.ImmunizationCompleted, VaccineCode: cvx("140"), OccurrenceDateTime: "2023-10-01"},
		{ID: "i2", Status: fhirmodels.ImmunizationCompleted, VaccineCode: cvx("140"), OccurrenceDateTime: "2024-10-01T10:00:00Z"},
		{ID: "i3", Status: fhirmodels.ImmunizationNotDone, VaccineCode: cvx("140"), OccurrenceDateTime: "2025-01-01"},
		{ID: "i4", Status: fhirmodels.ImmunizationCompleted, VaccineCode: cvx("08"), OccurrenceDateTime: "2025-06-01"},
	}}
	adapter := NewImmunizationAdapter(roster, stubClients{f: fetcher})

	view := screening.PatientView{ID: p.ID, TenantID: p.TenantID}
	latest, err := adapter.LatestAdministration(context.Background(), view, []string{"140"})
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil {
		t.Fatal("expected an administration")
	}
	if latest.Year() != 2024 || latest.Month() != time.October {
		t.Errorf("latest = %v", latest)
	}

	// No EMR link means no history.
	unlinked := &patient.Patient{TenantID: p.TenantID, MRN: "MRN-2", Sex: patient.SexMale, BirthDate: p.BirthDate}
	_ = roster.Create(context.Background(), unlinked)
	latest, err = adapter.LatestAdministration(context.Background(), screening.PatientView{ID: unlinked.ID}, []string{"140"})
	if err != nil {
		t.Fatal(err)
	}
	if latest != nil {
		t.Errorf("unlinked patient returned %v", latest)
	}
	if fetcher.calls != 1 {
		t.Errorf("unlinked lookup hit the EMR: calls = %d", fetcher.calls)
	}
}
