// Package emrsync runs the per-patient EMR fetch pipeline: an ordered
// sequence of FHIR reads merged into the local store by source id, followed
// by a screening refresh. Re-running a sync with no EMR changes writes
// nothing new.
package emrsync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthprep/healthprep/internal/domain/documents"
	"github.com/healthprep/healthprep/internal/domain/patient"
	"github.com/healthprep/healthprep/internal/domain/screening"
	"github.com/healthprep/healthprep/internal/platform/errs"
	"github.com/healthprep/healthprep/internal/platform/hipaa"
	"github.com/healthprep/healthprep/pkg/fhirmodels"
)

// Fetcher is the slice of the Epic client the pipeline consumes.
type Fetcher interface {
	GetPatient(ctx context.Context, fhirID string) (*fhirmodels.Patient, json.RawMessage, error)
	SearchConditions(ctx context.Context, patientFHIRID string) ([]fhirmodels.Condition, []json.RawMessage, error)
	SearchObservations(ctx context.Context, patientFHIRID string, since time.Time) ([]fhirmodels.Observation, []json.RawMessage, error)
	SearchDiagnosticReports(ctx context.Context, patientFHIRID string, since time.Time) ([]fhirmodels.DiagnosticReport, []json.RawMessage, error)
	SearchDocumentReferences(ctx context.Context, patientFHIRID string, since time.Time) ([]fhirmodels.DocumentReference, []json.RawMessage, error)
	SearchEncounters(ctx context.Context, patientFHIRID string) ([]fhirmodels.Encounter, []json.RawMessage, error)
	SearchAppointments(ctx context.Context, patientFHIRID string, from, to time.Time) ([]fhirmodels.Appointment, []json.RawMessage, error)
	SearchImmunizations(ctx context.Context, patientFHIRID string) ([]fhirmodels.Immunization, []json.RawMessage, error)
	GetBinary(ctx context.Context, binaryID string) ([]byte, error)
}

// Ingestor runs the document ingest pipeline (OCR, PHI filter, safe title).
type Ingestor interface {
	IngestFHIR(ctx context.Context, in documents.FHIRIngest) (*documents.FHIRDocument, bool, error)
}

// Engine is the screening hand-off after a successful fetch.
type Engine interface {
	Skippable(ctx context.Context, p screening.PatientView, types []*screening.ScreeningType) (bool, error)
	RefreshPatient(ctx context.Context, p screening.PatientView, force bool) (int, error)
}

// Settings supplies the tenant's appointment look-ahead window.
type Settings interface {
	PriorityWindowDays(ctx context.Context, tenantID uuid.UUID) (int, error)
}

// Metrics counts per-patient sync outcomes; nil disables it. Skipped
// patients count as neither.
type Metrics interface {
	PatientSynced()
	PatientSyncFailed()
}

// Auditor is the slice of the HIPAA logger this pipeline needs.
type Auditor interface {
	Log(ctx context.Context, e *hipaa.Entry) error
	Hasher() *hipaa.IdentifierHasher
}

// Syncer orchestrates the ordered fetch sequence for one tenant's roster.
type Syncer struct {
	patients     patient.Repository
	conditions   patient.ConditionRepository
	appointments patient.AppointmentRepository
	fhirDocs     documents.FHIRRepository
	types        screening.TypeRepository
	ingest       Ingestor
	engine       Engine
	settings     Settings
	audit        Auditor
	metrics      Metrics
	log          zerolog.Logger
	now          func() time.Time
}

type Config struct {
	Patients     patient.Repository
	Conditions   patient.ConditionRepository
	Appointments patient.AppointmentRepository
	FHIRDocs     documents.FHIRRepository
	Types        screening.TypeRepository
	Ingest       Ingestor
	Engine       Engine
	Settings     Settings
	Audit        Auditor
	Metrics      Metrics
	Logger       zerolog.Logger
}

func NewSyncer(cfg Config) *Syncer {
	return &Syncer{
		patients:     cfg.Patients,
		conditions:   cfg.Conditions,
		appointments: cfg.Appointments,
		fhirDocs:     cfg.FHIRDocs,
		types:        cfg.Types,
		ingest:       cfg.Ingest,
		engine:       cfg.Engine,
		settings:     cfg.Settings,
		audit:        cfg.Audit,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
		now:          time.Now,
	}
}

// Result summarises one per-patient run.
type Result struct {
	Skipped       bool
	Conditions    int
	Observations  int
	Reports       int
	Documents     int
	Encounters    int
	Appointments  int
	Screenings    int
}

// SyncPatient runs the full fetch sequence for one patient using the given
// client, then hands the patient to the screening engine. providerID, when
// non-nil, marks a clinician-context run: upserted rows inherit it.
func (s *Syncer) SyncPatient(ctx context.Context, client Fetcher, patientID uuid.UUID, providerID *uuid.UUID, force bool) (Result, error) {
	res, err := s.syncPatient(ctx, client, patientID, providerID, force)
	if s.metrics != nil && !res.Skipped {
		if err != nil {
			s.metrics.PatientSyncFailed()
		} else {
			s.metrics.PatientSynced()
		}
	}
	return res, err
}

func (s *Syncer) syncPatient(ctx context.Context, client Fetcher, patientID uuid.UUID, providerID *uuid.UUID, force bool) (Result, error) {
	var res Result

	p, err := s.patients.GetByID(ctx, patientID)
	if err != nil {
		return res, err
	}
	if p == nil {
		return res, errs.Ef(errs.KindNotFound, "patient %s", patientID)
	}
	if p.EpicPatientID == "" {
		return res, errs.Ef(errs.KindConflict, "patient %s has no epic id", patientID)
	}

	types, err := s.types.ListActiveForTenant(ctx, p.TenantID)
	if err != nil {
		return res, err
	}

	// Preflight: a settled patient costs zero FHIR calls.
	if !force {
		skip, err := s.engine.Skippable(ctx, toView(p), types)
		if err != nil {
			return res, err
		}
		if skip {
			res.Skipped = true
			return res, nil
		}
	}

	// 1. Demographics.
	if err := s.syncDemographics(ctx, client, p, providerID); err != nil {
		return res, err
	}

	// 2. Problem list.
	if res.Conditions, err = s.syncConditions(ctx, client, p); err != nil {
		return res, err
	}

	cutoff := documentCutoff(types, s.now())

	// 3. Screening-relevant labs.
	if res.Observations, err = s.syncObservations(ctx, client, p, providerID, types, cutoff); err != nil {
		return res, err
	}

	// 4. Imaging reports.
	if res.Reports, err = s.syncDiagnosticReports(ctx, client, p, providerID, cutoff); err != nil {
		return res, err
	}

	// 5. Document attachments.
	if res.Documents, err = s.syncDocumentReferences(ctx, client, p, providerID, cutoff); err != nil {
		return res, err
	}

	// 6. Visit history.
	if res.Encounters, err = s.syncEncounters(ctx, client, p, providerID); err != nil {
		return res, err
	}

	// 7. Upcoming appointments.
	if res.Appointments, err = s.syncAppointments(ctx, client, p, providerID); err != nil {
		return res, err
	}

	if err := s.patients.StampFHIRSync(ctx, p.ID, s.now()); err != nil {
		return res, fmt.Errorf("stamp fhir sync: %w", err)
	}

	view := toView(p)
	view.ProviderID = effectiveProvider(p.ProviderID, providerID)
	stamp := s.now()
	view.LastFHIRSync = &stamp
	if res.Screenings, err = s.engine.RefreshPatient(ctx, view, true); err != nil {
		return res, fmt.Errorf("screening refresh: %w", err)
	}

	s.auditSynced(ctx, p, res)
	return res, nil
}

// SyncRoster runs SyncPatient over a patient set with per-patient error
// isolation: one failing patient never poisons the batch, but auth and
// rate-limit errors abort because every later patient would hit them too.
// report, when non-nil, is called after each patient.
func (s *Syncer) SyncRoster(ctx context.Context, client Fetcher, patientIDs []uuid.UUID, providerID *uuid.UUID, force bool, report func(done, failed int)) (int, int, error) {
	done, failed := 0, 0
	for _, id := range patientIDs {
		if err := ctx.Err(); err != nil {
			return done, failed, err
		}
		if _, err := s.SyncPatient(ctx, client, id, providerID, force); err != nil {
			switch errs.KindOf(err) {
			case errs.KindAuthRequired, errs.KindReauthRequired, errs.KindRateLimitExceeded:
				return done, failed, err
			}
			failed++
			s.log.Warn().Err(err).Str("patient", id.String()).Msg("patient sync failed")
		} else {
			done++
		}
		if report != nil {
			report(done, failed)
		}
	}
	return done, failed, nil
}

func (s *Syncer) syncDemographics(ctx context.Context, client Fetcher, p *patient.Patient, providerID *uuid.UUID) error {
	remote, _, err := client.GetPatient(ctx, p.EpicPatientID)
	if err != nil {
		return fmt.Errorf("fetch demographics: %w", err)
	}

	changed := false
	if len(remote.Name) > 0 {
		if fam := remote.Name[0].Family; fam != "" && fam != p.LastName {
			p.LastName = fam
			changed = true
		}
		if len(remote.Name[0].Given) > 0 && remote.Name[0].Given[0] != p.FirstName {
			p.FirstName = remote.Name[0].Given[0]
			changed = true
		}
	}
	if remote.Gender != "" && remote.Gender != p.Sex {
		p.Sex = remote.Gender
		changed = true
	}
	if remote.BirthDate != "" {
		if dob, err := time.Parse("2006-01-02", remote.BirthDate); err == nil && !dob.Equal(p.BirthDate) {
			p.BirthDate = dob
			changed = true
		}
	}
	if providerID != nil && p.ProviderID == nil {
		p.ProviderID = providerID
		changed = true
	}
	if !changed {
		return nil
	}
	return s.patients.Update(ctx, p)
}

func (s *Syncer) syncConditions(ctx context.Context, client Fetcher, p *patient.Patient) (int, error) {
	remote, _, err := client.SearchConditions(ctx, p.EpicPatientID)
	if err != nil {
		return 0, fmt.Errorf("fetch conditions: %w", err)
	}
	n := 0
	for _, rc := range remote {
		name := rc.Code.Text
		if name == "" {
			for _, coding := range rc.Code.Coding {
				if coding.Display != "" {
					name = coding.Display
					break
				}
			}
		}
		if name == "" {
			continue
		}
		cond := &patient.Condition{
			TenantID:  p.TenantID,
			PatientID: p.ID,
			Name:      name,
			ICD10:     rc.Code.FirstCode("http://hl7.org/fhir/sid/icd-10-cm"),
			Active:    rc.IsActive(),
			SourceID:  rc.ID,
		}
		if rc.OnsetDateTime != "" {
			if onset, err := time.Parse("2006-01-02", rc.OnsetDateTime[:min(len(rc.OnsetDateTime), 10)]); err == nil {
				cond.OnsetDate = &onset
			}
		}
		if err := s.conditions.Upsert(ctx, cond); err != nil {
			return n, fmt.Errorf("upsert condition: %w", err)
		}
		n++
	}
	return n, nil
}

// syncObservations stores lab results as matchable documents, but only the
// ones a screening type's keywords reference.
func (s *Syncer) syncObservations(ctx context.Context, client Fetcher, p *patient.Patient, providerID *uuid.UUID, types []*screening.ScreeningType, cutoff time.Time) (int, error) {
	remote, _, err := client.SearchObservations(ctx, p.EpicPatientID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("fetch observations: %w", err)
	}
	n := 0
	for _, o := range remote {
		label := o.Code.Text
		if label == "" {
			for _, coding := range o.Code.Coding {
				if coding.Display != "" {
					label = coding.Display
					break
				}
			}
		}
		if label == "" || !relevantToScreening(label, types) {
			continue
		}

		text := label
		if o.ValueQuantity != nil {
			text = fmt.Sprintf("%s %g %s", label, o.ValueQuantity.Value, o.ValueQuantity.Unit)
		} else if o.ValueString != "" {
			text = label + " " + o.ValueString
		}

		created, err := s.ingestText(ctx, p, providerID, "obs-"+o.ID,
			o.Code.FirstCode("http://loinc.org"), "laboratory", o.EffectiveDateTime, text)
		if err != nil {
			return n, err
		}
		if created {
			n++
		}
	}
	return n, nil
}

func (s *Syncer) syncDiagnosticReports(ctx context.Context, client Fetcher, p *patient.Patient, providerID *uuid.UUID, cutoff time.Time) (int, error) {
	remote, _, err := client.SearchDiagnosticReports(ctx, p.EpicPatientID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("fetch diagnostic reports: %w", err)
	}
	n := 0
	for _, r := range remote {
		if !r.HasCategory(fhirmodels.ReportCategoryImaging) {
			continue
		}
		date := r.EffectiveDateTime
		if date == "" {
			date = r.Issued
		}
		created, err := s.ingestText(ctx, p, providerID, "rpt-"+r.ID,
			r.Code.FirstCode("http://loinc.org"), "imaging", date, r.Conclusion)
		if err != nil {
			return n, err
		}
		if created {
			n++
		}
	}
	return n, nil
}

func (s *Syncer) syncDocumentReferences(ctx context.Context, client Fetcher, p *patient.Patient, providerID *uuid.UUID, cutoff time.Time) (int, error) {
	remote, _, err := client.SearchDocumentReferences(ctx, p.EpicPatientID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("fetch document references: %w", err)
	}

	ids := make([]string, 0, len(remote))
	for _, d := range remote {
		ids = append(ids, d.ID)
	}
	known, err := s.fhirDocs.ExistingSourceIDs(ctx, p.ID, ids)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, d := range remote {
		if known[d.ID] || len(d.Content) == 0 {
			continue
		}
		att := d.Content[0].Attachment

		var content []byte
		switch {
		case att.Data != "":
			content, err = base64.StdEncoding.DecodeString(att.Data)
			if err != nil {
				s.log.Warn().Str("document", d.ID).Msg("bad inline attachment encoding")
				continue
			}
		case att.URL != "":
			content, err = client.GetBinary(ctx, binaryID(att.URL))
			if err != nil {
				if !errs.Retryable(err) {
					s.log.Warn().Err(err).Str("document", d.ID).Msg("attachment download failed")
					continue
				}
				return n, fmt.Errorf("download attachment %s: %w", d.ID, err)
			}
		default:
			continue
		}

		docDate := parseFHIRDate(d.Date, s.now())
		_, created, err := s.ingest.IngestFHIR(ctx, documents.FHIRIngest{
			TenantID:     p.TenantID,
			PatientID:    p.ID,
			ProviderID:   effectiveProvider(p.ProviderID, providerID),
			SourceID:     d.ID,
			ContentType:  att.ContentType,
			DocumentDate: docDate,
			LOINCCode:    d.LOINCCode(),
			CategoryCode: d.CategoryCode(),
			Content:      content,
			PatientMRN:   p.MRN,
		})
		if err != nil {
			if errs.Is(err, errs.KindOCRFailed) {
				s.log.Warn().Err(err).Str("document", d.ID).Msg("attachment extraction failed")
				continue
			}
			return n, err
		}
		if created {
			n++
		}
	}
	return n, nil
}

// syncEncounters folds completed visits into the appointment history under
// a distinct source-id namespace.
func (s *Syncer) syncEncounters(ctx context.Context, client Fetcher, p *patient.Patient, providerID *uuid.UUID) (int, error) {
	remote, _, err := client.SearchEncounters(ctx, p.EpicPatientID)
	if err != nil {
		return 0, fmt.Errorf("fetch encounters: %w", err)
	}
	n := 0
	for _, e := range remote {
		if e.Period == nil || e.Period.Start == "" {
			continue
		}
		visitType := e.Class.Display
		if visitType == "" && len(e.Type) > 0 {
			visitType = e.Type[0].Text
		}
		appt := &patient.Appointment{
			TenantID:   p.TenantID,
			PatientID:  p.ID,
			ProviderID: effectiveProvider(p.ProviderID, providerID),
			Scheduled:  parseFHIRDate(e.Period.Start, s.now()),
			Type:       visitType,
			Status:     patient.ApptCompleted,
			SourceID:   "enc-" + e.ID,
		}
		if err := s.appointments.Upsert(ctx, appt); err != nil {
			return n, fmt.Errorf("upsert encounter: %w", err)
		}
		n++
	}
	return n, nil
}

func (s *Syncer) syncAppointments(ctx context.Context, client Fetcher, p *patient.Patient, providerID *uuid.UUID) (int, error) {
	window, err := s.settings.PriorityWindowDays(ctx, p.TenantID)
	if err != nil {
		return 0, err
	}
	from := s.now()
	to := from.AddDate(0, 0, window)

	remote, _, err := client.SearchAppointments(ctx, p.EpicPatientID, from, to)
	if err != nil {
		return 0, fmt.Errorf("fetch appointments: %w", err)
	}
	n := 0
	for _, a := range remote {
		status, ok := appointmentStatus(a.Status)
		if !ok || a.Start == "" {
			continue
		}
		appt := &patient.Appointment{
			TenantID:   p.TenantID,
			PatientID:  p.ID,
			ProviderID: effectiveProvider(p.ProviderID, providerID),
			Scheduled:  parseFHIRDate(a.Start, s.now()),
			Type:       a.AppointmentType.Text,
			Status:     status,
			SourceID:   a.ID,
		}
		if err := s.appointments.Upsert(ctx, appt); err != nil {
			return n, fmt.Errorf("upsert appointment: %w", err)
		}
		n++
	}
	return n, nil
}

func (s *Syncer) ingestText(ctx context.Context, p *patient.Patient, providerID *uuid.UUID, sourceID, loinc, category, date, text string) (bool, error) {
	if strings.TrimSpace(text) == "" {
		return false, nil
	}
	_, created, err := s.ingest.IngestFHIR(ctx, documents.FHIRIngest{
		TenantID:     p.TenantID,
		PatientID:    p.ID,
		ProviderID:   effectiveProvider(p.ProviderID, providerID),
		SourceID:     sourceID,
		ContentType:  "text/plain",
		DocumentDate: parseFHIRDate(date, s.now()),
		LOINCCode:    loinc,
		CategoryCode: category,
		Content:      []byte(text),
		PatientMRN:   p.MRN,
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *Syncer) auditSynced(ctx context.Context, p *patient.Patient, res Result) {
	if s.audit == nil {
		return
	}
	id := p.ID
	entry := &hipaa.Entry{
		TenantID:     p.TenantID,
		EventType:    hipaa.EventPatientSynced,
		ResourceType: "patient",
		ResourceID:   &id,
		PatientHash:  s.audit.Hasher().Hash(p.MRN),
		Data: map[string]any{
			"conditions":   res.Conditions,
			"observations": res.Observations,
			"reports":      res.Reports,
			"documents":    res.Documents,
			"appointments": res.Appointments,
			"screenings":   res.Screenings,
		},
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.log.Error().Err(err).Msg("audit patient_synced")
	}
}

func toView(p *patient.Patient) screening.PatientView {
	return screening.PatientView{
		ID:                     p.ID,
		TenantID:               p.TenantID,
		ProviderID:             p.ProviderID,
		Sex:                    p.Sex,
		BirthDate:              p.BirthDate,
		LastFHIRSync:           p.LastFHIRSync,
		DocumentsLastEvaluated: p.DocumentsLastEvaluated,
	}
}

func effectiveProvider(owner, contextProvider *uuid.UUID) *uuid.UUID {
	if contextProvider != nil {
		return contextProvider
	}
	return owner
}

// documentCutoff is the frequency-aware look-back: one interval of the
// longest active frequency, floored at twelve months so short-cycle types
// never starve the matcher of history.
func documentCutoff(types []*screening.ScreeningType, now time.Time) time.Time {
	cutoff := now.AddDate(0, -12, 0)
	for _, st := range types {
		var candidate time.Time
		switch st.Frequency.Unit {
		case screening.UnitDays:
			candidate = now.AddDate(0, 0, -st.Frequency.Value)
		case screening.UnitMonths:
			candidate = now.AddDate(0, -st.Frequency.Value, 0)
		case screening.UnitYears:
			candidate = now.AddDate(-st.Frequency.Value, 0, 0)
		default:
			continue
		}
		if candidate.Before(cutoff) {
			cutoff = candidate
		}
	}
	return cutoff
}

// relevantToScreening reports whether any screening type's keyword set
// matches the lab's display label.
func relevantToScreening(label string, types []*screening.ScreeningType) bool {
	for _, st := range types {
		for _, kw := range st.Keywords {
			if screening.KeywordMatch(label, kw) {
				return true
			}
		}
	}
	return false
}

// appointmentStatus maps FHIR appointment statuses into the local set,
// keeping only the prioritization-relevant ones.
func appointmentStatus(fhirStatus string) (string, bool) {
	switch fhirStatus {
	case fhirmodels.AppointmentBooked:
		return patient.ApptBooked, true
	case fhirmodels.AppointmentPending, fhirmodels.AppointmentProposed:
		return patient.ApptPending, true
	case fhirmodels.AppointmentArrived:
		return patient.ApptArrived, true
	default:
		return "", false
	}
}

// binaryID extracts the Binary resource id from an attachment URL, which
// may be absolute or a relative "Binary/xyz" reference.
func binaryID(url string) string {
	if i := strings.LastIndex(url, "Binary/"); i >= 0 {
		return url[i+len("Binary/"):]
	}
	return url
}

func parseFHIRDate(value string, fallback time.Time) time.Time {
	if value == "" {
		return fallback
	}
	if len(value) > 10 {
		if t, err := time.Parse(time.RFC3339, value); err == nil {
			return t
		}
		value = value[:10]
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t
	}
	return fallback
}
