package prepsheet

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
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

// PolicySource loads the tenant's prep-sheet policy.
type PolicySource interface {
	SheetPolicyFor(ctx context.Context, tenantID uuid.UUID) (Policy, error)
}

// ScreeningSource lists a patient's screening records under provider scope.
type ScreeningSource interface {
	ListForPatient(ctx context.Context, p scope.Principal, patientID uuid.UUID) ([]*screening.Screening, error)
}

// TypeSource resolves screening-type names for display.
type TypeSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*screening.ScreeningType, error)
	ListActiveForTenant(ctx context.Context, tenantID uuid.UUID) ([]*screening.ScreeningType, error)
}

// PatientSource loads the sheet's subject.
type PatientSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
}

// LocalDocSource and FHIRDocSource feed the recent-documents section.
type LocalDocSource interface {
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*documents.Document, error)
}

type FHIRDocSource interface {
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*documents.FHIRDocument, error)
}

// AppointmentSource feeds the upcoming-appointments section.
type AppointmentSource interface {
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*patient.Appointment, error)
}

// Writer posts DocumentReference resources to the EMR. The Epic client
// satisfies it.
type Writer interface {
	CreateDocumentReference(ctx context.Context, doc *fhirmodels.DocumentReference) (string, error)
}

// Renderer converts rendered HTML to the attachment payload, typically
// PDF. A nil renderer falls back to attaching the HTML itself.
type Renderer interface {
	Render(ctx context.Context, html []byte) (content []byte, contentType string, err error)
}

// Auditor is the slice of the HIPAA logger this service needs.
type Auditor interface {
	Log(ctx context.Context, e *hipaa.Entry) error
	Hasher() *hipaa.IdentifierHasher
}

type Service struct {
	patients   PatientSource
	screenings ScreeningSource
	types      TypeSource
	localDocs  LocalDocSource
	fhirDocs   FHIRDocSource
	appts      AppointmentSource
	policies   PolicySource
	renderer   Renderer
	audit      Auditor
	log        zerolog.Logger
	now        func() time.Time
}

type Config struct {
	Patients     PatientSource
	Screenings   ScreeningSource
	Types        TypeSource
	LocalDocs    LocalDocSource
	FHIRDocs     FHIRDocSource
	Appointments AppointmentSource
	Policies     PolicySource
	Renderer     Renderer
	Audit        Auditor
	Logger       zerolog.Logger
}

func NewService(cfg Config) *Service {
	return &Service{
		patients:   cfg.Patients,
		screenings: cfg.Screenings,
		types:      cfg.Types,
		localDocs:  cfg.LocalDocs,
		fhirDocs:   cfg.FHIRDocs,
		appts:      cfg.Appointments,
		policies:   cfg.Policies,
		renderer:   cfg.Renderer,
		audit:      cfg.Audit,
		log:        cfg.Logger,
		now:        time.Now,
	}
}

// Generate compiles the sheet for one patient. Cross-provider access fails
// closed with a security_violation entry.
func (s *Service) Generate(ctx context.Context, pr scope.Principal, patientID uuid.UUID) (*Sheet, error) {
	p, err := s.patients.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errs.Ef(errs.KindNotFound, "patient %s", patientID)
	}
	if err := scope.Guard(ctx, s.audit, pr, p.TenantID, p.ProviderID, p.MRN); err != nil {
		return nil, err
	}

	policy, err := s.policies.SheetPolicyFor(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}
	now := s.now().In(policy.Location)

	sheet := &Sheet{
		PatientID:   p.ID,
		TenantID:    p.TenantID,
		GeneratedAt: now,
		Demographics: Demographics{
			FirstName: p.FirstName,
			LastName:  p.LastName,
			MRN:       p.MRN,
			Sex:       p.Sex,
			BirthDate: p.BirthDate,
			Age:       screening.AgeInYears(p.BirthDate, now),
		},
	}

	if sheet.Groups, err = s.screeningGroups(ctx, pr, p); err != nil {
		return nil, err
	}
	if sheet.RecentDocuments, err = s.recentDocuments(ctx, p.ID, policy, now); err != nil {
		return nil, err
	}
	if sheet.UpcomingAppointments, err = s.upcomingAppointments(ctx, p.ID, now); err != nil {
		return nil, err
	}

	s.auditEvent(ctx, pr, p, hipaa.EventPrepSheetGenerated, map[string]any{
		"screenings":   sheet.screeningCount(),
		"documents":    len(sheet.RecentDocuments),
		"appointments": len(sheet.UpcomingAppointments),
	})
	return sheet, nil
}

func (s *Sheet) screeningCount() int {
	n := 0
	for _, g := range s.Groups {
		n += len(g.Items)
	}
	return n
}

func (s *Service) screeningGroups(ctx context.Context, pr scope.Principal, p *patient.Patient) ([]ScreeningGroup, error) {
	records, err := s.screenings.ListForPatient(ctx, pr, p.ID)
	if err != nil {
		return nil, err
	}

	names := make(map[uuid.UUID]string)
	if active, err := s.types.ListActiveForTenant(ctx, p.TenantID); err == nil {
		for _, st := range active {
			names[st.ID] = st.Name
		}
	}

	byStatus := make(map[string][]ScreeningItem)
	for _, rec := range records {
		name, ok := names[rec.ScreeningTypeID]
		if !ok {
			// Retired type still referenced by an existing record.
			st, err := s.types.GetByID(ctx, rec.ScreeningTypeID)
			if err != nil {
				return nil, err
			}
			if st != nil {
				name = st.Name
			}
			names[rec.ScreeningTypeID] = name
		}
		byStatus[rec.Status] = append(byStatus[rec.Status], ScreeningItem{
			TypeName:      name,
			Status:        rec.Status,
			LastCompleted: rec.LastCompleted,
			NextDue:       rec.NextDue,
			Dormant:       rec.IsDormant,
		})
	}

	var groups []ScreeningGroup
	for _, status := range groupOrder {
		items := byStatus[status]
		if len(items) == 0 {
			continue
		}
		sort.Slice(items, func(i, j int) bool { return items[i].TypeName < items[j].TypeName })
		groups = append(groups, ScreeningGroup{Status: status, Items: items})
	}
	return groups, nil
}

func (s *Service) recentDocuments(ctx context.Context, patientID uuid.UUID, policy Policy, now time.Time) ([]DocumentItem, error) {
	var items []DocumentItem

	add := func(title, source, category, loinc, status string, date time.Time) {
		if status != documents.StatusProcessed {
			return
		}
		bucket := bucketFor(category, loinc)
		if date.Before(policy.cutoffFor(bucket, now)) {
			return
		}
		items = append(items, DocumentItem{Title: title, Source: source, Category: bucket, Date: date})
	}

	local, err := s.localDocs.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	for _, d := range local {
		add(d.Title, documents.SourceLocal, d.CategoryCode, d.LOINCCode, d.Status, d.DocumentDate)
	}

	fhir, err := s.fhirDocs.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	for _, d := range fhir {
		add(d.Title, documents.SourceFHIR, d.CategoryCode, d.LOINCCode, d.Status, d.DocumentDate)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Date.After(items[j].Date) })
	return items, nil
}

func (s *Service) upcomingAppointments(ctx context.Context, patientID uuid.UUID, now time.Time) ([]AppointmentItem, error) {
	appts, err := s.appts.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	var items []AppointmentItem
	for _, a := range appts {
		if a.Scheduled.Before(now) {
			continue
		}
		switch a.Status {
		case patient.ApptCancelled, patient.ApptCompleted:
			continue
		}
		items = append(items, AppointmentItem{Scheduled: a.Scheduled, Type: a.Type, Status: a.Status})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Scheduled.Before(items[j].Scheduled) })
	return items, nil
}

// WriteBack posts the sheet to the EMR as a DocumentReference. In dry-run
// mode the payload is logged and a synthetic id returned; nothing leaves
// the process.
func (s *Service) WriteBack(ctx context.Context, pr scope.Principal, client Writer, sheet *Sheet) (string, error) {
	p, err := s.patients.GetByID(ctx, sheet.PatientID)
	if err != nil {
		return "", err
	}
	if p == nil {
		return "", errs.Ef(errs.KindNotFound, "patient %s", sheet.PatientID)
	}
	if p.EpicPatientID == "" {
		return "", errs.Ef(errs.KindConflict, "patient %s has no epic id", p.ID)
	}
	if err := scope.Guard(ctx, s.audit, pr, p.TenantID, p.ProviderID, p.MRN); err != nil {
		return "", err
	}

	policy, err := s.policies.SheetPolicyFor(ctx, p.TenantID)
	if err != nil {
		return "", err
	}

	html, err := RenderHTML(sheet)
	if err != nil {
		return "", fmt.Errorf("render prep sheet: %w", err)
	}
	content, contentType := html, "text/html"
	if s.renderer != nil {
		if content, contentType, err = s.renderer.Render(ctx, html); err != nil {
			return "", fmt.Errorf("render attachment: %w", err)
		}
	}

	doc := &fhirmodels.DocumentReference{
		Status: "current",
		Type: fhirmodels.CodeableConcept{
			Coding: []fhirmodels.Coding{{System: "http://loinc.org", Code: WritebackLOINC}},
			Text:   "Progress note",
		},
		Subject: fhirmodels.Reference{Reference: "Patient/" + p.EpicPatientID},
		Date:    sheet.GeneratedAt.UTC().Format(time.RFC3339),
		Content: []fhirmodels.DocumentReferenceContent{{
			Attachment: fhirmodels.Attachment{
				ContentType: contentType,
				Data:        base64.StdEncoding.EncodeToString(content),
				Title:       sheet.SafeTitle(),
			},
		}},
	}

	var docRefID string
	if policy.DryRunWriteback {
		docRefID = "dry-run-" + uuid.NewString()
		s.log.Info().
			Str("patient", p.ID.String()).
			Str("content_type", contentType).
			Int("attachment_bytes", len(content)).
			Str("title", sheet.SafeTitle()).
			Msg("dry-run write-back, payload not sent")
	} else {
		docRefID, err = client.CreateDocumentReference(ctx, doc)
		if err != nil {
			return "", fmt.Errorf("post prep sheet: %w", err)
		}
	}

	s.auditEvent(ctx, pr, p, hipaa.EventEpicDocumentWrite, map[string]any{
		"document_reference_id": docRefID,
		"dry_run":               policy.DryRunWriteback,
		"content_type":          contentType,
	})
	return docRefID, nil
}

func (s *Service) auditEvent(ctx context.Context, pr scope.Principal, p *patient.Patient, event string, data map[string]any) {
	if s.audit == nil {
		return
	}
	id := p.ID
	entry := &hipaa.Entry{
		TenantID:     p.TenantID,
		UserID:       pr.UserIDPtr(),
		EventType:    event,
		ResourceType: "patient",
		ResourceID:   &id,
		PatientHash:  s.audit.Hasher().Hash(p.MRN),
		Data:         data,
		IPAddress:    pr.IPAddress,
		SessionID:    pr.SessionID,
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("audit prep sheet")
	}
}
