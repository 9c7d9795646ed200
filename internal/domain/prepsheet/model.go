// Package prepsheet compiles per-patient preparation sheets: outstanding
// screenings grouped by status, recent clinical documents within the
// tenant's recency cut-offs, and upcoming appointments. Sheets render to
// HTML and can be written back to the EMR as DocumentReference resources.
package prepsheet

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/healthprep/healthprep/internal/domain/screening"
)

// LOINC code for a prep-sheet DocumentReference: Provider-unspecified
// progress note.
const WritebackLOINC = "11506-3"

// Document recency buckets.
const (
	BucketLab      = "lab"
	BucketImaging  = "imaging"
	BucketConsult  = "consult"
	BucketHospital = "hospital"
)

// Policy carries the tenant's prep-sheet knobs: per-category recency
// cut-offs in months and the write-back mode.
type Policy struct {
	LabCutoffMonths      int
	ImagingCutoffMonths  int
	ConsultCutoffMonths  int
	HospitalCutoffMonths int
	DryRunWriteback      bool
	Location             *time.Location
}

// Demographics is the safe subset of patient fields that appears on a
// sheet. No address, no contact details.
type Demographics struct {
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	MRN       string    `json:"mrn"`
	Sex       string    `json:"sex"`
	BirthDate time.Time `json:"birth_date"`
	Age       int       `json:"age"`
}

// ScreeningItem is one screening line on the sheet.
type ScreeningItem struct {
	TypeName      string     `json:"type_name"`
	Status        string     `json:"status"`
	LastCompleted *time.Time `json:"last_completed,omitempty"`
	NextDue       *time.Time `json:"next_due,omitempty"`
	Dormant       bool       `json:"dormant,omitempty"`
}

// ScreeningGroup is the sheet's screening section for one status.
type ScreeningGroup struct {
	Status string          `json:"status"`
	Items  []ScreeningItem `json:"items"`
}

// DocumentItem is one recent-document line. Title is always a safe title.
type DocumentItem struct {
	Title    string    `json:"title"`
	Source   string    `json:"source"` // "local" or "fhir"
	Category string    `json:"category"`
	Date     time.Time `json:"date"`
}

// AppointmentItem is one upcoming-appointment line.
type AppointmentItem struct {
	Scheduled time.Time `json:"scheduled_at"`
	Type      string    `json:"type,omitempty"`
	Status    string    `json:"status"`
}

// Sheet is a compiled prep sheet.
type Sheet struct {
	PatientID    uuid.UUID    `json:"patient_id"`
	TenantID     uuid.UUID    `json:"tenant_id"`
	GeneratedAt  time.Time    `json:"generated_at"`
	Demographics Demographics `json:"demographics"`

	Groups               []ScreeningGroup  `json:"screenings"`
	RecentDocuments      []DocumentItem    `json:"recent_documents"`
	UpcomingAppointments []AppointmentItem `json:"upcoming_appointments"`
}

// groupOrder is the display order of screening statuses; most actionable
// first.
var groupOrder = []string{
	screening.StatusOverdue,
	screening.StatusDue,
	screening.StatusDueSoon,
	screening.StatusComplete,
	screening.StatusNotEligible,
	screening.StatusSuperseded,
	screening.StatusUnknown,
}

// Summary is the compact status tally ("2 overdue, 3 due, 1 complete").
func (s *Sheet) Summary() string {
	var parts []string
	for _, g := range s.Groups {
		if len(g.Items) == 0 {
			continue
		}
		switch g.Status {
		case screening.StatusNotEligible, screening.StatusSuperseded, screening.StatusUnknown:
			continue
		}
		parts = append(parts, fmt.Sprintf("%d %s", len(g.Items), strings.ReplaceAll(g.Status, "_", " ")))
	}
	if len(parts) == 0 {
		return "no active screenings"
	}
	return strings.Join(parts, ", ")
}

// SafeTitle is the write-back document title: generation timestamp plus
// the compact summary, nothing else. Patient identifiers never appear.
func (s *Sheet) SafeTitle() string {
	return fmt.Sprintf("Prep Sheet %s (%s)", s.GeneratedAt.Format("2006-01-02 15:04"), s.Summary())
}

// bucketFor classifies a document into a recency bucket by its category
// code, falling back on the LOINC code for discharge summaries.
func bucketFor(categoryCode, loincCode string) string {
	switch strings.ToLower(categoryCode) {
	case "laboratory", "lab":
		return BucketLab
	case "imaging", "radiology":
		return BucketImaging
	case "discharge", "hospital", "inpatient":
		return BucketHospital
	}
	// Discharge summary, discharge note.
	if loincCode == "18842-5" || loincCode == "34105-7" {
		return BucketHospital
	}
	return BucketConsult
}

// cutoffFor resolves the bucket's recency horizon.
func (p Policy) cutoffFor(bucket string, now time.Time) time.Time {
	months := p.ConsultCutoffMonths
	switch bucket {
	case BucketLab:
		months = p.LabCutoffMonths
	case BucketImaging:
		months = p.ImagingCutoffMonths
	case BucketHospital:
		months = p.HospitalCutoffMonths
	}
	return now.AddDate(0, -months, 0)
}
