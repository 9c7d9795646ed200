// Package patient holds the roster: patients, their condition lists, and
// their appointments.
package patient

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sex values mirror FHIR administrative gender.
const (
	SexMale    = "male"
	SexFemale  = "female"
	SexOther   = "other"
	SexUnknown = "unknown"
)

// Appointment statuses.
const (
	ApptScheduled = "scheduled"
	ApptBooked    = "booked"
	ApptPending   = "pending"
	ApptArrived   = "arrived"
	ApptCompleted = "completed"
	ApptCancelled = "cancelled"
)

// Patient is one roster entry. MRN is unique within a tenant. A non-nil
// ProviderID places the patient on exactly one clinician's roster.
type Patient struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	ProviderID    *uuid.UUID `json:"provider_id,omitempty"`
	MRN           string     `json:"mrn"`
	EpicPatientID string     `json:"epic_patient_id,omitempty"`
	FirstName     string     `json:"first_name"`
	LastName      string     `json:"last_name"`
	BirthDate     time.Time  `json:"birth_date"`
	Sex           string     `json:"sex"`
	LastFHIRSync  *time.Time `json:"last_fhir_sync,omitempty"`
	// DocumentsLastEvaluated is the selective-refresh stamp: set only when
	// the screening engine actually processed this patient.
	DocumentsLastEvaluated *time.Time `json:"documents_last_evaluated_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

func (p *Patient) Validate() error {
	if strings.TrimSpace(p.MRN) == "" {
		return fmt.Errorf("mrn is required")
	}
	if p.TenantID == uuid.Nil {
		return fmt.Errorf("tenant_id is required")
	}
	switch p.Sex {
	case SexMale, SexFemale, SexOther, SexUnknown:
	default:
		return fmt.Errorf("invalid sex: %s", p.Sex)
	}
	if p.BirthDate.IsZero() {
		return fmt.Errorf("birth_date is required")
	}
	return nil
}

// Condition is one problem-list entry for a patient.
type Condition struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  uuid.UUID  `json:"tenant_id"`
	PatientID uuid.UUID  `json:"patient_id"`
	Name      string     `json:"name"`
	ICD10     string     `json:"icd10,omitempty"`
	Active    bool       `json:"active"`
	OnsetDate *time.Time `json:"onset_date,omitempty"`
	// SourceID is the EMR condition id for synced rows; empty for manual
	// entries.
	SourceID  string    `json:"source_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Appointment is an upcoming or past visit.
type Appointment struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	PatientID  uuid.UUID  `json:"patient_id"`
	ProviderID *uuid.UUID `json:"provider_id,omitempty"`
	Scheduled  time.Time  `json:"scheduled_at"`
	Type       string     `json:"type,omitempty"`
	Status     string     `json:"status"`
	SourceID   string     `json:"source_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

var validApptStatuses = map[string]bool{
	ApptScheduled: true, ApptBooked: true, ApptPending: true,
	ApptArrived: true, ApptCompleted: true, ApptCancelled: true,
}

func (a *Appointment) Validate() error {
	if a.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if a.Scheduled.IsZero() {
		return fmt.Errorf("scheduled_at is required")
	}
	if !validApptStatuses[a.Status] {
		return fmt.Errorf("invalid status: %s", a.Status)
	}
	return nil
}
