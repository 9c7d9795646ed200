// Package fhirmodels holds the typed FHIR R4 structures for the handful of
// resource kinds the sync pipeline actually reads. Everything else stays as
// an opaque JSON blob preserved verbatim for audit.
package fhirmodels

import "encoding/json"

// AdministrativeGender codes.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)

// ConditionClinicalStatus codes.
const (
	ConditionActive     = "active"
	ConditionRecurrence = "recurrence"
	ConditionRelapse    = "relapse"
	ConditionInactive   = "inactive"
	ConditionRemission  = "remission"
	ConditionResolved   = "resolved"
)

// AppointmentStatus codes per FHIR R4.
const (
	AppointmentProposed  = "proposed"
	AppointmentPending   = "pending"
	AppointmentBooked    = "booked"
	AppointmentArrived   = "arrived"
	AppointmentFulfilled = "fulfilled"
	AppointmentCancelled = "cancelled"
	AppointmentNoShow    = "noshow"
)

// DiagnosticReport category codes used for the imaging filter.
const (
	ReportCategoryImaging    = "imaging"
	ReportCategoryLaboratory = "laboratory"
)

// ImmunizationStatus codes.
const (
	ImmunizationCompleted  = "completed"
	ImmunizationEnteredErr = "entered-in-error"
	ImmunizationNotDone    = "not-done"
)

// Coding is a single code from a code system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept is a set of codings with optional free text.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// FirstCode returns the first coding's code, preferring the given system.
func (c CodeableConcept) FirstCode(system string) string {
	for _, coding := range c.Coding {
		if system == "" || coding.System == system {
			return coding.Code
		}
	}
	if len(c.Coding) > 0 {
		return c.Coding[0].Code
	}
	return ""
}

// Reference points at another resource ("Patient/abc").
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Identifier carries a business identifier such as an MRN.
type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
}

// HumanName is a patient or practitioner name.
type HumanName struct {
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Attachment is inline or referenced binary content.
type Attachment struct {
	ContentType string `json:"contentType,omitempty"`
	Data        string `json:"data,omitempty"` // inline base64
	URL         string `json:"url,omitempty"`  // Binary reference
	Title       string `json:"title,omitempty"`
}

// Patient is the demographics subset HealthPrep consumes.
type Patient struct {
	ID         string       `json:"id"`
	Identifier []Identifier `json:"identifier,omitempty"`
	Name       []HumanName  `json:"name,omitempty"`
	Gender     string       `json:"gender,omitempty"`
	BirthDate  string       `json:"birthDate,omitempty"` // YYYY-MM-DD
}

// MRN returns the first identifier value whose type coding is "MR".
func (p Patient) MRN() string {
	for _, id := range p.Identifier {
		if id.Type != nil {
			for _, c := range id.Type.Coding {
				if c.Code == "MR" {
					return id.Value
				}
			}
		}
	}
	if len(p.Identifier) > 0 {
		return p.Identifier[0].Value
	}
	return ""
}

// Condition is a problem-list entry.
type Condition struct {
	ID             string          `json:"id"`
	ClinicalStatus CodeableConcept `json:"clinicalStatus,omitempty"`
	Code           CodeableConcept `json:"code,omitempty"`
	Subject        Reference       `json:"subject,omitempty"`
	OnsetDateTime  string          `json:"onsetDateTime,omitempty"`
	RecordedDate   string          `json:"recordedDate,omitempty"`
}

// IsActive reports whether the condition's clinical status is active-like.
func (c Condition) IsActive() bool {
	switch c.ClinicalStatus.FirstCode("") {
	case ConditionActive, ConditionRecurrence, ConditionRelapse:
		return true
	}
	return false
}

// Observation is a lab or vital entry.
type Observation struct {
	ID                string           `json:"id"`
	Status            string           `json:"status,omitempty"`
	Category          []CodeableConcept `json:"category,omitempty"`
	Code              CodeableConcept  `json:"code,omitempty"`
	Subject           Reference        `json:"subject,omitempty"`
	EffectiveDateTime string           `json:"effectiveDateTime,omitempty"`
	ValueQuantity     *Quantity        `json:"valueQuantity,omitempty"`
	ValueString       string           `json:"valueString,omitempty"`
}

// Quantity is a measured value with unit.
type Quantity struct {
	Value float64 `json:"value,omitempty"`
	Unit  string  `json:"unit,omitempty"`
}

// DiagnosticReport is a result document, filtered to imaging by the sync
// pipeline.
type DiagnosticReport struct {
	ID                string            `json:"id"`
	Status            string            `json:"status,omitempty"`
	Category          []CodeableConcept `json:"category,omitempty"`
	Code              CodeableConcept   `json:"code,omitempty"`
	Subject           Reference         `json:"subject,omitempty"`
	EffectiveDateTime string            `json:"effectiveDateTime,omitempty"`
	Issued            string            `json:"issued,omitempty"`
	Conclusion        string            `json:"conclusion,omitempty"`
}

// HasCategory reports whether any category coding matches code.
func (r DiagnosticReport) HasCategory(code string) bool {
	for _, cat := range r.Category {
		for _, coding := range cat.Coding {
			if coding.Code == code {
				return true
			}
		}
	}
	return false
}

// DocumentReference points at clinical document content.
type DocumentReference struct {
	ID       string                     `json:"id"`
	Status   string                     `json:"status,omitempty"`
	Type     CodeableConcept            `json:"type,omitempty"`
	Category []CodeableConcept          `json:"category,omitempty"`
	Subject  Reference                  `json:"subject,omitempty"`
	Date     string                     `json:"date,omitempty"`
	Content  []DocumentReferenceContent `json:"content,omitempty"`
}

// DocumentReferenceContent wraps an attachment.
type DocumentReferenceContent struct {
	Attachment Attachment `json:"attachment,omitempty"`
}

// LOINCCode returns the document's LOINC type code, if any.
func (d DocumentReference) LOINCCode() string {
	return d.Type.FirstCode("http://loinc.org")
}

// CategoryCode returns the first category coding code.
func (d DocumentReference) CategoryCode() string {
	for _, cat := range d.Category {
		for _, coding := range cat.Coding {
			if coding.Code != "" {
				return coding.Code
			}
		}
	}
	return ""
}

// Encounter is a visit-history entry.
type Encounter struct {
	ID     string          `json:"id"`
	Status string          `json:"status,omitempty"`
	Class  Coding          `json:"class,omitempty"`
	Type   []CodeableConcept `json:"type,omitempty"`
	Subject Reference      `json:"subject,omitempty"`
	Period *Period         `json:"period,omitempty"`
}

// Period is a start/end instant pair.
type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Appointment is an upcoming visit.
type Appointment struct {
	ID          string                   `json:"id"`
	Status      string                   `json:"status,omitempty"`
	Start       string                   `json:"start,omitempty"`
	End         string                   `json:"end,omitempty"`
	AppointmentType CodeableConcept      `json:"appointmentType,omitempty"`
	Participant []AppointmentParticipant `json:"participant,omitempty"`
}

// AppointmentParticipant links an appointment to its actors.
type AppointmentParticipant struct {
	Actor  Reference `json:"actor,omitempty"`
	Status string    `json:"status,omitempty"`
}

// Immunization is a vaccine administration record.
type Immunization struct {
	ID                 string          `json:"id"`
	Status             string          `json:"status,omitempty"`
	VaccineCode        CodeableConcept `json:"vaccineCode,omitempty"`
	Patient            Reference       `json:"patient,omitempty"`
	OccurrenceDateTime string          `json:"occurrenceDateTime,omitempty"`
}

// CVXCode returns the CVX coding of the administered vaccine.
func (i Immunization) CVXCode() string {
	return i.VaccineCode.FirstCode("http://hl7.org/fhir/sid/cvx")
}

// Bundle is a FHIR search result set.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type,omitempty"`
	Total        int           `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
}

// BundleEntry carries one raw resource; callers decode into the typed
// struct they expect and keep the raw form for the audit snapshot.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// BundleLink is a paging link.
type BundleLink struct {
	Relation string `json:"relation,omitempty"`
	URL      string `json:"url,omitempty"`
}

// NextLink returns the "next" paging URL, or "".
func (b Bundle) NextLink() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}
