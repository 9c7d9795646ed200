// Package screening holds the screening-type library and the engine that
// turns (patient, documents, conditions) into screening records.
package screening

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Screening statuses.
const (
	StatusComplete    = "complete"
	StatusDueSoon     = "due_soon"
	StatusDue         = "due"
	StatusOverdue     = "overdue"
	StatusNotEligible = "not_eligible"
	StatusSuperseded  = "superseded"
	StatusUnknown     = "unknown"
)

// Screening-type categories.
const (
	CategoryGeneral     = "general"
	CategoryConditional = "conditional"
	CategoryRiskBased   = "risk_based"
)

// Eligible-sex values.
const (
	SexMale   = "male"
	SexFemale = "female"
	SexBoth   = "both"
)

// Frequency units.
const (
	UnitDays   = "days"
	UnitMonths = "months"
	UnitYears  = "years"
)

// dueSoonWindow is how far ahead of next_due a screening surfaces as
// due_soon.
const dueSoonWindow = 30 // days

// Frequency is how often a screening recurs.
type Frequency struct {
	Value int    `json:"value"`
	Unit  string `json:"unit"`
}

// Valid reports whether the frequency is usable for next-due math.
func (f Frequency) Valid() bool {
	if f.Value <= 0 {
		return false
	}
	switch f.Unit {
	case UnitDays, UnitMonths, UnitYears:
		return true
	}
	return false
}

// NextDue advances a completion date by one frequency window. Month and
// year units use calendar arithmetic; day units are exact.
func (f Frequency) NextDue(last time.Time) time.Time {
	switch f.Unit {
	case UnitYears:
		return last.AddDate(f.Value, 0, 0)
	case UnitMonths:
		return last.AddDate(0, f.Value, 0)
	default:
		return last.AddDate(0, 0, f.Value)
	}
}

// ScreeningType is one entry in the screening library. A nil TenantID marks
// a global type visible to every tenant and editable only by root admins.
type ScreeningType struct {
	ID                   uuid.UUID  `json:"id"`
	TenantID             *uuid.UUID `json:"tenant_id,omitempty"`
	Name                 string     `json:"name"`
	Keywords             []string   `json:"keywords"`
	MinAge               *int       `json:"min_age,omitempty"`
	MaxAge               *int       `json:"max_age,omitempty"`
	EligibleSexes        string     `json:"eligible_sexes"`
	Frequency            Frequency  `json:"frequency"`
	TriggerConditions    []string   `json:"trigger_conditions,omitempty"`
	Category             string     `json:"screening_category"`
	BaseTypeID           *uuid.UUID `json:"base_type_id,omitempty"` // risk_based variants point at their general base
	IsImmunizationBased  bool       `json:"is_immunization_based"`
	VaccineCodes         []string   `json:"vaccine_codes,omitempty"` // CVX
	Active               bool       `json:"active"`
	CriteriaSignature    string     `json:"criteria_signature"`
	CriteriaLastChanged  time.Time  `json:"criteria_last_changed_at"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// ComputeSignature hashes the eligibility-relevant tuple of the type.
// Cosmetic fields (name, active, timestamps) stay out so edits to them do
// not invalidate per-patient caches.
func (st *ScreeningType) ComputeSignature() string {
	h := sha256.New()

	writeField := func(label, value string) {
		fmt.Fprintf(h, "%s=%s;", label, value)
	}
	writeOptInt := func(label string, v *int) {
		if v == nil {
			writeField(label, "null")
		} else {
			writeField(label, strconv.Itoa(*v))
		}
	}
	writeSet := func(label string, values []string) {
		norm := make([]string, 0, len(values))
		for _, v := range values {
			if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
				norm = append(norm, v)
			}
		}
		sort.Strings(norm)
		writeField(label, strings.Join(norm, ","))
	}

	writeOptInt("min_age", st.MinAge)
	writeOptInt("max_age", st.MaxAge)
	writeField("sexes", strings.ToLower(st.EligibleSexes))
	writeField("freq", fmt.Sprintf("%d/%s", st.Frequency.Value, st.Frequency.Unit))
	writeSet("keywords", st.Keywords)
	writeSet("triggers", st.TriggerConditions)
	writeField("category", st.Category)
	writeField("immunization", strconv.FormatBool(st.IsImmunizationBased))
	writeSet("cvx", st.VaccineCodes)

	return hex.EncodeToString(h.Sum(nil))
}

// Screening is the computed state of one (patient, screening-type) pair.
type Screening struct {
	ID              uuid.UUID  `json:"id"`
	TenantID        uuid.UUID  `json:"tenant_id"`
	PatientID       uuid.UUID  `json:"patient_id"`
	ScreeningTypeID uuid.UUID  `json:"screening_type_id"`
	ProviderID      *uuid.UUID `json:"provider_id,omitempty"`
	Status          string     `json:"status"`
	LastCompleted   *time.Time `json:"last_completed,omitempty"`
	NextDue         *time.Time `json:"next_due,omitempty"`
	IsDormant       bool       `json:"is_dormant"`
	// RequiresVaccineCodes marks an immunization-based type evaluated with
	// an empty CVX set; the engine refuses to guess.
	RequiresVaccineCodes bool      `json:"requires_vaccine_codes,omitempty"`
	LastProcessed        time.Time `json:"last_processed"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`

	// MatchedDocumentIDs is the evidence set behind last_completed.
	MatchedDocumentIDs []uuid.UUID `json:"matched_document_ids,omitempty"`
}

// statusFor maps today against next_due. overdueAfterDays of zero keeps
// overdue folded into due.
func statusFor(today, nextDue time.Time, overdueAfterDays int) string {
	soon := nextDue.AddDate(0, 0, -dueSoonWindow)
	switch {
	case today.Before(soon):
		return StatusComplete
	case today.Before(nextDue):
		return StatusDueSoon
	default:
		if overdueAfterDays > 0 && !today.Before(nextDue.AddDate(0, 0, overdueAfterDays)) {
			return StatusOverdue
		}
		return StatusDue
	}
}

// AgeInYears computes whole-year age at the given instant.
func AgeInYears(birthDate, at time.Time) int {
	years := at.Year() - birthDate.Year()
	anniversary := birthDate.AddDate(years, 0, 0)
	if anniversary.After(at) {
		years--
	}
	return years
}

// ValidStatuses for request validation.
var ValidStatuses = map[string]bool{
	StatusComplete:    true,
	StatusDueSoon:     true,
	StatusDue:         true,
	StatusOverdue:     true,
	StatusNotEligible: true,
	StatusSuperseded:  true,
	StatusUnknown:     true,
}

// ValidCategories for request validation.
var ValidCategories = map[string]bool{
	CategoryGeneral:     true,
	CategoryConditional: true,
	CategoryRiskBased:   true,
}

// Validate checks a screening type before persistence.
func (st *ScreeningType) Validate() error {
	if strings.TrimSpace(st.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if !ValidCategories[st.Category] {
		return fmt.Errorf("invalid screening_category: %s", st.Category)
	}
	switch st.EligibleSexes {
	case SexMale, SexFemale, SexBoth:
	default:
		return fmt.Errorf("invalid eligible_sexes: %s", st.EligibleSexes)
	}
	if !st.Frequency.Valid() {
		return fmt.Errorf("invalid frequency: %d %s", st.Frequency.Value, st.Frequency.Unit)
	}
	if st.MinAge != nil && st.MaxAge != nil && *st.MinAge > *st.MaxAge {
		return fmt.Errorf("min_age %d exceeds max_age %d", *st.MinAge, *st.MaxAge)
	}
	if st.Category == CategoryConditional && len(st.TriggerConditions) == 0 {
		return fmt.Errorf("conditional screening types require trigger_conditions")
	}
	return nil
}
