package phi

// Safe document titles are derived only from structured codes through this
// closed lookup table. Free-text description and title fields from the EMR
// are never propagated into local titles.

// DefaultTitle is the fallback when no code maps to a display name.
const DefaultTitle = "Document"

// loincTitles maps LOINC document/report codes to display titles.
var loincTitles = map[string]string{
	"11506-3": "Progress Note",
	"18748-4": "Diagnostic Imaging Report",
	"24606-6": "Mammogram Report",
	"24627-2": "Chest CT Report",
	"36643-5": "Chest X-ray Report",
	"18782-3": "Radiology Report",
	"11502-2": "Laboratory Report",
	"4548-4":  "Hemoglobin A1c Result",
	"2345-7":  "Glucose Result",
	"57698-3": "Lipid Panel Result",
	"58410-2": "CBC Panel Result",
	"19774-9": "Cytology Report",
	"47527-7": "Colonoscopy Report",
	"28570-0": "Procedure Note",
	"11488-4": "Consultation Note",
	"18842-5": "Discharge Summary",
	"34117-2": "History and Physical Note",
	"57133-1": "Referral Note",
	"11504-8": "Surgical Operation Note",
	"60591-5": "Patient Summary Document",
	"82593-5": "Immunization Summary",
	"11369-6": "Immunization Record",
}

// categoryTitles maps FHIR DocumentReference category codes to titles,
// consulted when no LOINC code is present.
var categoryTitles = map[string]string{
	"imaging":         "Imaging Report",
	"laboratory":      "Laboratory Report",
	"clinical-note":   "Clinical Note",
	"exam":            "Exam Note",
	"procedure":       "Procedure Note",
	"LP29684-5":       "Radiology Document",
	"LP29708-2":       "Cardiology Document",
	"LP7839-6":        "Pathology Document",
}

// SafeTitle derives a display title from structured codes only. loincCode
// wins over categoryCode; unknown codes fall back to DefaultTitle.
func SafeTitle(loincCode, categoryCode string) string {
	if t, ok := loincTitles[loincCode]; ok {
		return t
	}
	if t, ok := categoryTitles[categoryCode]; ok {
		return t
	}
	return DefaultTitle
}

// IsSafeTitle reports whether title could have been produced by SafeTitle.
// Used by tests and ingestion guards to enforce the safe-title discipline.
func IsSafeTitle(title string) bool {
	if title == DefaultTitle {
		return true
	}
	for _, t := range loincTitles {
		if t == title {
			return true
		}
	}
	for _, t := range categoryTitles {
		if t == title {
			return true
		}
	}
	return false
}
