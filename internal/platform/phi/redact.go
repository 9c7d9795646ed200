// Package phi implements the deterministic PHI filter: regex-based
// redaction of direct identifiers, sanitisation of raw FHIR resources
// before persistence, and the closed safe-title lookup for documents.
package phi

import (
	"regexp"
	"strings"
)

// Redaction categories. Each matched span is replaced by the typed token
// "[<CATEGORY>_REDACTED]".
const (
	CategorySSN     = "SSN"
	CategoryPhone   = "PHONE"
	CategoryEmail   = "EMAIL"
	CategoryAddress = "ADDRESS"
	CategoryDOB     = "DOB"
	CategoryMRN     = "MRN"
	CategoryName    = "NAME"
)

type rule struct {
	category string
	re       *regexp.Regexp
}

// Rule order matters: SSN before phone so "123-45-6789" is not consumed as
// a phone fragment, DOB-labelled dates before bare MRN digit runs.
var rules = []rule{
	{CategorySSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{CategoryPhone, regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`)},
	{CategoryEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{CategoryAddress, regexp.MustCompile(`(?i)\b\d{1,5}\s+[A-Za-z0-9.\s]{2,40}\b(street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|way|place|pl)\b\.?`)},
	{CategoryDOB, regexp.MustCompile(`(?i)\b(?:dob|date of birth|birth date)[:\s]+\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b`)},
	{CategoryMRN, regexp.MustCompile(`(?i)\b(?:mrn|medical record (?:number|no\.?))[#:\s]*[A-Z0-9-]{4,16}\b`)},
}

// nameHeuristic matches salutation-prefixed proper names (Mr. John Smith).
// It is configurable because plain capitalised bigrams over-redact clinical
// terms; the default only fires on an explicit salutation.
var nameHeuristic = regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr|Miss)\.?\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?`)

// Result carries the redacted text and how many spans of each category were
// replaced, so the audit layer can record what kind of PHI was found
// without recording the PHI itself.
type Result struct {
	Text   string
	Counts map[string]int
}

// Total returns the total number of redacted spans.
func (r Result) Total() int {
	n := 0
	for _, c := range r.Counts {
		n += c
	}
	return n
}

// Filter applies the deterministic redaction rule set.
type Filter struct {
	redactNames bool
}

// NewFilter creates a Filter. redactNames enables the proper-name
// salutation heuristic in addition to the fixed rule set.
func NewFilter(redactNames bool) *Filter {
	return &Filter{redactNames: redactNames}
}

// Redact replaces every identifier span with its typed token and counts
// replacements per category.
func (f *Filter) Redact(text string) Result {
	counts := make(map[string]int)

	for _, r := range rules {
		text = r.re.ReplaceAllStringFunc(text, func(string) string {
			counts[r.category]++
			return token(r.category)
		})
	}

	if f.redactNames {
		text = nameHeuristic.ReplaceAllStringFunc(text, func(string) string {
			counts[CategoryName]++
			return token(CategoryName)
		})
	}

	return Result{Text: text, Counts: counts}
}

func token(category string) string {
	return "[" + category + "_REDACTED]"
}

// ContainsToken reports whether text already carries a redaction token of
// the given category.
func ContainsToken(text, category string) bool {
	return strings.Contains(text, token(category))
}
