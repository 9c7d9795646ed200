package phi

import (
	"strings"
	"testing"
)

func TestRedact_SSN(t *testing.T) {
	f := NewFilter(false)
	res := f.Redact("Patient SSN: 123-45-6789 on file.")

	if strings.Contains(res.Text, "123-45-6789") {
		t.Error("SSN leaked through redaction")
	}
	if !strings.Contains(res.Text, "[SSN_REDACTED]") {
		t.Errorf("expected SSN token, got %q", res.Text)
	}
	if res.Counts[CategorySSN] != 1 {
		t.Errorf("expected 1 SSN count, got %d", res.Counts[CategorySSN])
	}
}

func TestRedact_PhoneFormats(t *testing.T) {
	f := NewFilter(false)
	for _, phone := range []string{"555-867-5309", "(555) 867-5309", "555.867.5309", "+1 555-867-5309"} {
		res := f.Redact("Call " + phone + " to confirm.")
		if res.Counts[CategoryPhone] != 1 {
			t.Errorf("phone %q: expected 1 redaction, got %d (text: %q)", phone, res.Counts[CategoryPhone], res.Text)
		}
	}
}

func TestRedact_Email(t *testing.T) {
	f := NewFilter(false)
	res := f.Redact("Contact jane.doe@example.org with results.")
	if strings.Contains(res.Text, "example.org") {
		t.Error("email leaked through redaction")
	}
	if res.Counts[CategoryEmail] != 1 {
		t.Errorf("expected 1 email count, got %d", res.Counts[CategoryEmail])
	}
}

func TestRedact_Address(t *testing.T) {
	f := NewFilter(false)
	res := f.Redact("Lives at 123 Main Street, follow up next week.")
	if strings.Contains(res.Text, "Main Street") {
		t.Errorf("address leaked: %q", res.Text)
	}
	if res.Counts[CategoryAddress] != 1 {
		t.Errorf("expected 1 address count, got %d", res.Counts[CategoryAddress])
	}
}

func TestRedact_DOBAndMRN(t *testing.T) {
	f := NewFilter(false)
	res := f.Redact("DOB: 04/12/1971, MRN: A1234567. Screening mammogram performed.")

	if res.Counts[CategoryDOB] != 1 {
		t.Errorf("expected 1 DOB count, got %d (text %q)", res.Counts[CategoryDOB], res.Text)
	}
	if res.Counts[CategoryMRN] != 1 {
		t.Errorf("expected 1 MRN count, got %d (text %q)", res.Counts[CategoryMRN], res.Text)
	}
	// Clinical content survives.
	if !strings.Contains(res.Text, "Screening mammogram performed.") {
		t.Errorf("clinical text damaged: %q", res.Text)
	}
}

func TestRedact_NameHeuristicOptIn(t *testing.T) {
	text := "Seen by Dr. Alice Wong today."

	off := NewFilter(false).Redact(text)
	if off.Counts[CategoryName] != 0 {
		t.Error("name heuristic fired while disabled")
	}

	on := NewFilter(true).Redact(text)
	if on.Counts[CategoryName] != 1 {
		t.Errorf("expected 1 name redaction, got %d (text %q)", on.Counts[CategoryName], on.Text)
	}
	if strings.Contains(on.Text, "Alice") {
		t.Error("name leaked through redaction")
	}
}

func TestRedact_Deterministic(t *testing.T) {
	f := NewFilter(true)
	text := "SSN 123-45-6789, call (555) 867-5309, jane@x.io, Mr. Bob Ray"
	a := f.Redact(text)
	b := f.Redact(text)
	if a.Text != b.Text {
		t.Error("redaction is not deterministic")
	}
	if a.Total() != b.Total() {
		t.Error("redaction counts are not deterministic")
	}
}

func TestRedact_CleanTextUntouched(t *testing.T) {
	f := NewFilter(false)
	text := "Colonoscopy completed without findings. BI-RADS 1."
	res := f.Redact(text)
	if res.Text != text {
		t.Errorf("clean text modified: %q", res.Text)
	}
	if res.Total() != 0 {
		t.Errorf("expected zero redactions, got %d", res.Total())
	}
}
