package epic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/healthprep/healthprep/internal/platform/errs"
	"github.com/healthprep/healthprep/pkg/fhirmodels"
)

// maxBundlePages bounds paging loops so a misbehaving server cannot spin a
// sync worker forever.
const maxBundlePages = 50

// RawEntry pairs a decoded typed resource with its verbatim JSON so the
// sync pipeline can persist the untouched payload.
type RawEntry struct {
	Raw json.RawMessage
}

func (c *Client) getResource(ctx context.Context, resourceType, id string, out interface{}) (json.RawMessage, error) {
	body, err := c.do(ctx, request{
		method:       http.MethodGet,
		path:         resourceType + "/" + id,
		resourceType: resourceType,
	})
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return nil, errs.Ef(errs.KindPermanent, "decode %s/%s: %v", resourceType, id, err)
		}
	}
	return body, nil
}

// searchAll runs a search and follows "next" links, returning every entry's
// raw resource.
func (c *Client) searchAll(ctx context.Context, resourceType string, query url.Values) ([]json.RawMessage, error) {
	var out []json.RawMessage
	req := request{
		method:       http.MethodGet,
		path:         resourceType,
		query:        query,
		resourceType: resourceType,
	}
	for page := 0; page < maxBundlePages; page++ {
		body, err := c.do(ctx, req)
		if err != nil {
			return nil, err
		}
		var bundle fhirmodels.Bundle
		if err := json.Unmarshal(body, &bundle); err != nil {
			return nil, errs.Ef(errs.KindPermanent, "decode %s bundle: %v", resourceType, err)
		}
		for _, e := range bundle.Entry {
			if len(e.Resource) > 0 {
				out = append(out, e.Resource)
			}
		}
		next := bundle.NextLink()
		if next == "" {
			return out, nil
		}
		req = request{method: http.MethodGet, path: next, resourceType: resourceType}
	}
	return nil, errs.Ef(errs.KindPermanent, "%s search exceeded %d pages", resourceType, maxBundlePages)
}

// GetPatient fetches one patient by FHIR id, returning both the typed view
// and the raw payload.
func (c *Client) GetPatient(ctx context.Context, fhirID string) (*fhirmodels.Patient, json.RawMessage, error) {
	var p fhirmodels.Patient
	raw, err := c.getResource(ctx, "Patient", fhirID, &p)
	if err != nil {
		return nil, nil, err
	}
	return &p, raw, nil
}

// SearchPatientsByMRN looks a patient up by medical record number.
func (c *Client) SearchPatientsByMRN(ctx context.Context, mrn string) ([]fhirmodels.Patient, error) {
	q := url.Values{}
	q.Set("identifier", mrn)
	raws, err := c.searchAll(ctx, "Patient", q)
	if err != nil {
		return nil, err
	}
	patients := make([]fhirmodels.Patient, 0, len(raws))
	for _, raw := range raws {
		var p fhirmodels.Patient
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		patients = append(patients, p)
	}
	return patients, nil
}

// SearchConditions returns the patient's problem-list conditions.
func (c *Client) SearchConditions(ctx context.Context, patientFHIRID string) ([]fhirmodels.Condition, []json.RawMessage, error) {
	q := url.Values{}
	q.Set("patient", patientFHIRID)
	q.Set("category", "problem-list-item")
	raws, err := c.searchAll(ctx, "Condition", q)
	if err != nil {
		return nil, nil, err
	}
	conditions := make([]fhirmodels.Condition, 0, len(raws))
	for _, raw := range raws {
		var cond fhirmodels.Condition
		if err := json.Unmarshal(raw, &cond); err != nil {
			continue
		}
		conditions = append(conditions, cond)
	}
	return conditions, raws, nil
}

// SearchObservations returns lab observations since the cutoff. A zero
// cutoff fetches everything.
func (c *Client) SearchObservations(ctx context.Context, patientFHIRID string, since time.Time) ([]fhirmodels.Observation, []json.RawMessage, error) {
	q := url.Values{}
	q.Set("patient", patientFHIRID)
	q.Set("category", "laboratory")
	if !since.IsZero() {
		q.Set("date", "ge"+since.Format("2006-01-02"))
	}
	raws, err := c.searchAll(ctx, "Observation", q)
	if err != nil {
		return nil, nil, err
	}
	obs := make([]fhirmodels.Observation, 0, len(raws))
	for _, raw := range raws {
		var o fhirmodels.Observation
		if err := json.Unmarshal(raw, &o); err != nil {
			continue
		}
		obs = append(obs, o)
	}
	return obs, raws, nil
}

// SearchDiagnosticReports returns reports since the cutoff.
func (c *Client) SearchDiagnosticReports(ctx context.Context, patientFHIRID string, since time.Time) ([]fhirmodels.DiagnosticReport, []json.RawMessage, error) {
	q := url.Values{}
	q.Set("patient", patientFHIRID)
	if !since.IsZero() {
		q.Set("date", "ge"+since.Format("2006-01-02"))
	}
	raws, err := c.searchAll(ctx, "DiagnosticReport", q)
	if err != nil {
		return nil, nil, err
	}
	reports := make([]fhirmodels.DiagnosticReport, 0, len(raws))
	for _, raw := range raws {
		var r fhirmodels.DiagnosticReport
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		reports = append(reports, r)
	}
	return reports, raws, nil
}

// SearchDocumentReferences returns document metadata since the cutoff.
func (c *Client) SearchDocumentReferences(ctx context.Context, patientFHIRID string, since time.Time) ([]fhirmodels.DocumentReference, []json.RawMessage, error) {
	q := url.Values{}
	q.Set("patient", patientFHIRID)
	if !since.IsZero() {
		q.Set("date", "ge"+since.Format("2006-01-02"))
	}
	raws, err := c.searchAll(ctx, "DocumentReference", q)
	if err != nil {
		return nil, nil, err
	}
	docs := make([]fhirmodels.DocumentReference, 0, len(raws))
	for _, raw := range raws {
		var d fhirmodels.DocumentReference
		if err := json.Unmarshal(raw, &d); err != nil {
			continue
		}
		docs = append(docs, d)
	}
	return docs, raws, nil
}

// SearchEncounters returns the patient's visit history.
func (c *Client) SearchEncounters(ctx context.Context, patientFHIRID string) ([]fhirmodels.Encounter, []json.RawMessage, error) {
	q := url.Values{}
	q.Set("patient", patientFHIRID)
	raws, err := c.searchAll(ctx, "Encounter", q)
	if err != nil {
		return nil, nil, err
	}
	encounters := make([]fhirmodels.Encounter, 0, len(raws))
	for _, raw := range raws {
		var e fhirmodels.Encounter
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		encounters = append(encounters, e)
	}
	return encounters, raws, nil
}

// SearchAppointments returns appointments inside the given window.
func (c *Client) SearchAppointments(ctx context.Context, patientFHIRID string, from, to time.Time) ([]fhirmodels.Appointment, []json.RawMessage, error) {
	q := url.Values{}
	q.Set("patient", patientFHIRID)
	if !from.IsZero() {
		q.Add("date", "ge"+from.Format("2006-01-02"))
	}
	if !to.IsZero() {
		q.Add("date", "le"+to.Format("2006-01-02"))
	}
	raws, err := c.searchAll(ctx, "Appointment", q)
	if err != nil {
		return nil, nil, err
	}
	appts := make([]fhirmodels.Appointment, 0, len(raws))
	for _, raw := range raws {
		var a fhirmodels.Appointment
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		appts = append(appts, a)
	}
	return appts, raws, nil
}

// SearchImmunizations returns the patient's vaccine history.
func (c *Client) SearchImmunizations(ctx context.Context, patientFHIRID string) ([]fhirmodels.Immunization, []json.RawMessage, error) {
	q := url.Values{}
	q.Set("patient", patientFHIRID)
	raws, err := c.searchAll(ctx, "Immunization", q)
	if err != nil {
		return nil, nil, err
	}
	imms := make([]fhirmodels.Immunization, 0, len(raws))
	for _, raw := range raws {
		var im fhirmodels.Immunization
		if err := json.Unmarshal(raw, &im); err != nil {
			continue
		}
		imms = append(imms, im)
	}
	return imms, raws, nil
}

// GetBinary downloads a Binary resource's content. Binary fetches carry the
// long timeout because scanned documents can run tens of megabytes.
func (c *Client) GetBinary(ctx context.Context, binaryID string) ([]byte, error) {
	return c.do(ctx, request{
		method:       http.MethodGet,
		path:         "Binary/" + binaryID,
		resourceType: "Binary",
		timeout:      binaryTimeout,
	})
}

// CreateDocumentReference posts a new DocumentReference and returns the
// server-assigned id. The 401 refresh-retry policy in do covers the
// write path.
func (c *Client) CreateDocumentReference(ctx context.Context, doc *fhirmodels.DocumentReference) (string, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode document reference: %w", err)
	}
	body, err := c.do(ctx, request{
		method:       http.MethodPost,
		path:         "DocumentReference",
		body:         payload,
		contentType:  "application/fhir+json",
		resourceType: "DocumentReference",
	})
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &created); err == nil && created.ID != "" {
			return created.ID, nil
		}
	}
	// Epic may answer 201 with an empty body and a Location header the
	// transport layer flattened away; callers treat "" as created-unknown-id.
	return "", nil
}
