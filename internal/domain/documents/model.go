// Package documents stores the two document streams the screening matcher
// reads: locally uploaded documents and FHIR-sourced documents pulled from
// the EMR. Both go through the same ingest pipeline (OCR, PHI redaction,
// safe title) before any text is persisted.
package documents

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Processing statuses.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusFailed    = "failed"
)

// Document sources, as seen by the screening matcher.
const (
	SourceLocal = "local"
	SourceFHIR  = "fhir"
)

// Document is a locally uploaded document.
type Document struct {
	ID            uuid.UUID `json:"id"`
	TenantID      uuid.UUID `json:"tenant_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	Title         string    `json:"title"` // safe title, structured codes only
	ContentType   string    `json:"content_type"`
	DocumentDate  time.Time `json:"document_date"`
	Text          string    `json:"text"` // post-OCR, post-redaction
	LOINCCode     string    `json:"loinc_code,omitempty"`
	CategoryCode  string    `json:"category_code,omitempty"`
	SourceID      string    `json:"source_id,omitempty"`
	Status        string    `json:"status"`
	OCRMethod     string    `json:"ocr_method,omitempty"`
	OCRConfidence float64   `json:"ocr_confidence,omitempty"`
	PageCount     int       `json:"page_count,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FHIRDocument is an EMR-sourced document (DocumentReference attachment or
// DiagnosticReport). SourceID is the Epic document id and is the idempotency
// key for sync.
type FHIRDocument struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	PatientID     uuid.UUID  `json:"patient_id"`
	ProviderID    *uuid.UUID `json:"provider_id,omitempty"`
	Title         string     `json:"title"`
	ContentType   string     `json:"content_type"`
	DocumentDate  time.Time  `json:"document_date"`
	Text          string     `json:"text"`
	LOINCCode     string     `json:"loinc_code,omitempty"`
	CategoryCode  string     `json:"category_code,omitempty"`
	SourceID      string     `json:"source_id"`
	Status        string     `json:"status"`
	OCRMethod     string     `json:"ocr_method,omitempty"`
	OCRConfidence float64    `json:"ocr_confidence,omitempty"`
	PageCount     int        `json:"page_count,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (d *Document) Validate() error {
	if d.TenantID == uuid.Nil {
		return fmt.Errorf("tenant id is required")
	}
	if d.PatientID == uuid.Nil {
		return fmt.Errorf("patient id is required")
	}
	if d.ContentType == "" {
		return fmt.Errorf("content type is required")
	}
	return nil
}

func (d *FHIRDocument) Validate() error {
	if d.TenantID == uuid.Nil {
		return fmt.Errorf("tenant id is required")
	}
	if d.PatientID == uuid.Nil {
		return fmt.Errorf("patient id is required")
	}
	if d.SourceID == "" {
		return fmt.Errorf("source id is required")
	}
	return nil
}
