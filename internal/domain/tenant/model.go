// Package tenant manages organizations: onboarding lifecycle, Epic
// connection settings with secrets encrypted at rest, and the per-tenant
// operational caps the sync pipeline and job runtime enforce.
package tenant

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/healthprep/healthprep/internal/platform/hipaa"
)

// Organization statuses.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// Defaults applied when a setting is zero.
const (
	DefaultFHIRHourlyCap        = 1000
	DefaultMaxConcurrentJobs    = 2
	DefaultMaxBatchSize         = 500
	DefaultJobCeilingSeconds    = 2 * 60 * 60
	DefaultPriorityWindowDays   = 14
	DefaultLabCutoffMonths      = 12
	DefaultImagingCutoffMonths  = 24
	DefaultConsultCutoffMonths  = 12
	DefaultHospitalCutoffMonths = 24
)

// Organization is the top-level multi-tenancy boundary. EpicClientSecret
// holds ciphertext; use the Service secret accessors so plaintext never
// leaves the model boundary.
type Organization struct {
	ID uuid.UUID `json:"id"`
	// Name is unique across the install; DisplayName is the free-form label
	// shown to users and falls back to Name when empty.
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Status      string `json:"status"`

	// Epic connection.
	EpicClientID     string `json:"epic_client_id,omitempty"`
	EpicClientSecret string `json:"-"` // sealed
	FHIRBaseURL      string `json:"fhir_base_url,omitempty"`
	Sandbox          bool   `json:"sandbox"`
	DryRunWriteback  bool   `json:"dry_run_writeback"`

	// Operational caps. AsyncEnabled gates the whole job queue for the
	// tenant; new organizations start enabled.
	AsyncEnabled      bool `json:"async_enabled"`
	FHIRHourlyCap     int  `json:"fhir_hourly_cap"`
	MaxConcurrentJobs int  `json:"max_concurrent_jobs"`
	MaxBatchSize      int  `json:"max_batch_size"`
	JobCeilingSeconds int  `json:"job_ceiling_seconds"`

	// Screening policy.
	OverdueAfterDays   int    `json:"overdue_after_days"`
	Timezone           string `json:"timezone,omitempty"`
	PriorityWindowDays int    `json:"priority_window_days"`
	PHILoggingLevel    string `json:"phi_logging_level"`

	// Prep-sheet recency cut-offs, months.
	LabCutoffMonths      int `json:"lab_cutoff_months"`
	ImagingCutoffMonths  int `json:"imaging_cutoff_months"`
	ConsultCutoffMonths  int `json:"consult_cutoff_months"`
	HospitalCutoffMonths int `json:"hospital_cutoff_months"`

	// Sync bookkeeping, stamped by RecordSync when a batch finishes.
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastFullSyncAt *time.Time `json:"last_full_sync_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Display is the user-facing label.
func (o *Organization) Display() string {
	if o.DisplayName != "" {
		return o.DisplayName
	}
	return o.Name
}

func (o *Organization) Validate() error {
	if o.Name == "" {
		return fmt.Errorf("organization name is required")
	}
	switch o.Status {
	case StatusPending, StatusActive, StatusSuspended:
	default:
		return fmt.Errorf("status %q is not valid", o.Status)
	}
	switch o.PHILoggingLevel {
	case "", hipaa.PHILoggingMinimal, hipaa.PHILoggingStandard, hipaa.PHILoggingDetailed:
	default:
		return fmt.Errorf("phi logging level %q is not valid", o.PHILoggingLevel)
	}
	if o.OverdueAfterDays < 0 {
		return fmt.Errorf("overdue_after_days cannot be negative")
	}
	if o.Timezone != "" {
		if _, err := time.LoadLocation(o.Timezone); err != nil {
			return fmt.Errorf("timezone %q: %w", o.Timezone, err)
		}
	}
	return nil
}

// ApplyDefaults fills zero-valued caps.
func (o *Organization) ApplyDefaults() {
	if o.Status == "" {
		o.Status = StatusPending
	}
	if o.FHIRHourlyCap == 0 {
		o.FHIRHourlyCap = DefaultFHIRHourlyCap
	}
	if o.MaxConcurrentJobs == 0 {
		o.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if o.MaxBatchSize == 0 {
		o.MaxBatchSize = DefaultMaxBatchSize
	}
	if o.JobCeilingSeconds == 0 {
		o.JobCeilingSeconds = DefaultJobCeilingSeconds
	}
	if o.PriorityWindowDays == 0 {
		o.PriorityWindowDays = DefaultPriorityWindowDays
	}
	if o.PHILoggingLevel == "" {
		o.PHILoggingLevel = hipaa.PHILoggingStandard
	}
	if o.LabCutoffMonths == 0 {
		o.LabCutoffMonths = DefaultLabCutoffMonths
	}
	if o.ImagingCutoffMonths == 0 {
		o.ImagingCutoffMonths = DefaultImagingCutoffMonths
	}
	if o.ConsultCutoffMonths == 0 {
		o.ConsultCutoffMonths = DefaultConsultCutoffMonths
	}
	if o.HospitalCutoffMonths == 0 {
		o.HospitalCutoffMonths = DefaultHospitalCutoffMonths
	}
}

// Location resolves the tenant's civil timezone, defaulting to UTC.
func (o *Organization) Location() *time.Location {
	if o.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(o.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
