// Package jobs is the durable background-job runtime: a Postgres-backed
// queue claimed with FOR UPDATE SKIP LOCKED, a worker pool with per-tenant
// concurrency caps, cooperative cancellation between items, and submit-time
// back-pressure.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job statuses. queued and running are live; the rest are terminal.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Job kinds.
const (
	KindBatchSync  = "batch_sync"
	KindPrepSheets = "prep_sheets"
)

// Priorities. Higher claims first.
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 9
)

// maxErrorBytes caps the stored failure message.
const maxErrorBytes = 2048

// retryBaseDelay is the first pause after a rate-limited run.
const retryBaseDelay = 30 * time.Second

// rateLimitResume picks when a rate-limited job may run again: exponential
// backoff from retryBaseDelay, capped at the top of the next hour, when the
// tenant's hourly FHIR budget resets.
func rateLimitResume(now time.Time, attempts int) time.Time {
	delay := retryBaseDelay
	for i := 0; i < attempts && delay < time.Hour; i++ {
		delay *= 2
	}
	resume := now.Add(delay)
	if boundary := now.Truncate(time.Hour).Add(time.Hour); resume.After(boundary) {
		return boundary
	}
	return resume
}

// Job is one queue row. MaxConcurrency and CeilingSeconds are snapshotted
// from the tenant's caps at enqueue time so the claim query is
// self-contained.
type Job struct {
	ID       uuid.UUID  `json:"id"`
	TenantID uuid.UUID  `json:"tenant_id"`
	UserID   *uuid.UUID `json:"user_id,omitempty"`
	Kind     string     `json:"kind"`
	Priority int        `json:"priority"`

	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`

	Status          string `json:"status"`
	Progress        int    `json:"progress"` // 0..100
	TotalItems      int    `json:"total_items"`
	DoneItems       int    `json:"done_items"`
	FailedItems     int    `json:"failed_items"`
	Error           string `json:"error,omitempty"`
	CancelRequested bool   `json:"cancel_requested"`

	// Rate-limit pauses: how many times the job went back to the queue and
	// the earliest instant it may be claimed again.
	Attempts  int        `json:"attempts"`
	NotBefore *time.Time `json:"not_before,omitempty"`

	MaxConcurrency int `json:"max_concurrency"`
	CeilingSeconds int `json:"ceiling_seconds"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Terminal reports whether the status can no longer change.
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Duration is wall-clock run time, nil before completion.
func (j *Job) Duration() *time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return nil
	}
	d := j.CompletedAt.Sub(*j.StartedAt)
	return &d
}

func (j *Job) Validate() error {
	if j.TenantID == uuid.Nil {
		return fmt.Errorf("tenant id is required")
	}
	switch j.Kind {
	case KindBatchSync, KindPrepSheets:
	default:
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}
	if j.Priority < PriorityLow || j.Priority > PriorityHigh {
		return fmt.Errorf("priority %d out of range", j.Priority)
	}
	return nil
}

// clampProgress keeps reported progress within 0..100.
func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// truncateError bounds a failure message to maxErrorBytes.
func truncateError(msg string) string {
	if len(msg) <= maxErrorBytes {
		return msg
	}
	return msg[:maxErrorBytes]
}

// BatchSyncPayload is the input for a batch_sync job.
type BatchSyncPayload struct {
	PatientIDs []uuid.UUID `json:"patient_ids"`
	ProviderID *uuid.UUID  `json:"provider_id,omitempty"`
	Force      bool        `json:"force,omitempty"`
}

// PrepSheetsPayload is the input for a prep_sheets job.
type PrepSheetsPayload struct {
	PatientIDs       []uuid.UUID `json:"patient_ids"`
	ScreeningTypeIDs []uuid.UUID `json:"screening_type_ids,omitempty"`
	WriteBack        bool        `json:"write_back,omitempty"`
}

// BatchResult is the terminal summary stored on completion.
type BatchResult struct {
	Done   int `json:"done"`
	Failed int `json:"failed"`
}
