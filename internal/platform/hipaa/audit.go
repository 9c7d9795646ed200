// Package hipaa provides the audit-logging and PHI-protection spine that
// every PHI-touching operation in HealthPrep depends on: an append-only
// audit trail, salted identifier hashing, secret encryption at rest, and
// security alerting.
package hipaa

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthprep/healthprep/internal/platform/db"
)

// SystemTenant is the tenant id used for root-admin actions and for audit
// entries re-parented after tenant deletion.
var SystemTenant = uuid.Nil

// Event types recorded by the core.
const (
	EventPatientSynced      = "patient_synced"
	EventDocumentProcessed  = "document_processed"
	EventScreeningRefreshed = "screening_refreshed"
	EventPrepSheetGenerated = "prep_sheet_generated"
	EventEpicDocumentWrite  = "epic_document_write"
	EventJobEnqueued        = "job_enqueued"
	EventJobCancelled       = "job_cancelled"
	EventSecurityViolation  = "security_violation"
	EventPHIFilterFailed    = "phi_filter_failed"
	EventAccountLockout     = "account_lockout"
	EventBruteForce         = "brute_force_detected"
	EventTenantDeleted      = "tenant_deleted"
	EventTokenRefreshed     = "token_refreshed"
	EventCriteriaChanged    = "screening_criteria_changed"
)

// PHI logging levels per tenant.
const (
	PHILoggingMinimal  = "minimal"
	PHILoggingStandard = "standard"
	PHILoggingDetailed = "detailed"
)

// Entry is a single append-only audit record. PHI identifiers are stored
// hashed unless the tenant's PHI-logging level is detailed.
type Entry struct {
	ID           uuid.UUID      `json:"id"`
	TenantID     uuid.UUID      `json:"tenant_id"`
	UserID       *uuid.UUID     `json:"user_id,omitempty"` // nil for system events
	EventType    string         `json:"event_type"`
	ResourceType string         `json:"resource_type"`
	ResourceID   *uuid.UUID     `json:"resource_id,omitempty"`
	PatientHash  string         `json:"patient_hash,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Recorded     time.Time      `json:"recorded"`
}

// Logger writes audit entries to the audit_entry table and optionally tees
// each entry as one JSON line to a file sink.
type Logger struct {
	pool   *pgxpool.Pool
	hasher *IdentifierHasher

	fileMu sync.Mutex
	file   *os.File
}

// NewLogger creates an audit Logger. filePath may be empty to disable the
// file sink; the directory is created on demand.
func NewLogger(pool *pgxpool.Pool, hasher *IdentifierHasher, filePath string) (*Logger, error) {
	l := &Logger{pool: pool, hasher: hasher}

	if filePath != "" {
		if err := os.MkdirAll(filepath.Dir(filePath), 0o750); err != nil {
			return nil, fmt.Errorf("hipaa audit: create log directory: %w", err)
		}
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("hipaa audit: open log file: %w", err)
		}
		l.file = f
	}

	return l, nil
}

// Close releases the file sink, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Hasher exposes the identifier hasher so callers can hash PHI before
// placing it in Entry.Data.
func (l *Logger) Hasher() *IdentifierHasher { return l.hasher }

// Log appends an entry. Entries are never updated or deleted.
func (l *Logger) Log(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Recorded.IsZero() {
		e.Recorded = time.Now().UTC()
	}

	var data []byte
	if e.Data != nil {
		var err error
		data, err = json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("hipaa audit: marshal data: %w", err)
		}
	}

	const query = `
		INSERT INTO audit_entry (
			id, tenant_id, user_id, event_type, resource_type, resource_id,
			patient_hash, data, ip_address, user_agent, session_id, recorded
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	conn := db.Conn(ctx, l.pool)
	if _, err := conn.Exec(ctx, query,
		e.ID, e.TenantID, e.UserID, e.EventType, e.ResourceType, e.ResourceID,
		nullable(e.PatientHash), data, nullable(e.IPAddress), nullable(e.UserAgent),
		nullable(e.SessionID), e.Recorded,
	); err != nil {
		return fmt.Errorf("hipaa audit: insert entry: %w", err)
	}

	l.tee(e)
	return nil
}

// LogPatientEvent records an event about a patient, hashing the patient
// identifier so the trail never carries the raw MRN or id.
func (l *Logger) LogPatientEvent(ctx context.Context, tenantID uuid.UUID, userID *uuid.UUID, eventType, patientIdentifier string, data map[string]any) error {
	return l.Log(ctx, &Entry{
		TenantID:     tenantID,
		UserID:       userID,
		EventType:    eventType,
		ResourceType: "Patient",
		PatientHash:  l.hasher.Hash(patientIdentifier),
		Data:         data,
	})
}

// ReparentTenant moves all audit entries of a deleted tenant to the system
// tenant. The trail itself is preserved verbatim.
func (l *Logger) ReparentTenant(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	conn := db.Conn(ctx, l.pool)
	tag, err := conn.Exec(ctx,
		`UPDATE audit_entry SET tenant_id = $1 WHERE tenant_id = $2`,
		SystemTenant, tenantID)
	if err != nil {
		return 0, fmt.Errorf("hipaa audit: re-parent tenant %s: %w", tenantID, err)
	}
	return tag.RowsAffected(), nil
}

func (l *Logger) tee(e *Entry) {
	if l.file == nil {
		return
	}
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	l.file.Write(append(line, '\n'))
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
