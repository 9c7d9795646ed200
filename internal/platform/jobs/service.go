package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthprep/healthprep/internal/platform/errs"
	"github.com/healthprep/healthprep/internal/platform/hipaa"
	"github.com/healthprep/healthprep/internal/platform/scope"
)

// Caps are the tenant limits enforced at submit and claim time.
type Caps struct {
	AsyncEnabled      bool
	FHIRHourlyCap     int
	MaxConcurrentJobs int
	MaxBatchSize      int
	JobCeilingSeconds int
}

// CapsSource resolves a tenant's job caps.
type CapsSource interface {
	JobCaps(ctx context.Context, tenantID uuid.UUID) (Caps, error)
}

// Budget rejects submissions that cannot fit the tenant's remaining hourly
// FHIR allowance. The epic rate gate satisfies it.
type Budget interface {
	CheckBudget(ctx context.Context, tenantID uuid.UUID, hourlyCap, patientCount int) error
}

// Auditor is the slice of the HIPAA logger this service needs.
type Auditor interface {
	Log(ctx context.Context, e *hipaa.Entry) error
}

// Service is the submit/query/cancel surface over the queue.
type Service struct {
	repo  Repository
	caps  CapsSource
	gate  Budget
	audit Auditor
	log   zerolog.Logger
}

func NewService(repo Repository, caps CapsSource, gate Budget, audit Auditor, log zerolog.Logger) *Service {
	return &Service{repo: repo, caps: caps, gate: gate, audit: audit, log: log}
}

// EnqueueBatchSync queues an EMR sync over the given roster subset.
// Back-pressure happens here, before the row exists: oversized batches are
// batch_too_large, batches the hourly FHIR budget cannot absorb are
// rate_limit_would_exceed.
func (s *Service) EnqueueBatchSync(ctx context.Context, pr scope.Principal, patientIDs []uuid.UUID, providerID *uuid.UUID, priority int, force bool) (*Job, error) {
	caps, err := s.precheck(ctx, pr, len(patientIDs))
	if err != nil {
		return nil, err
	}
	if s.gate != nil {
		if err := s.gate.CheckBudget(ctx, pr.TenantID, caps.FHIRHourlyCap, len(patientIDs)); err != nil {
			return nil, err
		}
	}
	payload, err := json.Marshal(BatchSyncPayload{PatientIDs: patientIDs, ProviderID: providerID, Force: force})
	if err != nil {
		return nil, err
	}
	return s.enqueue(ctx, pr, KindBatchSync, priority, payload, len(patientIDs), caps)
}

// EnqueuePrepSheets queues prep-sheet generation for the given patients.
func (s *Service) EnqueuePrepSheets(ctx context.Context, pr scope.Principal, patientIDs, screeningTypeIDs []uuid.UUID, writeBack bool) (*Job, error) {
	caps, err := s.precheck(ctx, pr, len(patientIDs))
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(PrepSheetsPayload{PatientIDs: patientIDs, ScreeningTypeIDs: screeningTypeIDs, WriteBack: writeBack})
	if err != nil {
		return nil, err
	}
	return s.enqueue(ctx, pr, KindPrepSheets, PriorityNormal, payload, len(patientIDs), caps)
}

func (s *Service) precheck(ctx context.Context, pr scope.Principal, batch int) (Caps, error) {
	if batch == 0 {
		return Caps{}, errs.Ef(errs.KindConflict, "empty patient set")
	}
	caps, err := s.caps.JobCaps(ctx, pr.TenantID)
	if err != nil {
		return Caps{}, err
	}
	if !caps.AsyncEnabled {
		return Caps{}, errs.Ef(errs.KindForbidden, "async jobs are disabled for this tenant")
	}
	if caps.MaxBatchSize > 0 && batch > caps.MaxBatchSize {
		return Caps{}, errs.Ef(errs.KindBatchTooLarge,
			"batch of %d exceeds tenant limit %d", batch, caps.MaxBatchSize)
	}
	return caps, nil
}

func (s *Service) enqueue(ctx context.Context, pr scope.Principal, kind string, priority int, payload json.RawMessage, total int, caps Caps) (*Job, error) {
	j := &Job{
		TenantID:       pr.TenantID,
		UserID:         pr.UserIDPtr(),
		Kind:           kind,
		Priority:       priority,
		Payload:        payload,
		Status:         StatusQueued,
		TotalItems:     total,
		MaxConcurrency: caps.MaxConcurrentJobs,
		CeilingSeconds: caps.JobCeilingSeconds,
	}
	if err := j.Validate(); err != nil {
		return nil, errs.E(errs.KindConflict, err)
	}
	if err := s.repo.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	s.auditJob(ctx, pr, j, hipaa.EventJobEnqueued)
	return j, nil
}

// Get returns the job if the principal's tenant owns it.
func (s *Service) Get(ctx context.Context, pr scope.Principal, id uuid.UUID) (*Job, error) {
	j, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, errs.Ef(errs.KindNotFound, "job %s", id)
	}
	if err := pr.CheckTenant(j.TenantID); err != nil {
		return nil, err
	}
	return j, nil
}

// List returns the tenant's jobs, newest first.
func (s *Service) List(ctx context.Context, pr scope.Principal, status string, limit, offset int) ([]*Job, int, error) {
	return s.repo.ListByTenant(ctx, pr.TenantID, status, limit, offset)
}

// Cancel requests cooperative cancellation. A queued job goes terminal
// immediately; a running job stops before its next item.
func (s *Service) Cancel(ctx context.Context, pr scope.Principal, id uuid.UUID) error {
	j, err := s.Get(ctx, pr, id)
	if err != nil {
		return err
	}
	if j.Terminal() {
		return errs.Ef(errs.KindConflict, "job %s is already %s", id, j.Status)
	}
	status, err := s.repo.RequestCancel(ctx, id)
	if err != nil {
		return err
	}
	s.log.Info().Str("job", id.String()).Str("status", status).Msg("cancellation requested")
	s.auditJob(ctx, pr, j, hipaa.EventJobCancelled)
	return nil
}

func (s *Service) auditJob(ctx context.Context, pr scope.Principal, j *Job, event string) {
	if s.audit == nil {
		return
	}
	id := j.ID
	entry := &hipaa.Entry{
		TenantID:     j.TenantID,
		UserID:       pr.UserIDPtr(),
		EventType:    event,
		ResourceType: "async_job",
		ResourceID:   &id,
		Data: map[string]any{
			"kind":        j.Kind,
			"total_items": j.TotalItems,
			"priority":    j.Priority,
		},
		IPAddress: pr.IPAddress,
		SessionID: pr.SessionID,
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("audit job")
	}
}

// EstimateWait is a coarse operator-facing hint: queued jobs ahead of this
// one in the same tenant times the ceiling.
func (s *Service) EstimateWait(ctx context.Context, pr scope.Principal, id uuid.UUID) (time.Duration, error) {
	j, err := s.Get(ctx, pr, id)
	if err != nil {
		return 0, err
	}
	if j.Status != StatusQueued {
		return 0, nil
	}
	ahead, _, err := s.repo.ListByTenant(ctx, j.TenantID, StatusQueued, 1000, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, other := range ahead {
		if other.Priority > j.Priority ||
			(other.Priority == j.Priority && other.CreatedAt.Before(j.CreatedAt)) {
			n++
		}
	}
	return time.Duration(n) * time.Duration(j.CeilingSeconds) * time.Second, nil
}
