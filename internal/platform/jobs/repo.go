package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Repository persists the queue. Claim is the only contended path; the rest
// are plain row updates.
type Repository interface {
	Create(ctx context.Context, j *Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID, status string, limit, offset int) ([]*Job, int, error)

	// Claim atomically moves the best queued job to running and returns it,
	// or nil when nothing is claimable. A job is claimable only while its
	// tenant has fewer than max_concurrency jobs running.
	Claim(ctx context.Context) (*Job, error)

	// UpdateProgress is idempotent; workers call it after every item.
	UpdateProgress(ctx context.Context, id uuid.UUID, done, failed, progress int) error

	Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error
	Fail(ctx context.Context, id uuid.UUID, msg string) error
	MarkCancelled(ctx context.Context, id uuid.UUID) error

	// Requeue moves a running job back to queued with a not-before stamp,
	// bumping its attempt count. Used for rate-limit pauses.
	Requeue(ctx context.Context, id uuid.UUID, notBefore time.Time) error

	// RequestCancel flips the cancel flag; a still-queued job goes terminal
	// immediately. Returns the resulting status.
	RequestCancel(ctx context.Context, id uuid.UUID) (string, error)
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)

	// CountQueued reports current queue depth, for the stats gauge.
	CountQueued(ctx context.Context) (int, error)
}
