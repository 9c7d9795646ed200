package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthprep/healthprep/internal/platform/db"
	"github.com/healthprep/healthprep/internal/platform/errs"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const jobCols = `id, tenant_id, user_id, kind, priority, payload, result,
	status, progress, total_items, done_items, failed_items, error,
	cancel_requested, attempts, not_before, max_concurrency, ceiling_seconds,
	created_at, started_at, completed_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.TenantID, &j.UserID, &j.Kind, &j.Priority,
		&j.Payload, &j.Result, &j.Status, &j.Progress, &j.TotalItems,
		&j.DoneItems, &j.FailedItems, &j.Error, &j.CancelRequested,
		&j.Attempts, &j.NotBefore, &j.MaxConcurrency, &j.CeilingSeconds,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *repoPG) Create(ctx context.Context, j *Job) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO async_job (id, tenant_id, user_id, kind, priority, payload,
			status, total_items, max_concurrency, ceiling_seconds)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		j.ID, j.TenantID, j.UserID, j.Kind, j.Priority, j.Payload,
		StatusQueued, j.TotalItems, j.MaxConcurrency, j.CeilingSeconds)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	return scanJob(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+jobCols+` FROM async_job WHERE id = $1`, id))
}

func (r *repoPG) ListByTenant(ctx context.Context, tenantID uuid.UUID, status string, limit, offset int) ([]*Job, int, error) {
	conn := db.Conn(ctx, r.pool)

	where := `tenant_id = $1`
	args := []any{tenantID}
	if status != "" {
		where += ` AND status = $2`
		args = append(args, status)
	}

	var total int
	if err := conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM async_job WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT `+jobCols+` FROM async_job WHERE `+where+`
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, j)
	}
	return out, total, rows.Err()
}

// Claim picks the highest-priority oldest queued job whose tenant is under
// its concurrency cap. SKIP LOCKED keeps concurrent workers from fighting
// over one row.
func (r *repoPG) Claim(ctx context.Context) (*Job, error) {
	return scanJob(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE async_job SET status = $1, started_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT j.id FROM async_job j
			WHERE j.status = $2
			  AND (j.not_before IS NULL OR j.not_before <= NOW())
			  AND (SELECT COUNT(*) FROM async_job r
			       WHERE r.tenant_id = j.tenant_id AND r.status = $1) < j.max_concurrency
			ORDER BY j.priority DESC, j.created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobCols,
		StatusRunning, StatusQueued))
}

func (r *repoPG) UpdateProgress(ctx context.Context, id uuid.UUID, done, failed, progress int) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE async_job SET done_items = $2, failed_items = $3, progress = $4,
			updated_at = NOW()
		WHERE id = $1 AND status = $5`,
		id, done, failed, clampProgress(progress), StatusRunning)
	return err
}

func (r *repoPG) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE async_job SET status = $2, result = $3, progress = 100,
			completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, StatusCompleted, result, StatusRunning)
	return err
}

func (r *repoPG) Fail(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE async_job SET status = $2, error = $3,
			completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, StatusFailed, truncateError(msg), StatusRunning)
	return err
}

func (r *repoPG) Requeue(ctx context.Context, id uuid.UUID, notBefore time.Time) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE async_job SET status = $2, not_before = $3, attempts = attempts + 1,
			started_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, StatusQueued, notBefore, StatusRunning)
	return err
}

func (r *repoPG) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE async_job SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)`,
		id, StatusCancelled, StatusQueued, StatusRunning)
	return err
}

func (r *repoPG) RequestCancel(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE async_job SET cancel_requested = TRUE,
			status = CASE WHEN status = $2 THEN $3 ELSE status END,
			completed_at = CASE WHEN status = $2 THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $1 AND status IN ($2, $4)
		RETURNING status`,
		id, StatusQueued, StatusCancelled, StatusRunning).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errs.Ef(errs.KindConflict, "job %s is not cancellable", id)
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

func (r *repoPG) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT cancel_requested FROM async_job WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, errs.Ef(errs.KindNotFound, "job %s", id)
	}
	return requested, err
}

func (r *repoPG) CountQueued(ctx context.Context) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT count(*) FROM async_job WHERE status = 'queued'`).Scan(&n)
	return n, err
}
