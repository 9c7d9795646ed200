package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/healthprep/healthprep/internal/platform/errs"
)

// ErrCancelled is returned from Checkpoint once cancellation is requested;
// handlers propagate it to stop between items.
var ErrCancelled = errors.New("job cancelled")

// HandlerFunc executes one claimed job and returns the result payload stored
// on completion. Handlers must call rt.Checkpoint between items and may call
// rt.Progress as often as they like.
type HandlerFunc func(ctx context.Context, job *Job, rt *Runtime) (json.RawMessage, error)

// Metrics is the optional telemetry hook; nil disables it.
type Metrics interface {
	JobStarted(kind string)
	JobFinished(kind, status string)
	WorkersBusy(delta int)
}

// Runtime is the per-job surface handlers use for progress and
// cancellation checks.
type Runtime struct {
	repo Repository
	job  *Job
	log  zerolog.Logger
}

// Progress persists item counts; percentage is derived from total_items and
// clamped. Safe to call repeatedly with the same values.
func (rt *Runtime) Progress(ctx context.Context, done, failed int) {
	pct := 0
	if rt.job.TotalItems > 0 {
		pct = (done + failed) * 100 / rt.job.TotalItems
	}
	if err := rt.repo.UpdateProgress(ctx, rt.job.ID, done, failed, pct); err != nil {
		rt.log.Warn().Err(err).Msg("persist job progress")
	}
}

// Checkpoint is the cooperative cancellation point: call it before starting
// each item. It surfaces context death and cancel requests.
func (rt *Runtime) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	requested, err := rt.repo.CancelRequested(ctx, rt.job.ID)
	if err != nil {
		return err
	}
	if requested {
		return ErrCancelled
	}
	return nil
}

// Pool runs N workers over the shared queue.
type Pool struct {
	repo     Repository
	handlers map[string]HandlerFunc
	workers  int
	poll     time.Duration
	metrics  Metrics
	log      zerolog.Logger
}

type PoolConfig struct {
	Repo    Repository
	Workers int
	// Poll is the idle re-check interval; defaults to 2s.
	Poll    time.Duration
	Metrics Metrics
	Logger  zerolog.Logger
}

func NewPool(cfg PoolConfig) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	poll := cfg.Poll
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Pool{
		repo:     cfg.Repo,
		handlers: make(map[string]HandlerFunc),
		workers:  workers,
		poll:     poll,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
	}
}

// Register binds a handler to a job kind. Not safe after Run starts.
func (p *Pool) Register(kind string, h HandlerFunc) {
	p.handlers[kind] = h
}

// Run blocks until ctx is done, then drains in-flight jobs and returns.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			log := p.log.With().Int("worker", worker).Logger()
			for {
				j, err := p.repo.Claim(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					log.Error().Err(err).Msg("claim job")
				}
				if j == nil {
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(p.poll):
					}
					continue
				}
				p.runJob(ctx, log, j)
			}
		})
	}
	return g.Wait()
}

func (p *Pool) runJob(ctx context.Context, log zerolog.Logger, j *Job) {
	log = log.With().Str("job", j.ID.String()).Str("kind", j.Kind).Str("tenant", j.TenantID.String()).Logger()

	if p.metrics != nil {
		p.metrics.JobStarted(j.Kind)
		p.metrics.WorkersBusy(1)
		defer p.metrics.WorkersBusy(-1)
	}

	handler, ok := p.handlers[j.Kind]
	if !ok {
		log.Error().Msg("no handler for job kind")
		p.finish(ctx, log, j, StatusFailed, nil, fmt.Sprintf("no handler registered for kind %q", j.Kind))
		return
	}

	// Per-job wall-clock ceiling.
	runCtx := ctx
	if j.CeilingSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(j.CeilingSeconds)*time.Second)
		defer cancel()
	}

	rt := &Runtime{repo: p.repo, job: j, log: log}
	result, err := handler(runCtx, j, rt)

	switch {
	case err == nil:
		p.finish(ctx, log, j, StatusCompleted, result, "")
	case errors.Is(err, ErrCancelled):
		p.finish(ctx, log, j, StatusCancelled, nil, "")
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		p.finish(ctx, log, j, StatusFailed, nil, fmt.Sprintf("job exceeded %ds wall-clock ceiling", j.CeilingSeconds))
	case errs.KindOf(err) == errs.KindRateLimitExceeded:
		p.pause(ctx, log, j, err)
	default:
		p.finish(ctx, log, j, StatusFailed, nil, err.Error())
	}
}

// pause puts a rate-limited job back in the queue with a resume time instead
// of failing it: exponential backoff from 30s, never past the top of the
// next hour, when the tenant's FHIR budget resets.
func (p *Pool) pause(ctx context.Context, log zerolog.Logger, j *Job, cause error) {
	resume := rateLimitResume(time.Now(), j.Attempts)
	if err := p.repo.Requeue(context.WithoutCancel(ctx), j.ID, resume); err != nil {
		log.Error().Err(err).Msg("requeue rate-limited job")
		return
	}
	if p.metrics != nil {
		p.metrics.JobFinished(j.Kind, StatusQueued)
	}
	log.Info().Err(cause).Time("resume", resume).Msg("job paused for rate limit")
}

// finish uses a detached context so a dying worker can still record the
// terminal state.
func (p *Pool) finish(ctx context.Context, log zerolog.Logger, j *Job, status string, result json.RawMessage, msg string) {
	finCtx := context.WithoutCancel(ctx)

	var err error
	switch status {
	case StatusCompleted:
		err = p.repo.Complete(finCtx, j.ID, result)
	case StatusCancelled:
		err = p.repo.MarkCancelled(finCtx, j.ID)
	default:
		err = p.repo.Fail(finCtx, j.ID, msg)
	}
	if err != nil {
		log.Error().Err(err).Str("status", status).Msg("record job outcome")
		return
	}
	if p.metrics != nil {
		p.metrics.JobFinished(j.Kind, status)
	}
	log.Info().Str("status", status).Msg("job finished")
}
