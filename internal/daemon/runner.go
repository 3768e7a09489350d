package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benchtop-dev/benchtop/internal/config"
	"github.com/benchtop-dev/benchtop/internal/log"
	"github.com/benchtop-dev/benchtop/internal/store"
)

const (
	defaultClaimInterval = 250 * time.Millisecond
	defaultRunDuration   = 2 * time.Second
)

// ExecuteFunc performs one job. The default implementation is the local
// scheduler; cluster-specific schedulers plug in here.
type ExecuteFunc func(ctx context.Context, job *store.Job) error

// Runner claims queued jobs and drives them to a terminal state, honoring
// each cluster's max_jobs.
type Runner struct {
	store    JobStore
	logger   *slog.Logger
	interval time.Duration
	execute  ExecuteFunc
	sems     map[string]chan struct{}
	wg       sync.WaitGroup
}

// NewRunner creates a runner for the configured clusters.
func NewRunner(jobs JobStore, clusters []config.Cluster) *Runner {
	sems := make(map[string]chan struct{}, len(clusters))
	for _, cl := range clusters {
		n := cl.MaxJobs
		if n <= 0 {
			n = 1
		}
		sems[cl.Name] = make(chan struct{}, n)
	}
	return &Runner{
		store:    jobs,
		logger:   log.WithComponent("runner"),
		interval: defaultClaimInterval,
		execute:  localRun,
		sems:     sems,
	}
}

// Run blocks until ctx is canceled, claiming at most one job per interval.
// A full cluster applies backpressure: the claimed job waits for a slot.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}

		job, err := r.store.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("claim failed", "error", err)
			}
			continue
		}
		if job == nil {
			continue
		}

		sem := r.sems[job.Cluster]
		if sem == nil {
			// Cluster removed from config while jobs for it were queued.
			sem = make(chan struct{}, 1)
			r.sems[job.Cluster] = sem
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// The claimed job stays running; orphan recovery requeues it
			// on the next start.
			r.wg.Wait()
			return ctx.Err()
		}

		r.wg.Add(1)
		go r.runOne(ctx, job, sem)
	}
}

func (r *Runner) runOne(ctx context.Context, job *store.Job, sem chan struct{}) {
	defer r.wg.Done()
	defer func() { <-sem }()

	r.logger.Info("job started", "job_id", job.ID, "recipe", job.Recipe, "cluster", job.Cluster)
	err := r.execute(ctx, job)
	if errors.Is(err, context.Canceled) {
		// Shutdown mid-run; leave the row for orphan recovery.
		return
	}

	// Bookkeeping must finish even if shutdown began during the run.
	bg := context.WithoutCancel(ctx)

	// A cancel issued during the run wins over our completion.
	if current, getErr := r.store.Get(bg, job.ID); getErr == nil && current.Status == store.StatusCanceled {
		r.logger.Info("job canceled during run", "job_id", job.ID)
		return
	}

	status := store.StatusSucceeded
	var lastErr *string
	if err != nil {
		status = store.StatusFailed
		msg := err.Error()
		lastErr = &msg
	}
	if err := r.store.Complete(bg, job.ID, status, lastErr); err != nil {
		r.logger.Warn("complete failed", "job_id", job.ID, "error", err)
		return
	}
	r.logger.Info("job finished", "job_id", job.ID, "status", string(status))
}

// localRun is the scheduler for clusters without a remote backend: it holds
// the job for its requested wall time. Params may carry duration_ms.
func localRun(ctx context.Context, job *store.Job) error {
	duration := defaultRunDuration
	if len(job.Params) > 0 {
		var params struct {
			DurationMS int `json:"duration_ms"`
		}
		if err := json.Unmarshal(job.Params, &params); err == nil && params.DurationMS > 0 {
			duration = time.Duration(params.DurationMS) * time.Millisecond
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(duration):
		return nil
	}
}
