package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mmdatafocus/synchub_backend/config"
	"github.com/mmdatafocus/synchub_backend/models"
	"github.com/mmdatafocus/synchub_backend/utils"
)

// Runner polls the queue and fans claimed jobs out to a bounded worker pool.
// Claiming already enforces per-entity ordering, so workers can run claimed
// jobs fully in parallel.
type Runner struct {
	orchestrator *Orchestrator
	workers      int
	pollInterval time.Duration
	claimBatch   int
	reclaimEvery time.Duration
	jobGrace     time.Duration
}

func NewRunner(o *Orchestrator) *Runner {
	return &Runner{
		orchestrator: o,
		workers:      utils.IntFromEnv("SYNC_WORKERS", 4),
		pollInterval: utils.SecondsFromEnv("SYNC_POLL_INTERVAL_SECONDS", 5*time.Second),
		claimBatch:   utils.IntFromEnv("SYNC_CLAIM_BATCH", 10),
		reclaimEvery: utils.SecondsFromEnv("SYNC_RECLAIM_INTERVAL_SECONDS", time.Minute),
		jobGrace:     utils.SecondsFromEnv("SYNC_JOB_GRACE_SECONDS", 2*time.Minute),
	}
}

// jobContext detaches a claimed job from the runner's lifecycle: cancelling
// the poll loop must not abort a job mid-flight or fail its disposition
// writes, otherwise drained jobs linger as running until the visibility
// timeout. The grace deadline still bounds runaway provider calls; context
// values (correlation id) carry over.
func jobContext(ctx context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), grace)
}

// Run blocks until ctx is cancelled, then drains in-flight jobs before
// returning.
func (r *Runner) Run(ctx context.Context) {
	config.GetLogger().WithFields(logrus.Fields{
		"workers":      r.workers,
		"pollInterval": r.pollInterval.String(),
		"claimBatch":   r.claimBatch,
	}).Info("sync worker runner started")

	jobs := make(chan models.SyncJob)
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				j := job
				jobCtx, settle := jobContext(ctx, r.jobGrace)
				if err := r.orchestrator.ProcessJob(jobCtx, &j); err != nil {
					config.GetLogger().WithFields(logrus.Fields{
						"jobKey": j.JobKey,
					}).WithError(err).Error("job disposition failed")
				}
				settle()
			}
		}()
	}

	pollTicker := time.NewTicker(r.pollInterval)
	reclaimTicker := time.NewTicker(r.reclaimEvery)
	defer pollTicker.Stop()
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			config.GetLogger().Info("sync worker runner stopped")
			return

		case <-reclaimTicker.C:
			if _, err := r.orchestrator.queue.ReclaimStale(ctx); err != nil {
				config.GetLogger().WithError(err).Error("stale job reclaim failed")
			}

		case <-pollTicker.C:
			claimed, err := r.orchestrator.queue.Claim(ctx, r.claimBatch)
			if err != nil {
				config.GetLogger().WithError(err).Error("job claim failed")
				continue
			}
			for _, job := range claimed {
				select {
				case jobs <- job:
				case <-ctx.Done():
					// Unstarted claims are re-delivered after the
					// visibility timeout.
					close(jobs)
					wg.Wait()
					return
				}
			}
		}
	}
}
