// Package queue is the durable sync-job queue: MySQL-backed, claimed with
// SELECT ... FOR UPDATE SKIP LOCKED, FIFO per entity key, with a visibility
// timeout so jobs held by a crashed worker are reclaimed.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/mmdatafocus/synchub_backend/config"
	"github.com/mmdatafocus/synchub_backend/models"
	"github.com/mmdatafocus/synchub_backend/utils"
)

// VisibilityTimeout is how long a claimed job may sit in running before it is
// considered abandoned and requeued.
func VisibilityTimeout() time.Duration {
	return utils.SecondsFromEnv("SYNC_VISIBILITY_TIMEOUT_SECONDS", 10*time.Minute)
}

type Queue struct {
	workerId string
}

func New(workerId string) *Queue {
	if workerId == "" {
		workerId = uuid.NewString()
	}
	return &Queue{workerId: workerId}
}

func (q *Queue) WorkerId() string { return q.workerId }

// Enqueue inserts a new job and supersedes any still-queued job for the same
// entity key: the newer payload snapshot makes the older one pointless, and
// skipping it preserves per-entity ordering. Running jobs are left alone;
// their retries are gated by the FIFO claim guard instead.
func (q *Queue) Enqueue(ctx context.Context, job *models.SyncJob) error {
	if job.JobKey == "" {
		job.JobKey = uuid.NewString()
	}
	job.EntityKey = models.EntityKeyFor(job.TenantId, job.EntityType, job.InternalId, job.Provider)
	job.Status = models.JobStatusQueued
	job.Attempt = 0

	return config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&models.SyncJob{}).
			Where("entity_key = ? AND status IN ?", job.EntityKey,
				[]models.JobStatus{models.JobStatusQueued, models.JobStatusFailed}).
			Updates(map[string]interface{}{
				"status":      models.JobStatusDead,
				"dead_reason": models.DeadReasonSuperseded,
				"finished_at": &now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			config.GetLogger().WithFields(logrus.Fields{
				"entityKey":  job.EntityKey,
				"superseded": res.RowsAffected,
			}).Info("superseded pending sync jobs with newer snapshot")
		}
		return tx.Create(job).Error
	})
}

// Claim atomically moves up to limit due jobs to running under this worker.
// A job is due when queued, past its next_retry_at, and no other job for the
// same entity key is running or ahead of it in line.
func (q *Queue) Claim(ctx context.Context, limit int) ([]models.SyncJob, error) {
	if limit <= 0 {
		limit = 1
	}
	var claimed []models.SyncJob
	err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		var jobs []models.SyncJob
		err := tx.Raw(`
			SELECT s.* FROM sync_jobs s
			WHERE s.status = ?
			  AND (s.next_retry_at IS NULL OR s.next_retry_at <= ?)
			  AND NOT EXISTS (
			    SELECT 1 FROM sync_jobs r
			    WHERE r.entity_key = s.entity_key
			      AND (r.status = ? OR (r.id < s.id AND r.status IN (?, ?)))
			  )
			ORDER BY s.id
			LIMIT ?
			FOR UPDATE SKIP LOCKED`,
			models.JobStatusQueued, now,
			models.JobStatusRunning,
			models.JobStatusQueued, models.JobStatusFailed,
			limit,
		).Scan(&jobs).Error
		if err != nil {
			return err
		}
		// The NOT EXISTS clause enforces FIFO against the whole table; this
		// keeps the batch itself consistent should two rows for one entity
		// key ever slip through together.
		eligible := make([]models.SyncJob, 0, len(jobs))
		for _, j := range jobs {
			if eligibleForClaim(j, jobs, now) {
				eligible = append(eligible, j)
			}
		}
		jobs = eligible
		if len(jobs) == 0 {
			return nil
		}

		ids := make([]uint, 0, len(jobs))
		for i := range jobs {
			ids = append(ids, jobs[i].ID)
		}
		if err := tx.Model(&models.SyncJob{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":     models.JobStatusRunning,
				"attempt":    gorm.Expr("attempt + 1"),
				"locked_at":  &now,
				"locked_by":  &q.workerId,
				"started_at": &now,
			}).Error; err != nil {
			return err
		}
		for i := range jobs {
			jobs[i].Status = models.JobStatusRunning
			jobs[i].Attempt++
			jobs[i].LockedAt = &now
			jobs[i].LockedBy = &q.workerId
			jobs[i].StartedAt = &now
		}
		claimed = jobs
		return nil
	})
	return claimed, err
}

// ReclaimStale requeues running jobs whose lock outlived the visibility
// timeout (worker crash or deploy kill). The attempt already counted stays
// counted.
func (q *Queue) ReclaimStale(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-VisibilityTimeout())
	res := config.GetDB().WithContext(ctx).
		Model(&models.SyncJob{}).
		Where("status = ? AND locked_at < ?", models.JobStatusRunning, cutoff).
		Updates(map[string]interface{}{
			"status":    models.JobStatusQueued,
			"locked_at": nil,
			"locked_by": nil,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		config.GetLogger().WithFields(logrus.Fields{
			"reclaimed": res.RowsAffected,
		}).Warn("requeued sync jobs abandoned past visibility timeout")
	}
	return res.RowsAffected, nil
}

func (q *Queue) MarkSucceeded(ctx context.Context, job *models.SyncJob) error {
	now := time.Now().UTC()
	return config.GetDB().WithContext(ctx).
		Model(&models.SyncJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":      models.JobStatusSucceeded,
			"finished_at": &now,
			"locked_at":   nil,
			"locked_by":   nil,
			"last_error":  nil,
		}).Error
}

// MarkRetry schedules the next attempt, or dead-letters on attempt
// exhaustion. retryAfter, when positive (provider Retry-After), governs the
// delay; otherwise the exponential backoff does.
func (q *Queue) MarkRetry(ctx context.Context, job *models.SyncJob, errorKind string, errMsg string, retryAfter time.Duration) error {
	if job.Attempt >= MaxAttempts() {
		return q.MarkDead(ctx, job, models.DeadReasonMaxAttempts, errorKind, errMsg)
	}
	next := time.Now().UTC().Add(retryDelay(job.Attempt, retryAfter))
	return config.GetDB().WithContext(ctx).
		Model(&models.SyncJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":        models.JobStatusFailed,
			"next_retry_at": &next,
			"last_error":    &errMsg,
			"error_kind":    errorKind,
			"locked_at":     nil,
			"locked_by":     nil,
		}).Error
}

func (q *Queue) MarkDead(ctx context.Context, job *models.SyncJob, reason models.DeadReason, errorKind string, errMsg string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":      models.JobStatusDead,
		"dead_reason": reason,
		"error_kind":  errorKind,
		"finished_at": &now,
		"locked_at":   nil,
		"locked_by":   nil,
	}
	if errMsg != "" {
		updates["last_error"] = &errMsg
	}
	config.GetLogger().WithFields(logrus.Fields{
		"jobKey":     job.JobKey,
		"entityKey":  job.EntityKey,
		"deadReason": reason,
		"attempt":    job.Attempt,
	}).Error("sync job dead-lettered")
	return config.GetDB().WithContext(ctx).
		Model(&models.SyncJob{}).
		Where("id = ?", job.ID).
		Updates(updates).Error
}

// RequeueDead puts one dead job back in line with a fresh attempt budget.
func (q *Queue) RequeueDead(ctx context.Context, tenantId string, jobKey string) error {
	res := config.GetDB().WithContext(ctx).
		Model(&models.SyncJob{}).
		Where("tenant_id = ? AND job_key = ? AND status = ?", tenantId, jobKey, models.JobStatusDead).
		Updates(requeueUpdates())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// RequeueDeadByReason bulk-requeues dead jobs, optionally filtered by dead
// reason. Used by the operational requeue tool.
func (q *Queue) RequeueDeadByReason(ctx context.Context, tenantId string, reason models.DeadReason, limit int) (int64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	db := config.GetDB().WithContext(ctx)

	sub := db.Model(&models.SyncJob{}).
		Select("id").
		Where("status = ?", models.JobStatusDead).
		Order("id").
		Limit(limit)
	if tenantId != "" {
		sub = sub.Where("tenant_id = ?", tenantId)
	}
	if reason != "" {
		sub = sub.Where("dead_reason = ?", reason)
	}
	var ids []uint
	if err := sub.Find(&ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := db.Model(&models.SyncJob{}).
		Where("id IN ? AND status = ?", ids, models.JobStatusDead).
		Updates(requeueUpdates())
	return res.RowsAffected, res.Error
}

func requeueUpdates() map[string]interface{} {
	return map[string]interface{}{
		"status":        models.JobStatusQueued,
		"attempt":       0,
		"dead_reason":   "",
		"next_retry_at": nil,
		"last_error":    nil,
		"error_kind":    "",
		"locked_at":     nil,
		"locked_by":     nil,
		"finished_at":   nil,
		"triggered_by":  models.SyncTriggeredRetry,
	}
}
