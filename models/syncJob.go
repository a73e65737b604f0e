package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mmdatafocus/synchub_backend/config"
)

// SyncJob is owned and mutated by the orchestrator/queue only. Workers return
// a result value; they never touch queue bookkeeping columns directly.
type SyncJob struct {
	ID       uint   `gorm:"primary_key" json:"id"`
	JobKey   string `gorm:"uniqueIndex;size:36;not null" json:"job_key"`
	TenantId string `gorm:"index;size:64;not null" json:"tenant_id"`

	EntityType EntityType `gorm:"size:50;not null" json:"entity_type"`
	InternalId string     `gorm:"size:128;not null" json:"internal_id"`
	Provider   string     `gorm:"size:50;not null" json:"provider"`
	Action     SyncAction `gorm:"size:20;not null" json:"action"`

	// EntityKey is the FIFO ordering key: jobs sharing it are processed in
	// submission order; jobs with different keys may run concurrently.
	EntityKey string `gorm:"index;size:255;not null" json:"entity_key"`

	PayloadJSON []byte `gorm:"type:json" json:"payload"`
	ContentHash string `gorm:"size:64" json:"content_hash"`

	Status      JobStatus  `gorm:"index;size:20;not null" json:"status"`
	Attempt     int        `json:"attempt"`
	NextRetryAt *time.Time `gorm:"index" json:"next_retry_at"`
	LastError   *string    `gorm:"type:text" json:"last_error"`
	ErrorKind   string     `gorm:"size:32" json:"error_kind"`
	DeadReason  DeadReason `gorm:"size:32" json:"dead_reason"`

	// Visibility-timeout claim bookkeeping: a claimed job becomes
	// reclaimable when locked_at goes stale.
	LockedAt *time.Time `gorm:"index" json:"locked_at"`
	LockedBy *string    `gorm:"size:64" json:"locked_by"`

	TriggeredBy   string     `gorm:"size:20" json:"triggered_by"`
	CorrelationId string     `gorm:"size:64" json:"correlation_id"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EntityKeyFor builds the per-entity FIFO key:
// internalId + entityType + provider, tenant-scoped.
func EntityKeyFor(tenantId string, entityType EntityType, internalId string, provider string) string {
	return fmt.Sprintf("%s|%s|%s|%s", tenantId, entityType, internalId, provider)
}

func GetSyncJobByKey(ctx context.Context, tenantId string, jobKey string) (*SyncJob, error) {
	var job SyncJob
	err := config.GetDB().WithContext(ctx).
		Where("tenant_id = ? AND job_key = ?", tenantId, jobKey).
		Take(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func ListSyncJobs(ctx context.Context, tenantId string, status JobStatus, limit int) ([]SyncJob, error) {
	q := config.GetDB().WithContext(ctx).Where("tenant_id = ?", tenantId)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var jobs []SyncJob
	if err := q.Order("id DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}
