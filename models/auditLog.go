package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/synchub_backend/config"
)

// AuditRecord is append-only: one row per sync attempt outcome. Rows are
// never updated or deleted; monitoring consumes them via the event stream
// and the export endpoint.
type AuditRecord struct {
	ID            uint         `gorm:"primary_key" json:"id"`
	TenantId      string       `gorm:"index;size:64;not null" json:"tenant_id"`
	JobKey        string       `gorm:"index;size:36" json:"job_key"`
	EntityType    EntityType   `gorm:"size:50" json:"entity_type"`
	InternalId    string       `gorm:"size:128" json:"internal_id"`
	Provider      string       `gorm:"size:50" json:"provider"`
	ExternalId    string       `gorm:"size:128" json:"external_id"`
	Outcome       AuditOutcome `gorm:"size:32;not null" json:"outcome"`
	ErrorKind     string       `gorm:"size:32" json:"error_kind"`
	Message       string       `gorm:"type:text" json:"message"`
	Attempt       int          `json:"attempt"`
	LatencyMs     int64        `json:"latency_ms"`
	CorrelationId string       `gorm:"size:64" json:"correlation_id"`
	CreatedAt     time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

func AppendAuditRecord(ctx context.Context, rec *AuditRecord) error {
	return config.GetDB().WithContext(ctx).Create(rec).Error
}

func ListAuditRecords(ctx context.Context, tenantId string, since time.Time, limit int) ([]AuditRecord, error) {
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	q := config.GetDB().WithContext(ctx).Where("tenant_id = ?", tenantId)
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	var recs []AuditRecord
	if err := q.Order("id ASC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}
