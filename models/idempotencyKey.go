package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/synchub_backend/config"
)

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)

// IdempotencyKey provides durable, DB-backed idempotency for inbound source
// events: redelivered notifications must not enqueue duplicate jobs.
// Unique constraint: (tenant_id, handler_name, message_id).
type IdempotencyKey struct {
	ID          int               `gorm:"primary_key" json:"id"`
	TenantId    string            `gorm:"size:64;not null;index:uniq_idem,unique" json:"tenant_id"`
	HandlerName string            `gorm:"size:100;not null;index:uniq_idem,unique" json:"handler_name"`
	MessageId   string            `gorm:"size:255;not null;index:uniq_idem,unique" json:"message_id"`
	Status      IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	LastError   *string           `gorm:"type:text" json:"last_error"`
	CreatedAt   time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// staleClaimWindow bounds how long a STARTED key blocks redeliveries. A
// handler that neither succeeded nor failed within it is presumed crashed.
const staleClaimWindow = 5 * time.Minute

// BeginIdempotent claims the key for this delivery. Returns false when the
// message was already handled (SUCCEEDED) or another handler is still working
// on it. FAILED and stale STARTED rows are re-claimed: the source redelivers
// at least once, and a redelivery after a failed run must retry the work, not
// be absorbed as a duplicate.
func BeginIdempotent(ctx context.Context, tenantId string, handlerName string, messageId string) (bool, error) {
	db := config.GetDB().WithContext(ctx)
	key := IdempotencyKey{
		TenantId:    tenantId,
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      IdempotencyStatusStarted,
	}
	err := db.Create(&key).Error
	if err == nil {
		return true, nil
	}
	if !isDuplicateKeyErr(err) {
		return false, err
	}

	var existing IdempotencyKey
	if err := db.
		Where("tenant_id = ? AND handler_name = ? AND message_id = ?", tenantId, handlerName, messageId).
		First(&existing).Error; err != nil {
		return false, err
	}
	switch existing.Status {
	case IdempotencyStatusSucceeded:
		return false, nil
	case IdempotencyStatusStarted:
		if time.Since(existing.UpdatedAt) < staleClaimWindow {
			return false, nil
		}
	}

	// FAILED, or STARTED past the staleness window: re-claim the row.
	err = db.Model(&IdempotencyKey{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"status":     IdempotencyStatusStarted,
			"last_error": nil,
		}).Error
	if err != nil {
		return false, err
	}
	return true, nil
}

func FinishIdempotent(ctx context.Context, tenantId string, handlerName string, messageId string, status IdempotencyStatus, lastError string) error {
	updates := map[string]interface{}{"status": status}
	if lastError != "" {
		updates["last_error"] = &lastError
	}
	return config.GetDB().WithContext(ctx).
		Model(&IdempotencyKey{}).
		Where("tenant_id = ? AND handler_name = ? AND message_id = ?", tenantId, handlerName, messageId).
		Updates(updates).Error
}
