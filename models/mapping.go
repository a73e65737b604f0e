package models

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"github.com/mmdatafocus/synchub_backend/config"
)

// EntityMapping is the durable association between an internal entity and its
// external representation in one provider. The tuple
// (tenant_id, internal_id, entity_type, provider) is unique: one external
// representative per provider.
type EntityMapping struct {
	ID           uint       `gorm:"primary_key" json:"id"`
	TenantId     string     `gorm:"uniqueIndex:idx_entity_mapping,priority:1;size:64;not null" json:"tenant_id"`
	InternalId   string     `gorm:"uniqueIndex:idx_entity_mapping,priority:2;size:128;not null" json:"internal_id"`
	EntityType   EntityType `gorm:"uniqueIndex:idx_entity_mapping,priority:3;size:50;not null" json:"entity_type"`
	Provider     string     `gorm:"uniqueIndex:idx_entity_mapping,priority:4;size:50;not null" json:"provider"`
	ExternalId   string     `gorm:"size:128;not null" json:"external_id"`
	ContentHash  string     `gorm:"size:64" json:"content_hash"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ErrExternalIdChanged is returned when an upsert tries to move a mapping to
// a different external id. External ids never change once set for a provider,
// unless the source entity was deleted and recreated (DeleteMapping first).
var ErrExternalIdChanged = errors.New("entity mapping external id cannot change")

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// GetMapping returns the mapping row or (nil, nil) when absent.
func GetMapping(ctx context.Context, tenantId string, internalId string, entityType EntityType, provider string) (*EntityMapping, error) {
	var mapping EntityMapping
	err := config.GetDB().WithContext(ctx).
		Where("tenant_id = ? AND internal_id = ? AND entity_type = ? AND provider = ?",
			tenantId, internalId, entityType, provider).
		Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mapping, nil
}

// UpsertMapping creates the mapping on first successful sync and refreshes
// content_hash/last_synced_at on subsequent ones. Concurrent upserts for the
// same key are serialized by the unique index: the loser of a create race
// falls through to the update path (last-writer-wins on hash and timestamp).
func UpsertMapping(ctx context.Context, tenantId string, internalId string, entityType EntityType, provider string, externalId string, contentHash string) error {
	db := config.GetDB().WithContext(ctx)
	now := time.Now().UTC()

	existing, err := GetMapping(ctx, tenantId, internalId, entityType, provider)
	if err != nil {
		return err
	}
	if existing == nil {
		mapping := EntityMapping{
			TenantId:     tenantId,
			InternalId:   internalId,
			EntityType:   entityType,
			Provider:     provider,
			ExternalId:   externalId,
			ContentHash:  contentHash,
			LastSyncedAt: &now,
		}
		err = db.Create(&mapping).Error
		if err == nil {
			return nil
		}
		if !isDuplicateKeyErr(err) {
			return err
		}
		// Lost a create race; re-read and continue as an update.
		existing, err = GetMapping(ctx, tenantId, internalId, entityType, provider)
		if err != nil {
			return err
		}
		if existing == nil {
			return gorm.ErrRecordNotFound
		}
	}

	if existing.ExternalId != externalId {
		return ErrExternalIdChanged
	}

	return db.Model(&EntityMapping{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"content_hash":   contentHash,
			"last_synced_at": &now,
		}).Error
}

// DeleteMapping removes the row after a source-entity deletion has been
// propagated to the provider.
func DeleteMapping(ctx context.Context, tenantId string, internalId string, entityType EntityType, provider string) error {
	return config.GetDB().WithContext(ctx).
		Where("tenant_id = ? AND internal_id = ? AND entity_type = ? AND provider = ?",
			tenantId, internalId, entityType, provider).
		Delete(&EntityMapping{}).Error
}

// ListMappings backs the admin inspection endpoint.
func ListMappings(ctx context.Context, tenantId string, internalId string, provider string) ([]EntityMapping, error) {
	q := config.GetDB().WithContext(ctx).Where("tenant_id = ?", tenantId)
	if internalId != "" {
		q = q.Where("internal_id = ?", internalId)
	}
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}
	var mappings []EntityMapping
	if err := q.Order("id ASC").Find(&mappings).Error; err != nil {
		return nil, err
	}
	return mappings, nil
}
