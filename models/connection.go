package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/mmdatafocus/synchub_backend/config"
)

// ProviderConnection is the tenant-level switch for a provider: which
// providers receive sync jobs, plus per-tenant rate limit overrides.
type ProviderConnection struct {
	ID       uint   `gorm:"primary_key" json:"id"`
	TenantId string `gorm:"uniqueIndex:idx_provider_connection,priority:1;size:64;not null" json:"tenant_id"`
	Provider string `gorm:"uniqueIndex:idx_provider_connection,priority:2;size:50;not null" json:"provider"`
	Status   string `gorm:"size:20;not null" json:"status"`

	// Rate limit overrides; zero means use the provider default.
	RateCapacity  int `json:"rate_capacity"`
	RatePerMinute int `json:"rate_per_minute"`

	SettingsJSON   []byte     `gorm:"type:json" json:"settings"`
	LastSyncAt     *time.Time `json:"last_sync_at"`
	LastSyncStatus string     `gorm:"size:20" json:"last_sync_status"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetConnection(ctx context.Context, tenantId string, provider string) (*ProviderConnection, error) {
	var conn ProviderConnection
	err := config.GetDB().WithContext(ctx).
		Where("tenant_id = ? AND provider = ?", tenantId, provider).
		Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

// ListConnectedProviders resolves sync targets for a tenant.
func ListConnectedProviders(ctx context.Context, tenantId string) ([]ProviderConnection, error) {
	var conns []ProviderConnection
	err := config.GetDB().WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantId, ConnectionStatusConnected).
		Order("provider ASC").
		Find(&conns).Error
	if err != nil {
		return nil, err
	}
	return conns, nil
}

func SaveConnection(ctx context.Context, conn *ProviderConnection) error {
	db := config.GetDB().WithContext(ctx)
	existing, err := GetConnection(ctx, conn.TenantId, conn.Provider)
	if err != nil {
		return err
	}
	if existing == nil {
		return db.Create(conn).Error
	}
	return db.Model(&ProviderConnection{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"status":          conn.Status,
			"rate_capacity":   conn.RateCapacity,
			"rate_per_minute": conn.RatePerMinute,
			"settings_json":   conn.SettingsJSON,
		}).Error
}

func TouchConnectionSync(ctx context.Context, tenantId string, provider string, status string) error {
	now := time.Now().UTC()
	return config.GetDB().WithContext(ctx).
		Model(&ProviderConnection{}).
		Where("tenant_id = ? AND provider = ?", tenantId, provider).
		Updates(map[string]interface{}{
			"last_sync_at":     &now,
			"last_sync_status": status,
		}).Error
}
