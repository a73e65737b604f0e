package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/mmdatafocus/synchub_backend/config"
)

// Credential holds one tenant's OAuth tokens for one provider, encrypted at
// rest (sealing/opening happens in the vault package). Only the vault's
// refresh routine mutates token columns.
type Credential struct {
	ID       uint   `gorm:"primary_key" json:"id"`
	TenantId string `gorm:"uniqueIndex:idx_credential,priority:1;size:64;not null" json:"tenant_id"`
	Provider string `gorm:"uniqueIndex:idx_credential,priority:2;size:50;not null" json:"provider"`

	AccessTokenEnc  string           `gorm:"type:text" json:"-"`
	RefreshTokenEnc string           `gorm:"type:text" json:"-"`
	ExpiresAt       time.Time        `json:"expires_at"`
	Status          CredentialStatus `gorm:"size:20;not null" json:"status"`
	LastRefreshAt   *time.Time       `json:"last_refresh_at"`
	LastError       *string          `gorm:"type:text" json:"last_error"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetCredential(ctx context.Context, tenantId string, provider string) (*Credential, error) {
	var cred Credential
	err := config.GetDB().WithContext(ctx).
		Where("tenant_id = ? AND provider = ?", tenantId, provider).
		Take(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cred, nil
}

// SaveCredentialTokens persists a successful refresh or a fresh grant.
func SaveCredentialTokens(ctx context.Context, id uint, accessTokenEnc string, refreshTokenEnc string, expiresAt time.Time) error {
	now := time.Now().UTC()
	return config.GetDB().WithContext(ctx).
		Model(&Credential{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"access_token_enc":  accessTokenEnc,
			"refresh_token_enc": refreshTokenEnc,
			"expires_at":        expiresAt,
			"status":            CredentialStatusValid,
			"last_refresh_at":   &now,
			"last_error":        nil,
		}).Error
}

func MarkCredentialStatus(ctx context.Context, id uint, status CredentialStatus, lastError string) error {
	updates := map[string]interface{}{"status": status}
	if lastError != "" {
		updates["last_error"] = &lastError
	}
	return config.GetDB().WithContext(ctx).
		Model(&Credential{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// UpsertCredential stores a brand-new authorization grant, clearing any
// reauth_required state.
func UpsertCredential(ctx context.Context, tenantId string, provider string, accessTokenEnc string, refreshTokenEnc string, expiresAt time.Time) error {
	db := config.GetDB().WithContext(ctx)
	existing, err := GetCredential(ctx, tenantId, provider)
	if err != nil {
		return err
	}
	if existing == nil {
		cred := Credential{
			TenantId:        tenantId,
			Provider:        provider,
			AccessTokenEnc:  accessTokenEnc,
			RefreshTokenEnc: refreshTokenEnc,
			ExpiresAt:       expiresAt,
			Status:          CredentialStatusValid,
		}
		err = db.Create(&cred).Error
		if err == nil || !isDuplicateKeyErr(err) {
			return err
		}
		existing, err = GetCredential(ctx, tenantId, provider)
		if err != nil {
			return err
		}
		if existing == nil {
			return gorm.ErrRecordNotFound
		}
	}
	return SaveCredentialTokens(ctx, existing.ID, accessTokenEnc, refreshTokenEnc, expiresAt)
}
