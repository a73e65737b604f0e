// Package vault manages per-tenant, per-provider OAuth credentials: encrypted
// at rest, cached in redis while fresh, refreshed under a distributed lock so
// concurrent workers never race a refresh-token rotation.
package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"

	"github.com/mmdatafocus/synchub_backend/config"
	"github.com/mmdatafocus/synchub_backend/models"
	"github.com/mmdatafocus/synchub_backend/providers"
	"github.com/mmdatafocus/synchub_backend/syncerr"
	"github.com/mmdatafocus/synchub_backend/utils"
)

// ExpiryMargin is how long before the recorded expiry a token is treated as
// expired. Refreshing early avoids handing a worker a token that dies
// mid-call.
const ExpiryMargin = 5 * time.Minute

const refreshLockTTL = 30 * time.Second

type credentialStore interface {
	Get(ctx context.Context, tenantId string, provider string) (*models.Credential, error)
	SaveTokens(ctx context.Context, id uint, accessEnc string, refreshEnc string, expiresAt time.Time) error
	MarkStatus(ctx context.Context, id uint, status models.CredentialStatus, lastError string) error
	Upsert(ctx context.Context, tenantId string, provider string, accessEnc string, refreshEnc string, expiresAt time.Time) error
}

type dbStore struct{}

func (dbStore) Get(ctx context.Context, tenantId string, provider string) (*models.Credential, error) {
	return models.GetCredential(ctx, tenantId, provider)
}
func (dbStore) SaveTokens(ctx context.Context, id uint, accessEnc string, refreshEnc string, expiresAt time.Time) error {
	return models.SaveCredentialTokens(ctx, id, accessEnc, refreshEnc, expiresAt)
}
func (dbStore) MarkStatus(ctx context.Context, id uint, status models.CredentialStatus, lastError string) error {
	return models.MarkCredentialStatus(ctx, id, status, lastError)
}
func (dbStore) Upsert(ctx context.Context, tenantId string, provider string, accessEnc string, refreshEnc string, expiresAt time.Time) error {
	return models.UpsertCredential(ctx, tenantId, provider, accessEnc, refreshEnc, expiresAt)
}

type tokenCache interface {
	Get(key string) (string, bool, error)
	Set(key string, value string, ttl time.Duration) error
	Del(key string) error
}

type redisCache struct{}

func (redisCache) Get(key string) (string, bool, error) { return config.GetRedisValue(key) }
func (redisCache) Set(key string, value string, ttl time.Duration) error {
	return config.SetRedisValue(key, value, ttl)
}
func (redisCache) Del(key string) error { return config.RemoveRedisKey(key) }

// Vault is safe for concurrent use. The zero value is not usable; construct
// with New.
type Vault struct {
	oauth     func(provider string) (providers.OAuthConfig, error)
	refresher func(ctx context.Context, cfg providers.OAuthConfig, refreshToken string) (providers.Grant, error)
	store     credentialStore
	cache     tokenCache
	lock      func(ctx context.Context, key string, fn func() error) error
	now       func() time.Time
}

func New(registry *providers.Registry) *Vault {
	return &Vault{
		oauth:     registry.OAuth,
		refresher: providers.RefreshAccessToken,
		store:     dbStore{},
		cache:     redisCache{},
		lock:      redisLock,
		now:       time.Now,
	}
}

// redisLock serializes fn across instances. With no redis configured (local
// runs, tests) it degrades to running fn directly.
func redisLock(ctx context.Context, key string, fn func() error) error {
	locker := config.GetRedisLock()
	if locker == nil {
		return fn()
	}
	lock, err := locker.Obtain(ctx, key, refreshLockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(200*time.Millisecond), 50),
	})
	if err != nil {
		return syncerr.Transient("could not obtain refresh lock", err)
	}
	defer lock.Release(context.Background())
	return fn()
}

func cacheKey(tenantId string, provider string) string {
	return fmt.Sprintf("synchub:token:%s:%s", tenantId, provider)
}

func lockKey(tenantId string, provider string) string {
	return fmt.Sprintf("synchub:token-refresh:%s:%s", tenantId, provider)
}

// GetValidToken returns a decrypted access token guaranteed fresh for at
// least ExpiryMargin. A missing or revoked credential is REAUTH_REQUIRED;
// refresh-endpoint outages are TRANSIENT so the job retries.
func (v *Vault) GetValidToken(ctx context.Context, tenantId string, provider string) (string, error) {
	if token, ok, err := v.cache.Get(cacheKey(tenantId, provider)); err == nil && ok {
		return token, nil
	}

	cred, err := v.store.Get(ctx, tenantId, provider)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", syncerr.ReauthRequired(fmt.Sprintf("no %s credential for tenant %s", provider, tenantId), nil)
	}
	if cred.Status == models.CredentialStatusReauthRequired {
		return "", syncerr.ReauthRequired(fmt.Sprintf("%s credential for tenant %s awaits re-authorization", provider, tenantId), nil)
	}

	if token, ok := v.freshToken(cred); ok {
		return token, nil
	}

	var token string
	err = v.lock(ctx, lockKey(tenantId, provider), func() error {
		// Another worker may have refreshed while this one waited.
		cred, err = v.store.Get(ctx, tenantId, provider)
		if err != nil {
			return err
		}
		if cred == nil {
			return syncerr.ReauthRequired(fmt.Sprintf("no %s credential for tenant %s", provider, tenantId), nil)
		}
		if t, ok := v.freshToken(cred); ok {
			token = t
			return nil
		}
		token, err = v.refresh(ctx, cred)
		return err
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (v *Vault) freshToken(cred *models.Credential) (string, bool) {
	if cred.AccessTokenEnc == "" || !cred.ExpiresAt.After(v.now().Add(ExpiryMargin)) {
		return "", false
	}
	token, err := utils.DecryptSecret(cred.AccessTokenEnc)
	if err != nil {
		// Undecryptable ciphertext (rotated key): force a refresh instead.
		config.GetLogger().WithFields(logrus.Fields{
			"tenantId": cred.TenantId,
			"provider": cred.Provider,
		}).Warn("stored access token undecryptable, forcing refresh")
		return "", false
	}
	v.cacheUntilMargin(cred, token)
	return token, true
}

func (v *Vault) cacheUntilMargin(cred *models.Credential, token string) {
	ttl := cred.ExpiresAt.Add(-ExpiryMargin).Sub(v.now())
	if ttl > 0 {
		_ = v.cache.Set(cacheKey(cred.TenantId, cred.Provider), token, ttl)
	}
}

func (v *Vault) refresh(ctx context.Context, cred *models.Credential) (string, error) {
	cfg, err := v.oauth(cred.Provider)
	if err != nil {
		return "", err
	}
	refreshToken, err := utils.DecryptSecret(cred.RefreshTokenEnc)
	if err != nil || refreshToken == "" {
		_ = v.store.MarkStatus(ctx, cred.ID, models.CredentialStatusReauthRequired, "stored refresh token unreadable")
		return "", syncerr.ReauthRequired("stored refresh token unreadable", err)
	}

	if err := v.store.MarkStatus(ctx, cred.ID, models.CredentialStatusRefreshing, ""); err != nil {
		return "", err
	}

	grant, err := v.refresher(ctx, cfg, refreshToken)
	if err != nil {
		if syncerr.KindOf(err) == syncerr.KindReauthRequired {
			_ = v.store.MarkStatus(ctx, cred.ID, models.CredentialStatusReauthRequired, err.Error())
			config.GetLogger().WithFields(logrus.Fields{
				"tenantId": cred.TenantId,
				"provider": cred.Provider,
			}).Warn("refresh token revoked, credential needs re-authorization")
			return "", err
		}
		// Transient outage: the credential itself is still good.
		_ = v.store.MarkStatus(ctx, cred.ID, models.CredentialStatusValid, err.Error())
		return "", err
	}

	accessEnc, err := utils.EncryptSecret(grant.AccessToken)
	if err != nil {
		return "", err
	}
	refreshEnc, err := utils.EncryptSecret(grant.RefreshToken)
	if err != nil {
		return "", err
	}
	if err := v.store.SaveTokens(ctx, cred.ID, accessEnc, refreshEnc, grant.ExpiresAt); err != nil {
		return "", err
	}

	cred.ExpiresAt = grant.ExpiresAt
	v.cacheUntilMargin(cred, grant.AccessToken)
	return grant.AccessToken, nil
}

// StoreGrant persists a brand-new authorization (the OAuth callback or a
// manual reconnect), replacing whatever state the credential was in.
func (v *Vault) StoreGrant(ctx context.Context, tenantId string, provider string, grant providers.Grant) error {
	accessEnc, err := utils.EncryptSecret(grant.AccessToken)
	if err != nil {
		return err
	}
	refreshEnc, err := utils.EncryptSecret(grant.RefreshToken)
	if err != nil {
		return err
	}
	if err := v.store.Upsert(ctx, tenantId, provider, accessEnc, refreshEnc, grant.ExpiresAt); err != nil {
		return err
	}
	_ = v.cache.Del(cacheKey(tenantId, provider))
	return nil
}

// MarkReauthRequired records that a provider rejected the access token
// mid-sync. The cached token is dropped so no other worker reuses it.
func (v *Vault) MarkReauthRequired(ctx context.Context, tenantId string, provider string, reason string) error {
	_ = v.cache.Del(cacheKey(tenantId, provider))
	cred, err := v.store.Get(ctx, tenantId, provider)
	if err != nil || cred == nil {
		return err
	}
	return v.store.MarkStatus(ctx, cred.ID, models.CredentialStatusReauthRequired, reason)
}
