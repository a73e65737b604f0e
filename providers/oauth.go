package providers

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmdatafocus/synchub_backend/syncerr"
	"github.com/mmdatafocus/synchub_backend/utils"
)

// OAuthConfig carries one provider's token endpoint. Client credentials come
// from env so they never land in the database.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Grant is the result of a refresh-token exchange or a fresh authorization.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
}

// RefreshAccessToken performs the standard OAuth2 refresh-token exchange.
// "invalid_grant" means the refresh token itself is revoked: REAUTH_REQUIRED,
// terminal until a human re-authorizes. Everything else network-ish is
// TRANSIENT.
func RefreshAccessToken(ctx context.Context, cfg OAuthConfig, refreshToken string) (Grant, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Grant{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: utils.SecondsFromEnv("PROVIDER_CALL_TIMEOUT_SECONDS", 30*time.Second)}
	resp, err := client.Do(req)
	if err != nil {
		return Grant{}, syncerr.Transient("token refresh call failed", err)
	}
	defer resp.Body.Close()

	// Error bodies are not always JSON (proxies return HTML); decode is
	// best-effort and the status code decides the classification.
	var parsed tokenResponse
	decodeJSONBody(resp, &parsed)

	if resp.StatusCode == http.StatusOK && parsed.AccessToken != "" {
		newRefresh := parsed.RefreshToken
		if newRefresh == "" {
			// Providers that do not rotate refresh tokens omit the field.
			newRefresh = refreshToken
		}
		expiresIn := parsed.ExpiresIn
		if expiresIn <= 0 {
			expiresIn = 3600
		}
		return Grant{
			AccessToken:  parsed.AccessToken,
			RefreshToken: newRefresh,
			ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second).UTC(),
		}, nil
	}

	if parsed.Error == "invalid_grant" ||
		resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusForbidden {
		return Grant{}, syncerr.ReauthRequired("refresh token invalid or revoked", nil)
	}

	return Grant{}, syncerr.Transient("token refresh failed", &HTTPError{Status: resp.StatusCode})
}
