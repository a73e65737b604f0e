package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/synchub_backend/syncerr"
	"github.com/mmdatafocus/synchub_backend/utils"
)

// Client is the shared HTTP base for adapters: bearer auth, JSON bodies and
// a hard per-call timeout. Exceeding the timeout classifies as TRANSIENT.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	timeout := utils.SecondsFromEnv("PROVIDER_CALL_TIMEOUT_SECONDS", 30*time.Second)
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// HTTPError is the raw non-2xx outcome. Adapters map it through Classify so
// provider-specific conflict bodies can be inspected first.
type HTTPError struct {
	Status     int
	RetryAfter time.Duration
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider api error %d: %s", e.Status, strings.TrimSpace(string(e.Body)))
}

// Do performs one JSON round trip. Transport failures (DNS, reset, timeout)
// come back already classified as TRANSIENT; non-2xx statuses come back as
// *HTTPError for the adapter to classify.
func (c *Client) Do(ctx context.Context, method string, path string, accessToken string, in interface{}, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return syncerr.Transient("provider call failed", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Body:       respBody,
		}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return syncerr.Transient("provider response decode failed", err)
		}
	}
	return nil
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func decodeJSONBody(resp *http.Response, out interface{}) {
	body, err := io.ReadAll(resp.Body)
	if err != nil || len(body) == 0 {
		return
	}
	_ = json.Unmarshal(body, out)
}

// Classify maps a raw call error to the shared taxonomy. conflictExistingId
// lets each adapter pull the duplicate's id out of its own 409 body shape;
// pass nil when the provider never reports one.
func Classify(err error, conflictExistingId func(body []byte) string) error {
	if err == nil {
		return nil
	}
	he, ok := err.(*HTTPError)
	if !ok {
		// Transport errors arrive pre-classified.
		return err
	}

	switch {
	case he.Status == http.StatusUnauthorized || he.Status == http.StatusForbidden:
		return syncerr.ReauthRequired("provider rejected access token", he)
	case he.Status == http.StatusConflict:
		existing := ""
		if conflictExistingId != nil {
			existing = conflictExistingId(he.Body)
		}
		return syncerr.Conflict(existing, "provider reported duplicate entity")
	case he.Status == http.StatusTooManyRequests:
		return syncerr.RateLimited(he.RetryAfter, "provider throttled request")
	case he.Status == http.StatusUnprocessableEntity || he.Status == http.StatusBadRequest:
		return syncerr.Validation("provider rejected payload: " + strings.TrimSpace(string(he.Body)))
	case he.Status >= 500:
		return syncerr.Transient("provider server error", he)
	default:
		return syncerr.Transient(fmt.Sprintf("unexpected provider status %d", he.Status), he)
	}
}
