package syncerr

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf_ClassifiesWrappedErrors(t *testing.T) {
	base := Transient("provider unreachable", errors.New("dial tcp: timeout"))
	wrapped := fmt.Errorf("upsert customer: %w", base)

	if got := KindOf(wrapped); got != KindTransient {
		t.Fatalf("expected TRANSIENT, got %s", got)
	}
}

func TestKindOf_UnknownErrorsAreTransient(t *testing.T) {
	if got := KindOf(errors.New("something odd")); got != KindTransient {
		t.Fatalf("expected unknown errors to classify as TRANSIENT, got %s", got)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		kind      Kind
		retryable bool
	}{
		{KindTransient, true},
		{KindRateLimited, true},
		{KindPrerequisiteMissing, true},
		{KindConflict, false},
		{KindReauthRequired, false},
		{KindValidation, false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.kind); got != tc.retryable {
			t.Fatalf("IsRetryable(%s) expected %v, got %v", tc.kind, tc.retryable, got)
		}
	}
}

func TestRetryAfterOf_PropagatesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("call failed: %w", RateLimited(30*time.Second, "throttled"))

	after, ok := RetryAfterOf(err)
	if !ok {
		t.Fatal("expected RetryAfter to be present")
	}
	if after != 30*time.Second {
		t.Fatalf("expected 30s, got %s", after)
	}
}

func TestConflict_CarriesExistingExternalId(t *testing.T) {
	err := Conflict("QL-123", "duplicate customer email")

	se, ok := AsSyncError(fmt.Errorf("wrapped: %w", err))
	if !ok {
		t.Fatal("expected a sync error")
	}
	if se.ExistingExternalId != "QL-123" {
		t.Fatalf("expected existing id QL-123, got %q", se.ExistingExternalId)
	}
}
