// Package syncerr defines the error taxonomy shared by adapters, the
// credential vault and the orchestrator. Adapters classify provider failures
// into one of these kinds; all retry policy lives in the orchestrator.
package syncerr

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	// KindTransient covers network blips, timeouts and provider 5xx. Retried
	// with exponential backoff.
	KindTransient Kind = "TRANSIENT"
	// KindRateLimited is provider throttling. Retried after the
	// provider-specified delay when one is given.
	KindRateLimited Kind = "RATE_LIMITED"
	// KindConflict is a provider-side duplicate (name/email already taken).
	// Resolution is a policy decision, never a blind retry.
	KindConflict Kind = "CONFLICT"
	// KindPrerequisiteMissing means a dependent entity has no mapping yet
	// (invoice before its customer). Requeued until the dependency resolves.
	KindPrerequisiteMissing Kind = "PREREQUISITE_MISSING"
	// KindReauthRequired means the refresh token itself is invalid or revoked.
	// Terminal until a human supplies a new authorization grant.
	KindReauthRequired Kind = "REAUTH_REQUIRED"
	// KindValidation is a malformed unified entity. Dead-lettered immediately;
	// retrying cannot change the outcome.
	KindValidation Kind = "VALIDATION"
)

type Error struct {
	Kind    Kind
	Message string

	// RetryAfter is set for RATE_LIMITED when the provider told us how long
	// to back off.
	RetryAfter time.Duration

	// ExistingExternalId is set for CONFLICT when the provider reported the
	// id of the already-existing entity, enabling mapping adoption.
	ExistingExternalId string

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Transient(message string, err error) *Error {
	return &Error{Kind: KindTransient, Message: message, Err: err}
}

func RateLimited(retryAfter time.Duration, message string) *Error {
	return &Error{Kind: KindRateLimited, Message: message, RetryAfter: retryAfter}
}

func Conflict(existingExternalId string, message string) *Error {
	return &Error{Kind: KindConflict, Message: message, ExistingExternalId: existingExternalId}
}

func PrerequisiteMissing(message string) *Error {
	return &Error{Kind: KindPrerequisiteMissing, Message: message}
}

func ReauthRequired(message string, err error) *Error {
	return &Error{Kind: KindReauthRequired, Message: message, Err: err}
}

func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// KindOf classifies any error. Unclassified errors (plain network failures,
// context deadline exceeded) are treated as transient, matching the timeout
// discipline: exceeding a hard timeout retries like any other blip.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// AsSyncError returns the underlying *Error when there is one.
func AsSyncError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsRetryable reports whether the orchestrator may schedule another attempt.
func IsRetryable(kind Kind) bool {
	switch kind {
	case KindTransient, KindRateLimited, KindPrerequisiteMissing:
		return true
	default:
		return false
	}
}

// RetryAfterOf returns the provider-specified delay, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var se *Error
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter, true
	}
	return 0, false
}
