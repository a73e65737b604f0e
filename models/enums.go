package models

type EntityType string

const (
	EntityTypeCustomer EntityType = "customer"
	EntityTypeInvoice  EntityType = "invoice"
	EntityTypePayment  EntityType = "payment"
)

func (t EntityType) Valid() bool {
	switch t {
	case EntityTypeCustomer, EntityTypeInvoice, EntityTypePayment:
		return true
	}
	return false
}

type SyncAction string

const (
	SyncActionUpsert SyncAction = "upsert"
	SyncActionDelete SyncAction = "delete"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed is retry-scheduled: the job failed but another attempt
	// is planned at next_retry_at.
	JobStatusFailed JobStatus = "failed"
	JobStatusDead   JobStatus = "dead"
)

type DeadReason string

const (
	DeadReasonMaxAttempts    DeadReason = "max_attempts"
	DeadReasonValidation     DeadReason = "validation"
	DeadReasonReauthRequired DeadReason = "reauth_required"
	DeadReasonConflict       DeadReason = "conflict"
	DeadReasonSuperseded     DeadReason = "superseded"
)

type InvoiceStatus string

const (
	InvoiceStatusDraft  InvoiceStatus = "draft"
	InvoiceStatusUnpaid InvoiceStatus = "unpaid"
	InvoiceStatusPaid   InvoiceStatus = "paid"
	InvoiceStatusVoid   InvoiceStatus = "void"
)

type CredentialStatus string

const (
	CredentialStatusValid      CredentialStatus = "valid"
	CredentialStatusRefreshing CredentialStatus = "refreshing"
	// CredentialStatusReauthRequired is terminal until an external actor
	// supplies a new authorization grant.
	CredentialStatusReauthRequired CredentialStatus = "reauth_required"
)

const (
	ConnectionStatusConnected    = "connected"
	ConnectionStatusDisconnected = "disconnected"
	ConnectionStatusError        = "error"
)

const (
	SyncTriggeredSource = "source_event"
	SyncTriggeredManual = "manual"
	SyncTriggeredRetry  = "retry"
)

type AuditOutcome string

const (
	AuditOutcomeSuccess        AuditOutcome = "success"
	AuditOutcomeSkipped        AuditOutcome = "skipped_unchanged"
	AuditOutcomeRetryScheduled AuditOutcome = "retry_scheduled"
	AuditOutcomeDead           AuditOutcome = "dead"
	AuditOutcomeWarning        AuditOutcome = "warning"
)
