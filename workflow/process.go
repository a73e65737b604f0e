package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mmdatafocus/synchub_backend/config"
	"github.com/mmdatafocus/synchub_backend/models"
	"github.com/mmdatafocus/synchub_backend/queue"
	"github.com/mmdatafocus/synchub_backend/syncerr"
)

var tracer = otel.Tracer("synchub/workflow")

// ProcessJob runs one claimed job end to end and applies its disposition:
// success, retry-scheduled or dead. It never returns provider errors to the
// caller; the only errors surfaced are infrastructure failures around the
// queue itself.
func (o *Orchestrator) ProcessJob(ctx context.Context, job *models.SyncJob) error {
	ctx, span := tracer.Start(ctx, "workflow.ProcessJob")
	span.SetAttributes(
		attribute.String("sync.job_key", job.JobKey),
		attribute.String("sync.entity_key", job.EntityKey),
		attribute.String("sync.provider", job.Provider),
		attribute.Int("sync.attempt", job.Attempt),
	)
	defer span.End()

	started := time.Now()
	externalId, err := o.executeJob(ctx, job)
	latency := time.Since(started).Milliseconds()

	if err == nil {
		return o.succeed(ctx, job, externalId, latency)
	}
	if errors.Is(err, errSkippedUnchanged) {
		o.record(ctx, job, "", models.AuditOutcomeSkipped, "", "content hash unchanged, provider call skipped", latency)
		return o.queue.MarkSucceeded(ctx, job)
	}
	return o.dispose(ctx, job, err, latency)
}

// errSkippedUnchanged short-circuits the provider call for an already-synced
// snapshot.
var errSkippedUnchanged = errors.New("content unchanged")

func (o *Orchestrator) executeJob(ctx context.Context, job *models.SyncJob) (string, error) {
	if job.Action == models.SyncActionDelete {
		return o.executeDelete(ctx, job)
	}

	decoded, err := models.DecodeUnified(job.EntityType, job.PayloadJSON)
	if err != nil {
		return "", err
	}

	mapping, err := o.mappings.Get(ctx, job.TenantId, job.InternalId, job.EntityType, job.Provider)
	if err != nil {
		return "", err
	}
	existingExternalId := ""
	if mapping != nil {
		existingExternalId = mapping.ExternalId
		if mapping.ContentHash != "" && mapping.ContentHash == job.ContentHash {
			return "", errSkippedUnchanged
		}
	}

	if err := o.limiter.Acquire(ctx, job.TenantId, job.Provider); err != nil {
		return "", err
	}
	token, err := o.tokens.GetValidToken(ctx, job.TenantId, job.Provider)
	if err != nil {
		return "", err
	}
	adapter, err := o.registry.Get(job.Provider)
	if err != nil {
		return "", err
	}

	switch entity := decoded.(type) {
	case *models.UnifiedCustomer:
		return adapter.UpsertCustomer(ctx, token, entity, existingExternalId)

	case *models.UnifiedInvoice:
		customerExternalId, err := o.resolveDependency(ctx, job, models.EntityTypeCustomer, entity.CustomerRef)
		if err != nil {
			return "", err
		}
		return adapter.UpsertInvoice(ctx, token, entity, customerExternalId, existingExternalId)

	case *models.UnifiedPayment:
		invoiceExternalId, err := o.resolveDependency(ctx, job, models.EntityTypeInvoice, entity.InvoiceRef)
		if err != nil {
			return "", err
		}
		return adapter.UpsertPayment(ctx, token, entity, invoiceExternalId)
	}
	return "", syncerr.Validation("unhandled entity type " + string(job.EntityType))
}

// resolveDependency looks up the provider id a dependent entity needs.
// Absence is PREREQUISITE_MISSING: the dependency's own job may simply not
// have run yet, so the orchestrator retries rather than dead-letters.
func (o *Orchestrator) resolveDependency(ctx context.Context, job *models.SyncJob, depType models.EntityType, depInternalId string) (string, error) {
	dep, err := o.mappings.Get(ctx, job.TenantId, depInternalId, depType, job.Provider)
	if err != nil {
		return "", err
	}
	if dep == nil {
		return "", syncerr.PrerequisiteMissing(string(depType) + " " + depInternalId + " has no " + job.Provider + " mapping yet")
	}
	return dep.ExternalId, nil
}

func (o *Orchestrator) executeDelete(ctx context.Context, job *models.SyncJob) (string, error) {
	mapping, err := o.mappings.Get(ctx, job.TenantId, job.InternalId, job.EntityType, job.Provider)
	if err != nil {
		return "", err
	}
	if mapping == nil {
		// Never synced; nothing to remove on the provider side.
		return "", nil
	}

	if err := o.limiter.Acquire(ctx, job.TenantId, job.Provider); err != nil {
		return "", err
	}
	token, err := o.tokens.GetValidToken(ctx, job.TenantId, job.Provider)
	if err != nil {
		return "", err
	}
	adapter, err := o.registry.Get(job.Provider)
	if err != nil {
		return "", err
	}
	if err := adapter.Delete(ctx, token, job.EntityType, mapping.ExternalId); err != nil {
		return "", err
	}
	// Mapping goes away so a recreated source entity maps fresh.
	if err := o.mappings.Delete(ctx, job.TenantId, job.InternalId, job.EntityType, job.Provider); err != nil {
		return "", err
	}
	return mapping.ExternalId, nil
}

func (o *Orchestrator) succeed(ctx context.Context, job *models.SyncJob, externalId string, latency int64) error {
	if job.Action == models.SyncActionUpsert {
		if err := o.mappings.Upsert(ctx, job.TenantId, job.InternalId, job.EntityType, job.Provider, externalId, job.ContentHash); err != nil {
			if errors.Is(err, models.ErrExternalIdChanged) {
				// The provider returned a different id than the recorded
				// mapping. Something is off on the provider side; a retry
				// would repeat the same answer.
				o.record(ctx, job, externalId, models.AuditOutcomeDead, string(syncerr.KindConflict), err.Error(), latency)
				return o.queue.MarkDead(ctx, job, models.DeadReasonConflict, string(syncerr.KindConflict), err.Error())
			}
			return err
		}
	}

	o.record(ctx, job, externalId, models.AuditOutcomeSuccess, "", "", latency)
	if err := o.connections.TouchSync(ctx, job.TenantId, job.Provider, "ok"); err != nil {
		config.GetLogger().WithError(err).Warn("connection sync touch failed")
	}
	return o.queue.MarkSucceeded(ctx, job)
}

// dispose maps a classified failure to its disposition. This is the single
// place retry policy is decided.
func (o *Orchestrator) dispose(ctx context.Context, job *models.SyncJob, cause error, latency int64) error {
	kind := syncerr.KindOf(cause)
	msg := cause.Error()

	switch kind {
	case syncerr.KindConflict:
		if se, ok := syncerr.AsSyncError(cause); ok && se.ExistingExternalId != "" && config.AdoptProviderDuplicates() {
			return o.adoptExisting(ctx, job, se.ExistingExternalId, latency)
		}
		o.record(ctx, job, "", models.AuditOutcomeDead, string(kind), msg, latency)
		return o.queue.MarkDead(ctx, job, models.DeadReasonConflict, string(kind), msg)

	case syncerr.KindValidation:
		o.record(ctx, job, "", models.AuditOutcomeDead, string(kind), msg, latency)
		return o.queue.MarkDead(ctx, job, models.DeadReasonValidation, string(kind), msg)

	case syncerr.KindReauthRequired:
		if err := o.tokens.MarkReauthRequired(ctx, job.TenantId, job.Provider, msg); err != nil {
			config.GetLogger().WithError(err).Warn("credential reauth mark failed")
		}
		if err := o.connections.TouchSync(ctx, job.TenantId, job.Provider, "error"); err != nil {
			config.GetLogger().WithError(err).Warn("connection sync touch failed")
		}
		o.record(ctx, job, "", models.AuditOutcomeDead, string(kind), msg, latency)
		return o.queue.MarkDead(ctx, job, models.DeadReasonReauthRequired, string(kind), msg)

	default:
		// TRANSIENT, RATE_LIMITED, PREREQUISITE_MISSING and anything
		// unclassified: schedule another attempt.
		retryAfter, _ := syncerr.RetryAfterOf(cause)
		outcome := models.AuditOutcomeRetryScheduled
		if job.Attempt >= queue.MaxAttempts() {
			outcome = models.AuditOutcomeDead
		}
		o.record(ctx, job, "", outcome, string(kind), msg, latency)
		return o.queue.MarkRetry(ctx, job, string(kind), msg, retryAfter)
	}
}

// adoptExisting resolves a provider-duplicate conflict by adopting the
// provider's entity as the mapping target instead of dead-lettering.
func (o *Orchestrator) adoptExisting(ctx context.Context, job *models.SyncJob, existingExternalId string, latency int64) error {
	err := o.mappings.Upsert(ctx, job.TenantId, job.InternalId, job.EntityType, job.Provider, existingExternalId, job.ContentHash)
	if err != nil {
		if errors.Is(err, models.ErrExternalIdChanged) {
			msg := "conflict adoption clashes with recorded mapping: " + err.Error()
			o.record(ctx, job, existingExternalId, models.AuditOutcomeDead, string(syncerr.KindConflict), msg, latency)
			return o.queue.MarkDead(ctx, job, models.DeadReasonConflict, string(syncerr.KindConflict), msg)
		}
		return err
	}
	config.GetLogger().WithFields(logrus.Fields{
		"jobKey":     job.JobKey,
		"entityKey":  job.EntityKey,
		"externalId": existingExternalId,
	}).Warn("adopted existing provider entity for duplicate conflict")
	o.record(ctx, job, existingExternalId, models.AuditOutcomeWarning, string(syncerr.KindConflict),
		"adopted existing provider entity", latency)
	return o.queue.MarkSucceeded(ctx, job)
}

func (o *Orchestrator) record(ctx context.Context, job *models.SyncJob, externalId string, outcome models.AuditOutcome, errorKind string, message string, latency int64) {
	o.recorder.Record(ctx, &models.AuditRecord{
		TenantId:      job.TenantId,
		JobKey:        job.JobKey,
		EntityType:    job.EntityType,
		InternalId:    job.InternalId,
		Provider:      job.Provider,
		ExternalId:    externalId,
		Outcome:       outcome,
		ErrorKind:     errorKind,
		Message:       message,
		Attempt:       job.Attempt,
		LatencyMs:     latency,
		CorrelationId: job.CorrelationId,
	})
}
