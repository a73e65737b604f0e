// Package workflow is the sync orchestrator: it turns source-system change
// notifications into per-provider jobs, runs the worker pool that processes
// them, and owns every job disposition decision. Adapters perform provider
// calls and return results; all retry/dead-letter policy lives here.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mmdatafocus/synchub_backend/audit"
	"github.com/mmdatafocus/synchub_backend/config"
	"github.com/mmdatafocus/synchub_backend/models"
	"github.com/mmdatafocus/synchub_backend/providers"
	"github.com/mmdatafocus/synchub_backend/syncerr"
	"github.com/mmdatafocus/synchub_backend/utils"
)

// ErrDuplicateEvent reports that a notification's event id was already
// processed; the original enqueue stands and no new jobs were created.
var ErrDuplicateEvent = errors.New("duplicate source event")

const notifyHandlerName = "sync_notify"

type JobQueue interface {
	Enqueue(ctx context.Context, job *models.SyncJob) error
	Claim(ctx context.Context, limit int) ([]models.SyncJob, error)
	ReclaimStale(ctx context.Context) (int64, error)
	MarkSucceeded(ctx context.Context, job *models.SyncJob) error
	MarkRetry(ctx context.Context, job *models.SyncJob, errorKind string, errMsg string, retryAfter time.Duration) error
	MarkDead(ctx context.Context, job *models.SyncJob, reason models.DeadReason, errorKind string, errMsg string) error
}

type MappingStore interface {
	Get(ctx context.Context, tenantId string, internalId string, entityType models.EntityType, provider string) (*models.EntityMapping, error)
	Upsert(ctx context.Context, tenantId string, internalId string, entityType models.EntityType, provider string, externalId string, contentHash string) error
	Delete(ctx context.Context, tenantId string, internalId string, entityType models.EntityType, provider string) error
}

type TokenSource interface {
	GetValidToken(ctx context.Context, tenantId string, provider string) (string, error)
	MarkReauthRequired(ctx context.Context, tenantId string, provider string, reason string) error
}

type RateLimiter interface {
	Acquire(ctx context.Context, tenantId string, provider string) error
}

type ConnectionSource interface {
	Connected(ctx context.Context, tenantId string) ([]string, error)
	TouchSync(ctx context.Context, tenantId string, provider string, status string) error
}

type Deduper interface {
	Begin(ctx context.Context, tenantId string, handlerName string, messageId string) (bool, error)
	Finish(ctx context.Context, tenantId string, handlerName string, messageId string, status models.IdempotencyStatus, lastError string) error
}

// DB-backed defaults.

type dbMappings struct{}

func (dbMappings) Get(ctx context.Context, tenantId, internalId string, entityType models.EntityType, provider string) (*models.EntityMapping, error) {
	return models.GetMapping(ctx, tenantId, internalId, entityType, provider)
}
func (dbMappings) Upsert(ctx context.Context, tenantId, internalId string, entityType models.EntityType, provider, externalId, contentHash string) error {
	return models.UpsertMapping(ctx, tenantId, internalId, entityType, provider, externalId, contentHash)
}
func (dbMappings) Delete(ctx context.Context, tenantId, internalId string, entityType models.EntityType, provider string) error {
	return models.DeleteMapping(ctx, tenantId, internalId, entityType, provider)
}

type dbConnections struct{}

func (dbConnections) Connected(ctx context.Context, tenantId string) ([]string, error) {
	conns, err := models.ListConnectedProviders(ctx, tenantId)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(conns))
	for _, c := range conns {
		names = append(names, c.Provider)
	}
	return names, nil
}
func (dbConnections) TouchSync(ctx context.Context, tenantId, provider, status string) error {
	return models.TouchConnectionSync(ctx, tenantId, provider, status)
}

type dbDeduper struct{}

func (dbDeduper) Begin(ctx context.Context, tenantId, handlerName, messageId string) (bool, error) {
	return models.BeginIdempotent(ctx, tenantId, handlerName, messageId)
}
func (dbDeduper) Finish(ctx context.Context, tenantId, handlerName, messageId string, status models.IdempotencyStatus, lastError string) error {
	return models.FinishIdempotent(ctx, tenantId, handlerName, messageId, status, lastError)
}

type Orchestrator struct {
	queue       JobQueue
	mappings    MappingStore
	tokens      TokenSource
	limiter     RateLimiter
	connections ConnectionSource
	dedupe      Deduper
	registry    *providers.Registry
	recorder    audit.Recorder
}

func NewOrchestrator(q JobQueue, tokens TokenSource, limiter RateLimiter, registry *providers.Registry, recorder audit.Recorder) *Orchestrator {
	return &Orchestrator{
		queue:       q,
		mappings:    dbMappings{},
		tokens:      tokens,
		limiter:     limiter,
		connections: dbConnections{},
		dedupe:      dbDeduper{},
		registry:    registry,
		recorder:    recorder,
	}
}

// ChangeRequest is one source-system change notification.
type ChangeRequest struct {
	TenantId   string
	EventId    string
	EntityType models.EntityType
	Action     models.SyncAction
	// InternalId is required for deletes; for upserts it is read from the
	// payload and must match when supplied.
	InternalId    string
	Payload       json.RawMessage
	Providers     []string
	TriggeredBy   string
	CorrelationId string
}

// NotifyEntityChanged validates the change, snapshots the payload, and
// enqueues one job per target provider. Redelivered events (same EventId) are
// absorbed and return ErrDuplicateEvent.
func (o *Orchestrator) NotifyEntityChanged(ctx context.Context, req ChangeRequest) ([]models.SyncJob, error) {
	if !req.EntityType.Valid() {
		return nil, syncerr.Validation("unknown entity type " + string(req.EntityType))
	}
	if req.Action != models.SyncActionUpsert && req.Action != models.SyncActionDelete {
		return nil, syncerr.Validation("unknown action " + string(req.Action))
	}

	internalId := req.InternalId
	var payload []byte
	var contentHash string

	if req.Action == models.SyncActionUpsert {
		decoded, err := models.DecodeUnified(req.EntityType, req.Payload)
		if err != nil {
			return nil, err
		}
		id := unifiedId(decoded)
		if internalId != "" && internalId != id {
			return nil, syncerr.Validation(fmt.Sprintf("internal id %q does not match payload id %q", internalId, id))
		}
		internalId = id

		payload, err = utils.CanonicalJSON(req.Payload)
		if err != nil {
			return nil, syncerr.Validation("payload not canonicalizable: " + err.Error())
		}
		contentHash, err = utils.ContentHash(payload)
		if err != nil {
			return nil, err
		}
	} else if internalId == "" {
		return nil, syncerr.Validation("delete requires internalId")
	}

	if req.EventId != "" {
		fresh, err := o.dedupe.Begin(ctx, req.TenantId, notifyHandlerName, req.EventId)
		if err != nil {
			return nil, err
		}
		if !fresh {
			config.GetLogger().WithFields(logrus.Fields{
				"tenantId": req.TenantId,
				"eventId":  req.EventId,
			}).Info("duplicate source event absorbed")
			return nil, ErrDuplicateEvent
		}
	}

	targets := req.Providers
	if len(targets) == 0 {
		var err error
		targets, err = o.connections.Connected(ctx, req.TenantId)
		if err != nil {
			o.finishDedupe(ctx, req, models.IdempotencyStatusFailed, err)
			return nil, err
		}
	}

	jobs := make([]models.SyncJob, 0, len(targets))
	for _, provider := range targets {
		job := models.SyncJob{
			TenantId:      req.TenantId,
			EntityType:    req.EntityType,
			InternalId:    internalId,
			Provider:      provider,
			Action:        req.Action,
			PayloadJSON:   payload,
			ContentHash:   contentHash,
			TriggeredBy:   req.TriggeredBy,
			CorrelationId: req.CorrelationId,
		}
		if job.TriggeredBy == "" {
			job.TriggeredBy = models.SyncTriggeredSource
		}
		if err := o.queue.Enqueue(ctx, &job); err != nil {
			o.finishDedupe(ctx, req, models.IdempotencyStatusFailed, err)
			return jobs, err
		}
		jobs = append(jobs, job)
	}

	o.finishDedupe(ctx, req, models.IdempotencyStatusSucceeded, nil)
	config.GetLogger().WithFields(logrus.Fields{
		"tenantId":   req.TenantId,
		"entityType": req.EntityType,
		"internalId": internalId,
		"action":     req.Action,
		"jobs":       len(jobs),
	}).Info("sync jobs enqueued")
	return jobs, nil
}

func (o *Orchestrator) finishDedupe(ctx context.Context, req ChangeRequest, status models.IdempotencyStatus, cause error) {
	if req.EventId == "" {
		return
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := o.dedupe.Finish(ctx, req.TenantId, notifyHandlerName, req.EventId, status, msg); err != nil {
		config.GetLogger().WithError(err).Warn("idempotency key finish failed")
	}
}

func unifiedId(decoded interface{}) string {
	switch e := decoded.(type) {
	case *models.UnifiedCustomer:
		return e.Id
	case *models.UnifiedInvoice:
		return e.Id
	case *models.UnifiedPayment:
		return e.Id
	}
	return ""
}
