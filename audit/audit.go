// Package audit records one append-only row per sync attempt outcome and,
// when enabled, streams the same event to Pub/Sub for external monitors.
// Auditing is best-effort on the write path: a failed audit write never fails
// the sync attempt it describes.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mmdatafocus/synchub_backend/config"
	"github.com/mmdatafocus/synchub_backend/models"
)

type Recorder interface {
	Record(ctx context.Context, rec *models.AuditRecord)
}

type DBRecorder struct{}

func NewRecorder() *DBRecorder { return &DBRecorder{} }

// event is the stream wire shape; a superset of the row with an explicit
// occurredAt so consumers do not depend on DB insertion time.
type event struct {
	TenantId      string              `json:"tenantId"`
	JobKey        string              `json:"jobKey"`
	EntityType    models.EntityType   `json:"entityType"`
	InternalId    string              `json:"internalId"`
	Provider      string              `json:"provider"`
	ExternalId    string              `json:"externalId,omitempty"`
	Outcome       models.AuditOutcome `json:"outcome"`
	ErrorKind     string              `json:"errorKind,omitempty"`
	Message       string              `json:"message,omitempty"`
	Attempt       int                 `json:"attempt"`
	LatencyMs     int64               `json:"latencyMs"`
	CorrelationId string              `json:"correlationId,omitempty"`
	OccurredAt    time.Time           `json:"occurredAt"`
}

func (r *DBRecorder) Record(ctx context.Context, rec *models.AuditRecord) {
	fields := logrus.Fields{
		"tenantId":      rec.TenantId,
		"jobKey":        rec.JobKey,
		"entityType":    rec.EntityType,
		"internalId":    rec.InternalId,
		"provider":      rec.Provider,
		"outcome":       rec.Outcome,
		"errorKind":     rec.ErrorKind,
		"attempt":       rec.Attempt,
		"latencyMs":     rec.LatencyMs,
		"correlationId": rec.CorrelationId,
	}
	switch rec.Outcome {
	case models.AuditOutcomeDead:
		config.GetLogger().WithFields(fields).Error("sync attempt dead-lettered")
	case models.AuditOutcomeRetryScheduled, models.AuditOutcomeWarning:
		config.GetLogger().WithFields(fields).Warn("sync attempt did not complete")
	default:
		config.GetLogger().WithFields(fields).Info("sync attempt recorded")
	}

	if err := models.AppendAuditRecord(ctx, rec); err != nil {
		config.GetLogger().WithFields(fields).WithError(err).Error("audit record write failed")
	}

	if !config.AuditStreamEnabled() {
		return
	}
	payload, err := json.Marshal(event{
		TenantId:      rec.TenantId,
		JobKey:        rec.JobKey,
		EntityType:    rec.EntityType,
		InternalId:    rec.InternalId,
		Provider:      rec.Provider,
		ExternalId:    rec.ExternalId,
		Outcome:       rec.Outcome,
		ErrorKind:     rec.ErrorKind,
		Message:       rec.Message,
		Attempt:       rec.Attempt,
		LatencyMs:     rec.LatencyMs,
		CorrelationId: rec.CorrelationId,
		OccurredAt:    time.Now().UTC(),
	})
	if err != nil {
		return
	}
	// Detached context: the stream publish must survive job-context
	// cancellation but not block the worker.
	go func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := config.PublishAuditEventWithResult(pubCtx, payload); err != nil {
			config.GetLogger().WithError(err).Warn("audit event publish failed")
		}
	}()
}
