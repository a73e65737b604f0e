package synchub

import (
	"encoding/json"
	"time"

	"github.com/mmdatafocus/synchub_backend/models"
)

type notifyRequest struct {
	EventId    string            `json:"eventId"`
	EntityType models.EntityType `json:"entityType" binding:"required"`
	Action     models.SyncAction `json:"action"`
	InternalId string            `json:"internalId"`
	Payload    json.RawMessage   `json:"payload"`
	// Providers restricts the fan-out; empty means all connected providers.
	Providers []string `json:"providers"`
}

type notifyResponse struct {
	Jobs []jobSummary `json:"jobs"`
	// Duplicate is true when the event id was seen before and no new jobs
	// were created.
	Duplicate bool `json:"duplicate,omitempty"`
}

type jobSummary struct {
	JobKey      string            `json:"jobKey"`
	EntityType  models.EntityType `json:"entityType"`
	InternalId  string            `json:"internalId"`
	Provider    string            `json:"provider"`
	Action      models.SyncAction `json:"action"`
	Status      models.JobStatus  `json:"status"`
	Attempt     int               `json:"attempt"`
	NextRetryAt *time.Time        `json:"nextRetryAt,omitempty"`
	LastError   *string           `json:"lastError,omitempty"`
	ErrorKind   string            `json:"errorKind,omitempty"`
	DeadReason  models.DeadReason `json:"deadReason,omitempty"`
	TriggeredBy string            `json:"triggeredBy,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	FinishedAt  *time.Time        `json:"finishedAt,omitempty"`
}

func toJobSummary(job models.SyncJob) jobSummary {
	return jobSummary{
		JobKey:      job.JobKey,
		EntityType:  job.EntityType,
		InternalId:  job.InternalId,
		Provider:    job.Provider,
		Action:      job.Action,
		Status:      job.Status,
		Attempt:     job.Attempt,
		NextRetryAt: job.NextRetryAt,
		LastError:   job.LastError,
		ErrorKind:   job.ErrorKind,
		DeadReason:  job.DeadReason,
		TriggeredBy: job.TriggeredBy,
		CreatedAt:   job.CreatedAt,
		FinishedAt:  job.FinishedAt,
	}
}

type connectRequest struct {
	RateCapacity  int             `json:"rateCapacity"`
	RatePerMinute int             `json:"ratePerMinute"`
	Settings      json.RawMessage `json:"settings"`
}

type authorizeRequest struct {
	AccessToken  string `json:"accessToken" binding:"required"`
	RefreshToken string `json:"refreshToken" binding:"required"`
	ExpiresIn    int    `json:"expiresIn"`
}

type requeueDeadRequest struct {
	DeadReason string `json:"deadReason" binding:"required"`
	Limit      int    `json:"limit"`
}

type providerStatus struct {
	Provider       string     `json:"provider"`
	Status         string     `json:"status"`
	LastSyncAt     *time.Time `json:"lastSyncAt,omitempty"`
	LastSyncStatus string     `json:"lastSyncStatus,omitempty"`
	Credential     string     `json:"credential,omitempty"`
}
