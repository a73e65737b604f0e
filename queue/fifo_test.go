package queue

import (
	"testing"
	"time"

	"github.com/mmdatafocus/synchub_backend/models"
)

func TestEligibleForClaim(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	job := func(id uint, key string, status models.JobStatus, nextRetryAt *time.Time) models.SyncJob {
		return models.SyncJob{ID: id, EntityKey: key, Status: status, NextRetryAt: nextRetryAt}
	}

	cases := []struct {
		name      string
		candidate models.SyncJob
		peers     []models.SyncJob
		want      bool
	}{
		{
			name:      "queued job with no peers is eligible",
			candidate: job(2, "k1", models.JobStatusQueued, nil),
			want:      true,
		},
		{
			name:      "running peer on same key blocks",
			candidate: job(2, "k1", models.JobStatusQueued, nil),
			peers:     []models.SyncJob{job(1, "k1", models.JobStatusRunning, nil)},
			want:      false,
		},
		{
			name:      "older queued peer on same key blocks",
			candidate: job(2, "k1", models.JobStatusQueued, nil),
			peers:     []models.SyncJob{job(1, "k1", models.JobStatusQueued, nil)},
			want:      false,
		},
		{
			name:      "older failed peer blocks even while its retry gate is in the future",
			candidate: job(2, "k1", models.JobStatusQueued, nil),
			peers:     []models.SyncJob{job(1, "k1", models.JobStatusFailed, &future)},
			want:      false,
		},
		{
			name:      "newer queued peer does not block",
			candidate: job(2, "k1", models.JobStatusQueued, nil),
			peers:     []models.SyncJob{job(3, "k1", models.JobStatusQueued, nil)},
			want:      true,
		},
		{
			name:      "running peer on a different key does not block",
			candidate: job(2, "k1", models.JobStatusQueued, nil),
			peers:     []models.SyncJob{job(1, "k2", models.JobStatusRunning, nil)},
			want:      true,
		},
		{
			name:      "older dead peer does not block",
			candidate: job(2, "k1", models.JobStatusQueued, nil),
			peers:     []models.SyncJob{job(1, "k1", models.JobStatusDead, nil)},
			want:      true,
		},
		{
			name:      "older succeeded peer does not block",
			candidate: job(2, "k1", models.JobStatusQueued, nil),
			peers:     []models.SyncJob{job(1, "k1", models.JobStatusSucceeded, nil)},
			want:      true,
		},
		{
			name:      "retry gate in the future makes the candidate ineligible",
			candidate: job(2, "k1", models.JobStatusQueued, &future),
			want:      false,
		},
		{
			name:      "retry gate in the past is due",
			candidate: job(2, "k1", models.JobStatusQueued, &past),
			want:      true,
		},
		{
			name:      "non-queued candidate is never eligible",
			candidate: job(2, "k1", models.JobStatusRunning, nil),
			want:      false,
		},
		{
			name:      "only the head of a same-key line is eligible",
			candidate: job(3, "k1", models.JobStatusQueued, nil),
			peers: []models.SyncJob{
				job(1, "k1", models.JobStatusQueued, nil),
				job(2, "k1", models.JobStatusQueued, nil),
			},
			want: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// The candidate is always part of the scanned batch.
			peers := append([]models.SyncJob{tc.candidate}, tc.peers...)
			if got := eligibleForClaim(tc.candidate, peers, now); got != tc.want {
				t.Fatalf("eligibleForClaim = %v, want %v", got, tc.want)
			}
		})
	}
}
