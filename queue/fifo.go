package queue

import (
	"time"

	"github.com/mmdatafocus/synchub_backend/models"
)

// eligibleForClaim reports whether candidate may be claimed now, given the
// other job rows that share its entity key. A candidate is eligible when it
// is queued, past its retry gate, and no job for the same entity key is
// running or ahead of it in line (an older queued or failed row). This is the
// Go form of the predicate Claim's SQL enforces against the whole table;
// Claim also applies it within each selected batch.
func eligibleForClaim(candidate models.SyncJob, peers []models.SyncJob, now time.Time) bool {
	if candidate.Status != models.JobStatusQueued {
		return false
	}
	if candidate.NextRetryAt != nil && candidate.NextRetryAt.After(now) {
		return false
	}
	for _, peer := range peers {
		if peer.ID == candidate.ID || peer.EntityKey != candidate.EntityKey {
			continue
		}
		if peer.Status == models.JobStatusRunning {
			return false
		}
		if peer.ID < candidate.ID &&
			(peer.Status == models.JobStatusQueued || peer.Status == models.JobStatusFailed) {
			return false
		}
	}
	return true
}
