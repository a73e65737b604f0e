package config

import (
	"github.com/mmdatafocus/synchub_backend/utils"
)

// AdoptProviderDuplicates controls conflict-resolution policy when a provider
// reports a duplicate entity on create. When enabled (default), the hub adopts
// the provider's existing external id instead of dead-lettering the job.
//
// Set via env:
// - SYNC_ADOPT_PROVIDER_DUPLICATES=false
func AdoptProviderDuplicates() bool {
	return utils.BoolFromEnv("SYNC_ADOPT_PROVIDER_DUPLICATES", true)
}

// AuditStreamEnabled gates the Pub/Sub audit event stream. Audit rows are
// always written to the database; streaming is optional.
//
// Set via env:
// - AUDIT_STREAM_ENABLED=true
func AuditStreamEnabled() bool {
	return utils.BoolFromEnv("AUDIT_STREAM_ENABLED", false)
}
