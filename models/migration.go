package models

import (
	"log"

	"github.com/mmdatafocus/synchub_backend/config"
)

func MigrateTable() {
	db := config.GetDB()
	err := db.AutoMigrate(
		&ProviderConnection{},
		&Credential{},
		&EntityMapping{},
		&SyncJob{},
		&AuditRecord{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Printf("auto migrate failed: %v", err)
	}
}
