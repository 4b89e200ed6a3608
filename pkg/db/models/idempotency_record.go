package models

import (
	"time"

	"github.com/google/uuid"
)

// IdempotencyRecord pins an external payment reference to the ledger entry it
// produced. The primary key on ExternalReference is the concurrency primitive:
// two deliveries of the same event race on this insert inside the crediting
// transaction and exactly one wins.
type IdempotencyRecord struct {
	ExternalReference string    `gorm:"column:external_reference;primaryKey"`
	LedgerEntryID     uuid.UUID `gorm:"column:ledger_entry_id;type:uuid;not null"`
	ProcessedAt       time.Time `gorm:"column:processed_at;autoCreateTime"`
}
