package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kobopay/kobopay-backend/pkg/enums"
)

// LedgerEntry records one immutable balance mutation. AmountKobo is signed:
// negative for debits, positive for credits. ExternalReference is set only for
// gateway-sourced events and is unique when present; InternalReference is
// always set and unique, which makes internally-generated operations (escrow,
// refunds, claim payouts, bonuses) structurally idempotent.
type LedgerEntry struct {
	ID                uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	UserID            uuid.UUID               `gorm:"column:user_id;type:uuid;not null;index"`
	Kind              enums.LedgerEntryKind   `gorm:"column:kind;type:ledger_entry_kind_enum;not null"`
	AmountKobo        int64                   `gorm:"column:amount_kobo;not null"`
	ExternalReference *string                 `gorm:"column:external_reference;uniqueIndex"`
	InternalReference string                  `gorm:"column:internal_reference;not null;uniqueIndex"`
	Status            enums.LedgerEntryStatus `gorm:"column:status;type:ledger_entry_status_enum;not null"`
	Metadata          json.RawMessage         `gorm:"column:metadata;type:jsonb"`
	CreatedAt         time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}
