package models

import (
	"time"

	"github.com/google/uuid"
)

// ReferralBonusRecord marks a referee's qualifying first deposit as paid out.
// The primary key on RefereeID caps the bonus at one per referee for all time,
// regardless of how many deposits race through the crediting engine.
type ReferralBonusRecord struct {
	RefereeID     uuid.UUID `gorm:"column:referee_id;type:uuid;primaryKey"`
	ReferrerID    uuid.UUID `gorm:"column:referrer_id;type:uuid;not null;index"`
	LedgerEntryID uuid.UUID `gorm:"column:ledger_entry_id;type:uuid;not null"`
	AmountKobo    int64     `gorm:"column:amount_kobo;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}
