package models

import (
	"time"

	"github.com/google/uuid"
)

// Account holds one wallet balance per user, in integer kobo. Version is a
// monotonic counter used for optimistic concurrency: every balance write must
// match the version it read or it loses the race and retries.
type Account struct {
	UserID      uuid.UUID `gorm:"column:user_id;type:uuid;primaryKey"`
	BalanceKobo int64     `gorm:"column:balance_kobo;not null;default:0"`
	Version     int64     `gorm:"column:version;not null;default:0"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
