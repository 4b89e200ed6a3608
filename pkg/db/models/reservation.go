package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/kobopay/kobopay-backend/pkg/enums"
)

// Reservation is a time-bounded hold on one gift room slot. ClaimantKey
// identifies the holder: "user:<uuid>" for signed-in users or
// "contact:<fingerprint>" for anonymous recipients. A partial unique index on
// (room_id, claimant_key) WHERE status = 'active' keeps one live hold per
// claimant per room.
//
// Reservations are never deleted; they terminate as claimed or expired. A
// reservation's ExpiresAt never exceeds its room's ExpiresAt.
type Reservation struct {
	ID          uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	RoomID      uuid.UUID               `gorm:"column:room_id;type:uuid;not null;index"`
	ClaimantKey string                  `gorm:"column:claimant_key;not null"`
	UserID      *uuid.UUID              `gorm:"column:user_id;type:uuid"`
	Status      enums.ReservationStatus `gorm:"column:status;type:reservation_status_enum;not null"`
	CreatedAt   time.Time               `gorm:"column:created_at;autoCreateTime"`
	ExpiresAt   time.Time               `gorm:"column:expires_at;not null;index"`
	UpdatedAt   time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}
