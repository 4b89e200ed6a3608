package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/kobopay/kobopay-backend/pkg/enums"
)

// GiftRoom is a funded prize pool awaiting distribution. The full pool
// (Capacity * AmountPerSlotKobo) is debited from the sender when the room is
// created and held until slots are claimed or the room expires.
//
// Counter invariants: 0 <= ClaimedCount <= JoinedCount <= Capacity, and
// Status == full exactly when JoinedCount == Capacity. Both counters move only
// through conditional updates so concurrent admissions cannot overshoot.
type GiftRoom struct {
	ID                uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	Token             string               `gorm:"column:token;not null;uniqueIndex"`
	SenderID          uuid.UUID            `gorm:"column:sender_id;type:uuid;not null;index"`
	AmountPerSlotKobo int64                `gorm:"column:amount_per_slot_kobo;not null"`
	Capacity          int                  `gorm:"column:capacity;not null"`
	JoinedCount       int                  `gorm:"column:joined_count;not null;default:0"`
	ClaimedCount      int                  `gorm:"column:claimed_count;not null;default:0"`
	Status            enums.GiftRoomStatus `gorm:"column:status;type:gift_room_status_enum;not null"`
	Message           string               `gorm:"column:message"`
	CreatedAt         time.Time            `gorm:"column:created_at;autoCreateTime"`
	ExpiresAt         time.Time            `gorm:"column:expires_at;not null;index"`
	UpdatedAt         time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}
