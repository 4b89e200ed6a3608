package models

import (
	"time"

	"github.com/google/uuid"
)

// GiftClaim is the realized payout for one reservation. The unique index on
// ReservationID is the exactly-once gate: concurrent claims of the same
// reservation race on this insert and all but one lose.
type GiftClaim struct {
	ID                   uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	ReservationID        uuid.UUID `gorm:"column:reservation_id;type:uuid;not null;uniqueIndex"`
	RoomID               uuid.UUID `gorm:"column:room_id;type:uuid;not null;index"`
	UserID               uuid.UUID `gorm:"column:user_id;type:uuid;not null;index"`
	AmountKobo           int64     `gorm:"column:amount_kobo;not null"`
	ReferralBonusAwarded bool      `gorm:"column:referral_bonus_awarded;not null;default:false"`
	CreatedAt            time.Time `gorm:"column:created_at;autoCreateTime"`
}
