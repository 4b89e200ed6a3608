package models

import (
	"time"

	"github.com/google/uuid"
)

// User carries the minimum profile the core needs: identity plus the referral
// edge used by bonus evaluation. Registration and authentication flows live
// outside this service.
type User struct {
	ID         uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	Phone      string     `gorm:"column:phone;not null;uniqueIndex"`
	ReferredBy *uuid.UUID `gorm:"column:referred_by;type:uuid"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}
