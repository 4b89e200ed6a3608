package enums

import "fmt"

// GiftRoomStatus maps to the gift_room_status_enum enum in Postgres.
type GiftRoomStatus string

const (
	GiftRoomStatusActive  GiftRoomStatus = "active"
	GiftRoomStatusFull    GiftRoomStatus = "full"
	GiftRoomStatusExpired GiftRoomStatus = "expired"
	// GiftRoomStatusCompleted is reserved for a future "all slots claimed"
	// transition and is never produced today.
	GiftRoomStatusCompleted GiftRoomStatus = "completed"
)

var validGiftRoomStatuses = []GiftRoomStatus{
	GiftRoomStatusActive,
	GiftRoomStatusFull,
	GiftRoomStatusExpired,
	GiftRoomStatusCompleted,
}

// IsValid reports whether the value matches the canonical room status enum.
func (s GiftRoomStatus) IsValid() bool {
	for _, candidate := range validGiftRoomStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// AcceptsReservations reports whether new slots can still be reserved.
func (s GiftRoomStatus) AcceptsReservations() bool {
	return s == GiftRoomStatusActive
}

// IsTerminal reports whether the room can never change status again.
func (s GiftRoomStatus) IsTerminal() bool {
	return s == GiftRoomStatusExpired || s == GiftRoomStatusCompleted
}

// ParseGiftRoomStatus converts raw input into GiftRoomStatus.
func ParseGiftRoomStatus(value string) (GiftRoomStatus, error) {
	for _, candidate := range validGiftRoomStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid gift room status %q", value)
}
