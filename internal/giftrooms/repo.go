package giftrooms

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kobopay/kobopay-backend/pkg/db/models"
	"github.com/kobopay/kobopay-backend/pkg/enums"
)

// Repository manages persistence for gift rooms, reservations and claims.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateRoom(ctx context.Context, room *models.GiftRoom) error
	FindRoom(ctx context.Context, roomID uuid.UUID) (*models.GiftRoom, error)
	FindRoomByToken(ctx context.Context, token string) (*models.GiftRoom, error)
	ListRoomsBySender(ctx context.Context, senderID uuid.UUID) ([]models.GiftRoom, error)
	ReserveSlot(ctx context.Context, roomID uuid.UUID) (bool, error)
	IncrementClaimedCount(ctx context.Context, roomID uuid.UUID) (bool, error)
	ListExpiredRooms(ctx context.Context, cutoff time.Time, limit int) ([]models.GiftRoom, error)
	ExpireRoom(ctx context.Context, roomID uuid.UUID) (bool, error)
	ListExpiredRoomsMissingRefund(ctx context.Context, limit int) ([]models.GiftRoom, error)
	CreateReservation(ctx context.Context, reservation *models.Reservation) error
	FindReservation(ctx context.Context, reservationID uuid.UUID) (*models.Reservation, error)
	FindActiveReservation(ctx context.Context, roomID uuid.UUID, claimantKey string) (*models.Reservation, error)
	MarkReservationClaimed(ctx context.Context, reservationID uuid.UUID) (bool, error)
	ExpireReservationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CreateClaim(ctx context.Context, claim *models.GiftClaim) error
	FindClaimByReservation(ctx context.Context, reservationID uuid.UUID) (*models.GiftClaim, error)
	SetClaimBonusAwarded(ctx context.Context, claimID uuid.UUID) error
	ListClaimsMissingCredit(ctx context.Context, limit int) ([]models.GiftClaim, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a gift room repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateRoom(ctx context.Context, room *models.GiftRoom) error {
	return r.db.WithContext(ctx).Create(room).Error
}

func (r *repository) FindRoom(ctx context.Context, roomID uuid.UUID) (*models.GiftRoom, error) {
	var room models.GiftRoom
	err := r.db.WithContext(ctx).
		Where("id = ?", roomID).
		First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &room, nil
}

func (r *repository) FindRoomByToken(ctx context.Context, token string) (*models.GiftRoom, error) {
	var room models.GiftRoom
	err := r.db.WithContext(ctx).
		Where("token = ?", token).
		First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &room, nil
}

func (r *repository) ListRoomsBySender(ctx context.Context, senderID uuid.UUID) ([]models.GiftRoom, error) {
	var rooms []models.GiftRoom
	err := r.db.WithContext(ctx).
		Where("sender_id = ?", senderID).
		Order("created_at DESC").
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

// ReserveSlot admits one claimant by conditional update. The WHERE clause is
// the capacity guard: concurrent admissions past capacity affect zero rows.
// The same statement flips the room to full when the slot taken is the last.
func (r *repository) ReserveSlot(ctx context.Context, roomID uuid.UUID) (bool, error) {
	result := r.db.WithContext(ctx).Exec(`
		UPDATE gift_rooms
		SET joined_count = joined_count + 1,
		    status = CASE WHEN joined_count + 1 >= capacity THEN ? ELSE status END,
		    updated_at = ?
		WHERE id = ? AND status = ? AND joined_count < capacity`,
		enums.GiftRoomStatusFull, time.Now().UTC(), roomID, enums.GiftRoomStatusActive,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// IncrementClaimedCount counts one paid-out slot. The status guard makes a
// claim transaction lose against the reaper: once the room is expired its
// claimed_count is frozen and the refund owns the remaining value.
func (r *repository) IncrementClaimedCount(ctx context.Context, roomID uuid.UUID) (bool, error) {
	result := r.db.WithContext(ctx).Exec(`
		UPDATE gift_rooms
		SET claimed_count = claimed_count + 1,
		    updated_at = ?
		WHERE id = ? AND status IN (?, ?) AND claimed_count < joined_count`,
		time.Now().UTC(), roomID, enums.GiftRoomStatusActive, enums.GiftRoomStatusFull,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) ListExpiredRooms(ctx context.Context, cutoff time.Time, limit int) ([]models.GiftRoom, error) {
	var rooms []models.GiftRoom
	err := r.db.WithContext(ctx).
		Where("status IN ? AND expires_at < ?",
			[]enums.GiftRoomStatus{enums.GiftRoomStatusActive, enums.GiftRoomStatusFull}, cutoff).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

// ExpireRoom transitions the room to expired. The conditional status check is
// the refund gate: only the sweep that wins this update issues the refund.
func (r *repository) ExpireRoom(ctx context.Context, roomID uuid.UUID) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.GiftRoom{}).
		Where("id = ? AND status IN ?", roomID,
			[]enums.GiftRoomStatus{enums.GiftRoomStatusActive, enums.GiftRoomStatusFull}).
		Update("status", enums.GiftRoomStatusExpired)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListExpiredRoomsMissingRefund returns expired rooms with unclaimed value
// whose refund entry never landed, typically after a crash between the status
// flip and the credit.
func (r *repository) ListExpiredRoomsMissingRefund(ctx context.Context, limit int) ([]models.GiftRoom, error) {
	var rooms []models.GiftRoom
	err := r.db.WithContext(ctx).
		Raw(`
			SELECT gr.*
			FROM gift_rooms gr
			LEFT JOIN ledger_entries le
			  ON le.internal_reference = 'refund:' || CAST(gr.id AS TEXT)
			WHERE gr.status = ? AND gr.claimed_count < gr.capacity AND le.id IS NULL
			ORDER BY gr.expires_at ASC
			LIMIT ?`, enums.GiftRoomStatusExpired, limit).
		Scan(&rooms).Error
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

func (r *repository) CreateReservation(ctx context.Context, reservation *models.Reservation) error {
	return r.db.WithContext(ctx).Create(reservation).Error
}

func (r *repository) FindReservation(ctx context.Context, reservationID uuid.UUID) (*models.Reservation, error) {
	var reservation models.Reservation
	err := r.db.WithContext(ctx).
		Where("id = ?", reservationID).
		First(&reservation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &reservation, nil
}

func (r *repository) FindActiveReservation(ctx context.Context, roomID uuid.UUID, claimantKey string) (*models.Reservation, error) {
	var reservation models.Reservation
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND claimant_key = ? AND status = ?",
			roomID, claimantKey, enums.ReservationStatusActive).
		First(&reservation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &reservation, nil
}

func (r *repository) MarkReservationClaimed(ctx context.Context, reservationID uuid.UUID) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Reservation{}).
		Where("id = ? AND status = ?", reservationID, enums.ReservationStatusActive).
		Update("status", enums.ReservationStatusClaimed)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) ExpireReservationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Reservation{}).
		Where("status = ? AND expires_at < ?", enums.ReservationStatusActive, cutoff).
		Update("status", enums.ReservationStatusExpired)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repository) CreateClaim(ctx context.Context, claim *models.GiftClaim) error {
	return r.db.WithContext(ctx).Create(claim).Error
}

func (r *repository) FindClaimByReservation(ctx context.Context, reservationID uuid.UUID) (*models.GiftClaim, error) {
	var claim models.GiftClaim
	err := r.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID).
		First(&claim).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &claim, nil
}

func (r *repository) SetClaimBonusAwarded(ctx context.Context, claimID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.GiftClaim{}).
		Where("id = ?", claimID).
		Update("referral_bonus_awarded", true).Error
}

// ListClaimsMissingCredit returns claims whose payout credit never settled,
// typically after a crash between the claim insert and the ledger write.
func (r *repository) ListClaimsMissingCredit(ctx context.Context, limit int) ([]models.GiftClaim, error) {
	var claims []models.GiftClaim
	err := r.db.WithContext(ctx).
		Raw(`
			SELECT gc.*
			FROM gift_claims gc
			LEFT JOIN ledger_entries le
			  ON le.internal_reference = 'claim:' || CAST(gc.id AS TEXT)
			WHERE le.id IS NULL
			ORDER BY gc.created_at ASC
			LIMIT ?`, limit).
		Scan(&claims).Error
	if err != nil {
		return nil, err
	}
	return claims, nil
}
