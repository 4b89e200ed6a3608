package controllers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kobopay/kobopay-backend/api/responses"
	"github.com/kobopay/kobopay-backend/api/validators"
	giftroomsvc "github.com/kobopay/kobopay-backend/internal/giftrooms"
	"github.com/kobopay/kobopay-backend/pkg/db/models"
	"github.com/kobopay/kobopay-backend/pkg/enums"
	pkgerrors "github.com/kobopay/kobopay-backend/pkg/errors"
	"github.com/kobopay/kobopay-backend/pkg/logger"
)

// GiftRoomCreate opens a new funded room for the caller.
func GiftRoomCreate(svc giftroomsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		senderID, err := authedUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload createGiftRoomRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		room, err := svc.CreateRoom(r.Context(), giftroomsvc.CreateRoomInput{
			SenderID:          senderID,
			AmountPerSlotKobo: payload.AmountPerSlotKobo,
			Capacity:          payload.Capacity,
			TTL:               time.Duration(payload.TTLSeconds) * time.Second,
			Message:           payload.Message,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newGiftRoomResponse(room))
	}
}

// GiftRoomGet resolves a room by its public token.
func GiftRoomGet(svc giftroomsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")
		room, err := svc.GetRoomByToken(r.Context(), token)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newGiftRoomResponse(room))
	}
}

// GiftRoomsMine lists the caller's rooms.
func GiftRoomsMine(svc giftroomsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		senderID, err := authedUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		rooms, err := svc.ListRoomsBySender(r.Context(), senderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]giftRoomResponse, len(rooms))
		for i := range rooms {
			items[i] = newGiftRoomResponse(&rooms[i])
		}
		responses.WriteSuccess(w, map[string]any{"rooms": items})
	}
}

// GiftRoomReserve holds one slot for the caller or a contact fingerprint.
// Signed-in callers are identified from their token; anonymous recipients
// supply a contact fingerprint from the invite link.
func GiftRoomReserve(svc giftroomsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")

		var payload reserveSlotRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}

		claimant := giftroomsvc.ClaimantIdentity{ContactFingerprint: payload.ContactFingerprint}
		if userID, err := authedUserID(r); err == nil {
			claimant = giftroomsvc.ClaimantIdentity{UserID: &userID}
		}

		reservation, err := svc.ReserveSlot(r.Context(), token, claimant)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newReservationResponse(reservation))
	}
}

// GiftClaimCreate converts the caller's reservation into a wallet credit.
func GiftClaimCreate(svc giftroomsvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := authedUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		reservationID, err := uuid.Parse(chi.URLParam(r, "reservationID"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w,
				pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid reservation id"))
			return
		}

		claim, err := svc.Claim(r.Context(), reservationID, userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusCreated, newGiftClaimResponse(claim))
	}
}

type createGiftRoomRequest struct {
	AmountPerSlotKobo int64  `json:"amount_per_slot_kobo" validate:"required,min=1"`
	Capacity          int    `json:"capacity" validate:"required,min=1"`
	TTLSeconds        int64  `json:"ttl_seconds" validate:"min=0"`
	Message           string `json:"message"`
}

type reserveSlotRequest struct {
	ContactFingerprint string `json:"contact_fingerprint"`
}

type giftRoomResponse struct {
	ID                uuid.UUID            `json:"id"`
	Token             string               `json:"token"`
	AmountPerSlotKobo int64                `json:"amount_per_slot_kobo"`
	Capacity          int                  `json:"capacity"`
	JoinedCount       int                  `json:"joined_count"`
	ClaimedCount      int                  `json:"claimed_count"`
	Status            enums.GiftRoomStatus `json:"status"`
	Message           string               `json:"message,omitempty"`
	ExpiresAt         time.Time            `json:"expires_at"`
	CreatedAt         time.Time            `json:"created_at"`
}

func newGiftRoomResponse(room *models.GiftRoom) giftRoomResponse {
	return giftRoomResponse{
		ID:                room.ID,
		Token:             room.Token,
		AmountPerSlotKobo: room.AmountPerSlotKobo,
		Capacity:          room.Capacity,
		JoinedCount:       room.JoinedCount,
		ClaimedCount:      room.ClaimedCount,
		Status:            room.Status,
		Message:           room.Message,
		ExpiresAt:         room.ExpiresAt,
		CreatedAt:         room.CreatedAt,
	}
}

type reservationResponse struct {
	ID        uuid.UUID               `json:"id"`
	RoomID    uuid.UUID               `json:"room_id"`
	Status    enums.ReservationStatus `json:"status"`
	ExpiresAt time.Time               `json:"expires_at"`
}

func newReservationResponse(reservation *models.Reservation) reservationResponse {
	return reservationResponse{
		ID:        reservation.ID,
		RoomID:    reservation.RoomID,
		Status:    reservation.Status,
		ExpiresAt: reservation.ExpiresAt,
	}
}

type giftClaimResponse struct {
	ID            uuid.UUID `json:"id"`
	ReservationID uuid.UUID `json:"reservation_id"`
	RoomID        uuid.UUID `json:"room_id"`
	AmountKobo    int64     `json:"amount_kobo"`
	CreatedAt     time.Time `json:"created_at"`
}

func newGiftClaimResponse(claim *models.GiftClaim) giftClaimResponse {
	return giftClaimResponse{
		ID:            claim.ID,
		ReservationID: claim.ReservationID,
		RoomID:        claim.RoomID,
		AmountKobo:    claim.AmountKobo,
		CreatedAt:     claim.CreatedAt,
	}
}
