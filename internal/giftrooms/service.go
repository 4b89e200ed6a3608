package giftrooms

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kobopay/kobopay-backend/internal/ledger"
	"github.com/kobopay/kobopay-backend/internal/referrals"
	"github.com/kobopay/kobopay-backend/pkg/config"
	"github.com/kobopay/kobopay-backend/pkg/db"
	"github.com/kobopay/kobopay-backend/pkg/db/models"
	"github.com/kobopay/kobopay-backend/pkg/enums"
	pkgerrors "github.com/kobopay/kobopay-backend/pkg/errors"
	"github.com/kobopay/kobopay-backend/pkg/logger"
	"github.com/kobopay/kobopay-backend/pkg/security"
)

// ClaimantIdentity names who is asking for a slot. UserID is set for
// signed-in users; ContactFingerprint covers invite links opened by
// recipients who have no account yet.
type ClaimantIdentity struct {
	UserID             *uuid.UUID
	ContactFingerprint string
}

// Key renders the identity as the stored claimant key.
func (c ClaimantIdentity) Key() string {
	if c.UserID != nil {
		return "user:" + c.UserID.String()
	}
	return "contact:" + c.ContactFingerprint
}

func (c ClaimantIdentity) valid() bool {
	return c.UserID != nil || strings.TrimSpace(c.ContactFingerprint) != ""
}

// CreateRoomInput carries the sender's room parameters.
type CreateRoomInput struct {
	SenderID          uuid.UUID
	AmountPerSlotKobo int64
	Capacity          int
	TTL               time.Duration
	Message           string
}

// txRunner runs fn inside a database transaction.
type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service owns room creation, reservation admission and claims.
type Service interface {
	CreateRoom(ctx context.Context, input CreateRoomInput) (*models.GiftRoom, error)
	GetRoomByToken(ctx context.Context, token string) (*models.GiftRoom, error)
	ListRoomsBySender(ctx context.Context, senderID uuid.UUID) ([]models.GiftRoom, error)
	ReserveSlot(ctx context.Context, roomToken string, claimant ClaimantIdentity) (*models.Reservation, error)
	Claim(ctx context.Context, reservationID uuid.UUID, userID uuid.UUID) (*models.GiftClaim, error)
}

type service struct {
	runner    txRunner
	repo      Repository
	ledgerSvc ledger.Service
	referrals referrals.Service
	logg      *logger.Logger
	cfg       config.GiftConfig
	now       func() time.Time
}

// ServiceParams configure the gift room service.
type ServiceParams struct {
	Runner    txRunner
	Repo      Repository
	Ledger    ledger.Service
	Referrals referrals.Service
	Logger    *logger.Logger
	Config    config.GiftConfig
	Now       func() time.Time
}

// NewService wires a gift room service.
func NewService(params ServiceParams) (Service, error) {
	if params.Runner == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("gift room repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if params.Referrals == nil {
		return nil, fmt.Errorf("referral service required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		runner:    params.Runner,
		repo:      params.Repo,
		ledgerSvc: params.Ledger,
		referrals: params.Referrals,
		logg:      params.Logger,
		cfg:       params.Config,
		now:       now,
	}, nil
}

func (s *service) CreateRoom(ctx context.Context, input CreateRoomInput) (*models.GiftRoom, error) {
	if input.SenderID == uuid.Nil {
		return nil, fmt.Errorf("sender id is required")
	}
	if input.Capacity < 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "capacity must be at least 1")
	}
	if s.cfg.MaxCapacity > 0 && input.Capacity > s.cfg.MaxCapacity {
		return nil, pkgerrors.New(pkgerrors.CodeValidation,
			fmt.Sprintf("capacity must be at most %d", s.cfg.MaxCapacity))
	}
	if input.AmountPerSlotKobo < s.cfg.MinAmountPerSlot {
		return nil, pkgerrors.New(pkgerrors.CodeValidation,
			fmt.Sprintf("amount per slot must be at least %d kobo", s.cfg.MinAmountPerSlot))
	}
	if s.cfg.MaxMessageLength > 0 && len(input.Message) > s.cfg.MaxMessageLength {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "message too long")
	}
	ttl := input.TTL
	if ttl <= 0 {
		ttl = s.cfg.DefaultRoomTTL
	}
	if s.cfg.MaxRoomTTL > 0 && ttl > s.cfg.MaxRoomTTL {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "room ttl too long")
	}

	token, err := security.GenerateToken(security.DefaultTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generate room token: %w", err)
	}

	room := &models.GiftRoom{
		ID:                uuid.New(),
		Token:             token,
		SenderID:          input.SenderID,
		AmountPerSlotKobo: input.AmountPerSlotKobo,
		Capacity:          input.Capacity,
		Status:            enums.GiftRoomStatusActive,
		Message:           input.Message,
		ExpiresAt:         s.now().UTC().Add(ttl),
	}
	escrow := room.AmountPerSlotKobo * int64(room.Capacity)

	// The escrow debit and the room insert commit together, so a room never
	// exists without its pool being funded.
	err = ledger.RetryOnVersionConflict(ctx, func() error {
		return s.runner.WithTx(ctx, func(tx *gorm.DB) error {
			metadata, _ := json.Marshal(map[string]any{
				"room_id":  room.ID.String(),
				"capacity": room.Capacity,
			})
			if _, _, err := s.ledgerSvc.ApplyEventTx(ctx, tx, ledger.ApplyEventInput{
				UserID:            input.SenderID,
				Kind:              enums.LedgerEntryKindDebit,
				AmountKobo:        escrow,
				InternalReference: escrowReference(room.ID),
				Metadata:          metadata,
			}); err != nil {
				return err
			}
			return s.repo.WithTx(tx).CreateRoom(ctx, room)
		})
	})
	if err != nil {
		return nil, err
	}

	roomCtx := s.logg.WithRoomID(ctx, room.ID.String())
	s.logg.Info(roomCtx, "gift room created")
	return room, nil
}

func (s *service) GetRoomByToken(ctx context.Context, token string) (*models.GiftRoom, error) {
	if strings.TrimSpace(token) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "room token is required")
	}
	room, err := s.repo.FindRoomByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "room not found")
	}
	return room, nil
}

func (s *service) ListRoomsBySender(ctx context.Context, senderID uuid.UUID) ([]models.GiftRoom, error) {
	if senderID == uuid.Nil {
		return nil, fmt.Errorf("sender id is required")
	}
	return s.repo.ListRoomsBySender(ctx, senderID)
}

func (s *service) ReserveSlot(ctx context.Context, roomToken string, claimant ClaimantIdentity) (*models.Reservation, error) {
	if !claimant.valid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "claimant identity is required")
	}
	room, err := s.GetRoomByToken(ctx, roomToken)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if now.After(room.ExpiresAt) || room.Status.IsTerminal() {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "room has expired")
	}
	if room.Status == enums.GiftRoomStatusFull {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "room is full")
	}

	expiresAt := now.Add(s.cfg.ReservationTTL)
	if expiresAt.After(room.ExpiresAt) {
		expiresAt = room.ExpiresAt
	}
	reservation := &models.Reservation{
		ID:          uuid.New(),
		RoomID:      room.ID,
		ClaimantKey: claimant.Key(),
		UserID:      claimant.UserID,
		Status:      enums.ReservationStatusActive,
		ExpiresAt:   expiresAt,
	}

	err = s.runner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.CreateReservation(ctx, reservation); err != nil {
			return err
		}
		admitted, err := repo.ReserveSlot(ctx, room.ID)
		if err != nil {
			return fmt.Errorf("reserve slot: %w", err)
		}
		if !admitted {
			// Zero rows means the conditional update raced either another
			// claimant or the reaper; re-read to report which.
			current, err := repo.FindRoom(ctx, room.ID)
			if err != nil {
				return err
			}
			if current != nil && (current.Status == enums.GiftRoomStatusExpired || now.After(current.ExpiresAt)) {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "room has expired")
			}
			return pkgerrors.New(pkgerrors.CodeStateConflict, "room is full")
		}
		return nil
	})
	if err != nil {
		if db.IsUniqueViolation(err, "claimant_key") {
			// The claimant already holds a live slot in this room; hand back
			// the existing reservation instead of failing the retry.
			existing, findErr := s.repo.FindActiveReservation(ctx, room.ID, claimant.Key())
			if findErr != nil {
				return nil, findErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}
	return reservation, nil
}

func (s *service) Claim(ctx context.Context, reservationID uuid.UUID, userID uuid.UUID) (*models.GiftClaim, error) {
	if reservationID == uuid.Nil {
		return nil, fmt.Errorf("reservation id is required")
	}
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "sign in to claim a gift")
	}

	reservation, err := s.repo.FindReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if reservation == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "reservation not found")
	}
	if reservation.Status != enums.ReservationStatusActive {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "reservation already claimed or expired")
	}
	now := s.now().UTC()
	if now.After(reservation.ExpiresAt) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "reservation has expired")
	}
	room, err := s.repo.FindRoom(ctx, reservation.RoomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "room not found")
	}
	if room.Status == enums.GiftRoomStatusExpired {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "room has expired")
	}
	if room.SenderID == userID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "you cannot claim your own gift")
	}

	claim := &models.GiftClaim{
		ID:            uuid.New(),
		ReservationID: reservation.ID,
		RoomID:        room.ID,
		UserID:        userID,
		AmountKobo:    room.AmountPerSlotKobo,
	}

	// The claim insert is the exactly-once gate. Winning it, flipping the
	// reservation and bumping claimed_count commit together; the payout credit
	// happens after, and the reconcile sweep completes it if we crash between.
	err = s.runner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.CreateClaim(ctx, claim); err != nil {
			if db.IsUniqueViolation(err, "reservation_id") {
				return pkgerrors.New(pkgerrors.CodeConflict, "gift already claimed")
			}
			return fmt.Errorf("create claim: %w", err)
		}
		flipped, err := repo.MarkReservationClaimed(ctx, reservation.ID)
		if err != nil {
			return fmt.Errorf("mark reservation claimed: %w", err)
		}
		if !flipped {
			return pkgerrors.New(pkgerrors.CodeConflict, "gift already claimed")
		}
		counted, err := repo.IncrementClaimedCount(ctx, room.ID)
		if err != nil {
			return fmt.Errorf("increment claimed count: %w", err)
		}
		if !counted {
			// The room expired or its claim count is exhausted; either way
			// the payout pool no longer covers this slot.
			return pkgerrors.New(pkgerrors.CodeStateConflict, "room is no longer claimable")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	entry, err := s.creditClaim(ctx, claim)
	if err != nil {
		// The gate is won and durable; the reconcile sweep completes the
		// credit, so the claimant still gets paid.
		s.logg.Error(ctx, "claim credit deferred to reconcile sweep", err)
		return claim, nil
	}
	s.awardClaimBonus(ctx, claim, entry)
	return claim, nil
}

// creditClaim pays out one claim. The internal reference pins the credit to
// the claim row, so replays and reconcile passes apply it at most once.
func (s *service) creditClaim(ctx context.Context, claim *models.GiftClaim) (*models.LedgerEntry, error) {
	metadata, _ := json.Marshal(map[string]string{
		"room_id":        claim.RoomID.String(),
		"reservation_id": claim.ReservationID.String(),
	})
	entry, _, err := s.ledgerSvc.ApplyEvent(ctx, ledger.ApplyEventInput{
		UserID:            claim.UserID,
		Kind:              enums.LedgerEntryKindClaim,
		AmountKobo:        claim.AmountKobo,
		InternalReference: ClaimReference(claim.ID),
		Metadata:          metadata,
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *service) awardClaimBonus(ctx context.Context, claim *models.GiftClaim, entry *models.LedgerEntry) {
	var awarded bool
	err := ledger.RetryOnVersionConflict(ctx, func() error {
		return s.runner.WithTx(ctx, func(tx *gorm.DB) error {
			var evalErr error
			awarded, evalErr = s.referrals.EvaluateFirstDepositTx(ctx, tx, entry)
			return evalErr
		})
	})
	if err != nil {
		s.logg.Error(ctx, "referral bonus evaluation failed", err)
		return
	}
	if awarded {
		if err := s.repo.SetClaimBonusAwarded(ctx, claim.ID); err != nil {
			s.logg.Error(ctx, "failed to flag claim bonus", err)
		}
	}
}

func escrowReference(roomID uuid.UUID) string {
	return fmt.Sprintf("escrow:%s", roomID)
}

// ClaimReference is the internal ledger reference for a claim payout. The
// reconcile sweep depends on this exact shape to spot missing credits.
func ClaimReference(claimID uuid.UUID) string {
	return fmt.Sprintf("claim:%s", claimID)
}

// RefundReference is the internal ledger reference for an expired room refund.
func RefundReference(roomID uuid.UUID) string {
	return fmt.Sprintf("refund:%s", roomID)
}
