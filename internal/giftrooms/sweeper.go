package giftrooms

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/kobopay/kobopay-backend/internal/ledger"
	"github.com/kobopay/kobopay-backend/pkg/db/models"
	"github.com/kobopay/kobopay-backend/pkg/enums"
	"github.com/kobopay/kobopay-backend/pkg/logger"
)

const defaultSweepBatchSize = 200

// SweepResult summarizes one expiration pass.
type SweepResult struct {
	RoomsExpired        int   `json:"rooms_expired"`
	ReservationsExpired int64 `json:"reservations_expired"`
	RefundedTotalKobo   int64 `json:"refunded_total_kobo"`
}

// Sweeper expires stale rooms and reservations and repairs interrupted
// payouts. Every pass is safe to run concurrently with itself: each mutation
// is gated by a conditional state transition or a unique ledger reference.
type Sweeper interface {
	// ExpireRooms flips overdue rooms to expired and refunds unclaimed value
	// to their senders.
	ExpireRooms(ctx context.Context) (int, int64, error)
	// ExpireReservations bulk-expires overdue holds. Capacity stays consumed;
	// its value returns to the sender only when the room itself expires.
	ExpireReservations(ctx context.Context) (int64, error)
	// RunExpirationSweep runs both passes, for the admin trigger.
	RunExpirationSweep(ctx context.Context) (*SweepResult, error)
	// ReconcileClaims completes payouts for claims that won the gate but
	// never got their credit.
	ReconcileClaims(ctx context.Context) (int, error)
	// ReconcileRefunds re-issues refunds for expired rooms whose refund entry
	// never landed.
	ReconcileRefunds(ctx context.Context) (int, error)
}

// SweeperParams configure the expiration sweeper.
type SweeperParams struct {
	Repo      Repository
	Ledger    ledger.Service
	Logger    *logger.Logger
	BatchSize int
	Now       func() time.Time
}

type sweeper struct {
	repo      Repository
	ledgerSvc ledger.Service
	logg      *logger.Logger
	batchSize int
	now       func() time.Time
}

// NewSweeper wires an expiration sweeper.
func NewSweeper(params SweeperParams) (Sweeper, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("gift room repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &sweeper{
		repo:      params.Repo,
		ledgerSvc: params.Ledger,
		logg:      params.Logger,
		batchSize: batchSize,
		now:       now,
	}, nil
}

func (s *sweeper) ExpireRooms(ctx context.Context) (int, int64, error) {
	rooms, err := s.repo.ListExpiredRooms(ctx, s.now().UTC(), s.batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("list expired rooms: %w", err)
	}
	var (
		expired  int
		refunded int64
		errs     []error
	)
	for _, room := range rooms {
		amount, err := s.expireRoom(ctx, room)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire room %s: %w", room.ID, err))
			continue
		}
		expired++
		refunded += amount
	}
	return expired, refunded, multierr.Combine(errs...)
}

func (s *sweeper) ExpireReservations(ctx context.Context) (int64, error) {
	count, err := s.repo.ExpireReservationsBefore(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expire reservations: %w", err)
	}
	return count, nil
}

func (s *sweeper) RunExpirationSweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}
	var errs []error

	expired, refunded, err := s.ExpireRooms(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	result.RoomsExpired = expired
	result.RefundedTotalKobo = refunded

	reservations, err := s.ExpireReservations(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	result.ReservationsExpired = reservations

	return result, multierr.Combine(errs...)
}

// expireRoom transitions one room and refunds its unclaimed value. The status
// flip is the refund gate: losing it means another sweep already owns the
// refund, so the room is skipped without error.
func (s *sweeper) expireRoom(ctx context.Context, room models.GiftRoom) (int64, error) {
	won, err := s.repo.ExpireRoom(ctx, room.ID)
	if err != nil {
		return 0, err
	}
	if !won {
		return 0, nil
	}
	// The listed row is a stale snapshot: a claim can commit between the
	// listing and the flip. claimed_count is frozen once the room is expired,
	// so the post-flip read is the refund base.
	refreshed, err := s.repo.FindRoom(ctx, room.ID)
	if err != nil {
		// The flip is durable; the reconcile pass re-reads and refunds.
		return 0, fmt.Errorf("reload expired room: %w", err)
	}
	if refreshed != nil {
		room = *refreshed
	}
	return s.refundRoom(ctx, room)
}

func (s *sweeper) refundRoom(ctx context.Context, room models.GiftRoom) (int64, error) {
	unclaimed := int64(room.Capacity-room.ClaimedCount) * room.AmountPerSlotKobo
	if unclaimed <= 0 {
		return 0, nil
	}

	metadata, _ := json.Marshal(map[string]any{
		"room_id":       room.ID.String(),
		"claimed_count": room.ClaimedCount,
		"capacity":      room.Capacity,
	})
	if _, _, err := s.ledgerSvc.ApplyEvent(ctx, ledger.ApplyEventInput{
		UserID:            room.SenderID,
		Kind:              enums.LedgerEntryKindRefund,
		AmountKobo:        unclaimed,
		InternalReference: RefundReference(room.ID),
		Metadata:          metadata,
	}); err != nil {
		return 0, fmt.Errorf("refund sender: %w", err)
	}

	roomCtx := s.logg.WithRoomID(ctx, room.ID.String())
	s.logg.Info(roomCtx, "expired room refunded")
	return unclaimed, nil
}

func (s *sweeper) ReconcileClaims(ctx context.Context) (int, error) {
	claims, err := s.repo.ListClaimsMissingCredit(ctx, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list claims missing credit: %w", err)
	}
	repaired := 0
	var errs []error
	for _, claim := range claims {
		metadata, _ := json.Marshal(map[string]string{
			"room_id":        claim.RoomID.String(),
			"reservation_id": claim.ReservationID.String(),
			"source":         "reconcile",
		})
		if _, _, err := s.ledgerSvc.ApplyEvent(ctx, ledger.ApplyEventInput{
			UserID:            claim.UserID,
			Kind:              enums.LedgerEntryKindClaim,
			AmountKobo:        claim.AmountKobo,
			InternalReference: ClaimReference(claim.ID),
			Metadata:          metadata,
		}); err != nil {
			errs = append(errs, fmt.Errorf("reconcile claim %s: %w", claim.ID, err))
			continue
		}
		repaired++
	}
	return repaired, multierr.Combine(errs...)
}

func (s *sweeper) ReconcileRefunds(ctx context.Context) (int, error) {
	rooms, err := s.repo.ListExpiredRoomsMissingRefund(ctx, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list rooms missing refund: %w", err)
	}
	repaired := 0
	var errs []error
	for _, room := range rooms {
		if _, err := s.refundRoom(ctx, room); err != nil {
			errs = append(errs, fmt.Errorf("reconcile refund %s: %w", room.ID, err))
			continue
		}
		repaired++
	}
	return repaired, multierr.Combine(errs...)
}
