package giftrooms

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kobopay/kobopay-backend/pkg/db/models"
	"github.com/kobopay/kobopay-backend/pkg/enums"
	"github.com/kobopay/kobopay-backend/pkg/logger"
)

func newTestSweeper(t *testing.T, env *testEnv) Sweeper {
	t.Helper()
	sweeper, err := NewSweeper(SweeperParams{
		Repo:      env.repo,
		Ledger:    env.ledger,
		Logger:    logger.New(logger.Options{ServiceName: "test"}),
		BatchSize: 50,
		Now:       func() time.Time { return env.nowFunc() },
	})
	require.NoError(t, err)
	return sweeper
}

func TestExpireRoomsRefundsUnclaimed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	sweeper := newTestSweeper(t, env)
	ctx := context.Background()
	sender := env.seedUser(t, 100_000, nil)
	claimant := env.seedUser(t, 0, nil)

	room, err := env.svc.CreateRoom(ctx, CreateRoomInput{
		SenderID:          sender,
		AmountPerSlotKobo: 10_000,
		Capacity:          3,
		TTL:               time.Hour,
	})
	require.NoError(t, err)

	reservation, err := env.svc.ReserveSlot(ctx, room.Token, ClaimantIdentity{UserID: &claimant})
	require.NoError(t, err)
	_, err = env.svc.Claim(ctx, reservation.ID, claimant)
	require.NoError(t, err)

	env.now = env.now.Add(2 * time.Hour)

	expired, refunded, err := sweeper.ExpireRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	assert.Equal(t, int64(20_000), refunded)

	// 100k seeded, 30k escrowed, 20k refunded for the two unclaimed slots.
	assert.Equal(t, int64(90_000), env.balance(t, sender))
	assert.Equal(t, int64(10_000), env.balance(t, claimant))

	refreshed, err := env.repo.FindRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.GiftRoomStatusExpired, refreshed.Status)

	// A second sweep must not refund again.
	expired, refunded, err = sweeper.ExpireRooms(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)
	assert.Zero(t, refunded)
	assert.Equal(t, int64(90_000), env.balance(t, sender))
}

func TestExpireRoomsFullyClaimedNoRefund(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	sweeper := newTestSweeper(t, env)
	ctx := context.Background()
	sender := env.seedUser(t, 100_000, nil)
	claimant := env.seedUser(t, 0, nil)

	room, err := env.svc.CreateRoom(ctx, CreateRoomInput{
		SenderID:          sender,
		AmountPerSlotKobo: 10_000,
		Capacity:          1,
		TTL:               time.Hour,
	})
	require.NoError(t, err)

	reservation, err := env.svc.ReserveSlot(ctx, room.Token, ClaimantIdentity{UserID: &claimant})
	require.NoError(t, err)
	_, err = env.svc.Claim(ctx, reservation.ID, claimant)
	require.NoError(t, err)

	env.now = env.now.Add(2 * time.Hour)

	expired, refunded, err := sweeper.ExpireRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	assert.Zero(t, refunded)
	assert.Equal(t, int64(90_000), env.balance(t, sender))

	refreshed, err := env.repo.FindRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.GiftRoomStatusExpired, refreshed.Status)
}

// expireHookRepo runs hook right before the sweeper's status flip, after the
// expired-room listing was taken.
type expireHookRepo struct {
	Repository
	hook func()
}

func (r *expireHookRepo) ExpireRoom(ctx context.Context, roomID uuid.UUID) (bool, error) {
	if r.hook != nil {
		r.hook()
	}
	return r.Repository.ExpireRoom(ctx, roomID)
}

func TestExpireRoomsRefundExcludesRacingClaim(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	sender := env.seedUser(t, 100_000, nil)
	claimant := env.seedUser(t, 0, nil)

	room, err := env.svc.CreateRoom(ctx, CreateRoomInput{
		SenderID:          sender,
		AmountPerSlotKobo: 10_000,
		Capacity:          2,
		TTL:               time.Hour,
	})
	require.NoError(t, err)

	reservation, err := env.svc.ReserveSlot(ctx, room.Token, ClaimantIdentity{UserID: &claimant})
	require.NoError(t, err)

	reserveTime := env.now
	env.now = env.now.Add(2 * time.Hour)

	// A claim commits between the sweep's listing and its status flip. The
	// refund must be based on the claimed_count as of the flip, not on the
	// stale listed snapshot, or the slot gets paid out twice.
	hooked := &expireHookRepo{Repository: env.repo, hook: func() {
		resume := env.now
		env.now = reserveTime
		_, err := env.svc.Claim(ctx, reservation.ID, claimant)
		require.NoError(t, err)
		env.now = resume
	}}
	sweeper, err := NewSweeper(SweeperParams{
		Repo:      hooked,
		Ledger:    env.ledger,
		Logger:    logger.New(logger.Options{ServiceName: "test"}),
		BatchSize: 50,
		Now:       func() time.Time { return env.nowFunc() },
	})
	require.NoError(t, err)

	expired, refunded, err := sweeper.ExpireRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	assert.Equal(t, int64(10_000), refunded)

	// 20k escrowed, one slot claimed, one slot refunded. The sum of payouts
	// equals the escrow exactly.
	assert.Equal(t, int64(10_000), env.balance(t, claimant))
	assert.Equal(t, int64(90_000), env.balance(t, sender))

	refreshed, err := env.repo.FindRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed.ClaimedCount)
}

func TestClaimedCountFrozenAfterExpiry(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	sender := env.seedUser(t, 100_000, nil)
	claimant := env.seedUser(t, 0, nil)

	room, err := env.svc.CreateRoom(ctx, CreateRoomInput{
		SenderID:          sender,
		AmountPerSlotKobo: 10_000,
		Capacity:          2,
		TTL:               time.Hour,
	})
	require.NoError(t, err)
	_, err = env.svc.ReserveSlot(ctx, room.Token, ClaimantIdentity{UserID: &claimant})
	require.NoError(t, err)

	won, err := env.repo.ExpireRoom(ctx, room.ID)
	require.NoError(t, err)
	require.True(t, won)

	// Once the room is expired its claimed_count cannot move; a late claim
	// transaction loses here and rolls back.
	counted, err := env.repo.IncrementClaimedCount(ctx, room.ID)
	require.NoError(t, err)
	assert.False(t, counted)
}

func TestExpireReservations(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	sweeper := newTestSweeper(t, env)
	ctx := context.Background()
	sender := env.seedUser(t, 100_000, nil)
	claimant := env.seedUser(t, 0, nil)

	room, err := env.svc.CreateRoom(ctx, CreateRoomInput{
		SenderID:          sender,
		AmountPerSlotKobo: 10_000,
		Capacity:          3,
	})
	require.NoError(t, err)

	reservation, err := env.svc.ReserveSlot(ctx, room.Token, ClaimantIdentity{UserID: &claimant})
	require.NoError(t, err)

	env.now = env.now.Add(time.Hour)

	count, err := sweeper.ExpireReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	refreshed, err := env.repo.FindReservation(ctx, reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.ReservationStatusExpired, refreshed.Status)

	// Capacity stays consumed; unclaimed value returns to the sender only
	// when the room expires.
	refreshedRoom, err := env.repo.FindRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshedRoom.JoinedCount)

	// The same claimant can hold a new slot once the old one is terminal.
	again, err := env.svc.ReserveSlot(ctx, room.Token, ClaimantIdentity{UserID: &claimant})
	require.NoError(t, err)
	assert.NotEqual(t, reservation.ID, again.ID)
}

func TestReconcileClaimsRepairsMissingCredit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	sweeper := newTestSweeper(t, env)
	ctx := context.Background()
	sender := env.seedUser(t, 100_000, nil)
	claimant := env.seedUser(t, 0, nil)

	room, err := env.svc.CreateRoom(ctx, CreateRoomInput{
		SenderID:          sender,
		AmountPerSlotKobo: 10_000,
		Capacity:          2,
	})
	require.NoError(t, err)

	reservation, err := env.svc.ReserveSlot(ctx, room.Token, ClaimantIdentity{UserID: &claimant})
	require.NoError(t, err)

	// Simulate a crash after the claim gate committed but before the credit:
	// the claim row exists with no matching ledger entry.
	claim := &models.GiftClaim{
		ID:            uuid.New(),
		ReservationID: reservation.ID,
		RoomID:        room.ID,
		UserID:        claimant,
		AmountKobo:    room.AmountPerSlotKobo,
	}
	require.NoError(t, env.repo.CreateClaim(ctx, claim))
	flipped, err := env.repo.MarkReservationClaimed(ctx, reservation.ID)
	require.NoError(t, err)
	require.True(t, flipped)

	repaired, err := sweeper.ReconcileClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
	assert.Equal(t, int64(10_000), env.balance(t, claimant))

	// Replaying the repair is a no-op.
	repaired, err = sweeper.ReconcileClaims(ctx)
	require.NoError(t, err)
	assert.Zero(t, repaired)
	assert.Equal(t, int64(10_000), env.balance(t, claimant))
}

func TestReconcileRefundsRepairsMissingRefund(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	sweeper := newTestSweeper(t, env)
	ctx := context.Background()
	sender := env.seedUser(t, 100_000, nil)

	room, err := env.svc.CreateRoom(ctx, CreateRoomInput{
		SenderID:          sender,
		AmountPerSlotKobo: 10_000,
		Capacity:          2,
		TTL:               time.Hour,
	})
	require.NoError(t, err)

	// Simulate a crash between the status flip and the refund credit.
	won, err := env.repo.ExpireRoom(ctx, room.ID)
	require.NoError(t, err)
	require.True(t, won)

	repaired, err := sweeper.ReconcileRefunds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
	assert.Equal(t, int64(100_000), env.balance(t, sender))

	repaired, err = sweeper.ReconcileRefunds(ctx)
	require.NoError(t, err)
	assert.Zero(t, repaired)
	assert.Equal(t, int64(100_000), env.balance(t, sender))
}

func TestRunExpirationSweep(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	sweeper := newTestSweeper(t, env)
	ctx := context.Background()
	sender := env.seedUser(t, 100_000, nil)
	claimant := env.seedUser(t, 0, nil)

	room, err := env.svc.CreateRoom(ctx, CreateRoomInput{
		SenderID:          sender,
		AmountPerSlotKobo: 10_000,
		Capacity:          2,
		TTL:               time.Hour,
	})
	require.NoError(t, err)
	_, err = env.svc.ReserveSlot(ctx, room.Token, ClaimantIdentity{UserID: &claimant})
	require.NoError(t, err)

	env.now = env.now.Add(2 * time.Hour)

	result, err := sweeper.RunExpirationSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RoomsExpired)
	assert.Equal(t, int64(1), result.ReservationsExpired)
	assert.Equal(t, int64(20_000), result.RefundedTotalKobo)
}
