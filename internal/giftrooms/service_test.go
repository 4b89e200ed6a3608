package giftrooms

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kobopay/kobopay-backend/internal/ledger"
	"github.com/kobopay/kobopay-backend/internal/referrals"
	"github.com/kobopay/kobopay-backend/internal/users"
	"github.com/kobopay/kobopay-backend/pkg/config"
	"github.com/kobopay/kobopay-backend/pkg/db/models"
	"github.com/kobopay/kobopay-backend/pkg/enums"
	pkgerrors "github.com/kobopay/kobopay-backend/pkg/errors"
	"github.com/kobopay/kobopay-backend/pkg/logger"
)

type testRunner struct {
	db *gorm.DB
}

func (r *testRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

type testEnv struct {
	db        *gorm.DB
	svc       Service
	ledger    ledger.Service
	referrals referrals.Service
	repo      Repository
	users     users.Repository
	now       time.Time
	nowFunc   func() time.Time
}

func testGiftConfig() config.GiftConfig {
	return config.GiftConfig{
		DefaultRoomTTL:   24 * time.Hour,
		MaxRoomTTL:       7 * 24 * time.Hour,
		ReservationTTL:   30 * time.Minute,
		MaxCapacity:      100,
		MinAmountPerSlot: 5_000,
		MaxMessageLength: 280,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Account{},
		&models.LedgerEntry{},
		&models.IdempotencyRecord{},
		&models.GiftRoom{},
		&models.Reservation{},
		&models.GiftClaim{},
		&models.ReferralBonusRecord{},
	))
	// One live hold per claimant per room, same shape production uses.
	require.NoError(t, db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_reservations_active_claimant
		ON reservations (room_id, claimant_key)
		WHERE status = 'active'`).Error)

	logg := logger.New(logger.Options{ServiceName: "test"})
	runner := &testRunner{db: db}

	ledgerSvc, err := ledger.NewService(runner, ledger.NewRepository(db), logg, nil)
	require.NoError(t, err)

	userRepo := users.NewRepository(db)
	referralSvc, err := referrals.NewService(referrals.ServiceParams{
		Runner:    runner,
		Repo:      referrals.NewRepository(db),
		UserRepo:  userRepo,
		Ledger:    ledgerSvc,
		Logger:    logg,
		BonusKobo: 20_000,
	})
	require.NoError(t, err)

	env := &testEnv{db: db, ledger: ledgerSvc, referrals: referralSvc, users: userRepo, now: time.Now().UTC()}
	env.nowFunc = func() time.Time { return env.now }

	repo := NewRepository(db)
	env.repo = repo
	svc, err := NewService(ServiceParams{
		Runner:    runner,
		Repo:      repo,
		Ledger:    ledgerSvc,
		Referrals: referralSvc,
		Logger:    logg,
		Config:    testGiftConfig(),
		Now:       func() time.Time { return env.nowFunc() },
	})
	require.NoError(t, err)
	env.svc = svc
	return env
}

func (e *testEnv) seedUser(t *testing.T, balanceKobo int64, referredBy *uuid.UUID) uuid.UUID {
	t.Helper()
	user := &models.User{
		ID:         uuid.New(),
		Phone:      "+23480" + uuid.NewString()[:8],
		ReferredBy: referredBy,
	}
	require.NoError(t, e.users.Create(context.Background(), user))
	if balanceKobo > 0 {
		_, _, err := e.ledger.ApplyEvent(context.Background(), ledger.ApplyEventInput{
			UserID:            user.ID,
			Kind:              enums.LedgerEntryKindDeposit,
			AmountKobo:        balanceKobo,
			InternalReference: "deposit:seed-" + user.ID.String(),
		})
		require.NoError(t, err)
	}
	return user.ID
}

func (e *testEnv) balance(t *testing.T, userID uuid.UUID) int64 {
	t.Helper()
	account, err := e.ledger.GetAccount(context.Background(), userID)
	require.NoError(t, err)
	return account.BalanceKobo
}

func assertCode(t *testing.T, err error, code pkgerrors.Code) {
	t.Helper()
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed, "expected typed error, got %v", err)
	assert.Equal(t, code, typed.Code())
}

func TestCreateRoomDebitsEscrow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	sender := env.seedUser(t, 100_000, nil)

	room, err := env.svc.CreateRoom(ctx, CreateRoomInput{
		SenderID:          sender,
		AmountPerSlotKobo: 10_000,
		Capacity:          5,
		Message:           "happy birthday",
	})
	require.NoError(t, err)
	assert.Equal(t, enums.GiftRoomStatusActive, room.Status)
	assert.NotEmpty(t, room.Token)
	assert.Equal(t, int64(50_000), int64(room.Capacity)*room.AmountPerSlotKobo)

	assert.Equal(t, int64(50_000), env.balance(t, sender))

	var escrow models.LedgerEntry
	require.NoError(t, env.db.First(&escrow, "internal_reference = ?", fmt.Sprintf("escrow:%s", room.ID)).Error)
	assert.Equal(t, int64(-50_000), escrow.AmountKobo)
}

func TestCreateRoomInsufficientFunds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	sender := env.seedUser(t, 10_000, nil)

	_, err := env.svc.CreateRoom(context.Background(), CreateRoomInput{
		SenderID:          sender,
		AmountPerSlotKobo: 10_000,
		Capacity:          5,
	})
	assertCode(t, err, pkgerrors.CodeInsufficient)

	// The escrow debit and room insert commit together, so nothing persists.
	var count int64
	require.NoError(t, env.db.Model(&models.GiftRoom{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Equal(t, int64(10_000), env.balance(t, sender))
}

func TestCreateRoomValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	sender := env.seedUser(t, 1_000_000, nil)
	ctx := context.Background()

	cases := []struct {
		name  string
		input CreateRoomInput
	}{
		{"zero capacity", CreateRoomInput{SenderID: sender, AmountPerSlotKobo: 10_000}},
		{"over max capacity", CreateRoomInput{SenderID: sender, AmountPerSlotKobo: 10_000, Capacity: 101}},
		{"amount below minimum", CreateRoomInput{SenderID: sender, AmountPerSlotKobo: 4_999, Capacity: 2}},
		{"ttl too long", CreateRoomInput{SenderID: sender, AmountPerSlotKobo: 10_000, Capacity: 2, TTL: 8 * 24 * time.Hour}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.CreateRoom(ctx, tc.input)
			assertCode(t, err, pkgerrors.CodeValidation)
		})
	}
}

func TestReserveSlotCapacityBound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	sender := env.seedUser(t, 100_000, nil)

	room, err := env.svc.CreateRoom(ctx, CreateRoomInput{
		SenderID:          sender,
		AmountPerSlotKobo: 10_000,
		Capacity:          2,
	})
	require.NoError(t, err)

	first := env.seedUser(t, 0, nil)
	second := env.seedUser(t, 0, nil)

	_, err = env.svc.ReserveSlot(ctx, room.Token, ClaimantIdentity{UserID: &first})
	require.NoError(t, err)
	_, err = env.svc.ReserveSlot(ctx, room.Token, ClaimantIdentity{UserID: &second})
	require.NoError(t, err)

	_, err = env.svc.ReserveSlot(ctx, room.Token, ClaimantIdentity{ContactFingerprint: "fp-latecomer"})
	assertCode(t, err, pkgerrors.CodeStateConflict)

	refreshed, err := env.repo.FindRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.GiftRoomStatusFull, refreshed.Status)
	assert.Equal(t, 2, refreshed.JoinedCount)
}

func TestReserveSlotDuplicateReturnsExisting(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	sender := env.seedUser(t, 100_000, nil)

	room, err := env.svc.CreateRoom(ctx, CreateRoomInput{
		SenderID:          sender,
		AmountPerSlotKobo: 10_000,
		Capacity:          5,
	})
	require.NoError(t, err)

	claimant := ClaimantIdentity{ContactFingerprint: "fp-abc"}
	first, err := env.svc.ReserveSlot(ctx, room.Token, claimant)
	require.NoError(t, err)

	second, err := env.svc.ReserveSlot(ctx, room.Token, claimant)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	refreshed, err := env.repo.FindRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed.JoinedCount)
}

func TestReserveSlotExpiredRoom(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	sender := env.seedUser(t, 100_000, nil)

	room, err := env.svc.CreateRoom(ctx, CreateRoomInput{
		SenderID:          sender,
		AmountPerSlotKobo: 10_000,
		Capacity:          5,
		TTL:               time.Hour,
	})
	require.NoError(t, err)

	env.now = env.now.Add(2 * time.Hour)

	claimant := env.seedUser(t, 0, nil)
	_, err = env.svc.ReserveSlot(ctx, room.Token, ClaimantIdentity{UserID: &claimant})
	assertCode(t, err, pkgerrors.CodeStateConflict)
}

func TestReservationExpiryCappedByRoom(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	sender := env.seedUser(t, 100_000, nil)

	room, err := env.svc.CreateRoom(ctx, CreateRoomInput{
		SenderID:          sender,
		AmountPerSlotKobo: 10_000,
		Capacity:          2,
		TTL:               10 * time.Minute,
	})
	require.NoError(t, err)

	claimant := env.seedUser(t, 0, nil)
	reservation, err := env.svc.ReserveSlot(ctx, room.Token, ClaimantIdentity{UserID: &claimant})
	require.NoError(t, err)
	assert.False(t, reservation.ExpiresAt.After(room.ExpiresAt))
}

func TestClaimPaysOutExactlyOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
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

	claim, err := env.svc.Claim(ctx, reservation.ID, claimant)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), claim.AmountKobo)
	assert.Equal(t, int64(10_000), env.balance(t, claimant))

	refreshed, err := env.repo.FindRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed.ClaimedCount)

	// Claiming the same reservation again must not move money.
	_, err = env.svc.Claim(ctx, reservation.ID, claimant)
	assertCode(t, err, pkgerrors.CodeStateConflict)
	assert.Equal(t, int64(10_000), env.balance(t, claimant))
}

func TestClaimSelfForbidden(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	sender := env.seedUser(t, 100_000, nil)

	room, err := env.svc.CreateRoom(ctx, CreateRoomInput{
		SenderID:          sender,
		AmountPerSlotKobo: 10_000,
		Capacity:          2,
	})
	require.NoError(t, err)

	reservation, err := env.svc.ReserveSlot(ctx, room.Token, ClaimantIdentity{UserID: &sender})
	require.NoError(t, err)

	_, err = env.svc.Claim(ctx, reservation.ID, sender)
	assertCode(t, err, pkgerrors.CodeForbidden)
	assert.Equal(t, int64(80_000), env.balance(t, sender))
}

func TestClaimExpiredReservation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
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

	env.now = env.now.Add(time.Hour)

	_, err = env.svc.Claim(ctx, reservation.ID, claimant)
	assertCode(t, err, pkgerrors.CodeStateConflict)
	assert.Zero(t, env.balance(t, claimant))
}

func TestClaimRequiresSignIn(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	_, err := env.svc.Claim(context.Background(), uuid.New(), uuid.Nil)
	assertCode(t, err, pkgerrors.CodeUnauthorized)
}

// reserveHookRepo runs hook inside the reservation transaction, right before
// the conditional admission, with the transaction-bound repository.
type reserveHookRepo struct {
	Repository
	hook func(repo Repository)
}

func (r *reserveHookRepo) WithTx(tx *gorm.DB) Repository {
	return &reserveHookRepo{Repository: r.Repository.WithTx(tx), hook: r.hook}
}

func (r *reserveHookRepo) ReserveSlot(ctx context.Context, roomID uuid.UUID) (bool, error) {
	if r.hook != nil {
		r.hook(r.Repository)
	}
	return r.Repository.ReserveSlot(ctx, roomID)
}

// claimHookRepo runs hook inside the claim transaction, right before the
// claimed_count bump.
type claimHookRepo struct {
	Repository
	hook func(repo Repository)
}

func (r *claimHookRepo) WithTx(tx *gorm.DB) Repository {
	return &claimHookRepo{Repository: r.Repository.WithTx(tx), hook: r.hook}
}

func (r *claimHookRepo) IncrementClaimedCount(ctx context.Context, roomID uuid.UUID) (bool, error) {
	if r.hook != nil {
		r.hook(r.Repository)
	}
	return r.Repository.IncrementClaimedCount(ctx, roomID)
}

func (e *testEnv) serviceWithRepo(t *testing.T, repo Repository) Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Runner:    &testRunner{db: e.db},
		Repo:      repo,
		Ledger:    e.ledger,
		Referrals: e.referrals,
		Logger:    logger.New(logger.Options{ServiceName: "test"}),
		Config:    testGiftConfig(),
		Now:       func() time.Time { return e.nowFunc() },
	})
	require.NoError(t, err)
	return svc
}

func TestClaimLosesInsertRace(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
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

	// A concurrent claim won the unique insert but has not flipped the
	// reservation yet, so the pre-checks still pass and the gate itself must
	// reject the duplicate.
	competing := &models.GiftClaim{
		ID:            uuid.New(),
		ReservationID: reservation.ID,
		RoomID:        room.ID,
		UserID:        claimant,
		AmountKobo:    room.AmountPerSlotKobo,
	}
	require.NoError(t, env.repo.CreateClaim(ctx, competing))

	_, err = env.svc.Claim(ctx, reservation.ID, claimant)
	assertCode(t, err, pkgerrors.CodeConflict)
	assert.Zero(t, env.balance(t, claimant))

	refreshed, err := env.repo.FindRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Zero(t, refreshed.ClaimedCount)
}

func TestReserveSlotLosesAdmissionRace(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	sender := env.seedUser(t, 100_000, nil)

	room, err := env.svc.CreateRoom(ctx, CreateRoomInput{
		SenderID:          sender,
		AmountPerSlotKobo: 10_000,
		Capacity:          2,
	})
	require.NoError(t, err)

	// Concurrent admissions consumed the capacity but their status flip is not
	// visible yet; the conditional update is the guard that has to hold.
	require.NoError(t, env.db.Exec(
		`UPDATE gift_rooms SET joined_count = capacity WHERE id = ?`, room.ID).Error)

	claimant := env.seedUser(t, 0, nil)
	_, err = env.svc.ReserveSlot(ctx, room.Token, ClaimantIdentity{UserID: &claimant})
	assertCode(t, err, pkgerrors.CodeStateConflict)
	assert.Contains(t, err.Error(), "full")

	// The losing reservation insert rolled back with the admission.
	existing, err := env.repo.FindActiveReservation(ctx, room.ID, ClaimantIdentity{UserID: &claimant}.Key())
	require.NoError(t, err)
	assert.Nil(t, existing)
}

func TestReserveSlotRacesReaper(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	sender := env.seedUser(t, 100_000, nil)

	room, err := env.svc.CreateRoom(ctx, CreateRoomInput{
		SenderID:          sender,
		AmountPerSlotKobo: 10_000,
		Capacity:          2,
	})
	require.NoError(t, err)

	// The reaper flips the room after the pre-checks read it as active.
	hooked := &reserveHookRepo{Repository: env.repo, hook: func(repo Repository) {
		won, err := repo.ExpireRoom(ctx, room.ID)
		require.NoError(t, err)
		require.True(t, won)
	}}
	svc := env.serviceWithRepo(t, hooked)

	claimant := env.seedUser(t, 0, nil)
	_, err = svc.ReserveSlot(ctx, room.Token, ClaimantIdentity{UserID: &claimant})
	assertCode(t, err, pkgerrors.CodeStateConflict)
	assert.Contains(t, err.Error(), "expired")
}

func TestClaimRacesReaper(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
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

	// The reaper wins between the claim's pre-checks and its count bump. The
	// whole gate must roll back so the refund owns the slot's value.
	hooked := &claimHookRepo{Repository: env.repo, hook: func(repo Repository) {
		won, err := repo.ExpireRoom(ctx, room.ID)
		require.NoError(t, err)
		require.True(t, won)
	}}
	svc := env.serviceWithRepo(t, hooked)

	_, err = svc.Claim(ctx, reservation.ID, claimant)
	assertCode(t, err, pkgerrors.CodeStateConflict)
	assert.Zero(t, env.balance(t, claimant))

	claim, err := env.repo.FindClaimByReservation(ctx, reservation.ID)
	require.NoError(t, err)
	assert.Nil(t, claim)

	refreshed, err := env.repo.FindRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Zero(t, refreshed.ClaimedCount)
}

func TestClaimAwardsReferralBonus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	sender := env.seedUser(t, 100_000, nil)
	referrer := env.seedUser(t, 0, nil)
	claimant := env.seedUser(t, 0, &referrer)

	room, err := env.svc.CreateRoom(ctx, CreateRoomInput{
		SenderID:          sender,
		AmountPerSlotKobo: 10_000,
		Capacity:          2,
	})
	require.NoError(t, err)

	reservation, err := env.svc.ReserveSlot(ctx, room.Token, ClaimantIdentity{UserID: &claimant})
	require.NoError(t, err)

	claim, err := env.svc.Claim(ctx, reservation.ID, claimant)
	require.NoError(t, err)

	assert.Equal(t, int64(10_000), env.balance(t, claimant))
	assert.Equal(t, int64(20_000), env.balance(t, referrer))

	var stored models.GiftClaim
	require.NoError(t, env.db.First(&stored, "id = ?", claim.ID).Error)
	assert.True(t, stored.ReferralBonusAwarded)

	var record models.ReferralBonusRecord
	require.NoError(t, env.db.First(&record, "referee_id = ?", claimant).Error)
	assert.Equal(t, referrer, record.ReferrerID)
}
