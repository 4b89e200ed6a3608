package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kobopay/kobopay-backend/pkg/db/models"
	"github.com/kobopay/kobopay-backend/pkg/enums"
	pkgerrors "github.com/kobopay/kobopay-backend/pkg/errors"
	"github.com/kobopay/kobopay-backend/pkg/logger"
	"github.com/kobopay/kobopay-backend/pkg/metrics"
	"github.com/kobopay/kobopay-backend/pkg/pagination"
)

type testRunner struct {
	db *gorm.DB
}

func (r *testRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Account{},
		&models.LedgerEntry{},
		&models.IdempotencyRecord{},
	))
	return db
}

func newTestService(t *testing.T) (Service, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	svc, err := NewService(&testRunner{db: db}, NewRepository(db), logger.New(logger.Options{ServiceName: "test"}), nil)
	require.NoError(t, err)
	return svc, db
}

func TestApplyEventCreditAndReplay(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	ref := "ps_" + uuid.NewString()

	input := ApplyEventInput{
		UserID:            userID,
		Kind:              enums.LedgerEntryKindDeposit,
		AmountKobo:        50_000,
		ExternalReference: &ref,
		InternalReference: "deposit:" + ref,
	}

	entry, applied, err := svc.ApplyEvent(ctx, input)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, int64(50_000), entry.AmountKobo)
	assert.Equal(t, enums.LedgerEntryStatusSuccess, entry.Status)

	account, err := svc.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), account.BalanceKobo)

	// A retried delivery of the same event must return the original entry
	// and leave the balance alone.
	replayed, applied, err := svc.ApplyEvent(ctx, input)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, entry.ID, replayed.ID)

	account, err = svc.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), account.BalanceKobo)
}

func TestApplyEventInternalReferenceReplay(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	input := ApplyEventInput{
		UserID:            userID,
		Kind:              enums.LedgerEntryKindRefund,
		AmountKobo:        10_000,
		InternalReference: "refund:" + uuid.NewString(),
	}

	first, applied, err := svc.ApplyEvent(ctx, input)
	require.NoError(t, err)
	require.True(t, applied)

	second, applied, err := svc.ApplyEvent(ctx, input)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, first.ID, second.ID)

	account, err := svc.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), account.BalanceKobo)
}

func TestApplyEventInsufficientFunds(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	_, _, err := svc.ApplyEvent(ctx, ApplyEventInput{
		UserID:            userID,
		Kind:              enums.LedgerEntryKindDebit,
		AmountKobo:        5_000,
		InternalReference: "purchase:" + uuid.NewString(),
	})
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeInsufficient, typed.Code())

	account, err := svc.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, account.BalanceKobo)
}

func TestApplyEventRecordsMetrics(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	reg := prometheus.NewRegistry()
	svc, err := NewService(&testRunner{db: db}, NewRepository(db), logger.New(logger.Options{ServiceName: "test"}), metrics.NewLedgerMetrics(reg))
	require.NoError(t, err)

	ctx := context.Background()
	userID := uuid.New()
	input := ApplyEventInput{
		UserID:            userID,
		Kind:              enums.LedgerEntryKindDeposit,
		AmountKobo:        10_000,
		InternalReference: "deposit:" + uuid.NewString(),
	}

	_, applied, err := svc.ApplyEvent(ctx, input)
	require.NoError(t, err)
	require.True(t, applied)

	_, applied, err = svc.ApplyEvent(ctx, input)
	require.NoError(t, err)
	require.False(t, applied)

	_, _, err = svc.ApplyEvent(ctx, ApplyEventInput{
		UserID:            userID,
		Kind:              enums.LedgerEntryKindDebit,
		AmountKobo:        50_000,
		InternalReference: "purchase:" + uuid.NewString(),
	})
	require.Error(t, err)

	expected := `
# HELP ledger_apply_total Ledger apply attempts by entry kind and outcome.
# TYPE ledger_apply_total counter
ledger_apply_total{kind="debit",outcome="insufficient"} 1
ledger_apply_total{kind="deposit",outcome="applied"} 1
ledger_apply_total{kind="deposit",outcome="replayed"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "ledger_apply_total"))
}

func TestApplyEventValidation(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input ApplyEventInput
	}{
		{"missing user", ApplyEventInput{Kind: enums.LedgerEntryKindDeposit, AmountKobo: 1, InternalReference: "x"}},
		{"invalid kind", ApplyEventInput{UserID: uuid.New(), Kind: "transfer", AmountKobo: 1, InternalReference: "x"}},
		{"zero amount", ApplyEventInput{UserID: uuid.New(), Kind: enums.LedgerEntryKindDeposit, InternalReference: "x"}},
		{"missing reference", ApplyEventInput{UserID: uuid.New(), Kind: enums.LedgerEntryKindDeposit, AmountKobo: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := svc.ApplyEvent(ctx, tc.input)
			assert.Error(t, err)
		})
	}
}

func TestHoldAndFinalizeDebit(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	_, _, err := svc.ApplyEvent(ctx, ApplyEventInput{
		UserID:            userID,
		Kind:              enums.LedgerEntryKindDeposit,
		AmountKobo:        100_000,
		InternalReference: "deposit:" + uuid.NewString(),
	})
	require.NoError(t, err)

	hold, err := svc.HoldDebit(ctx, ApplyEventInput{
		UserID:            userID,
		Kind:              enums.LedgerEntryKindDebit,
		AmountKobo:        30_000,
		InternalReference: "purchase:" + uuid.NewString(),
	})
	require.NoError(t, err)
	assert.Equal(t, enums.LedgerEntryStatusPending, hold.Status)
	assert.Equal(t, int64(-30_000), hold.AmountKobo)

	account, err := svc.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(70_000), account.BalanceKobo)

	require.NoError(t, svc.FinalizeDebit(ctx, hold.ID, true))

	account, err = svc.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(70_000), account.BalanceKobo)

	// Finalize is idempotent on settled entries.
	require.NoError(t, svc.FinalizeDebit(ctx, hold.ID, true))
	account, err = svc.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(70_000), account.BalanceKobo)
}

func TestFinalizeDebitFailureRestoresBalance(t *testing.T) {
	t.Parallel()

	svc, db := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	_, _, err := svc.ApplyEvent(ctx, ApplyEventInput{
		UserID:            userID,
		Kind:              enums.LedgerEntryKindDeposit,
		AmountKobo:        100_000,
		InternalReference: "deposit:" + uuid.NewString(),
	})
	require.NoError(t, err)

	hold, err := svc.HoldDebit(ctx, ApplyEventInput{
		UserID:            userID,
		Kind:              enums.LedgerEntryKindDebit,
		AmountKobo:        40_000,
		InternalReference: "purchase:" + uuid.NewString(),
	})
	require.NoError(t, err)

	require.NoError(t, svc.FinalizeDebit(ctx, hold.ID, false))

	account, err := svc.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), account.BalanceKobo)

	var settled models.LedgerEntry
	require.NoError(t, db.First(&settled, "id = ?", hold.ID).Error)
	assert.Equal(t, enums.LedgerEntryStatusFailed, settled.Status)
}

func TestHoldDebitReplayReturnsExisting(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	_, _, err := svc.ApplyEvent(ctx, ApplyEventInput{
		UserID:            userID,
		Kind:              enums.LedgerEntryKindDeposit,
		AmountKobo:        50_000,
		InternalReference: "deposit:" + uuid.NewString(),
	})
	require.NoError(t, err)

	input := ApplyEventInput{
		UserID:            userID,
		Kind:              enums.LedgerEntryKindDebit,
		AmountKobo:        20_000,
		InternalReference: "purchase:" + uuid.NewString(),
	}
	first, err := svc.HoldDebit(ctx, input)
	require.NoError(t, err)

	second, err := svc.HoldDebit(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	account, err := svc.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(30_000), account.BalanceKobo)
}

func TestGetAccountZeroWhenMissing(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	userID := uuid.New()

	account, err := svc.GetAccount(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, userID, account.UserID)
	assert.Zero(t, account.BalanceKobo)
	assert.Zero(t, account.Version)
}

func TestListEntriesPagination(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	for i := 0; i < 3; i++ {
		_, _, err := svc.ApplyEvent(ctx, ApplyEventInput{
			UserID:            userID,
			Kind:              enums.LedgerEntryKindDeposit,
			AmountKobo:        int64(1_000 * (i + 1)),
			InternalReference: fmt.Sprintf("deposit:%s-%d", userID, i),
		})
		require.NoError(t, err)
	}

	page, next, err := svc.ListEntries(ctx, userID, pagination.Params{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.NotEmpty(t, next)

	rest, next, err := svc.ListEntries(ctx, userID, pagination.Params{Limit: 2, Cursor: next})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Empty(t, next)

	assert.NotEqual(t, page[0].ID, rest[0].ID)
	assert.NotEqual(t, page[1].ID, rest[0].ID)
}

func TestRetryOnVersionConflict(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := RetryOnVersionConflict(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return ErrVersionConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	err = RetryOnVersionConflict(context.Background(), func() error {
		return ErrVersionConflict
	})
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeUnavailable, typed.Code())

	sentinel := errors.New("boom")
	err = RetryOnVersionConflict(context.Background(), func() error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}
