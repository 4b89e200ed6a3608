package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kobopay/kobopay-backend/pkg/db"
	"github.com/kobopay/kobopay-backend/pkg/db/models"
	"github.com/kobopay/kobopay-backend/pkg/enums"
	pkgerrors "github.com/kobopay/kobopay-backend/pkg/errors"
	"github.com/kobopay/kobopay-backend/pkg/logger"
	"github.com/kobopay/kobopay-backend/pkg/metrics"
	"github.com/kobopay/kobopay-backend/pkg/pagination"
)

const (
	maxApplyAttempts = 5
	retryBackoffBase = 25 * time.Millisecond
)

// ErrVersionConflict signals that a balance write lost an optimistic
// concurrency race. Callers managing their own transaction retry the whole
// transaction on it.
var ErrVersionConflict = errors.New("account version conflict")

// txRunner runs fn inside a database transaction.
type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service applies balance mutations to wallet accounts.
type Service interface {
	// ApplyEvent applies a credit or debit inside its own transaction,
	// retrying version conflicts. The bool result is false when the event was
	// already applied and the returned entry is the original.
	ApplyEvent(ctx context.Context, input ApplyEventInput) (*models.LedgerEntry, bool, error)
	// ApplyEventTx is ApplyEvent inside a caller-managed transaction. It does
	// not retry; a version conflict surfaces as ErrVersionConflict so the
	// caller can retry its whole transaction.
	ApplyEventTx(ctx context.Context, tx *gorm.DB, input ApplyEventInput) (*models.LedgerEntry, bool, error)
	// HoldDebit debits the balance but leaves the entry pending until
	// FinalizeDebit settles it.
	HoldDebit(ctx context.Context, input ApplyEventInput) (*models.LedgerEntry, error)
	// FinalizeDebit settles a pending debit. A failed outcome restores the
	// held amount to the balance.
	FinalizeDebit(ctx context.Context, entryID uuid.UUID, succeeded bool) error
	GetAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error)
	ListEntries(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.LedgerEntry, string, error)
	FindEntryByExternalReference(ctx context.Context, externalRef string) (*models.LedgerEntry, error)
}

// ApplyEventInput carries one balance mutation. AmountKobo is the positive
// magnitude; the direction comes from Kind.
type ApplyEventInput struct {
	UserID            uuid.UUID
	Kind              enums.LedgerEntryKind
	AmountKobo        int64
	ExternalReference *string
	InternalReference string
	Metadata          json.RawMessage
}

type service struct {
	runner txRunner
	repo   Repository
	logg   *logger.Logger
	mets   *metrics.LedgerMetrics
}

// NewService wires a ledger service. mets may be nil when the caller does not
// export metrics.
func NewService(runner txRunner, repo Repository, logg *logger.Logger, mets *metrics.LedgerMetrics) (Service, error) {
	if runner == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{runner: runner, repo: repo, logg: logg, mets: mets}, nil
}

func (s *service) record(kind enums.LedgerEntryKind, outcome string) {
	s.mets.IncApply(string(kind), outcome)
}

func (s *service) ApplyEvent(ctx context.Context, input ApplyEventInput) (*models.LedgerEntry, bool, error) {
	var (
		entry   *models.LedgerEntry
		applied bool
	)
	err := s.withVersionRetry(ctx, func() error {
		return s.runner.WithTx(ctx, func(tx *gorm.DB) error {
			var txErr error
			entry, applied, txErr = s.ApplyEventTx(ctx, tx, input)
			return txErr
		})
	})
	if err != nil {
		return nil, false, err
	}
	return entry, applied, nil
}

func (s *service) ApplyEventTx(ctx context.Context, tx *gorm.DB, input ApplyEventInput) (*models.LedgerEntry, bool, error) {
	if err := validateInput(input); err != nil {
		return nil, false, err
	}
	repo := s.repo.WithTx(tx)

	// Replay checks run first so retried deliveries short-circuit without
	// touching the balance.
	if input.ExternalReference != nil {
		record, err := repo.FindIdempotencyRecord(ctx, *input.ExternalReference)
		if err != nil {
			return nil, false, fmt.Errorf("idempotency lookup: %w", err)
		}
		if record != nil {
			existing, err := repo.FindEntry(ctx, record.LedgerEntryID)
			if err != nil {
				return nil, false, fmt.Errorf("load replayed entry: %w", err)
			}
			s.record(input.Kind, "replayed")
			return existing, false, nil
		}
	}
	existing, err := repo.FindEntryByInternalReference(ctx, input.InternalReference)
	if err != nil {
		return nil, false, fmt.Errorf("internal reference lookup: %w", err)
	}
	if existing != nil {
		s.record(input.Kind, "replayed")
		return existing, false, nil
	}

	account, err := s.loadOrCreateAccount(ctx, repo, input.UserID)
	if err != nil {
		return nil, false, err
	}

	signed := signedAmount(input.Kind, input.AmountKobo)
	newBalance := account.BalanceKobo + signed
	if newBalance < 0 {
		s.record(input.Kind, "insufficient")
		return nil, false, pkgerrors.New(pkgerrors.CodeInsufficient, "insufficient funds").
			WithDetails(map[string]any{
				"balance_kobo": account.BalanceKobo,
				"amount_kobo":  input.AmountKobo,
			})
	}

	ok, err := repo.UpdateBalanceVersioned(ctx, input.UserID, account.Version, newBalance)
	if err != nil {
		return nil, false, fmt.Errorf("update balance: %w", err)
	}
	if !ok {
		s.record(input.Kind, "conflict")
		return nil, false, ErrVersionConflict
	}

	entry := &models.LedgerEntry{
		ID:                uuid.New(),
		UserID:            input.UserID,
		Kind:              input.Kind,
		AmountKobo:        signed,
		ExternalReference: input.ExternalReference,
		InternalReference: input.InternalReference,
		Status:            enums.LedgerEntryStatusSuccess,
		Metadata:          input.Metadata,
	}
	if err := repo.CreateEntry(ctx, entry); err != nil {
		if db.IsUniqueViolation(err, "") {
			// A concurrent apply of the same event won the insert race. The
			// transaction is poisoned; surface a retryable conflict so the
			// next attempt resolves as a replay.
			s.record(input.Kind, "conflict")
			return nil, false, ErrVersionConflict
		}
		return nil, false, fmt.Errorf("create ledger entry: %w", err)
	}

	if input.ExternalReference != nil {
		record := &models.IdempotencyRecord{
			ExternalReference: *input.ExternalReference,
			LedgerEntryID:     entry.ID,
		}
		if err := repo.CreateIdempotencyRecord(ctx, record); err != nil {
			if db.IsUniqueViolation(err, "") {
				s.record(input.Kind, "conflict")
				return nil, false, ErrVersionConflict
			}
			return nil, false, fmt.Errorf("create idempotency record: %w", err)
		}
	}
	s.record(input.Kind, "applied")
	return entry, true, nil
}

func (s *service) HoldDebit(ctx context.Context, input ApplyEventInput) (*models.LedgerEntry, error) {
	if input.Kind != enums.LedgerEntryKindDebit {
		return nil, fmt.Errorf("hold requires a debit kind, got %q", input.Kind)
	}
	var entry *models.LedgerEntry
	err := s.withVersionRetry(ctx, func() error {
		return s.runner.WithTx(ctx, func(tx *gorm.DB) error {
			var txErr error
			entry, txErr = s.holdDebitTx(ctx, tx, input)
			return txErr
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *service) holdDebitTx(ctx context.Context, tx *gorm.DB, input ApplyEventInput) (*models.LedgerEntry, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	repo := s.repo.WithTx(tx)

	existing, err := repo.FindEntryByInternalReference(ctx, input.InternalReference)
	if err != nil {
		return nil, fmt.Errorf("internal reference lookup: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	account, err := s.loadOrCreateAccount(ctx, repo, input.UserID)
	if err != nil {
		return nil, err
	}
	newBalance := account.BalanceKobo - input.AmountKobo
	if newBalance < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeInsufficient, "insufficient funds").
			WithDetails(map[string]any{
				"balance_kobo": account.BalanceKobo,
				"amount_kobo":  input.AmountKobo,
			})
	}
	ok, err := repo.UpdateBalanceVersioned(ctx, input.UserID, account.Version, newBalance)
	if err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}
	if !ok {
		return nil, ErrVersionConflict
	}

	entry := &models.LedgerEntry{
		ID:                uuid.New(),
		UserID:            input.UserID,
		Kind:              enums.LedgerEntryKindDebit,
		AmountKobo:        -input.AmountKobo,
		InternalReference: input.InternalReference,
		Status:            enums.LedgerEntryStatusPending,
		Metadata:          input.Metadata,
	}
	if err := repo.CreateEntry(ctx, entry); err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, ErrVersionConflict
		}
		return nil, fmt.Errorf("create pending entry: %w", err)
	}
	return entry, nil
}

func (s *service) FinalizeDebit(ctx context.Context, entryID uuid.UUID, succeeded bool) error {
	return s.withVersionRetry(ctx, func() error {
		return s.runner.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)
			entry, err := repo.FindEntry(ctx, entryID)
			if err != nil {
				return fmt.Errorf("load entry: %w", err)
			}
			if entry == nil {
				return pkgerrors.New(pkgerrors.CodeNotFound, "ledger entry not found")
			}
			if entry.Status != enums.LedgerEntryStatusPending {
				// Already settled; finalize is idempotent.
				return nil
			}
			if succeeded {
				return repo.UpdateEntryStatus(ctx, entryID, enums.LedgerEntryStatusSuccess)
			}

			account, err := repo.FindAccount(ctx, entry.UserID)
			if err != nil {
				return fmt.Errorf("load account: %w", err)
			}
			if account == nil {
				return pkgerrors.New(pkgerrors.CodeNotFound, "account not found")
			}
			restored := account.BalanceKobo - entry.AmountKobo
			ok, err := repo.UpdateBalanceVersioned(ctx, entry.UserID, account.Version, restored)
			if err != nil {
				return fmt.Errorf("restore balance: %w", err)
			}
			if !ok {
				return ErrVersionConflict
			}
			return repo.UpdateEntryStatus(ctx, entryID, enums.LedgerEntryStatusFailed)
		})
	})
}

func (s *service) GetAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("user id is required")
	}
	account, err := s.repo.FindAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		// A user with no ledger history has a zero wallet, not a missing one.
		return &models.Account{UserID: userID}, nil
	}
	return account, nil
}

func (s *service) FindEntryByExternalReference(ctx context.Context, externalRef string) (*models.LedgerEntry, error) {
	if externalRef == "" {
		return nil, fmt.Errorf("external reference is required")
	}
	return s.repo.FindEntryByExternalReference(ctx, externalRef)
}

func (s *service) ListEntries(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.LedgerEntry, string, error) {
	if userID == uuid.Nil {
		return nil, "", fmt.Errorf("user id is required")
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	limit := pagination.NormalizeLimit(params.Limit)
	entries, err := s.repo.ListEntries(ctx, userID, cursor, limit+1)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(entries) > limit {
		entries = entries[:limit]
		last := entries[len(entries)-1]
		next = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return entries, next, nil
}

func (s *service) loadOrCreateAccount(ctx context.Context, repo Repository, userID uuid.UUID) (*models.Account, error) {
	account, err := repo.FindAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if account != nil {
		return account, nil
	}
	account = &models.Account{UserID: userID}
	if err := repo.CreateAccount(ctx, account); err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, ErrVersionConflict
		}
		return nil, fmt.Errorf("create account: %w", err)
	}
	return account, nil
}

func (s *service) withVersionRetry(ctx context.Context, fn func() error) error {
	err := RetryOnVersionConflict(ctx, fn)
	if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeUnavailable {
		s.logg.Warn(ctx, "ledger apply exhausted retries")
	}
	return err
}

// RetryOnVersionConflict retries fn with backoff while it keeps losing
// optimistic concurrency races, then reports the ledger as busy. Services that
// compose ledger writes into their own transactions wrap the whole transaction
// in it.
func RetryOnVersionConflict(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrVersionConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoffBase):
		}
	}
	return pkgerrors.Wrap(pkgerrors.CodeUnavailable, err, "ledger busy, retry shortly")
}

func validateInput(input ApplyEventInput) error {
	if input.UserID == uuid.Nil {
		return fmt.Errorf("user id is required")
	}
	if !input.Kind.IsValid() {
		return fmt.Errorf("invalid ledger entry kind %q", input.Kind)
	}
	if input.AmountKobo <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if input.InternalReference == "" {
		return fmt.Errorf("internal reference is required")
	}
	return nil
}

func signedAmount(kind enums.LedgerEntryKind, amount int64) int64 {
	if kind.IsDebit() {
		return -amount
	}
	return amount
}
