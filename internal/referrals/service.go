package referrals

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kobopay/kobopay-backend/internal/ledger"
	"github.com/kobopay/kobopay-backend/internal/users"
	"github.com/kobopay/kobopay-backend/pkg/db"
	"github.com/kobopay/kobopay-backend/pkg/db/models"
	"github.com/kobopay/kobopay-backend/pkg/enums"
	"github.com/kobopay/kobopay-backend/pkg/logger"
)

// Service evaluates referral bonuses on qualifying first deposits.
type Service interface {
	// EvaluateFirstDepositTx awards the referrer's bonus inside the caller's
	// transaction when triggeringEntry is the referee's first settled credit.
	// It reports whether a bonus was awarded. The bonus record's primary key
	// on referee_id keeps the award at most-once even under concurrent
	// deposits; a lost insert race surfaces as ledger.ErrVersionConflict so
	// the caller retries its whole transaction.
	EvaluateFirstDepositTx(ctx context.Context, tx *gorm.DB, triggeringEntry *models.LedgerEntry) (bool, error)
	// ReconcileMissingBonuses replays the evaluation for settled first
	// deposits that never got their bonus, invoked by the reconcile sweep.
	ReconcileMissingBonuses(ctx context.Context, batchSize int) (int, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type service struct {
	runner    txRunner
	repo      Repository
	userRepo  users.Repository
	ledgerSvc ledger.Service
	logg      *logger.Logger
	bonusKobo int64
}

// ServiceParams configure the referral bonus service.
type ServiceParams struct {
	Runner    txRunner
	Repo      Repository
	UserRepo  users.Repository
	Ledger    ledger.Service
	Logger    *logger.Logger
	BonusKobo int64
}

// NewService wires a referral bonus service.
func NewService(params ServiceParams) (Service, error) {
	if params.Runner == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("referral repository required")
	}
	if params.UserRepo == nil {
		return nil, fmt.Errorf("user repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.BonusKobo <= 0 {
		return nil, fmt.Errorf("bonus amount must be positive")
	}
	return &service{
		runner:    params.Runner,
		repo:      params.Repo,
		userRepo:  params.UserRepo,
		ledgerSvc: params.Ledger,
		logg:      params.Logger,
		bonusKobo: params.BonusKobo,
	}, nil
}

func (s *service) EvaluateFirstDepositTx(ctx context.Context, tx *gorm.DB, triggeringEntry *models.LedgerEntry) (bool, error) {
	if triggeringEntry == nil {
		return false, fmt.Errorf("triggering entry required")
	}
	repo := s.repo.WithTx(tx)
	refereeID := triggeringEntry.UserID

	referee, err := s.userRepo.WithTx(tx).FindByID(ctx, refereeID)
	if err != nil {
		return false, fmt.Errorf("load referee: %w", err)
	}
	if referee == nil || referee.ReferredBy == nil {
		return false, nil
	}

	// Pre-check keeps a replay from poisoning the caller's transaction with a
	// doomed insert.
	existing, err := repo.FindBonusRecord(ctx, refereeID)
	if err != nil {
		return false, fmt.Errorf("bonus record lookup: %w", err)
	}
	if existing != nil {
		return false, nil
	}

	prior, err := repo.CountSettledDeposits(ctx, refereeID, triggeringEntry.ID)
	if err != nil {
		return false, fmt.Errorf("count prior deposits: %w", err)
	}
	if prior > 0 {
		return false, nil
	}

	metadata, _ := json.Marshal(map[string]string{
		"referee_id":       refereeID.String(),
		"triggering_entry": triggeringEntry.ID.String(),
	})
	bonusEntry, _, err := s.ledgerSvc.ApplyEventTx(ctx, tx, ledger.ApplyEventInput{
		UserID:            *referee.ReferredBy,
		Kind:              enums.LedgerEntryKindBonus,
		AmountKobo:        s.bonusKobo,
		InternalReference: bonusReference(refereeID),
		Metadata:          metadata,
	})
	if err != nil {
		return false, fmt.Errorf("credit referrer: %w", err)
	}

	record := &models.ReferralBonusRecord{
		RefereeID:     refereeID,
		ReferrerID:    *referee.ReferredBy,
		LedgerEntryID: bonusEntry.ID,
		AmountKobo:    s.bonusKobo,
	}
	if err := repo.CreateBonusRecord(ctx, record); err != nil {
		if db.IsUniqueViolation(err, "referee_id") {
			return false, ledger.ErrVersionConflict
		}
		return false, fmt.Errorf("create bonus record: %w", err)
	}
	return true, nil
}

func (s *service) ReconcileMissingBonuses(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	deposits, err := s.repo.ListFirstDepositsMissingBonus(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("list deposits missing bonus: %w", err)
	}
	awarded := 0
	for i := range deposits {
		entry := deposits[i]
		var ok bool
		err := ledger.RetryOnVersionConflict(ctx, func() error {
			return s.runner.WithTx(ctx, func(tx *gorm.DB) error {
				var evalErr error
				ok, evalErr = s.EvaluateFirstDepositTx(ctx, tx, &entry)
				return evalErr
			})
		})
		if err != nil {
			s.logg.Error(s.logg.WithUserID(ctx, entry.UserID.String()), "bonus reconcile failed", err)
			continue
		}
		if ok {
			awarded++
		}
	}
	return awarded, nil
}

func bonusReference(refereeID uuid.UUID) string {
	return fmt.Sprintf("referral-bonus:%s", refereeID)
}
