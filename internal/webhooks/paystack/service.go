package paystackwebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kobopay/kobopay-backend/internal/ledger"
	"github.com/kobopay/kobopay-backend/internal/referrals"
	"github.com/kobopay/kobopay-backend/pkg/db/models"
	"github.com/kobopay/kobopay-backend/pkg/enums"
	pkgerrors "github.com/kobopay/kobopay-backend/pkg/errors"
	"github.com/kobopay/kobopay-backend/pkg/logger"
	"github.com/kobopay/kobopay-backend/pkg/paystack"
)

const dedupeTTL = 24 * time.Hour

// PaymentGateway verifies payment references before any credit is applied.
type PaymentGateway interface {
	VerifyTransaction(ctx context.Context, reference string) (*paystack.VerifiedTransaction, error)
}

type idempotencyStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ServiceParams configure the payment event service.
type ServiceParams struct {
	Gateway   PaymentGateway
	Ledger    ledger.Service
	Referrals referrals.Service
	Store     idempotencyStore
	Runner    txRunner
	Logger    *logger.Logger
}

// Service turns verified gateway events into wallet credits. The Redis guard
// is only a cheap pre-filter for duplicate deliveries; the database
// idempotency record is the authority.
type Service struct {
	gateway   PaymentGateway
	ledgerSvc ledger.Service
	referrals referrals.Service
	store     idempotencyStore
	runner    txRunner
	logg      *logger.Logger
}

// NewService wires a payment event service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if params.Referrals == nil {
		return nil, fmt.Errorf("referral service required")
	}
	if params.Runner == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Service{
		gateway:   params.Gateway,
		ledgerSvc: params.Ledger,
		referrals: params.Referrals,
		store:     params.Store,
		runner:    params.Runner,
		logg:      params.Logger,
	}, nil
}

// PaymentEventResult reports what one delivery did.
type PaymentEventResult struct {
	Entry   *models.LedgerEntry
	Applied bool
	Status  enums.ProviderStatus
}

// HandlePaymentEvent verifies the reference with the gateway and credits the
// user's wallet exactly once. Both webhook deliveries and the reconciliation
// poller funnel through here, which is why the idempotency gate is mandatory.
func (s *Service) HandlePaymentEvent(ctx context.Context, externalReference string, userID uuid.UUID) (*PaymentEventResult, error) {
	if externalReference == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "external reference is required")
	}
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	ctx = s.logg.WithField(ctx, "external_reference", externalReference)

	var guardKey string
	if s.store != nil {
		guardKey = s.store.IdempotencyKey("payment-event", externalReference)
		fresh, err := s.store.SetNX(ctx, guardKey, "1", dedupeTTL)
		if err != nil {
			// Redis being down must not drop money events; fall through to
			// the database gate.
			s.logg.Warn(ctx, "payment event dedupe check unavailable")
			guardKey = ""
		} else if !fresh {
			s.logg.Info(ctx, "duplicate payment event delivery filtered")
			entry, err := s.findExisting(ctx, externalReference)
			if err != nil {
				return nil, err
			}
			if entry != nil {
				return &PaymentEventResult{Entry: entry, Applied: false, Status: enums.ProviderStatusSuccess}, nil
			}
			// Guard row exists but no entry yet: a concurrent delivery is
			// mid-flight. Report processing so the caller retries later.
			return &PaymentEventResult{Status: enums.ProviderStatusProcessing}, nil
		}
	}

	result, err := s.verifyAndCredit(ctx, externalReference, userID)
	if err != nil && guardKey != "" {
		// Free the guard so a redelivery can retry a failed handling.
		if delErr := s.store.Del(ctx, guardKey); delErr != nil {
			s.logg.Warn(ctx, "failed to release payment event guard")
		}
	}
	return result, err
}

func (s *Service) verifyAndCredit(ctx context.Context, externalReference string, userID uuid.UUID) (*PaymentEventResult, error) {
	verified, err := s.gateway.VerifyTransaction(ctx, externalReference)
	if err != nil {
		return nil, err
	}
	switch verified.Status {
	case enums.ProviderStatusFailed:
		s.logg.Info(ctx, "payment event verification failed, no credit")
		return &PaymentEventResult{Status: enums.ProviderStatusFailed}, nil
	case enums.ProviderStatusProcessing:
		return &PaymentEventResult{Status: enums.ProviderStatusProcessing}, nil
	}

	netAmount := verified.AmountKobo - verified.FeesKobo
	if netAmount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "verified amount is not positive").
			WithDetails(map[string]any{"amount_kobo": verified.AmountKobo, "fees_kobo": verified.FeesKobo})
	}

	metadata, _ := json.Marshal(map[string]any{
		"gross_kobo": verified.AmountKobo,
		"fees_kobo":  verified.FeesKobo,
		"channel":    verified.Channel,
	})

	var (
		entry   *models.LedgerEntry
		applied bool
	)
	err = ledger.RetryOnVersionConflict(ctx, func() error {
		return s.runner.WithTx(ctx, func(tx *gorm.DB) error {
			var txErr error
			entry, applied, txErr = s.ledgerSvc.ApplyEventTx(ctx, tx, ledger.ApplyEventInput{
				UserID:            userID,
				Kind:              enums.LedgerEntryKindDeposit,
				AmountKobo:        netAmount,
				ExternalReference: &externalReference,
				InternalReference: "deposit:" + externalReference,
				Metadata:          metadata,
			})
			if txErr != nil {
				return txErr
			}
			if !applied {
				return nil
			}
			_, txErr = s.referrals.EvaluateFirstDepositTx(ctx, tx, entry)
			return txErr
		})
	})
	if err != nil {
		return nil, err
	}

	if applied {
		s.logg.Info(s.logg.WithUserID(ctx, userID.String()), "deposit credited")
	}
	return &PaymentEventResult{Entry: entry, Applied: applied, Status: enums.ProviderStatusSuccess}, nil
}

func (s *Service) findExisting(ctx context.Context, externalReference string) (*models.LedgerEntry, error) {
	return s.ledgerSvc.FindEntryByExternalReference(ctx, externalReference)
}
