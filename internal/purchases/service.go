package purchases

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kobopay/kobopay-backend/internal/ledger"
	"github.com/kobopay/kobopay-backend/pkg/db/models"
	"github.com/kobopay/kobopay-backend/pkg/enums"
	pkgerrors "github.com/kobopay/kobopay-backend/pkg/errors"
	"github.com/kobopay/kobopay-backend/pkg/logger"
)

const (
	purchaseRefPrefix = "purchase:"
	// pendingGracePeriod is how long a pending debit may sit before the
	// reconcile sweep requeries the provider for it.
	pendingGracePeriod = 10 * time.Minute
)

// PurchaseInput describes a user's VTU order. RequestID comes from the
// client's Idempotency-Key, so retried submissions reuse the same hold.
type PurchaseInput struct {
	UserID     uuid.UUID
	RequestID  string
	ServiceID  string
	Recipient  string
	AmountKobo int64
}

// PurchaseOutcome reports what happened to the order and its debit.
type PurchaseOutcome struct {
	Entry       *models.LedgerEntry
	Status      enums.ProviderStatus
	ProviderRef string
}

// Service runs VTU purchases against the wallet. The debit is held as a
// pending entry before the provider call and settled after, so a hung
// provider never holds a lock on the account.
type Service interface {
	Purchase(ctx context.Context, input PurchaseInput) (*PurchaseOutcome, error)
	// ResolvePending requeries the provider for stale pending debits and
	// settles them. Invoked by the reconcile sweep.
	ResolvePending(ctx context.Context, batchSize int) (int, error)
}

type service struct {
	ledgerSvc  ledger.Service
	ledgerRepo ledger.Repository
	provider   PurchaseProvider
	logg       *logger.Logger
	now        func() time.Time
}

// ServiceParams configure the purchase service.
type ServiceParams struct {
	Ledger     ledger.Service
	LedgerRepo ledger.Repository
	Provider   PurchaseProvider
	Logger     *logger.Logger
	Now        func() time.Time
}

// NewService wires a purchase service.
func NewService(params ServiceParams) (Service, error) {
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if params.LedgerRepo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.Provider == nil {
		return nil, fmt.Errorf("purchase provider required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		ledgerSvc:  params.Ledger,
		ledgerRepo: params.LedgerRepo,
		provider:   params.Provider,
		logg:       params.Logger,
		now:        now,
	}, nil
}

func (s *service) Purchase(ctx context.Context, input PurchaseInput) (*PurchaseOutcome, error) {
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if strings.TrimSpace(input.RequestID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "request id is required")
	}
	if strings.TrimSpace(input.ServiceID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "service id is required")
	}
	if strings.TrimSpace(input.Recipient) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "recipient is required")
	}
	if input.AmountKobo <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}

	metadata, _ := json.Marshal(map[string]string{
		"service_id": input.ServiceID,
		"recipient":  input.Recipient,
		"request_id": input.RequestID,
	})
	entry, err := s.ledgerSvc.HoldDebit(ctx, ledger.ApplyEventInput{
		UserID:            input.UserID,
		Kind:              enums.LedgerEntryKindDebit,
		AmountKobo:        input.AmountKobo,
		InternalReference: purchaseRefPrefix + input.RequestID,
		Metadata:          metadata,
	})
	if err != nil {
		return nil, err
	}
	if entry.Status.IsTerminal() {
		// A retried submission found the original hold already settled.
		return &PurchaseOutcome{Entry: entry, Status: statusForEntry(entry)}, nil
	}

	// Provider I/O happens with the hold durable but no lock held.
	result, err := s.provider.Purchase(ctx, PurchaseRequest{
		RequestID:  input.RequestID,
		ServiceID:  input.ServiceID,
		Recipient:  input.Recipient,
		AmountKobo: input.AmountKobo,
	})
	if err != nil {
		// Unknown outcome: leave the hold pending for the reconcile sweep
		// rather than guessing a refund.
		s.logg.Error(ctx, "purchase provider call failed, hold left pending", err)
		return &PurchaseOutcome{Entry: entry, Status: enums.ProviderStatusProcessing}, nil
	}

	return s.settle(ctx, entry, result)
}

func (s *service) settle(ctx context.Context, entry *models.LedgerEntry, result *PurchaseResult) (*PurchaseOutcome, error) {
	switch result.Status {
	case enums.ProviderStatusSuccess:
		if err := s.ledgerSvc.FinalizeDebit(ctx, entry.ID, true); err != nil {
			return nil, err
		}
	case enums.ProviderStatusFailed:
		if err := s.ledgerSvc.FinalizeDebit(ctx, entry.ID, false); err != nil {
			return nil, err
		}
	}
	return &PurchaseOutcome{Entry: entry, Status: result.Status, ProviderRef: result.ProviderRef}, nil
}

func (s *service) ResolvePending(ctx context.Context, batchSize int) (int, error) {
	cutoff := s.now().UTC().Add(-pendingGracePeriod)
	entries, err := s.ledgerRepo.FindPendingEntriesBefore(ctx, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending debits: %w", err)
	}
	resolved := 0
	for _, entry := range entries {
		requestID, ok := strings.CutPrefix(entry.InternalReference, purchaseRefPrefix)
		if !ok {
			continue
		}
		result, err := s.provider.Requery(ctx, requestID)
		if err != nil {
			s.logg.Error(s.logg.WithField(ctx, "request_id", requestID), "purchase requery failed", err)
			continue
		}
		if result.Status == enums.ProviderStatusProcessing {
			continue
		}
		if err := s.ledgerSvc.FinalizeDebit(ctx, entry.ID, result.Status == enums.ProviderStatusSuccess); err != nil {
			s.logg.Error(s.logg.WithField(ctx, "request_id", requestID), "finalize pending debit failed", err)
			continue
		}
		resolved++
	}
	return resolved, nil
}

func statusForEntry(entry *models.LedgerEntry) enums.ProviderStatus {
	switch entry.Status {
	case enums.LedgerEntryStatusSuccess:
		return enums.ProviderStatusSuccess
	case enums.LedgerEntryStatusFailed:
		return enums.ProviderStatusFailed
	default:
		return enums.ProviderStatusProcessing
	}
}
