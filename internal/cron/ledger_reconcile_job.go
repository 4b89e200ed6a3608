package cron

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/kobopay/kobopay-backend/pkg/logger"
)

type claimReconciler interface {
	ReconcileClaims(ctx context.Context) (int, error)
	ReconcileRefunds(ctx context.Context) (int, error)
}

type bonusReconciler interface {
	ReconcileMissingBonuses(ctx context.Context, batchSize int) (int, error)
}

type pendingResolver interface {
	ResolvePending(ctx context.Context, batchSize int) (int, error)
}

// LedgerReconcileJobParams configure the repair job.
type LedgerReconcileJobParams struct {
	Logger    *logger.Logger
	Claims    claimReconciler
	Bonuses   bonusReconciler
	Purchases pendingResolver
	BatchSize int
}

// NewLedgerReconcileJob builds the job that repairs interrupted money moves:
// claim credits that never landed, refunds for expired rooms, referral
// bonuses lost between transactions, and purchase holds the provider never
// answered for. Every repair is idempotent, so overlap with live traffic is
// harmless.
func NewLedgerReconcileJob(params LedgerReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Claims == nil {
		return nil, fmt.Errorf("claim reconciler required")
	}
	if params.Bonuses == nil {
		return nil, fmt.Errorf("bonus reconciler required")
	}
	if params.Purchases == nil {
		return nil, fmt.Errorf("purchase resolver required")
	}
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}
	return &ledgerReconcileJob{
		logg:      params.Logger,
		claims:    params.Claims,
		bonuses:   params.Bonuses,
		purchases: params.Purchases,
		batchSize: batchSize,
	}, nil
}

type ledgerReconcileJob struct {
	logg      *logger.Logger
	claims    claimReconciler
	bonuses   bonusReconciler
	purchases pendingResolver
	batchSize int
}

func (j *ledgerReconcileJob) Name() string { return "ledger-reconcile" }

func (j *ledgerReconcileJob) Run(ctx context.Context) error {
	var errs []error

	claims, err := j.claims.ReconcileClaims(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("reconcile claims: %w", err))
	}
	refunds, err := j.claims.ReconcileRefunds(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("reconcile refunds: %w", err))
	}
	bonuses, err := j.bonuses.ReconcileMissingBonuses(ctx, j.batchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("reconcile bonuses: %w", err))
	}
	pending, err := j.purchases.ResolvePending(ctx, j.batchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("resolve pending purchases: %w", err))
	}

	if claims+refunds+bonuses+pending > 0 {
		ctx = j.logg.WithFields(ctx, map[string]any{
			"claims_repaired":   claims,
			"refunds_repaired":  refunds,
			"bonuses_repaired":  bonuses,
			"purchases_settled": pending,
		})
		j.logg.Info(ctx, "ledger reconcile repaired records")
	}
	return multierr.Combine(errs...)
}
