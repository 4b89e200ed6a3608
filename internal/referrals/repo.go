package referrals

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kobopay/kobopay-backend/pkg/db/models"
	"github.com/kobopay/kobopay-backend/pkg/enums"
)

// Repository manages persistence for referral bonus records.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindBonusRecord(ctx context.Context, refereeID uuid.UUID) (*models.ReferralBonusRecord, error)
	CreateBonusRecord(ctx context.Context, record *models.ReferralBonusRecord) error
	CountSettledDeposits(ctx context.Context, userID uuid.UUID, excludeEntryID uuid.UUID) (int64, error)
	ListFirstDepositsMissingBonus(ctx context.Context, limit int) ([]models.LedgerEntry, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a referral repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindBonusRecord(ctx context.Context, refereeID uuid.UUID) (*models.ReferralBonusRecord, error) {
	var record models.ReferralBonusRecord
	err := r.db.WithContext(ctx).
		Where("referee_id = ?", refereeID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *repository) CreateBonusRecord(ctx context.Context, record *models.ReferralBonusRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

// CountSettledDeposits counts successful deposit entries for the user,
// excluding the entry that triggered the evaluation.
func (r *repository) CountSettledDeposits(ctx context.Context, userID uuid.UUID, excludeEntryID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("user_id = ? AND kind = ? AND status = ? AND id <> ?",
			userID, enums.LedgerEntryKindDeposit, enums.LedgerEntryStatusSuccess, excludeEntryID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListFirstDepositsMissingBonus returns first settled deposits of referred
// users that have no bonus record yet, so the reconcile sweep can replay the
// evaluation after a crash between the deposit and the bonus.
func (r *repository) ListFirstDepositsMissingBonus(ctx context.Context, limit int) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := r.db.WithContext(ctx).
		Raw(`
			SELECT le.*
			FROM ledger_entries le
			JOIN users u ON u.id = le.user_id AND u.referred_by IS NOT NULL
			LEFT JOIN referral_bonus_records rb ON rb.referee_id = le.user_id
			WHERE le.kind = ? AND le.status = ? AND rb.referee_id IS NULL
			  AND NOT EXISTS (
				SELECT 1 FROM ledger_entries prior
				WHERE prior.user_id = le.user_id
				  AND prior.kind = ? AND prior.status = ?
				  AND prior.created_at < le.created_at
			  )
			ORDER BY le.created_at ASC
			LIMIT ?`,
			enums.LedgerEntryKindDeposit, enums.LedgerEntryStatusSuccess,
			enums.LedgerEntryKindDeposit, enums.LedgerEntryStatusSuccess,
			limit).
		Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
