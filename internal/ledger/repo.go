package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kobopay/kobopay-backend/pkg/db/models"
	"github.com/kobopay/kobopay-backend/pkg/enums"
	"github.com/kobopay/kobopay-backend/pkg/pagination"
)

// Repository manages persistence for accounts and ledger entries.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error)
	CreateAccount(ctx context.Context, account *models.Account) error
	UpdateBalanceVersioned(ctx context.Context, userID uuid.UUID, expectedVersion int64, newBalance int64) (bool, error)
	CreateEntry(ctx context.Context, entry *models.LedgerEntry) error
	UpdateEntryStatus(ctx context.Context, entryID uuid.UUID, status enums.LedgerEntryStatus) error
	FindEntry(ctx context.Context, entryID uuid.UUID) (*models.LedgerEntry, error)
	FindEntryByInternalReference(ctx context.Context, internalRef string) (*models.LedgerEntry, error)
	FindEntryByExternalReference(ctx context.Context, externalRef string) (*models.LedgerEntry, error)
	ListEntries(ctx context.Context, userID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.LedgerEntry, error)
	FindPendingEntriesBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.LedgerEntry, error)
	CreateIdempotencyRecord(ctx context.Context, record *models.IdempotencyRecord) error
	FindIdempotencyRecord(ctx context.Context, externalRef string) (*models.IdempotencyRecord, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	var account models.Account
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *repository) CreateAccount(ctx context.Context, account *models.Account) error {
	return r.db.WithContext(ctx).Create(account).Error
}

// UpdateBalanceVersioned applies the balance write only if the account version
// still matches what the caller read. A false return means the caller lost the
// race and must re-read before trying again.
func (r *repository) UpdateBalanceVersioned(ctx context.Context, userID uuid.UUID, expectedVersion int64, newBalance int64) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Account{}).
		Where("user_id = ? AND version = ?", userID, expectedVersion).
		Updates(map[string]any{
			"balance_kobo": newBalance,
			"version":      expectedVersion + 1,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) CreateEntry(ctx context.Context, entry *models.LedgerEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repository) UpdateEntryStatus(ctx context.Context, entryID uuid.UUID, status enums.LedgerEntryStatus) error {
	return r.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("id = ?", entryID).
		Update("status", status).Error
}

func (r *repository) FindEntry(ctx context.Context, entryID uuid.UUID) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("id = ?", entryID).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *repository) FindEntryByInternalReference(ctx context.Context, internalRef string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("internal_reference = ?", internalRef).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *repository) FindEntryByExternalReference(ctx context.Context, externalRef string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("external_reference = ?", externalRef).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *repository) ListEntries(ctx context.Context, userID uuid.UUID, cursor *pagination.Cursor, limit int) ([]models.LedgerEntry, error) {
	query := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit)
	if cursor != nil {
		query = query.Where(
			"(created_at < ?) OR (created_at = ? AND id < ?)",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID,
		)
	}
	var entries []models.LedgerEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// FindPendingEntriesBefore returns pending debits older than cutoff, used by
// the reconcile job to finalize holds orphaned by a crash.
func (r *repository) FindPendingEntriesBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", enums.LedgerEntryStatusPending, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repository) CreateIdempotencyRecord(ctx context.Context, record *models.IdempotencyRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *repository) FindIdempotencyRecord(ctx context.Context, externalRef string) (*models.IdempotencyRecord, error) {
	var record models.IdempotencyRecord
	err := r.db.WithContext(ctx).
		Where("external_reference = ?", externalRef).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
