package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/quickmark/tokenledger/pkg/payment"
	"gorm.io/gorm"
)

// PaymentStore implements payment.Store using GORM. It shares the
// database (and the account credit helper) with TokenStore so a status
// flip and its ledger credit commit in one transaction.
type PaymentStore struct {
	db *gorm.DB
}

// NewPaymentStore returns a PaymentStore backed by gorm.DB.
func NewPaymentStore(db *gorm.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *PaymentStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore payment.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &PaymentStore{db: transaction})
	})
}

func (store *PaymentStore) InsertPurchase(ctx context.Context, purchase payment.Purchase) error {
	model := Purchase{
		PurchaseID:      purchase.PurchaseID,
		UserID:          purchase.UserID,
		TransactionUID:  purchase.TransactionUID,
		TokensRequested: purchase.TokensRequested,
		LocalAmount:     purchase.LocalAmount,
		LocalCurrency:   purchase.LocalCurrency,
		Provider:        purchase.Provider,
		Status:          purchase.Status.String(),
		CreatedAt:       time.Unix(purchase.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isTransactionUIDConflict(err) {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, payment.ErrDuplicateTransactionUID)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeInsert, err)
	}
	return nil
}

func (store *PaymentStore) GetPurchase(ctx context.Context, transactionUID string) (payment.Purchase, error) {
	var model Purchase
	err := store.db.WithContext(ctx).
		Where("transaction_uid = ?", transactionUID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return payment.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, payment.ErrPurchaseNotFound)
		}
		return payment.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, err)
	}
	return mapPurchase(model)
}

func (store *PaymentStore) PurchaseExists(ctx context.Context, transactionUID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Purchase{}).
		Where("transaction_uid = ?", transactionUID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectPurchase, errorCodeLookup, err)
	}
	return count > 0, nil
}

// MarkPurchase is the idempotency fence: the status transition only
// happens when the row is still in the expected source state.
func (store *PaymentStore) MarkPurchase(ctx context.Context, transactionUID string, from, to payment.PurchaseStatus, completedUnixUTC int64) (bool, error) {
	updates := map[string]interface{}{"status": to.String()}
	if completedUnixUTC != 0 {
		completedAt := time.Unix(completedUnixUTC, 0).UTC()
		updates["completed_at"] = &completedAt
	}
	result := store.db.WithContext(ctx).
		Model(&Purchase{}).
		Where("transaction_uid = ? AND status = ?", transactionUID, from.String()).
		Updates(updates)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectPurchase, errorCodeMarkStatus, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *PaymentStore) CreditPurchasedTokens(ctx context.Context, userID string, tokenCount int64) (bool, error) {
	db := store.db.WithContext(ctx)
	if _, err := getOrCreateAccount(db, userID); err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	credited, err := creditAccount(db, userID, tokenCount)
	if err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeCredit, err)
	}
	return credited, nil
}

func (store *PaymentStore) ListPurchases(ctx context.Context, userID string, limit int) ([]payment.Purchase, error) {
	var rows []Purchase
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	purchases := make([]payment.Purchase, 0, len(rows))
	for _, row := range rows {
		purchase, err := mapPurchase(row)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, purchase)
	}
	return purchases, nil
}

func (store *PaymentStore) ExpirePendingBefore(ctx context.Context, cutoffUnixUTC int64) (int64, error) {
	cutoff := time.Unix(cutoffUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&Purchase{}).
		Where("status = ? AND created_at < ?", payment.PurchaseStatusPending.String(), cutoff).
		Update("status", payment.PurchaseStatusExpired.String())
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectPurchase, errorCodeExpire, result.Error)
	}
	return result.RowsAffected, nil
}

func mapPurchase(model Purchase) (payment.Purchase, error) {
	status, err := payment.ParsePurchaseStatus(model.Status)
	if err != nil {
		return payment.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, err)
	}
	purchase := payment.Purchase{
		PurchaseID:      model.PurchaseID,
		UserID:          model.UserID,
		TransactionUID:  model.TransactionUID,
		TokensRequested: model.TokensRequested,
		LocalAmount:     model.LocalAmount,
		LocalCurrency:   model.LocalCurrency,
		Provider:        model.Provider,
		Status:          status,
		CreatedUnixUTC:  model.CreatedAt.Unix(),
	}
	if model.CompletedAt != nil {
		purchase.CompletedUnixUTC = model.CompletedAt.Unix()
	}
	return purchase, nil
}
