package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/quickmark/tokenledger/pkg/tokens"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintPurchaseTransactionUID = "uniq_purchases_transaction_uid"
	defaultMetadataJSON              = "{}"
	pgUniqueViolationCode            = "23505"
	sqliteConstraintCode             = 19
	errorOperationStore              = "store"
	errorSubjectAccount              = "account"
	errorSubjectUsage                = "usage"
	errorSubjectPurchase             = "purchase"
	errorCodeCredit                  = "credit"
	errorCodeDebit                   = "debit"
	errorCodeDuplicate               = "duplicate"
	errorCodeExpire                  = "expire"
	errorCodeFreeze                  = "freeze"
	errorCodeGet                     = "get"
	errorCodeInsert                  = "insert"
	errorCodeList                    = "list"
	errorCodeLookup                  = "lookup"
	errorCodeMarkStatus              = "mark_status"
	errorCodeSum                     = "sum"
)

// TokenStore implements tokens.Store using GORM.
type TokenStore struct {
	db *gorm.DB
}

// NewTokenStore returns a TokenStore backed by gorm.DB.
func NewTokenStore(db *gorm.DB) *TokenStore {
	return &TokenStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *TokenStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore tokens.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &TokenStore{db: transaction})
	})
}

func (store *TokenStore) GetOrCreateAccount(ctx context.Context, userID tokens.UserID) (tokens.Account, error) {
	model, err := getOrCreateAccount(store.db.WithContext(ctx), userID.String())
	if err != nil {
		return tokens.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(model), nil
}

func (store *TokenStore) GetAccount(ctx context.Context, userID tokens.UserID) (tokens.Account, error) {
	var model TokenAccount
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tokens.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, tokens.ErrAccountNotFound)
		}
		return tokens.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model), nil
}

// DebitBalance performs the atomic conditional decrement. A false
// return means no row satisfied the balance guard.
func (store *TokenStore) DebitBalance(ctx context.Context, userID tokens.UserID, count tokens.TokenCount) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&TokenAccount{}).
		Where("user_id = ? AND balance >= ? AND frozen = ?", userID.String(), count.Int64(), false).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance - ?", count.Int64()),
			"total_used": gorm.Expr("total_used + ?", count.Int64()),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeDebit, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *TokenStore) CreditBalance(ctx context.Context, userID tokens.UserID, count tokens.TokenCount) (bool, error) {
	credited, err := creditAccount(store.db.WithContext(ctx), userID.String(), count.Int64())
	if err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeCredit, err)
	}
	return credited, nil
}

func (store *TokenStore) FreezeAccount(ctx context.Context, userID tokens.UserID) error {
	result := store.db.WithContext(ctx).
		Model(&TokenAccount{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]interface{}{"frozen": true, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeFreeze, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeFreeze, tokens.ErrAccountNotFound)
	}
	return nil
}

func (store *TokenStore) InsertUsage(ctx context.Context, record tokens.UsageRecord) error {
	model := UsageRecord{
		UsageID:    record.UsageID,
		UserID:     record.UserID,
		Operation:  record.Operation,
		TokensUsed: int64(record.TokensUsed),
		Metadata:   datatypesJSON(record.MetadataJSON),
		CreatedAt:  time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeInsert, err)
	}
	return nil
}

func (store *TokenStore) ListUsage(ctx context.Context, userID tokens.UserID, beforeUnixUTC int64, limit int) ([]tokens.UsageRecord, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []UsageRecord
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectUsage, errorCodeList, err)
	}

	records := make([]tokens.UsageRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, tokens.UsageRecord{
			UsageID:        row.UsageID,
			UserID:         row.UserID,
			Operation:      row.Operation,
			TokensUsed:     tokens.TokenAmount(row.TokensUsed),
			MetadataJSON:   string(row.Metadata),
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return records, nil
}

func (store *TokenStore) SumUsage(ctx context.Context, userID tokens.UserID) (tokens.TokenAmount, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&UsageRecord{}).
		Select("coalesce(sum(tokens_used),0) as total").
		Where("user_id = ?", userID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectUsage, errorCodeSum, err)
	}
	return tokens.TokenAmount(sum.Total), nil
}

func getOrCreateAccount(db *gorm.DB, userID string) (TokenAccount, error) {
	var model TokenAccount
	err := db.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Where(TokenAccount{UserID: userID}).
		Attrs(TokenAccount{UpdatedAt: time.Now().UTC()}).
		FirstOrCreate(&model).Error
	if err != nil {
		return TokenAccount{}, err
	}
	return model, nil
}

func creditAccount(db *gorm.DB, userID string, tokenCount int64) (bool, error) {
	result := db.
		Model(&TokenAccount{}).
		Where("user_id = ? AND frozen = ?", userID, false).
		Updates(map[string]interface{}{
			"balance":         gorm.Expr("balance + ?", tokenCount),
			"total_purchased": gorm.Expr("total_purchased + ?", tokenCount),
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func mapAccount(model TokenAccount) tokens.Account {
	return tokens.Account{
		UserID:         model.UserID,
		Balance:        tokens.TokenAmount(model.Balance),
		TotalPurchased: tokens.TokenAmount(model.TotalPurchased),
		TotalUsed:      tokens.TokenAmount(model.TotalUsed),
		Frozen:         model.Frozen,
		UpdatedUnixUTC: model.UpdatedAt.Unix(),
	}
}

func wrapStoreError(subject string, code string, err error) error {
	return tokens.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isTransactionUIDConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintPurchaseTransactionUID
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
