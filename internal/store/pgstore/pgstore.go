package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quickmark/tokenledger/pkg/tokens"
)

const (
	constraintPurchaseTransactionUID = "uniq_purchases_transaction_uid"
	pgUniqueViolationCode            = "23505"
	errorOperationStore              = "store"
	errorSubjectAccount              = "account"
	errorSubjectUsage                = "usage"
	errorSubjectPurchase             = "purchase"
	errorSubjectTransaction          = "transaction"
	errorCodeBegin                   = "begin"
	errorCodeCommit                  = "commit"
	errorCodeCredit                  = "credit"
	errorCodeDebit                   = "debit"
	errorCodeDuplicate               = "duplicate"
	errorCodeExpire                  = "expire"
	errorCodeFreeze                  = "freeze"
	errorCodeGet                     = "get"
	errorCodeInsert                  = "insert"
	errorCodeInvalid                 = "invalid"
	errorCodeList                    = "list"
	errorCodeLookup                  = "lookup"
	errorCodeMarkStatus              = "mark_status"
	errorCodeSum                     = "sum"

	sqlInsertOrGetAccount = `
		insert into token_accounts(user_id, balance, total_purchased, total_used, frozen, updated_at)
		values ($1, 0, 0, 0, false, now())
		on conflict (user_id) do update set user_id = excluded.user_id
		returning user_id, balance, total_purchased, total_used, frozen, extract(epoch from updated_at)::bigint
	`

	sqlSelectAccount = `
		select user_id, balance, total_purchased, total_used, frozen, extract(epoch from updated_at)::bigint
		from token_accounts
		where user_id = $1
	`

	sqlDebitBalance = `
		update token_accounts
		set balance = balance - $2, total_used = total_used + $2, updated_at = now()
		where user_id = $1 and balance >= $2 and not frozen
	`

	sqlCreditBalance = `
		update token_accounts
		set balance = balance + $2, total_purchased = total_purchased + $2, updated_at = now()
		where user_id = $1 and not frozen
	`

	sqlFreezeAccount = `
		update token_accounts
		set frozen = true, updated_at = now()
		where user_id = $1
	`

	sqlInsertUsage = `
		insert into usage_records(usage_id, user_id, operation, tokens_used, metadata, created_at)
		values (gen_random_uuid(), $1, $2, $3, coalesce(nullif($4,''),'{}')::jsonb, to_timestamp($5))
	`

	sqlListUsage = `
		select usage_id::text, user_id, operation, tokens_used, coalesce(metadata::text,'{}'), extract(epoch from created_at)::bigint
		from usage_records
		where user_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlSumUsage = `
		select coalesce(sum(tokens_used),0) from usage_records where user_id = $1
	`
)

// querier is satisfied by both pgxpool.Pool and pgx.Tx, so each
// statement is written once and shared between the autocommit store
// and the transactional store.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TokenStore implements tokens.Store using a pgx connection pool (autocommit).
type TokenStore struct {
	pool *pgxpool.Pool
}

// tokenTxStore implements tokens.Store for an active transaction.
type tokenTxStore struct {
	tx pgx.Tx
}

// NewTokenStore returns a TokenStore backed by a pgx pool.
func NewTokenStore(pool *pgxpool.Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

func (store *TokenStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore tokens.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &tokenTxStore{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *TokenStore) GetOrCreateAccount(ctx context.Context, userID tokens.UserID) (tokens.Account, error) {
	return getOrCreateAccount(ctx, store.pool, userID)
}

func (store *TokenStore) GetAccount(ctx context.Context, userID tokens.UserID) (tokens.Account, error) {
	return getAccount(ctx, store.pool, userID)
}

func (store *TokenStore) DebitBalance(ctx context.Context, userID tokens.UserID, count tokens.TokenCount) (bool, error) {
	return debitBalance(ctx, store.pool, userID, count)
}

func (store *TokenStore) CreditBalance(ctx context.Context, userID tokens.UserID, count tokens.TokenCount) (bool, error) {
	return creditBalance(ctx, store.pool, userID.String(), count.Int64())
}

func (store *TokenStore) FreezeAccount(ctx context.Context, userID tokens.UserID) error {
	return freezeAccount(ctx, store.pool, userID)
}

func (store *TokenStore) InsertUsage(ctx context.Context, record tokens.UsageRecord) error {
	return insertUsage(ctx, store.pool, record)
}

func (store *TokenStore) ListUsage(ctx context.Context, userID tokens.UserID, beforeUnixUTC int64, limit int) ([]tokens.UsageRecord, error) {
	return listUsage(ctx, store.pool, userID, beforeUnixUTC, limit)
}

func (store *TokenStore) SumUsage(ctx context.Context, userID tokens.UserID) (tokens.TokenAmount, error) {
	return sumUsage(ctx, store.pool, userID)
}

func (store *tokenTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore tokens.Store) error) error {
	return fn(ctx, store)
}

func (store *tokenTxStore) GetOrCreateAccount(ctx context.Context, userID tokens.UserID) (tokens.Account, error) {
	return getOrCreateAccount(ctx, store.tx, userID)
}

func (store *tokenTxStore) GetAccount(ctx context.Context, userID tokens.UserID) (tokens.Account, error) {
	return getAccount(ctx, store.tx, userID)
}

func (store *tokenTxStore) DebitBalance(ctx context.Context, userID tokens.UserID, count tokens.TokenCount) (bool, error) {
	return debitBalance(ctx, store.tx, userID, count)
}

func (store *tokenTxStore) CreditBalance(ctx context.Context, userID tokens.UserID, count tokens.TokenCount) (bool, error) {
	return creditBalance(ctx, store.tx, userID.String(), count.Int64())
}

func (store *tokenTxStore) FreezeAccount(ctx context.Context, userID tokens.UserID) error {
	return freezeAccount(ctx, store.tx, userID)
}

func (store *tokenTxStore) InsertUsage(ctx context.Context, record tokens.UsageRecord) error {
	return insertUsage(ctx, store.tx, record)
}

func (store *tokenTxStore) ListUsage(ctx context.Context, userID tokens.UserID, beforeUnixUTC int64, limit int) ([]tokens.UsageRecord, error) {
	return listUsage(ctx, store.tx, userID, beforeUnixUTC, limit)
}

func (store *tokenTxStore) SumUsage(ctx context.Context, userID tokens.UserID) (tokens.TokenAmount, error) {
	return sumUsage(ctx, store.tx, userID)
}

func getOrCreateAccount(ctx context.Context, q querier, userID tokens.UserID) (tokens.Account, error) {
	account, err := scanAccount(q.QueryRow(ctx, sqlInsertOrGetAccount, userID.String()))
	if err != nil {
		return tokens.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

func getAccount(ctx context.Context, q querier, userID tokens.UserID) (tokens.Account, error) {
	account, err := scanAccount(q.QueryRow(ctx, sqlSelectAccount, userID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tokens.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, tokens.ErrAccountNotFound)
		}
		return tokens.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func debitBalance(ctx context.Context, q querier, userID tokens.UserID, count tokens.TokenCount) (bool, error) {
	tag, err := q.Exec(ctx, sqlDebitBalance, userID.String(), count.Int64())
	if err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeDebit, err)
	}
	return tag.RowsAffected() == 1, nil
}

func creditBalance(ctx context.Context, q querier, userID string, tokenCount int64) (bool, error) {
	tag, err := q.Exec(ctx, sqlCreditBalance, userID, tokenCount)
	if err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeCredit, err)
	}
	return tag.RowsAffected() == 1, nil
}

func freezeAccount(ctx context.Context, q querier, userID tokens.UserID) error {
	tag, err := q.Exec(ctx, sqlFreezeAccount, userID.String())
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeFreeze, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeFreeze, tokens.ErrAccountNotFound)
	}
	return nil
}

func insertUsage(ctx context.Context, q querier, record tokens.UsageRecord) error {
	_, err := q.Exec(ctx, sqlInsertUsage,
		record.UserID,
		record.Operation,
		int64(record.TokensUsed),
		record.MetadataJSON,
		record.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeInsert, err)
	}
	return nil
}

func listUsage(ctx context.Context, q querier, userID tokens.UserID, beforeUnixUTC int64, limit int) ([]tokens.UsageRecord, error) {
	before := beforeUnixUTC
	if before == 0 {
		before = int64(1) << 40
	}
	rows, err := q.Query(ctx, sqlListUsage, userID.String(), before, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectUsage, errorCodeList, err)
	}
	defer rows.Close()

	var records []tokens.UsageRecord
	for rows.Next() {
		var record tokens.UsageRecord
		var used int64
		if err := rows.Scan(&record.UsageID, &record.UserID, &record.Operation, &used, &record.MetadataJSON, &record.CreatedUnixUTC); err != nil {
			return nil, wrapStoreError(errorSubjectUsage, errorCodeInvalid, err)
		}
		record.TokensUsed = tokens.TokenAmount(used)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectUsage, errorCodeList, err)
	}
	return records, nil
}

func sumUsage(ctx context.Context, q querier, userID tokens.UserID) (tokens.TokenAmount, error) {
	var sum int64
	if err := q.QueryRow(ctx, sqlSumUsage, userID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectUsage, errorCodeSum, err)
	}
	return tokens.TokenAmount(sum), nil
}

func scanAccount(row pgx.Row) (tokens.Account, error) {
	var account tokens.Account
	var balance, purchased, used int64
	if err := row.Scan(&account.UserID, &balance, &purchased, &used, &account.Frozen, &account.UpdatedUnixUTC); err != nil {
		return tokens.Account{}, err
	}
	account.Balance = tokens.TokenAmount(balance)
	account.TotalPurchased = tokens.TokenAmount(purchased)
	account.TotalUsed = tokens.TokenAmount(used)
	return account, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return tokens.WrapError(errorOperationStore, subject, code, err)
}

func isTransactionUIDConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintPurchaseTransactionUID
	}
	return false
}
