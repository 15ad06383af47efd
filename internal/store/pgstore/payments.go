package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quickmark/tokenledger/pkg/payment"
)

const (
	sqlInsertPurchase = `
		insert into purchases(
			purchase_id, user_id, transaction_uid, tokens_requested,
			local_amount, local_currency, provider, status, created_at
		)
		values (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, to_timestamp($8))
	`

	sqlSelectPurchase = `
		select
			purchase_id::text, user_id, transaction_uid, tokens_requested,
			local_amount, local_currency, provider, status,
			extract(epoch from created_at)::bigint,
			coalesce(extract(epoch from completed_at)::bigint, 0)
		from purchases
		where transaction_uid = $1
	`

	sqlPurchaseExists = `
		select exists(select 1 from purchases where transaction_uid = $1)
	`

	sqlMarkPurchase = `
		update purchases
		set status = $3,
			completed_at = case when $4 = 0 then completed_at else to_timestamp($4) end
		where transaction_uid = $1 and status = $2
	`

	sqlListPurchases = `
		select
			purchase_id::text, user_id, transaction_uid, tokens_requested,
			local_amount, local_currency, provider, status,
			extract(epoch from created_at)::bigint,
			coalesce(extract(epoch from completed_at)::bigint, 0)
		from purchases
		where user_id = $1
		order by created_at desc
		limit $2
	`

	sqlExpirePending = `
		update purchases
		set status = 'expired'
		where status = 'pending' and created_at < to_timestamp($1)
	`
)

// PaymentStore implements payment.Store using a pgx connection pool (autocommit).
type PaymentStore struct {
	pool *pgxpool.Pool
}

// paymentTxStore implements payment.Store for an active transaction.
type paymentTxStore struct {
	tx pgx.Tx
}

// NewPaymentStore returns a PaymentStore backed by a pgx pool.
func NewPaymentStore(pool *pgxpool.Pool) *PaymentStore {
	return &PaymentStore{pool: pool}
}

func (store *PaymentStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore payment.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &paymentTxStore{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *PaymentStore) InsertPurchase(ctx context.Context, purchase payment.Purchase) error {
	return insertPurchase(ctx, store.pool, purchase)
}

func (store *PaymentStore) GetPurchase(ctx context.Context, transactionUID string) (payment.Purchase, error) {
	return getPurchase(ctx, store.pool, transactionUID)
}

func (store *PaymentStore) PurchaseExists(ctx context.Context, transactionUID string) (bool, error) {
	return purchaseExists(ctx, store.pool, transactionUID)
}

func (store *PaymentStore) MarkPurchase(ctx context.Context, transactionUID string, from, to payment.PurchaseStatus, completedUnixUTC int64) (bool, error) {
	return markPurchase(ctx, store.pool, transactionUID, from, to, completedUnixUTC)
}

func (store *PaymentStore) CreditPurchasedTokens(ctx context.Context, userID string, tokenCount int64) (bool, error) {
	return creditPurchasedTokens(ctx, store.pool, userID, tokenCount)
}

func (store *PaymentStore) ListPurchases(ctx context.Context, userID string, limit int) ([]payment.Purchase, error) {
	return listPurchases(ctx, store.pool, userID, limit)
}

func (store *PaymentStore) ExpirePendingBefore(ctx context.Context, cutoffUnixUTC int64) (int64, error) {
	return expirePendingBefore(ctx, store.pool, cutoffUnixUTC)
}

func (store *paymentTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore payment.Store) error) error {
	return fn(ctx, store)
}

func (store *paymentTxStore) InsertPurchase(ctx context.Context, purchase payment.Purchase) error {
	return insertPurchase(ctx, store.tx, purchase)
}

func (store *paymentTxStore) GetPurchase(ctx context.Context, transactionUID string) (payment.Purchase, error) {
	return getPurchase(ctx, store.tx, transactionUID)
}

func (store *paymentTxStore) PurchaseExists(ctx context.Context, transactionUID string) (bool, error) {
	return purchaseExists(ctx, store.tx, transactionUID)
}

func (store *paymentTxStore) MarkPurchase(ctx context.Context, transactionUID string, from, to payment.PurchaseStatus, completedUnixUTC int64) (bool, error) {
	return markPurchase(ctx, store.tx, transactionUID, from, to, completedUnixUTC)
}

func (store *paymentTxStore) CreditPurchasedTokens(ctx context.Context, userID string, tokenCount int64) (bool, error) {
	return creditPurchasedTokens(ctx, store.tx, userID, tokenCount)
}

func (store *paymentTxStore) ListPurchases(ctx context.Context, userID string, limit int) ([]payment.Purchase, error) {
	return listPurchases(ctx, store.tx, userID, limit)
}

func (store *paymentTxStore) ExpirePendingBefore(ctx context.Context, cutoffUnixUTC int64) (int64, error) {
	return expirePendingBefore(ctx, store.tx, cutoffUnixUTC)
}

func insertPurchase(ctx context.Context, q querier, purchase payment.Purchase) error {
	_, err := q.Exec(ctx, sqlInsertPurchase,
		purchase.UserID,
		purchase.TransactionUID,
		purchase.TokensRequested,
		purchase.LocalAmount,
		purchase.LocalCurrency,
		purchase.Provider,
		purchase.Status.String(),
		purchase.CreatedUnixUTC,
	)
	if isTransactionUIDConflict(err) {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, payment.ErrDuplicateTransactionUID)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeInsert, err)
	}
	return nil
}

func getPurchase(ctx context.Context, q querier, transactionUID string) (payment.Purchase, error) {
	purchase, err := scanPurchase(q.QueryRow(ctx, sqlSelectPurchase, transactionUID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return payment.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, payment.ErrPurchaseNotFound)
		}
		return payment.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, err)
	}
	return purchase, nil
}

func purchaseExists(ctx context.Context, q querier, transactionUID string) (bool, error) {
	var exists bool
	if err := q.QueryRow(ctx, sqlPurchaseExists, transactionUID).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectPurchase, errorCodeLookup, err)
	}
	return exists, nil
}

func markPurchase(ctx context.Context, q querier, transactionUID string, from, to payment.PurchaseStatus, completedUnixUTC int64) (bool, error) {
	tag, err := q.Exec(ctx, sqlMarkPurchase, transactionUID, from.String(), to.String(), completedUnixUTC)
	if err != nil {
		return false, wrapStoreError(errorSubjectPurchase, errorCodeMarkStatus, err)
	}
	return tag.RowsAffected() == 1, nil
}

func creditPurchasedTokens(ctx context.Context, q querier, userID string, tokenCount int64) (bool, error) {
	if _, err := scanAccount(q.QueryRow(ctx, sqlInsertOrGetAccount, userID)); err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return creditBalance(ctx, q, userID, tokenCount)
}

func listPurchases(ctx context.Context, q querier, userID string, limit int) ([]payment.Purchase, error) {
	rows, err := q.Query(ctx, sqlListPurchases, userID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	defer rows.Close()

	var purchases []payment.Purchase
	for rows.Next() {
		purchase, err := scanPurchase(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
		}
		purchases = append(purchases, purchase)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPurchase, errorCodeList, err)
	}
	return purchases, nil
}

func expirePendingBefore(ctx context.Context, q querier, cutoffUnixUTC int64) (int64, error) {
	tag, err := q.Exec(ctx, sqlExpirePending, cutoffUnixUTC)
	if err != nil {
		return 0, wrapStoreError(errorSubjectPurchase, errorCodeExpire, err)
	}
	return tag.RowsAffected(), nil
}

func scanPurchase(row pgx.Row) (payment.Purchase, error) {
	var purchase payment.Purchase
	var statusValue string
	if err := row.Scan(
		&purchase.PurchaseID,
		&purchase.UserID,
		&purchase.TransactionUID,
		&purchase.TokensRequested,
		&purchase.LocalAmount,
		&purchase.LocalCurrency,
		&purchase.Provider,
		&statusValue,
		&purchase.CreatedUnixUTC,
		&purchase.CompletedUnixUTC,
	); err != nil {
		return payment.Purchase{}, err
	}
	status, err := payment.ParsePurchaseStatus(statusValue)
	if err != nil {
		return payment.Purchase{}, err
	}
	purchase.Status = status
	return purchase, nil
}
