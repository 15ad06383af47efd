package payment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestReconcileCompletedCreditsExactlyOnce(test *testing.T) {
	test.Parallel()
	store := newStubPaymentStore(test)
	store.seedPurchase(test, Purchase{UserID: "user-1", TransactionUID: "TKN-1", TokensRequested: 100, Status: PurchaseStatusPending})
	reconciler := mustReconciler(test, store)

	result, err := reconciler.Reconcile(context.Background(), "TKN-1", OutcomeCompleted)
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if result != ResultCredited {
		test.Fatalf("expected credited, got %s", result)
	}
	if store.credits["user-1"] != 100 {
		test.Fatalf("expected 100 tokens credited, got %d", store.credits["user-1"])
	}
	purchase := store.purchases["TKN-1"]
	if purchase.Status != PurchaseStatusCompleted {
		test.Fatalf("expected completed purchase, got %s", purchase.Status)
	}
	if purchase.CompletedUnixUTC == 0 {
		test.Fatalf("expected completion timestamp to be set")
	}

	// The gateway redelivers; the status guard must absorb it.
	result, err = reconciler.Reconcile(context.Background(), "TKN-1", OutcomeCompleted)
	if err != nil {
		test.Fatalf("second reconcile: %v", err)
	}
	if result != ResultAlreadyReconciled {
		test.Fatalf("expected already reconciled, got %s", result)
	}
	if store.credits["user-1"] != 100 {
		test.Fatalf("expected credit to stay at 100, got %d", store.credits["user-1"])
	}
}

func TestReconcileFailedDoesNotCredit(test *testing.T) {
	test.Parallel()
	store := newStubPaymentStore(test)
	store.seedPurchase(test, Purchase{UserID: "user-1", TransactionUID: "TKN-2", TokensRequested: 50, Status: PurchaseStatusPending})
	reconciler := mustReconciler(test, store)

	result, err := reconciler.Reconcile(context.Background(), "TKN-2", OutcomeFailed)
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if result != ResultFailed {
		test.Fatalf("expected failed, got %s", result)
	}
	if store.credits["user-1"] != 0 {
		test.Fatalf("expected no credit for failed purchase, got %d", store.credits["user-1"])
	}
	if purchase := store.purchases["TKN-2"]; purchase.CompletedUnixUTC != 0 {
		test.Fatalf("expected no completion timestamp on failed purchase, got %d", purchase.CompletedUnixUTC)
	}
}

func TestReconcileCompletedAfterFailedIsAbsorbed(test *testing.T) {
	test.Parallel()
	store := newStubPaymentStore(test)
	store.seedPurchase(test, Purchase{UserID: "user-1", TransactionUID: "TKN-3", TokensRequested: 50, Status: PurchaseStatusFailed})
	reconciler := mustReconciler(test, store)

	result, err := reconciler.Reconcile(context.Background(), "TKN-3", OutcomeCompleted)
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if result != ResultAlreadyReconciled {
		test.Fatalf("expected already reconciled, got %s", result)
	}
	if store.credits["user-1"] != 0 {
		test.Fatalf("expected no credit, got %d", store.credits["user-1"])
	}
}

func TestReconcileUnknownUID(test *testing.T) {
	test.Parallel()
	reconciler := mustReconciler(test, newStubPaymentStore(test))

	result, err := reconciler.Reconcile(context.Background(), "TKN-missing", OutcomeCompleted)
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if result != ResultNotFound {
		test.Fatalf("expected not found, got %s", result)
	}
}

func TestReconcileRejectsEmptyUID(test *testing.T) {
	test.Parallel()
	reconciler := mustReconciler(test, newStubPaymentStore(test))

	if _, err := reconciler.Reconcile(context.Background(), "", OutcomeCompleted); !errors.Is(err, ErrInvalidTransactionUID) {
		test.Fatalf("expected ErrInvalidTransactionUID, got %v", err)
	}
}

func TestSweeperUsesConfiguredWindow(test *testing.T) {
	test.Parallel()
	store := newStubPaymentStore(test)
	holder := NewPricingHolder(mustPricing(test, 100, 10*time.Minute))
	sweeper, err := NewSweeper(store, holder, func() int64 { return 10_000 })
	if err != nil {
		test.Fatalf("sweeper: %v", err)
	}

	if _, err := sweeper.ExpirePending(context.Background()); err != nil {
		test.Fatalf("expire: %v", err)
	}
	if store.expireCutoff != 10_000-600 {
		test.Fatalf("expected cutoff 9400, got %d", store.expireCutoff)
	}
}

const reconcileClockUnixUTC = int64(1_700_000_000)

type stubPaymentStore struct {
	purchases    map[string]Purchase
	credits      map[string]int64
	insertErrs   []error
	inserted     []Purchase
	expireCutoff int64
}

func newStubPaymentStore(test *testing.T) *stubPaymentStore {
	test.Helper()
	return &stubPaymentStore{
		purchases: make(map[string]Purchase),
		credits:   make(map[string]int64),
	}
}

func (store *stubPaymentStore) seedPurchase(test *testing.T, purchase Purchase) {
	test.Helper()
	store.purchases[purchase.TransactionUID] = purchase
}

func (store *stubPaymentStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubPaymentStore) InsertPurchase(ctx context.Context, purchase Purchase) error {
	if len(store.insertErrs) > 0 {
		err := store.insertErrs[0]
		store.insertErrs = store.insertErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, exists := store.purchases[purchase.TransactionUID]; exists {
		return ErrDuplicateTransactionUID
	}
	store.purchases[purchase.TransactionUID] = purchase
	store.inserted = append(store.inserted, purchase)
	return nil
}

func (store *stubPaymentStore) GetPurchase(ctx context.Context, transactionUID string) (Purchase, error) {
	purchase, ok := store.purchases[transactionUID]
	if !ok {
		return Purchase{}, fmt.Errorf("%w: %s", ErrPurchaseNotFound, transactionUID)
	}
	return purchase, nil
}

func (store *stubPaymentStore) PurchaseExists(ctx context.Context, transactionUID string) (bool, error) {
	_, exists := store.purchases[transactionUID]
	return exists, nil
}

func (store *stubPaymentStore) MarkPurchase(ctx context.Context, transactionUID string, from, to PurchaseStatus, completedUnixUTC int64) (bool, error) {
	purchase, ok := store.purchases[transactionUID]
	if !ok || purchase.Status != from {
		return false, nil
	}
	purchase.Status = to
	if completedUnixUTC != 0 {
		purchase.CompletedUnixUTC = completedUnixUTC
	}
	store.purchases[transactionUID] = purchase
	return true, nil
}

func (store *stubPaymentStore) CreditPurchasedTokens(ctx context.Context, userID string, tokenCount int64) (bool, error) {
	store.credits[userID] += tokenCount
	return true, nil
}

func (store *stubPaymentStore) ListPurchases(ctx context.Context, userID string, limit int) ([]Purchase, error) {
	var out []Purchase
	for _, purchase := range store.purchases {
		if purchase.UserID == userID {
			out = append(out, purchase)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (store *stubPaymentStore) ExpirePendingBefore(ctx context.Context, cutoffUnixUTC int64) (int64, error) {
	store.expireCutoff = cutoffUnixUTC
	var expired int64
	for uid, purchase := range store.purchases {
		if purchase.Status == PurchaseStatusPending && purchase.CreatedUnixUTC < cutoffUnixUTC {
			purchase.Status = PurchaseStatusExpired
			store.purchases[uid] = purchase
			expired++
		}
	}
	return expired, nil
}

func mustReconciler(test *testing.T, store Store) *Reconciler {
	test.Helper()
	reconciler, err := NewReconciler(store, func() int64 { return reconcileClockUnixUTC })
	if err != nil {
		test.Fatalf("reconciler: %v", err)
	}
	return reconciler
}
