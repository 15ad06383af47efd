package payment

import (
	"context"
	"fmt"
)

// Reconciler turns gateway completion signals into ledger credits,
// exactly once per purchase. Safe under at-least-once delivery: the
// first completed signal credits, every later one hits the status
// guard and reports AlreadyReconciled.
type Reconciler struct {
	store Store
	nowFn func() int64
}

// NewReconciler wires a Reconciler.
func NewReconciler(store Store, now func() int64) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidFactoryConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidFactoryConfig)
	}
	return &Reconciler{store: store, nowFn: now}, nil
}

// Reconcile applies a terminal outcome to the purchase identified by
// transactionUID. The pending->terminal flip is a conditional update;
// the ledger credit happens in the same transaction and only when the
// flip affected exactly one row. Duplicate deliveries are detected by
// the status guard, never by inspecting amounts.
func (reconciler *Reconciler) Reconcile(ctx context.Context, transactionUID string, outcome Outcome) (ReconcileResult, error) {
	if transactionUID == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidTransactionUID)
	}
	target, err := outcome.terminalStatus()
	if err != nil {
		return "", err
	}

	var result ReconcileResult
	operationError := reconciler.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		purchase, err := transactionStore.GetPurchase(ctx, transactionUID)
		if err != nil {
			return err
		}
		completedAt := int64(0)
		if target == PurchaseStatusCompleted {
			completedAt = reconciler.nowFn()
		}
		flipped, err := transactionStore.MarkPurchase(ctx, transactionUID, PurchaseStatusPending, target, completedAt)
		if err != nil {
			return err
		}
		if !flipped {
			result = ResultAlreadyReconciled
			return nil
		}
		if target != PurchaseStatusCompleted {
			result = ResultFailed
			return nil
		}
		credited, err := transactionStore.CreditPurchasedTokens(ctx, purchase.UserID, purchase.TokensRequested)
		if err != nil {
			return err
		}
		if !credited {
			return fmt.Errorf("credit rejected for account %q", purchase.UserID)
		}
		result = ResultCredited
		return nil
	})
	if operationError != nil {
		if isNotFound(operationError) {
			return ResultNotFound, nil
		}
		return "", operationError
	}
	return result, nil
}

func (outcome Outcome) terminalStatus() (PurchaseStatus, error) {
	switch outcome {
	case OutcomeCompleted:
		return PurchaseStatusCompleted, nil
	case OutcomeFailed:
		return PurchaseStatusFailed, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
}

// Sweeper expires stale pending purchases. The status guard is the same
// one Reconcile uses, so a completed row can never be overwritten with
// expired.
type Sweeper struct {
	store   Store
	pricing *PricingHolder
	nowFn   func() int64
}

// NewSweeper wires a Sweeper.
func NewSweeper(store Store, pricing *PricingHolder, now func() int64) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidFactoryConfig)
	}
	if pricing == nil {
		return nil, fmt.Errorf("%w: pricing dependency is nil", ErrInvalidFactoryConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidFactoryConfig)
	}
	return &Sweeper{store: store, pricing: pricing, nowFn: now}, nil
}

// ExpirePending moves pending purchases older than the configured
// window to expired and reports how many rows it touched.
func (sweeper *Sweeper) ExpirePending(ctx context.Context) (int64, error) {
	cutoff := sweeper.nowFn() - int64(sweeper.pricing.Current().PurchaseExpiry.Seconds())
	return sweeper.store.ExpirePendingBefore(ctx, cutoff)
}
