package tokens

import (
	"context"
	"fmt"
)

// ListUsage lists usage records for a user before a cutoff time.
func (service *Service) ListUsage(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]UsageRecord, error) {
	if _, err := service.store.GetOrCreateAccount(ctx, userID); err != nil {
		return nil, err
	}
	return service.store.ListUsage(ctx, userID, beforeUnixUTC, limit)
}

// AuditAccount recomputes total usage from the append-only trail and
// checks the money invariants. A violation means a write bypassed the
// atomic-update discipline; the account is frozen pending manual audit
// and ErrLedgerCorrupted is returned.
func (service *Service) AuditAccount(ctx context.Context, userID UserID) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		usedSum, err := transactionStore.SumUsage(ctx, userID)
		if err != nil {
			return err
		}
		if violation := describeViolation(account, usedSum); violation != "" {
			if err := transactionStore.FreezeAccount(ctx, userID); err != nil {
				return err
			}
			return fmt.Errorf("%w: %s", ErrLedgerCorrupted, violation)
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{Operation: operationAudit, UserID: userID, Error: operationError})
	return operationError
}

func describeViolation(account Account, usedSum TokenAmount) string {
	if account.Balance < 0 {
		return fmt.Sprintf("negative balance %d", account.Balance)
	}
	if account.Balance != account.TotalPurchased-account.TotalUsed {
		return fmt.Sprintf("balance %d != purchased %d - used %d", account.Balance, account.TotalPurchased, account.TotalUsed)
	}
	if usedSum != account.TotalUsed {
		return fmt.Sprintf("usage sum %d != total used %d", usedSum, account.TotalUsed)
	}
	return ""
}
