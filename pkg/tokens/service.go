package tokens

import (
	"context"
	"fmt"
)

// Service contains the ledger domain logic over a Store.
type Service struct {
	store       Store
	nowFn       func() int64
	unitPriceFn func() int64
	logger      OperationLogger
}

// NewService wires a Service. The unit price source is read at call
// time so pricing snapshot replacement takes effect without restarts.
func NewService(store Store, now func() int64, unitPrice func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if unitPrice == nil {
		return nil, fmt.Errorf("%w: unit price dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, unitPriceFn: unitPrice}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the current balance view, creating the account lazily.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	account, err := service.store.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		Tokens:         account.Balance,
		TotalPurchased: account.TotalPurchased,
		TotalUsed:      account.TotalUsed,
	}, nil
}

// CheckGeneration is the pre-flight gate before metered work starts.
// The balance read is advisory, not a reservation: two callers can both
// see Sufficient on the same balance and the loser is caught by the
// atomic debit in CommitDebit.
func (service *Service) CheckGeneration(ctx context.Context, userID UserID, requiredUnits int64) (GateResult, error) {
	if requiredUnits <= 0 {
		return GateResult{}, fmt.Errorf("%w: %d units requested", ErrEmptyWorkload, requiredUnits)
	}
	account, err := service.store.GetOrCreateAccount(ctx, userID)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationCheck, UserID: userID, Tokens: TokenAmount(requiredUnits), Error: err})
		return GateResult{}, err
	}
	result := GateResult{
		Required:  TokenAmount(requiredUnits),
		Available: account.Balance,
		UnitPrice: service.unitPriceFn(),
	}
	if account.Balance >= TokenAmount(requiredUnits) {
		result.Sufficient = true
	} else {
		result.Missing = TokenAmount(requiredUnits) - account.Balance
		result.Cost = int64(result.Missing) * result.UnitPrice
	}
	service.logOperation(ctx, OperationLog{Operation: operationCheck, UserID: userID, Tokens: TokenAmount(requiredUnits)})
	return result, nil
}

// CommitDebit converts units actually produced into an atomic ledger
// debit and appends the usage record in the same transaction. A zero-row
// conditional update means a concurrent debit won the race since the
// pre-flight check; the caller must not bill those units.
func (service *Service) CommitDebit(ctx context.Context, userID UserID, produced TokenCount, tag OperationTag) (Balance, error) {
	var balance Balance
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateAccount(ctx, userID); err != nil {
			return err
		}
		debited, err := transactionStore.DebitBalance(ctx, userID, produced)
		if err != nil {
			return err
		}
		if !debited {
			account, getErr := transactionStore.GetAccount(ctx, userID)
			if getErr != nil {
				return getErr
			}
			if account.Frozen {
				return ErrAccountFrozen
			}
			return fmt.Errorf("%w: need %d, have %d", ErrInsufficientAtCommit, produced.Int64(), account.Balance)
		}
		record := UsageRecord{
			UserID:         userID.String(),
			Operation:      tag.String(),
			TokensUsed:     produced.ToTokenAmount(),
			CreatedUnixUTC: service.nowFn(),
		}
		if err := transactionStore.InsertUsage(ctx, record); err != nil {
			return err
		}
		account, err := transactionStore.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		balance = Balance{
			Tokens:         account.Balance,
			TotalPurchased: account.TotalPurchased,
			TotalUsed:      account.TotalUsed,
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCommit,
		UserID:    userID,
		Tokens:    produced.ToTokenAmount(),
		Tag:       tag.String(),
		Error:     operationError,
	})
	if operationError != nil {
		return Balance{}, operationError
	}
	return balance, nil
}

// Grant credits tokens outside the purchase flow (welcome bonus, admin
// adjustment). Grants count as purchased so the balance invariant holds.
func (service *Service) Grant(ctx context.Context, userID UserID, amount TokenCount, reason string) (Balance, error) {
	var balance Balance
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateAccount(ctx, userID); err != nil {
			return err
		}
		credited, err := transactionStore.CreditBalance(ctx, userID, amount)
		if err != nil {
			return err
		}
		if !credited {
			return ErrAccountFrozen
		}
		account, err := transactionStore.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		balance = Balance{
			Tokens:         account.Balance,
			TotalPurchased: account.TotalPurchased,
			TotalUsed:      account.TotalUsed,
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationGrant,
		UserID:    userID,
		Tokens:    amount.ToTokenAmount(),
		Tag:       reason,
		Error:     operationError,
	})
	if operationError != nil {
		return Balance{}, operationError
	}
	return balance, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
