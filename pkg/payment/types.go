package payment

import (
	"context"
	"fmt"
	"strings"
)

// PurchaseStatus defines the purchase lifecycle. pending is the only
// non-terminal state; completed, failed, and expired are terminal.
type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"
	PurchaseStatusCompleted PurchaseStatus = "completed"
	PurchaseStatusFailed    PurchaseStatus = "failed"
	PurchaseStatusExpired   PurchaseStatus = "expired"
)

// ParsePurchaseStatus validates a raw status string.
func ParsePurchaseStatus(raw string) (PurchaseStatus, error) {
	switch PurchaseStatus(raw) {
	case PurchaseStatusPending, PurchaseStatusCompleted, PurchaseStatusFailed, PurchaseStatusExpired:
		return PurchaseStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPurchaseStatus, raw)
}

// String returns the status value.
func (status PurchaseStatus) String() string {
	return string(status)
}

// Outcome is the terminal signal delivered by the gateway.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// ParseOutcome validates a raw outcome string.
func ParseOutcome(raw string) (Outcome, error) {
	switch Outcome(strings.ToLower(strings.TrimSpace(raw))) {
	case OutcomeCompleted:
		return OutcomeCompleted, nil
	case OutcomeFailed:
		return OutcomeFailed, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, raw)
}

// PhoneNumber is the subscriber number the gateway pushes to.
type PhoneNumber struct {
	value string
}

// NewPhoneNumber validates and normalizes a phone number.
func NewPhoneNumber(raw string) (PhoneNumber, error) {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) < 10 {
		return PhoneNumber{}, fmt.Errorf("%w: too short", ErrInvalidPhoneNumber)
	}
	for _, char := range trimmed {
		if (char < '0' || char > '9') && char != '+' {
			return PhoneNumber{}, fmt.Errorf("%w: unexpected character", ErrInvalidPhoneNumber)
		}
	}
	return PhoneNumber{value: trimmed}, nil
}

// String returns the normalized number.
func (phone PhoneNumber) String() string {
	return phone.value
}

// Purchase is one token purchase correlated to a gateway payment by its
// transaction UID. Once completed it is immutable.
type Purchase struct {
	PurchaseID       string
	UserID           string
	TransactionUID   string
	TokensRequested  int64
	LocalAmount      int64
	LocalCurrency    string
	Provider         string
	Status           PurchaseStatus
	CreatedUnixUTC   int64
	CompletedUnixUTC int64
}

// GatewayRequest is the payload handed to the external gateway caller.
type GatewayRequest struct {
	TransactionUID string
	Provider       string
	Phone          string
	LocalAmount    int64
	LocalCurrency  string
	Country        string
	Telecom        string
	AccountRef     string
}

// ReconcileResult reports what a reconciliation call did.
type ReconcileResult string

const (
	ResultCredited          ReconcileResult = "credited"
	ResultFailed            ReconcileResult = "failed"
	ResultAlreadyReconciled ReconcileResult = "already_reconciled"
	ResultNotFound          ReconcileResult = "not_found"
)

// Store is the persistence contract used by the payment components.
// MarkPurchase and CreditPurchasedTokens are single conditional updates
// reporting whether the guard matched a row.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	InsertPurchase(ctx context.Context, purchase Purchase) error
	GetPurchase(ctx context.Context, transactionUID string) (Purchase, error)
	PurchaseExists(ctx context.Context, transactionUID string) (bool, error)
	MarkPurchase(ctx context.Context, transactionUID string, from, to PurchaseStatus, completedUnixUTC int64) (bool, error)
	CreditPurchasedTokens(ctx context.Context, userID string, tokenCount int64) (bool, error)
	ListPurchases(ctx context.Context, userID string, limit int) ([]Purchase, error)
	ExpirePendingBefore(ctx context.Context, cutoffUnixUTC int64) (int64, error)
}
