package tokens

import (
	"context"
	"fmt"
	"strings"
)

// TokenAmount is an integer number of prepaid tokens.
type TokenAmount int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// OperationTag labels the metered operation a debit paid for.
type OperationTag struct {
	value string
}

// TokenCount is a strictly positive token amount.
type TokenCount struct {
	value int64
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewOperationTag validates and normalizes an operation tag.
func NewOperationTag(raw string) (OperationTag, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OperationTag{}, fmt.Errorf("%w: empty value", ErrInvalidOperationTag)
	}
	return OperationTag{value: trimmed}, nil
}

// String returns the normalized tag.
func (tag OperationTag) String() string {
	return tag.value
}

// NewTokenCount validates a token count and ensures it is strictly positive.
func NewTokenCount(raw int64) (TokenCount, error) {
	if raw <= 0 {
		return TokenCount{}, fmt.Errorf("%w: must be greater than zero", ErrEmptyWorkload)
	}
	return TokenCount{value: raw}, nil
}

// Int64 returns the raw count.
func (count TokenCount) Int64() int64 {
	return count.value
}

// ToTokenAmount converts the count to a signed amount.
func (count TokenCount) ToTokenAmount() TokenAmount {
	return TokenAmount(count.value)
}

// Account is the durable per-user ledger row.
// Invariant: Balance == TotalPurchased - TotalUsed and Balance >= 0.
type Account struct {
	UserID         string
	Balance        TokenAmount
	TotalPurchased TokenAmount
	TotalUsed      TokenAmount
	Frozen         bool
	UpdatedUnixUTC int64
}

// Balance view for an account.
type Balance struct {
	Tokens         TokenAmount
	TotalPurchased TokenAmount
	TotalUsed      TokenAmount
}

// UsageRecord is one immutable line of the usage audit trail.
type UsageRecord struct {
	UsageID        string
	UserID         string
	Operation      string
	TokensUsed     TokenAmount
	MetadataJSON   string
	CreatedUnixUTC int64
}

// GateResult is the outcome of the pre-flight generation check.
// The read behind it is advisory: a Sufficient result is not a
// reservation, concurrent debits resolve at commit time.
type GateResult struct {
	Sufficient bool
	Required   TokenAmount
	Available  TokenAmount
	Missing    TokenAmount
	UnitPrice  int64
	Cost       int64
}

// Store is the persistence contract used by Service. All balance
// mutations go through single conditional updates; the store reports
// whether the guarded update matched a row.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, userID UserID) (Account, error)
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	DebitBalance(ctx context.Context, userID UserID, count TokenCount) (bool, error)
	CreditBalance(ctx context.Context, userID UserID, count TokenCount) (bool, error)
	FreezeAccount(ctx context.Context, userID UserID) error
	InsertUsage(ctx context.Context, record UsageRecord) error
	ListUsage(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]UsageRecord, error)
	SumUsage(ctx context.Context, userID UserID) (TokenAmount, error)
}
