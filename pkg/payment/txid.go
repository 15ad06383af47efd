package payment

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/quickmark/tokenledger/pkg/tokens"
)

const (
	uidPrefix      = "TKN"
	uidMaxAttempts = 10
	uidRandomBytes = 16
	uidHashLength  = 8
)

// UIDChecker answers whether a candidate transaction UID is taken.
type UIDChecker interface {
	PurchaseExists(ctx context.Context, transactionUID string) (bool, error)
}

// TxIDFactory generates collision-resistant external transaction UIDs.
// The pre-insert existence check is an optimization; the unique
// constraint on purchases.transaction_uid is the correctness mechanism.
type TxIDFactory struct {
	checker   UIDChecker
	nowMicros func() int64
	fallback  atomic.Uint64
}

// NewTxIDFactory wires a factory.
func NewTxIDFactory(checker UIDChecker, nowMicros func() int64) (*TxIDFactory, error) {
	if checker == nil {
		return nil, fmt.Errorf("%w: uid checker dependency is nil", ErrInvalidFactoryConfig)
	}
	if nowMicros == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidFactoryConfig)
	}
	return &TxIDFactory{checker: checker, nowMicros: nowMicros}, nil
}

// Generate produces a UID absent from the purchase table at generation
// time. After uidMaxAttempts colliding candidates it switches to a
// compound id carrying a monotonic counter, so the loop terminates even
// under adversarial collisions.
func (factory *TxIDFactory) Generate(ctx context.Context, userID tokens.UserID, provider Provider) (string, error) {
	for attempt := 0; attempt < uidMaxAttempts; attempt++ {
		candidate, err := factory.compose(userID, provider, 0)
		if err != nil {
			return "", err
		}
		exists, err := factory.checker.PurchaseExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return factory.compose(userID, provider, factory.fallback.Add(1))
}

func (factory *TxIDFactory) compose(userID tokens.UserID, provider Provider, counter uint64) (string, error) {
	var random [uidRandomBytes]byte
	if _, err := rand.Read(random[:]); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	micros := factory.nowMicros()
	seed := fmt.Sprintf("%s|%s|%d|%x|%d", userID.String(), provider, micros, random, counter)
	digest := sha256.Sum256([]byte(seed))
	suffix := hex.EncodeToString(digest[:])[:uidHashLength]
	if counter > 0 {
		return fmt.Sprintf("%s-%d-%x-C%d-%s", uidPrefix, micros, random, counter, suffix), nil
	}
	return fmt.Sprintf("%s-%d-%x-%s", uidPrefix, micros, random, suffix), nil
}
