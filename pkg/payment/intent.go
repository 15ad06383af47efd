package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/quickmark/tokenledger/pkg/tokens"
)

// IntentFactory creates pending purchase rows and the matching gateway
// payloads. Insertion and the external gateway call are deliberately
// not atomic: a pending row with no live gateway transaction is swept
// to expired later.
type IntentFactory struct {
	store   Store
	uids    *TxIDFactory
	pricing *PricingHolder
	nowFn   func() int64
}

// NewIntentFactory wires an IntentFactory.
func NewIntentFactory(store Store, uids *TxIDFactory, pricing *PricingHolder, now func() int64) (*IntentFactory, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidFactoryConfig)
	}
	if uids == nil {
		return nil, fmt.Errorf("%w: uid factory dependency is nil", ErrInvalidFactoryConfig)
	}
	if pricing == nil {
		return nil, fmt.Errorf("%w: pricing dependency is nil", ErrInvalidFactoryConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidFactoryConfig)
	}
	return &IntentFactory{store: store, uids: uids, pricing: pricing, nowFn: now}, nil
}

// Create prices the request against the current snapshot, converts it
// to the provider's settlement currency, and inserts a pending Purchase
// keyed by a fresh transaction UID. The conversion result and unit
// price are snapshotted into the row so later pricing or rate edits
// never change this purchase's settlement amount.
func (factory *IntentFactory) Create(ctx context.Context, userID tokens.UserID, requested tokens.TokenCount, provider Provider, phone PhoneNumber) (Purchase, GatewayRequest, error) {
	pricing := factory.pricing.Current()
	baseAmount := requested.Int64() * pricing.UnitPriceCents
	conversion, err := Convert(baseAmount, provider)
	if err != nil {
		return Purchase{}, GatewayRequest{}, err
	}

	purchase := Purchase{
		UserID:          userID.String(),
		TokensRequested: requested.Int64(),
		LocalAmount:     conversion.LocalAmount,
		LocalCurrency:   conversion.LocalCurrency,
		Provider:        provider.String(),
		Status:          PurchaseStatusPending,
		CreatedUnixUTC:  factory.nowFn(),
	}

	// One retry on constraint violation; the unique index is the
	// authority when the existence check races another insert.
	for attempt := 0; attempt < 2; attempt++ {
		uid, err := factory.uids.Generate(ctx, userID, provider)
		if err != nil {
			return Purchase{}, GatewayRequest{}, err
		}
		purchase.TransactionUID = uid
		insertErr := factory.store.InsertPurchase(ctx, purchase)
		if insertErr == nil {
			break
		}
		if errors.Is(insertErr, ErrDuplicateTransactionUID) && attempt == 0 {
			continue
		}
		return Purchase{}, GatewayRequest{}, insertErr
	}

	request := GatewayRequest{
		TransactionUID: purchase.TransactionUID,
		Provider:       provider.String(),
		Phone:          phone.String(),
		LocalAmount:    conversion.LocalAmount,
		LocalCurrency:  conversion.LocalCurrency,
		Country:        conversion.Country,
		Telecom:        conversion.Telecom,
		AccountRef:     userID.String(),
	}
	return purchase, request, nil
}
