package payment

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Pricing is an immutable pricing snapshot. Admin changes replace the
// whole snapshot; fields are never mutated in place.
type Pricing struct {
	UnitPriceCents int64
	PurchaseExpiry time.Duration
}

// NewPricing validates a pricing snapshot.
func NewPricing(unitPriceCents int64, purchaseExpiry time.Duration) (Pricing, error) {
	if unitPriceCents <= 0 {
		return Pricing{}, fmt.Errorf("%w: unit price %d", ErrInvalidPricing, unitPriceCents)
	}
	if purchaseExpiry <= 0 {
		return Pricing{}, fmt.Errorf("%w: purchase expiry %s", ErrInvalidPricing, purchaseExpiry)
	}
	return Pricing{UnitPriceCents: unitPriceCents, PurchaseExpiry: purchaseExpiry}, nil
}

// PricingHolder publishes the current snapshot to concurrent readers.
type PricingHolder struct {
	current atomic.Pointer[Pricing]
}

// NewPricingHolder seeds a holder with the initial snapshot.
func NewPricingHolder(initial Pricing) *PricingHolder {
	holder := &PricingHolder{}
	holder.current.Store(&initial)
	return holder
}

// Current returns the live snapshot.
func (holder *PricingHolder) Current() Pricing {
	return *holder.current.Load()
}

// Replace swaps in a new snapshot atomically.
func (holder *PricingHolder) Replace(next Pricing) {
	holder.current.Store(&next)
}

// UnitPrice reads the current unit price; shaped as a plain func so the
// token service can take it as its price source.
func (holder *PricingHolder) UnitPrice() int64 {
	return holder.current.Load().UnitPriceCents
}
