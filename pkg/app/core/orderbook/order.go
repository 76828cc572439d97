package orderbook

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/batchex/pkg/app/core/asset"
	"github.com/uhyunpark/batchex/pkg/app/core/batch"
	"github.com/uhyunpark/batchex/pkg/num"
)

// OrderID is the index of an order within its owner's list. Ids are never reused.
type OrderID uint32

// Ref names one order.
type Ref struct {
	Owner common.Address `json:"owner"`
	ID    OrderID        `json:"orderId"`
}

// Limit is the cap on an order's cumulative executed sell amount.
// It is either Limited or Unlimited.
type Limit interface {
	isLimit()
}

// Limited orders track UsedAmount against Cap.
type Limited struct{ Cap *num.Uint }

// Unlimited orders never exhaust and never record UsedAmount.
type Unlimited struct{}

func (Limited) isLimit()   {}
func (Unlimited) isLimit() {}

// Order is a standing limit order: sell up to PriceDenominator of SellAsset at a
// rate of at least PriceNumerator/PriceDenominator units of BuyAsset.
//
// A reclaimed order is kept as a tombstone with Freed set and every other field zero.
type Order struct {
	BuyAsset         asset.ID  `json:"buyAsset"`
	SellAsset        asset.ID  `json:"sellAsset"`
	ValidFrom        batch.ID  `json:"validFrom"`
	ValidUntil       batch.ID  `json:"validUntil"`
	PriceNumerator   *num.Uint `json:"priceNumerator"`
	PriceDenominator *num.Uint `json:"priceDenominator"`
	UsedAmount       *num.Uint `json:"usedAmount"`
	Freed            bool      `json:"freed,omitempty"`
}

func tombstone() *Order {
	return &Order{
		PriceNumerator:   num.Zero(),
		PriceDenominator: num.Zero(),
		UsedAmount:       num.Zero(),
		Freed:            true,
	}
}

// Limit reports the order's sell cap. A denominator of 2^128-1 marks an
// unlimited order.
func (o *Order) Limit() Limit {
	if o.PriceDenominator.IsMaxUint128() {
		return Unlimited{}
	}
	return Limited{Cap: o.PriceDenominator}
}

// ValidAt reports whether the order may be matched in batch b.
func (o *Order) ValidAt(b batch.ID) bool {
	return !o.Freed && o.ValidFrom <= b && b <= o.ValidUntil
}

// Remaining is the sell amount still available.
func (o *Order) Remaining() *num.Uint {
	rest, neg := num.Zero().SubOverflow(o.PriceDenominator, o.UsedAmount)
	if neg {
		return num.Zero()
	}
	return rest
}

func (o *Order) Clone() *Order {
	c := *o
	c.PriceNumerator = o.PriceNumerator.Clone()
	c.PriceDenominator = o.PriceDenominator.Clone()
	c.UsedAmount = o.UsedAmount.Clone()
	return &c
}

// Request describes an order to place.
type Request struct {
	BuyAsset   asset.ID  `json:"buyAsset"`
	SellAsset  asset.ID  `json:"sellAsset"`
	ValidFrom  batch.ID  `json:"validFrom"`
	ValidUntil batch.ID  `json:"validUntil"`
	BuyAmount  *num.Uint `json:"buyAmount"`
	SellAmount *num.Uint `json:"sellAmount"`
}
