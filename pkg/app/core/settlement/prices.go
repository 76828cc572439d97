package settlement

import (
	"fmt"

	"github.com/uhyunpark/batchex/pkg/app/core/asset"
	"github.com/uhyunpark/batchex/pkg/num"
)

// PriceVector is a clearing price per asset. The fee asset always reports the
// fixed unit price and can never be set by a solver.
type PriceVector struct {
	fee    *num.Uint
	ids    []asset.ID
	prices []*num.Uint
}

// NewPriceVector validates solver-supplied prices. ids must be strictly
// increasing and exclude the fee asset; every price must be at least minimum.
func NewPriceVector(fee *num.Uint, ids []asset.ID, prices []*num.Uint, minimum *num.Uint) (PriceVector, error) {
	if len(ids) != len(prices) {
		return PriceVector{}, fmt.Errorf("%w: %d price ids, %d prices", ErrShapeMismatch, len(ids), len(prices))
	}
	for i, id := range ids {
		if id == asset.FeeID {
			return PriceVector{}, ErrFeePriceGiven
		}
		if i > 0 && ids[i-1] >= id {
			return PriceVector{}, fmt.Errorf("%w: %d after %d", ErrPriceOrdering, id, ids[i-1])
		}
		p := prices[i]
		if p == nil {
			return PriceVector{}, fmt.Errorf("%w: asset %d", ErrPriceMissing, id)
		}
		if !p.FitsUint128() {
			return PriceVector{}, fmt.Errorf("%w: price of asset %d", ErrOverflow, id)
		}
		if p.LT(minimum) {
			return PriceVector{}, fmt.Errorf("%w: asset %d priced %s", ErrPriceTooLow, id, p)
		}
	}
	pv := PriceVector{
		fee:    fee.Clone(),
		ids:    append([]asset.ID(nil), ids...),
		prices: make([]*num.Uint, len(prices)),
	}
	for i, p := range prices {
		pv.prices[i] = p.Clone()
	}
	return pv, nil
}

// Price returns the price of id. ok is false when no price was supplied.
func (pv PriceVector) Price(id asset.ID) (*num.Uint, bool) {
	if id == asset.FeeID {
		return pv.fee, true
	}
	lo, hi := 0, len(pv.ids)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case pv.ids[mid] == id:
			return pv.prices[mid], true
		case pv.ids[mid] < id:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return nil, false
}

// IDs are the assets priced by the solver, in increasing order.
func (pv PriceVector) IDs() []asset.ID {
	return append([]asset.ID(nil), pv.ids...)
}

func (pv PriceVector) Prices() []*num.Uint {
	out := make([]*num.Uint, len(pv.prices))
	for i, p := range pv.prices {
		out[i] = p.Clone()
	}
	return out
}
