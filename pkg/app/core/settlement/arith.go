package settlement

import (
	"fmt"

	"github.com/uhyunpark/batchex/pkg/num"
)

// All formulas below truncate after every division, in exactly the order
// written. Changing the order changes results by a unit and breaks the
// improvement boundary.

func mul(x, y *num.Uint) (*num.Uint, error) {
	z, overflow := num.Zero().MulOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s", ErrOverflow, x, y)
	}
	return z, nil
}

func add(x, y *num.Uint) (*num.Uint, error) {
	z, overflow := num.Zero().AddOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("%w: %s + %s", ErrOverflow, x, y)
	}
	return z, nil
}

// executedSellAmount is buy * pBuy / (fd-1) * fd / pSell. The 1/fd trade fee is
// taken from the seller.
func executedSellAmount(buy, pBuy, pSell *num.Uint, fd uint64) (*num.Uint, error) {
	v, err := mul(buy, pBuy)
	if err != nil {
		return nil, err
	}
	v.Div(v, num.NewUint(fd-1))
	if v, err = mul(v, num.NewUint(fd)); err != nil {
		return nil, err
	}
	v.Div(v, pSell)
	if !v.FitsUint128() {
		return nil, fmt.Errorf("%w: executed sell %s", ErrOverflow, v)
	}
	return v, nil
}

// respectsLimit reports sell/buy <= den/num, i.e. sell*num <= buy*den.
func respectsLimit(buy, sell, numerator, denominator *num.Uint) (bool, error) {
	lhs, err := mul(sell, numerator)
	if err != nil {
		return false, err
	}
	rhs, err := mul(buy, denominator)
	if err != nil {
		return false, err
	}
	return lhs.LTE(rhs), nil
}

// utility is (buy - sell*num/den)*pBuy - ((sell*num) mod den)*pBuy/den:
// the surplus the order gets over its limit, valued at the clearing price.
func utility(buy, sell, numerator, denominator, pBuy *num.Uint) (*num.Uint, error) {
	sellTimesNum, err := mul(sell, numerator)
	if err != nil {
		return nil, err
	}
	owed := num.Zero().Div(sellTimesNum, denominator)
	surplus, neg := num.Zero().SubOverflow(buy, owed)
	if neg {
		return nil, fmt.Errorf("%w: buys %s, limit requires %s", ErrNegativeUtility, buy, owed)
	}
	rounded, err := mul(surplus, pBuy)
	if err != nil {
		return nil, err
	}
	remainder := num.Zero().Mod(sellTimesNum, denominator)
	roundingError, err := mul(remainder, pBuy)
	if err != nil {
		return nil, err
	}
	roundingError.Div(roundingError, denominator)

	u, neg := num.Zero().SubOverflow(rounded, roundingError)
	if neg {
		return nil, fmt.Errorf("%w: rounding error %s exceeds %s", ErrNegativeUtility, roundingError, rounded)
	}
	return u, nil
}

// disregardedUtility is leftover * max(0, pSell*den - num*pBuy*fd/(fd-1)) / den:
// the utility the unfilled part of an order would have had at these prices.
func disregardedUtility(leftover, numerator, denominator, pBuy, pSell *num.Uint, fd uint64) (*num.Uint, error) {
	left, err := mul(pSell, denominator)
	if err != nil {
		return nil, err
	}
	right, err := mul(numerator, pBuy)
	if err != nil {
		return nil, err
	}
	if right, err = mul(right, num.NewUint(fd)); err != nil {
		return nil, err
	}
	right.Div(right, num.NewUint(fd-1))

	limitTerm, neg := num.Zero().SubOverflow(left, right)
	if neg {
		return num.Zero(), nil
	}
	d, err := mul(leftover, limitTerm)
	if err != nil {
		return nil, err
	}
	return d.Div(d, denominator), nil
}

// improves reports next*den > current*(den+1).
func improves(next, current *num.Uint, den uint64) (bool, error) {
	lhs, err := mul(next, num.NewUint(den))
	if err != nil {
		return false, err
	}
	rhs, err := mul(current, num.NewUint(den+1))
	if err != nil {
		return false, err
	}
	return lhs.GT(rhs), nil
}
