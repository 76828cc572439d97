package settlement

import (
	"errors"
	"testing"

	"pgregory.net/rapid"

	"github.com/uhyunpark/batchex/pkg/num"
)

// fill returns buy volumes for a fraction f/10000 of the scenario orders that
// keeps asset 1 exactly conserved at prices [1, 2].
func fill(f uint64) (*num.Uint, *num.Uint) {
	buy1 := num.Zero().Mul(num.NewUint(f), u("1000000000000000"))
	buy2 := num.Zero().Mul(num.NewUint(f), u("1998000000000000"))
	return buy1, buy2
}

func TestPropertySubmissionSequence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sc, err := newScenario()
		if err != nil {
			t.Fatalf("scenario: %v", err)
		}
		fills := rapid.SliceOfN(rapid.Uint64Range(1, 10000), 1, 8).Draw(t, "fills")

		var last *num.Uint
		for i, f := range fills {
			buy1, buy2 := fill(f)
			by := solver
			if i%2 == 1 {
				by = solver2
			}
			sol, err := sc.engine.Submit(trade(by, num.MaxUint128(), buy1, buy2))
			switch {
			case err == nil:
				if last != nil {
					ok, _ := improves(sol.Objective, last, 100)
					if !ok {
						t.Fatalf("objective %s accepted over %s", sol.Objective, last)
					}
				}
				last = sol.Objective
			case errors.Is(err, ErrInsufficientImprovement),
				errors.Is(err, ErrLimitPriceViolated),
				errors.Is(err, ErrBelowMinimum):
			default:
				t.Fatalf("fill %d: unexpected error %v", f, err)
			}

			// asset 1 only moves between the two traders
			held := num.Sum(sc.ledger.Balance(user0, 1), sc.ledger.Balance(user1, 1))
			if !held.EQ(sellOrder2) {
				t.Fatalf("asset 1 not conserved: %s", held)
			}

			// asset 0 held plus the burnt half of the surplus equals what was deposited
			held = num.Sum(sc.ledger.Balance(user0, 0), sc.ledger.Balance(user1, 0),
				sc.ledger.Balance(solver, 0), sc.ledger.Balance(solver2, 0))
			burnt := num.Zero()
			if latest, ok := sc.engine.Latest(); ok {
				surplus := num.Zero().Sub(latest.Trades[0].ExecutedSell, latest.Trades[1].ExecutedBuy)
				burnt.Sub(surplus, latest.FeeReward)
			}
			if !num.Sum(held, burnt).EQ(sellOrder1) {
				t.Fatalf("asset 0 not conserved: held %s burnt %s", held, burnt)
			}

			for _, owner := range sc.book.Owners() {
				for _, o := range sc.book.Orders(owner) {
					if o.UsedAmount.GT(o.PriceDenominator) {
						t.Fatalf("order of %s overused: %s > %s", owner.Hex(), o.UsedAmount, o.PriceDenominator)
					}
				}
			}
		}
	})
}

func TestPropertyExecutedSellNeverBelowValue(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		buy := num.NewUint(rapid.Uint64Range(10000, 1<<62).Draw(t, "buy"))
		pBuy := num.NewUint(rapid.Uint64Range(10000, 1<<62).Draw(t, "pBuy"))
		pSell := num.NewUint(rapid.Uint64Range(10000, 1<<62).Draw(t, "pSell"))

		sell, err := executedSellAmount(buy, pBuy, pSell, 1000)
		if err != nil {
			t.Fatalf("executed sell: %v", err)
		}
		// the seller always pays at least the fee-free value, give or take rounding
		value := num.Zero().Mul(buy, pBuy)
		paid := num.Zero().Mul(num.Zero().Add(sell, num.NewUint(2)), pSell)
		if paid.LT(value) {
			t.Fatalf("sell %s at %s pays less than %s at %s", sell, pSell, buy, pBuy)
		}
	})
}
