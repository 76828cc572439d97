// Package settlement validates, scores and installs solver solutions for
// closed batches, undoing the previous best solution when a better one arrives.
package settlement

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/batchex/params"
	"github.com/uhyunpark/batchex/pkg/app/core/asset"
	"github.com/uhyunpark/batchex/pkg/app/core/batch"
	"github.com/uhyunpark/batchex/pkg/app/core/ledger"
	"github.com/uhyunpark/batchex/pkg/app/core/orderbook"
	"github.com/uhyunpark/batchex/pkg/num"
	"github.com/uhyunpark/batchex/pkg/util"
)

type Config struct {
	SolutionWindow         time.Duration
	FeeDenominator         uint64
	ImprovementDenominator uint64
	MaxTouchedOrders       int
	AmountMinimum          *num.Uint
	FeeTokenPrice          *num.Uint
}

func ConfigFrom(s params.Settlement) Config {
	return Config{
		SolutionWindow:         s.SolutionWindow,
		FeeDenominator:         s.FeeDenominator,
		ImprovementDenominator: s.ImprovementDenominator,
		MaxTouchedOrders:       s.MaxTouchedOrders,
		AmountMinimum:          num.NewUint(s.AmountMinimum),
		FeeTokenPrice:          num.NewUint(s.FeeTokenPrice),
	}
}

// Writer is one atomic write. Nothing it receives is durable before Commit.
type Writer interface {
	ledger.Store
	orderbook.Store
	SaveSolution(s *Solution) error
	Commit() error
	Close() error
}

type Store interface {
	NewBatch() Writer
}

type nopWriter struct{}

func (nopWriter) SaveBalance(ledger.Key, *ledger.Balance) error                       { return nil }
func (nopWriter) SaveOrder(common.Address, orderbook.OrderID, *orderbook.Order) error { return nil }
func (nopWriter) SaveOwner(uint32, common.Address) error                              { return nil }
func (nopWriter) SaveSolution(*Solution) error                                        { return nil }
func (nopWriter) Commit() error                                                       { return nil }
func (nopWriter) Close() error                                                        { return nil }

type nopStore struct{}

func (nopStore) NewBatch() Writer { return nopWriter{} }

// Engine holds at most one incumbent solution, for the most recent batch that
// received one. Submit must not be called concurrently with itself or with
// other ledger or order book writers.
type Engine struct {
	cfg    Config
	clock  *batch.Clock
	ledger *ledger.Ledger
	book   *orderbook.Book
	store  Store
	log    *zap.SugaredLogger

	mu        sync.RWMutex
	incumbent *Solution
}

func New(cfg Config, clock *batch.Clock, l *ledger.Ledger, book *orderbook.Book, store Store, log *zap.SugaredLogger) *Engine {
	if store == nil {
		store = nopStore{}
	}
	if log == nil {
		log = util.NopSugar()
	}
	return &Engine{
		cfg:    cfg,
		clock:  clock,
		ledger: l,
		book:   book,
		store:  store,
		log:    log,
	}
}

// Restore installs a persisted incumbent at startup.
func (e *Engine) Restore(s *Solution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.incumbent = s
}

// incumbentFor returns the solution for b, if any.
func (e *Engine) incumbentFor(b batch.ID) *Solution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.incumbent != nil && e.incumbent.BatchID == b {
		return e.incumbent
	}
	return nil
}

// AcceptingSolutions reports whether Submit may target b right now.
func (e *Engine) AcceptingSolutions(b batch.ID) bool {
	return uint64(e.clock.Current()) == uint64(b)+1 && e.clock.Elapsed() <= e.cfg.SolutionWindow
}

// State reports the lifecycle state of batch b.
func (e *Engine) State(b batch.ID) State {
	current := uint64(e.clock.Current())
	switch {
	case uint64(b) >= current:
		return NoSolution
	case !e.AcceptingSolutions(b):
		return Finalized
	case e.incumbentFor(b) != nil:
		return HasSolution
	default:
		return NoSolution
	}
}

// CurrentObjective is the objective of b's incumbent, or zero.
func (e *Engine) CurrentObjective(b batch.ID) *num.Uint {
	if s := e.incumbentFor(b); s != nil {
		return s.Objective.Clone()
	}
	return num.Zero()
}

// Latest returns a copy of the most recently accepted solution.
func (e *Engine) Latest() (*Solution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.incumbent == nil {
		return nil, false
	}
	return e.incumbent.Clone(), true
}

// CurrentPrice returns the price of id in the latest accepted solution.
func (e *Engine) CurrentPrice(id asset.ID) (*num.Uint, bool) {
	if id == asset.FeeID {
		return e.cfg.FeeTokenPrice.Clone(), true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.incumbent == nil {
		return nil, false
	}
	for i, pid := range e.incumbent.PriceIDs {
		if pid == id {
			return e.incumbent.Prices[i].Clone(), true
		}
	}
	return nil, false
}

// executed is a validated trade of the submission being evaluated.
type executed struct {
	ref   orderbook.Ref
	order orderbook.Order
	buy   *num.Uint
	sell  *num.Uint
	pBuy  *num.Uint
	pSell *num.Uint

	disregarded *num.Uint
}

// Submit evaluates s against the current incumbent for s.BatchID and installs
// it if it is valid and better. On any error nothing changes.
func (e *Engine) Submit(s Submission) (*Solution, error) {
	// window
	if !e.AcceptingSolutions(s.BatchID) {
		return nil, fmt.Errorf("%w: batch %d, current %d", ErrWindowClosed, s.BatchID, e.clock.Current())
	}
	if s.Solver == (common.Address{}) {
		return nil, ErrMissingSolver
	}
	claimed := s.ClaimedObjective
	if claimed == nil {
		claimed = num.Zero()
	}
	incumbent := e.incumbentFor(s.BatchID)
	if incumbent != nil {
		ok, err := improves(claimed, incumbent.Objective, e.cfg.ImprovementDenominator)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: claimed %s, current %s", ErrInsufficientImprovement, claimed, incumbent.Objective)
		}
	}

	// shape
	n := len(s.Owners)
	if len(s.OrderIDs) != n || len(s.BuyVolumes) != n {
		return nil, fmt.Errorf("%w: %d owners, %d order ids, %d volumes", ErrShapeMismatch, n, len(s.OrderIDs), len(s.BuyVolumes))
	}
	if n > e.cfg.MaxTouchedOrders {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyOrders, n, e.cfg.MaxTouchedOrders)
	}
	prices, err := NewPriceVector(e.cfg.FeeTokenPrice, s.PriceAssetIDs, s.Prices, e.cfg.AmountMinimum)
	if err != nil {
		return nil, err
	}
	for i, v := range s.BuyVolumes {
		if v == nil || !v.FitsUint128() {
			return nil, fmt.Errorf("%w: buy volume %d", ErrOverflow, i)
		}
	}

	lt := e.ledger.Begin()
	bt := e.book.Begin()
	if incumbent != nil {
		if err := revert(lt, bt, incumbent); err != nil {
			return nil, fmt.Errorf("revert solution of batch %d: %w", incumbent.BatchID, err)
		}
	}

	trades, cons, err := e.apply(lt, bt, s, prices)
	if err != nil {
		return nil, err
	}
	surplus, err := cons.check()
	if err != nil {
		return nil, err
	}

	objective, burnt, err := e.score(trades, surplus)
	if err != nil {
		return nil, err
	}
	if incumbent != nil {
		ok, err := improves(objective, incumbent.Objective, e.cfg.ImprovementDenominator)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: computed %s, current %s", ErrInsufficientImprovement, objective, incumbent.Objective)
		}
	}
	if !touchesFee(trades) {
		return nil, ErrFeeAssetUntouched
	}
	if err := lt.AddBalanceAndBlockWithdrawForThisBatch(s.Solver, asset.FeeID, burnt); err != nil {
		return nil, err
	}

	sol := &Solution{
		BatchID:   s.BatchID,
		Solver:    s.Solver,
		Objective: objective,
		FeeReward: burnt,
		Trades:    make([]Trade, len(trades)),
		PriceIDs:  prices.IDs(),
		Prices:    prices.Prices(),
	}
	for i, t := range trades {
		sol.Trades[i] = Trade{
			Owner:        t.ref.Owner,
			OrderID:      t.ref.ID,
			BuyAsset:     t.order.BuyAsset,
			SellAsset:    t.order.SellAsset,
			ExecutedBuy:  t.buy,
			ExecutedSell: t.sell,
		}
	}

	if err := e.commit(lt, bt, sol); err != nil {
		return nil, err
	}
	e.log.Infow("solution_accepted",
		"batch", sol.BatchID,
		"solver", sol.Solver.Hex(),
		"objective", sol.Objective.String(),
		"fee_reward", sol.FeeReward.String(),
		"trades", len(sol.Trades),
		"replaced", incumbent != nil,
	)
	return sol.Clone(), nil
}

// revert undoes an accepted solution on the staged state. Sellers are
// refunded before buyers are debited, so an account that bought and resold
// an asset within the solution never dips below zero.
func revert(lt *ledger.Tx, bt *orderbook.Tx, s *Solution) error {
	for _, t := range s.Trades {
		if err := lt.AddBalance(t.Owner, t.SellAsset, t.ExecutedSell); err != nil {
			return err
		}
	}
	for _, t := range s.Trades {
		if err := bt.SubUsed(orderbook.Ref{Owner: t.Owner, ID: t.OrderID}, t.ExecutedSell); err != nil {
			return err
		}
		if err := lt.SubtractBalance(t.Owner, t.BuyAsset, t.ExecutedBuy); err != nil {
			return err
		}
	}
	return lt.SubtractBalance(s.Solver, asset.FeeID, s.FeeReward)
}

// apply executes every touched order on the staged state. Buyers are all
// credited before any seller is debited.
func (e *Engine) apply(lt *ledger.Tx, bt *orderbook.Tx, s Submission, prices PriceVector) ([]executed, *conservation, error) {
	cons := newConservation()
	trades := make([]executed, 0, len(s.Owners))
	fd := e.cfg.FeeDenominator

	for i := range s.Owners {
		ref := orderbook.Ref{Owner: s.Owners[i], ID: s.OrderIDs[i]}
		o, err := bt.Order(ref)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrOrderInvalid, err)
		}
		if !o.ValidAt(s.BatchID) {
			return nil, nil, fmt.Errorf("%w: %s/%d valid %d..%d, batch %d", ErrOrderInvalid, ref.Owner.Hex(), ref.ID, o.ValidFrom, o.ValidUntil, s.BatchID)
		}
		pBuy, ok := prices.Price(o.BuyAsset)
		if !ok {
			return nil, nil, fmt.Errorf("%w: asset %d", ErrPriceMissing, o.BuyAsset)
		}
		pSell, ok := prices.Price(o.SellAsset)
		if !ok {
			return nil, nil, fmt.Errorf("%w: asset %d", ErrPriceMissing, o.SellAsset)
		}

		buy := s.BuyVolumes[i].Clone()
		sell, err := executedSellAmount(buy, pBuy, pSell, fd)
		if err != nil {
			return nil, nil, err
		}
		switch lim := o.Limit().(type) {
		case orderbook.Unlimited:
		case orderbook.Limited:
			used, err := add(o.UsedAmount, sell)
			if err != nil {
				return nil, nil, err
			}
			if used.GT(lim.Cap) {
				return nil, nil, fmt.Errorf("%w: %s/%d sells %s, %s left", ErrExceedsOrderAmount, ref.Owner.Hex(), ref.ID, sell, o.Remaining())
			}
		}
		ok, err = respectsLimit(buy, sell, o.PriceNumerator, o.PriceDenominator)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s/%d buys %s for %s", ErrLimitPriceViolated, ref.Owner.Hex(), ref.ID, buy, sell)
		}
		if buy.LT(e.cfg.AmountMinimum) || sell.LT(e.cfg.AmountMinimum) {
			return nil, nil, fmt.Errorf("%w: %s/%d buys %s for %s", ErrBelowMinimum, ref.Owner.Hex(), ref.ID, buy, sell)
		}

		if err := bt.AddUsed(ref, sell); err != nil {
			return nil, nil, err
		}
		if err := lt.AddBalanceAndBlockWithdrawForThisBatch(ref.Owner, o.BuyAsset, buy); err != nil {
			return nil, nil, err
		}
		if err := cons.trade(o.BuyAsset, o.SellAsset, buy, sell); err != nil {
			return nil, nil, err
		}
		trades = append(trades, executed{ref: ref, order: o, buy: buy, sell: sell, pBuy: pBuy, pSell: pSell})
	}

	// An order's unfilled part is measured right after its own debit.
	for i := range trades {
		t := &trades[i]
		if err := lt.SubtractBalance(t.ref.Owner, t.order.SellAsset, t.sell); err != nil {
			return nil, nil, err
		}
		d, err := e.disregarded(lt, bt, *t)
		if err != nil {
			return nil, nil, err
		}
		t.disregarded = d
	}
	return trades, cons, nil
}

// disregarded is the utility left on the table by the unfilled part of t,
// capped by what its owner can still sell.
func (e *Engine) disregarded(lt *ledger.Tx, bt *orderbook.Tx, t executed) (*num.Uint, error) {
	after, err := bt.Order(t.ref)
	if err != nil {
		return nil, err
	}
	leftover := num.Min(after.Remaining(), lt.Balance(t.ref.Owner, t.order.SellAsset))
	return disregardedUtility(leftover, t.order.PriceNumerator, t.order.PriceDenominator, t.pBuy, t.pSell, e.cfg.FeeDenominator)
}

// score returns Σutility - Σdisregarded + burnt and the burnt fee, which is
// half the fee asset surplus.
func (e *Engine) score(trades []executed, surplus *num.Uint) (*num.Uint, *num.Uint, error) {
	total := num.Zero()
	disregarded := num.Zero()
	for _, t := range trades {
		u, err := utility(t.buy, t.sell, t.order.PriceNumerator, t.order.PriceDenominator, t.pBuy)
		if err != nil {
			return nil, nil, fmt.Errorf("%s/%d: %w", t.ref.Owner.Hex(), t.ref.ID, err)
		}
		if total, err = add(total, u); err != nil {
			return nil, nil, err
		}
		if disregarded, err = add(disregarded, t.disregarded); err != nil {
			return nil, nil, err
		}
	}

	burnt := num.Zero().Div(surplus, num.NewUint(2))
	total, err := add(total, burnt)
	if err != nil {
		return nil, nil, err
	}
	if total.LTE(disregarded) {
		return nil, nil, fmt.Errorf("%w: utility and fees %s, disregarded %s", ErrZeroOrNegativeObjective, total, disregarded)
	}
	return num.Zero().Sub(total, disregarded), burnt, nil
}

func touchesFee(trades []executed) bool {
	for _, t := range trades {
		if t.order.BuyAsset == asset.FeeID || t.order.SellAsset == asset.FeeID {
			return true
		}
	}
	return false
}

// commit writes the staged balances, orders and the new incumbent in one
// batch and installs them only after the batch is durable.
func (e *Engine) commit(lt *ledger.Tx, bt *orderbook.Tx, sol *Solution) error {
	w := e.store.NewBatch()
	defer w.Close()
	if err := lt.Flush(w); err != nil {
		return err
	}
	if err := bt.Flush(w); err != nil {
		return err
	}
	if err := w.SaveSolution(sol); err != nil {
		return fmt.Errorf("save solution: %w", err)
	}
	if err := w.Commit(); err != nil {
		return fmt.Errorf("commit solution: %w", err)
	}
	lt.Apply()
	bt.Apply()

	e.mu.Lock()
	e.incumbent = sol
	e.mu.Unlock()
	return nil
}
