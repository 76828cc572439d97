package settlement

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/batchex/params"
	"github.com/uhyunpark/batchex/pkg/app/core/asset"
	"github.com/uhyunpark/batchex/pkg/app/core/batch"
	"github.com/uhyunpark/batchex/pkg/app/core/ledger"
	"github.com/uhyunpark/batchex/pkg/app/core/orderbook"
	"github.com/uhyunpark/batchex/pkg/app/core/registry"
	"github.com/uhyunpark/batchex/pkg/num"
	"github.com/uhyunpark/batchex/pkg/util"
)

var (
	feeToken = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	token1   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	token2   = common.HexToAddress("0x0000000000000000000000000000000000000002")

	user0   = common.HexToAddress("0x0000000000000000000000000000000000001000")
	user1   = common.HexToAddress("0x0000000000000000000000000000000000001001")
	solver  = common.HexToAddress("0x000000000000000000000000000000000000501a")
	solver2 = common.HexToAddress("0x000000000000000000000000000000000000501b")
)

const (
	solvedBatch batch.ID = 1000
	batchTime            = 300 * time.Second
)

func u(s string) *num.Uint {
	v, overflow := num.UintFromString(s)
	if overflow {
		panic("bad number " + s)
	}
	return v
}

var (
	e18        = u("1000000000000000000")
	sellOrder1 = u("20020020020020020020")
	buyOrder1  = u("10000000000000000000")
	sellOrder2 = u("10000000000000000000")
	buyOrder2  = u("19980000000000000000")
)

// scenario has user0 selling asset 0 for asset 1 and user1 selling asset 1
// for asset 0, both funded and placed in batch 1000 and valid through 1001.
// The clock is at the start of batch 1001.
type scenario struct {
	clock  *util.ManualClock
	vault  *asset.Vault
	ledger *ledger.Ledger
	book   *orderbook.Book
	reg    *registry.Registry
	engine *Engine
}

func newScenario(before ...func(*scenario) error) (*scenario, error) {
	clock := util.NewManualClock(time.Unix(int64(batchTime/time.Second)*int64(solvedBatch), 0))
	bc := batch.NewClock(clock, batchTime)
	vault := asset.NewVault()
	l := ledger.New(bc, vault, nil, nil)
	reg := registry.New(feeToken, 10, num.Zero(), nil, nil)
	for _, ref := range []common.Address{token1, token2} {
		if _, err := reg.Register(user0, ref, l); err != nil {
			return nil, err
		}
	}
	book := orderbook.New(bc, reg, nil, nil)
	sc := &scenario{
		clock:  clock,
		vault:  vault,
		ledger: l,
		book:   book,
		reg:    reg,
		engine: New(ConfigFrom(params.Default().Settlement), bc, l, book, nil, nil),
	}

	vault.Mint(user0, 0, sellOrder1)
	vault.Mint(user1, 1, sellOrder2)
	if err := l.Deposit(user0, 0, sellOrder1); err != nil {
		return nil, err
	}
	if err := l.Deposit(user1, 1, sellOrder2); err != nil {
		return nil, err
	}
	if _, err := book.Place(user0, 1, 0, solvedBatch+1, buyOrder1, sellOrder1); err != nil {
		return nil, err
	}
	if _, err := book.Place(user1, 0, 1, solvedBatch+1, buyOrder2, sellOrder2); err != nil {
		return nil, err
	}
	for _, fn := range before {
		if err := fn(sc); err != nil {
			return nil, err
		}
	}
	clock.Advance(batchTime)
	return sc, nil
}

func mustScenario(t *testing.T, before ...func(*scenario) error) *scenario {
	t.Helper()
	sc, err := newScenario(before...)
	require.NoError(t, err)
	return sc
}

func trade(by common.Address, claimed *num.Uint, buy1, buy2 *num.Uint) Submission {
	return Submission{
		BatchID:          solvedBatch,
		Solver:           by,
		ClaimedObjective: claimed,
		Owners:           []common.Address{user0, user1},
		OrderIDs:         []orderbook.OrderID{0, 0},
		BuyVolumes:       []*num.Uint{buy1, buy2},
		PriceAssetIDs:    []asset.ID{1},
		Prices:           []*num.Uint{num.Zero().Mul(e18, num.NewUint(2))},
	}
}

func fullTrade(by common.Address, claimed *num.Uint) Submission {
	return trade(by, claimed, buyOrder1, buyOrder2)
}

func halfTrade(by common.Address, claimed *num.Uint) Submission {
	return trade(by, claimed, u("5000000000000000000"), u("9990000000000000000"))
}

func TestBasicTrade(t *testing.T) {
	sc := mustScenario(t)

	sol, err := sc.engine.Submit(fullTrade(solver, num.NewUint(1)))
	require.NoError(t, err)

	burnt := u("20010010010010010")
	assert.Equal(t, burnt.String(), sol.Objective.String())
	assert.Equal(t, burnt.String(), sol.FeeReward.String())
	require.Len(t, sol.Trades, 2)
	assert.Equal(t, sellOrder1.String(), sol.Trades[0].ExecutedSell.String())
	assert.Equal(t, sellOrder2.String(), sol.Trades[1].ExecutedSell.String())

	l := sc.ledger
	assert.True(t, l.Balance(user0, 0).IsZero())
	assert.Equal(t, buyOrder1.String(), l.Balance(user0, 1).String())
	assert.True(t, l.Balance(user1, 1).IsZero())
	assert.Equal(t, buyOrder2.String(), l.Balance(user1, 0).String())
	assert.Equal(t, burnt.String(), l.Balance(solver, 0).String())

	o1, _ := sc.book.Get(user0, 0)
	o2, _ := sc.book.Get(user1, 0)
	assert.Equal(t, sellOrder1.String(), o1.UsedAmount.String())
	assert.Equal(t, sellOrder2.String(), o2.UsedAmount.String())

	assert.Equal(t, HasSolution, sc.engine.State(solvedBatch))
	assert.Equal(t, burnt.String(), sc.engine.CurrentObjective(solvedBatch).String())
	p, ok := sc.engine.CurrentPrice(1)
	require.True(t, ok)
	assert.Equal(t, "2000000000000000000", p.String())
	p, ok = sc.engine.CurrentPrice(0)
	require.True(t, ok)
	assert.Equal(t, e18.String(), p.String())
	_, ok = sc.engine.CurrentPrice(2)
	assert.False(t, ok)

	// the fee surplus not given to the solver is burnt
	total := num.Sum(l.Balance(user0, 0), l.Balance(user1, 0), l.Balance(solver, 0), burnt)
	assert.Equal(t, sellOrder1.String(), total.String())
}

func TestCreditedFundsBlockedThisBatch(t *testing.T) {
	sc := mustScenario(t, func(sc *scenario) error {
		return sc.ledger.RequestWithdraw(user0, 1, buyOrder1)
	})

	_, err := sc.engine.Submit(fullTrade(solver, num.NewUint(1)))
	require.NoError(t, err)

	_, err = sc.ledger.Withdraw(user0, 1)
	assert.ErrorIs(t, err, ledger.ErrBlockedThisBatch)
	_, err = sc.ledger.Withdraw(solver, 0)
	assert.ErrorIs(t, err, ledger.ErrNotYetClaimable)
	assert.ErrorIs(t, sc.ledger.Burn(solver, 0, num.NewUint(1)), ledger.ErrBlockedThisBatch)

	sc.clock.Advance(batchTime)
	paid, err := sc.ledger.Withdraw(user0, 1)
	require.NoError(t, err)
	assert.Equal(t, buyOrder1.String(), paid.String())
	assert.Equal(t, Finalized, sc.engine.State(solvedBatch))
}

func TestEmptySolutionAgainstIncumbent(t *testing.T) {
	sc := mustScenario(t)
	_, err := sc.engine.Submit(fullTrade(solver, num.NewUint(1)))
	require.NoError(t, err)

	_, err = sc.engine.Submit(Submission{BatchID: solvedBatch, Solver: solver2, ClaimedObjective: num.NewUint(1)})
	assert.ErrorIs(t, err, ErrInsufficientImprovement)
}

func TestEmptySolutionWithoutIncumbent(t *testing.T) {
	sc := mustScenario(t)
	_, err := sc.engine.Submit(Submission{BatchID: solvedBatch, Solver: solver, ClaimedObjective: num.NewUint(1)})
	assert.ErrorIs(t, err, ErrZeroOrNegativeObjective)
	assert.Equal(t, NoSolution, sc.engine.State(solvedBatch))
}

func TestPriceIDsMustIncrease(t *testing.T) {
	sc := mustScenario(t)

	s := fullTrade(solver, num.NewUint(1))
	s.PriceAssetIDs = []asset.ID{2, 1}
	s.Prices = []*num.Uint{e18, e18}
	_, err := sc.engine.Submit(s)
	assert.ErrorIs(t, err, ErrPriceOrdering)

	s.PriceAssetIDs = []asset.ID{1, 1}
	_, err = sc.engine.Submit(s)
	assert.ErrorIs(t, err, ErrPriceOrdering)

	s.PriceAssetIDs = []asset.ID{0, 1}
	_, err = sc.engine.Submit(s)
	assert.ErrorIs(t, err, ErrFeePriceGiven)
}

func TestSubmitRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Submission)
		want   error
	}{
		{"shape", func(s *Submission) { s.BuyVolumes = s.BuyVolumes[:1] }, ErrShapeMismatch},
		{"price shape", func(s *Submission) { s.Prices = nil }, ErrShapeMismatch},
		{"dust price", func(s *Submission) { s.Prices = []*num.Uint{num.NewUint(9999)} }, ErrPriceTooLow},
		{"missing price", func(s *Submission) { s.PriceAssetIDs = []asset.ID{2} }, ErrPriceMissing},
		{"unknown order", func(s *Submission) { s.OrderIDs = []orderbook.OrderID{0, 5} }, ErrOrderInvalid},
		{"exceeds order", func(s *Submission) { s.BuyVolumes[0] = u("20000000000000000000") }, ErrExceedsOrderAmount},
		{"below minimum", func(s *Submission) { s.BuyVolumes[0] = num.NewUint(1) }, ErrBelowMinimum},
		{"conservation", func(s *Submission) { s.BuyVolumes[1] = u("19000000000000000000") }, ErrConservationViolated},
		{"no solver", func(s *Submission) { s.Solver = common.Address{} }, ErrMissingSolver},
		{"too many orders", func(s *Submission) {
			for i := 0; i < 30; i++ {
				s.Owners = append(s.Owners, user0)
				s.OrderIDs = append(s.OrderIDs, 0)
				s.BuyVolumes = append(s.BuyVolumes, num.NewUint(1))
			}
		}, ErrTooManyOrders},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := mustScenario(t)
			before := snapshot(sc)
			s := fullTrade(solver, num.NewUint(1))
			tt.mutate(&s)
			_, err := sc.engine.Submit(s)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, snapshot(sc), "rejected solution leaves no trace")
		})
	}
}

func TestLimitPriceViolated(t *testing.T) {
	sc := mustScenario(t)
	s := Submission{
		BatchID:          solvedBatch,
		Solver:           solver,
		ClaimedObjective: num.NewUint(1),
		Owners:           []common.Address{user1},
		OrderIDs:         []orderbook.OrderID{0},
		BuyVolumes:       []*num.Uint{u("9990000000000000000")},
		PriceAssetIDs:    []asset.ID{1},
		Prices:           []*num.Uint{u("1500000000000000000")},
	}
	_, err := sc.engine.Submit(s)
	assert.ErrorIs(t, err, ErrLimitPriceViolated)
}

func TestOrderNotYetValid(t *testing.T) {
	sc := mustScenario(t)
	_, err := sc.book.PlaceWithValidFrom(user0, 1, 0, solvedBatch+1, solvedBatch+2, buyOrder1, sellOrder1)
	require.NoError(t, err)

	s := fullTrade(solver, num.NewUint(1))
	s.OrderIDs = []orderbook.OrderID{1, 0}
	_, err = sc.engine.Submit(s)
	assert.ErrorIs(t, err, ErrOrderInvalid)
}

func TestSolutionWindow(t *testing.T) {
	sc := mustScenario(t)

	early := fullTrade(solver, num.NewUint(1))
	early.BatchID = solvedBatch + 1
	_, err := sc.engine.Submit(early)
	assert.ErrorIs(t, err, ErrWindowClosed, "open batch cannot be solved")

	sc.clock.Advance(240 * time.Second)
	assert.True(t, sc.engine.AcceptingSolutions(solvedBatch), "last second of the window is inside it")
	sc.clock.Advance(time.Second)
	assert.False(t, sc.engine.AcceptingSolutions(solvedBatch))
	_, err = sc.engine.Submit(fullTrade(solver, num.NewUint(1)))
	assert.ErrorIs(t, err, ErrWindowClosed)
	assert.Equal(t, Finalized, sc.engine.State(solvedBatch))

	sc.clock.Advance(batchTime)
	_, err = sc.engine.Submit(fullTrade(solver, num.NewUint(1)))
	assert.ErrorIs(t, err, ErrWindowClosed)
}

func TestImprovementBoundary(t *testing.T) {
	tests := []struct {
		next uint64
		want bool
	}{
		{100, false},
		{101, false}, // exactly 1% is not enough
		{102, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.next), func(t *testing.T) {
			ok, err := improves(num.NewUint(tt.next), num.NewUint(100), 100)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestBetterSolutionReplacesIncumbent(t *testing.T) {
	sc := mustScenario(t)
	half, err := sc.engine.Submit(halfTrade(solver, num.NewUint(1)))
	require.NoError(t, err)
	assert.Equal(t, "10005005005005005", half.Objective.String())

	// claims enough to pass the first gate but computes less
	_, err = sc.engine.Submit(halfTrade(solver2, u("1000000000000000000")))
	assert.ErrorIs(t, err, ErrInsufficientImprovement)

	full, err := sc.engine.Submit(fullTrade(solver2, u("10105055055055056")))
	require.NoError(t, err)
	assert.Equal(t, "20010010010010010", full.Objective.String())

	latest, ok := sc.engine.Latest()
	require.True(t, ok)
	assert.Equal(t, solver2, latest.Solver)
	assert.True(t, sc.ledger.Balance(solver, 0).IsZero(), "replaced solver loses its reward")
}

func TestFirstGateUsesClaim(t *testing.T) {
	sc := mustScenario(t)
	_, err := sc.engine.Submit(halfTrade(solver, num.NewUint(1)))
	require.NoError(t, err)

	// 10005005005005005 * 101 / 100 rounds to 10105055055055055.05; the claim must exceed it
	_, err = sc.engine.Submit(fullTrade(solver2, u("10105055055055055")))
	assert.ErrorIs(t, err, ErrInsufficientImprovement)
}

// state is the part of a scenario a solution can change.
type state struct {
	Balances map[ledger.Key]ledger.Balance
	Used     map[orderbook.Ref]string
}

func snapshot(sc *scenario) state {
	st := state{Balances: make(map[ledger.Key]ledger.Balance), Used: make(map[orderbook.Ref]string)}
	for _, owner := range []common.Address{user0, user1, solver2} {
		for _, id := range []asset.ID{0, 1} {
			if b, ok := sc.ledger.Record(owner, id); ok {
				st.Balances[ledger.Key{Owner: owner, Asset: id}] = b
			}
		}
	}
	for _, owner := range sc.book.Owners() {
		for i, o := range sc.book.Orders(owner) {
			st.Used[orderbook.Ref{Owner: owner, ID: orderbook.OrderID(i)}] = o.UsedAmount.String()
		}
	}
	return st
}

func TestReversionExactness(t *testing.T) {
	replaced := mustScenario(t)
	_, err := replaced.engine.Submit(halfTrade(solver, num.NewUint(1)))
	require.NoError(t, err)
	_, err = replaced.engine.Submit(fullTrade(solver2, u("20000000000000000")))
	require.NoError(t, err)

	direct := mustScenario(t)
	_, err = direct.engine.Submit(fullTrade(solver2, num.NewUint(1)))
	require.NoError(t, err)

	assert.Equal(t, snapshot(direct), snapshot(replaced))
	assert.True(t, replaced.ledger.Balance(solver, 0).IsZero())

	// a rejected resubmission after reverting the incumbent leaves everything in place
	before := snapshot(replaced)
	_, err = replaced.engine.Submit(halfTrade(solver, u("1000000000000000000")))
	require.ErrorIs(t, err, ErrInsufficientImprovement)
	assert.Equal(t, before, snapshot(replaced))
}

type failingStore struct{ err error }

type failingWriter struct {
	nopWriter
	err error
}

func (s failingStore) NewBatch() Writer { return failingWriter{err: s.err} }
func (w failingWriter) Commit() error   { return w.err }

func TestCommitFailureLeavesState(t *testing.T) {
	sc := mustScenario(t)
	sc.engine.store = failingStore{err: errors.New("disk gone")}
	before := snapshot(sc)

	_, err := sc.engine.Submit(fullTrade(solver, num.NewUint(1)))
	require.Error(t, err)
	assert.Equal(t, before, snapshot(sc))
	_, ok := sc.engine.Latest()
	assert.False(t, ok)
}

func TestRestoredIncumbentIsReverted(t *testing.T) {
	sc := mustScenario(t)
	half, err := sc.engine.Submit(halfTrade(solver, num.NewUint(1)))
	require.NoError(t, err)

	restarted := New(sc.engine.cfg, sc.engine.clock, sc.ledger, sc.book, nil, nil)
	restarted.Restore(half)
	_, err = restarted.Submit(fullTrade(solver2, u("20000000000000000")))
	require.NoError(t, err)
	assert.True(t, sc.ledger.Balance(solver, 0).IsZero())
	assert.Equal(t, buyOrder1.String(), sc.ledger.Balance(user0, 1).String())
}
