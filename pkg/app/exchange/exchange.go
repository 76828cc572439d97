// Package exchange ties the ledger, token registry, order book and settlement
// engine into one service with a single writer.
package exchange

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/batchex/params"
	"github.com/uhyunpark/batchex/pkg/app/core/asset"
	"github.com/uhyunpark/batchex/pkg/app/core/batch"
	"github.com/uhyunpark/batchex/pkg/app/core/ledger"
	"github.com/uhyunpark/batchex/pkg/app/core/orderbook"
	"github.com/uhyunpark/batchex/pkg/app/core/query"
	"github.com/uhyunpark/batchex/pkg/app/core/registry"
	"github.com/uhyunpark/batchex/pkg/app/core/settlement"
	"github.com/uhyunpark/batchex/pkg/num"
	"github.com/uhyunpark/batchex/pkg/storage"
	"github.com/uhyunpark/batchex/pkg/util"
)

// ErrNoCredits is returned by Credit when custody is an external bridge.
var ErrNoCredits = errors.New("custody does not take operator credits")

// creditor is custody the exchange holds itself, such as asset.Vault.
type creditor interface {
	asset.Transferer
	Mint(owner common.Address, id asset.ID, amount *num.Uint) error
	Holding(owner common.Address, id asset.ID) *num.Uint
	Restore(owner common.Address, id asset.ID, amount *num.Uint)
}

// engineStore hands the settlement engine storage batches.
type engineStore struct{ s storage.Store }

func (e engineStore) NewBatch() settlement.Writer { return e.s.NewBatch() }

// listingStore hands the registry storage batches.
type listingStore struct{ s storage.Store }

func (l listingStore) NewBatch() registry.Writer { return l.s.NewBatch() }

// Exchange serializes every mutation behind one lock. Reads take the read lock
// and see either all or none of a mutation.
type Exchange struct {
	mu sync.RWMutex

	cfg      params.Settlement
	now      util.Clock
	clock    *batch.Clock
	ledger   *ledger.Ledger
	registry *registry.Registry
	book     *orderbook.Book
	engine   *settlement.Engine
	viewer   *query.Viewer
	store    storage.Store
	wal      storage.WAL
	log      *zap.SugaredLogger

	custody asset.Transferer

	onEvent func(Event)
}

func New(cfg params.Settlement, now util.Clock, custody asset.Transferer, store storage.Store, wal storage.WAL, log *zap.SugaredLogger) *Exchange {
	if store == nil {
		store = storage.NewInMemoryStore()
	}
	if wal == nil {
		wal = storage.NewNopWAL()
	}
	if log == nil {
		log = util.NopSugar()
	}
	clock := batch.NewClock(now, cfg.BatchTime)
	l := ledger.New(clock, custody, store, log.Named("ledger"))
	reg := registry.New(cfg.FeeToken, cfg.MaxAssets, num.NewUint(cfg.ListingFee), listingStore{store}, log.Named("registry"))
	book := orderbook.New(clock, reg, store, log.Named("orderbook"))
	engine := settlement.New(settlement.ConfigFrom(cfg), clock, l, book, engineStore{store}, log.Named("settlement"))
	return &Exchange{
		cfg:      cfg,
		now:      now,
		clock:    clock,
		ledger:   l,
		registry: reg,
		book:     book,
		engine:   engine,
		viewer:   query.NewViewer(l, book, clock),
		store:    store,
		wal:      wal,
		log:      log,
		custody:  custody,
	}
}

// OnEvent registers fn to receive every accepted mutation. It is called with
// the write lock held and must not call back into the exchange.
func (e *Exchange) OnEvent(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvent = fn
}

// Restore rebuilds in-memory state from the store. It must run before any
// other call.
func (e *Exchange) Restore() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap, err := e.store.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if len(snap.Tokens) == 0 {
		fee := registry.Token{ID: asset.FeeID, Ref: e.registry.FeeToken()}
		if err := e.store.SaveToken(fee); err != nil {
			return fmt.Errorf("save fee token: %w", err)
		}
	}
	for _, t := range snap.Tokens {
		if err := e.registry.Restore(t); err != nil {
			return fmt.Errorf("restore token %d: %w", t.ID, err)
		}
	}
	for _, r := range snap.Balances {
		e.ledger.Restore(r.Key, r.Balance)
	}
	for i, owner := range snap.Owners {
		if err := e.book.RestoreOwner(uint32(i), owner); err != nil {
			return err
		}
	}
	for _, r := range snap.Orders {
		if err := e.book.RestoreOrder(r.Owner, r.ID, r.Order); err != nil {
			return err
		}
	}
	if snap.Solution != nil {
		e.engine.Restore(snap.Solution)
	}
	if c, ok := e.custody.(creditor); ok {
		for _, h := range snap.Holdings {
			c.Restore(h.Owner, h.Asset, h.Amount)
		}
	}

	e.log.Infow("state_restored",
		"tokens", len(snap.Tokens),
		"balances", len(snap.Balances),
		"owners", len(snap.Owners),
		"orders", len(snap.Orders),
		"incumbent", snap.Solution != nil,
		"holdings", len(snap.Holdings),
		"batch", e.clock.Current(),
	)
	return nil
}

// --- custody ---

// Credit adds amount to owner's external holding. Operators use it to reflect
// funds bridged in out of band; the owner still has to Deposit them.
func (e *Exchange) Credit(owner common.Address, id asset.ID, amount *num.Uint) (*num.Uint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.custody.(creditor)
	if !ok {
		return nil, ErrNoCredits
	}
	if !e.registry.Has(id) {
		return nil, fmt.Errorf("%w: id %d", registry.ErrUnknownAsset, id)
	}
	if amount == nil || amount.IsZero() {
		return nil, ledger.ErrZeroAmount
	}
	if err := c.Mint(owner, id, amount); err != nil {
		return nil, err
	}
	e.emit(KindCredited, owner, AssetAmount{Asset: id, Amount: amount})
	return c.Holding(owner, id), nil
}

// Holding returns owner's external holding of id.
func (e *Exchange) Holding(owner common.Address, id asset.ID) (*num.Uint, error) {
	c, ok := e.custody.(creditor)
	if !ok {
		return nil, ErrNoCredits
	}
	return c.Holding(owner, id), nil
}

// --- ledger ---

func (e *Exchange) Deposit(owner common.Address, id asset.ID, amount *num.Uint) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.registry.Has(id) {
		return fmt.Errorf("%w: id %d", registry.ErrUnknownAsset, id)
	}
	if err := e.ledger.Deposit(owner, id, amount); err != nil {
		return err
	}
	e.emit(KindDeposit, owner, AssetAmount{Asset: id, Amount: amount})
	return nil
}

// RequestWithdraw asks to withdraw amount once the current batch has closed.
func (e *Exchange) RequestWithdraw(owner common.Address, id asset.ID, amount *num.Uint) error {
	return e.RequestFutureWithdraw(owner, id, amount, e.clock.Current())
}

func (e *Exchange) RequestFutureWithdraw(owner common.Address, id asset.ID, amount *num.Uint, batchID batch.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ledger.RequestFutureWithdraw(owner, id, amount, batchID); err != nil {
		return err
	}
	e.emit(KindWithdrawRequested, owner, WithdrawRequest{Asset: id, Amount: amount, Batch: batchID})
	return nil
}

func (e *Exchange) Withdraw(owner common.Address, id asset.ID) (*num.Uint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	paid, err := e.ledger.Withdraw(owner, id)
	if err != nil {
		return nil, err
	}
	e.emit(KindWithdraw, owner, AssetAmount{Asset: id, Amount: paid})
	return paid, nil
}

// --- registry ---

// RegisterToken lists ref and burns the listing fee from caller in one write.
func (e *Exchange) RegisterToken(caller common.Address, ref asset.Ref) (registry.Token, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.registry.Register(caller, ref, e.ledger)
	if err != nil {
		return registry.Token{}, err
	}
	t := registry.Token{ID: id, Ref: ref}
	e.emit(KindTokenListed, caller, t)
	return t, nil
}

// --- order book ---

// PlaceOrders places reqs for owner, all or nothing. A zero ValidFrom means
// the current batch.
func (e *Exchange) PlaceOrders(owner common.Address, reqs []orderbook.Request) ([]orderbook.OrderID, error) {
	return e.ReplaceOrders(owner, nil, reqs)
}

// ReplaceOrders cancels and places in one step.
func (e *Exchange) ReplaceOrders(owner common.Address, cancel []orderbook.OrderID, reqs []orderbook.Request) ([]orderbook.OrderID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.clock.Current()
	filled := make([]orderbook.Request, len(reqs))
	for i, r := range reqs {
		if r.ValidFrom == 0 {
			r.ValidFrom = current
		}
		filled[i] = r
	}
	ids, err := e.book.ReplaceOrders(owner, cancel, filled)
	if err != nil {
		return nil, err
	}
	if len(cancel) > 0 {
		e.emit(KindOrderCancelled, owner, OrderIDs{IDs: cancel})
	}
	if len(ids) > 0 {
		e.emit(KindOrderPlaced, owner, OrderIDs{IDs: ids})
	}
	return ids, nil
}

func (e *Exchange) CancelOrders(owner common.Address, ids []orderbook.OrderID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.book.Cancel(owner, ids); err != nil {
		return err
	}
	e.emit(KindOrderCancelled, owner, OrderIDs{IDs: ids})
	return nil
}

func (e *Exchange) ReclaimStorage(owner common.Address, ids []orderbook.OrderID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.book.ReclaimStorage(owner, ids); err != nil {
		return err
	}
	e.emit(KindOrderReclaimed, owner, OrderIDs{IDs: ids})
	return nil
}

// --- settlement ---

func (e *Exchange) SubmitSolution(s settlement.Submission) (*settlement.Solution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sol, err := e.engine.Submit(s)
	if err != nil {
		e.log.Debugw("solution_rejected", "batch", s.BatchID, "solver", s.Solver.Hex(), "err", err)
		return nil, err
	}
	e.emit(KindSolutionAccepted, sol.Solver, SolutionSummary{
		Batch:     sol.BatchID,
		Objective: sol.Objective,
		FeeReward: sol.FeeReward,
		Trades:    len(sol.Trades),
	})
	seen := make(map[common.Address]bool)
	for _, t := range sol.Trades {
		if !seen[t.Owner] {
			seen[t.Owner] = true
			e.emit(KindTradeSettled, t.Owner, t)
		}
	}
	return sol, nil
}

// --- reads ---

// BatchInfo describes the running batch and the one being solved.
type BatchInfo struct {
	Current          batch.ID         `json:"current"`
	SecondsRemaining int64            `json:"secondsRemaining"`
	Solving          batch.ID         `json:"solving"`
	Accepting        bool             `json:"acceptingSolutions"`
	State            settlement.State `json:"-"`
	StateName        string           `json:"state"`
	Objective        *num.Uint        `json:"objective"`
}

func (e *Exchange) Batch() BatchInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	current := e.clock.Current()
	solving := current - 1
	state := e.engine.State(solving)
	return BatchInfo{
		Current:          current,
		SecondsRemaining: int64(e.clock.Remaining().Seconds()),
		Solving:          solving,
		Accepting:        e.engine.AcceptingSolutions(solving),
		State:            state,
		StateName:        state.String(),
		Objective:        e.engine.CurrentObjective(solving),
	}
}

func (e *Exchange) Tokens() []registry.Token {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry.List()
}

func (e *Exchange) TokenID(ref asset.Ref) (asset.ID, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.registry.ID(ref)
}

// BalanceView is everything the ledger knows about one balance.
type BalanceView struct {
	Balance         *num.Uint   `json:"balance"`
	PendingDeposit  ledger.Flux `json:"pendingDeposit"`
	PendingWithdraw ledger.Flux `json:"pendingWithdraw"`
	LastCreditBatch batch.ID    `json:"lastCreditBatch"`
}

func (e *Exchange) Balance(owner common.Address, id asset.ID) BalanceView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return BalanceView{
		Balance:         e.ledger.Balance(owner, id),
		PendingDeposit:  e.ledger.PendingDeposit(owner, id),
		PendingWithdraw: e.ledger.PendingWithdraw(owner, id),
		LastCreditBatch: e.ledger.LastCreditBatch(owner, id),
	}
}

func (e *Exchange) Order(owner common.Address, id orderbook.OrderID) (orderbook.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.Get(owner, id)
}

// UserOrders returns a page of owner's packed orders.
func (e *Exchange) UserOrders(mode query.Mode, owner common.Address, offset uint32, pageSize int) []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.viewer.UserOrders(mode, owner, offset, pageSize)
}

func (e *Exchange) Users(mode query.Mode, c query.Cursor) ([]byte, query.Cursor) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.viewer.Users(mode, c)
}

func (e *Exchange) LatestSolution() (*settlement.Solution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.engine.Latest()
}

func (e *Exchange) CurrentPrice(id asset.ID) (*num.Uint, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.engine.CurrentPrice(id)
}

func (e *Exchange) Clock() *batch.Clock { return e.clock }

func (e *Exchange) Settlement() params.Settlement { return e.cfg }
