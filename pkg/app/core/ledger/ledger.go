// Package ledger keeps per-account, per-asset balances whose deposits and
// withdrawals only take effect once the batch they were requested in has passed.
package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/batchex/pkg/app/core/asset"
	"github.com/uhyunpark/batchex/pkg/app/core/batch"
	"github.com/uhyunpark/batchex/pkg/num"
	"github.com/uhyunpark/batchex/pkg/util"
)

var (
	ErrZeroAmount          = errors.New("amount must be positive")
	ErrTransferFailed      = errors.New("asset transfer failed")
	ErrPastBatch           = errors.New("withdraw request cannot be made in the past")
	ErrNotYetClaimable     = errors.New("no matured withdraw request")
	ErrBlockedThisBatch    = errors.New("asset was credited by a settlement in the current batch")
	ErrUnderflow           = errors.New("amount exceeds stored balance")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOverflow            = errors.New("balance overflow")
)

// Store persists balance records. Writes may be buffered by a batch and only
// become durable on the caller's commit.
type Store interface {
	SaveBalance(k Key, b *Balance) error
}

type nopStore struct{}

func (nopStore) SaveBalance(Key, *Balance) error { return nil }

// Ledger manages all balance records.
// Mutations go through a Tx; reads are safe from any goroutine.
type Ledger struct {
	mu       sync.RWMutex
	balances map[Key]*Balance

	clock    *batch.Clock
	transfer asset.Transferer
	store    Store
	log      *zap.SugaredLogger
}

func New(clock *batch.Clock, transfer asset.Transferer, store Store, log *zap.SugaredLogger) *Ledger {
	if store == nil {
		store = nopStore{}
	}
	if log == nil {
		log = util.NopSugar()
	}
	return &Ledger{
		balances: make(map[Key]*Balance),
		clock:    clock,
		transfer: transfer,
		store:    store,
		log:      log,
	}
}

// Restore installs a persisted record at startup.
func (l *Ledger) Restore(k Key, b *Balance) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[k] = b
}

// Deposit pulls amount in from external custody. It becomes spendable once the
// current batch has closed.
func (l *Ledger) Deposit(owner common.Address, id asset.ID, amount *num.Uint) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	current := l.clock.Current()

	tx := l.Begin()
	b := tx.record(Key{owner, id})
	deposited, overflow := num.Zero().AddOverflow(b.PendingDeposit.amount(), amount)
	if overflow {
		return fmt.Errorf("%w: pending deposit of %s", ErrOverflow, owner.Hex())
	}
	b.PendingDeposit = Flux{Amount: deposited, BatchID: current}

	if err := l.transfer.TransferIn(owner, id, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := tx.Flush(l.store); err != nil {
		if rerr := l.transfer.TransferOut(owner, id, amount); rerr != nil {
			l.log.Errorw("deposit_refund_failed", "owner", owner.Hex(), "asset", id, "amount", amount.String(), "err", rerr)
		}
		return err
	}
	tx.Apply()
	l.log.Debugw("deposit", "owner", owner.Hex(), "asset", id, "amount", amount.String(), "batch", current)
	return nil
}

// RequestWithdraw records a withdrawal claimable from the next batch on.
func (l *Ledger) RequestWithdraw(owner common.Address, id asset.ID, amount *num.Uint) error {
	return l.RequestFutureWithdraw(owner, id, amount, l.clock.Current())
}

// RequestFutureWithdraw records a withdrawal claimable once batchID has passed.
// It replaces any request that has not yet been claimed.
func (l *Ledger) RequestFutureWithdraw(owner common.Address, id asset.ID, amount *num.Uint, batchID batch.ID) error {
	current := l.clock.Current()
	if batchID < current {
		return fmt.Errorf("%w: batch %d, current %d", ErrPastBatch, batchID, current)
	}
	tx := l.Begin()
	b := tx.record(Key{owner, id})
	b.PendingWithdraw = Flux{Amount: amount.Clone(), BatchID: batchID}
	return l.commit(tx)
}

// Withdraw pays out min(request, stored balance) and clears the request.
func (l *Ledger) Withdraw(owner common.Address, id asset.ID) (*num.Uint, error) {
	current := l.clock.Current()
	tx := l.Begin()
	b := tx.record(Key{owner, id})
	if !b.PendingWithdraw.maturedBy(current) {
		return nil, fmt.Errorf("%w: %s asset %d", ErrNotYetClaimable, owner.Hex(), id)
	}
	if b.LastCreditBatchID == current {
		return nil, fmt.Errorf("%w: %s asset %d batch %d", ErrBlockedThisBatch, owner.Hex(), id, current)
	}
	amount := num.Min(b.Stored, b.PendingWithdraw.Amount).Clone()
	b.Stored = num.Zero().Sub(b.Stored, amount)
	b.PendingWithdraw = Flux{}

	// The debit is durable before anything leaves custody.
	if err := tx.Flush(l.store); err != nil {
		return nil, err
	}
	if err := l.transfer.TransferOut(owner, id, amount); err != nil {
		l.rewind(tx)
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	tx.Apply()
	l.log.Debugw("withdraw", "owner", owner.Hex(), "asset", id, "amount", amount.String(), "batch", current)
	return amount, nil
}

// Burn destroys amount of the owner's effective balance. Funds credited by a
// settlement that can still be reverted are not burnable.
func (l *Ledger) Burn(owner common.Address, id asset.ID, amount *num.Uint) error {
	tx := l.Begin()
	if err := tx.Burn(owner, id, amount); err != nil {
		return err
	}
	return l.commit(tx)
}

func (l *Ledger) commit(tx *Tx) error {
	if err := tx.Flush(l.store); err != nil {
		return err
	}
	tx.Apply()
	return nil
}

// rewind writes the committed records of every key tx touched back to the
// store, undoing a Flush that will not be applied.
func (l *Ledger) rewind(tx *Tx) {
	for _, k := range tx.order {
		b, ok := l.get(k)
		if !ok {
			b = newBalance()
		}
		if err := l.store.SaveBalance(k, b); err != nil {
			l.log.Errorw("balance_rewind_failed", "owner", k.Owner.Hex(), "asset", k.Asset, "err", err)
		}
	}
}

func (l *Ledger) get(k Key) (*Balance, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.balances[k]
	return b, ok
}

// Balance returns the effective balance in the current batch.
func (l *Ledger) Balance(owner common.Address, id asset.ID) *num.Uint {
	return l.BalanceAt(owner, id, l.clock.Current())
}

// BalanceAt returns the effective balance as it will be seen while batch asOf runs,
// given no further requests.
func (l *Ledger) BalanceAt(owner common.Address, id asset.ID, asOf batch.ID) *num.Uint {
	b, ok := l.get(Key{owner, id})
	if !ok {
		return num.Zero()
	}
	return b.At(asOf)
}

// Record returns a copy of the raw record.
func (l *Ledger) Record(owner common.Address, id asset.ID) (Balance, bool) {
	b, ok := l.get(Key{owner, id})
	if !ok {
		return Balance{}, false
	}
	return *b.clone(), true
}

func (l *Ledger) PendingDeposit(owner common.Address, id asset.ID) Flux {
	if b, ok := l.get(Key{owner, id}); ok {
		return b.PendingDeposit.clone()
	}
	return Flux{}
}

func (l *Ledger) PendingWithdraw(owner common.Address, id asset.ID) Flux {
	if b, ok := l.get(Key{owner, id}); ok {
		return b.PendingWithdraw.clone()
	}
	return Flux{}
}

func (l *Ledger) HasValidWithdrawRequest(owner common.Address, id asset.ID) bool {
	b, ok := l.get(Key{owner, id})
	return ok && b.PendingWithdraw.maturedBy(l.clock.Current())
}

func (l *Ledger) LastCreditBatch(owner common.Address, id asset.ID) batch.ID {
	if b, ok := l.get(Key{owner, id}); ok {
		return b.LastCreditBatchID
	}
	return 0
}

// Range calls fn for every record ordered by owner then asset.
func (l *Ledger) Range(fn func(k Key, b Balance)) {
	l.mu.RLock()
	keys := make([]Key, 0, len(l.balances))
	for k := range l.balances {
		keys = append(keys, k)
	}
	l.mu.RUnlock()

	sortKeys(keys)
	for _, k := range keys {
		if b, ok := l.get(k); ok {
			fn(k, *b.clone())
		}
	}
}

func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.balances)
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if c := bytes.Compare(keys[i].Owner[:], keys[j].Owner[:]); c != 0 {
			return c < 0
		}
		return keys[i].Asset < keys[j].Asset
	})
}
