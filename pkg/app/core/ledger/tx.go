package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/batchex/pkg/app/core/asset"
	"github.com/uhyunpark/batchex/pkg/app/core/batch"
	"github.com/uhyunpark/batchex/pkg/num"
)

// Tx stages balance mutations on copies of the touched records.
// Nothing is visible to readers of the Ledger until Apply. A Tx that is
// dropped without Apply leaves the ledger untouched.
//
// Only one Tx may be applied at a time; the caller serializes writers.
type Tx struct {
	l       *Ledger
	current batch.ID
	staged  map[Key]*Balance
	order   []Key
}

// Begin starts a Tx evaluated against the current batch.
func (l *Ledger) Begin() *Tx {
	return &Tx{
		l:       l,
		current: l.clock.Current(),
		staged:  make(map[Key]*Balance),
	}
}

// record returns the staged copy for k, matured to the current batch.
func (tx *Tx) record(k Key) *Balance {
	if b, ok := tx.staged[k]; ok {
		return b
	}
	var b *Balance
	if cur, ok := tx.l.get(k); ok {
		b = cur.clone()
	} else {
		b = newBalance()
	}
	b.matureDeposit(tx.current)
	tx.staged[k] = b
	tx.order = append(tx.order, k)
	return b
}

func (tx *Tx) Current() batch.ID { return tx.current }

// Balance is the effective balance in the current batch including staged changes.
func (tx *Tx) Balance(owner common.Address, id asset.ID) *num.Uint {
	return tx.BalanceAt(owner, id, tx.current)
}

func (tx *Tx) BalanceAt(owner common.Address, id asset.ID, asOf batch.ID) *num.Uint {
	k := Key{owner, id}
	if b, ok := tx.staged[k]; ok {
		return b.At(asOf)
	}
	return tx.l.BalanceAt(owner, id, asOf)
}

func (tx *Tx) AddBalance(owner common.Address, id asset.ID, amount *num.Uint) error {
	b := tx.record(Key{owner, id})
	sum, overflow := num.Zero().AddOverflow(b.Stored, amount)
	if overflow {
		return fmt.Errorf("%w: %s asset %d", ErrOverflow, owner.Hex(), id)
	}
	b.Stored = sum
	return nil
}

// AddBalanceAndBlockWithdrawForThisBatch credits amount and blocks withdrawals
// and burns of the asset until the next batch.
func (tx *Tx) AddBalanceAndBlockWithdrawForThisBatch(owner common.Address, id asset.ID, amount *num.Uint) error {
	if err := tx.AddBalance(owner, id, amount); err != nil {
		return err
	}
	tx.record(Key{owner, id}).LastCreditBatchID = tx.current
	return nil
}

// SubtractBalance debits Stored after maturing deposits. Pending withdraw
// requests are not consulted.
func (tx *Tx) SubtractBalance(owner common.Address, id asset.ID, amount *num.Uint) error {
	b := tx.record(Key{owner, id})
	rest, neg := num.Zero().SubOverflow(b.Stored, amount)
	if neg {
		return fmt.Errorf("%w: %s has %s of asset %d, debit %s", ErrUnderflow, owner.Hex(), b.Stored, id, amount)
	}
	b.Stored = rest
	return nil
}

// Burn destroys amount from the effective balance. Funds credited this batch
// are locked because a later settlement may still revert them.
func (tx *Tx) Burn(owner common.Address, id asset.ID, amount *num.Uint) error {
	b := tx.record(Key{owner, id})
	if b.LastCreditBatchID == tx.current && !amount.IsZero() {
		return fmt.Errorf("%w: %s asset %d", ErrBlockedThisBatch, owner.Hex(), id)
	}
	if have := b.At(tx.current); have.LT(amount) {
		return fmt.Errorf("%w: %s has %s of asset %d, needs %s", ErrInsufficientBalance, owner.Hex(), have, id, amount)
	}
	b.Stored = num.Zero().Sub(b.Stored, amount)
	return nil
}

// Dirty returns the keys touched so far, in first-touch order.
func (tx *Tx) Dirty() []Key {
	out := make([]Key, len(tx.order))
	copy(out, tx.order)
	return out
}

// Flush writes every staged record to w.
func (tx *Tx) Flush(w Store) error {
	for _, k := range tx.order {
		if err := w.SaveBalance(k, tx.staged[k]); err != nil {
			return fmt.Errorf("save balance %s/%d: %w", k.Owner.Hex(), k.Asset, err)
		}
	}
	return nil
}

// Apply installs the staged records into the ledger.
func (tx *Tx) Apply() {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	for _, k := range tx.order {
		tx.l.balances[k] = tx.staged[k]
	}
	tx.staged = nil
	tx.order = nil
}
