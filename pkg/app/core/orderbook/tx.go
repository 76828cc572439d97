package orderbook

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/batchex/pkg/app/core/batch"
	"github.com/uhyunpark/batchex/pkg/num"
)

// Tx stages order changes. Existing orders are copied on first write and new
// orders are appended to a private list; Apply installs both.
type Tx struct {
	b       *Book
	current batch.ID

	staged  map[Ref]*Order
	touched []Ref

	appended  map[common.Address][]*Order
	appenders []common.Address
	newOwners []common.Address
}

// Begin starts a Tx evaluated against the current batch.
func (b *Book) Begin() *Tx {
	return &Tx{
		b:        b,
		current:  b.clock.Current(),
		staged:   make(map[Ref]*Order),
		appended: make(map[common.Address][]*Order),
	}
}

func (tx *Tx) Current() batch.ID { return tx.current }

func (tx *Tx) baseLen(owner common.Address) int {
	tx.b.mu.RLock()
	defer tx.b.mu.RUnlock()
	return len(tx.b.orders[owner])
}

func (tx *Tx) known(owner common.Address) bool {
	tx.b.mu.RLock()
	defer tx.b.mu.RUnlock()
	_, ok := tx.b.orders[owner]
	return ok
}

// mutable returns the Tx-owned copy of ref.
func (tx *Tx) mutable(ref Ref) (*Order, error) {
	if o, ok := tx.staged[ref]; ok {
		return o, nil
	}
	base := tx.baseLen(ref.Owner)
	if i := int(ref.ID) - base; i >= 0 {
		if i < len(tx.appended[ref.Owner]) {
			return tx.appended[ref.Owner][i], nil
		}
		return nil, fmt.Errorf("%w: %s/%d", ErrUnknownOrder, ref.Owner.Hex(), ref.ID)
	}
	cur, ok := tx.b.lookup(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d", ErrUnknownOrder, ref.Owner.Hex(), ref.ID)
	}
	o := cur.Clone()
	tx.staged[ref] = o
	tx.touched = append(tx.touched, ref)
	return o, nil
}

// Order returns a copy of ref as seen by the Tx.
func (tx *Tx) Order(ref Ref) (Order, error) {
	if o, ok := tx.staged[ref]; ok {
		return *o.Clone(), nil
	}
	base := tx.baseLen(ref.Owner)
	if i := int(ref.ID) - base; i >= 0 {
		if i < len(tx.appended[ref.Owner]) {
			return *tx.appended[ref.Owner][i].Clone(), nil
		}
		return Order{}, fmt.Errorf("%w: %s/%d", ErrUnknownOrder, ref.Owner.Hex(), ref.ID)
	}
	return tx.b.Get(ref.Owner, ref.ID)
}

// Place validates r and appends it to owner's orders.
func (tx *Tx) Place(owner common.Address, r Request) (OrderID, error) {
	if r.BuyAsset == r.SellAsset {
		return 0, ErrSameAsset
	}
	if !tx.b.listing.Has(r.BuyAsset) {
		return 0, fmt.Errorf("%w: buy asset %d", ErrUnlistedAsset, r.BuyAsset)
	}
	if !tx.b.listing.Has(r.SellAsset) {
		return 0, fmt.Errorf("%w: sell asset %d", ErrUnlistedAsset, r.SellAsset)
	}
	if r.ValidFrom < tx.current {
		return 0, fmt.Errorf("%w: valid from %d, current %d", ErrPastValidFrom, r.ValidFrom, tx.current)
	}
	if r.BuyAmount == nil || r.SellAmount == nil {
		return 0, fmt.Errorf("%w: missing amount", ErrAmountTooLarge)
	}
	if !r.BuyAmount.FitsUint128() || !r.SellAmount.FitsUint128() {
		return 0, ErrAmountTooLarge
	}

	pending := tx.appended[owner]
	id := OrderID(tx.baseLen(owner) + len(pending))
	if len(pending) == 0 {
		tx.appenders = append(tx.appenders, owner)
		if !tx.known(owner) {
			tx.newOwners = append(tx.newOwners, owner)
		}
	}
	tx.appended[owner] = append(pending, &Order{
		BuyAsset:         r.BuyAsset,
		SellAsset:        r.SellAsset,
		ValidFrom:        r.ValidFrom,
		ValidUntil:       r.ValidUntil,
		PriceNumerator:   r.BuyAmount.Clone(),
		PriceDenominator: r.SellAmount.Clone(),
		UsedAmount:       num.Zero(),
	})
	return id, nil
}

// Cancel sets validUntil to min(validUntil, current) for each id.
// Orders already invalid are left alone.
func (tx *Tx) Cancel(owner common.Address, ids []OrderID) error {
	for _, id := range ids {
		ref := Ref{owner, id}
		cur, err := tx.Order(ref)
		if err != nil {
			return err
		}
		if cur.Freed || cur.ValidUntil <= tx.current {
			continue
		}
		o, err := tx.mutable(ref)
		if err != nil {
			return err
		}
		o.ValidUntil = tx.current
	}
	return nil
}

// Reclaim frees orders whose validUntil is before the previous batch. A
// settlement for the previous batch may still revert orders valid in it.
func (tx *Tx) Reclaim(owner common.Address, ids []OrderID) error {
	for _, id := range ids {
		ref := Ref{owner, id}
		o, err := tx.mutable(ref)
		if err != nil {
			return err
		}
		if o.Freed {
			continue
		}
		if uint64(o.ValidUntil)+1 >= uint64(tx.current) {
			return fmt.Errorf("%w: %s/%d valid until %d, current %d", ErrStillValid, owner.Hex(), id, o.ValidUntil, tx.current)
		}
		*o = *tombstone()
	}
	return nil
}

// AddUsed records amount as executed against ref. Unlimited orders are unchanged.
func (tx *Tx) AddUsed(ref Ref, amount *num.Uint) error {
	o, err := tx.mutable(ref)
	if err != nil {
		return err
	}
	switch o.Limit().(type) {
	case Unlimited:
	case Limited:
		o.UsedAmount = num.Zero().Add(o.UsedAmount, amount)
	}
	return nil
}

// SubUsed undoes AddUsed.
func (tx *Tx) SubUsed(ref Ref, amount *num.Uint) error {
	o, err := tx.mutable(ref)
	if err != nil {
		return err
	}
	switch o.Limit().(type) {
	case Unlimited:
	case Limited:
		rest, neg := num.Zero().SubOverflow(o.UsedAmount, amount)
		if neg {
			return fmt.Errorf("%w: %s/%d", ErrUsedUnderflow, ref.Owner.Hex(), ref.ID)
		}
		o.UsedAmount = rest
	}
	return nil
}

// Flush writes every staged and appended order, and any new owners, to w.
func (tx *Tx) Flush(w Store) error {
	for _, ref := range tx.touched {
		if err := w.SaveOrder(ref.Owner, ref.ID, tx.staged[ref]); err != nil {
			return fmt.Errorf("save order %s/%d: %w", ref.Owner.Hex(), ref.ID, err)
		}
	}
	for _, owner := range tx.appenders {
		base := tx.baseLen(owner)
		for i, o := range tx.appended[owner] {
			id := OrderID(base + i)
			if err := w.SaveOrder(owner, id, o); err != nil {
				return fmt.Errorf("save order %s/%d: %w", owner.Hex(), id, err)
			}
		}
	}
	tx.b.mu.RLock()
	seq := len(tx.b.owners)
	tx.b.mu.RUnlock()
	for i, owner := range tx.newOwners {
		if err := w.SaveOwner(uint32(seq+i), owner); err != nil {
			return fmt.Errorf("save owner %s: %w", owner.Hex(), err)
		}
	}
	return nil
}

// Apply installs the staged changes into the book.
func (tx *Tx) Apply() {
	b := tx.b
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ref := range tx.touched {
		b.orders[ref.Owner][ref.ID] = tx.staged[ref]
	}
	for _, owner := range tx.appenders {
		b.orders[owner] = append(b.orders[owner], tx.appended[owner]...)
	}
	b.owners = append(b.owners, tx.newOwners...)
	tx.staged, tx.touched = nil, nil
	tx.appended, tx.appenders, tx.newOwners = nil, nil, nil
}
