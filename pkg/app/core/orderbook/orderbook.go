// Package orderbook stores standing orders per owner. Orders are never matched
// here; settlements consume them through a Tx.
package orderbook

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/batchex/pkg/app/core/asset"
	"github.com/uhyunpark/batchex/pkg/app/core/batch"
	"github.com/uhyunpark/batchex/pkg/num"
	"github.com/uhyunpark/batchex/pkg/util"
)

var (
	ErrSameAsset      = errors.New("buy and sell asset must differ")
	ErrUnlistedAsset  = errors.New("asset not listed")
	ErrPastValidFrom  = errors.New("order cannot be valid from a past batch")
	ErrAmountTooLarge = errors.New("amount exceeds 128 bits")
	ErrUnknownOrder   = errors.New("unknown order")
	ErrStillValid     = errors.New("order still valid or expired too recently")
	ErrUsedUnderflow  = errors.New("used amount underflow")
)

// Listing reports whether an asset id is registered.
type Listing interface {
	Has(id asset.ID) bool
}

// Store persists orders and the first-placement order of owners.
type Store interface {
	SaveOrder(owner common.Address, id OrderID, o *Order) error
	SaveOwner(seq uint32, owner common.Address) error
}

type nopStore struct{}

func (nopStore) SaveOrder(common.Address, OrderID, *Order) error { return nil }
func (nopStore) SaveOwner(uint32, common.Address) error          { return nil }

// Book is an arena of orders keyed by (owner, index).
type Book struct {
	mu     sync.RWMutex
	orders map[common.Address][]*Order
	owners []common.Address // in order of first placement

	clock   *batch.Clock
	listing Listing
	store   Store
	log     *zap.SugaredLogger
}

func New(clock *batch.Clock, listing Listing, store Store, log *zap.SugaredLogger) *Book {
	if store == nil {
		store = nopStore{}
	}
	if log == nil {
		log = util.NopSugar()
	}
	return &Book{
		orders:  make(map[common.Address][]*Order),
		clock:   clock,
		listing: listing,
		store:   store,
		log:     log,
	}
}

// Place adds an order valid from the current batch through validUntil.
func (b *Book) Place(owner common.Address, buy, sell asset.ID, validUntil batch.ID, buyAmount, sellAmount *num.Uint) (OrderID, error) {
	return b.PlaceWithValidFrom(owner, buy, sell, b.clock.Current(), validUntil, buyAmount, sellAmount)
}

// PlaceWithValidFrom adds an order that becomes matchable at validFrom.
func (b *Book) PlaceWithValidFrom(owner common.Address, buy, sell asset.ID, validFrom, validUntil batch.ID, buyAmount, sellAmount *num.Uint) (OrderID, error) {
	ids, err := b.PlaceBatch(owner, []Request{{
		BuyAsset:   buy,
		SellAsset:  sell,
		ValidFrom:  validFrom,
		ValidUntil: validUntil,
		BuyAmount:  buyAmount,
		SellAmount: sellAmount,
	}})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// PlaceBatch adds several orders at once. Either all are placed or none.
func (b *Book) PlaceBatch(owner common.Address, reqs []Request) ([]OrderID, error) {
	return b.ReplaceOrders(owner, nil, reqs)
}

// Cancel ends the validity of the given orders after the current batch.
func (b *Book) Cancel(owner common.Address, ids []OrderID) error {
	tx := b.Begin()
	if err := tx.Cancel(owner, ids); err != nil {
		return err
	}
	if err := b.commit(tx); err != nil {
		return err
	}
	b.log.Debugw("orders_cancelled", "owner", owner.Hex(), "ids", ids, "batch", tx.current)
	return nil
}

// ReplaceOrders cancels ids and places reqs as one operation.
func (b *Book) ReplaceOrders(owner common.Address, cancel []OrderID, reqs []Request) ([]OrderID, error) {
	tx := b.Begin()
	if err := tx.Cancel(owner, cancel); err != nil {
		return nil, err
	}
	ids := make([]OrderID, 0, len(reqs))
	for i, r := range reqs {
		id, err := tx.Place(owner, r)
		if err != nil {
			return nil, fmt.Errorf("order %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	if err := b.commit(tx); err != nil {
		return nil, err
	}
	b.log.Debugw("orders_placed", "owner", owner.Hex(), "ids", ids, "cancelled", len(cancel), "batch", tx.current)
	return ids, nil
}

// ReclaimStorage frees orders that have been invalid for a full batch.
func (b *Book) ReclaimStorage(owner common.Address, ids []OrderID) error {
	tx := b.Begin()
	if err := tx.Reclaim(owner, ids); err != nil {
		return err
	}
	return b.commit(tx)
}

func (b *Book) commit(tx *Tx) error {
	if err := tx.Flush(b.store); err != nil {
		return err
	}
	tx.Apply()
	return nil
}

func (b *Book) lookup(ref Ref) (*Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	list := b.orders[ref.Owner]
	if int(ref.ID) >= len(list) {
		return nil, false
	}
	return list[ref.ID], true
}

// Get returns a copy of one order.
func (b *Book) Get(owner common.Address, id OrderID) (Order, error) {
	o, ok := b.lookup(Ref{owner, id})
	if !ok {
		return Order{}, fmt.Errorf("%w: %s/%d", ErrUnknownOrder, owner.Hex(), id)
	}
	return *o.Clone(), nil
}

// Orders returns copies of all of owner's orders, tombstones included, in id order.
func (b *Book) Orders(owner common.Address) []Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	list := b.orders[owner]
	out := make([]Order, len(list))
	for i, o := range list {
		out[i] = *o.Clone()
	}
	return out
}

// Count is the number of orders owner has ever placed.
func (b *Book) Count(owner common.Address) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.orders[owner])
}

// Owners lists every account that has placed an order, in first-placement order.
func (b *Book) Owners() []common.Address {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]common.Address, len(b.owners))
	copy(out, b.owners)
	return out
}

// RestoreOwner installs a persisted owner at position seq.
func (b *Book) RestoreOwner(seq uint32, owner common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(seq) != len(b.owners) {
		return fmt.Errorf("owner %s restored at %d, expected %d", owner.Hex(), seq, len(b.owners))
	}
	b.owners = append(b.owners, owner)
	if _, ok := b.orders[owner]; !ok {
		b.orders[owner] = nil
	}
	return nil
}

// RestoreOrder installs a persisted order. Orders of one owner must arrive in id order.
func (b *Book) RestoreOrder(owner common.Address, id OrderID, o *Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(id) != len(b.orders[owner]) {
		return fmt.Errorf("order %s/%d restored out of sequence", owner.Hex(), id)
	}
	b.orders[owner] = append(b.orders[owner], o)
	return nil
}
