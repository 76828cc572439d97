// Package asset defines asset identifiers and the boundary to external custody.
package asset

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/batchex/pkg/num"
)

// ID is the small sequential id the registry assigns to a listed asset.
type ID uint16

// FeeID is the numeraire. Its price is pinned and it collects trading fees.
const FeeID ID = 0

// Ref is the external identifier of an asset (token contract address).
type Ref = common.Address

// Transferer moves assets between an account's external custody and the exchange.
// Implementations return an error without side effects when a transfer cannot happen.
type Transferer interface {
	TransferIn(from common.Address, id ID, amount *num.Uint) error
	TransferOut(to common.Address, id ID, amount *num.Uint) error
}

var (
	ErrInsufficientFunds = errors.New("insufficient external funds")
	ErrHoldingOverflow   = errors.New("external holding overflow")
)

type holding struct {
	owner common.Address
	id    ID
}

// HoldingStore persists external holdings. Each write replaces the amount.
type HoldingStore interface {
	SaveHolding(owner common.Address, id ID, amount *num.Uint) error
}

// Vault is a Transferer that custodies external funds itself. It stands in for
// the external token contracts in tests, and in single-node deployments where
// an operator credits funds bridged in out of band. With a HoldingStore every
// change is written through before it becomes visible.
type Vault struct {
	mu       sync.Mutex
	holdings map[holding]*num.Uint
	store    HoldingStore
}

func NewVault() *Vault {
	return &Vault{holdings: make(map[holding]*num.Uint)}
}

func NewPersistentVault(store HoldingStore) *Vault {
	v := NewVault()
	v.store = store
	return v
}

// Restore installs a persisted holding at startup.
func (v *Vault) Restore(owner common.Address, id ID, amount *num.Uint) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.holdings[holding{owner, id}] = amount.Clone()
}

func (v *Vault) current(k holding) *num.Uint {
	if cur, ok := v.holdings[k]; ok {
		return cur
	}
	return num.Zero()
}

// set must be called with mu held.
func (v *Vault) set(k holding, amount *num.Uint) error {
	if v.store != nil {
		if err := v.store.SaveHolding(k.owner, k.id, amount); err != nil {
			return fmt.Errorf("save holding %s/%d: %w", k.owner.Hex(), k.id, err)
		}
	}
	v.holdings[k] = amount
	return nil
}

// Mint credits external funds to owner.
func (v *Vault) Mint(owner common.Address, id ID, amount *num.Uint) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	k := holding{owner, id}
	sum, overflow := num.Zero().AddOverflow(v.current(k), amount)
	if overflow {
		return fmt.Errorf("%w: holding of %s", ErrHoldingOverflow, owner.Hex())
	}
	return v.set(k, sum)
}

// Holding returns the external balance of owner.
func (v *Vault) Holding(owner common.Address, id ID) *num.Uint {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current(holding{owner, id}).Clone()
}

func (v *Vault) TransferIn(from common.Address, id ID, amount *num.Uint) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	k := holding{from, id}
	cur := v.current(k)
	rest, neg := num.Zero().SubOverflow(cur, amount)
	if neg {
		return fmt.Errorf("%w: %s holds %s of asset %d, needs %s", ErrInsufficientFunds, from.Hex(), cur, id, amount)
	}
	return v.set(k, rest)
}

func (v *Vault) TransferOut(to common.Address, id ID, amount *num.Uint) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	k := holding{to, id}
	sum, overflow := num.Zero().AddOverflow(v.current(k), amount)
	if overflow {
		return fmt.Errorf("%w: holding of %s", ErrHoldingOverflow, to.Hex())
	}
	return v.set(k, sum)
}

var _ Transferer = (*Vault)(nil)
