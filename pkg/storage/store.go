// Package storage persists exchange state in Pebble.
package storage

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/batchex/pkg/app/core/asset"
	"github.com/uhyunpark/batchex/pkg/app/core/ledger"
	"github.com/uhyunpark/batchex/pkg/app/core/orderbook"
	"github.com/uhyunpark/batchex/pkg/app/core/registry"
	"github.com/uhyunpark/batchex/pkg/app/core/settlement"
	"github.com/uhyunpark/batchex/pkg/num"
)

// Batch collects writes that become durable together on Commit.
// Close must be called whether or not Commit was.
type Batch interface {
	SaveBalance(k ledger.Key, b *ledger.Balance) error
	SaveOrder(owner common.Address, id orderbook.OrderID, o *orderbook.Order) error
	SaveOwner(seq uint32, owner common.Address) error
	SaveToken(t registry.Token) error
	SaveSolution(s *settlement.Solution) error
	Commit() error
	Close() error
}

// Store is the durable backing of the exchange. Its Save methods write
// through immediately.
type Store interface {
	SaveBalance(k ledger.Key, b *ledger.Balance) error
	SaveOrder(owner common.Address, id orderbook.OrderID, o *orderbook.Order) error
	SaveOwner(seq uint32, owner common.Address) error
	SaveToken(t registry.Token) error
	SaveSolution(s *settlement.Solution) error
	SaveHolding(owner common.Address, id asset.ID, amount *num.Uint) error
	NewBatch() Batch
	Load() (*Snapshot, error)
	Close() error
}

// Snapshot is everything needed to rebuild the exchange at startup.
// Tokens, owners and each owner's orders are in id order.
type Snapshot struct {
	Tokens   []registry.Token
	Balances []BalanceRecord
	Owners   []common.Address
	Orders   []OrderRecord
	Solution *settlement.Solution
	Holdings []HoldingRecord
}

type BalanceRecord struct {
	Key     ledger.Key
	Balance *ledger.Balance
}

type HoldingRecord struct {
	Owner  common.Address
	Asset  asset.ID
	Amount *num.Uint
}

type OrderRecord struct {
	Owner common.Address
	ID    orderbook.OrderID
	Order *orderbook.Order
}

type setter interface {
	set(k, v []byte) error
}

type scanner interface {
	scan(prefix []byte, fn func(k, v []byte) error) error
	get(k []byte) ([]byte, bool, error)
}

// records encodes domain values onto a key/value setter.
type records struct {
	kv setter
}

func (r records) SaveBalance(k ledger.Key, b *ledger.Balance) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal balance: %w", err)
	}
	if err := r.kv.set(balanceKey(k.Owner, k.Asset), data); err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}

func (r records) SaveOrder(owner common.Address, id orderbook.OrderID, o *orderbook.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := r.kv.set(orderKey(owner, id), data); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (r records) SaveOwner(seq uint32, owner common.Address) error {
	if err := r.kv.set(ownerKey(seq), owner.Bytes()); err != nil {
		return fmt.Errorf("failed to save owner: %w", err)
	}
	return nil
}

func (r records) SaveToken(t registry.Token) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := r.kv.set(tokenKey(t.ID), data); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

func (r records) SaveSolution(s *settlement.Solution) error {
	data, err := encodeGob(s)
	if err != nil {
		return fmt.Errorf("encode solution: %w", err)
	}
	if err := r.kv.set([]byte(keySolution), data); err != nil {
		return fmt.Errorf("failed to save solution: %w", err)
	}
	return nil
}

func (r records) SaveHolding(owner common.Address, id asset.ID, amount *num.Uint) error {
	data, err := json.Marshal(amount)
	if err != nil {
		return fmt.Errorf("failed to marshal holding: %w", err)
	}
	if err := r.kv.set(holdingKey(owner, id), data); err != nil {
		return fmt.Errorf("failed to save holding: %w", err)
	}
	return nil
}

func load(sc scanner) (*Snapshot, error) {
	snap := &Snapshot{}

	err := sc.scan([]byte(prefixToken), func(_, v []byte) error {
		var t registry.Token
		if err := json.Unmarshal(v, &t); err != nil {
			return fmt.Errorf("failed to unmarshal token: %w", err)
		}
		snap.Tokens = append(snap.Tokens, t)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = sc.scan([]byte(prefixBalance), func(k, v []byte) error {
		owner, id, err := parseBalanceKey(k)
		if err != nil {
			return err
		}
		var b ledger.Balance
		if err := json.Unmarshal(v, &b); err != nil {
			return fmt.Errorf("failed to unmarshal balance: %w", err)
		}
		snap.Balances = append(snap.Balances, BalanceRecord{Key: ledger.Key{Owner: owner, Asset: id}, Balance: &b})
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = sc.scan([]byte(prefixOwner), func(_, v []byte) error {
		snap.Owners = append(snap.Owners, common.BytesToAddress(v))
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = sc.scan([]byte(prefixOrder), func(k, v []byte) error {
		owner, id, err := parseOrderKey(k)
		if err != nil {
			return err
		}
		var o orderbook.Order
		if err := json.Unmarshal(v, &o); err != nil {
			return fmt.Errorf("failed to unmarshal order: %w", err)
		}
		snap.Orders = append(snap.Orders, OrderRecord{Owner: owner, ID: id, Order: &o})
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = sc.scan([]byte(prefixHolding), func(k, v []byte) error {
		owner, id, err := parseHoldingKey(k)
		if err != nil {
			return err
		}
		amount := num.Zero()
		if err := json.Unmarshal(v, amount); err != nil {
			return fmt.Errorf("failed to unmarshal holding: %w", err)
		}
		snap.Holdings = append(snap.Holdings, HoldingRecord{Owner: owner, Asset: id, Amount: amount})
		return nil
	})
	if err != nil {
		return nil, err
	}

	data, ok, err := sc.get([]byte(keySolution))
	if err != nil {
		return nil, fmt.Errorf("failed to get solution: %w", err)
	}
	if ok {
		var s settlement.Solution
		if err := decodeGob(data, &s); err != nil {
			return nil, fmt.Errorf("decode solution: %w", err)
		}
		snap.Solution = &s
	}
	return snap, nil
}
