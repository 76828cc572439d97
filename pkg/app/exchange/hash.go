package exchange

import (
	"encoding/binary"
	"hash"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/batchex/pkg/app/core/ledger"
	"github.com/uhyunpark/batchex/pkg/num"
)

// StateHash is a Keccak-256 digest of the persistent state. Two exchanges
// with the same history have the same hash.
//
// Components, in order:
//  1. tokens by id: id, reference
//  2. balances by (owner, asset): stored, pending deposit, pending withdraw, last credit batch
//  3. owners in first-placement order, each followed by its orders in id order
//  4. the incumbent solution, if any: batch, solver, objective, trades, prices
func (e *Exchange) StateHash() common.Hash {
	e.mu.RLock()
	defer e.mu.RUnlock()

	h := sha3.NewLegacyKeccak256()
	var buf [8]byte
	putU32 := func(v uint32) {
		binary.BigEndian.PutUint32(buf[:4], v)
		h.Write(buf[:4])
	}

	for _, t := range e.registry.List() {
		putU32(uint32(t.ID))
		h.Write(t.Ref.Bytes())
	}

	e.ledger.Range(func(k ledger.Key, b ledger.Balance) {
		h.Write(k.Owner.Bytes())
		putU32(uint32(k.Asset))
		writeUint(h, b.Stored)
		writeFlux(h, b.PendingDeposit)
		writeFlux(h, b.PendingWithdraw)
		putU32(uint32(b.LastCreditBatchID))
	})

	for _, owner := range e.book.Owners() {
		h.Write(owner.Bytes())
		for _, o := range e.book.Orders(owner) {
			putU32(uint32(o.BuyAsset)<<16 | uint32(o.SellAsset))
			putU32(uint32(o.ValidFrom))
			putU32(uint32(o.ValidUntil))
			writeUint(h, o.PriceNumerator)
			writeUint(h, o.PriceDenominator)
			writeUint(h, o.UsedAmount)
			if o.Freed {
				h.Write([]byte{1})
			} else {
				h.Write([]byte{0})
			}
		}
	}

	if sol, ok := e.engine.Latest(); ok {
		putU32(uint32(sol.BatchID))
		h.Write(sol.Solver.Bytes())
		writeUint(h, sol.Objective)
		writeUint(h, sol.FeeReward)
		for _, t := range sol.Trades {
			h.Write(t.Owner.Bytes())
			putU32(uint32(t.OrderID))
			writeUint(h, t.ExecutedBuy)
			writeUint(h, t.ExecutedSell)
		}
		for i, id := range sol.PriceIDs {
			putU32(uint32(id))
			writeUint(h, sol.Prices[i])
		}
	}

	var out common.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func writeUint(h hash.Hash, u *num.Uint) {
	var b [32]byte
	if u != nil {
		u.PutBytes(b[:])
	}
	h.Write(b[:])
}

func writeFlux(h hash.Hash, f ledger.Flux) {
	writeUint(h, f.Amount)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(f.BatchID))
	h.Write(b[:])
}
