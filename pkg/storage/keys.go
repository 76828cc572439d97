package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/batchex/pkg/app/core/asset"
	"github.com/uhyunpark/batchex/pkg/app/core/orderbook"
)

// Key schema. Numeric parts are zero padded so a prefix scan returns
// records in numeric order:
//
//	bal:<address>:<asset>   → ledger.Balance (JSON)
//	ord:<address>:<orderID> → orderbook.Order (JSON)
//	own:<seq>               → owner address, in first-placement order
//	tok:<asset>             → registry.Token (JSON)
//	cus:<address>:<asset>   → external holding in custody (JSON decimal)
//	sol                     → settlement.Solution (gob)
const (
	prefixBalance = "bal:"
	prefixOrder   = "ord:"
	prefixOwner   = "own:"
	prefixToken   = "tok:"
	prefixHolding = "cus:"
	keySolution   = "sol"
)

// balanceKey returns the key for one balance record
// Format: "bal:{address}:{asset}"
func balanceKey(owner common.Address, id asset.ID) []byte {
	return []byte(fmt.Sprintf("%s%s:%05d", prefixBalance, owner.Hex(), id))
}

// orderKey returns the key for an order
// Format: "ord:{address}:{orderID}"
func orderKey(owner common.Address, id orderbook.OrderID) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d", prefixOrder, owner.Hex(), id))
}

func holdingKey(owner common.Address, id asset.ID) []byte {
	return []byte(fmt.Sprintf("%s%s:%05d", prefixHolding, owner.Hex(), id))
}

func ownerKey(seq uint32) []byte {
	return []byte(fmt.Sprintf("%s%010d", prefixOwner, seq))
}

func tokenKey(id asset.ID) []byte {
	return []byte(fmt.Sprintf("%s%05d", prefixToken, id))
}

// parseBalanceKey recovers the owner and asset of a balance key.
func parseBalanceKey(k []byte) (common.Address, asset.ID, error) {
	return parseAssetKey(prefixBalance, k)
}

func parseHoldingKey(k []byte) (common.Address, asset.ID, error) {
	return parseAssetKey(prefixHolding, k)
}

func parseAssetKey(prefix string, k []byte) (common.Address, asset.ID, error) {
	var id uint16
	s := string(k[len(prefix):])
	if len(s) < 43 || s[42] != ':' {
		return common.Address{}, 0, fmt.Errorf("malformed %s key %q", prefix, k)
	}
	if _, err := fmt.Sscanf(s[43:], "%d", &id); err != nil {
		return common.Address{}, 0, fmt.Errorf("malformed %s key %q", prefix, k)
	}
	return common.HexToAddress(s[:42]), asset.ID(id), nil
}

// parseOrderKey recovers the owner and id of an order key.
func parseOrderKey(k []byte) (common.Address, orderbook.OrderID, error) {
	var id uint32
	s := string(k[len(prefixOrder):])
	if len(s) < 43 || s[42] != ':' {
		return common.Address{}, 0, fmt.Errorf("malformed order key %q", k)
	}
	if _, err := fmt.Sscanf(s[43:], "%d", &id); err != nil {
		return common.Address{}, 0, fmt.Errorf("malformed order key %q", k)
	}
	return common.HexToAddress(s[:42]), orderbook.OrderID(id), nil
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
