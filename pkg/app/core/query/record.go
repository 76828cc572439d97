// Package query serves paginated, fixed-width views of the order book for
// off-exchange solvers.
package query

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/batchex/pkg/app/core/asset"
	"github.com/uhyunpark/batchex/pkg/app/core/batch"
	"github.com/uhyunpark/batchex/pkg/num"
)

// RecordSize is the encoded width of one order.
//
//	owner            20
//	sellTokenBalance 32
//	buyAssetId        2
//	sellAssetId       2
//	validFrom         4
//	validUntil        4
//	priceNumerator   16
//	priceDenominator 16
//	remainingAmount  16
const RecordSize = 112

// Record is one decoded order. A zero Record stands for a freed or
// out-of-window order.
type Record struct {
	Owner            common.Address
	SellTokenBalance *num.Uint
	BuyAsset         asset.ID
	SellAsset        asset.ID
	ValidFrom        batch.ID
	ValidUntil       batch.ID
	PriceNumerator   *num.Uint
	PriceDenominator *num.Uint
	Remaining        *num.Uint
}

// IsZero reports whether r is the placeholder for an unavailable order.
func (r Record) IsZero() bool {
	return r.Owner == (common.Address{}) && r.SellTokenBalance.IsZero() && r.PriceDenominator.IsZero()
}

func (r Record) encode(dst []byte) {
	copy(dst[0:20], r.Owner[:])
	r.SellTokenBalance.PutBytes(dst[20:52])
	binary.BigEndian.PutUint16(dst[52:54], uint16(r.BuyAsset))
	binary.BigEndian.PutUint16(dst[54:56], uint16(r.SellAsset))
	binary.BigEndian.PutUint32(dst[56:60], uint32(r.ValidFrom))
	binary.BigEndian.PutUint32(dst[60:64], uint32(r.ValidUntil))
	r.PriceNumerator.PutBytes(dst[64:80])
	r.PriceDenominator.PutBytes(dst[80:96])
	r.Remaining.PutBytes(dst[96:112])
}

// Decode splits packed records.
func Decode(b []byte) ([]Record, error) {
	if len(b)%RecordSize != 0 {
		return nil, fmt.Errorf("packed orders length %d is not a multiple of %d", len(b), RecordSize)
	}
	out := make([]Record, 0, len(b)/RecordSize)
	for off := 0; off < len(b); off += RecordSize {
		rec := b[off : off+RecordSize]
		var r Record
		copy(r.Owner[:], rec[0:20])
		r.SellTokenBalance = num.UintFromBytes(rec[20:52])
		r.BuyAsset = asset.ID(binary.BigEndian.Uint16(rec[52:54]))
		r.SellAsset = asset.ID(binary.BigEndian.Uint16(rec[54:56]))
		r.ValidFrom = batch.ID(binary.BigEndian.Uint32(rec[56:60]))
		r.ValidUntil = batch.ID(binary.BigEndian.Uint32(rec[60:64]))
		r.PriceNumerator = num.UintFromBytes(rec[64:80])
		r.PriceDenominator = num.UintFromBytes(rec[80:96])
		r.Remaining = num.UintFromBytes(rec[96:112])
		out = append(out, r)
	}
	return out, nil
}
