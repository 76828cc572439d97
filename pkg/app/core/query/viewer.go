package query

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/batchex/pkg/app/core/batch"
	"github.com/uhyunpark/batchex/pkg/app/core/ledger"
	"github.com/uhyunpark/batchex/pkg/app/core/orderbook"
	"github.com/uhyunpark/batchex/pkg/num"
)

// Mode selects which batch a page describes.
type Mode int

const (
	// Open describes the batch collecting orders now. Balances include
	// deposits and withdraw requests that mature when it closes.
	Open Mode = iota
	// Finalized describes the batch being solved. Balances reflect only
	// matured state.
	Finalized
)

func (m Mode) String() string {
	if m == Finalized {
		return "finalized"
	}
	return "open"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "open":
		return Open, nil
	case "finalized":
		return Finalized, nil
	}
	return 0, fmt.Errorf("unknown order book mode %q", s)
}

// Cursor continues a listing after the last record of the previous page.
// A zero LastOwner starts at the first owner.
type Cursor struct {
	LastOwner common.Address `json:"lastOwner"`
	Offset    uint32         `json:"offset"`
	PageSize  int            `json:"pageSize"`
}

type Viewer struct {
	ledger *ledger.Ledger
	book   *orderbook.Book
	clock  *batch.Clock
}

func NewViewer(l *ledger.Ledger, book *orderbook.Book, clock *batch.Clock) *Viewer {
	return &Viewer{ledger: l, book: book, clock: clock}
}

// batches returns the batch whose validity window applies and the batch at
// which balances are read.
func (v *Viewer) batches(mode Mode) (valid, balanceAt batch.ID) {
	current := v.clock.Current()
	if mode == Finalized {
		return current - 1, current
	}
	return current, current + 1
}

func (v *Viewer) record(owner common.Address, o orderbook.Order, valid, balanceAt batch.ID) Record {
	if !o.ValidAt(valid) {
		return Record{
			SellTokenBalance: num.Zero(),
			PriceNumerator:   num.Zero(),
			PriceDenominator: num.Zero(),
			Remaining:        num.Zero(),
		}
	}
	return Record{
		Owner:            owner,
		SellTokenBalance: v.ledger.BalanceAt(owner, o.SellAsset, balanceAt),
		BuyAsset:         o.BuyAsset,
		SellAsset:        o.SellAsset,
		ValidFrom:        o.ValidFrom,
		ValidUntil:       o.ValidUntil,
		PriceNumerator:   o.PriceNumerator,
		PriceDenominator: o.PriceDenominator,
		Remaining:        o.Remaining(),
	}
}

func (v *Viewer) encode(owner common.Address, orders []orderbook.Order, mode Mode) []byte {
	valid, balanceAt := v.batches(mode)
	out := make([]byte, len(orders)*RecordSize)
	for i, o := range orders {
		v.record(owner, o, valid, balanceAt).encode(out[i*RecordSize:])
	}
	return out
}

// UserOrders encodes up to pageSize of owner's orders starting at offset.
// It returns nil when there is nothing at offset.
func (v *Viewer) UserOrders(mode Mode, owner common.Address, offset uint32, pageSize int) []byte {
	orders := v.book.Orders(owner)
	if int(offset) >= len(orders) || pageSize <= 0 {
		return nil
	}
	end := int(offset) + pageSize
	if end > len(orders) {
		end = len(orders)
	}
	return v.encode(owner, orders[offset:end], mode)
}

// Users encodes up to c.PageSize orders across owners in first-placement
// order, resuming at c. It returns nil and c unchanged when no orders remain,
// otherwise the page and the cursor for the next call.
func (v *Viewer) Users(mode Mode, c Cursor) ([]byte, Cursor) {
	if c.PageSize <= 0 {
		return nil, c
	}
	owners := v.book.Owners()
	start := 0
	if c.LastOwner != (common.Address{}) {
		start = -1
		for i, o := range owners {
			if o == c.LastOwner {
				start = i
				break
			}
		}
		if start < 0 {
			return nil, c
		}
	}

	var out []byte
	next := c
	remaining := c.PageSize
	offset := c.Offset
	for i := start; i < len(owners) && remaining > 0; i++ {
		owner := owners[i]
		page := v.UserOrders(mode, owner, offset, remaining)
		offset = 0 // owners after the first start at their first order
		if page == nil {
			continue
		}
		n := len(page) / RecordSize
		out = append(out, page...)
		remaining -= n
		next = Cursor{LastOwner: owner, PageSize: c.PageSize}
		if i == start {
			next.Offset = c.Offset + uint32(n)
		} else {
			next.Offset = uint32(n)
		}
	}
	if len(out) == 0 {
		return nil, c
	}
	return out, next
}
