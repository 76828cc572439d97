package settlement

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/batchex/pkg/app/core/asset"
	"github.com/uhyunpark/batchex/pkg/app/core/batch"
	"github.com/uhyunpark/batchex/pkg/app/core/orderbook"
	"github.com/uhyunpark/batchex/pkg/num"
)

// Submission is a solver's proposal for one batch. Owners, OrderIDs and
// BuyVolumes are parallel; so are PriceAssetIDs and Prices.
type Submission struct {
	BatchID          batch.ID
	Solver           common.Address
	ClaimedObjective *num.Uint
	Owners           []common.Address
	OrderIDs         []orderbook.OrderID
	BuyVolumes       []*num.Uint
	PriceAssetIDs    []asset.ID
	Prices           []*num.Uint
}

// Trade is one executed order of an accepted solution. Both amounts are kept
// so the trade can be undone exactly.
type Trade struct {
	Owner        common.Address    `json:"owner"`
	OrderID      orderbook.OrderID `json:"orderId"`
	BuyAsset     asset.ID          `json:"buyAsset"`
	SellAsset    asset.ID          `json:"sellAsset"`
	ExecutedBuy  *num.Uint         `json:"executedBuy"`
	ExecutedSell *num.Uint         `json:"executedSell"`
}

// Solution is the incumbent for a batch.
type Solution struct {
	BatchID   batch.ID       `json:"batchId"`
	Solver    common.Address `json:"solver"`
	Objective *num.Uint      `json:"objective"`
	FeeReward *num.Uint      `json:"feeReward"`
	Trades    []Trade        `json:"trades"`
	PriceIDs  []asset.ID     `json:"priceAssetIds"`
	Prices    []*num.Uint    `json:"prices"`
}

func (s *Solution) Clone() *Solution {
	c := *s
	c.Objective = s.Objective.Clone()
	c.FeeReward = s.FeeReward.Clone()
	c.Trades = make([]Trade, len(s.Trades))
	for i, t := range s.Trades {
		t.ExecutedBuy = t.ExecutedBuy.Clone()
		t.ExecutedSell = t.ExecutedSell.Clone()
		c.Trades[i] = t
	}
	c.PriceIDs = append([]asset.ID(nil), s.PriceIDs...)
	c.Prices = make([]*num.Uint, len(s.Prices))
	for i, p := range s.Prices {
		c.Prices[i] = p.Clone()
	}
	return &c
}

// State is where a batch is in its settlement lifecycle.
type State int

const (
	NoSolution State = iota
	HasSolution
	Finalized
)

func (s State) String() string {
	switch s {
	case NoSolution:
		return "no_solution"
	case HasSolution:
		return "has_solution"
	case Finalized:
		return "finalized"
	default:
		return "unknown"
	}
}
