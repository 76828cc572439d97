package exchange

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/uhyunpark/batchex/pkg/app/core/asset"
	"github.com/uhyunpark/batchex/pkg/app/core/batch"
	"github.com/uhyunpark/batchex/pkg/app/core/orderbook"
	"github.com/uhyunpark/batchex/pkg/num"
	"github.com/uhyunpark/batchex/pkg/storage"
)

type Kind string

const (
	KindCredited          Kind = "credited"
	KindDeposit           Kind = "deposit"
	KindWithdrawRequested Kind = "withdraw_requested"
	KindWithdraw          Kind = "withdraw"
	KindTokenListed       Kind = "token_listed"
	KindOrderPlaced       Kind = "order_placed"
	KindOrderCancelled    Kind = "order_cancelled"
	KindOrderReclaimed    Kind = "order_reclaimed"
	KindSolutionAccepted  Kind = "solution_accepted"
	// KindTradeSettled is emitted once per owner touched by an accepted solution.
	KindTradeSettled Kind = "trade_settled"
)

// Event describes one accepted mutation.
type Event struct {
	ID    string         `json:"id"`
	Kind  Kind           `json:"kind"`
	Batch batch.ID       `json:"batch"`
	Owner common.Address `json:"owner"`
	Data  any            `json:"data"`
}

// IsBalanceChange reports whether the event moved funds of Owner.
func (ev Event) IsBalanceChange() bool {
	switch ev.Kind {
	case KindDeposit, KindWithdraw, KindTradeSettled, KindTokenListed:
		return true
	}
	return false
}

type AssetAmount struct {
	Asset  asset.ID  `json:"asset"`
	Amount *num.Uint `json:"amount"`
}

type WithdrawRequest struct {
	Asset  asset.ID  `json:"asset"`
	Amount *num.Uint `json:"amount"`
	Batch  batch.ID  `json:"batch"`
}

type OrderIDs struct {
	IDs []orderbook.OrderID `json:"ids"`
}

type SolutionSummary struct {
	Batch     batch.ID  `json:"batch"`
	Objective *num.Uint `json:"objective"`
	FeeReward *num.Uint `json:"feeReward"`
	Trades    int       `json:"trades"`
}

// emit journals ev and hands it to the subscriber. Callers hold e.mu.
func (e *Exchange) emit(kind Kind, owner common.Address, data any) {
	ev := Event{
		ID:    uuid.NewString(),
		Kind:  kind,
		Batch: e.clock.Current(),
		Owner: owner,
		Data:  data,
	}
	err := e.wal.Append(storage.Entry{
		ID:     ev.ID,
		Kind:   string(kind),
		Batch:  uint32(ev.Batch),
		Time:   e.now.Now(),
		Fields: ev,
	})
	if err != nil {
		e.log.Warnw("journal_append_failed", "kind", kind, "err", err)
	}
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}
