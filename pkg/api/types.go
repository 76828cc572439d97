package api

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/batchex/pkg/app/core/asset"
	"github.com/uhyunpark/batchex/pkg/app/core/batch"
	"github.com/uhyunpark/batchex/pkg/app/core/orderbook"
	"github.com/uhyunpark/batchex/pkg/app/core/query"
	"github.com/uhyunpark/batchex/pkg/app/core/settlement"
	"github.com/uhyunpark/batchex/pkg/num"
)

// API request and response types for REST endpoints and WebSocket messages.
// Amounts are decimal strings.

// ==============================
// REST Request Types
// ==============================

type RegisterTokenRequest struct {
	Caller common.Address `json:"caller"`
	Ref    common.Address `json:"ref"`
}

// CreditRequest credits external funds to Owner's holding in custody.
type CreditRequest struct {
	Owner  common.Address `json:"owner"`
	Asset  asset.ID       `json:"asset"`
	Amount *num.Uint      `json:"amount"`
}

type DepositRequest struct {
	Owner  common.Address `json:"owner"`
	Asset  asset.ID       `json:"asset"`
	Amount *num.Uint      `json:"amount"`
}

// WithdrawRequestRequest asks for a withdrawal. A missing Batch means the
// current batch.
type WithdrawRequestRequest struct {
	Owner  common.Address `json:"owner"`
	Asset  asset.ID       `json:"asset"`
	Amount *num.Uint      `json:"amount"`
	Batch  *batch.ID      `json:"batch,omitempty"`
}

type WithdrawRequest struct {
	Owner common.Address `json:"owner"`
	Asset asset.ID       `json:"asset"`
}

type PlaceOrdersRequest struct {
	Owner  common.Address      `json:"owner"`
	Orders []orderbook.Request `json:"orders"`
}

type OrderIDsRequest struct {
	Owner common.Address      `json:"owner"`
	IDs   []orderbook.OrderID `json:"ids"`
}

type ReplaceOrdersRequest struct {
	Owner  common.Address      `json:"owner"`
	Cancel []orderbook.OrderID `json:"cancel"`
	Orders []orderbook.Request `json:"orders"`
}

type SolutionRequest struct {
	BatchID          batch.ID            `json:"batchId"`
	Solver           common.Address      `json:"solver"`
	ClaimedObjective *num.Uint           `json:"claimedObjective"`
	Owners           []common.Address    `json:"owners"`
	OrderIDs         []orderbook.OrderID `json:"orderIds"`
	BuyVolumes       []*num.Uint         `json:"buyVolumes"`
	PriceAssetIDs    []asset.ID          `json:"priceAssetIds"`
	Prices           []*num.Uint         `json:"prices"`
}

func (r SolutionRequest) submission() settlement.Submission {
	return settlement.Submission{
		BatchID:          r.BatchID,
		Solver:           r.Solver,
		ClaimedObjective: r.ClaimedObjective,
		Owners:           r.Owners,
		OrderIDs:         r.OrderIDs,
		BuyVolumes:       r.BuyVolumes,
		PriceAssetIDs:    r.PriceAssetIDs,
		Prices:           r.Prices,
	}
}

// ==============================
// REST Response Types
// ==============================

type HealthResponse struct {
	Status string   `json:"status"`
	Batch  batch.ID `json:"batch"`
}

type OrderIDsResponse struct {
	IDs []orderbook.OrderID `json:"ids"`
}

type HoldingResponse struct {
	Owner   common.Address `json:"owner"`
	Asset   asset.ID       `json:"asset"`
	Holding *num.Uint      `json:"holding"`
}

type AmountResponse struct {
	Amount *num.Uint `json:"amount"`
}

// OrdersPage carries packed 112-byte order records. Orders is null when the
// page is absent.
type OrdersPage struct {
	Orders *hexutil.Bytes `json:"orders"`
	Next   *query.Cursor  `json:"next,omitempty"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`   // error class
	Message string `json:"message"` // Human-readable message
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest represents a WebSocket subscription request
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["solutions", "orders:0xabc..."]
}

// WSMessage wraps an event with the channel it was published on.
type WSMessage struct {
	Channel string `json:"channel"`
	Event   any    `json:"event"`
}
