package api

import (
	"errors"
	"net/http"

	"github.com/uhyunpark/batchex/pkg/app/core/asset"
	"github.com/uhyunpark/batchex/pkg/app/core/ledger"
	"github.com/uhyunpark/batchex/pkg/app/core/orderbook"
	"github.com/uhyunpark/batchex/pkg/app/core/registry"
	"github.com/uhyunpark/batchex/pkg/app/core/settlement"
	"github.com/uhyunpark/batchex/pkg/app/exchange"
)

var errBadRequest = errors.New("bad request")

type errorClass struct {
	name   string
	status int
	errs   []error
}

var classes = []errorClass{
	{"structural", http.StatusBadRequest, []error{
		errBadRequest,
		settlement.ErrShapeMismatch, settlement.ErrTooManyOrders, settlement.ErrPriceOrdering,
		settlement.ErrFeePriceGiven, settlement.ErrPriceTooLow, settlement.ErrPriceMissing,
		settlement.ErrOverflow, settlement.ErrMissingSolver,
		ledger.ErrZeroAmount, ledger.ErrOverflow,
		orderbook.ErrSameAsset, orderbook.ErrUnlistedAsset, orderbook.ErrAmountTooLarge, orderbook.ErrUnknownOrder,
		registry.ErrUnknownAsset, exchange.ErrNoCredits,
	}},
	{"temporal", http.StatusConflict, []error{
		settlement.ErrWindowClosed, settlement.ErrOrderInvalid,
		ledger.ErrPastBatch, ledger.ErrNotYetClaimable, ledger.ErrBlockedThisBatch,
		orderbook.ErrPastValidFrom, orderbook.ErrStillValid,
		registry.ErrAlreadyRegistered,
	}},
	{"economic", http.StatusUnprocessableEntity, []error{
		settlement.ErrInsufficientImprovement, settlement.ErrExceedsOrderAmount,
		settlement.ErrLimitPriceViolated, settlement.ErrBelowMinimum,
		settlement.ErrConservationViolated, settlement.ErrNegativeUtility,
		settlement.ErrZeroOrNegativeObjective, settlement.ErrFeeAssetUntouched,
		ledger.ErrInsufficientBalance, ledger.ErrUnderflow, ledger.ErrTransferFailed,
		registry.ErrInsufficientFee, registry.ErrCapacityExceeded,
		orderbook.ErrUsedUnderflow, asset.ErrHoldingOverflow,
	}},
}

// classify maps an error to its class name and HTTP status.
func classify(err error) (string, int) {
	for _, c := range classes {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.name, c.status
			}
		}
	}
	return "internal", http.StatusInternalServerError
}
