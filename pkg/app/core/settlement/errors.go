package settlement

import "errors"

// Structural errors are raised before anything is staged.
var (
	ErrShapeMismatch = errors.New("solution arrays differ in length")
	ErrTooManyOrders = errors.New("too many touched orders")
	ErrPriceOrdering = errors.New("price asset ids must be strictly increasing")
	ErrFeePriceGiven = errors.New("fee asset price is fixed and cannot be supplied")
	ErrPriceTooLow   = errors.New("price below minimum")
	ErrPriceMissing  = errors.New("no price supplied for traded asset")
	ErrOverflow      = errors.New("amount exceeds 128 bits or arithmetic overflow")
	ErrMissingSolver = errors.New("solver address required")
)

// Temporal errors depend on the batch clock.
var (
	ErrWindowClosed = errors.New("solutions are not accepted for this batch")
	ErrOrderInvalid = errors.New("order not valid in target batch")
)

// Economic errors are raised after reverting and applying trades on staged state.
var (
	ErrInsufficientImprovement = errors.New("objective does not improve enough on the current solution")
	ErrExceedsOrderAmount      = errors.New("executed sell amount exceeds order remainder")
	ErrLimitPriceViolated      = errors.New("limit price not respected")
	ErrBelowMinimum            = errors.New("executed amount below minimum")
	ErrConservationViolated    = errors.New("token conservation does not hold")
	ErrNegativeUtility         = errors.New("order utility is negative")
	ErrZeroOrNegativeObjective = errors.New("objective must be positive")
	ErrFeeAssetUntouched       = errors.New("no touched order trades the fee asset")
)
