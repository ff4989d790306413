package service

import (
	"errors"
)

var (
	ErrInvalidOrder         = errors.New("invalid order")
	ErrMarketConfig         = errors.New("market configuration error")
	ErrAmountOutOfBounds    = errors.New("amount out of bounds")
	ErrPriceOutOfBounds     = errors.New("price out of bounds")
	ErrCostOutOfBounds      = errors.New("cost out of bounds")
	ErrNoLiquidity          = errors.New("no liquidity")
	ErrOrderBookUnavailable = errors.New("order book unavailable")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrSelfMatch            = errors.New("order would match own resting order")
	ErrReservationFailed    = errors.New("order reservation failed")
	ErrOrderNotFound        = errors.New("order not found")
	ErrNotCancellable       = errors.New("order cannot be cancelled")
)

// RejectionError carries a user-facing message and the specific values that
// caused the rejection.
type RejectionError struct {
	Err     error
	Message string
	Details map[string]string
}

func (e *RejectionError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *RejectionError) Unwrap() error { return e.Err }

func reject(err error, message string, details map[string]string) error {
	return &RejectionError{Err: err, Message: message, Details: details}
}

// DetailsOf returns the rejection details of err, if any.
func DetailsOf(err error) map[string]string {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Details
	}
	return nil
}
