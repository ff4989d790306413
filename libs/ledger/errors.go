package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrWalletNotFound     = errors.New("wallet not found")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvariantViolation = errors.New("ledger invariant violation")
)

// InsufficientFundsError reports the exact shortfall of a failed reservation
// or debit.
type InsufficientFundsError struct {
	Key       Key
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s balance: required %s, available %s",
		e.Key.Currency, e.Required.String(), e.Available.String())
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Required.Sub(e.Available)
}

func (e *InsufficientFundsError) Details() map[string]string {
	return map[string]string{
		"currency":  e.Key.Currency,
		"wallet":    e.Key.Type,
		"required":  e.Required.String(),
		"available": e.Available.String(),
		"shortfall": e.Shortfall().String(),
	}
}
