package ledger

import "github.com/shopspring/decimal"

func applyReserve(w *Wallet, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	spendable := w.Spendable()
	if spendable.LessThan(amount) {
		return &InsufficientFundsError{Key: w.Key(), Required: amount, Available: spendable}
	}
	w.InOrder = w.InOrder.Add(amount)
	return nil
}

// applyRelease lowers InOrder by amount, clamped at zero. It reports the
// amount actually released and whether the clamp was needed.
func applyRelease(w *Wallet, amount decimal.Decimal) (decimal.Decimal, bool) {
	if !amount.IsPositive() {
		return decimal.Zero, false
	}
	if w.InOrder.LessThan(amount) {
		released := w.InOrder
		w.InOrder = decimal.Zero
		return released, true
	}
	w.InOrder = w.InOrder.Sub(amount)
	return amount, false
}

// applyDebit removes funds that are no longer reserved. The remaining balance
// must still cover InOrder.
func applyDebit(w *Wallet, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	spendable := w.Spendable()
	if spendable.LessThan(amount) {
		return &InsufficientFundsError{Key: w.Key(), Required: amount, Available: spendable}
	}
	w.Balance = w.Balance.Sub(amount)
	return nil
}

func applyCredit(w *Wallet, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	w.Balance = w.Balance.Add(amount)
	return nil
}
