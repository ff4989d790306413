package market

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const DefaultPrecision = 8

var (
	ErrMarketNotFound = errors.New("market not found")
	ErrMarketConfig   = errors.New("market configuration incomplete")
)

// Limit is an inclusive range; a nil bound is unbounded.
type Limit struct {
	Min *decimal.Decimal `json:"min,omitempty"`
	Max *decimal.Decimal `json:"max,omitempty"`
}

// Below reports whether v violates the minimum.
func (l Limit) Below(v decimal.Decimal) bool {
	return l.Min != nil && v.LessThan(*l.Min)
}

// Above reports whether v violates the maximum.
func (l Limit) Above(v decimal.Decimal) bool {
	return l.Max != nil && v.GreaterThan(*l.Max)
}

type Limits struct {
	Amount Limit `json:"amount"`
	Price  Limit `json:"price"`
	Cost   Limit `json:"cost"`
}

type Precision struct {
	Amount *int32 `json:"amount,omitempty"`
	Price  *int32 `json:"price,omitempty"`
}

// Market is the trading-pair metadata. Fee rates are percentages.
type Market struct {
	Symbol    string           `json:"symbol"`
	Currency  string           `json:"currency"`
	Pair      string           `json:"pair"`
	Status    string           `json:"status"`
	Precision Precision        `json:"precision"`
	MakerFee  *decimal.Decimal `json:"maker_fee,omitempty"`
	TakerFee  *decimal.Decimal `json:"taker_fee,omitempty"`
	Limits    Limits           `json:"limits"`
}

func Symbol(currency, pair string) string {
	return strings.ToUpper(strings.TrimSpace(currency)) + "/" + strings.ToUpper(strings.TrimSpace(pair))
}

func (m Market) AmountPrecision() int32 {
	if m.Precision.Amount == nil {
		return DefaultPrecision
	}
	return *m.Precision.Amount
}

func (m Market) PricePrecision() int32 {
	if m.Precision.Price == nil {
		return DefaultPrecision
	}
	return *m.Precision.Price
}

// Validate reports a market that cannot price an order.
func (m Market) Validate() error {
	if m.Currency == "" || m.Pair == "" {
		return fmt.Errorf("%w: %s: currency and pair required", ErrMarketConfig, m.Symbol)
	}
	if m.MakerFee == nil || m.TakerFee == nil {
		return fmt.Errorf("%w: %s: fee rates missing", ErrMarketConfig, m.Symbol)
	}
	if m.MakerFee.IsNegative() || m.TakerFee.IsNegative() {
		return fmt.Errorf("%w: %s: negative fee rate", ErrMarketConfig, m.Symbol)
	}
	for _, p := range []*int32{m.Precision.Amount, m.Precision.Price} {
		if p != nil && (*p < 0 || *p > 18) {
			return fmt.Errorf("%w: %s: precision out of range", ErrMarketConfig, m.Symbol)
		}
	}
	return nil
}
