package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	return "invalid request"
}

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]+/[A-Z0-9]+$`)

// OrderRequest is the parsed form of a valid order payload.
type OrderRequest struct {
	Symbol string
	Side   string
	Type   string
	Amount decimal.Decimal
	Price  *decimal.Decimal
}

// ValidateOrderRequest checks the request shape and returns the normalized
// request. Market rules are applied later by the admission pipeline.
func ValidateOrderRequest(symbol, side, orderType, amount, price string) (OrderRequest, ValidationErrors) {
	var errs ValidationErrors
	var req OrderRequest

	req.Symbol = NormalizeSymbol(symbol)
	if req.Symbol == "" {
		errs = append(errs, FieldError{Field: "symbol", Message: "symbol is required"})
	} else if !symbolPattern.MatchString(req.Symbol) {
		errs = append(errs, FieldError{Field: "symbol", Message: "symbol must match CURRENCY/PAIR"})
	}

	req.Side = strings.ToUpper(strings.TrimSpace(side))
	if req.Side != "BUY" && req.Side != "SELL" {
		errs = append(errs, FieldError{Field: "side", Message: "side must be BUY or SELL"})
	}

	req.Type = strings.ToUpper(strings.TrimSpace(orderType))
	if req.Type != "LIMIT" && req.Type != "MARKET" {
		errs = append(errs, FieldError{Field: "type", Message: "type must be LIMIT or MARKET"})
	}

	qty, err := parsePositive("amount", amount)
	if err != nil {
		errs = append(errs, FieldError{Field: "amount", Message: err.Error()})
	}
	req.Amount = qty

	trimmedPrice := strings.TrimSpace(price)
	switch {
	case req.Type == "LIMIT" && trimmedPrice == "":
		errs = append(errs, FieldError{Field: "price", Message: "price is required for limit orders"})
	case req.Type == "LIMIT":
		p, err := parsePositive("price", trimmedPrice)
		if err != nil {
			errs = append(errs, FieldError{Field: "price", Message: err.Error()})
		} else {
			req.Price = &p
		}
	case req.Type == "MARKET" && trimmedPrice != "":
		// Market orders are priced from the book; a supplied price is ignored.
		if _, err := parsePositive("price", trimmedPrice); err != nil {
			errs = append(errs, FieldError{Field: "price", Message: err.Error()})
		}
	}

	return req, errs
}

func parsePositive(field, raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	val, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal", field)
	}
	if val.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%s must be positive", field)
	}
	return val, nil
}

// NormalizeSymbol upper-cases a symbol and accepts BASE-QUOTE as an alias of
// BASE/QUOTE.
func NormalizeSymbol(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(symbol)), "-", "/")
}
