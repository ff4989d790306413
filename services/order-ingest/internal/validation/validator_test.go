package validation

import "testing"

func TestValidateOrderRequest(t *testing.T) {
	cases := []struct {
		name    string
		symbol  string
		side    string
		typeVal string
		amount  string
		price   string
		valid   bool
	}{
		{"valid limit", "BTC/USDT", "buy", "limit", "1.5", "100", true},
		{"valid dash symbol", "btc-usdt", "BUY", "LIMIT", "1", "100", true},
		{"valid market", "BTC/USDT", "sell", "market", "2", "", true},
		{"valid market with price", "BTC/USDT", "sell", "market", "2", "101", true},
		{"missing symbol", "", "buy", "limit", "1", "100", false},
		{"bad symbol", "BTCUSDT", "buy", "limit", "1", "100", false},
		{"bad side", "BTC/USDT", "hold", "limit", "1", "100", false},
		{"bad type", "BTC/USDT", "buy", "stop", "1", "100", false},
		{"bad amount", "BTC/USDT", "buy", "limit", "-1", "100", false},
		{"zero amount", "BTC/USDT", "buy", "limit", "0", "100", false},
		{"missing price", "BTC/USDT", "buy", "limit", "1", "", false},
		{"zero price", "BTC/USDT", "buy", "limit", "1", "0", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, errs := ValidateOrderRequest(tc.symbol, tc.side, tc.typeVal, tc.amount, tc.price)
			if tc.valid && len(errs) > 0 {
				t.Fatalf("expected valid, got errors: %+v", errs)
			}
			if !tc.valid && len(errs) == 0 {
				t.Fatalf("expected errors, got none")
			}
		})
	}
}

func TestValidateOrderRequestNormalizes(t *testing.T) {
	req, errs := ValidateOrderRequest(" btc-usdt ", "buy", "limit", "1.25", "100.5")
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %+v", errs)
	}
	if req.Symbol != "BTC/USDT" || req.Side != "BUY" || req.Type != "LIMIT" {
		t.Fatalf("unexpected normalization: %+v", req)
	}
	if req.Amount.String() != "1.25" || req.Price == nil || req.Price.String() != "100.5" {
		t.Fatalf("unexpected values: %+v", req)
	}

	req, _ = ValidateOrderRequest("ETH/USDT", "sell", "market", "2", "99")
	if req.Price != nil {
		t.Fatalf("expected market price to be dropped")
	}
}

func TestNormalizeSymbol(t *testing.T) {
	got := NormalizeSymbol(" btc-usd ")
	if got != "BTC/USD" {
		t.Fatalf("expected BTC/USD, got %s", got)
	}
}
