package orderbook

import (
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Level is the aggregated resting quantity at one price.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Snapshot is a point-in-time view. Asks ascend, bids descend.
type Snapshot struct {
	Symbol string  `json:"symbol"`
	Asks   []Level `json:"asks"`
	Bids   []Level `json:"bids"`
}

func (s *Snapshot) BestAsk() (decimal.Decimal, bool) {
	if s == nil || len(s.Asks) == 0 {
		return decimal.Zero, false
	}
	return s.Asks[0].Price, true
}

func (s *Snapshot) BestBid() (decimal.Decimal, bool) {
	if s == nil || len(s.Bids) == 0 {
		return decimal.Zero, false
	}
	return s.Bids[0].Price, true
}

// Book aggregates resting orders into price levels ordered by price.
type Book struct {
	symbol string
	bids   *btree.BTreeG[Level]
	asks   *btree.BTreeG[Level]
}

func byPrice(a, b Level) bool {
	return a.Price.LessThan(b.Price)
}

func NewBook(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   btree.NewBTreeG(byPrice),
		asks:   btree.NewBTreeG(byPrice),
	}
}

// Add merges qty into the level at price. Non-positive values are ignored.
func (b *Book) Add(side string, price, qty decimal.Decimal) {
	if !price.IsPositive() || !qty.IsPositive() {
		return
	}
	tree := b.asks
	if side == SideBuy {
		tree = b.bids
	}
	if existing, ok := tree.Get(Level{Price: price}); ok {
		qty = qty.Add(existing.Quantity)
	}
	tree.Set(Level{Price: price, Quantity: qty})
}

func (b *Book) BestBid() (decimal.Decimal, bool) {
	lvl, ok := b.bids.Max()
	return lvl.Price, ok
}

func (b *Book) BestAsk() (decimal.Decimal, bool) {
	lvl, ok := b.asks.Min()
	return lvl.Price, ok
}

// Snapshot copies up to depth levels per side; depth <= 0 copies all.
func (b *Book) Snapshot(depth int) *Snapshot {
	snap := &Snapshot{Symbol: b.symbol, Asks: []Level{}, Bids: []Level{}}
	b.asks.Scan(func(l Level) bool {
		snap.Asks = append(snap.Asks, l)
		return depth <= 0 || len(snap.Asks) < depth
	})
	b.bids.Reverse(func(l Level) bool {
		snap.Bids = append(snap.Bids, l)
		return depth <= 0 || len(snap.Bids) < depth
	})
	return snap
}
