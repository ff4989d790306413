package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	OfferTypeBuy  = "BUY"
	OfferTypeSell = "SELL"

	OfferStatusPendingApproval = "PENDING_APPROVAL"
	OfferStatusActive          = "ACTIVE"
	OfferStatusPaused          = "PAUSED"
	OfferStatusExpired         = "EXPIRED"
	OfferStatusDisabled        = "DISABLED"

	TradeStatusPending        = "PENDING"
	TradeStatusPaymentSent    = "PAYMENT_SENT"
	TradeStatusEscrowReleased = "ESCROW_RELEASED"
	TradeStatusCompleted      = "COMPLETED"
	TradeStatusDisputed       = "DISPUTED"
	TradeStatusCancelled      = "CANCELLED"
	TradeStatusExpired        = "EXPIRED"

	PriceModelFixed  = "FIXED"
	PriceModelMargin = "MARGIN"
)

// AmountConfig bounds how much of an offer one trade may take. Total shrinks
// as trades are opened; OriginalTotal does not.
type AmountConfig struct {
	Total         decimal.Decimal `json:"total"`
	Min           decimal.Decimal `json:"min"`
	Max           decimal.Decimal `json:"max"`
	OriginalTotal decimal.Decimal `json:"original_total"`
}

type PriceConfig struct {
	Model        string          `json:"model"`
	Value        decimal.Decimal `json:"value"`
	FiatCurrency string          `json:"fiat_currency"`
}

type Offer struct {
	ID           uuid.UUID    `json:"id"`
	UserID       uuid.UUID    `json:"user_id"`
	Type         string       `json:"type"`
	Currency     string       `json:"currency"`
	WalletType   string       `json:"wallet_type"`
	AmountConfig AmountConfig `json:"amount_config"`
	PriceConfig  PriceConfig  `json:"price_config"`
	Terms        string       `json:"terms,omitempty"`
	Status       string       `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// TimelineEvent is one append-only entry in a trade's history.
type TimelineEvent struct {
	Event   string     `json:"event"`
	Status  string     `json:"status"`
	ActorID *uuid.UUID `json:"actor_id,omitempty"`
	Message string     `json:"message,omitempty"`
	At      time.Time  `json:"at"`
}

type Trade struct {
	ID                 uuid.UUID       `json:"id"`
	OfferID            uuid.UUID       `json:"offer_id"`
	BuyerID            uuid.UUID       `json:"buyer_id"`
	SellerID           uuid.UUID       `json:"seller_id"`
	Amount             decimal.Decimal `json:"amount"`
	Price              decimal.Decimal `json:"price"`
	BuyerFee           decimal.Decimal `json:"buyer_fee"`
	SellerFee          decimal.Decimal `json:"seller_fee"`
	Status             string          `json:"status"`
	Timeline           []TimelineEvent `json:"timeline"`
	ExpiresAt          time.Time       `json:"expires_at"`
	PaymentConfirmedAt *time.Time      `json:"payment_confirmed_at,omitempty"`
	EscrowReleasedAt   *time.Time      `json:"escrow_released_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// AddEvent appends to the timeline and moves the trade to status.
func (t *Trade) AddEvent(event, status string, actor *uuid.UUID, message string, at time.Time) {
	t.Status = status
	t.UpdatedAt = at
	t.Timeline = append(t.Timeline, TimelineEvent{
		Event:   event,
		Status:  status,
		ActorID: actor,
		Message: message,
		At:      at,
	})
}

// IsParticipant reports whether userID is the buyer or the seller.
func (t *Trade) IsParticipant(userID uuid.UUID) bool {
	return t.BuyerID == userID || t.SellerID == userID
}

// ReputationStats is the raw input to a reputation score.
type ReputationStats struct {
	UserID          uuid.UUID
	TotalTrades     int
	CompletedTrades int
	DisputedTrades  int
	AvgRating       decimal.Decimal
}

type Reputation struct {
	UserID          uuid.UUID       `json:"user_id"`
	Score           decimal.Decimal `json:"score"`
	TotalTrades     int             `json:"total_trades"`
	CompletedTrades int             `json:"completed_trades"`
	DisputedTrades  int             `json:"disputed_trades"`
	AvgRating       decimal.Decimal `json:"avg_rating"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
