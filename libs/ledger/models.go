package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	WalletTypeSpot    = "SPOT"
	WalletTypeFunding = "FUNDING"
)

// Entry kinds written by the order and escrow flows.
const (
	EntryOrderReserve   = "ORDER_RESERVE"
	EntryOrderRelease   = "ORDER_RELEASE"
	EntryOfferReserve   = "P2P_OFFER_RESERVE"
	EntryEscrowRelease  = "P2P_ESCROW_RELEASE"
	EntryEscrowDebit    = "P2P_ESCROW_DEBIT"
	EntryEscrowCredit   = "P2P_ESCROW_CREDIT"
	EntryP2PFee         = "P2P_FEE"
	EntryEscrowReturned = "P2P_ESCROW_RETURNED"
)

// Key identifies a wallet.
type Key struct {
	UserID   uuid.UUID
	Type     string
	Currency string
}

func NewKey(userID uuid.UUID, walletType, currency string) Key {
	return Key{
		UserID:   userID,
		Type:     strings.ToUpper(strings.TrimSpace(walletType)),
		Currency: strings.ToUpper(strings.TrimSpace(currency)),
	}
}

type Wallet struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Type      string          `json:"type"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	InOrder   decimal.Decimal `json:"in_order"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (w Wallet) Key() Key {
	return Key{UserID: w.UserID, Type: w.Type, Currency: w.Currency}
}

// Spendable is the part of the balance not committed to orders or escrow.
func (w Wallet) Spendable() decimal.Decimal {
	return w.Balance.Sub(w.InOrder)
}

// Entry is one leg of an audited balance movement. Amount is signed.
type Entry struct {
	ID            uuid.UUID       `json:"id"`
	WalletID      uuid.UUID       `json:"wallet_id"`
	UserID        uuid.UUID       `json:"user_id"`
	WalletType    string          `json:"wallet_type"`
	Currency      string          `json:"currency"`
	Kind          string          `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	ReferenceType string          `json:"reference_type"`
	ReferenceID   string          `json:"reference_id"`
	Description   string          `json:"description,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type EntryFilter struct {
	UserID   uuid.UUID
	Currency string
	Before   time.Time
	Limit    int
}
