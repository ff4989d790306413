package escrow

import "github.com/techcsc21/trade4u-sub030/services/p2p/internal/storage"

var transitions = map[string][]string{
	storage.TradeStatusPending: {
		storage.TradeStatusPaymentSent,
		storage.TradeStatusCancelled,
		storage.TradeStatusExpired,
	},
	storage.TradeStatusPaymentSent: {
		storage.TradeStatusEscrowReleased,
		storage.TradeStatusDisputed,
		storage.TradeStatusCancelled,
		storage.TradeStatusExpired,
	},
	storage.TradeStatusEscrowReleased: {
		storage.TradeStatusCompleted,
	},
}

// CanTransition reports whether a trade may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// releaseFinal are the statuses from which a release can only be a repeat.
func releaseFinal(status string) bool {
	switch status {
	case storage.TradeStatusEscrowReleased,
		storage.TradeStatusCompleted,
		storage.TradeStatusDisputed,
		storage.TradeStatusCancelled:
		return true
	}
	return false
}

// Terminal statuses have no outgoing transitions.
func Terminal(status string) bool {
	return len(transitions[status]) == 0
}
