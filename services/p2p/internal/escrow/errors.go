package escrow

import (
	"errors"

	"github.com/techcsc21/trade4u-sub030/libs/idempotency"
)

var (
	ErrTradeNotFound     = errors.New("trade not found")
	ErrAlreadyFinal      = errors.New("trade already finalized")
	ErrInvalidTransition = errors.New("invalid trade status transition")
	ErrNotParticipant    = errors.New("actor is not allowed to change this trade")
	ErrEscrowShortfall   = errors.New("escrowed funds below trade amount")
	ErrFeeExceedsAmount  = errors.New("buyer fee not below trade amount")
	ErrInProgress        = idempotency.ErrInProgress
)
