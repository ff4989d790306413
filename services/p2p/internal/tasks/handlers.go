package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/techcsc21/trade4u-sub030/libs/outbox"
	"github.com/techcsc21/trade4u-sub030/services/p2p/internal/escrow"
	"github.com/techcsc21/trade4u-sub030/services/p2p/internal/notify"
	"github.com/techcsc21/trade4u-sub030/services/p2p/internal/storage"
)

type Completer interface {
	Complete(ctx context.Context, tradeID uuid.UUID) (*storage.Trade, error)
}

type Registrar interface {
	Register(kind string, h outbox.Handler)
}

// Register wires the p2p task kinds into an outbox worker.
func Register(w Registrar, trades Completer, sink notify.Sink, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	w.Register(escrow.KindAutoComplete, AutoComplete(trades, logger))
	w.Register(escrow.KindNotify, Notify(sink))
}

// AutoComplete moves a released trade to COMPLETED. Trades that can no
// longer complete are not retried.
func AutoComplete(trades Completer, logger *slog.Logger) outbox.Handler {
	return func(ctx context.Context, task outbox.Task) error {
		var payload escrow.AutoCompletePayload
		if err := task.Decode(&payload); err != nil {
			return fmt.Errorf("%w: %v", outbox.ErrPermanent, err)
		}
		trade, err := trades.Complete(ctx, payload.TradeID)
		switch {
		case err == nil:
			logger.Info("trade auto-completed", "trade_id", trade.ID, "task_id", task.ID)
			return nil
		case errors.Is(err, escrow.ErrInvalidTransition), errors.Is(err, escrow.ErrTradeNotFound):
			return fmt.Errorf("%w: %v", outbox.ErrPermanent, err)
		default:
			return err
		}
	}
}

func Notify(sink notify.Sink) outbox.Handler {
	return func(ctx context.Context, task outbox.Task) error {
		var payload escrow.NotifyPayload
		if err := task.Decode(&payload); err != nil {
			return fmt.Errorf("%w: %v", outbox.ErrPermanent, err)
		}
		return sink.Notify(ctx, notify.Notification{
			TradeID:    payload.TradeID,
			Event:      payload.Event,
			Status:     payload.Status,
			Recipients: payload.Recipients,
			Amount:     payload.Amount,
			Currency:   payload.Currency,
			Message:    payload.Message,
		})
	}
}
