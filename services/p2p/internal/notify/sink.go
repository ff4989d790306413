package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/techcsc21/trade4u-sub030/libs/kafka"
)

const eventVersion = 1

// Notification is one trade event addressed to its participants.
type Notification struct {
	TradeID    uuid.UUID
	Event      string
	Status     string
	Recipients []uuid.UUID
	Amount     string
	Currency   string
	Message    string
}

type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// KafkaSink publishes one message per recipient, keyed by user so each
// user's notifications stay ordered.
type KafkaSink struct {
	producer kafka.Publisher
	topic    string
	logger   *slog.Logger
}

func NewKafkaSink(producer kafka.Publisher, topic string, logger *slog.Logger) *KafkaSink {
	if topic == "" {
		topic = kafka.TopicP2PNotifications
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{producer: producer, topic: topic, logger: logger}
}

func (s *KafkaSink) Notify(ctx context.Context, n Notification) error {
	for _, userID := range n.Recipients {
		eventID := kafka.DeterministicEventID(n.TradeID.String(), n.Event, n.Status, userID.String())
		env, err := kafka.NewEnvelopeWithID(eventID, n.Event, eventVersion, n.TradeID.String())
		if err != nil {
			return err
		}
		msg := kafka.P2PNotification{
			Envelope: env,
			TradeID:  n.TradeID.String(),
			UserID:   userID.String(),
			Kind:     n.Event,
			Status:   n.Status,
			Amount:   n.Amount,
			Currency: n.Currency,
			Message:  n.Message,
		}
		partition, offset, err := s.producer.PublishJSON(ctx, s.topic, userID.String(), msg)
		if err != nil {
			return fmt.Errorf("publish notification for %s: %w", userID, err)
		}
		s.logger.Debug("notification published",
			"trade_id", n.TradeID, "user_id", userID, "event", n.Event,
			"partition", partition, "offset", offset)
	}
	return nil
}
