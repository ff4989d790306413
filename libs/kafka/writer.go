package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// WriterPublisher publishes through a segmentio kafka-go Writer. The topic
// is set per message, so one writer serves every topic.
type WriterPublisher struct {
	writer  *kafkago.Writer
	logger  *slog.Logger
	metrics *ProducerMetrics
}

func NewWriterPublisher(brokers []string, logger *slog.Logger, metrics *ProducerMetrics) (*WriterPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WriterPublisher{
		writer: &kafkago.Writer{
			Addr:                   kafkago.TCP(brokers...),
			Balancer:               &kafkago.Hash{},
			RequiredAcks:           kafkago.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		logger:  logger,
		metrics: metrics,
	}, nil
}

// PublishJSON writes one message. kafka-go does not report partition or
// offset for synchronous writes, so both are returned as zero.
func (p *WriterPublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal kafka payload: %w", err)
	}

	start := time.Now()
	err = p.writer.WriteMessages(ctx, kafkago.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	})
	p.metrics.observe(topic, start, err)
	if err != nil {
		p.logger.Error("kafka publish failed", "topic", topic, "error", err)
		return 0, 0, fmt.Errorf("kafka publish failed: %w", err)
	}
	return 0, 0, nil
}

func (p *WriterPublisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
