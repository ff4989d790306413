package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DeadLetter is what lands on the dead-letter topic when a publish fails.
// Value is the original message body when it could be encoded.
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	Key           string          `json:"key,omitempty"`
	EventID       string          `json:"event_id,omitempty"`
	Error         string          `json:"error"`
	Value         json.RawMessage `json:"value,omitempty"`
	FailedAt      time.Time       `json:"failed_at"`
}

func NewDeadLetter(topic, key string, value any, cause error) DeadLetter {
	dl := DeadLetter{
		OriginalTopic: topic,
		Key:           key,
		FailedAt:      time.Now().UTC(),
	}
	if cause != nil {
		dl.Error = cause.Error()
	}
	if value == nil {
		return dl
	}
	raw, err := json.Marshal(value)
	if err != nil {
		dl.Error = errors.Join(cause, fmt.Errorf("encode value: %w", err)).Error()
		return dl
	}
	dl.Value = raw

	var env struct {
		EventID string `json:"event_id"`
	}
	if json.Unmarshal(raw, &env) == nil {
		dl.EventID = env.EventID
	}
	return dl
}

// DLQPublisher forwards to primary and, when that fails, parks the message
// on the dead-letter topic through dlq. dlq should be its own producer so a
// wedged primary client does not also swallow the dead letter. The original
// error is always returned.
type DLQPublisher struct {
	primary  Publisher
	dlq      Publisher
	dlqTopic string
	logger   *slog.Logger
}

func NewDLQPublisher(primary, dlq Publisher, dlqTopic string, logger *slog.Logger) *DLQPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DLQPublisher{primary: primary, dlq: dlq, dlqTopic: dlqTopic, logger: logger}
}

func (p *DLQPublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if p == nil || p.primary == nil {
		return 0, 0, fmt.Errorf("kafka producer not configured")
	}
	partition, offset, err := p.primary.PublishJSON(ctx, topic, key, value)
	if err == nil || p.dlq == nil || p.dlqTopic == "" {
		return partition, offset, err
	}

	dl := NewDeadLetter(topic, key, value, err)
	if _, _, dlqErr := p.dlq.PublishJSON(ctx, p.dlqTopic, key, dl); dlqErr != nil {
		p.logger.Error("dead letter publish failed",
			"topic", p.dlqTopic, "original_topic", topic, "event_id", dl.EventID, "error", dlqErr)
	} else {
		p.logger.Warn("message dead-lettered", "original_topic", topic, "event_id", dl.EventID, "error", err)
	}
	return partition, offset, err
}

// Close closes primary and, when it is a separate producer, the dead-letter
// publisher.
func (p *DLQPublisher) Close() error {
	if p == nil || p.primary == nil {
		return nil
	}
	err := p.primary.Close()
	if p.dlq != nil && p.dlq != p.primary {
		err = errors.Join(err, p.dlq.Close())
	}
	return err
}
