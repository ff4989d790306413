package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
)

type stubPublisher struct {
	mu     sync.Mutex
	calls  []publishCall
	err    error
	closed int
}

type publishCall struct {
	topic string
	key   string
	value any
}

func (s *stubPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	s.mu.Lock()
	s.calls = append(s.calls, publishCall{topic: topic, key: key, value: value})
	s.mu.Unlock()
	if s.err != nil {
		return 0, 0, s.err
	}
	return 0, 0, nil
}

func (s *stubPublisher) Close() error {
	s.closed++
	return nil
}

func TestDLQPublisherPublishesOnError(t *testing.T) {
	primary := &stubPublisher{err: errors.New("publish failed")}
	dlq := &stubPublisher{}
	publisher := NewDLQPublisher(primary, dlq, TopicDeadLetter, slog.Default())

	_, _, err := publisher.PublishJSON(context.Background(), TopicOrdersCreated, "key-1", map[string]string{"id": "1"})
	if err == nil {
		t.Fatalf("expected publish error")
	}
	if len(dlq.calls) != 1 {
		t.Fatalf("expected dlq publish, got %d", len(dlq.calls))
	}
	if dlq.calls[0].topic != TopicDeadLetter {
		t.Fatalf("expected dlq topic, got %s", dlq.calls[0].topic)
	}
	payload, ok := dlq.calls[0].value.(DeadLetter)
	if !ok {
		t.Fatalf("expected DeadLetter, got %T", dlq.calls[0].value)
	}
	if payload.OriginalTopic != TopicOrdersCreated {
		t.Fatalf("expected original topic to match, got %s", payload.OriginalTopic)
	}
	if payload.Error == "" {
		t.Fatalf("expected error in dlq payload")
	}
}

func TestDLQPublisherSkipsOnSuccess(t *testing.T) {
	primary := &stubPublisher{}
	dlq := &stubPublisher{}
	publisher := NewDLQPublisher(primary, dlq, TopicDeadLetter, slog.Default())

	if _, _, err := publisher.PublishJSON(context.Background(), TopicOrdersCreated, "key-1", map[string]string{"id": "1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dlq.calls) != 0 {
		t.Fatalf("expected no dlq publish, got %d", len(dlq.calls))
	}
}

func TestNewPublisherRejectsUnknownDriver(t *testing.T) {
	if _, err := NewPublisher("nats", []string{"localhost:9092"}, nil, nil); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestNewPublisherRequiresBrokers(t *testing.T) {
	for _, driver := range []string{DriverSarama, DriverKafkaGo} {
		if _, err := NewPublisher(driver, nil, nil, nil); err == nil {
			t.Fatalf("%s: expected brokers error", driver)
		}
	}
}

func TestDeterministicEventID(t *testing.T) {
	a := DeterministicEventID("p2p", "trade-1", "released")
	b := DeterministicEventID("p2p", "trade-1", "released")
	c := DeterministicEventID("p2p", "trade-1", "completed")
	if a != b {
		t.Fatalf("expected stable id, got %s and %s", a, b)
	}
	if a == c {
		t.Fatalf("expected distinct ids")
	}
}

func TestNewEnvelopeValidates(t *testing.T) {
	if _, err := NewEnvelope("", 1, ""); err == nil {
		t.Fatalf("expected error for empty type")
	}
	env, err := NewEnvelope("orders.created", 1, "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.EventID == "" || env.Timestamp.IsZero() {
		t.Fatalf("expected populated envelope, got %+v", env)
	}
}

func TestDeadLetterKeepsEventID(t *testing.T) {
	env, err := NewEnvelopeWithID("evt-1", "p2p.notification", 1, "trade-1")
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	msg := P2PNotification{Envelope: env, TradeID: "trade-1", Kind: "ESCROW_RELEASED"}

	dl := NewDeadLetter(TopicP2PNotifications, "user-1", msg, errors.New("broker down"))
	if dl.EventID != "evt-1" || dl.Error != "broker down" || dl.OriginalTopic != TopicP2PNotifications {
		t.Fatalf("unexpected dead letter: %+v", dl)
	}
	if len(dl.Value) == 0 {
		t.Fatalf("expected original value to be kept")
	}
}

func TestDeadLetterUnencodableValue(t *testing.T) {
	dl := NewDeadLetter(TopicOrdersCreated, "k", make(chan int), errors.New("broker down"))
	if dl.Value != nil || dl.Error == "broker down" {
		t.Fatalf("expected encode failure folded into error, got %+v", dl)
	}
}

func TestDLQPublisherClosesBothProducers(t *testing.T) {
	primary := &stubPublisher{}
	dlq := &stubPublisher{}
	if err := NewDLQPublisher(primary, dlq, TopicDeadLetter, nil).Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if primary.closed != 1 || dlq.closed != 1 {
		t.Fatalf("expected both closed once, got primary=%d dlq=%d", primary.closed, dlq.closed)
	}

	shared := &stubPublisher{}
	if err := NewDLQPublisher(shared, shared, TopicDeadLetter, nil).Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if shared.closed != 1 {
		t.Fatalf("expected shared producer closed once, got %d", shared.closed)
	}
}
