package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type recordingTransport struct {
	topics   []string
	payloads [][]byte
	err      error
	closed   int
}

func (r *recordingTransport) publish(ctx context.Context, topic string, payload []byte) error {
	r.topics = append(r.topics, topic)
	r.payloads = append(r.payloads, payload)
	return r.err
}

func (r *recordingTransport) close() {
	r.closed++
}

func TestPublishEncodesVerdict(t *testing.T) {
	conn := &recordingTransport{}
	p := newPublisher("", conn, zap.NewNop())

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	err := p.Publish(context.Background(), Verdict{
		RequestID:  "req-1",
		ClientID:   "client-1",
		Prediction: "Live",
		Confidence: 0.88,
		LatencyMs:  31,
		CreatedAt:  created,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(conn.topics) != 1 || conn.topics[0] != DefaultTopic {
		t.Fatalf("expected publish to %s, got %v", DefaultTopic, conn.topics)
	}

	var got Verdict
	if err := json.Unmarshal(conn.payloads[0], &got); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if got.RequestID != "req-1" || got.Prediction != "Live" || !got.CreatedAt.Equal(created) {
		t.Fatalf("unexpected payload %+v", got)
	}

	var raw map[string]any
	_ = json.Unmarshal(conn.payloads[0], &raw)
	if _, ok := raw["failure_reason"]; ok {
		t.Fatal("empty failure reason should be omitted")
	}
}

func TestPublishWrapsTransportError(t *testing.T) {
	conn := &recordingTransport{err: errPublishTimeout}
	p := newPublisher("custom/topic", conn, nil)

	err := p.Publish(context.Background(), Verdict{RequestID: "req-2"})
	if !errors.Is(err, errPublishTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if conn.topics[0] != "custom/topic" {
		t.Fatalf("unexpected topic %s", conn.topics[0])
	}
}

func TestCloseDisconnects(t *testing.T) {
	conn := &recordingTransport{}
	p := newPublisher("", conn, zap.NewNop())
	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.closed != 1 {
		t.Fatalf("expected disconnect, got %d", conn.closed)
	}
}

func TestNewMQTTPublisherRequiresBroker(t *testing.T) {
	if _, err := NewMQTTPublisher(Options{}, zap.NewNop()); err == nil {
		t.Fatal("expected error without broker")
	}
}
