// Package events publishes liveness verdicts to an MQTT broker for
// downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// DefaultTopic receives one message per completed check.
const DefaultTopic = "liveness/results"

const publishTimeout = 5 * time.Second

var errPublishTimeout = errors.New("mqtt publish timed out")

// Verdict is the message body published for each completed check.
type Verdict struct {
	RequestID     string    `json:"request_id"`
	ClientID      string    `json:"client_id"`
	Prediction    string    `json:"prediction"`
	Confidence    float64   `json:"confidence"`
	FailureReason string    `json:"failure_reason,omitempty"`
	LatencyMs     int64     `json:"latency_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// Options configures the broker connection.
type Options struct {
	Broker   string
	Topic    string
	ClientID string
}

// transport is the subset of an MQTT client the publisher needs.
type transport interface {
	publish(ctx context.Context, topic string, payload []byte) error
	close()
}

// MQTTPublisher publishes verdicts at QoS 1.
type MQTTPublisher struct {
	topic  string
	conn   transport
	logger *zap.Logger
}

// NewMQTTPublisher connects to opts.Broker and blocks until the connection is
// established or fails.
func NewMQTTPublisher(opts Options, logger *zap.Logger) (*MQTTPublisher, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqtt broker address required")
	}
	clientOpts := mqtt.NewClientOptions().AddBroker(opts.Broker).SetClientID(opts.ClientID)
	clientOpts.SetKeepAlive(30 * time.Second)
	clientOpts.SetPingTimeout(5 * time.Second)
	clientOpts.SetConnectTimeout(10 * time.Second)
	clientOpts.SetAutoReconnect(true)

	client := mqtt.NewClient(clientOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", opts.Broker, token.Error())
	}
	return newPublisher(opts.Topic, &pahoTransport{client: client}, logger), nil
}

func newPublisher(topic string, conn transport, logger *zap.Logger) *MQTTPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTPublisher{topic: topic, conn: conn, logger: logger.Named("events")}
}

// Publish sends v to the configured topic.
func (p *MQTTPublisher) Publish(ctx context.Context, v Verdict) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := p.conn.publish(ctx, p.topic, payload); err != nil {
		return fmt.Errorf("publish verdict %s: %w", v.RequestID, err)
	}
	p.logger.Debug("verdict published", zap.String("topic", p.topic), zap.String("request_id", v.RequestID))
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	p.conn.close()
	return nil
}

type pahoTransport struct {
	client mqtt.Client
}

func (t *pahoTransport) publish(ctx context.Context, topic string, payload []byte) error {
	timeout := publishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	token := t.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(timeout) {
		return errPublishTimeout
	}
	return token.Error()
}

func (t *pahoTransport) close() {
	t.client.Disconnect(250)
}
