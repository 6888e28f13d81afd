// Package events publishes admission decisions and anchor outcomes to
// Kafka for downstream analytics, mirroring the interface-wrapping
// style of the teacher's statebus consumer but as a producer. A
// publish failure never affects the admission or anchor path — this
// is best-effort fan-out, not a transport the firewall depends on.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
}

// Publisher wraps a kafka-go Writer. A nil Publisher is valid and
// makes Publish a no-op, so callers don't need to branch on whether
// KAFKA_BROKERS was configured.
type Publisher struct {
	writer kafkaWriter
}

// NewPublisher returns nil, nil when cfg.Brokers is empty — Kafka
// publishing is opt-in.
func NewPublisher(cfg Config) (*Publisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("events: kafka topic required when brokers are set")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
	}
	return &Publisher{writer: w}, nil
}

// AdmissionEvent is published once per admission decision.
type AdmissionEvent struct {
	Kind        string `json:"kind"`
	User        string `json:"user"`
	Agent       string `json:"agent"`
	Verdict     string `json:"verdict"`
	Reason      string `json:"reason"`
	AmountWei   string `json:"amount_wei,omitempty"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// AnchorEvent is published once per anchor submit attempt.
type AnchorEvent struct {
	Kind        string `json:"kind"`
	User        string `json:"user"`
	Agent       string `json:"agent"`
	TxHash      string `json:"tx_hash"`
	Outcome     string `json:"outcome"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// Publish marshals value and writes it, ignoring (but logging via the
// returned error to the caller's discretion) any transport failure.
// Callers that don't care about the outcome should discard the error.
func (p *Publisher) Publish(ctx context.Context, key string, value interface{}) error {
	if p == nil || p.writer == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: payload})
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
