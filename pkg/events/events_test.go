package events

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestNewPublisherOptInWhenNoBrokers(t *testing.T) {
	p, err := NewPublisher(Config{})
	if err != nil || p != nil {
		t.Fatalf("expected nil, nil when no brokers configured, got %v %v", p, err)
	}
}

func TestNewPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPublisher(Config{Brokers: []string{"broker:9092"}}); err == nil {
		t.Fatal("expected error when brokers set but topic missing")
	}
}

func TestNilPublisherPublishAndCloseAreNoOps(t *testing.T) {
	var p *Publisher
	if err := p.Publish(context.Background(), "k", AdmissionEvent{}); err != nil {
		t.Fatalf("expected nil publisher Publish to no-op, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("expected nil publisher Close to no-op, got %v", err)
	}
}

type fakeWriter struct {
	lastKey   string
	lastValue []byte
	err       error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if len(msgs) != 1 {
		return errors.New("expected exactly one message")
	}
	f.lastKey = string(msgs[0].Key)
	f.lastValue = msgs[0].Value
	return f.err
}

func (f *fakeWriter) Close() error { return nil }

func TestPublishMarshalsAndWrites(t *testing.T) {
	fw := &fakeWriter{}
	p := &Publisher{writer: fw}
	evt := AdmissionEvent{Kind: "admission", User: "0xuser", Verdict: "ALLOW", Reason: "OK"}
	if err := p.Publish(context.Background(), "0xuser:0xagent", evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fw.lastKey != "0xuser:0xagent" {
		t.Fatalf("unexpected key: %s", fw.lastKey)
	}
	if len(fw.lastValue) == 0 {
		t.Fatal("expected marshaled payload")
	}
}

func TestPublishPropagatesWriterError(t *testing.T) {
	fw := &fakeWriter{err: errors.New("broker unreachable")}
	p := &Publisher{writer: fw}
	if err := p.Publish(context.Background(), "k", AnchorEvent{}); err == nil {
		t.Fatal("expected writer error to propagate")
	}
}
