// Package kafka publishes audit events to a Kafka topic with franz-go.
// Records are keyed by user ID so one user's events stay ordered within a
// partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	audit "taskbrew/pkg/platform/audit"

	"github.com/twmb/franz-go/pkg/kgo"
)

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Sink implements audit.Store.
type Sink struct {
	client producer
	topic  string
}

// payload is the record value. Field names are the wire contract for
// downstream consumers.
type payload struct {
	Action    string `json:"action"`
	UserID    string `json:"userId,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	ClientIP  string `json:"clientIp,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Timestamp string `json:"timestamp"`
}

func New(brokers []string, topic string) (*Sink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Sink{client: client, topic: topic}, nil
}

func (s *Sink) Append(ctx context.Context, event audit.Event) error {
	p := payload{
		Action:    event.Action,
		Subject:   event.Subject,
		Reason:    event.Reason,
		RequestID: event.RequestID,
		ClientIP:  event.ClientIP,
		UserAgent: event.UserAgent,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	var key []byte
	if !event.UserID.IsNil() {
		p.UserID = event.UserID.String()
		key = []byte(p.UserID)
	}

	value, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	rec := &kgo.Record{
		Topic:     s.topic,
		Key:       key,
		Value:     value,
		Timestamp: event.Timestamp,
		Headers:   []kgo.RecordHeader{{Key: "action", Value: []byte(event.Action)}},
	}
	if err := s.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

func (s *Sink) Close() {
	s.client.Close()
}
