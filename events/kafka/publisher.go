// Package kafka publishes committed ledger events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/warp/household-ledger/ledger"
)

const DefaultTopic = "household_ledger_events"

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements ledger.EventPublisher.
//
// Messages are keyed by household so a consumer sees one household's events
// in commit order.
type Publisher struct {
	writer  messageWriter
	timeout time.Duration
}

var _ ledger.EventPublisher = (*Publisher)(nil)

func NewPublisher(brokers []string, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		timeout: 5 * time.Second,
	}
}

func (p *Publisher) Publish(ctx context.Context, event ledger.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   messageKey(event),
		Value: data,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	})
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// messageKey partitions by household. Batch events carry no household and
// are keyed by fee category, or by type as a last resort.
func messageKey(event ledger.Event) []byte {
	switch {
	case event.HouseholdID != "":
		return []byte(event.HouseholdID)
	case event.FeeCategoryID != "":
		return []byte(event.FeeCategoryID)
	default:
		return []byte(event.Type)
	}
}
