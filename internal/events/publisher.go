// Package events publishes replica health transitions to the fleet's
// kafka bus; routing planes and serving dashboards consume the topic.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	kafka "github.com/segmentio/kafka-go"
)

// Transition is one replica health-state change.
type Transition struct {
	Path       string `json:"path"`
	ServerType string `json:"server_type"`
	Task       int    `json:"task"`
	ReplicaID  int    `json:"replica_id"`
	OldState   string `json:"old_state"`
	NewState   string `json:"new_state"`
	TsMs       int64  `json:"ts_ms"`
}

type Publisher interface {
	Publish(ctx context.Context, tr Transition) error
}

// Nop drops transitions; used in tests and in deployments without a
// kafka bus.
type Nop struct{}

func (Nop) Publish(context.Context, Transition) error { return nil }

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(addr string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(addr),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, tr Transition) error {
	value, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("failed to encode transition: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(tr.Path),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("failed to write transition to kafka: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
