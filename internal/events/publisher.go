// internal/events/publisher.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/cmatc13/invoicechain/internal/flow"
	"github.com/cmatc13/invoicechain/pkg/logging"
	"github.com/cmatc13/invoicechain/pkg/service"
)

const (
	// Default topic for terminal flow outcomes
	DefaultOutcomeTopic = "flow_outcomes"

	// flushTimeoutMs bounds how long Stop waits for queued outcomes
	flushTimeoutMs = 15 * 1000
)

// Producer is the part of *kafka.Producer the publisher uses.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// KafkaPublisher publishes flow outcomes to Kafka, keyed by entity so the
// outcomes of one entity stay ordered within a partition.
type KafkaPublisher struct {
	producer Producer
	topic    string
	logger   *logging.Logger

	mu     sync.Mutex
	status service.Status
	closed bool
	done   chan struct{}
}

// NewKafkaPublisher connects a producer to brokers.
func NewKafkaPublisher(brokers, topic string, logger *logging.Logger) (*KafkaPublisher, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "all",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return NewPublisher(producer, topic, logger), nil
}

// NewPublisher wraps an existing producer.
func NewPublisher(producer Producer, topic string, logger *logging.Logger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultOutcomeTopic
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger.WithField("topic", topic),
		status:   service.StatusStopped,
	}
}

// Publish implements flow.Publisher. Delivery is asynchronous; failures are
// reported by the delivery loop started with Start.
func (p *KafkaPublisher) Publish(ctx context.Context, outcome *flow.Outcome) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return fmt.Errorf("publisher closed, outcome %s dropped", outcome.FlowID)
	}

	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("error serializing outcome: %w", err)
	}

	key := outcome.Entity
	if key == "" {
		key = outcome.FlowID
	}
	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &p.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "flow", Value: []byte(outcome.Flow)},
			{Key: "kind", Value: []byte(outcome.Kind)},
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("error publishing outcome: %w", err)
	}
	return nil
}

// Name implements service.Service.
func (p *KafkaPublisher) Name() string {
	return "events"
}

// Start runs the delivery report loop.
func (p *KafkaPublisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == service.StatusRunning {
		return nil
	}
	p.done = make(chan struct{})
	go p.deliveries(p.done)
	p.status = service.StatusRunning
	return nil
}

func (p *KafkaPublisher) deliveries(done chan struct{}) {
	defer close(done)
	for e := range p.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				p.logger.Error("Outcome delivery failed", "key", string(ev.Key), "error", ev.TopicPartition.Error)
			}
		case kafka.Error:
			p.logger.Warn("Kafka producer error", "code", ev.Code().String(), "error", ev)
		}
	}
}

// Stop flushes queued outcomes and closes the producer.
func (p *KafkaPublisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != service.StatusRunning {
		return nil
	}
	p.status = service.StatusStopping

	if left := p.producer.Flush(flushTimeoutMs); left > 0 {
		p.logger.Warn("Outcomes left unflushed", "count", left)
	}
	p.producer.Close()
	p.closed = true

	select {
	case <-p.done:
	case <-ctx.Done():
	}
	p.status = service.StatusStopped
	return nil
}

// Status implements service.Service.
func (p *KafkaPublisher) Status() service.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Health implements service.Service.
func (p *KafkaPublisher) Health() error {
	if p.Status() != service.StatusRunning {
		return fmt.Errorf("service not running")
	}
	return nil
}

// Dependencies implements service.Service.
func (p *KafkaPublisher) Dependencies() []string {
	return []string{}
}
