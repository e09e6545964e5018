// internal/dispatch/consumer.go
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"golang.org/x/sync/errgroup"

	"github.com/cmatc13/invoicechain/pkg/errors"
	"github.com/cmatc13/invoicechain/pkg/logging"
	"github.com/cmatc13/invoicechain/pkg/service"
)

const (
	// Default topic for incoming flow commands
	DefaultRequestTopic = "flow_requests"

	// Default consumer group ID
	DefaultConsumerGroup = "invoicechain"

	// pollTimeout is how long one read waits for a message
	pollTimeout = 100 * time.Millisecond
)

// Consumer is the part of *kafka.Consumer the dispatcher uses.
type Consumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	Close() error
}

// Dispatcher consumes flow commands and runs them, at most Concurrency at a
// time. Commands on overlapping entities are still serialized by the flows'
// lock registry; a conflicting command fails with an ALREADY_LOCKED outcome.
type Dispatcher struct {
	consumer    Consumer
	topic       string
	handler     *Handler
	logger      *logging.Logger
	concurrency int

	mu     sync.Mutex
	status service.Status
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaDispatcher creates a consumer in group subscribed to topic.
func NewKafkaDispatcher(brokers, group, topic string, handler *Handler, logger *logging.Logger) (*Dispatcher, error) {
	if group == "" {
		group = DefaultConsumerGroup
	}
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"group.id":          group,
		"auto.offset.reset": "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	return NewDispatcher(consumer, topic, handler, logger), nil
}

// NewDispatcher wraps an existing consumer.
func NewDispatcher(consumer Consumer, topic string, handler *Handler, logger *logging.Logger) *Dispatcher {
	if topic == "" {
		topic = DefaultRequestTopic
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dispatcher{
		consumer:    consumer,
		topic:       topic,
		handler:     handler,
		logger:      logger.WithField("topic", topic),
		concurrency: 8,
		status:      service.StatusStopped,
	}
}

// Name implements service.Service.
func (d *Dispatcher) Name() string {
	return "dispatch"
}

// Start subscribes and begins consuming in the background.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status == service.StatusRunning {
		return nil
	}
	d.status = service.StatusStarting

	if err := d.consumer.SubscribeTopics([]string{d.topic}, nil); err != nil {
		d.status = service.StatusError
		return fmt.Errorf("failed to subscribe to topics: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(runCtx, d.done)

	d.status = service.StatusRunning
	d.logger.Info("Dispatcher started, waiting for commands")
	return nil
}

func (d *Dispatcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	defer g.Wait()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Shutting down dispatcher")
			return
		default:
		}

		msg, err := d.consumer.ReadMessage(pollTimeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			d.logger.Warn("Error reading message", "error", err)
			continue
		}

		g.Go(func() error {
			d.process(ctx, msg)
			return nil
		})
	}
}

func (d *Dispatcher) process(ctx context.Context, msg *kafka.Message) {
	log := d.logger.WithFields(map[string]interface{}{
		"key":       string(msg.Key),
		"partition": msg.TopicPartition.Partition,
		"offset":    msg.TopicPartition.Offset.String(),
	})

	out, err := d.handler.Handle(ctx, msg.Value)
	if out == nil {
		log.Warn("Command rejected", "error", err)
		return
	}
	log.Info("Command processed",
		"flow_id", out.FlowID,
		"flow", string(out.Flow),
		"outcome", string(out.Kind),
	)
}

// Stop stops consuming, waits for running commands and closes the consumer.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != service.StatusRunning {
		return nil
	}
	d.status = service.StatusStopping
	d.cancel()

	select {
	case <-d.done:
	case <-ctx.Done():
		d.logger.Warn("Dispatcher stop timed out with commands in flight")
	}
	err := d.consumer.Close()
	d.status = service.StatusStopped
	return err
}

// Status implements service.Service.
func (d *Dispatcher) Status() service.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Health implements service.Service.
func (d *Dispatcher) Health() error {
	if d.Status() != service.StatusRunning {
		return fmt.Errorf("service not running")
	}
	return nil
}

// Dependencies implements service.Service. Outcomes of dispatched commands
// are published by the events service.
func (d *Dispatcher) Dependencies() []string {
	return []string{"events"}
}
