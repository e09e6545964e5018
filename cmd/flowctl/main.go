// cmd/flowctl/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/spf13/pflag"

	"github.com/cmatc13/invoicechain/internal/dispatch"
	"github.com/cmatc13/invoicechain/internal/storage"
	"github.com/cmatc13/invoicechain/pkg/config"
)

const usage = `usage: flowctl [flags] <command>

commands:
  enqueue <type> <payload-json>   queue a flow command on the request topic
  partials                        list partial failures awaiting resume
  partial <entity>                show one partial failure record
`

func main() {
	fs := pflag.NewFlagSet("flowctl", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to a YAML configuration file")
	envFile := fs.String("env-file", ".env", "path to a .env file")
	key := fs.String("key", "", "message key for enqueue, e.g. invoice:INV-001")
	timeout := fs.Duration("timeout", 15*time.Second, "delivery and query timeout")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage); fs.PrintDefaults() }
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	cfg, err := config.LoadWithOptions(config.LoadOptions{
		ConfigFile:     *configFile,
		EnvFile:        *envFile,
		EnvPrefix:      "INVOICECHAIN",
		SkipValidation: true,
	})
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		os.Exit(2)
	}
	switch args[0] {
	case "enqueue":
		if len(args) != 3 {
			fs.Usage()
			os.Exit(2)
		}
		err = enqueue(ctx, cfg, args[1], args[2], *key)
	case "partials":
		err = listPartials(ctx, cfg)
	case "partial":
		if len(args) != 2 {
			fs.Usage()
			os.Exit(2)
		}
		err = showPartial(ctx, cfg, args[1])
	default:
		fs.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "flowctl: %v\n", err)
	os.Exit(1)
}

// enqueue produces one command and waits for its delivery report.
func enqueue(ctx context.Context, cfg *config.Config, cmdType, payload, key string) error {
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("payload is not valid JSON")
	}
	value, err := json.Marshal(dispatch.Command{Type: cmdType, Payload: json.RawMessage(payload)})
	if err != nil {
		return err
	}

	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Kafka.Brokers,
		"acks":              "all",
	})
	if err != nil {
		return fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	defer producer.Close()

	topic := cfg.Kafka.RequestTopic
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          value,
	}
	if key != "" {
		msg.Key = []byte(key)
	}

	delivery := make(chan kafka.Event, 1)
	if err := producer.Produce(msg, delivery); err != nil {
		return fmt.Errorf("produce: %w", err)
	}

	select {
	case ev := <-delivery:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %v", ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery failed: %w", m.TopicPartition.Error)
		}
		fmt.Printf("queued %s on %s [%d] at offset %v\n", cmdType, topic, m.TopicPartition.Partition, m.TopicPartition.Offset)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for delivery: %w", ctx.Err())
	}
}

func partialStore(ctx context.Context, cfg *config.Config) (storage.PartialStore, func(), error) {
	if cfg.Lock.Backend != "redis" {
		return nil, nil, fmt.Errorf("partial failures are only inspectable with lock.backend=redis")
	}
	rdb, err := storage.Connect(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	return storage.NewRedisPartialStore(rdb), func() { rdb.Close() }, nil
}

func listPartials(ctx context.Context, cfg *config.Config) error {
	store, closeFn, err := partialStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	records, err := store.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENTITY\tKIND\tFAILURES\tTX\tUPDATED\tLAST ERROR")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			r.Entity, r.Kind, r.Failures, r.TxHash, r.UpdatedAt.Format(time.RFC3339), r.LastError)
	}
	return w.Flush()
}

func showPartial(ctx context.Context, cfg *config.Config, entity string) error {
	store, closeFn, err := partialStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	rec, err := store.Get(ctx, entity)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}
