// Package kafka feeds records from a Kafka consumer group into the forwarder.
//
// Offsets are committed manually, after every record of a poll has been
// handled. A handler error stops the consumer without committing the failed
// record, so it is redelivered once the process restarts.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Handler processes one record value.
type Handler interface {
	Handle(ctx context.Context, data []byte) error
}

// Config selects the brokers, the topic and the consumer group.
type Config struct {
	Brokers  []string
	Topic    string
	Group    string
	ClientID string
}

// Consumer reads one topic as a member of a consumer group.
type Consumer struct {
	client  *kgo.Client
	handler Handler
	logger  *slog.Logger
}

// NewConsumer connects a group member. The logger may be nil.
func NewConsumer(cfg Config, handler Handler, logger *slog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.Group == "" {
		return nil, errors.New("kafka: brokers, topic and group are required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: create client: %w", err)
	}
	return &Consumer{client: client, handler: handler, logger: logger}, nil
}

// Run polls until ctx is done or a record cannot be handled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}

		var fetchErr error
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.ErrorContext(ctx, "kafka fetch failed", "topic", topic, "partition", partition, "error", err)
			if fetchErr == nil {
				fetchErr = err
			}
		})
		if fetchErr != nil {
			c.client.AllowRebalance()
			return fmt.Errorf("kafka: fetch: %w", fetchErr)
		}

		var handled []*kgo.Record
		var handleErr error
		iter := fetches.RecordIter()
		for !iter.Done() {
			rec := iter.Next()
			if err := c.handler.Handle(ctx, rec.Value); err != nil {
				handleErr = fmt.Errorf("kafka: handle %s/%d@%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
				break
			}
			handled = append(handled, rec)
		}

		if len(handled) > 0 {
			if err := c.client.CommitRecords(ctx, handled...); err != nil {
				c.client.AllowRebalance()
				return fmt.Errorf("kafka: commit: %w", err)
			}
		}
		c.client.AllowRebalance()
		if handleErr != nil {
			if ctx.Err() != nil {
				// Shutdown interrupted a retry; the record is redelivered.
				return nil
			}
			return handleErr
		}
	}
}

// Close leaves the group and closes the client.
func (c *Consumer) Close() {
	c.client.Close()
}
