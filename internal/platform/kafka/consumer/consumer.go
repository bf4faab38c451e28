// Package consumer runs a Kafka consumer group and hands each record to a
// Handler, committing offsets only after the handler succeeds.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	defaultRetryBackoff    = 500 * time.Millisecond
	defaultMaxRetryBackoff = 30 * time.Second
)

// Message is a consumed Kafka record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Handler processes one message. A nil return commits the message; an error
// leaves it uncommitted and the consumer retries it.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Config identifies the cluster, topics and consumer group.
type Config struct {
	Brokers []string
	Topics  []string
	Group   string
}

// client is the subset of *kgo.Client the consumer drives.
type client interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Close()
}

// Consumer polls records and dispatches them in partition order.
type Consumer struct {
	client          client
	handler         Handler
	logger          *slog.Logger
	retryBackoff    time.Duration
	maxRetryBackoff time.Duration
}

type Option func(*Consumer)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithRetryBackoff sets the initial and maximum delay between attempts at a
// failing message.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(c *Consumer) {
		c.retryBackoff = initial
		c.maxRetryBackoff = max
	}
}

// New connects a consumer group client. Extra kgo options are appended after
// the ones derived from cfg.
func New(cfg Config, handler Handler, opts []Option, kopts ...kgo.Opt) (*Consumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("message handler is required")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Group == "" {
		return nil, fmt.Errorf("consumer group is required")
	}

	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}
	cl, err := kgo.NewClient(append(base, kopts...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return newConsumer(cl, handler, opts...), nil
}

func newConsumer(cl client, handler Handler, opts ...Option) *Consumer {
	c := &Consumer{
		client:          cl,
		handler:         handler,
		logger:          slog.Default(),
		retryBackoff:    defaultRetryBackoff,
		maxRetryBackoff: defaultMaxRetryBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run polls until ctx is cancelled. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.WarnContext(ctx, "kafka fetch error",
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		})

		if err := c.process(ctx, fetches); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// process handles each record in order and commits the batch once every
// record has been handled.
func (c *Consumer) process(ctx context.Context, fetches kgo.Fetches) error {
	var handled []*kgo.Record
	iter := fetches.RecordIter()
	for !iter.Done() {
		record := iter.Next()
		if err := c.handleWithRetry(ctx, record); err != nil {
			c.commit(ctx, handled)
			return err
		}
		handled = append(handled, record)
	}
	c.commit(ctx, handled)
	return nil
}

// handleWithRetry keeps retrying one record until it succeeds or ctx ends,
// so later records never overtake it.
func (c *Consumer) handleWithRetry(ctx context.Context, record *kgo.Record) error {
	msg := &Message{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Timestamp: record.Timestamp,
	}

	backoff := c.retryBackoff
	for attempt := 1; ; attempt++ {
		err := c.handler.Handle(ctx, msg)
		if err == nil {
			return nil
		}
		c.logger.ErrorContext(ctx, "failed to handle kafka message, will retry",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"attempt", attempt,
			"error", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, c.maxRetryBackoff)
	}
}

func (c *Consumer) commit(ctx context.Context, records []*kgo.Record) {
	if len(records) == 0 {
		return
	}
	// Commit on a detached context so offsets of handled records survive shutdown.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.client.CommitRecords(commitCtx, records...); err != nil {
		c.logger.WarnContext(ctx, "failed to commit kafka offsets",
			"records", len(records),
			"error", err,
		)
	}
}

// Close leaves the group and releases the client.
func (c *Consumer) Close() {
	c.client.Close()
}
