package franz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/drblury/sessionflow/transport"
)

// ConsumerConfig configures the group consumer for the ingestion topic.
type ConsumerConfig struct {
	Brokers        []string
	ClientID       string
	GroupID        string
	Topic          string
	MaxPollRecords int
	PollTimeout    time.Duration
	FetchMaxWait   time.Duration
}

func (c *ConsumerConfig) withDefaults() {
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	if c.FetchMaxWait <= 0 {
		c.FetchMaxWait = 500 * time.Millisecond
	}
}

// Validate reports missing required settings.
func (c ConsumerConfig) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("consumer brokers are required"))
	}
	if c.GroupID == "" {
		errs = append(errs, errors.New("consumer group id is required"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("consumer topic is required"))
	}
	return errors.Join(errs...)
}

// Consumer is a franz-go group consumer with manual commits. Rebalances are
// held back while a polled batch is being handled, so ownership never changes
// underneath a running handler.
type Consumer struct {
	cfg    ConsumerConfig
	logger watermill.LoggerAdapter

	poll           func(ctx context.Context, max int) kgo.Fetches
	allowRebalance func()
	markOffsets    func(map[string]map[int32]kgo.EpochOffset)
	commitMarked   func(ctx context.Context) error
	close          func()
}

// NewConsumer creates a group consumer. listener may be nil.
func NewConsumer(cfg ConsumerConfig, listener transport.RebalanceListener, logger watermill.LoggerAdapter, opts ...kgo.Opt) (*Consumer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.FetchMaxWait),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if listener != nil {
		kopts = append(kopts,
			kgo.OnPartitionsAssigned(func(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
				for topic, partitions := range assigned {
					listener.OnPartitionsAssigned(ctx, topic, partitions)
				}
			}),
			kgo.OnPartitionsRevoked(func(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
				for topic, partitions := range revoked {
					listener.OnPartitionsRevoked(ctx, topic, partitions)
				}
			}),
			kgo.OnPartitionsLost(func(ctx context.Context, _ *kgo.Client, lost map[string][]int32) {
				for topic, partitions := range lost {
					listener.OnPartitionsRevoked(ctx, topic, partitions)
				}
			}),
		)
	}
	kopts = append(kopts, opts...)

	cl, err := ClientFactory(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka consumer client: %w", err)
	}

	return &Consumer{
		cfg:            cfg,
		logger:         logger.With(watermill.LogFields{"topic": cfg.Topic, "group": cfg.GroupID}),
		poll:           cl.PollRecords,
		allowRebalance: cl.AllowRebalance,
		markOffsets:    cl.MarkCommitOffsets,
		commitMarked:   cl.CommitMarkedOffsets,
		close:          cl.Close,
	}, nil
}

// Consume polls until ctx is cancelled. The handler is invoked after every
// poll, with an empty slice when the poll timed out, so time-based flushing
// keeps working on an idle topic.
func (c *Consumer) Consume(ctx context.Context, handler transport.BatchHandler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		pollCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
		fetches := c.poll(pollCtx, c.cfg.MaxPollRecords)
		cancel()

		if fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("Fetch error", err, watermill.LogFields{"fetch_topic": topic, "partition": partition})
		})

		records := make([]*transport.Record, 0, fetches.NumRecords())
		fetches.EachRecord(func(rec *kgo.Record) {
			records = append(records, fromKgoRecord(rec))
		})

		err := handler(ctx, records)
		c.allowRebalance()
		if err != nil {
			return err
		}
	}
}

// Commit marks and synchronously commits offsets. Each offset is the next
// offset to consume.
func (c *Consumer) Commit(ctx context.Context, offsets []transport.Offset) error {
	if len(offsets) == 0 {
		return nil
	}
	marks := make(map[string]map[int32]kgo.EpochOffset)
	for _, o := range offsets {
		byPartition, ok := marks[o.Topic]
		if !ok {
			byPartition = make(map[int32]kgo.EpochOffset)
			marks[o.Topic] = byPartition
		}
		byPartition[o.Partition] = kgo.EpochOffset{Epoch: -1, Offset: o.Offset}
	}
	c.markOffsets(marks)
	if err := c.commitMarked(ctx); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	return nil
}

// Close leaves the group and closes the client.
func (c *Consumer) Close() error {
	c.close()
	return nil
}
