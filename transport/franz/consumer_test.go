package franz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/drblury/sessionflow/transport"
)

func fetchesOf(topic string, partition int32, offsets ...int64) kgo.Fetches {
	recs := make([]*kgo.Record, 0, len(offsets))
	for _, o := range offsets {
		recs = append(recs, &kgo.Record{Topic: topic, Partition: partition, Offset: o, Value: []byte("v")})
	}
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      topic,
		Partitions: []kgo.FetchPartition{{Partition: partition, Records: recs}},
	}}}}
}

func newStubConsumer(polls ...kgo.Fetches) (*Consumer, *int) {
	allowed := 0
	i := 0
	c := &Consumer{
		cfg:    ConsumerConfig{Topic: "ingest", MaxPollRecords: 10, PollTimeout: 10 * time.Millisecond},
		logger: watermill.NopLogger{},
		poll: func(ctx context.Context, max int) kgo.Fetches {
			if i < len(polls) {
				f := polls[i]
				i++
				return f
			}
			<-ctx.Done()
			return kgo.Fetches{}
		},
		allowRebalance: func() { allowed++ },
		markOffsets:    func(map[string]map[int32]kgo.EpochOffset) {},
		commitMarked:   func(context.Context) error { return nil },
		close:          func() {},
	}
	return c, &allowed
}

func TestConsumerDeliversBatchesInOrder(t *testing.T) {
	c, allowed := newStubConsumer(fetchesOf("ingest", 0, 1, 2, 3), fetchesOf("ingest", 0, 4))

	var offsets []int64
	calls := 0
	handlerErr := errors.New("stop")
	err := c.Consume(context.Background(), func(_ context.Context, recs []*transport.Record) error {
		calls++
		for _, r := range recs {
			offsets = append(offsets, r.Offset)
		}
		if calls == 3 {
			return handlerErr
		}
		return nil
	})

	assert.ErrorIs(t, err, handlerErr)
	assert.Equal(t, []int64{1, 2, 3, 4}, offsets)
	assert.Equal(t, 3, *allowed)
}

func TestConsumerStopsOnCancelledContext(t *testing.T) {
	c, _ := newStubConsumer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Consume(ctx, func(context.Context, []*transport.Record) error {
		t.Fatal("handler must not run")
		return nil
	})
	assert.NoError(t, err)
}

func TestConsumerCommit(t *testing.T) {
	c, _ := newStubConsumer()
	var marked map[string]map[int32]kgo.EpochOffset
	c.markOffsets = func(m map[string]map[int32]kgo.EpochOffset) { marked = m }

	require.NoError(t, c.Commit(context.Background(), nil))
	assert.Nil(t, marked)

	require.NoError(t, c.Commit(context.Background(), []transport.Offset{
		{Topic: "ingest", Partition: 0, Offset: 11},
		{Topic: "ingest", Partition: 3, Offset: 7},
	}))
	assert.Equal(t, int64(11), marked["ingest"][0].Offset)
	assert.Equal(t, int64(7), marked["ingest"][3].Offset)
	assert.Equal(t, int32(-1), marked["ingest"][3].Epoch)

	c.commitMarked = func(context.Context) error { return errors.New("rebalance in progress") }
	err := c.Commit(context.Background(), []transport.Offset{{Topic: "ingest", Offset: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rebalance in progress")
}

func TestConsumerConfigValidate(t *testing.T) {
	err := ConsumerConfig{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "brokers")
	assert.Contains(t, err.Error(), "group id")
	assert.Contains(t, err.Error(), "topic")

	cfg := ConsumerConfig{Brokers: []string{"b:9092"}, GroupID: "g", Topic: "t"}
	require.NoError(t, cfg.Validate())
	cfg.withDefaults()
	assert.Equal(t, 500, cfg.MaxPollRecords)
	assert.Equal(t, time.Second, cfg.PollTimeout)
}

func TestNewConsumerValidates(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{}, nil, nil)
	assert.Error(t, err)
}
