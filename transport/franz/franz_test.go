package franz

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/drblury/sessionflow/transport"
)

type mockConfig struct {
	brokers []string
}

func (m mockConfig) GetProducerTransport() string { return TransportName }
func (m mockConfig) GetKafkaBrokers() []string    { return m.brokers }
func (m mockConfig) GetKafkaClientID() string     { return "sessionflow-test" }

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()

	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.True(t, caps.ForwardsVerbatim())
	assert.Equal(t, transport.FranzCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("requires brokers", func(t *testing.T) {
		_, err := Build(context.Background(), mockConfig{}, watermill.NopLogger{})
		assert.Error(t, err)
	})

	t.Run("wraps factory error", func(t *testing.T) {
		original := ClientFactory
		defer func() { ClientFactory = original }()

		ClientFactory = func(opts ...kgo.Opt) (*kgo.Client, error) {
			return nil, errors.New("dial refused")
		}

		_, err := Build(context.Background(), mockConfig{brokers: []string{"127.0.0.1:9092"}}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dial refused")
	})

	t.Run("creates producer", func(t *testing.T) {
		original := ClientFactory
		defer func() { ClientFactory = original }()

		var gotOpts int
		ClientFactory = func(opts ...kgo.Opt) (*kgo.Client, error) {
			gotOpts = len(opts)
			return kgo.NewClient(opts...)
		}

		tr, err := Build(context.Background(), mockConfig{brokers: []string{"127.0.0.1:1"}}, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, gotOpts)
		require.NoError(t, tr.Producer.Close())
	})
}

func TestProducerKeepsHeaderOrder(t *testing.T) {
	var got []*kgo.Record
	p := &Producer{
		produceSync: func(_ context.Context, recs ...*kgo.Record) kgo.ProduceResults {
			got = append(got, recs...)
			results := make(kgo.ProduceResults, 0, len(recs))
			for _, r := range recs {
				results = append(results, kgo.ProduceResult{Record: r})
			}
			return results
		},
		close: func() {},
	}

	err := p.Produce(context.Background(), transport.Message{
		Topic: "dlq",
		Key:   []byte("k"),
		Value: []byte("v"),
		Headers: []transport.Header{
			{Key: "x", Value: []byte("1")},
			{Key: "x", Value: []byte("2")},
			{Key: "a", Value: []byte("3")},
		},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "dlq", got[0].Topic)
	assert.Equal(t, []kgo.RecordHeader{
		{Key: "x", Value: []byte("1")},
		{Key: "x", Value: []byte("2")},
		{Key: "a", Value: []byte("3")},
	}, got[0].Headers)
}

func TestProducerReturnsFirstError(t *testing.T) {
	p := &Producer{
		produceSync: func(_ context.Context, recs ...*kgo.Record) kgo.ProduceResults {
			return kgo.ProduceResults{{Record: recs[0], Err: errors.New("not leader")}}
		},
		close: func() {},
	}

	err := p.Produce(context.Background(), transport.Message{Topic: "t", Value: []byte("v")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not leader")

	assert.Error(t, p.Produce(context.Background(), transport.Message{Value: []byte("v")}))
}

func TestFromKgoRecord(t *testing.T) {
	rec := fromKgoRecord(&kgo.Record{
		Topic:     "ingest",
		Partition: 4,
		Offset:    99,
		Key:       []byte("k"),
		Value:     []byte("v"),
		Headers:   []kgo.RecordHeader{{Key: "token", Value: []byte("phc")}},
	})
	assert.Equal(t, int32(4), rec.Partition)
	assert.Equal(t, int64(99), rec.Offset)
	v, ok := rec.HeaderValue("token")
	require.True(t, ok)
	assert.Equal(t, "phc", string(v))
}
