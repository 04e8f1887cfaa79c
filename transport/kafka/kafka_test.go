package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/sessionflow/transport"
)

type mockConfig struct {
	brokers  []string
	clientID string
}

func (m *mockConfig) GetProducerTransport() string { return TransportName }
func (m *mockConfig) GetKafkaBrokers() []string    { return m.brokers }
func (m *mockConfig) GetKafkaClientID() string     { return m.clientID }

type mockPublisher struct {
	topic string
	msgs  []*message.Message
}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error {
	m.topic = topic
	m.msgs = append(m.msgs, messages...)
	return nil
}
func (m *mockPublisher) Close() error { return nil }

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()

	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.SupportsPartitionKey)
	assert.False(t, caps.PreservesHeaderOrder)
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("creates producer with mocked factory", func(t *testing.T) {
		original := PublisherFactory
		defer func() { PublisherFactory = original }()

		pub := &mockPublisher{}
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
			assert.Equal(t, "sessionflow-test", cfg.OverwriteSaramaConfig.ClientID)
			assert.NotNil(t, cfg.Marshaler)
			return pub, nil
		}

		tr, err := Build(context.Background(), &mockConfig{
			brokers:  []string{"localhost:9092"},
			clientID: "sessionflow-test",
		}, watermill.NopLogger{})
		require.NoError(t, err)

		require.NoError(t, tr.Producer.Produce(context.Background(), transport.Message{
			Topic: "overflow",
			Key:   []byte("phc:s1"),
			Value: []byte("v"),
		}))
		assert.Equal(t, "overflow", pub.topic)
		require.Len(t, pub.msgs, 1)
		assert.Equal(t, "phc:s1", pub.msgs[0].Metadata.Get(transport.PartitionKeyMetadata))
	})

	t.Run("requires brokers", func(t *testing.T) {
		_, err := Build(context.Background(), &mockConfig{}, nil)
		assert.Error(t, err)
	})

	t.Run("returns factory error", func(t *testing.T) {
		original := PublisherFactory
		defer func() { PublisherFactory = original }()

		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &mockConfig{brokers: []string{"localhost:9092"}}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "publisher error")
	})
}
