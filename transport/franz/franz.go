// Package franz provides the franz-go backed consumer and producer. It is the
// only backend that forwards records with their header list unchanged, which
// dead-letter and overflow forwarding depend on.
package franz

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/drblury/sessionflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "franz"

// ClientFactory allows overriding client creation for testing.
var ClientFactory = func(opts ...kgo.Opt) (*kgo.Client, error) {
	return kgo.NewClient(opts...)
}

func init() {
	Register()
}

// Register adds the franz transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.FranzCapabilities)
}

// Build creates a franz-go producer from cfg.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, fmt.Errorf("franz: at least one broker is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.ZstdCompression(), kgo.Lz4Compression(), kgo.NoCompression()),
	}
	if id := cfg.GetKafkaClientID(); id != "" {
		opts = append(opts, kgo.ClientID(id))
	}

	cl, err := ClientFactory(opts...)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("new kafka producer client: %w", err)
	}
	return transport.Transport{Producer: NewProducer(cl)}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.FranzCapabilities
}

// Producer writes messages synchronously through a franz-go client.
type Producer struct {
	produceSync func(context.Context, ...*kgo.Record) kgo.ProduceResults
	close       func()
}

// NewProducer wraps cl. The producer owns the client and closes it on Close.
func NewProducer(cl *kgo.Client) *Producer {
	return &Producer{
		produceSync: cl.ProduceSync,
		close:       cl.Close,
	}
}

// Produce writes msg and waits for the broker acknowledgement.
func (p *Producer) Produce(ctx context.Context, msg transport.Message) error {
	if msg.Topic == "" {
		return fmt.Errorf("produce: topic is required")
	}
	if err := p.produceSync(ctx, toKgoRecord(msg)).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", msg.Topic, err)
	}
	return nil
}

// Close flushes nothing further and closes the client.
func (p *Producer) Close() error {
	p.close()
	return nil
}

func toKgoRecord(msg transport.Message) *kgo.Record {
	rec := &kgo.Record{
		Topic: msg.Topic,
		Key:   msg.Key,
		Value: msg.Value,
	}
	if len(msg.Headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, len(msg.Headers))
		for i, h := range msg.Headers {
			rec.Headers[i] = kgo.RecordHeader{Key: h.Key, Value: h.Value}
		}
	}
	return rec
}

func fromKgoRecord(rec *kgo.Record) *transport.Record {
	out := &transport.Record{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
	}
	if len(rec.Headers) > 0 {
		out.Headers = make([]transport.Header, len(rec.Headers))
		for i, h := range rec.Headers {
			out.Headers[i] = transport.Header{Key: h.Key, Value: h.Value}
		}
	}
	return out
}
