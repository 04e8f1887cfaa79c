// Package transport defines the broker contracts the ingestion pipeline
// consumes from and produces to. Each backend (franz, kafka, channel) lives
// in its own sub-package and registers a producer builder with the registry.
package transport

import (
	"bytes"
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Header is one entry of a record's ordered header list. Duplicate keys are
// allowed and order is significant.
type Header struct {
	Key   string
	Value []byte
}

// Record is a message as delivered by the consumer. Records are immutable and
// owned by the consumer until their offset is committed.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Timestamp time.Time
}

// HeaderValue returns the value of the first header named key.
func (r *Record) HeaderValue(key string) ([]byte, bool) {
	if r == nil {
		return nil, false
	}
	for _, h := range r.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return nil, false
}

// Message is an outgoing record. Partition is chosen by the producer from Key.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers []Header
}

// ForwardRecord builds an outgoing message carrying the record's key, value and
// headers verbatim, followed by any extra headers.
func ForwardRecord(topic string, rec *Record, extra ...Header) Message {
	headers := make([]Header, 0, len(rec.Headers)+len(extra))
	headers = append(headers, rec.Headers...)
	headers = append(headers, extra...)
	return Message{
		Topic:   topic,
		Key:     bytes.Clone(rec.Key),
		Value:   rec.Value,
		Headers: headers,
	}
}

// Producer writes messages to a topic. Implementations must be safe for
// concurrent use; side effects are produced from scheduler goroutines.
type Producer interface {
	Produce(ctx context.Context, msg Message) error
	Close() error
}

// Offset identifies the next offset to consume for a topic partition.
type Offset struct {
	Topic     string
	Partition int32
	Offset    int64
}

// BatchHandler processes one polled batch. Returning an error stops the
// consume loop.
type BatchHandler func(ctx context.Context, records []*Record) error

// RebalanceListener is told about partition ownership changes. Callbacks run
// synchronously from the consumer's group management and must return promptly.
type RebalanceListener interface {
	OnPartitionsAssigned(ctx context.Context, topic string, partitions []int32)
	OnPartitionsRevoked(ctx context.Context, topic string, partitions []int32)
}

// Consumer polls batches from the ingestion topic and commits offsets
// explicitly once the caller has made the data durable.
type Consumer interface {
	Consume(ctx context.Context, handler BatchHandler) error
	Commit(ctx context.Context, offsets []Offset) error
	Close() error
}

// Transport is what a registered builder produces. Subscriber is only set by
// in-process backends so produced messages can be observed.
type Transport struct {
	Producer   Producer
	Subscriber message.Subscriber
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values transports need without depending on the full
// config package.
type Config interface {
	GetProducerTransport() string
	GetKafkaBrokers() []string
	GetKafkaClientID() string
}
