package transport

import (
	"context"
	"fmt"
	"sort"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// PartitionKeyMetadata is the watermill metadata key carrying the record key.
const PartitionKeyMetadata = "partition_key"

// ToWatermill converts msg into a watermill message. Headers become metadata,
// so a later duplicate key overwrites an earlier one.
func ToWatermill(msg Message) *message.Message {
	wm := message.NewMessage(watermill.NewUUID(), msg.Value)
	for _, h := range msg.Headers {
		wm.Metadata.Set(h.Key, string(h.Value))
	}
	if len(msg.Key) > 0 {
		wm.Metadata.Set(PartitionKeyMetadata, string(msg.Key))
	}
	return wm
}

// FromWatermill converts a watermill message back into an outgoing message
// for topic. Header order follows sorted metadata keys.
func FromWatermill(topic string, wm *message.Message) Message {
	out := Message{Topic: topic, Value: wm.Payload}
	keys := make([]string, 0, len(wm.Metadata))
	for k := range wm.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := wm.Metadata.Get(k)
		if k == PartitionKeyMetadata {
			out.Key = []byte(v)
			continue
		}
		out.Headers = append(out.Headers, Header{Key: k, Value: []byte(v)})
	}
	return out
}

// PartitionKey reads the record key stored by ToWatermill.
func PartitionKey(_ string, wm *message.Message) (string, error) {
	return wm.Metadata.Get(PartitionKeyMetadata), nil
}

// PublisherProducer adapts a watermill publisher to Producer.
type PublisherProducer struct {
	publisher message.Publisher
}

// NewPublisherProducer wraps publisher.
func NewPublisherProducer(publisher message.Publisher) *PublisherProducer {
	return &PublisherProducer{publisher: publisher}
}

// Produce publishes msg to msg.Topic.
func (p *PublisherProducer) Produce(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		return fmt.Errorf("produce: topic is required")
	}
	wm := ToWatermill(msg)
	wm.SetContext(ctx)
	if err := p.publisher.Publish(msg.Topic, wm); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// Close closes the underlying publisher.
func (p *PublisherProducer) Close() error {
	return p.publisher.Close()
}
