package transport

// Capabilities describes what a producer backend guarantees. The pipeline
// checks them at startup: dead-letter and redirect forwarding rely on header
// order and key-based partitioning being preserved.
type Capabilities struct {
	// Name is the registered transport name.
	Name string

	// PreservesHeaderOrder indicates duplicate and ordered headers survive a
	// produce unchanged.
	PreservesHeaderOrder bool

	// SupportsPartitionKey indicates messages with equal keys land on the same
	// partition.
	SupportsPartitionKey bool

	// SupportsBatching indicates the backend batches produce requests.
	SupportsBatching bool

	// MaxMessageSize is the largest accepted value in bytes (0 = unknown).
	MaxMessageSize int64
}

// PreservesLocality reports whether redirected records keep their partition
// key semantics on this backend.
func (c Capabilities) PreservesLocality() bool {
	return c.SupportsPartitionKey
}

// ForwardsVerbatim reports whether a record can be forwarded with its key and
// header list intact.
func (c Capabilities) ForwardsVerbatim() bool {
	return c.PreservesHeaderOrder && c.SupportsPartitionKey
}

// Predefined capability sets for the built-in backends.
var (
	// FranzCapabilities for the franz-go Kafka client.
	FranzCapabilities = Capabilities{
		Name:                 "franz",
		PreservesHeaderOrder: true,
		SupportsPartitionKey: true,
		SupportsBatching:     true,
		MaxMessageSize:       1048576,
	}

	// KafkaCapabilities for the watermill-kafka publisher. Watermill metadata
	// is a map, so duplicate headers collapse.
	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		PreservesHeaderOrder: false,
		SupportsPartitionKey: true,
		SupportsBatching:     true,
		MaxMessageSize:       1048576,
	}

	// ChannelCapabilities for the in-memory gochannel backend.
	ChannelCapabilities = Capabilities{
		Name:                 "channel",
		PreservesHeaderOrder: false,
		SupportsPartitionKey: false,
		SupportsBatching:     false,
	}
)

// GetCapabilities returns the capabilities registered for transportName in
// the default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
