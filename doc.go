// Package sessionflow ingests session recording events from Kafka, vets them
// and batches them into per-session blocks. A Service consumes one lane (the
// main topic or the overflow topic), runs every polled batch through a
// pipeline of restriction, team resolution, parsing, version and freshness
// checks and overflow admission, and buffers accepted snapshots until a size
// or age threshold triggers a flush to the recordings topic. Offsets are
// committed only after the blocks covering them are written.
//
// Every record ends in exactly one outcome: accepted, dropped (optionally to
// the dead-letter topic with a dlq_reason header) or redirected to the
// overflow topic with its key and headers kept. Warnings and redirects are
// fire-and-forget side effects handled by a bounded scheduler, which is
// drained before a batch is reported as done.
//
// # Transports
//
// The consumer is a franz-go group consumer. Producers are pluggable through
// the transport registry:
//   - franz: franz-go producer, forwards records verbatim
//   - kafka: Watermill Kafka publisher
//   - channel: in-memory Go channels for tests
//
// Import github.com/drblury/sessionflow/transport/transports to register all of
// them, or a single transport package for just one.
//
// # Shared state
//
// Team lookups, dynamic restrictions and overflow buckets share state across
// consumers through Redis, a NATS JetStream key-value bucket or, for tests, an
// in-memory store.
//
// # Batch hooks
//
// BatchHooks carries OnBatchStart, OnBatchDone, OnBatchError and OnFlush
// callbacks. LoggingHooks and AlertingHooks cover the common cases; pass your
// own through ServiceDependencies.Hooks.
//
// # Observability
//
// Prometheus collectors are served on /metrics next to /health and a JSON
// /status snapshot when the metrics server is enabled. Aggregated session
// metrics are periodically produced to the metrics topic.
package sessionflow
