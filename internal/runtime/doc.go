/*
Package runtime wires the session ingestion lane.

# Package Structure

## Core Service (service.go)

The Service owns the consumer, the producer transport and the shared state
store it built, and ties together:
  - the session pipeline (session.go)
  - the batch manager and its sink
  - the side effect scheduler
  - the metrics registry, Prometheus collectors and HTTP server
  - the dynamic restriction refresher

## Session pipeline (session.go)

BuildSessionStage composes the stages in order:
  - restrictions: drop, force overflow and skip person processing rules
  - teams: token to team resolution, grouped per token
  - parse: snapshot event decoding
  - version_check: library version and timestamp freshness warnings
  - overflow: per-session token bucket admission
followed by dead-letter and redirect produces and the projection of accepted
records into batch items. Session metrics are recorded once an item is
buffered.

## Hooks (hooks.go)

BatchHooks observe batch processing and flushes. LoggingHooks is always
installed; stats collection is a hook as well.

## Stats & Status (stats.go, status.go, resources.go)

Batch latency percentiles, throughput, flush counters, dependency health and
process resource usage, served as JSON on /status.

# Sub-packages

  - batch/: per-partition session block buffering and flush
  - cache/: TTL cache in front of shared state lookups
  - config/: viper-backed configuration with validation
  - errors/: sentinel errors and error types
  - ids/: ULID generation
  - jsoncodec/: JSON encoding utilities
  - logging/: logger interface and adapters
  - metadata/: record header metadata
  - metrics/: session metric aggregation, Prometheus collectors, HTTP server
  - outcome/: per-record results and side effects
  - overflow/: token bucket rate limiting with cooldowns
  - parser/: snapshot event parsing
  - pipeline/: composable batch stages
  - restrictions/: static and dynamic restriction rules
  - scheduler/: bounded fire-and-forget side effects
  - sharedstate/: Redis, NATS and in-memory key-value stores
  - storage/: compressed recordings topic sink
  - teams/: cached team resolution behind a circuit breaker
  - versioncheck/: library version and freshness checks
  - warnings/: debounced ingestion warnings
*/
package runtime
