package runtime

import (
	"context"
	"time"

	"github.com/drblury/sessionflow/internal/runtime/logging"
	"github.com/drblury/sessionflow/transport"
)

// BatchContext provides information about one polled batch to hooks.
type BatchContext struct {
	// Lane is the consumption lane ("main" or "overflow").
	Lane string
	// Topic is the topic the batch was polled from.
	Topic string
	// Records is the number of records polled.
	Records int
	// Accepted is the number of records recorded into the session batch
	// (only set in OnBatchDone).
	Accepted int
	// Context is the context the batch is handled under.
	Context context.Context
	// StartedAt is when handling started.
	StartedAt time.Time
	// Duration is how long handling took (only set in OnBatchDone and OnBatchError).
	Duration time.Duration
}

// FlushContext describes one flush of the session batch.
type FlushContext struct {
	// Blocks is the number of session blocks written.
	Blocks int
	// Offsets are the offsets committed after the write.
	Offsets []transport.Offset
	// Duration covers the write and the commit.
	Duration time.Duration
}

// BatchHooks defines callbacks for batch lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type BatchHooks struct {
	// OnBatchStart is called before a polled batch enters the pipeline.
	OnBatchStart func(ctx BatchContext)

	// OnBatchDone is called once the batch went through the pipeline and its
	// side effects were drained.
	OnBatchDone func(ctx BatchContext)

	// OnBatchError is called when handling the batch failed. The consume
	// loop stops afterwards.
	OnBatchError func(ctx BatchContext, err error)

	// OnFlush is called after every flush attempt, with the error if the
	// write or the commit failed.
	OnFlush func(ctx FlushContext, err error)
}

// Merge combines two BatchHooks, creating a new BatchHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h BatchHooks) Merge(other BatchHooks) BatchHooks {
	return BatchHooks{
		OnBatchStart: chainBatchHooks(h.OnBatchStart, other.OnBatchStart),
		OnBatchDone:  chainBatchHooks(h.OnBatchDone, other.OnBatchDone),
		OnBatchError: chainBatchErrorHooks(h.OnBatchError, other.OnBatchError),
		OnFlush:      chainFlushHooks(h.OnFlush, other.OnFlush),
	}
}

func chainBatchHooks(a, b func(BatchContext)) func(BatchContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx BatchContext) {
		a(ctx)
		b(ctx)
	}
}

func chainBatchErrorHooks(a, b func(BatchContext, error)) func(BatchContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx BatchContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func chainFlushHooks(a, b func(FlushContext, error)) func(FlushContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx FlushContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h BatchHooks) batchStart(ctx BatchContext) {
	if h.OnBatchStart != nil {
		h.OnBatchStart(ctx)
	}
}

func (h BatchHooks) batchDone(ctx BatchContext) {
	if h.OnBatchDone != nil {
		h.OnBatchDone(ctx)
	}
}

func (h BatchHooks) batchError(ctx BatchContext, err error) {
	if h.OnBatchError != nil {
		h.OnBatchError(ctx, err)
	}
}

func (h BatchHooks) flush(ctx FlushContext, err error) {
	if h.OnFlush != nil {
		h.OnFlush(ctx, err)
	}
}

// LoggingHooks returns pre-built hooks that log batch lifecycle events.
// Empty polls are logged at trace level only.
func LoggingHooks(logger logging.ServiceLogger) BatchHooks {
	return BatchHooks{
		OnBatchStart: func(ctx BatchContext) {
			logger.Trace("Batch started", logging.LogFields{
				"lane":    ctx.Lane,
				"topic":   ctx.Topic,
				"records": ctx.Records,
			})
		},
		OnBatchDone: func(ctx BatchContext) {
			logger.Debug("Batch completed", logging.LogFields{
				"lane":        ctx.Lane,
				"topic":       ctx.Topic,
				"records":     ctx.Records,
				"accepted":    ctx.Accepted,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnBatchError: func(ctx BatchContext, err error) {
			logger.Error("Batch failed", err, logging.LogFields{
				"lane":        ctx.Lane,
				"topic":       ctx.Topic,
				"records":     ctx.Records,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnFlush: func(ctx FlushContext, err error) {
			if err != nil {
				logger.Error("Flush failed", err, logging.LogFields{
					"blocks":      ctx.Blocks,
					"duration_ms": ctx.Duration.Milliseconds(),
				})
				return
			}
			logger.Info("Flushed session batch", logging.LogFields{
				"blocks":      ctx.Blocks,
				"partitions":  len(ctx.Offsets),
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on batch and
// flush failures.
func AlertingHooks(alertFunc func(stage string, err error)) BatchHooks {
	return BatchHooks{
		OnBatchError: func(_ BatchContext, err error) {
			alertFunc("batch", err)
		},
		OnFlush: func(_ FlushContext, err error) {
			if err != nil {
				alertFunc("flush", err)
			}
		},
	}
}
