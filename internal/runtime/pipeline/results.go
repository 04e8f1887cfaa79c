package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/sessionflow/internal/runtime/outcome"
	"github.com/drblury/sessionflow/internal/runtime/scheduler"
	"github.com/drblury/sessionflow/transport"
)

const tracerName = "sessionflow/pipeline"

// Headers appended to dead-lettered records, after the original headers.
const (
	HeaderDLQReason      = "dlq_reason"
	HeaderDLQError       = "dlq_error"
	HeaderDLQFailedAt    = "dlq_failed_at"
	HeaderDLQSourceTopic = "dlq_source_topic"
)

// HandleResults attaches the produce calls implied by each final outcome:
// dead-lettered drops go to dlqTopic with the original key, value and
// headers, and redirects go to their target topic. The produces are effects,
// so they only run once HandleSideEffects schedules them.
func HandleResults[T any](producer transport.Producer, dlqTopic string) Stage[T, T] {
	return func(_ context.Context, in []Entry[T]) ([]Entry[T], error) {
		out := make([]Entry[T], len(in))
		for i, e := range in {
			out[i] = e
			switch e.Outcome.Kind() {
			case outcome.Dropped:
				if e.Outcome.DeadLettered() {
					out[i].Outcome = e.Outcome.WithEffects(deadLetterEffect(producer, dlqTopic, e.Record, e.Outcome.Reason(), e.Outcome.Err()))
				}
			case outcome.Redirected:
				out[i].Outcome = e.Outcome.WithEffects(redirectEffect(producer, e.Record, e.Outcome.Topic(), e.Outcome.PreservesLocality()))
			}
		}
		return out, nil
	}
}

func deadLetterEffect(producer transport.Producer, topic string, rec *transport.Record, reason string, cause error) outcome.Effect {
	extra := []transport.Header{
		{Key: HeaderDLQReason, Value: []byte(reason)},
		{Key: HeaderDLQSourceTopic, Value: []byte(rec.Topic)},
		{Key: HeaderDLQFailedAt, Value: []byte(time.Now().UTC().Format(time.RFC3339Nano))},
	}
	if cause != nil {
		extra = append(extra, transport.Header{Key: HeaderDLQError, Value: []byte(cause.Error())})
	}
	msg := transport.ForwardRecord(topic, rec, extra...)
	return outcome.Effect{
		Name: "dlq",
		Run: func(ctx context.Context) error {
			return producer.Produce(ctx, msg)
		},
	}
}

func redirectEffect(producer transport.Producer, rec *transport.Record, topic string, preserveLocality bool) outcome.Effect {
	msg := transport.ForwardRecord(topic, rec)
	if !preserveLocality {
		msg.Key = nil
	}
	return outcome.Effect{
		Name: "redirect",
		Run: func(ctx context.Context) error {
			return producer.Produce(ctx, msg)
		},
	}
}

// HandleSideEffects hands every attached effect to the scheduler and clears
// it from the outcome.
func HandleSideEffects[T any](sched *scheduler.Scheduler) Stage[T, T] {
	return func(_ context.Context, in []Entry[T]) ([]Entry[T], error) {
		out := make([]Entry[T], len(in))
		for i, e := range in {
			out[i] = e
			if effects := e.Outcome.Effects(); len(effects) > 0 {
				if err := sched.ScheduleAll(effects); err != nil {
					return nil, err
				}
				out[i].Outcome = e.Outcome.WithoutEffects()
			}
		}
		return out, nil
	}
}

// Observer records per-stage outcome transitions.
type Observer interface {
	ObserveOutcome(stage string, kind outcome.Kind, reason string)
}

// Observe wraps stage in a "sessionflow.stage.<name>" span and reports every
// entry it accepts, drops or redirects to obs under name. Entries that were
// already inert are not reported again. Outcomes are not altered. obs may be
// nil.
func Observe[A, B any](name string, stage Stage[A, B], obs Observer) Stage[A, B] {
	return func(ctx context.Context, in []Entry[A]) ([]Entry[B], error) {
		ctx, span := otel.Tracer(tracerName).Start(ctx, "sessionflow.stage."+name,
			trace.WithAttributes(
				attribute.String("sessionflow.stage", name),
				attribute.Int("sessionflow.entries", len(in)),
			))
		defer span.End()

		out, err := stage(ctx, in)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		counts := make(map[outcome.Kind]int, 3)
		for i := range out {
			if !in[i].Outcome.IsAccepted() {
				continue
			}
			counts[out[i].Outcome.Kind()]++
			if obs != nil {
				obs.ObserveOutcome(name, out[i].Outcome.Kind(), out[i].Outcome.Reason())
			}
		}
		span.SetAttributes(
			attribute.Int("sessionflow.accepted", counts[outcome.Accepted]),
			attribute.Int("sessionflow.dropped", counts[outcome.Dropped]),
			attribute.Int("sessionflow.redirected", counts[outcome.Redirected]),
		)
		return out, nil
	}
}

// Pipeline runs a composed stage over polled batches. Every side effect
// raised while processing a batch has finished by the time Process returns.
type Pipeline[T any] struct {
	stage Stage[Message, T]
	sched *scheduler.Scheduler
}

// New creates a pipeline from stage, scheduling effects on sched.
func New[T any](stage Stage[Message, T], sched *scheduler.Scheduler) *Pipeline[T] {
	return &Pipeline[T]{
		stage: Chain(stage, HandleSideEffects[T](sched)),
		sched: sched,
	}
}

// Process runs the batch and returns the accepted entries in input order.
// The scheduler is drained even when a stage fails.
func (p *Pipeline[T]) Process(ctx context.Context, records []*transport.Record) ([]Entry[T], error) {
	entries, err := p.stage(ctx, Start(records))
	drainErr := p.sched.Drain(ctx)
	if err != nil {
		return nil, err
	}
	if drainErr != nil {
		return nil, fmt.Errorf("drain side effects: %w", drainErr)
	}
	return Accepted(entries), nil
}
