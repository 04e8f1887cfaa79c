// Package pipeline composes outcome-returning steps into stages that run over
// a whole polled batch.
//
// A stage always returns exactly one entry per input entry, in input order.
// Entries that are no longer accepted stay in the batch, inert, so the final
// accounting (dead-letter and redirect produces, metrics) still sees them.
package pipeline

import (
	"context"
	"fmt"

	"github.com/drblury/sessionflow/internal/runtime/metadata"
	"github.com/drblury/sessionflow/internal/runtime/outcome"
	"github.com/drblury/sessionflow/transport"
)

// Message is the input every pipeline starts from: the raw record and its
// headers decoded once.
type Message struct {
	Record  *transport.Record
	Headers metadata.Metadata
}

// Entry pairs a record with its current outcome.
type Entry[T any] struct {
	Record  *transport.Record
	Outcome outcome.Outcome[T]
}

// Step handles one accepted value. A returned error is fatal for the whole
// batch; per-message problems are expressed as dropped or redirected outcomes.
type Step[A, B any] func(ctx context.Context, in A) (outcome.Outcome[B], error)

// Stage transforms a batch of entries.
type Stage[A, B any] func(ctx context.Context, in []Entry[A]) ([]Entry[B], error)

// Start wraps records into accepted entries carrying their decoded headers.
func Start(records []*transport.Record) []Entry[Message] {
	entries := make([]Entry[Message], len(records))
	for i, rec := range records {
		entries[i] = Entry[Message]{
			Record:  rec,
			Outcome: outcome.Accept(Message{Record: rec, Headers: metadata.FromHeaders(rec.Headers)}),
		}
	}
	return entries
}

// FromStep lifts a per-message step into a stage. The step only runs for
// accepted entries, in order.
func FromStep[A, B any](step Step[A, B]) Stage[A, B] {
	return func(ctx context.Context, in []Entry[A]) ([]Entry[B], error) {
		out := make([]Entry[B], len(in))
		for i, e := range in {
			out[i].Record = e.Record
			if !e.Outcome.IsAccepted() {
				out[i].Outcome = outcome.Rewrap[B](e.Outcome)
				continue
			}
			res, err := step(ctx, e.Outcome.Value())
			if err != nil {
				return nil, err
			}
			out[i].Outcome = outcome.Prepend(e.Outcome.Effects(), res)
		}
		return out, nil
	}
}

// BatchStep handles all accepted values of a batch at once and returns one
// outcome per value.
type BatchStep[A, B any] func(ctx context.Context, in []A) ([]outcome.Outcome[B], error)

// FromBatchStep lifts a batch-level step into a stage. The step sees only the
// accepted values, in order.
func FromBatchStep[A, B any](step BatchStep[A, B]) Stage[A, B] {
	return func(ctx context.Context, in []Entry[A]) ([]Entry[B], error) {
		values := make([]A, 0, len(in))
		positions := make([]int, 0, len(in))
		for i, e := range in {
			if e.Outcome.IsAccepted() {
				values = append(values, e.Outcome.Value())
				positions = append(positions, i)
			}
		}

		var results []outcome.Outcome[B]
		if len(values) > 0 {
			var err error
			results, err = step(ctx, values)
			if err != nil {
				return nil, err
			}
			if len(results) != len(values) {
				return nil, fmt.Errorf("batch step returned %d outcomes for %d values", len(results), len(values))
			}
		}

		out := make([]Entry[B], len(in))
		next := 0
		for i, e := range in {
			out[i].Record = e.Record
			if next < len(positions) && positions[next] == i {
				out[i].Outcome = outcome.Prepend(e.Outcome.Effects(), results[next])
				next++
				continue
			}
			out[i].Outcome = outcome.Rewrap[B](e.Outcome)
		}
		return out, nil
	}
}

// Chain runs first, then second on its output.
func Chain[A, B, C any](first Stage[A, B], second Stage[B, C]) Stage[A, C] {
	return func(ctx context.Context, in []Entry[A]) ([]Entry[C], error) {
		mid, err := first(ctx, in)
		if err != nil {
			return nil, err
		}
		return second(ctx, mid)
	}
}

// Sequential runs same-typed steps in order, stopping at the first outcome
// that is not accepted. Effects of every step that ran are kept.
func Sequential[T any](steps ...Step[T, T]) Step[T, T] {
	return func(ctx context.Context, in T) (outcome.Outcome[T], error) {
		current := outcome.Accept(in)
		for _, step := range steps {
			res, err := step(ctx, current.Value())
			if err != nil {
				return outcome.Outcome[T]{}, err
			}
			current = outcome.Prepend(current.Effects(), res)
			if !current.IsAccepted() {
				break
			}
		}
		return current, nil
	}
}

// FilterMap projects accepted values into a new shape. Entries that are not
// accepted are carried forward without calling fn.
func FilterMap[A, B any](fn func(rec *transport.Record, in A) B) Stage[A, B] {
	return func(_ context.Context, in []Entry[A]) ([]Entry[B], error) {
		out := make([]Entry[B], len(in))
		for i, e := range in {
			out[i].Record = e.Record
			if !e.Outcome.IsAccepted() {
				out[i].Outcome = outcome.Rewrap[B](e.Outcome)
				continue
			}
			out[i].Outcome = outcome.Prepend(e.Outcome.Effects(), outcome.Accept(fn(e.Record, e.Outcome.Value())))
		}
		return out, nil
	}
}

// GroupBy partitions accepted entries by key and runs the stage built for
// each key over that group only. Groups run in order of first appearance and
// every entry is returned to its original position.
func GroupBy[A, B any, K comparable](keyOf func(A) K, build func(key K) Stage[A, B]) Stage[A, B] {
	return func(ctx context.Context, in []Entry[A]) ([]Entry[B], error) {
		var order []K
		groups := make(map[K][]int)
		out := make([]Entry[B], len(in))

		for i, e := range in {
			out[i].Record = e.Record
			if !e.Outcome.IsAccepted() {
				out[i].Outcome = outcome.Rewrap[B](e.Outcome)
				continue
			}
			k := keyOf(e.Outcome.Value())
			if _, ok := groups[k]; !ok {
				order = append(order, k)
			}
			groups[k] = append(groups[k], i)
		}

		for _, k := range order {
			positions := groups[k]
			group := make([]Entry[A], len(positions))
			for j, pos := range positions {
				group[j] = in[pos]
			}
			res, err := build(k)(ctx, group)
			if err != nil {
				return nil, err
			}
			if len(res) != len(group) {
				return nil, fmt.Errorf("group stage returned %d entries for %d inputs", len(res), len(group))
			}
			for j, pos := range positions {
				out[pos] = res[j]
			}
		}
		return out, nil
	}
}

// Accepted returns the accepted entries in order.
func Accepted[T any](entries []Entry[T]) []Entry[T] {
	out := make([]Entry[T], 0, len(entries))
	for _, e := range entries {
		if e.Outcome.IsAccepted() {
			out = append(out, e)
		}
	}
	return out
}

// Values returns the accepted values in order.
func Values[T any](entries []Entry[T]) []T {
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		if e.Outcome.IsAccepted() {
			out = append(out, e.Outcome.Value())
		}
	}
	return out
}
