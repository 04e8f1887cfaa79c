// Package outcome holds the tagged result every pipeline step returns.
//
// An Outcome is Accepted (carrying a value), Dropped (carrying a reason, and
// optionally flagged for the dead-letter topic) or Redirected (carrying a
// target topic). Non-accepted outcomes short-circuit the remaining steps of a
// message without affecting its siblings in the batch. Any outcome can carry
// side effects that are scheduled rather than awaited per message.
package outcome

import (
	"context"
	"fmt"
)

// Kind discriminates the three outcome variants.
type Kind uint8

const (
	Accepted Kind = iota
	Dropped
	Redirected
)

func (k Kind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Dropped:
		return "dropped"
	case Redirected:
		return "redirected"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Drop and redirect reasons. They are used as metric labels, DLQ headers and
// log fields.
const (
	ReasonMissingToken      = "missing_token"
	ReasonInvalidToken      = "invalid_token"
	ReasonTeamLookupFailed  = "team_lookup_failed"
	ReasonParseError        = "parse_error"
	ReasonTimestampTooOld   = "timestamp_too_old"
	ReasonRestrictedDrop    = "restricted_drop"
	ReasonForceOverflow     = "force_overflow"
	ReasonRateLimited       = "rate_limited"
	ReasonOverflowCooldown  = "overflow_cooldown"
	ReasonPartitionNotOwned = "partition_not_owned"
)

// Effect is a fire-and-forget operation attached to an outcome, such as a
// warning produce. Effects are handed to the side effect scheduler.
type Effect struct {
	Name string
	Run  func(ctx context.Context) error
}

// Outcome is the result of a pipeline step for one message.
type Outcome[T any] struct {
	kind             Kind
	value            T
	reason           string
	topic            string
	preserveLocality bool
	overflow         bool
	deadLetter       bool
	err              error
	effects          []Effect
}

// Accept returns an accepted outcome carrying v.
func Accept[T any](v T) Outcome[T] {
	return Outcome[T]{kind: Accepted, value: v}
}

// Drop returns a dropped outcome that is not dead-lettered.
func Drop[T any](reason string) Outcome[T] {
	return Outcome[T]{kind: Dropped, reason: reason}
}

// DeadLetter returns a dropped outcome whose original record is produced to
// the dead-letter topic. err is the cause, if any.
func DeadLetter[T any](reason string, err error) Outcome[T] {
	return Outcome[T]{kind: Dropped, reason: reason, deadLetter: true, err: err}
}

// Redirect returns an outcome that forwards the original record to topic.
func Redirect[T any](topic, reason string, preserveLocality, overflow bool) Outcome[T] {
	return Outcome[T]{
		kind:             Redirected,
		topic:            topic,
		reason:           reason,
		preserveLocality: preserveLocality,
		overflow:         overflow,
	}
}

func (o Outcome[T]) Kind() Kind              { return o.kind }
func (o Outcome[T]) IsAccepted() bool        { return o.kind == Accepted }
func (o Outcome[T]) Value() T                { return o.value }
func (o Outcome[T]) Reason() string          { return o.reason }
func (o Outcome[T]) Topic() string           { return o.topic }
func (o Outcome[T]) PreservesLocality() bool { return o.preserveLocality }
func (o Outcome[T]) IsOverflow() bool        { return o.overflow }
func (o Outcome[T]) DeadLettered() bool      { return o.deadLetter }
func (o Outcome[T]) Err() error              { return o.err }

// Effects returns the side effects attached so far.
func (o Outcome[T]) Effects() []Effect { return o.effects }

// WithEffects returns a copy of o with effects appended. The receiver's slice
// is never shared with the result.
func (o Outcome[T]) WithEffects(effects ...Effect) Outcome[T] {
	if len(effects) == 0 {
		return o
	}
	merged := make([]Effect, 0, len(o.effects)+len(effects))
	merged = append(merged, o.effects...)
	merged = append(merged, effects...)
	o.effects = merged
	return o
}

// WithoutEffects returns o with its effects cleared, used once they have been
// handed to the scheduler.
func (o Outcome[T]) WithoutEffects() Outcome[T] {
	o.effects = nil
	return o
}

func (o Outcome[T]) String() string {
	switch o.kind {
	case Accepted:
		return "accepted"
	case Dropped:
		if o.deadLetter {
			return fmt.Sprintf("dropped(%s, dlq)", o.reason)
		}
		return fmt.Sprintf("dropped(%s)", o.reason)
	case Redirected:
		return fmt.Sprintf("redirected(%s, %s)", o.topic, o.reason)
	default:
		return o.kind.String()
	}
}

// Map transforms the value of an accepted outcome. Other outcomes are carried
// forward unchanged. Effects are kept either way.
func Map[A, B any](o Outcome[A], f func(A) B) Outcome[B] {
	if o.kind != Accepted {
		return Rewrap[B](o)
	}
	out := Accept(f(o.value))
	out.effects = o.effects
	return out
}

// Rewrap re-types a non-accepted outcome. The value of an accepted outcome is
// lost, so callers only use it on dropped or redirected outcomes.
func Rewrap[B, A any](o Outcome[A]) Outcome[B] {
	return Outcome[B]{
		kind:             o.kind,
		reason:           o.reason,
		topic:            o.topic,
		preserveLocality: o.preserveLocality,
		overflow:         o.overflow,
		deadLetter:       o.deadLetter,
		err:              o.err,
		effects:          o.effects,
	}
}

// Prepend returns o with effects placed before its own. Steps use it to keep
// effects raised by earlier steps ahead of their own.
func Prepend[T any](effects []Effect, o Outcome[T]) Outcome[T] {
	if len(effects) == 0 {
		return o
	}
	merged := make([]Effect, 0, len(effects)+len(o.effects))
	merged = append(merged, effects...)
	merged = append(merged, o.effects...)
	o.effects = merged
	return o
}
