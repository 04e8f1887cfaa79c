// Package warnings produces ingestion warnings to the warnings topic. A
// warning is written once and never awaited by the record that raised it.
package warnings

import (
	"context"
	"strconv"
	"time"

	"github.com/drblury/sessionflow/internal/runtime/cache"
	"github.com/drblury/sessionflow/internal/runtime/ids"
	"github.com/drblury/sessionflow/internal/runtime/jsoncodec"
	"github.com/drblury/sessionflow/internal/runtime/outcome"
	"github.com/drblury/sessionflow/transport"
)

// Warning types.
const (
	TypeLibVersionTooOld      = "replay_lib_version_too_old"
	TypeTimestampDiffTooLarge = "message_timestamp_diff_too_large"
)

// Source is stamped on every warning so consumers can tell producers apart.
const Source = "sessionflow"

// Warning is the record written to the warnings topic.
type Warning struct {
	ID        string         `json:"id"`
	TeamID    int64          `json:"team_id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details"`
}

// Emitter turns warnings into side effects. Identical warnings for the same
// session are suppressed for the debounce window.
type Emitter struct {
	producer transport.Producer
	topic    string
	debounce time.Duration
	seen     *cache.TTL[string, struct{}]
	now      func() time.Time
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) { e.now = now }
}

// NewEmitter creates an emitter producing to topic. An empty topic disables
// emission.
func NewEmitter(producer transport.Producer, topic string, debounce time.Duration, opts ...Option) *Emitter {
	e := &Emitter{
		producer: producer,
		topic:    topic,
		debounce: debounce,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.seen = cache.NewTTL[string, struct{}](cache.WithClock(e.now), cache.WithMaxEntries(100_000))
	return e
}

// Effect returns the produce effect for a warning. ok is false when the
// warning is suppressed, either by debounce or because emission is disabled.
func (e *Emitter) Effect(teamID int64, typ, sessionID string, details map[string]any) (outcome.Effect, bool) {
	if e == nil || e.producer == nil || e.topic == "" {
		return outcome.Effect{}, false
	}
	if e.debounce > 0 {
		key := strconv.FormatInt(teamID, 10) + "|" + typ + "|" + sessionID
		if _, dup := e.seen.Get(key); dup {
			return outcome.Effect{}, false
		}
		e.seen.Set(key, struct{}{}, e.debounce)
	}

	now := e.now().UTC()
	w := Warning{
		ID:        ids.CreateULIDAt(now),
		TeamID:    teamID,
		Type:      typ,
		Source:    Source,
		Timestamp: now,
		Details:   details,
	}
	producer, topic := e.producer, e.topic
	return outcome.Effect{
		Name: "warning:" + typ,
		Run: func(ctx context.Context) error {
			value, err := jsoncodec.Marshal(w)
			if err != nil {
				return err
			}
			return producer.Produce(ctx, transport.Message{
				Topic: topic,
				Key:   []byte(strconv.FormatInt(w.TeamID, 10)),
				Value: value,
			})
		},
	}, true
}
