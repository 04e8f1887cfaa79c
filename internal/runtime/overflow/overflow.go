// Package overflow decides when a session has to move to the overflow lane.
//
// On the main lane every accepted record spends its byte size from a token
// bucket keyed by token and session. In stateful mode the buckets live in
// shared state so every consumer sees the same budget, with a short-lived
// local copy answering reads; in stateless mode each process keeps its own
// limiters. An exhausted bucket redirects the record, keyed as before, and
// sets a cooldown marker so the session keeps going to the overflow lane. The
// overflow lane refreshes that marker for the sessions it sees.
//
// Shared state failures never hold records back: the record is admitted and
// the failure logged.
package overflow

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/drblury/sessionflow/internal/runtime/cache"
	"github.com/drblury/sessionflow/internal/runtime/config"
	errspkg "github.com/drblury/sessionflow/internal/runtime/errors"
	"github.com/drblury/sessionflow/internal/runtime/jsoncodec"
	"github.com/drblury/sessionflow/internal/runtime/logging"
	"github.com/drblury/sessionflow/internal/runtime/outcome"
	"github.com/drblury/sessionflow/internal/runtime/parser"
	"github.com/drblury/sessionflow/internal/runtime/pipeline"
	"github.com/drblury/sessionflow/internal/runtime/sharedstate"
)

const (
	bucketPrefix = "overflow:bucket:"
	markerPrefix = "overflow:session:"
)

// Key returns the bucket key of a session.
func Key(token, sessionID string) string { return token + ":" + sessionID }

type localState struct {
	bucket      Bucket
	overflowing bool
}

// Limiter applies overflow admission control to batches.
type Limiter struct {
	mode          string
	lane          string
	overflowTopic string
	capacity      float64
	rate          float64
	overrides     map[string]Override

	store       sharedstate.Store
	local       *cache.TTL[string, localState]
	limiters    *cache.TTL[string, *rate.Limiter]
	cacheTTL    time.Duration
	cooldownTTL time.Duration
	bucketTTL   time.Duration

	now    func() time.Time
	logger logging.ServiceLogger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New builds a limiter for lane. store is required in stateful mode.
func New(cfg config.OverflowConfig, lane, overflowTopic string, store sharedstate.Store, logger logging.ServiceLogger, opts ...Option) (*Limiter, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	mode := cfg.Mode
	if mode == "" {
		mode = config.OverflowStateful
	}
	if mode != config.OverflowDisabled && (cfg.BucketCapacity <= 0 || cfg.ReplenishRate <= 0) {
		return nil, errspkg.ErrInvalidBucketConfig
	}
	if mode == config.OverflowStateful && store == nil {
		return nil, errspkg.ErrStateStoreRequired
	}
	if mode == config.OverflowStateful && (cfg.CooldownTTL <= 0 || cfg.BucketTTL <= 0) {
		return nil, errspkg.ErrInvalidOverflowTTL
	}

	l := &Limiter{
		mode:          mode,
		lane:          lane,
		overflowTopic: overflowTopic,
		capacity:      float64(cfg.BucketCapacity),
		rate:          cfg.ReplenishRate,
		store:         store,
		cacheTTL:      cfg.CacheTTL,
		cooldownTTL:   cfg.CooldownTTL,
		bucketTTL:     cfg.BucketTTL,
		now:           time.Now,
		logger:        logger.With(logging.LogFields{"component": "overflow", "mode": mode, "lane": lane}),
	}
	for _, opt := range opts {
		opt(l)
	}

	overrides, errs := ParseOverrides(cfg.Overrides)
	for _, err := range errs {
		l.logger.Warn("Skipping invalid overflow override", logging.LogFields{"error": err.Error()})
	}
	l.overrides = overrides
	l.local = cache.NewTTL[string, localState](cache.WithClock(l.now), cache.WithMaxEntries(1_000_000))
	l.limiters = cache.NewTTL[string, *rate.Limiter](cache.WithClock(l.now), cache.WithMaxEntries(1_000_000))
	return l, nil
}

// Mode returns the admission mode.
func (l *Limiter) Mode() string { return l.mode }

func (l *Limiter) params(token string) (capacity, replenish float64) {
	capacity, replenish = l.capacity, l.rate
	if o, ok := l.overrides[token]; ok {
		capacity = o.Capacity
		if o.Rate > 0 {
			replenish = o.Rate
		}
	}
	return capacity, replenish
}

// Step returns the batch step for the configured lane and mode.
func (l *Limiter) Step() pipeline.BatchStep[parser.Parsed, parser.Parsed] {
	return func(ctx context.Context, in []parser.Parsed) ([]outcome.Outcome[parser.Parsed], error) {
		switch {
		case l.mode == config.OverflowDisabled:
			return acceptAll(in), nil
		case l.lane == config.LaneOverflow:
			l.refreshMarkers(ctx, in)
			return acceptAll(in), nil
		case l.mode == config.OverflowStateless:
			return l.admitStateless(in), nil
		default:
			return l.admitStateful(ctx, in), nil
		}
	}
}

func acceptAll(in []parser.Parsed) []outcome.Outcome[parser.Parsed] {
	out := make([]outcome.Outcome[parser.Parsed], len(in))
	for i, p := range in {
		out[i] = outcome.Accept(p)
	}
	return out
}

func (l *Limiter) redirect(reason string) outcome.Outcome[parser.Parsed] {
	return outcome.Redirect[parser.Parsed](l.overflowTopic, reason, true, true)
}

func (l *Limiter) admitStateless(in []parser.Parsed) []outcome.Outcome[parser.Parsed] {
	now := l.now()
	out := make([]outcome.Outcome[parser.Parsed], len(in))
	for i, p := range in {
		key := Key(p.Data.Token, p.Data.SessionID)
		capacity, replenish := l.params(p.Data.Token)
		lim, ok := l.limiters.Get(key)
		if !ok {
			lim = rate.NewLimiter(rate.Limit(replenish), int(capacity))
		}
		l.limiters.Set(key, lim, l.idleTTL())

		cost := int(math.Min(float64(p.Data.Metadata.RawSize), capacity))
		if lim.AllowN(now, cost) {
			out[i] = outcome.Accept(p)
		} else {
			out[i] = l.redirect(outcome.ReasonRateLimited)
		}
	}
	return out
}

// idleTTL is how long an untouched bucket is kept: long enough to refill.
func (l *Limiter) idleTTL() time.Duration {
	if l.bucketTTL > 0 {
		return l.bucketTTL
	}
	return time.Hour
}

func (l *Limiter) admitStateful(ctx context.Context, in []parser.Parsed) []outcome.Outcome[parser.Parsed] {
	now := l.now()
	states := make(map[string]localState)
	var touched, tripped []string
	out := make([]outcome.Outcome[parser.Parsed], len(in))

	for i, p := range in {
		key := Key(p.Data.Token, p.Data.SessionID)
		capacity, replenish := l.params(p.Data.Token)

		st, seen := states[key]
		if !seen {
			st = l.load(ctx, key, capacity, now)
			st.bucket = st.bucket.refill(capacity, replenish, now)
			touched = append(touched, key)
		}
		if st.overflowing {
			out[i] = l.redirect(outcome.ReasonOverflowCooldown)
			states[key] = st
			continue
		}

		cost := math.Min(float64(p.Data.Metadata.RawSize), capacity)
		var ok bool
		st.bucket, ok = st.bucket.take(cost)
		if ok {
			out[i] = outcome.Accept(p)
		} else {
			st.overflowing = true
			tripped = append(tripped, key)
			out[i] = l.redirect(outcome.ReasonRateLimited)
		}
		states[key] = st
	}

	for _, key := range touched {
		st := states[key]
		l.local.Set(key, st, l.cacheTTL)
		l.saveBucket(ctx, key, st.bucket)
	}
	for _, key := range tripped {
		l.setMarker(ctx, key)
	}
	return out
}

// load reads the session state through the local cache. Store errors are
// logged and treated as a full bucket.
func (l *Limiter) load(ctx context.Context, key string, capacity float64, now time.Time) localState {
	if st, ok := l.local.Get(key); ok {
		return st
	}

	st := localState{bucket: fullBucket(capacity, now)}

	_, err := l.store.Get(ctx, markerPrefix+key)
	switch {
	case err == nil:
		st.overflowing = true
	case !sharedstate.IsNotFound(err):
		l.logger.Warn("Overflow marker lookup failed, admitting", logging.LogFields{"key": key, "error": err.Error()})
	}

	raw, err := l.store.Get(ctx, bucketPrefix+key)
	switch {
	case err == nil:
		var b Bucket
		if decodeErr := jsoncodec.Unmarshal(raw, &b); decodeErr != nil {
			l.logger.Warn("Discarding corrupt overflow bucket", logging.LogFields{"key": key, "error": decodeErr.Error()})
			break
		}
		st.bucket = b
	case !sharedstate.IsNotFound(err):
		l.logger.Warn("Overflow bucket lookup failed, admitting", logging.LogFields{"key": key, "error": err.Error()})
	}
	return st
}

func (l *Limiter) saveBucket(ctx context.Context, key string, b Bucket) {
	raw, err := jsoncodec.Marshal(b)
	if err != nil {
		return
	}
	if err := l.store.Set(ctx, bucketPrefix+key, raw, l.bucketTTL); err != nil {
		l.logger.Warn("Overflow bucket write failed", logging.LogFields{"key": key, "error": err.Error()})
	}
}

func (l *Limiter) setMarker(ctx context.Context, key string) {
	value := []byte(fmt.Sprintf("%d", l.now().UnixMilli()))
	if err := l.store.Set(ctx, markerPrefix+key, value, l.cooldownTTL); err != nil {
		l.logger.Warn("Overflow marker write failed", logging.LogFields{"key": key, "error": err.Error()})
		return
	}
	l.logger.Info("Session moved to overflow", logging.LogFields{"key": key, "cooldown": l.cooldownTTL.String()})
}

// refreshMarkers extends the cooldown of every session in the batch, once
// per session. Sessions without a marker are left alone.
func (l *Limiter) refreshMarkers(ctx context.Context, in []parser.Parsed) {
	if l.store == nil || l.cooldownTTL <= 0 {
		return
	}
	done := make(map[string]struct{}, len(in))
	for _, p := range in {
		key := Key(p.Data.Token, p.Data.SessionID)
		if _, ok := done[key]; ok {
			continue
		}
		done[key] = struct{}{}
		err := l.store.Expire(ctx, markerPrefix+key, l.cooldownTTL)
		if err != nil && !sharedstate.IsNotFound(err) {
			l.logger.Warn("Overflow marker refresh failed", logging.LogFields{"key": key, "error": err.Error()})
		}
	}
}
