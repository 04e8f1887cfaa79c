package teams

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/drblury/sessionflow/internal/runtime/cache"
	"github.com/drblury/sessionflow/internal/runtime/config"
	"github.com/drblury/sessionflow/internal/runtime/logging"
	"github.com/drblury/sessionflow/internal/runtime/outcome"
	"github.com/drblury/sessionflow/internal/runtime/pipeline"
)

const defaultCacheMaxEntries = 100_000

// ErrLookupUnavailable is returned while the breaker around the team store is
// open.
var ErrLookupUnavailable = errors.New("sessionflow: team lookup unavailable")

// Resolver caches team lookups in front of a Store. Unknown tokens are cached
// for the negative TTL so a flood of bad tokens does not reach the store, and
// the cache is bounded so it cannot grow with the flood.
type Resolver struct {
	store            Store
	cache            *cache.TTL[string, *Team]
	ttl              time.Duration
	negativeTTL      time.Duration
	defaultRetention int
	breaker          *gobreaker.CircuitBreaker
	logger           logging.ServiceLogger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*resolverOptions)

type resolverOptions struct {
	cacheOpts []cache.Option
}

// WithCacheOptions passes options to the underlying cache.
func WithCacheOptions(opts ...cache.Option) ResolverOption {
	return func(o *resolverOptions) { o.cacheOpts = append(o.cacheOpts, opts...) }
}

// NewResolver builds a resolver from configuration.
func NewResolver(store Store, cfg config.TeamsConfig, logger logging.ServiceLogger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	var o resolverOptions
	for _, opt := range opts {
		opt(&o)
	}
	maxEntries := cfg.CacheMaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultCacheMaxEntries
	}
	cacheOpts := append([]cache.Option{cache.WithMaxEntries(maxEntries)}, o.cacheOpts...)
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	logger = logger.With(logging.LogFields{"component": "team_resolver"})
	return &Resolver{
		store:            store,
		cache:            cache.NewTTL[string, *Team](cacheOpts...),
		ttl:              cfg.CacheTTL,
		negativeTTL:      cfg.NegativeCacheTTL,
		defaultRetention: cfg.DefaultRetentionDays,
		logger:           logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "team-store",
			MaxRequests: 1,
			Timeout:     cfg.BreakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("Team store breaker state changed", logging.LogFields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				})
			},
		}),
	}
}

// Resolve returns the team for token, or nil when the token is unknown.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Team, error) {
	if team, ok := r.cache.Get(token); ok {
		return team, nil
	}

	res, err := r.breaker.Execute(func() (interface{}, error) {
		return r.lookup(ctx, token)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrLookupUnavailable
	}
	if err != nil {
		return nil, err
	}

	team, _ := res.(*Team)
	if team == nil {
		r.cache.Set(token, nil, r.negativeTTL)
		return nil, nil
	}
	r.cache.Set(token, team, r.ttl)
	return team, nil
}

func (r *Resolver) lookup(ctx context.Context, token string) (*Team, error) {
	team, err := r.store.GetTeamByToken(ctx, token)
	if err != nil || team == nil {
		return nil, err
	}
	if team.RetentionPeriodDays > 0 {
		return team, nil
	}
	resolved := *team
	days, err := r.store.GetRetentionPeriodByTeamID(ctx, team.ID)
	if err != nil || days <= 0 {
		if err != nil {
			r.logger.Debug("Falling back to default retention", logging.LogFields{"team_id": team.ID, "error": err.Error()})
		}
		days = r.defaultRetention
	}
	resolved.RetentionPeriodDays = days
	return &resolved, nil
}

// Invalidate removes token from the cache.
func (r *Resolver) Invalidate(token string) { r.cache.Delete(token) }

// Scoped is a record whose token has been resolved to a team.
type Scoped struct {
	pipeline.Message
	Team Team
}

// Step resolves the token header of each record. A missing token is
// dead-lettered, an unknown token is dropped, and a failed lookup is dropped
// and logged.
func Step(r *Resolver) pipeline.Step[pipeline.Message, Scoped] {
	return func(ctx context.Context, msg pipeline.Message) (outcome.Outcome[Scoped], error) {
		token := msg.Headers.Token()
		if token == "" {
			return outcome.DeadLetter[Scoped](outcome.ReasonMissingToken, nil), nil
		}
		team, err := r.Resolve(ctx, token)
		if err != nil {
			r.logger.Warn("Team lookup failed", logging.LogFields{
				"error":     err.Error(),
				"partition": msg.Record.Partition,
				"offset":    msg.Record.Offset,
			})
			return outcome.Drop[Scoped](outcome.ReasonTeamLookupFailed), nil
		}
		if team == nil {
			return outcome.Drop[Scoped](outcome.ReasonInvalidToken), nil
		}
		return outcome.Accept(Scoped{Message: msg, Team: *team}), nil
	}
}

// TokenOf groups messages by token, so team-scoped stages resolve once per
// token.
func TokenOf(msg pipeline.Message) string { return msg.Headers.Token() }
