// Package restrictions decides, per record, whether ingestion is allowed,
// dropped, forced to the overflow lane or flagged to skip person processing.
//
// Static lists come from configuration. Dynamic rules are a JSON array held
// in shared state and reloaded on an interval, never per record. Evaluation
// only reads an immutable snapshot, so it is safe to call concurrently and
// repeated calls for the same headers return the same decision.
package restrictions

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/drblury/sessionflow/internal/runtime/config"
	"github.com/drblury/sessionflow/internal/runtime/jsoncodec"
	"github.com/drblury/sessionflow/internal/runtime/logging"
	"github.com/drblury/sessionflow/internal/runtime/metadata"
	"github.com/drblury/sessionflow/internal/runtime/sharedstate"
)

// Action is the effect of a restriction decision.
type Action uint8

const (
	Allow Action = iota
	Drop
	SkipPersonProcessing
	ForceOverflow
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case Drop:
		return "drop"
	case SkipPersonProcessing:
		return "skip_person_processing"
	case ForceOverflow:
		return "force_overflow"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// ParseAction maps a dynamic rule action name to an Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop", "drop_event":
		return Drop, nil
	case "force_overflow", "force_overflow_from_ingestion":
		return ForceOverflow, nil
	case "skip_person_processing", "skip_person":
		return SkipPersonProcessing, nil
	case "allow":
		return Allow, nil
	default:
		return Allow, fmt.Errorf("unknown restriction action %q", s)
	}
}

// Source names where a decision came from.
const (
	SourceStatic  = "static"
	SourceDynamic = "dynamic"
)

// Decision is the result of evaluating one record.
type Decision struct {
	Action Action
	Source string
	// Key is the matched "token" or "token:distinct_id" entry.
	Key string
}

// Rule is one dynamic restriction as stored in shared state.
type Rule struct {
	Token      string `json:"token"`
	DistinctID string `json:"distinct_id,omitempty"`
	Action     string `json:"action"`
}

type matcher map[string]struct{}

func newMatcher(keys []string) matcher {
	m := make(matcher, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			m[k] = struct{}{}
		}
	}
	return m
}

// match checks the token:distinct_id pair first, then the whole token.
func (m matcher) match(token, distinctID string) (string, bool) {
	if len(m) == 0 {
		return "", false
	}
	if distinctID != "" {
		k := token + ":" + distinctID
		if _, ok := m[k]; ok {
			return k, true
		}
	}
	if _, ok := m[token]; ok {
		return token, true
	}
	return "", false
}

type dynamicRule struct {
	key    string
	action Action
}

// RuleSet is an immutable snapshot of every rule.
type RuleSet struct {
	drop          matcher
	forceOverflow matcher
	skipPerson    matcher
	dynamic       map[string]dynamicRule
}

// NewRuleSet builds the static part of a rule set.
func NewRuleSet(drop, forceOverflow, skipPerson []string) *RuleSet {
	return &RuleSet{
		drop:          newMatcher(drop),
		forceOverflow: newMatcher(forceOverflow),
		skipPerson:    newMatcher(skipPerson),
	}
}

// WithDynamic returns a copy of rs whose dynamic rules are replaced. When two
// rules share a key the first one wins. Rules with an unknown action are
// returned as errors and skipped.
func (rs *RuleSet) WithDynamic(rules []Rule) (*RuleSet, []error) {
	next := &RuleSet{
		drop:          rs.drop,
		forceOverflow: rs.forceOverflow,
		skipPerson:    rs.skipPerson,
		dynamic:       make(map[string]dynamicRule, len(rules)),
	}
	var errs []error
	for _, r := range rules {
		if r.Token == "" {
			errs = append(errs, fmt.Errorf("dynamic rule without token: %+v", r))
			continue
		}
		action, err := ParseAction(r.Action)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		key := r.Token
		if r.DistinctID != "" {
			key += ":" + r.DistinctID
		}
		if _, exists := next.dynamic[key]; exists {
			continue
		}
		next.dynamic[key] = dynamicRule{key: key, action: action}
	}
	return next, errs
}

// Evaluate applies static drop, static force-overflow, static skip-person
// and then dynamic rules. The first match wins.
func (rs *RuleSet) Evaluate(md metadata.Metadata) Decision {
	token, distinctID := md.Token(), md.DistinctID()
	if token == "" {
		return Decision{Action: Allow}
	}
	if k, ok := rs.drop.match(token, distinctID); ok {
		return Decision{Action: Drop, Source: SourceStatic, Key: k}
	}
	if k, ok := rs.forceOverflow.match(token, distinctID); ok {
		return Decision{Action: ForceOverflow, Source: SourceStatic, Key: k}
	}
	if k, ok := rs.skipPerson.match(token, distinctID); ok {
		return Decision{Action: SkipPersonProcessing, Source: SourceStatic, Key: k}
	}
	if len(rs.dynamic) > 0 {
		if distinctID != "" {
			if r, ok := rs.dynamic[token+":"+distinctID]; ok {
				return Decision{Action: r.action, Source: SourceDynamic, Key: r.key}
			}
		}
		if r, ok := rs.dynamic[token]; ok {
			return Decision{Action: r.action, Source: SourceDynamic, Key: r.key}
		}
	}
	return Decision{Action: Allow}
}

// DynamicCount returns the number of dynamic rules in the snapshot.
func (rs *RuleSet) DynamicCount() int { return len(rs.dynamic) }

// Manager owns the current rule snapshot and keeps its dynamic part fresh.
type Manager struct {
	rules    atomic.Pointer[RuleSet]
	store    sharedstate.Store
	key      string
	interval time.Duration
	logger   logging.ServiceLogger
}

// NewManager builds a manager from configuration. store may be nil, in which
// case only static rules apply.
func NewManager(cfg config.RestrictionsConfig, store sharedstate.Store, logger logging.ServiceLogger) *Manager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	m := &Manager{
		store:    store,
		key:      cfg.DynamicRulesKey,
		interval: cfg.RefreshInterval,
		logger:   logger.With(logging.LogFields{"component": "restrictions"}),
	}
	m.rules.Store(NewRuleSet(cfg.DropKeys, cfg.ForceOverflowKeys, cfg.SkipPersonKeys))
	return m
}

// Rules returns the current snapshot.
func (m *Manager) Rules() *RuleSet { return m.rules.Load() }

// Evaluate evaluates md against the current snapshot.
func (m *Manager) Evaluate(md metadata.Metadata) Decision {
	return m.rules.Load().Evaluate(md)
}

// Refresh reloads the dynamic rules. On failure the previous snapshot stays
// in place and the error is returned for logging. A missing key clears the
// dynamic rules.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.store == nil || m.key == "" {
		return nil
	}
	current := m.rules.Load()

	raw, err := m.store.Get(ctx, m.key)
	if sharedstate.IsNotFound(err) {
		next, _ := current.WithDynamic(nil)
		m.rules.Store(next)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load dynamic restrictions: %w", err)
	}

	var rules []Rule
	if err := jsoncodec.Unmarshal(raw, &rules); err != nil {
		return fmt.Errorf("decode dynamic restrictions: %w", err)
	}
	next, errs := current.WithDynamic(rules)
	for _, e := range errs {
		m.logger.Warn("Skipping invalid dynamic restriction", logging.LogFields{"error": e.Error()})
	}
	m.rules.Store(next)
	m.logger.Debug("Dynamic restrictions refreshed", logging.LogFields{"rules": next.DynamicCount()})
	return nil
}

// Run refreshes once, then on every interval until ctx ends. Failures are
// logged and leave the previous rules active.
func (m *Manager) Run(ctx context.Context) {
	m.refreshLogged(ctx)
	if m.interval <= 0 || m.store == nil || m.key == "" {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refreshLogged(ctx)
		}
	}
}

func (m *Manager) refreshLogged(ctx context.Context) {
	if err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("Dynamic restriction refresh failed, keeping previous rules", logging.LogFields{"error": err.Error()})
	}
}
