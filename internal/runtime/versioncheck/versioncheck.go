// Package versioncheck flags records from outdated client libraries and
// records whose events are too far from the current time.
package versioncheck

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/drblury/sessionflow/internal/runtime/config"
	"github.com/drblury/sessionflow/internal/runtime/outcome"
	"github.com/drblury/sessionflow/internal/runtime/parser"
	"github.com/drblury/sessionflow/internal/runtime/pipeline"
	"github.com/drblury/sessionflow/internal/runtime/warnings"
)

// Version is a major.minor library version.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// Less reports whether v is older than o.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// ParseVersion reads the major and minor components of s. A leading "v" and
// anything after the minor component are ignored.
func ParseVersion(s string) (Version, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	parts := strings.SplitN(s, ".", 3)
	if len(parts) < 2 {
		return Version{}, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil || major < 0 {
		return Version{}, false
	}
	minorDigits := parts[1]
	if i := strings.IndexFunc(minorDigits, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
		minorDigits = minorDigits[:i]
	}
	minor, err := strconv.Atoi(minorDigits)
	if err != nil {
		return Version{}, false
	}
	return Version{Major: major, Minor: minor}, true
}

// Emitter is the warning sink, satisfied by *warnings.Emitter.
type Emitter interface {
	Effect(teamID int64, typ, sessionID string, details map[string]any) (outcome.Effect, bool)
}

// Checker runs the library version and freshness checks.
type Checker struct {
	min           Version
	maxAge        time.Duration
	maxFutureSkew time.Duration
	emitter       Emitter
	now           func() time.Time
}

// Option configures a Checker.
type Option func(*Checker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// New builds a checker. A zero max age or future skew disables that check.
func New(cfg config.VersionCheckConfig, emitter Emitter, opts ...Option) (*Checker, error) {
	minVersion, ok := ParseVersion(cfg.MinLibVersion)
	if !ok {
		return nil, fmt.Errorf("invalid min_lib_version %q", cfg.MinLibVersion)
	}
	c := &Checker{
		min:           minVersion,
		maxAge:        cfg.MaxEventAge,
		maxFutureSkew: cfg.MaxFutureSkew,
		emitter:       emitter,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// LibVersionStep warns about libraries older than the minimum. It never
// drops. Records without a lib_version header, or with one that does not
// parse, are left alone.
func (c *Checker) LibVersionStep() pipeline.Step[parser.Parsed, parser.Parsed] {
	return func(_ context.Context, in parser.Parsed) (outcome.Outcome[parser.Parsed], error) {
		res := outcome.Accept(in)
		raw := in.Headers.LibVersion()
		if raw == "" {
			return res, nil
		}
		v, ok := ParseVersion(raw)
		if !ok || !v.Less(c.min) {
			return res, nil
		}
		if effect, ok := c.emitter.Effect(in.Team.ID, warnings.TypeLibVersionTooOld, in.Data.SessionID, map[string]any{
			"libVersion":    raw,
			"parsedVersion": v,
		}); ok {
			res = res.WithEffects(effect)
		}
		return res, nil
	}
}

// FreshnessStep drops records whose newest event is older than the maximum
// age and warns about events too far in the future. Only the age check drops.
func (c *Checker) FreshnessStep() pipeline.Step[parser.Parsed, parser.Parsed] {
	return func(_ context.Context, in parser.Parsed) (outcome.Outcome[parser.Parsed], error) {
		now := c.now()
		md := in.Data.Metadata

		if c.maxAge > 0 {
			if age := now.Sub(md.MaxTimestamp); age > c.maxAge {
				res := outcome.Drop[parser.Parsed](outcome.ReasonTimestampTooOld)
				if effect, ok := c.emitter.Effect(in.Team.ID, warnings.TypeTimestampDiffTooLarge, in.Data.SessionID,
					c.diffDetails(in, md.MaxTimestamp, age, c.maxAge, "past")); ok {
					res = res.WithEffects(effect)
				}
				return res, nil
			}
		}

		res := outcome.Accept(in)
		if c.maxFutureSkew > 0 {
			if skew := md.MaxTimestamp.Sub(now); skew > c.maxFutureSkew {
				if effect, ok := c.emitter.Effect(in.Team.ID, warnings.TypeTimestampDiffTooLarge, in.Data.SessionID,
					c.diffDetails(in, md.MaxTimestamp, skew, c.maxFutureSkew, "future")); ok {
					res = res.WithEffects(effect)
				}
			}
		}
		return res, nil
	}
}

func (c *Checker) diffDetails(in parser.Parsed, ts time.Time, diff, threshold time.Duration, direction string) map[string]any {
	return map[string]any{
		"timestamp":   ts.UTC().Format(time.RFC3339Nano),
		"timeDiffMs":  diff.Milliseconds(),
		"thresholdMs": threshold.Milliseconds(),
		"direction":   direction,
		"sessionId":   in.Data.SessionID,
		"offset":      in.Record.Offset,
		"partition":   in.Record.Partition,
	}
}

// Step runs the version check, then the freshness check.
func (c *Checker) Step() pipeline.Step[parser.Parsed, parser.Parsed] {
	return pipeline.Sequential(c.LibVersionStep(), c.FreshnessStep())
}
