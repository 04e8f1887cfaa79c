package versioncheck

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/sessionflow/internal/runtime/config"
	"github.com/drblury/sessionflow/internal/runtime/metadata"
	"github.com/drblury/sessionflow/internal/runtime/outcome"
	"github.com/drblury/sessionflow/internal/runtime/parser"
	"github.com/drblury/sessionflow/internal/runtime/pipeline"
	"github.com/drblury/sessionflow/internal/runtime/teams"
	"github.com/drblury/sessionflow/internal/runtime/warnings"
	"github.com/drblury/sessionflow/transport"
)

type emitted struct {
	teamID  int64
	typ     string
	session string
	details map[string]any
}

type fakeEmitter struct{ got []emitted }

func (f *fakeEmitter) Effect(teamID int64, typ, sessionID string, details map[string]any) (outcome.Effect, bool) {
	f.got = append(f.got, emitted{teamID, typ, sessionID, details})
	return outcome.Effect{Name: "warning:" + typ, Run: func(context.Context) error { return nil }}, true
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newChecker(t *testing.T, em Emitter) *Checker {
	t.Helper()
	c, err := New(config.VersionCheckConfig{
		MinLibVersion: "1.75.0",
		MaxEventAge:   7 * 24 * time.Hour,
		MaxFutureSkew: time.Hour,
	}, em, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return c
}

func parsed(libVersion string, newest time.Time) parser.Parsed {
	md := metadata.New(metadata.KeyToken, "t1")
	if libVersion != "" {
		md = md.With(metadata.KeyLibVersion, libVersion)
	}
	return parser.Parsed{
		Scoped: teams.Scoped{
			Message: pipeline.Message{Record: &transport.Record{Partition: 2, Offset: 10}, Headers: md},
			Team:    teams.Team{ID: 5},
		},
		Data: parser.MessageData{
			SessionID: "s1",
			Metadata:  parser.Metadata{MinTimestamp: newest.Add(-time.Second), MaxTimestamp: newest},
		},
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want Version
		ok   bool
	}{
		{"1.75.0", Version{1, 75}, true},
		{"v2.3", Version{2, 3}, true},
		{"1.74.0-beta.1", Version{1, 74}, true},
		{"1.9-rc1", Version{1, 9}, true},
		{"1", Version{}, false},
		{"one.two", Version{}, false},
		{"", Version{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseVersion(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	assert.True(t, Version{1, 74}.Less(Version{1, 75}))
	assert.False(t, Version{2, 0}.Less(Version{1, 75}))
}

func TestNewRejectsBadMinimum(t *testing.T) {
	_, err := New(config.VersionCheckConfig{MinLibVersion: "latest"}, &fakeEmitter{})
	assert.Error(t, err)
}

func TestNoHeaderNoWarning(t *testing.T) {
	em := &fakeEmitter{}
	res, err := newChecker(t, em).Step()(context.Background(), parsed("", now.Add(-time.Minute)))
	require.NoError(t, err)
	assert.True(t, res.IsAccepted())
	assert.Empty(t, res.Effects())
	assert.Empty(t, em.got)
}

func TestOldLibraryWarnsWithoutDropping(t *testing.T) {
	em := &fakeEmitter{}
	res, err := newChecker(t, em).Step()(context.Background(), parsed("1.74.0", now.Add(-time.Minute)))
	require.NoError(t, err)
	assert.True(t, res.IsAccepted())
	assert.Len(t, res.Effects(), 1)

	require.Len(t, em.got, 1)
	w := em.got[0]
	assert.Equal(t, warnings.TypeLibVersionTooOld, w.typ)
	assert.Equal(t, int64(5), w.teamID)
	assert.Equal(t, "1.74.0", w.details["libVersion"])
	assert.Equal(t, Version{Major: 1, Minor: 74}, w.details["parsedVersion"])
}

func TestCurrentLibraryNoWarning(t *testing.T) {
	em := &fakeEmitter{}
	for _, v := range []string{"1.75.0", "1.80.1", "2.0.0", "garbage"} {
		res, err := newChecker(t, em).LibVersionStep()(context.Background(), parsed(v, now))
		require.NoError(t, err)
		assert.True(t, res.IsAccepted())
	}
	assert.Empty(t, em.got)
}

func TestStaleEventsDroppedWithWarning(t *testing.T) {
	em := &fakeEmitter{}
	res, err := newChecker(t, em).Step()(context.Background(), parsed("", now.Add(-10*24*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, outcome.Dropped, res.Kind())
	assert.Equal(t, outcome.ReasonTimestampTooOld, res.Reason())
	assert.False(t, res.DeadLettered())
	assert.Len(t, res.Effects(), 1, "warning travels with the dropped outcome")

	require.Len(t, em.got, 1)
	assert.Equal(t, warnings.TypeTimestampDiffTooLarge, em.got[0].typ)
	assert.Equal(t, "past", em.got[0].details["direction"])
}

func TestStaleWithOldLibraryKeepsBothWarnings(t *testing.T) {
	em := &fakeEmitter{}
	res, err := newChecker(t, em).Step()(context.Background(), parsed("1.10.0", now.Add(-10*24*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, outcome.Dropped, res.Kind())
	assert.Len(t, res.Effects(), 2)
	assert.Len(t, em.got, 2)
}

func TestFutureSkewWarnsOnly(t *testing.T) {
	em := &fakeEmitter{}
	res, err := newChecker(t, em).Step()(context.Background(), parsed("", now.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.True(t, res.IsAccepted())
	require.Len(t, em.got, 1)
	assert.Equal(t, "future", em.got[0].details["direction"])
}
