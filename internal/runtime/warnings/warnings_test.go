package warnings

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/sessionflow/internal/runtime/jsoncodec"
	"github.com/drblury/sessionflow/transport"
)

type recordingProducer struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (p *recordingProducer) Produce(_ context.Context, msg transport.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func TestEffectProducesJSONRecord(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	producer := &recordingProducer{}
	e := NewEmitter(producer, "warnings", 0, WithClock(func() time.Time { return now }))

	effect, ok := e.Effect(42, TypeLibVersionTooOld, "s1", map[string]any{"libVersion": "1.74.0"})
	require.True(t, ok)
	assert.Equal(t, "warning:"+TypeLibVersionTooOld, effect.Name)
	assert.Empty(t, producer.msgs, "nothing produced until the effect runs")

	require.NoError(t, effect.Run(context.Background()))
	require.Len(t, producer.msgs, 1)
	msg := producer.msgs[0]
	assert.Equal(t, "warnings", msg.Topic)
	assert.Equal(t, "42", string(msg.Key))

	var got Warning
	require.NoError(t, jsoncodec.Unmarshal(msg.Value, &got))
	assert.Equal(t, int64(42), got.TeamID)
	assert.Equal(t, TypeLibVersionTooOld, got.Type)
	assert.Equal(t, Source, got.Source)
	assert.Equal(t, "1.74.0", got.Details["libVersion"])
	assert.True(t, now.Equal(got.Timestamp))
	assert.Len(t, got.ID, 26)
}

func TestDebounce(t *testing.T) {
	now := time.Unix(0, 0)
	e := NewEmitter(&recordingProducer{}, "warnings", time.Minute, WithClock(func() time.Time { return now }))

	_, ok := e.Effect(1, TypeTimestampDiffTooLarge, "s1", nil)
	assert.True(t, ok)
	_, ok = e.Effect(1, TypeTimestampDiffTooLarge, "s1", nil)
	assert.False(t, ok)
	_, ok = e.Effect(1, TypeTimestampDiffTooLarge, "s2", nil)
	assert.True(t, ok, "other session")
	_, ok = e.Effect(1, TypeLibVersionTooOld, "s1", nil)
	assert.True(t, ok, "other type")

	now = now.Add(2 * time.Minute)
	_, ok = e.Effect(1, TypeTimestampDiffTooLarge, "s1", nil)
	assert.True(t, ok, "window elapsed")
}

func TestDisabledEmitter(t *testing.T) {
	var nilEmitter *Emitter
	_, ok := nilEmitter.Effect(1, TypeLibVersionTooOld, "s", nil)
	assert.False(t, ok)

	_, ok = NewEmitter(&recordingProducer{}, "", 0).Effect(1, TypeLibVersionTooOld, "s", nil)
	assert.False(t, ok)
}
