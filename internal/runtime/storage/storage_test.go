package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/sessionflow/internal/runtime/batch"
	"github.com/drblury/sessionflow/internal/runtime/parser"
	"github.com/drblury/sessionflow/transport"
)

type recordingProducer struct {
	msgs []transport.Message
	fail map[string]error
}

func (p *recordingProducer) Produce(_ context.Context, msg transport.Message) error {
	if err := p.fail[string(msg.Key)]; err != nil {
		return err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func headerMap(headers []transport.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

func block(session string) *batch.SessionBlock {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &batch.SessionBlock{
		ID:                  "01J0000000000000000000000" + session[:1],
		TeamID:              4,
		SessionID:           session,
		DistinctID:          "user",
		RetentionPeriodDays: 30,
		StartAt:             start,
		EndAt:               start.Add(time.Minute),
		MessageCount:        2,
		ConsoleErrorCount:   1,
		Events: []batch.Event{
			{WindowID: "w1", Item: parser.SnapshotItem{Type: 2, Timestamp: start.UnixMilli(), Data: parser.RawJSON(`{"node":{"id":1}}`)}},
			{WindowID: "w2", Item: parser.SnapshotItem{Type: 3, Timestamp: start.Add(time.Minute).UnixMilli()}},
		},
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte(`{"type":3,"timestamp":1}`+"\n"), 200)
	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(string(c), func(t *testing.T) {
			packed, err := Compress(data, c)
			require.NoError(t, err)
			if c != CompressionNone {
				assert.Less(t, len(packed), len(data))
			}
			unpacked, err := Decompress(packed, c)
			require.NoError(t, err)
			assert.Equal(t, data, unpacked)
		})
	}

	_, err := Compress(data, "brotli")
	assert.Error(t, err)
	_, err = Decompress([]byte("not zstd"), CompressionZstd)
	assert.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c)
	c, err = ParseCompression("lz4")
	require.NoError(t, err)
	assert.Equal(t, CompressionLZ4, c)
	_, err = ParseCompression("gzip")
	assert.Error(t, err)
}

func TestTopicSinkWritesBlocks(t *testing.T) {
	producer := &recordingProducer{}
	sink, err := NewTopicSink(producer, "recordings", CompressionZstd)
	require.NoError(t, err)

	b := block("session-1")
	b.SkipPersonProcessing = true
	require.NoError(t, sink.Write(context.Background(), []*batch.SessionBlock{b}))
	require.Len(t, producer.msgs, 1)

	msg := producer.msgs[0]
	assert.Equal(t, "recordings", msg.Topic)
	assert.Equal(t, "session-1", string(msg.Key))

	h := headerMap(msg.Headers)
	assert.Equal(t, "4", h[HeaderTeamID])
	assert.Equal(t, "session-1", h[HeaderSessionID])
	assert.Equal(t, "2", h[HeaderEventCount])
	assert.Equal(t, "1", h[HeaderConsoleError])
	assert.Equal(t, "zstd", h[HeaderCompression])
	assert.Equal(t, "true", h[HeaderSkipPerson])
	assert.Equal(t, "2026-01-01T00:00:00Z", h[HeaderStartAt])
	keys := make([]string, 0, len(msg.Headers))
	for _, hdr := range msg.Headers {
		keys = append(keys, hdr.Key)
	}
	assert.IsIncreasing(t, keys, "headers are written in key order")

	events, err := DecodeEvents(msg.Value, CompressionZstd)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "w1", events[0].WindowID)
	assert.JSONEq(t, `{"node":{"id":1}}`, string(events[0].Item.Data))
	assert.Equal(t, "w2", events[1].WindowID)
	assert.Equal(t, 3, events[1].Item.Type)
}

func TestTopicSinkAttemptsEveryBlock(t *testing.T) {
	producer := &recordingProducer{fail: map[string]error{"a-session": errors.New("broker down")}}
	sink, err := NewTopicSink(producer, "recordings", CompressionNone)
	require.NoError(t, err)

	failing := block("a-session")
	err = sink.Write(context.Background(), []*batch.SessionBlock{failing, block("b-session")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	require.Len(t, producer.msgs, 1)
	assert.Equal(t, "b-session", string(producer.msgs[0].Key))

	var partial *batch.WriteError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []*batch.SessionBlock{failing}, partial.Failed)

	producer.fail = nil
	assert.NoError(t, sink.Write(context.Background(), []*batch.SessionBlock{block("c-session")}))
}

func TestNewTopicSinkValidation(t *testing.T) {
	_, err := NewTopicSink(nil, "recordings", CompressionNone)
	assert.Error(t, err)
	_, err = NewTopicSink(&recordingProducer{}, "", CompressionNone)
	assert.Error(t, err)
}
