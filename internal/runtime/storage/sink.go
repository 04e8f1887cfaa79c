// Package storage writes flushed session blocks to the recordings topic.
//
// Each block becomes one message keyed by session id. The value is a
// compressed JSON-lines document, one [window_id, snapshot_item] pair per
// line, and the block's attributes travel as headers.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/drblury/sessionflow/internal/runtime/batch"
	errspkg "github.com/drblury/sessionflow/internal/runtime/errors"
	"github.com/drblury/sessionflow/internal/runtime/jsoncodec"
	"github.com/drblury/sessionflow/internal/runtime/metadata"
	"github.com/drblury/sessionflow/internal/runtime/parser"
	"github.com/drblury/sessionflow/transport"
)

// Header keys of recording block messages.
const (
	HeaderBlockID       = "block_id"
	HeaderTeamID        = "team_id"
	HeaderSessionID     = "session_id"
	HeaderDistinctID    = "distinct_id"
	HeaderRetentionDays = "retention_period_days"
	HeaderStartAt       = "start_timestamp"
	HeaderEndAt         = "end_timestamp"
	HeaderEventCount    = "event_count"
	HeaderMessageCount  = "message_count"
	HeaderConsoleLog    = "console_log_count"
	HeaderConsoleWarn   = "console_warn_count"
	HeaderConsoleError  = "console_error_count"
	HeaderSkipPerson    = "skip_person_processing"
	HeaderCompression   = "content_encoding"
)

// TopicSink implements batch.Sink on a producer.
type TopicSink struct {
	producer    transport.Producer
	topic       string
	compression Compression
}

// NewTopicSink creates a sink producing to topic.
func NewTopicSink(producer transport.Producer, topic string, compression Compression) (*TopicSink, error) {
	if producer == nil {
		return nil, errspkg.ErrProducerRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	return &TopicSink{producer: producer, topic: topic, compression: compression}, nil
}

// Write produces every block in order. Every block is attempted; when some
// fail the result is a *batch.WriteError listing them, so only those are
// retried.
func (s *TopicSink) Write(ctx context.Context, blocks []*batch.SessionBlock) error {
	var (
		errs   []error
		failed []*batch.SessionBlock
	)
	for _, b := range blocks {
		msg, err := s.encode(b)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode block %s: %w", b.ID, err))
			failed = append(failed, b)
			continue
		}
		if err := s.producer.Produce(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("produce block %s: %w", b.ID, err))
			failed = append(failed, b)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &batch.WriteError{Failed: failed, Err: errors.Join(errs...)}
}

func (s *TopicSink) encode(b *batch.SessionBlock) (transport.Message, error) {
	var buf bytes.Buffer
	for _, e := range b.Events {
		if err := jsoncodec.Encode(&buf, [2]any{e.WindowID, e.Item}); err != nil {
			return transport.Message{}, err
		}
	}
	value, err := Compress(buf.Bytes(), s.compression)
	if err != nil {
		return transport.Message{}, err
	}

	headers := metadata.New(
		HeaderBlockID, b.ID,
		HeaderTeamID, strconv.FormatInt(b.TeamID, 10),
		HeaderSessionID, b.SessionID,
		HeaderDistinctID, b.DistinctID,
		HeaderRetentionDays, strconv.Itoa(b.RetentionPeriodDays),
		HeaderStartAt, b.StartAt.UTC().Format(time.RFC3339Nano),
		HeaderEndAt, b.EndAt.UTC().Format(time.RFC3339Nano),
		HeaderEventCount, strconv.Itoa(len(b.Events)),
		HeaderMessageCount, strconv.Itoa(b.MessageCount),
		HeaderConsoleLog, strconv.Itoa(b.ConsoleLogCount),
		HeaderConsoleWarn, strconv.Itoa(b.ConsoleWarnCount),
		HeaderConsoleError, strconv.Itoa(b.ConsoleErrorCount),
		HeaderCompression, string(s.compression),
	)
	if b.SkipPersonProcessing {
		headers[HeaderSkipPerson] = "true"
	}
	return transport.Message{
		Topic:   s.topic,
		Key:     []byte(b.SessionID),
		Value:   value,
		Headers: headers.ToHeaders(),
	}, nil
}

// DecodeEvents reads the events of a block message value.
func DecodeEvents(value []byte, c Compression) ([]batch.Event, error) {
	raw, err := Decompress(value, c)
	if err != nil {
		return nil, err
	}
	var events []batch.Event
	for _, line := range bytes.Split(raw, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var pair []parser.RawJSON
		if err := jsoncodec.Unmarshal(line, &pair); err != nil {
			return nil, fmt.Errorf("decode event line: %w", err)
		}
		if len(pair) != 2 {
			return nil, fmt.Errorf("decode event line: want 2 elements, got %d", len(pair))
		}
		var e batch.Event
		if err := jsoncodec.Unmarshal(pair[0], &e.WindowID); err != nil {
			return nil, fmt.Errorf("decode window id: %w", err)
		}
		if err := jsoncodec.Unmarshal(pair[1], &e.Item); err != nil {
			return nil, fmt.Errorf("decode snapshot item: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}
