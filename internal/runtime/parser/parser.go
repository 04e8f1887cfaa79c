// Package parser decodes ingested record values into session snapshot data.
//
// A record value is an envelope {"distinct_id": ..., "data": "<event json>"}
// whose data is a serialized "$snapshot_items" event carrying the session
// id, window id and an ordered array of rrweb snapshot items.
package parser

import (
	"bytes"
	"context"
	"fmt"
	"time"

	errspkg "github.com/drblury/sessionflow/internal/runtime/errors"
	"github.com/drblury/sessionflow/internal/runtime/jsoncodec"
	"github.com/drblury/sessionflow/internal/runtime/outcome"
	"github.com/drblury/sessionflow/internal/runtime/pipeline"
	"github.com/drblury/sessionflow/internal/runtime/teams"
)

// SnapshotEvent is the only event name the parser accepts.
const SnapshotEvent = "$snapshot_items"

// RawJSON is a JSON value kept undecoded.
type RawJSON []byte

func (r *RawJSON) UnmarshalJSON(data []byte) error {
	*r = bytes.Clone(data)
	return nil
}

func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// SnapshotItem is one rrweb event. Timestamp is in epoch milliseconds.
type SnapshotItem struct {
	Type      int     `json:"type"`
	Timestamp int64   `json:"timestamp"`
	Data      RawJSON `json:"data,omitempty"`
}

// Time returns the item timestamp.
func (s SnapshotItem) Time() time.Time { return time.UnixMilli(s.Timestamp) }

// Metadata is derived from a parsed message.
type Metadata struct {
	RawSize           int       `json:"raw_size"`
	ItemCount         int       `json:"item_count"`
	MinTimestamp      time.Time `json:"min_timestamp"`
	MaxTimestamp      time.Time `json:"max_timestamp"`
	ConsoleLogCount   int       `json:"console_log_count,omitempty"`
	ConsoleWarnCount  int       `json:"console_warn_count,omitempty"`
	ConsoleErrorCount int       `json:"console_error_count,omitempty"`
}

// MessageData is the decoded content of one record.
type MessageData struct {
	SessionID  string         `json:"session_id"`
	WindowID   string         `json:"window_id,omitempty"`
	Token      string         `json:"token"`
	DistinctID string         `json:"distinct_id"`
	Events     []SnapshotItem `json:"events"`
	Metadata   Metadata       `json:"metadata"`
}

type envelope struct {
	DistinctID string `json:"distinct_id"`
	Data       string `json:"data"`
}

type event struct {
	Event      string `json:"event"`
	Properties struct {
		SessionID     string         `json:"$session_id"`
		WindowID      string         `json:"$window_id"`
		SnapshotItems []SnapshotItem `json:"$snapshot_items"`
	} `json:"properties"`
}

// Options tune a parse.
type Options struct {
	// CountConsoleLogs enables console plugin counting.
	CountConsoleLogs bool
}

// Parse decodes value. token and headerDistinctID come from the record
// headers; the envelope's distinct id takes precedence when present. Items
// without a timestamp are discarded.
func Parse(value []byte, token, headerDistinctID string, opts Options) (MessageData, error) {
	var env envelope
	if err := jsoncodec.Unmarshal(value, &env); err != nil {
		return MessageData{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Data == "" {
		return MessageData{}, fmt.Errorf("decode envelope: missing data")
	}

	var ev event
	if err := jsoncodec.UnmarshalString(env.Data, &ev); err != nil {
		return MessageData{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Event != SnapshotEvent {
		return MessageData{}, fmt.Errorf("%w: %q", errspkg.ErrUnsupportedEvent, ev.Event)
	}
	props := ev.Properties
	if props.SessionID == "" {
		return MessageData{}, errspkg.ErrMissingSessionID
	}

	items := make([]SnapshotItem, 0, len(props.SnapshotItems))
	for _, item := range props.SnapshotItems {
		if item.Timestamp > 0 {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return MessageData{}, errspkg.ErrEmptySnapshotItems
	}

	distinctID := env.DistinctID
	if distinctID == "" {
		distinctID = headerDistinctID
	}

	data := MessageData{
		SessionID:  props.SessionID,
		WindowID:   props.WindowID,
		Token:      token,
		DistinctID: distinctID,
		Events:     items,
		Metadata: Metadata{
			RawSize:   len(value),
			ItemCount: len(items),
		},
	}
	minTS, maxTS := items[0].Timestamp, items[0].Timestamp
	for _, item := range items[1:] {
		minTS = min(minTS, item.Timestamp)
		maxTS = max(maxTS, item.Timestamp)
	}
	data.Metadata.MinTimestamp = time.UnixMilli(minTS).UTC()
	data.Metadata.MaxTimestamp = time.UnixMilli(maxTS).UTC()

	if opts.CountConsoleLogs {
		countConsoleLogs(items, &data.Metadata)
	}
	return data, nil
}

// Parsed is a team-scoped record with its decoded data.
type Parsed struct {
	teams.Scoped
	Data MessageData
}

// Step parses each record. Failures are dead-lettered so the original bytes
// can be inspected.
func Step() pipeline.Step[teams.Scoped, Parsed] {
	return func(_ context.Context, in teams.Scoped) (outcome.Outcome[Parsed], error) {
		data, err := Parse(in.Record.Value, in.Headers.Token(), in.Headers.DistinctID(), Options{
			CountConsoleLogs: in.Team.ConsoleLogIngestionEnabled,
		})
		if err != nil {
			return outcome.DeadLetter[Parsed](outcome.ReasonParseError, err), nil
		}
		return outcome.Accept(Parsed{Scoped: in, Data: data}), nil
	}
}
