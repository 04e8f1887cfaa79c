package batch

import (
	"time"

	"github.com/drblury/sessionflow/internal/runtime/parser"
	"github.com/drblury/sessionflow/internal/runtime/restrictions"
	"github.com/drblury/sessionflow/transport"
)

// Item is an accepted record in the shape the batch buffers.
type Item struct {
	parser.Parsed
	SkipPersonProcessing bool
}

// ToItem projects an accepted record into an Item. It has the signature
// pipeline.FilterMap expects.
func ToItem(_ *transport.Record, p parser.Parsed) Item {
	return Item{
		Parsed:               p,
		SkipPersonProcessing: p.Headers[restrictions.KeySkipPersonProcessing] == "true",
	}
}

// Event is one snapshot item with the window it was captured in.
type Event struct {
	WindowID string
	Item     parser.SnapshotItem
}

// SessionBlock is the flushed recording of one session from one partition.
type SessionBlock struct {
	ID                   string
	TeamID               int64
	Token                string
	SessionID            string
	DistinctID           string
	RetentionPeriodDays  int
	Partition            int32
	FirstOffset          int64
	LastOffset           int64
	StartAt              time.Time
	EndAt                time.Time
	SizeBytes            int64
	MessageCount         int
	ConsoleLogCount      int
	ConsoleWarnCount     int
	ConsoleErrorCount    int
	SkipPersonProcessing bool
	Events               []Event
}

func newBlock(p parser.Parsed) *SessionBlock {
	return &SessionBlock{
		TeamID:              p.Team.ID,
		Token:               p.Data.Token,
		SessionID:           p.Data.SessionID,
		DistinctID:          p.Data.DistinctID,
		RetentionPeriodDays: p.Team.RetentionPeriodDays,
		Partition:           p.Record.Partition,
		FirstOffset:         p.Record.Offset,
		StartAt:             p.Data.Metadata.MinTimestamp,
		EndAt:               p.Data.Metadata.MaxTimestamp,
	}
}

func (b *SessionBlock) add(p parser.Parsed, skipPerson bool) {
	md := p.Data.Metadata
	if md.MinTimestamp.Before(b.StartAt) {
		b.StartAt = md.MinTimestamp
	}
	if md.MaxTimestamp.After(b.EndAt) {
		b.EndAt = md.MaxTimestamp
	}
	b.LastOffset = p.Record.Offset
	b.SizeBytes += int64(md.RawSize)
	b.MessageCount++
	b.ConsoleLogCount += md.ConsoleLogCount
	b.ConsoleWarnCount += md.ConsoleWarnCount
	b.ConsoleErrorCount += md.ConsoleErrorCount
	b.SkipPersonProcessing = b.SkipPersonProcessing || skipPerson
	for _, item := range p.Data.Events {
		b.Events = append(b.Events, Event{WindowID: p.Data.WindowID, Item: item})
	}
}

// merge appends later onto b.
func (b *SessionBlock) merge(later *SessionBlock) {
	if later.StartAt.Before(b.StartAt) {
		b.StartAt = later.StartAt
	}
	if later.EndAt.After(b.EndAt) {
		b.EndAt = later.EndAt
	}
	b.LastOffset = later.LastOffset
	b.SizeBytes += later.SizeBytes
	b.MessageCount += later.MessageCount
	b.ConsoleLogCount += later.ConsoleLogCount
	b.ConsoleWarnCount += later.ConsoleWarnCount
	b.ConsoleErrorCount += later.ConsoleErrorCount
	b.SkipPersonProcessing = b.SkipPersonProcessing || later.SkipPersonProcessing
	b.Events = append(b.Events, later.Events...)
}
