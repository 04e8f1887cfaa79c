package metrics

import (
	"time"

	"github.com/drblury/sessionflow/internal/runtime/parser"
)

// Names of the per-session metrics.
const (
	SessionMessageBytes = "session_message_bytes"
	SessionEventCount   = "session_event_count"
	SessionMaxLagMillis = "session_max_event_lag_ms"
	MessageSizeAverage  = "message_size_avg"
)

// SessionRecorders records per-session volume of records that made it into
// the session batch.
type SessionRecorders struct {
	bytes  *Recorder
	events *Recorder
	lag    *Recorder
	avg    *Recorder
	now    func() time.Time
}

// NewSessionRecorders registers the session metrics on r.
func NewSessionRecorders(r *Registry) *SessionRecorders {
	return &SessionRecorders{
		bytes:  r.MustRecorder(SessionMessageBytes, Sum),
		events: r.MustRecorder(SessionEventCount, Sum),
		lag:    r.MustRecorder(SessionMaxLagMillis, Max),
		avg:    r.MustRecorder(MessageSizeAverage, Average),
		now:    r.now,
	}
}

// Record adds one buffered record.
func (s *SessionRecorders) Record(p parser.Parsed) {
	tags := Tags{"token": p.Data.Token, "session_id": p.Data.SessionID}
	s.bytes.Record(tags, float64(p.Data.Metadata.RawSize))
	s.events.Record(tags, float64(p.Data.Metadata.ItemCount))
	s.lag.Record(tags, float64(s.now().Sub(p.Data.Metadata.MinTimestamp).Milliseconds()))
	s.avg.Record(Tags{"token": p.Data.Token}, float64(p.Data.Metadata.RawSize))
}
