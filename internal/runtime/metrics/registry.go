// Package metrics holds the two metric surfaces of the consumer: a registry
// of dynamically keyed aggregations flushed as records to the metrics topic,
// and Prometheus collectors scraped from the process.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drblury/sessionflow/internal/runtime/ids"
	"github.com/drblury/sessionflow/internal/runtime/jsoncodec"
	"github.com/drblury/sessionflow/internal/runtime/logging"
	"github.com/drblury/sessionflow/transport"
)

// Aggregation is how a recorder folds values.
type Aggregation uint8

const (
	Sum Aggregation = iota
	Max
	Average
)

func (a Aggregation) String() string {
	switch a {
	case Sum:
		return "sum"
	case Max:
		return "max"
	case Average:
		return "avg"
	default:
		return fmt.Sprintf("aggregation(%d)", uint8(a))
	}
}

// Tags identify one series of a recorder.
type Tags map[string]string

func (t Tags) key() string {
	if len(t) == 0 {
		return ""
	}
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(t[k])
	}
	return b.String()
}

type series struct {
	tags  Tags
	value float64
	count int64
}

// Recorder aggregates one named metric across tag sets.
type Recorder struct {
	name string
	agg  Aggregation

	mu     sync.Mutex
	series map[string]*series
}

// Name returns the metric name.
func (r *Recorder) Name() string { return r.name }

// Record folds v into the series for tags.
func (r *Recorder) Record(tags Tags, v float64) {
	key := tags.key()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.series[key]
	if !ok {
		copied := make(Tags, len(tags))
		for k, val := range tags {
			copied[k] = val
		}
		s = &series{tags: copied}
		r.series[key] = s
		if r.agg == Max {
			s.value = v
		}
	}
	switch r.agg {
	case Sum, Average:
		s.value += v
	case Max:
		if v > s.value {
			s.value = v
		}
	}
	s.count++
}

func (r *Recorder) drain() map[string]*series {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.series
	r.series = make(map[string]*series)
	return out
}

// Record is one flushed series as written to the metrics topic.
type Record struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Aggregation string    `json:"aggregation"`
	Tags        Tags      `json:"tags,omitempty"`
	Value       float64   `json:"value"`
	Count       int64     `json:"count"`
	Timestamp   time.Time `json:"timestamp"`
}

// Registry owns the recorders. Recorders are created on first use and live
// for the life of the registry.
type Registry struct {
	producer transport.Producer
	topic    string
	logger   logging.ServiceLogger
	now      func() time.Time

	mu        sync.Mutex
	recorders map[string]*Recorder
	order     []string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry flushing to topic. A nil producer or empty
// topic makes Flush discard the aggregated values.
func NewRegistry(producer transport.Producer, topic string, logger logging.ServiceLogger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	r := &Registry{
		producer:  producer,
		topic:     topic,
		logger:    logger.With(logging.LogFields{"component": "metrics"}),
		now:       time.Now,
		recorders: make(map[string]*Recorder),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Recorder returns the recorder named name, creating it with agg on first
// use. Asking for an existing name with another aggregation is an error.
func (r *Registry) Recorder(name string, agg Aggregation) (*Recorder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.recorders[name]; ok {
		if rec.agg != agg {
			return nil, fmt.Errorf("metric %q already registered as %s", name, rec.agg)
		}
		return rec, nil
	}
	rec := &Recorder{name: name, agg: agg, series: make(map[string]*series)}
	r.recorders[name] = rec
	r.order = append(r.order, name)
	return rec, nil
}

// MustRecorder is Recorder for statically known names.
func (r *Registry) MustRecorder(name string, agg Aggregation) *Recorder {
	rec, err := r.Recorder(name, agg)
	if err != nil {
		panic(err)
	}
	return rec
}

// Snapshot drains every recorder into records, in registration order.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	recorders := make([]*Recorder, 0, len(r.order))
	for _, name := range r.order {
		recorders = append(recorders, r.recorders[name])
	}
	r.mu.Unlock()

	now := r.now().UTC()
	var out []Record
	for _, rec := range recorders {
		drained := rec.drain()
		keys := make([]string, 0, len(drained))
		for k := range drained {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s := drained[k]
			value := s.value
			if rec.agg == Average && s.count > 0 {
				value /= float64(s.count)
			}
			out = append(out, Record{
				ID:          ids.CreateULIDAt(now),
				Name:        rec.name,
				Aggregation: rec.agg.String(),
				Tags:        s.tags,
				Value:       value,
				Count:       s.count,
				Timestamp:   now,
			})
		}
	}
	return out
}

// Flush produces the current aggregates to the metrics topic and resets
// them. Records that fail to produce are lost; the first error is returned.
func (r *Registry) Flush(ctx context.Context) error {
	records := r.Snapshot()
	if r.producer == nil || r.topic == "" || len(records) == 0 {
		return nil
	}
	var firstErr error
	failed := 0
	for _, rec := range records {
		value, err := jsoncodec.Marshal(rec)
		if err == nil {
			err = r.producer.Produce(ctx, transport.Message{Topic: r.topic, Key: []byte(rec.Name), Value: value})
		}
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("flush metrics: %d of %d records failed: %w", failed, len(records), firstErr)
	}
	return nil
}

// Run flushes every interval until ctx ends, then flushes once more with a
// fresh context bounded by interval. Failures are logged.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), interval)
			r.flushLogged(final)
			cancel()
			return
		case <-ticker.C:
			r.flushLogged(ctx)
		}
	}
}

func (r *Registry) flushLogged(ctx context.Context) {
	if err := r.Flush(ctx); err != nil {
		r.logger.Warn("Metrics flush failed", logging.LogFields{"error": err.Error()})
	}
}
