// Package batch accumulates accepted records into per-session blocks for the
// partitions this process owns, and flushes them to a Sink.
//
// Buffers are kept per partition. Losing a partition discards its buffer
// without writing it, and a record for a partition that is not owned is
// rejected, so the batch never holds data for partitions another consumer
// now reads.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drblury/sessionflow/internal/runtime/config"
	errspkg "github.com/drblury/sessionflow/internal/runtime/errors"
	"github.com/drblury/sessionflow/internal/runtime/ids"
	"github.com/drblury/sessionflow/internal/runtime/logging"
	"github.com/drblury/sessionflow/transport"
)

// Sink makes flushed blocks durable. Retrying is the sink's concern; an
// error keeps the blocks buffered for the next flush.
type Sink interface {
	Write(ctx context.Context, blocks []*SessionBlock) error
}

// WriteError is returned by a Sink that wrote some of the blocks. Only the
// Failed blocks stay buffered; the rest are not written again.
type WriteError struct {
	Failed []*SessionBlock
	Err    error
}

func (e *WriteError) Error() string { return e.Err.Error() }

func (e *WriteError) Unwrap() error { return e.Err }

type partitionBuffer struct {
	sessions map[string]*SessionBlock
	order    []string
	size     int64
	records  int
	// next is the offset to commit once this buffer is durable.
	next int64
}

func newPartitionBuffer() *partitionBuffer {
	return &partitionBuffer{sessions: make(map[string]*SessionBlock), next: -1}
}

func (pb *partitionBuffer) pending() bool { return pb.next >= 0 }

// Stats describes the buffered state.
type Stats struct {
	Partitions int   `json:"partitions"`
	Sessions   int   `json:"sessions"`
	Records    int   `json:"records"`
	SizeBytes  int64 `json:"size_bytes"`
}

// FlushResult reports a successful flush.
type FlushResult struct {
	Blocks  []*SessionBlock
	Offsets []transport.Offset
}

// Manager is the active session batch of one consumer process.
type Manager struct {
	topic   string
	maxSize int64
	maxAge  time.Duration
	sink    Sink
	now     func() time.Time
	logger  logging.ServiceLogger

	mu         sync.Mutex
	partitions map[int32]*partitionBuffer
	size       int64
	startedAt  time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager for records of topic.
func NewManager(topic string, cfg config.BatchConfig, sink Sink, logger logging.ServiceLogger, opts ...Option) (*Manager, error) {
	if sink == nil {
		return nil, errspkg.ErrSinkRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	m := &Manager{
		topic:      topic,
		maxSize:    cfg.MaxSizeBytes,
		maxAge:     cfg.MaxAge,
		sink:       sink,
		now:        time.Now,
		logger:     logger.With(logging.LogFields{"component": "batch"}),
		partitions: make(map[int32]*partitionBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Assign marks partitions as owned. Already owned partitions keep their
// buffers.
func (m *Manager) Assign(partitions []int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range partitions {
		if _, ok := m.partitions[p]; !ok {
			m.partitions[p] = newPartitionBuffer()
		}
	}
}

// Owns reports whether partition is owned.
func (m *Manager) Owns(partition int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.partitions[partition]
	return ok
}

// Owned returns the owned partitions in ascending order.
func (m *Manager) Owned() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int32, 0, len(m.partitions))
	for p := range m.partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DiscardPartitions releases partitions and drops their buffered data
// without flushing it. It returns the number of records dropped.
func (m *Manager) DiscardPartitions(partitions []int32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	for _, p := range partitions {
		pb, ok := m.partitions[p]
		if !ok {
			continue
		}
		dropped += pb.records
		m.size -= pb.size
		delete(m.partitions, p)
	}
	if m.size <= 0 {
		m.size = 0
	}
	if !m.anyPendingLocked() {
		m.startedAt = time.Time{}
	}
	if dropped > 0 {
		m.logger.Info("Discarded buffered records of revoked partitions", logging.LogFields{
			"partitions": partitions,
			"records":    dropped,
		})
	}
	return dropped
}

// Observe notes that rec has been consumed, whatever its outcome, so the
// next flush commits past it. Records of partitions not owned are ignored.
func (m *Manager) Observe(rec *transport.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pb, ok := m.partitions[rec.Partition]
	if !ok {
		return
	}
	m.markLocked(pb, rec.Offset)
}

func (m *Manager) markLocked(pb *partitionBuffer, offset int64) {
	if offset+1 > pb.next {
		pb.next = offset + 1
	}
	if m.startedAt.IsZero() {
		m.startedAt = m.now()
	}
}

// Record appends an accepted record to its session block. It never blocks
// on I/O.
func (m *Manager) Record(it Item) error {
	p := it.Parsed
	m.mu.Lock()
	defer m.mu.Unlock()

	pb, ok := m.partitions[p.Record.Partition]
	if !ok {
		return fmt.Errorf("%w: %s/%d", errspkg.ErrPartitionNotOwned, p.Record.Topic, p.Record.Partition)
	}

	block, ok := pb.sessions[p.Data.SessionID]
	if !ok {
		block = newBlock(p)
		pb.sessions[p.Data.SessionID] = block
		pb.order = append(pb.order, p.Data.SessionID)
	}
	block.add(p, it.SkipPersonProcessing)

	size := int64(p.Data.Metadata.RawSize)
	pb.size += size
	pb.records++
	m.size += size
	m.markLocked(pb, p.Record.Offset)
	return nil
}

// ShouldFlush reports whether the buffered size or age crossed its
// threshold.
func (m *Manager) ShouldFlush() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxSize > 0 && m.size >= m.maxSize {
		return true
	}
	if m.startedAt.IsZero() {
		return false
	}
	return m.maxAge > 0 && m.now().Sub(m.startedAt) >= m.maxAge
}

// Stats returns the current buffered state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Partitions: len(m.partitions), SizeBytes: m.size}
	for _, pb := range m.partitions {
		s.Sessions += len(pb.sessions)
		s.Records += pb.records
	}
	return s
}

func (m *Manager) anyPendingLocked() bool {
	for _, pb := range m.partitions {
		if pb.pending() {
			return true
		}
	}
	return false
}

// Flush writes every buffered block to the sink. On success the flushed
// buffers are reset and the offsets to commit are returned, for partitions
// still owned only. On failure the blocks are put back.
func (m *Manager) Flush(ctx context.Context) (FlushResult, error) {
	m.mu.Lock()
	flushed := make(map[int32]*partitionBuffer, len(m.partitions))
	partitions := make([]int32, 0, len(m.partitions))
	for p, pb := range m.partitions {
		if !pb.pending() {
			continue
		}
		flushed[p] = pb
		partitions = append(partitions, p)
		m.partitions[p] = newPartitionBuffer()
	}
	m.size = 0
	m.startedAt = time.Time{}
	m.mu.Unlock()

	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	flushAt := m.now()
	var blocks []*SessionBlock
	for _, p := range partitions {
		pb := flushed[p]
		for _, sid := range pb.order {
			block := pb.sessions[sid]
			block.ID = ids.CreateULIDAt(flushAt)
			blocks = append(blocks, block)
		}
	}

	if len(blocks) > 0 {
		if err := m.sink.Write(ctx, blocks); err != nil {
			var partial *WriteError
			if errors.As(err, &partial) {
				keepFailed(flushed, partial.Failed)
			}
			m.restore(flushed)
			return FlushResult{}, fmt.Errorf("flush session blocks: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	result := FlushResult{Blocks: blocks}
	for _, p := range partitions {
		if _, owned := m.partitions[p]; !owned {
			continue
		}
		result.Offsets = append(result.Offsets, transport.Offset{Topic: m.topic, Partition: p, Offset: flushed[p].next})
	}
	return result, nil
}

// keepFailed removes the written blocks from flushed. A partition whose
// blocks were all written stays pending with no sessions, so the next flush
// commits its offset without writing anything.
func keepFailed(flushed map[int32]*partitionBuffer, failed []*SessionBlock) {
	keep := make(map[*SessionBlock]struct{}, len(failed))
	for _, b := range failed {
		keep[b] = struct{}{}
	}
	for _, pb := range flushed {
		order := pb.order[:0]
		for _, sid := range pb.order {
			block := pb.sessions[sid]
			if _, ok := keep[block]; ok {
				order = append(order, sid)
				continue
			}
			pb.size -= block.SizeBytes
			pb.records -= block.MessageCount
			delete(pb.sessions, sid)
		}
		pb.order = order
	}
}

// restore puts flushed buffers back ahead of anything recorded since, for
// partitions still owned.
func (m *Manager) restore(flushed map[int32]*partitionBuffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p, old := range flushed {
		current, owned := m.partitions[p]
		if !owned {
			continue
		}
		for _, sid := range current.order {
			later := current.sessions[sid]
			if block, ok := old.sessions[sid]; ok {
				block.merge(later)
				continue
			}
			old.sessions[sid] = later
			old.order = append(old.order, sid)
		}
		old.size += current.size
		old.records += current.records
		if current.next > old.next {
			old.next = current.next
		}
		m.partitions[p] = old
	}
	m.size = 0
	for _, pb := range m.partitions {
		m.size += pb.size
	}
	if m.anyPendingLocked() && m.startedAt.IsZero() {
		m.startedAt = m.now()
	}
}
