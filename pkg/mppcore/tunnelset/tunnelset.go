// Package tunnelset implements the producer-side fan-out bundle a task
// writes into: a partition policy plus the outgoing Tunnels it feeds.
package tunnelset

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/mppcore/pkg/mppcore/tunnel"
)

// Settings configures a Set: its partition policy, the columns a Hash
// policy partitions on, the on-wire encoding recorded for its outgoing
// tunnels (the Set itself does not encode), and the row count that
// triggers a flush.
type Settings struct {
	Policy            Policy
	PartitionColumns  []int
	Encoding          Encoding
	ChunkRowThreshold int64
	Schema            *arrow.Schema
}

// Set is the ordered sequence of tunnels belonging to one producer
// task, together with the partition policy used to route rows into
// them.
type Set struct {
	settings Settings
	tunnels  []*tunnel.Tunnel
	logger   log.Logger
	metrics  *metrics
	mem      memory.Allocator

	mu          sync.Mutex
	pending     [][]arrow.Record
	pendingRows []int64
}

// New builds a Set over tunnels using settings. len(tunnels) must be 1
// for PassThrough and >= 1 for Broadcast/Hash.
func New(settings Settings, tunnels []*tunnel.Tunnel, logger log.Logger) (*Set, error) {
	if len(tunnels) == 0 {
		return nil, fmt.Errorf("tunnelset: at least one outgoing tunnel is required")
	}
	if settings.Policy == PassThrough && len(tunnels) != 1 {
		return nil, fmt.Errorf("tunnelset: pass_through policy requires exactly one outgoing tunnel, got %d", len(tunnels))
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &Set{
		settings:    settings,
		tunnels:     tunnels,
		logger:      logger,
		metrics:     newMetrics(tunnels[0].ID.Sender.String()),
		mem:         memory.DefaultAllocator,
		pending:     make([][]arrow.Record, len(tunnels)),
		pendingRows: make([]int64, len(tunnels)),
	}, nil
}

// Len reports the number of outgoing tunnels.
func (s *Set) Len() int { return len(s.tunnels) }

// Tunnels returns the underlying tunnels, e.g. for registration with a
// TaskManager or Transport.
func (s *Set) Tunnels() []*tunnel.Tunnel { return s.tunnels }

// Register registers s's metrics to report to reg.
func (s *Set) Register(reg prometheus.Registerer) error { return s.metrics.Register(reg) }

// Unregister unregisters s's metrics from reg.
func (s *Set) Unregister(reg prometheus.Registerer) { s.metrics.Unregister(reg) }

// Route dispatches one input batch according to the Set's policy,
// accumulating per destination until the row threshold is reached.
func (s *Set) Route(ctx context.Context, rec arrow.Record) error {
	switch s.settings.Policy {
	case PassThrough:
		return s.enqueue(ctx, 0, rec)

	case Broadcast:
		for i := range s.tunnels {
			r := rec
			if i > 0 {
				r.Retain()
			}
			if err := s.enqueue(ctx, i, r); err != nil {
				return err
			}
		}
		return nil

	case Hash:
		buckets, err := bucketRows(rec, s.settings.PartitionColumns, len(s.tunnels))
		if err != nil {
			return err
		}
		for dest, rows := range buckets {
			sub, err := takeRows(s.mem, rec, rows)
			if err != nil {
				return err
			}
			if err := s.enqueue(ctx, dest, sub); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("tunnelset: unknown partition policy %v", s.settings.Policy)
	}
}

func (s *Set) enqueue(ctx context.Context, dest int, rec arrow.Record) error {
	s.mu.Lock()
	s.pending[dest] = append(s.pending[dest], rec)
	s.pendingRows[dest] += rec.NumRows()

	var toFlush []arrow.Record
	if s.settings.ChunkRowThreshold > 0 && s.pendingRows[dest] >= s.settings.ChunkRowThreshold {
		toFlush = s.pending[dest]
		s.pending[dest] = nil
		s.pendingRows[dest] = 0
	}
	s.mu.Unlock()

	if toFlush != nil {
		return s.flushTo(ctx, dest, toFlush)
	}
	return nil
}

// flushTo writes every pending batch for dest to its tunnel in order.
// A write failure is recorded and propagated as fatal: every tunnel in
// the set is closed with that error.
func (s *Set) flushTo(ctx context.Context, dest int, batch []arrow.Record) error {
	label := strconv.Itoa(dest)
	for _, rec := range batch {
		if err := s.tunnels[dest].Write(ctx, rec); err != nil {
			s.metrics.writeErrorsTotal.Inc()
			s.CloseAll(err)
			return fmt.Errorf("writing to tunnel %s: %w", s.tunnels[dest].ID, err)
		}
		s.metrics.rowsRoutedTotal.WithLabelValues(label).Add(float64(rec.NumRows()))
	}
	s.metrics.chunksFlushedTotal.WithLabelValues(label).Inc()
	return nil
}

// Finish flushes any remaining accumulated rows and signals End on
// every outgoing tunnel. It is called once the input pipeline reaches
// a clean end-of-stream.
func (s *Set) Finish(ctx context.Context) error {
	for dest := range s.tunnels {
		s.mu.Lock()
		batch := s.pending[dest]
		s.pending[dest] = nil
		s.pendingRows[dest] = 0
		s.mu.Unlock()

		if len(batch) > 0 {
			if err := s.flushTo(ctx, dest, batch); err != nil {
				return err
			}
		}
	}

	for _, t := range s.tunnels {
		if err := t.WriteEnd(); err != nil {
			level.Debug(s.logger).Log("msg", "write_end on already-terminated tunnel", "tunnel", t.ID.String(), "err", err)
		}
	}
	return nil
}

// CloseAll unconditionally closes every outgoing tunnel with reason,
// including those never attached.
func (s *Set) CloseAll(reason error) {
	for _, t := range s.tunnels {
		t.Close(reason)
	}
}
