package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/subsubl/gate-control/internal/models"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second

	// pending rows are capped at this many batches while inserts fail
	maxPendingBatches = 4
)

type BatchInserter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
	Close() error
}

type EventBucketer interface {
	EventBucket(actor string) int
	DateBucket(t time.Time) string
}

// ClickHouseSink buffers analytics rows and inserts them in batches, either when the
// batch fills up or on the flush interval. While inserts fail the backlog is capped
// and the oldest rows are dropped; retries happen on the interval.
type ClickHouseSink struct {
	db        BatchInserter
	buckets   EventBucketer
	table     string
	batchSize int
	logger    *zap.Logger

	mu         sync.Mutex
	pending    []models.AuditEvent
	maxPending int
	dropped    uint64

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewClickHouseSink(db BatchInserter, buckets EventBucketer, table string, batchSize int, flushInterval time.Duration, logger *zap.Logger) *ClickHouseSink {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ClickHouseSink{
		db:        db,
		buckets:   buckets,
		table:     table,
		batchSize:  batchSize,
		maxPending: batchSize * maxPendingBatches,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.flushLoop(flushInterval)
	return s
}

// EnsureTable creates the events table if it does not exist.
func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		event_bucket UInt16,
		event_id UUID,
		event_date Date,
		event_time DateTime64(3),
		actor_name String,
		granted Bool,
		details String
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(event_date)
	ORDER BY (event_bucket, event_time)`, s.table)

	if err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	return nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, record models.AuditRecord) error {
	ev := s.toEvent(record)

	s.mu.Lock()
	s.pending = append(s.pending, ev)
	// only the write that fills a batch flushes; a requeued backlog waits for the ticker
	full := len(s.pending) == s.batchSize
	dropped := s.trimLocked()
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Warn("ClickHouse backlog full, dropped oldest audit events", zap.Int("dropped", dropped))
	}

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush inserts every pending row. Rows are put back on failure, up to the backlog cap.
func (s *ClickHouseSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	rows := make([][]interface{}, 0, len(batch))
	for _, ev := range batch {
		rows = append(rows, eventRow(ev))
	}

	query := fmt.Sprintf("INSERT INTO %s (event_bucket, event_id, event_date, event_time, actor_name, granted, details)", s.table)
	if err := s.db.BatchInsert(ctx, query, rows); err != nil {
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		dropped := s.trimLocked()
		s.mu.Unlock()
		if dropped > 0 {
			s.logger.Warn("ClickHouse backlog full, dropped oldest audit events", zap.Int("dropped", dropped))
		}
		return fmt.Errorf("failed to insert %d audit events: %w", len(batch), err)
	}

	s.logger.Debug("Audit events flushed to ClickHouse", zap.Int("count", len(batch)))
	return nil
}

func (s *ClickHouseSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Dropped counts rows discarded because the backlog was full.
func (s *ClickHouseSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// trimLocked drops the oldest rows beyond the backlog cap. s.mu must be held.
func (s *ClickHouseSink) trimLocked() int {
	over := len(s.pending) - s.maxPending
	if over <= 0 {
		return 0
	}
	s.pending = append(s.pending[:0:0], s.pending[over:]...)
	s.dropped += uint64(over)
	return over
}

func (s *ClickHouseSink) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.wg.Wait()
	})
	return s.db.Close()
}

func (s *ClickHouseSink) flushLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn("Periodic ClickHouse flush failed", zap.Error(err))
			}
			cancel()
		case <-s.stop:
			return
		}
	}
}

func (s *ClickHouseSink) toEvent(record models.AuditRecord) models.AuditEvent {
	return models.AuditEvent{
		EventBucket: s.buckets.EventBucket(record.ActorName),
		EventID:     record.ID.String(),
		EventDate:   s.buckets.DateBucket(record.Timestamp),
		EventTime:   record.Timestamp.UTC(),
		ActorName:   record.ActorName,
		Granted:     record.Granted,
		Details:     record.Details,
	}
}

func eventRow(ev models.AuditEvent) []interface{} {
	date, err := time.Parse("2006-01-02", ev.EventDate)
	if err != nil {
		date = ev.EventTime.Truncate(24 * time.Hour)
	}
	return []interface{}{
		uint16(ev.EventBucket),
		ev.EventID,
		date,
		ev.EventTime,
		ev.ActorName,
		ev.Granted,
		ev.Details,
	}
}
