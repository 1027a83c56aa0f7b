package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/subsubl/gate-control/internal/models"
)

const (
	defaultBuffer  = 1024
	defaultTimeout = 5 * time.Second
)

// Sink receives a copy of every audit record.
type Sink interface {
	Name() string
	Write(ctx context.Context, record models.AuditRecord) error
	Close() error
}

// Flusher is implemented by sinks that batch.
type Flusher interface {
	Flush(ctx context.Context) error
}

type Stats struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// Dispatcher moves records from the in-memory log to external sinks on its own
// goroutine. Enqueue never blocks.
type Dispatcher struct {
	sinks   []Sink
	queue   chan models.AuditRecord
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	once   sync.Once

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

func NewDispatcher(sinks []Sink, buffer int, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sinks:   sinks,
		queue:   make(chan models.AuditRecord, buffer),
		timeout: timeout,
		logger:  logger,
	}
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
	d.logger.Info("Audit dispatcher started", zap.Strings("sinks", d.SinkNames()))
}

// Enqueue hands a record to the dispatcher. It reports false when the record was
// dropped because the buffer is full or the dispatcher is closed.
func (d *Dispatcher) Enqueue(record models.AuditRecord) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed || len(d.sinks) == 0 {
		return false
	}

	select {
	case d.queue <- record:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn("Audit sink buffer full, record dropped",
			zap.String("record_id", record.ID.String()),
			zap.String("actor", record.ActorName),
		)
		return false
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for record := range d.queue {
		d.deliver(record)
	}
}

func (d *Dispatcher) deliver(record models.AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range d.sinks {
		g.Go(func() error {
			if err := sink.Write(ctx, record); err != nil {
				d.failed.Add(1)
				d.logger.Error("Audit sink write failed",
					zap.String("sink", sink.Name()),
					zap.String("record_id", record.ID.String()),
					zap.Error(err),
				)
				return fmt.Errorf("%s: %w", sink.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err == nil {
		d.delivered.Add(1)
	}
}

// Flush pushes out whatever batching sinks are holding.
func (d *Dispatcher) Flush(ctx context.Context) error {
	var g errgroup.Group
	for _, sink := range d.sinks {
		f, ok := sink.(Flusher)
		if !ok {
			continue
		}
		name := sink.Name()
		g.Go(func() error {
			if err := f.Flush(ctx); err != nil {
				return fmt.Errorf("flush %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close stops accepting records, delivers what is queued, flushes and closes every sink.
func (d *Dispatcher) Close() error {
	var err error
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()

		d.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if ferr := d.Flush(ctx); ferr != nil {
			d.logger.Error("Audit sink flush failed", zap.Error(ferr))
			err = ferr
		}

		for _, sink := range d.sinks {
			if cerr := sink.Close(); cerr != nil {
				d.logger.Error("Audit sink close failed", zap.String("sink", sink.Name()), zap.Error(cerr))
				if err == nil {
					err = cerr
				}
			}
		}
		d.logger.Info("Audit dispatcher stopped")
	})
	return err
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}

func (d *Dispatcher) SinkNames() []string {
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	return names
}
