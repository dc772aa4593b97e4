package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-pulse/internal/config"
	"github.com/miradorstack/mirador-pulse/internal/metrics"
	"github.com/miradorstack/mirador-pulse/internal/models"
)

// ReasonQueueFull labels a rejection caused by a saturated buffer.
const ReasonQueueFull = "queue_full"

// EventWriter persists drained batches.
type EventWriter interface {
	InsertEvents(ctx context.Context, events []models.Event) (int, error)
}

// EventPublisher receives events staged for broadcast after persistence.
type EventPublisher interface {
	PublishEvent(event models.Event)
}

// Result reports the outcome of an enqueue attempt.
type Result struct {
	Accepted  bool   `json:"accepted"`
	Queued    bool   `json:"queued"`
	Reason    string `json:"reason,omitempty"`
	QueueSize int    `json:"queueSize"`
}

// Queue is the bounded single-process ingestion buffer. Producers enqueue
// synchronously; one drainer persists batches and hands them to a staging
// buffer that feeds the broadcast hub.
type Queue struct {
	cfg       config.QueueConfig
	store     EventWriter
	publisher EventPublisher
	logger    *slog.Logger

	mu      sync.Mutex
	buf     []models.Event
	staged  []models.Event
	closed  bool
	dropped int64

	drainWake chan struct{}
	stageWake chan struct{}
	wg        sync.WaitGroup
}

// New constructs a stopped Queue; call Start to launch the drain loops.
func New(cfg config.QueueConfig, store EventWriter, publisher EventPublisher, logger *slog.Logger) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = time.Second
	}
	if cfg.BroadcastBatchSize <= 0 {
		cfg.BroadcastBatchSize = 10
	}
	if cfg.BroadcastBatchInterval <= 0 {
		cfg.BroadcastBatchInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		logger:    logger,
		drainWake: make(chan struct{}, 1),
		stageWake: make(chan struct{}, 1),
	}
}

// Start launches the persistence drainer and the broadcast stager. Both
// exit when ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(2)
	go q.drainLoop(ctx)
	go q.stageLoop(ctx)
}

// Enqueue appends an event to the buffer. It is synchronous, non-blocking
// and never fails; over-capacity attempts are rejected with a reason.
func (q *Queue) Enqueue(event models.Event) Result {
	q.mu.Lock()
	if q.closed {
		size := len(q.buf)
		q.mu.Unlock()
		return Result{Accepted: false, Reason: ReasonQueueFull, QueueSize: size}
	}
	if len(q.buf) >= q.cfg.MaxSize {
		size := len(q.buf)
		q.mu.Unlock()
		metrics.ObserveRejection(ReasonQueueFull)
		return Result{Accepted: false, Reason: ReasonQueueFull, QueueSize: size}
	}
	q.buf = append(q.buf, event)
	size := len(q.buf)
	q.mu.Unlock()

	metrics.ObserveIngest()
	metrics.SetQueueDepth(size)
	q.wake(q.drainWake)
	return Result{Accepted: true, Queued: true, QueueSize: size}
}

// Size returns the current buffer length.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// MaxSize returns the configured capacity.
func (q *Queue) MaxSize() int {
	return q.cfg.MaxSize
}

// Utilization returns buffer fill as a 0..1 fraction.
func (q *Queue) Utilization() float64 {
	return float64(q.Size()) / float64(q.cfg.MaxSize)
}

// UnderPressure reports utilization at or beyond 80%.
func (q *Queue) UnderPressure() bool {
	return q.Utilization() >= 0.8
}

// DroppedBatches returns the number of batches lost to store failures.
func (q *Queue) DroppedBatches() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Flush blocks new enqueues, drains the buffer to the store and dispatches
// all staged broadcasts. Called once during shutdown, after Start's ctx is
// cancelled.
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.wg.Wait()

	for q.drainOnce(ctx) {
	}
	for q.stageOnce() {
	}
}

func (q *Queue) drainLoop(ctx context.Context) {
	defer q.wg.Done()
	timer := time.NewTimer(q.cfg.BatchInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.drainWake:
		case <-timer.C:
		}

		for q.drainOnce(ctx) {
			select {
			case <-ctx.Done():
				return
			default:
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.cfg.BatchInterval)
	}
}

// drainOnce persists one batch. It reports whether more events remain.
func (q *Queue) drainOnce(ctx context.Context) bool {
	q.mu.Lock()
	if len(q.buf) == 0 {
		q.mu.Unlock()
		return false
	}
	n := q.cfg.BatchSize
	if n > len(q.buf) {
		n = len(q.buf)
	}
	batch := make([]models.Event, n)
	copy(batch, q.buf[:n])
	q.buf = q.buf[n:]
	remaining := len(q.buf)
	q.mu.Unlock()

	metrics.SetQueueDepth(remaining)

	inserted, err := q.store.InsertEvents(ctx, batch)
	if err != nil {
		// The batch is dropped rather than redelivered: a retry could
		// double-write events that made it into the partial insert.
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
		metrics.ObserveDrain(len(batch), true)
		q.logger.Error("event batch insert failed, dropping batch",
			slog.Int("batch_size", len(batch)),
			slog.Int("inserted", inserted),
			slog.Any("error", err))
		return remaining > 0
	}

	metrics.ObserveDrain(len(batch), false)

	q.mu.Lock()
	q.staged = append(q.staged, batch...)
	q.mu.Unlock()
	q.wake(q.stageWake)

	return remaining > 0
}

func (q *Queue) stageLoop(ctx context.Context) {
	defer q.wg.Done()
	timer := time.NewTimer(q.cfg.BroadcastBatchInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stageWake:
		case <-timer.C:
		}

		for q.stageOnce() {
			select {
			case <-ctx.Done():
				return
			default:
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.cfg.BroadcastBatchInterval)
	}
}

// stageOnce dispatches one broadcast batch. It reports whether staged
// events remain.
func (q *Queue) stageOnce() bool {
	q.mu.Lock()
	if len(q.staged) == 0 {
		q.mu.Unlock()
		return false
	}
	n := q.cfg.BroadcastBatchSize
	if n > len(q.staged) {
		n = len(q.staged)
	}
	batch := make([]models.Event, n)
	copy(batch, q.staged[:n])
	q.staged = q.staged[n:]
	remaining := len(q.staged)
	q.mu.Unlock()

	for _, event := range batch {
		q.publisher.PublishEvent(event)
	}
	return remaining > 0
}

func (q *Queue) wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
