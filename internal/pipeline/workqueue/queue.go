// Package workqueue implements the generic bounded work queue (C5):
// non-blocking enqueue with drop-on-full, a single consumer that dequeues
// with a bounded wait so it can re-check a stop flag, and a best-effort
// drain on Stop. Grounded on internal/driver/jpeg.Farm's bounded task
// channel and fixed worker pool, generalized from JPEG compression tasks
// to arbitrary handlers and given the explicit stop-flag/drain semantics
// spec.md §4.5 calls for.
package workqueue

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/warpcomdev/beltaggregator/internal/servicelog"
)

const defaultDequeueWait = time.Second

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Queued    uint64
	Processed uint64
	Failed    uint64
	Dropped   uint64
	Depth     int
}

// Handler processes one item. A non-nil error counts as a failure but
// never stops the queue.
type Handler[T any] func(ctx context.Context, item T) error

// Queue is a single-consumer, multi-producer bounded FIFO.
type Queue[T any] struct {
	name        string
	tasks       chan T
	handler     Handler[T]
	dequeueWait time.Duration
	logger      servicelog.Logger

	stop   chan struct{}
	done   chan struct{}
	stopCh sync.Once

	queued    atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	metricDropped   prometheus.Counter
	metricProcessed prometheus.Counter
	metricFailed    prometheus.Counter
	metricDepth     prometheus.Gauge
}

// Config tunes queue capacity and dequeue wait.
type Config struct {
	Capacity    int
	DequeueWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 50
	}
	if c.DequeueWait <= 0 {
		c.DequeueWait = defaultDequeueWait
	}
	return c
}

// New builds a Queue named name (used only for Prometheus labels and log
// context) and starts its single consumer goroutine.
func New[T any](logger servicelog.Logger, name string, cfg Config, handler Handler[T], metrics Metrics) *Queue[T] {
	cfg = cfg.withDefaults()
	q := &Queue[T]{
		name:        name,
		tasks:       make(chan T, cfg.Capacity),
		handler:     handler,
		dequeueWait: cfg.DequeueWait,
		logger:      logger,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	if metrics != nil {
		q.metricDropped = metrics.Dropped(name)
		q.metricProcessed = metrics.Processed(name)
		q.metricFailed = metrics.Failed(name)
		q.metricDepth = metrics.Depth(name)
	}
	go q.run()
	return q
}

// Enqueue attempts a non-blocking send. On a full queue the item is
// dropped and the dropped counter increments; Enqueue never blocks.
func (q *Queue[T]) Enqueue(item T) bool {
	select {
	case q.tasks <- item:
		q.queued.Inc()
		q.observeDepth()
		return true
	default:
		q.dropped.Inc()
		if q.metricDropped != nil {
			q.metricDropped.Inc()
		}
		return false
	}
}

func (q *Queue[T]) observeDepth() {
	if q.metricDepth != nil {
		q.metricDepth.Set(float64(len(q.tasks)))
	}
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Queued:    q.queued.Load(),
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
		Depth:     len(q.tasks),
	}
}

// Stop signals the consumer to stop accepting new dequeues, drains
// whatever remains best-effort, and waits for the consumer to exit. After
// Stop returns, no goroutine belonging to this queue is still running.
func (q *Queue[T]) Stop() {
	q.stopCh.Do(func() { close(q.stop) })
	<-q.done
}

func (q *Queue[T]) run() {
	defer close(q.done)
	ctx := context.Background()
	for {
		select {
		case item, ok := <-q.tasks:
			if !ok {
				return
			}
			q.process(ctx, item)
		case <-time.After(q.dequeueWait):
			select {
			case <-q.stop:
				q.drain(ctx)
				return
			default:
			}
		}
	}
}

// drain processes whatever is already buffered, without blocking for new
// arrivals, matching the "drain remaining items best-effort" rule.
func (q *Queue[T]) drain(ctx context.Context) {
	for {
		select {
		case item, ok := <-q.tasks:
			if !ok {
				return
			}
			q.process(ctx, item)
		default:
			return
		}
	}
}

func (q *Queue[T]) process(ctx context.Context, item T) {
	defer q.observeDepth()
	if err := q.handler(ctx, item); err != nil {
		q.failed.Inc()
		if q.metricFailed != nil {
			q.metricFailed.Inc()
		}
		if q.logger != nil {
			q.logger.Error("queue item failed", servicelog.String("queue", q.name), servicelog.Error(err))
		}
		return
	}
	q.processed.Inc()
	if q.metricProcessed != nil {
		q.metricProcessed.Inc()
	}
}

// Metrics supplies the per-queue Prometheus instruments; nil is safe,
// in which case the queue exposes counters only through Stats().
type Metrics interface {
	Dropped(queue string) prometheus.Counter
	Processed(queue string) prometheus.Counter
	Failed(queue string) prometheus.Counter
	Depth(queue string) prometheus.Gauge
}
