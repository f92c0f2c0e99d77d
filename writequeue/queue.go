// Package writequeue implements the ordered, backpressured async sink in
// front of each durable store. One worker goroutine drains a bounded
// channel, so the sink never sees concurrent or out-of-order writes from
// this queue; enqueue rejects synchronously when either pending budget
// would be exceeded. A rejected task is never queued "to retry later" —
// the caller keeps its source data and retries on its own next cycle.
package writequeue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gatewatch/gatewatch/errors"
	"github.com/gatewatch/gatewatch/metric"
)

// Defaults for the queue budgets and the stats window.
const (
	DefaultMaxPendingBatches = 100
	DefaultMaxPendingRows    = 200000
	DefaultWriteTimeout      = 30 * time.Second
	DefaultStatsInterval     = time.Minute
)

// Task performs one durable write. It runs on the queue's worker with a
// write-timeout context and must honor cancellation.
type Task func(ctx context.Context) error

type pendingTask struct {
	id     string
	rows   int
	run    Task
	result chan error
}

// Options configures a Queue.
type Options struct {
	Name              string
	MaxPendingBatches int
	MaxPendingRows    int
	WriteTimeout      time.Duration
	StatsInterval     time.Duration
	Logger            *slog.Logger
	Metrics           *metric.Registry
}

func (o *Options) defaults() {
	if o.Name == "" {
		o.Name = "writequeue"
	}
	if o.MaxPendingBatches <= 0 {
		o.MaxPendingBatches = DefaultMaxPendingBatches
	}
	if o.MaxPendingRows <= 0 {
		o.MaxPendingRows = DefaultMaxPendingRows
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = DefaultStatsInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Queue is one ordered write pipeline against one durable sink.
type Queue struct {
	opts Options

	mu             sync.Mutex
	pendingBatches int
	pendingRows    int
	tasks          chan *pendingTask
	accepting      bool

	// Window counters, reset every stats interval
	windowRows     atomic.Int64
	windowBatches  atomic.Int64
	windowFailures atomic.Int64
	windowRejected atomic.Int64

	metrics *Metrics

	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// New creates a Queue. Call Start before enqueuing.
func New(opts Options) (*Queue, error) {
	opts.defaults()

	q := &Queue{
		opts:      opts,
		tasks:     make(chan *pendingTask, opts.MaxPendingBatches),
		accepting: true,
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	if opts.Metrics != nil {
		m, err := newMetrics(opts.Metrics, opts.Name)
		if err != nil {
			return nil, err
		}
		q.metrics = m
	}
	return q, nil
}

// Start launches the worker and the stats ticker.
func (q *Queue) Start(ctx context.Context) error {
	if !q.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Queue", "Start", q.opts.Name)
	}
	go q.worker(ctx)
	go q.statsLoop(ctx)
	return nil
}

// Enqueue appends a task to the serial chain. Returns a result channel
// that receives the task's outcome exactly once, or a synchronous error
// when a budget would be exceeded. estimatedRows must cover every row the
// task intends to write.
func (q *Queue) Enqueue(estimatedRows int, task Task) (<-chan error, error) {
	if task == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Queue", "Enqueue", "nil task")
	}

	pt := &pendingTask{
		id:     uuid.NewString(),
		rows:   estimatedRows,
		run:    task,
		result: make(chan error, 1),
	}

	q.mu.Lock()
	if !q.accepting {
		q.mu.Unlock()
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Queue", "Enqueue", q.opts.Name)
	}
	if q.pendingBatches+1 > q.opts.MaxPendingBatches {
		q.mu.Unlock()
		q.windowRejected.Add(1)
		q.metrics.recordRejected("batches")
		return nil, errors.WrapTransient(errors.ErrBatchBudget, "Queue", "Enqueue", q.opts.Name)
	}
	if q.pendingRows+estimatedRows > q.opts.MaxPendingRows {
		q.mu.Unlock()
		q.windowRejected.Add(1)
		q.metrics.recordRejected("rows")
		return nil, errors.WrapTransient(errors.ErrRowBudget, "Queue", "Enqueue", q.opts.Name)
	}
	q.pendingBatches++
	q.pendingRows += estimatedRows
	q.metrics.recordDepth(q.pendingBatches, q.pendingRows)
	// The channel capacity equals MaxPendingBatches, so after the budget
	// check this send cannot block. Sending under the lock means Stop's
	// drain observes every accepted task.
	q.tasks <- pt
	q.mu.Unlock()

	return pt.result, nil
}

// PendingBatches returns the number of queued-but-unsettled tasks.
func (q *Queue) PendingBatches() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingBatches
}

// PendingRows returns the estimated rows across queued tasks.
func (q *Queue) PendingRows() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingRows
}

func (q *Queue) worker(ctx context.Context) {
	defer close(q.done)

	for {
		select {
		case <-q.shutdown:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case pt := <-q.tasks:
					q.runTask(ctx, pt)
				default:
					return
				}
			}
		case pt := <-q.tasks:
			q.runTask(ctx, pt)
		}
	}
}

// runTask settles exactly one task. A task's failure reaches only its own
// caller; the chain keeps running.
func (q *Queue) runTask(ctx context.Context, pt *pendingTask) {
	taskCtx, cancel := context.WithTimeout(ctx, q.opts.WriteTimeout)
	err := pt.run(taskCtx)
	cancel()

	q.mu.Lock()
	q.pendingBatches--
	q.pendingRows -= pt.rows
	q.metrics.recordDepth(q.pendingBatches, q.pendingRows)
	q.mu.Unlock()

	if err != nil {
		q.windowFailures.Add(1)
		q.metrics.recordFailure()
		q.opts.Logger.Warn("write task failed",
			"queue", q.opts.Name, "task", pt.id, "rows", pt.rows, "error", err)
	} else {
		q.windowBatches.Add(1)
		q.windowRows.Add(int64(pt.rows))
		q.metrics.recordWritten(pt.rows)
	}

	pt.result <- err
}

func (q *Queue) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(q.opts.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.shutdown:
			return
		case <-ticker.C:
			rows := q.windowRows.Swap(0)
			batches := q.windowBatches.Swap(0)
			failures := q.windowFailures.Swap(0)
			rejected := q.windowRejected.Swap(0)

			q.opts.Logger.Info("write queue throughput",
				"queue", q.opts.Name,
				"rows", rows,
				"batches", batches,
				"failures", failures,
				"rejected", rejected,
				"pending_batches", q.PendingBatches(),
				"pending_rows", q.PendingRows())
		}
	}
}

// Stop refuses new tasks, drains the queued ones, and waits up to timeout.
func (q *Queue) Stop(timeout time.Duration) error {
	if !q.started.Load() {
		return errors.WrapInvalid(errors.ErrNotStarted, "Queue", "Stop", q.opts.Name)
	}

	q.mu.Lock()
	q.accepting = false
	q.mu.Unlock()

	q.stopOnce.Do(func() { close(q.shutdown) })

	select {
	case <-q.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Queue", "Stop", "drain "+q.opts.Name)
	}
}
