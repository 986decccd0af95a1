package quotagate

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxConcurrent = 3
	defaultPollInterval  = 100 * time.Millisecond
	defaultRetryBackoff  = 500 * time.Millisecond
)

// ExecutionFunc is a deferred unit of work supplied by the caller. The queue
// never inspects its internals, only its declared quota cost and measured
// wall-clock duration.
type ExecutionFunc func(ctx context.Context) (interface{}, error)

// QuotaGate is the narrow view of the quota manager the queue depends on.
// The queue delegates every quota decision through it and never mutates
// quota state directly.
type QuotaGate interface {
	// TryAcquire checks availability and reserves quota as one operation.
	TryAcquire(estimatedCalls int, analyzer string, priority Priority) Decision

	// RecordExecution feeds a finished execution's duration back into the
	// per-analyzer timing history.
	RecordExecution(analyzer string, duration time.Duration)
}

type executionResult struct {
	value interface{}
	err   error
}

type queuedExecution struct {
	id             string
	analyzer       string
	fn             ExecutionFunc
	estimatedQuota int
	priority       int
	queuedAt       time.Time
	maxWait        time.Duration
	seq            uint64
	result         chan executionResult
}

// execHeap orders items by (priority, seq): lower priority number first,
// FIFO among equals.
type execHeap []*queuedExecution

func (h execHeap) Len() int { return len(h) }
func (h execHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h execHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *execHeap) Push(x interface{}) { *h = append(*h, x.(*queuedExecution)) }
func (h *execHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// QueueConfig holds execution queue configuration.
type QueueConfig struct {
	// MaxConcurrent bounds in-flight executions (default: 3).
	MaxConcurrent int

	// PollInterval is how long the processor sleeps when the queue is empty
	// (default: 100ms). Kept short so shutdown stays responsive.
	PollInterval time.Duration

	// RetryBackoff is how long the processor sleeps after a quota denial
	// before serving the next item, avoiding a tight retry loop against an
	// exhausted quota (default: 500ms).
	RetryBackoff time.Duration

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking queue operations (default: NoopMetrics).
	Metrics Metrics
}

// ExecutionQueue defers analyzer executions under quota pressure. Items are
// served in priority order by a single background processor that re-checks
// quota at dispatch time; denied items are re-queued with a decayed priority
// so chronically blocked work gives way without starving outright.
type ExecutionQueue struct {
	gate   QuotaGate
	config QueueConfig
	sem    *semaphore.Weighted

	mu        sync.Mutex
	items     execHeap
	running   map[string]time.Time
	seq       uint64
	started   bool
	stopped   bool
	processor chan struct{} // closed when the processor exits

	ctx    context.Context
	cancel context.CancelFunc
}

// NewExecutionQueue creates a new execution queue backed by the given quota
// gate. The background processor starts lazily on the first Submit.
func NewExecutionQueue(gate QuotaGate, config QueueConfig) *ExecutionQueue {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaultMaxConcurrent
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaultRetryBackoff
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ExecutionQueue{
		gate:    gate,
		config:  config,
		sem:     semaphore.NewWeighted(int64(config.MaxConcurrent)),
		running: make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit enqueues an analyzer execution and blocks until it completes, the
// caller context is done, or maxWait elapses (ErrExecutionTimeout). maxWait
// also bounds how long the item may sit in the queue before the processor
// drops it as stale; the two timers are independent. priority follows
// min-heap semantics: lower numbers are served first.
func (q *ExecutionQueue) Submit(
	ctx context.Context,
	analyzer string,
	fn ExecutionFunc,
	estimatedQuota, priority int,
	maxWait time.Duration,
) (interface{}, error) {
	now := time.Now().UTC()

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, ErrQueueStopped
	}
	q.seq++
	item := &queuedExecution{
		id:             fmt.Sprintf("%s_%d", analyzer, q.seq),
		analyzer:       analyzer,
		fn:             fn,
		estimatedQuota: estimatedQuota,
		priority:       priority,
		queuedAt:       now,
		maxWait:        maxWait,
		seq:            q.seq,
		result:         make(chan executionResult, 1),
	}
	heap.Push(&q.items, item)
	q.config.Metrics.RecordQueueDepth(q.items.Len())
	q.startProcessorLocked()
	q.mu.Unlock()

	q.config.Logger.Debug("execution queued",
		Field{"id", item.id},
		Field{"priority", priority},
		Field{"estimated_quota", estimatedQuota},
	)

	var timeout <-chan time.Time
	if maxWait > 0 {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-item.result:
		return res.value, res.err
	case <-timeout:
		return nil, ErrExecutionTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status reports queue depth, running-task count, the concurrency cap, and
// whether the processor is alive. Purely observational.
func (q *ExecutionQueue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStatus{
		Depth:          q.items.Len(),
		Running:        len(q.running),
		MaxConcurrent:  q.config.MaxConcurrent,
		ProcessorAlive: q.started && !q.stopped,
	}
}

// Stop shuts the queue down cooperatively: the processor is cancelled and
// awaited, already-running executions finish on their own. Further Submit
// calls fail with ErrQueueStopped.
func (q *ExecutionQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	processor := q.processor
	q.mu.Unlock()

	q.cancel()
	if processor == nil {
		return nil
	}

	select {
	case <-processor:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *ExecutionQueue) startProcessorLocked() {
	if q.started {
		return
	}
	q.started = true
	q.processor = make(chan struct{})
	go q.processLoop(q.processor)
}

// processLoop is the single long-running dispatch task. It drops stale items,
// bounds concurrency with the semaphore, re-checks quota at dispatch time
// (quota may have changed since enqueue), and spawns granted work as
// independent goroutines.
func (q *ExecutionQueue) processLoop(done chan struct{}) {
	defer close(done)

	for {
		// Acquire the slot before popping: an item must not sit outside
		// the heap waiting for capacity while later, more urgent items
		// queue behind it.
		if err := q.sem.Acquire(q.ctx, 1); err != nil {
			return
		}

		item := q.pop()
		if item == nil {
			q.sem.Release(1)
			if !q.sleep(q.config.PollInterval) {
				return
			}
			continue
		}

		if item.maxWait > 0 && time.Since(item.queuedAt) > item.maxWait {
			q.sem.Release(1)
			q.config.Logger.Warn("dropping stale queued execution",
				Field{"id", item.id},
				Field{"waited", time.Since(item.queuedAt)},
			)
			item.result <- executionResult{err: ErrExecutionTimeout}
			continue
		}

		decision := q.gate.TryAcquire(item.estimatedQuota, item.analyzer, quotaPriorityFor(item.priority))
		if !decision.Allowed {
			q.sem.Release(1)
			q.requeue(item, decision.Reason)
			if !q.sleep(q.config.RetryBackoff) {
				return
			}
			continue
		}

		q.mu.Lock()
		q.running[item.id] = time.Now().UTC()
		q.mu.Unlock()

		go q.execute(item)
	}
}

// execute runs one granted item, timing the call and feeding the duration
// back into the quota manager. Cleanup happens in a defer so a failing
// execution never leaks a concurrency slot or a running-map entry.
func (q *ExecutionQueue) execute(item *queuedExecution) {
	start := time.Now()

	defer func() {
		q.sem.Release(1)
		q.mu.Lock()
		delete(q.running, item.id)
		q.mu.Unlock()
	}()

	value, err := item.fn(q.ctx)
	elapsed := time.Since(start)

	q.gate.RecordExecution(item.analyzer, elapsed)
	q.config.Metrics.RecordExecution(item.analyzer, elapsed, err)

	if err != nil {
		q.config.Logger.Error("analyzer execution failed",
			Field{"id", item.id},
			Field{"analyzer", item.analyzer},
			Field{"elapsed", elapsed},
			Field{"error", err},
		)
	} else {
		q.config.Logger.Debug("analyzer execution finished",
			Field{"id", item.id},
			Field{"elapsed", elapsed},
		)
	}

	item.result <- executionResult{value: value, err: err}
}

// requeue puts a quota-denied item back with a decayed priority so blocked
// work is eventually overtaken by patient lower-priority items.
func (q *ExecutionQueue) requeue(item *queuedExecution, reason string) {
	q.mu.Lock()
	item.priority++
	heap.Push(&q.items, item)
	depth := q.items.Len()
	q.mu.Unlock()

	q.config.Metrics.RecordQueueDepth(depth)
	q.config.Logger.Debug("execution re-queued on quota denial",
		Field{"id", item.id},
		Field{"new_priority", item.priority},
		Field{"reason", reason},
	)
}

func (q *ExecutionQueue) pop() *queuedExecution {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*queuedExecution)
}

// sleep waits for d or until the queue is cancelled; it reports false when
// the processor should exit.
func (q *ExecutionQueue) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-q.ctx.Done():
		return false
	}
}

// quotaPriorityFor maps a numeric queue priority onto the manager's priority
// labels. Only the most urgent band earns the critical-priority quota slack;
// decayed priorities drift toward low.
func quotaPriorityFor(priority int) Priority {
	switch {
	case priority <= 0:
		return PriorityCritical
	case priority == 1:
		return PriorityHigh
	case priority <= 3:
		return PriorityNormal
	default:
		return PriorityLow
	}
}
