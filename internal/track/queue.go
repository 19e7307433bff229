package track

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Task is one unit of deferred sink work.
type Task func() error

// Queue runs sink writes on a fixed pool of workers with bounded capacity
// and per-task retries with exponential backoff. Enqueue never blocks the
// caller: when the queue is saturated the task is dropped and logged, so
// bookkeeping can never stall audio delivery.
type Queue struct {
	tasks      chan queuedTask
	wg         sync.WaitGroup
	maxRetries int
	backoff    time.Duration
	logger     *log.Logger

	mu     sync.Mutex
	closed bool

	dropped int64
}

type queuedTask struct {
	name string
	run  Task
}

// QueueConfig holds queue construction parameters.
type QueueConfig struct {
	Workers    int
	Capacity   int
	MaxRetries int
	Backoff    time.Duration
}

// NewQueue starts the worker pool.
func NewQueue(cfg QueueConfig, logger *log.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 250 * time.Millisecond
	}
	if logger == nil {
		logger = log.Default()
	}

	q := &Queue{
		tasks:      make(chan queuedTask, cfg.Capacity),
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		logger:     logger,
	}

	q.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go q.worker()
	}
	return q
}

// Enqueue schedules a task. Returns false when the queue is full or
// closed; the failure is logged, never surfaced to the request path.
func (q *Queue) Enqueue(name string, task Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.logger.Warn("task dropped, queue closed", "task", name)
		return false
	}

	select {
	case q.tasks <- queuedTask{name: name, run: task}:
		return true
	default:
		q.dropped++
		q.logger.Warn("task dropped, queue full", "task", name, "dropped_total", q.dropped)
		return false
	}
}

// Close stops accepting tasks and waits for queued work to drain.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for task := range q.tasks {
		q.runWithRetry(task)
	}
}

func (q *Queue) runWithRetry(task queuedTask) {
	for attempt := 0; ; attempt++ {
		err := task.run()
		if err == nil {
			return
		}
		if attempt >= q.maxRetries {
			q.logger.Error("task failed permanently",
				"task", task.name,
				"attempts", attempt+1,
				"err", err)
			return
		}
		delay := q.backoff << uint(attempt)
		q.logger.Warn("task failed, retrying",
			"task", task.name,
			"attempt", attempt+1,
			"retry_in", delay,
			"err", err)
		time.Sleep(delay)
	}
}
