package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"
)

// Job represents a queued background task.
type Job struct {
	ID       string
	Type     string
	Payload  interface{}
	Attempt  int
	Enqueued time.Time
}

// Handler processes a job. A returned error schedules a retry.
type Handler func(context.Context, Job) error

// QueueConfig configures worker pool behaviour.
type QueueConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Queue is a lightweight in-memory job dispatcher backed by goroutines. With a single
// worker jobs run in the order they were enqueued, retries aside.
type Queue struct {
	name    string
	handler Handler

	workers    int
	maxRetries int
	retryDelay time.Duration
	clock      clock.Clock
	logger     *zap.Logger

	jobs    chan Job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	active  sync.WaitGroup
	sending sync.WaitGroup
	retries map[clock.Timer]struct{}
}

// NewQueue builds a new queue with the provided handler.
func NewQueue(name string, handler Handler, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.Workers * 64
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Queue{
		name:       name,
		handler:    handler,
		workers:    cfg.Workers,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		jobs:       make(chan Job, cfg.BufferSize),
		retries:    make(map[clock.Timer]struct{}),
	}
}

// Start begins worker consumption. Safe to call once.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i + 1)
	}
	q.started = true
	q.logger.Info("queue started", zap.String("queue", q.name), zap.Int("workers", q.workers))
}

// Stop cancels workers and waits for them to exit. Jobs still buffered and retries
// not yet due are dropped, so Wait returns once Stop has.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.cancel()
	for timer := range q.retries {
		if timer.Stop() {
			q.active.Done()
		}
		delete(q.retries, timer)
	}
	q.mu.Unlock()
	q.wg.Wait()
	q.sending.Wait()

	dropped := 0
drain:
	for {
		select {
		case <-q.jobs:
			dropped++
			q.active.Done()
		default:
			break drain
		}
	}
	q.logger.Info("queue stopped", zap.String("queue", q.name), zap.Int("dropped", dropped))
}

// Enqueue pushes a job onto the queue.
func (q *Queue) Enqueue(job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Enqueued.IsZero() {
		job.Enqueued = q.clock.Now().UTC()
	}

	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return fmt.Errorf("queue %s not started", q.name)
	}
	ctx := q.ctx
	if err := ctx.Err(); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("queue %s stopped: %w", q.name, err)
	}
	q.active.Add(1)
	q.sending.Add(1)
	q.mu.Unlock()
	defer q.sending.Done()

	select {
	case <-ctx.Done():
		q.active.Done()
		return fmt.Errorf("queue %s stopped: %w", q.name, ctx.Err())
	case q.jobs <- job:
		return nil
	}
}

// Wait blocks until every enqueued job finished, including pending retries.
func (q *Queue) Wait() {
	q.active.Wait()
}

func (q *Queue) worker(workerID int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.jobs:
			if err := q.handler(q.ctx, job); err != nil {
				q.handleFailure(job, err)
			}
			q.active.Done()
		}
	}
}

func (q *Queue) handleFailure(job Job, err error) {
	job.Attempt++
	logger := q.logger.With(zap.String("queue", q.name), zap.String("job_id", job.ID), zap.String("type", job.Type))
	if job.Attempt > q.maxRetries {
		logger.Error("job exceeded retries", zap.Int("attempts", job.Attempt), zap.Error(err))
		return
	}
	logger.Warn("job failed, retrying", zap.Int("attempt", job.Attempt), zap.Error(err))

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ctx.Err() != nil {
		return
	}
	q.active.Add(1)
	var timer clock.Timer
	timer = q.clock.AfterFunc(q.retryDelay, func() {
		defer q.active.Done()
		q.mu.Lock()
		delete(q.retries, timer)
		q.mu.Unlock()
		if q.ctx.Err() != nil {
			return
		}
		if err := q.Enqueue(job); err != nil {
			logger.Error("failed to requeue job", zap.Error(err))
		}
	})
	q.retries[timer] = struct{}{}
}
