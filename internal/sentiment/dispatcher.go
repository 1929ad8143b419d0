package sentiment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/promptdev/internal/domain"
)

// Analyzer is the work a dispatcher runs.
type Analyzer interface {
	Analyze(ctx context.Context, sess *domain.ConversationSession, msg *domain.Message) (*domain.SentimentRecord, []domain.SentimentAggregate, error)
}

// Job is one message awaiting annotation.
type Job struct {
	Tenant  domain.Tenant
	Session *domain.ConversationSession
	Message *domain.Message
}

// Result reports a finished job. Err is set when the analysis was skipped.
type Result struct {
	Job        Job
	Record     *domain.SentimentRecord
	Aggregates []domain.SentimentAggregate
	Err        error
	Duration   time.Duration
}

// Dispatcher runs analyses on a bounded queue so the chat path never waits
// on sentiment. Full queues drop jobs.
type Dispatcher struct {
	analyzer Analyzer
	workers  int
	timeout  time.Duration
	log      *slog.Logger
	onResult func(Result)

	mu     sync.RWMutex
	closed bool
	jobs   chan Job
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher. onResult, if set, is called from the
// worker after each job.
func NewDispatcher(analyzer Analyzer, workers, queueSize int, timeout time.Duration, onResult func(Result), log *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		analyzer: analyzer,
		workers:  workers,
		timeout:  timeout,
		log:      log,
		onResult: onResult,
		jobs:     make(chan Job, queueSize),
	}
}

// Start launches the workers. Jobs run with ctx's values but outlive its
// cancellation, so queued work still completes when Close drains the queue
// during shutdown. The per-job timeout bounds each drain step.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for job := range d.jobs {
				d.run(ctx, job)
			}
		}()
	}
	d.log.Info("Sentiment dispatcher started", "workers", d.workers, "queue", cap(d.jobs), "timeout", d.timeout)
}

// Submit enqueues job without blocking. It returns false when sentiment is
// disabled for the session, the queue is full or the dispatcher is closed.
func (d *Dispatcher) Submit(job Job) bool {
	if job.Session == nil || job.Message == nil || !job.Session.SentimentEnabled {
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.jobs <- job:
		return true
	default:
		d.log.Warn("Sentiment queue full, dropping analysis",
			"session_id", job.Message.SessionID,
			"message_id", job.Message.ID)
		return false
	}
}

// Close stops intake and waits for queued jobs to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()
	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Dispatcher) run(ctx context.Context, job Job) {
	jobCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	rec, aggs, err := d.analyzer.Analyze(jobCtx, job.Session, job.Message)
	res := Result{Job: job, Record: rec, Aggregates: aggs, Err: err, Duration: time.Since(start)}
	if err != nil {
		d.log.Warn("Sentiment analysis skipped",
			"tenant", job.Tenant.String(),
			"session_id", job.Message.SessionID,
			"message_id", job.Message.ID,
			"error", err)
	}
	if d.onResult != nil {
		d.onResult(res)
	}
}
