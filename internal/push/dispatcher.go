package push

import (
	"context"
	"sync"
	"time"

	"enquirychat/internal/identity"
	"enquirychat/internal/logger"
	"enquirychat/internal/metrics"
)

// Job is one notification for a set of users
type Job struct {
	Users        []string
	Notification Notification
}

// Dispatcher runs push jobs on a fixed pool of workers so a slow provider
// never blocks message handling. Each job gets one attempt.
type Dispatcher struct {
	provider Provider
	tokens   identity.Directory
	timeout  time.Duration

	jobs   chan Job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(provider Provider, tokens identity.Directory, workers, queue int, timeout time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	d := &Dispatcher{
		provider: provider,
		tokens:   tokens,
		timeout:  timeout,
		jobs:     make(chan Job, queue),
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

// Submit queues a job. It returns false when the queue is full or the
// dispatcher is closed; the job is dropped.
func (d *Dispatcher) Submit(job Job) bool {
	if len(job.Users) == 0 {
		return true
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
		metrics.PushDropped.Inc()
		logger.Warn("push_dropped", "users", len(job.Users), "reason", "queue full")
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.jobs {
		d.process(job)
	}
}

func (d *Dispatcher) process(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	byUser, err := d.tokens.DeviceTokens(ctx, job.Users)
	if err != nil {
		logger.Error("push_tokens_lookup_failed", "users", job.Users, "error", err)
		return
	}
	var tokens []string
	for _, u := range job.Users {
		tokens = append(tokens, byUser[u]...)
	}
	if len(tokens) == 0 {
		logger.Debug("push_no_tokens", "users", job.Users)
		return
	}

	report, err := d.provider.Send(ctx, tokens, job.Notification)
	metrics.PushSent.Add(float64(report.Sent))
	metrics.PushFailed.Add(float64(report.Failed))
	if err != nil {
		logger.Error("push_failed", "users", job.Users, "tokens", len(tokens), "error", err)
	} else if report.Failed > 0 {
		logger.Warn("push_partial_failure", "sent", report.Sent, "failed", report.Failed)
	}

	if len(report.Invalid) == 0 {
		return
	}
	pruneCtx, pruneCancel := context.WithTimeout(context.Background(), d.timeout)
	defer pruneCancel()
	if err := d.tokens.RemoveTokens(pruneCtx, report.Invalid); err != nil {
		logger.Error("push_token_prune_failed", "tokens", len(report.Invalid), "error", err)
		return
	}
	metrics.PushTokensPruned.Add(float64(len(report.Invalid)))
	logger.Info("push_tokens_pruned", "count", len(report.Invalid))
}
