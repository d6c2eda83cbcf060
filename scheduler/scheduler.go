package scheduler

import (
	"context"
	"time"

	"github.com/golang/glog"
	"go.uber.org/atomic"
)

// retryBackoffUnit scales the linear delay before a retried attempt: the
// n-th retry waits n units inside its worker before running.
const retryBackoffUnit = 100 * time.Millisecond

// CachedFailureFunc reports whether element is a known cached failure;
// when ok is true, result is emitted as a synthetic job outcome without
// ever calling the queue's Action.
type CachedFailureFunc func(element string) (result Result, ok bool)

// Scheduler runs a fixed pool of worker goroutines across a set of queues,
// admitting jobs only when their resource tokens are free. All queue/job
// bookkeeping lives in Run's goroutine; workers communicate back only
// through msgCh, never through shared mutable state.
type Scheduler struct {
	queues  []*Queue
	workers int
	tokens  map[ResourceToken]int

	cachedFailure CachedFailureFunc

	terminate atomic.Bool
	inFlight  atomic.Int32
}

// New creates a Scheduler with the given worker pool size and per-token
// budgets (e.g. {TokenProcess: numCPU, TokenCache: 1}).
func New(workers int, tokens map[ResourceToken]int, cachedFailure CachedFailureFunc) *Scheduler {
	budget := make(map[ResourceToken]int, len(tokens))
	for k, v := range tokens {
		budget[k] = v
	}
	return &Scheduler{workers: workers, tokens: budget, cachedFailure: cachedFailure}
}

// AddQueue registers a queue the scheduler will dispatch jobs from.
func (s *Scheduler) AddQueue(q *Queue) { s.queues = append(s.queues, q) }

// Terminate requests cooperative cancellation: Run admits no further jobs,
// a worker that has not yet started its action reports ResultTerminated
// instead, and Run waits for actions already running to return. Terminate
// does not cancel the context passed to Run, so an action that is already
// running is not interrupted by it.
func (s *Scheduler) Terminate() { s.terminate.Store(true) }

type jobMsg struct {
	queue  *Queue
	job    *Job
	result Result
}

// Run drains every registered queue until all are empty and no jobs are
// in flight, or the context is cancelled and every in-flight job has
// reported back.
func (s *Scheduler) Run(ctx context.Context) error {
	msgCh := make(chan jobMsg, s.workers)
	sem := make(chan struct{}, s.workers)

	for {
		if ctx.Err() != nil {
			s.Terminate()
		}
		if s.terminate.Load() && s.inFlight.Load() == 0 {
			return context.Canceled
		}

		dispatched := s.dispatchReady(ctx, msgCh, sem)
		if !dispatched && s.inFlight.Load() == 0 {
			return nil
		}

		msg := <-msgCh
		s.inFlight.Dec()
		s.release(msg.queue.Tokens)
		s.handleResult(msg)
	}
}

// dispatchReady admits as many ready jobs as current token budgets and the
// worker pool allow, returns whether anything was admitted or already
// in-flight.
func (s *Scheduler) dispatchReady(ctx context.Context, msgCh chan jobMsg, sem chan struct{}) bool {
	if s.terminate.Load() {
		return s.inFlight.Load() > 0
	}
	any := s.inFlight.Load() > 0
	for _, q := range s.queues {
	queueLoop:
		for {
			if !s.acquire(q.Tokens) {
				break
			}
			job, skipped := q.next()
			for _, el := range skipped {
				if q.Completed != nil {
					q.Completed(el, Result{Code: ResultSkipped})
				}
			}
			if job == nil {
				s.release(q.Tokens)
				break
			}
			if result, ok := s.checkCachedFailure(q, job); ok {
				s.release(q.Tokens)
				if q.Completed != nil {
					q.Completed(job.Element, result)
				}
				any = true
				continue
			}
			select {
			case sem <- struct{}{}:
			default:
				q.requeue(job)
				s.release(q.Tokens)
				break queueLoop
			}
			s.inFlight.Inc()
			any = true
			s.runJob(ctx, q, job, msgCh, sem)
		}
	}
	return any
}

func (s *Scheduler) checkCachedFailure(q *Queue, job *Job) (Result, bool) {
	if s.cachedFailure == nil || q.Stage != StageBuild {
		return Result{}, false
	}
	return s.cachedFailure(job.Element)
}

func (s *Scheduler) runJob(ctx context.Context, q *Queue, job *Job, msgCh chan jobMsg, sem chan struct{}) {
	go func() {
		if job.Attempt > 0 {
			select {
			case <-time.After(time.Duration(job.Attempt) * retryBackoffUnit):
			case <-ctx.Done():
			}
		}
		var result Result
		if s.terminate.Load() {
			result = Result{Code: ResultTerminated}
		} else {
			result = q.Action(ctx, job.Element)
		}
		// Free the worker slot before reporting, so the dispatcher never
		// sees a finished job still holding its slot.
		<-sem
		msgCh <- jobMsg{queue: q, job: job, result: result}
	}()
}

func (s *Scheduler) handleResult(msg jobMsg) {
	job, result, q := msg.job, msg.result, msg.queue
	if result.Code == ResultSuccess {
		if q.Completed != nil {
			q.Completed(job.Element, result)
		}
		return
	}
	if result.Code.retryable() && job.Attempt < job.MaxRetries {
		job.Attempt++
		glog.Warningf("scheduler: %s/%s failed (attempt %d/%d), retrying: %v", q.Stage, job.Element, job.Attempt, job.MaxRetries, result.Err)
		q.requeue(job)
		return
	}
	if q.Completed != nil {
		q.Completed(job.Element, result)
	}
}

func (s *Scheduler) acquire(tokens []ResourceToken) bool {
	acquired := make([]ResourceToken, 0, len(tokens))
	for _, t := range tokens {
		if s.tokens[t] <= 0 {
			for _, a := range acquired {
				s.tokens[a]++
			}
			return false
		}
		s.tokens[t]--
		acquired = append(acquired, t)
	}
	return true
}

func (s *Scheduler) release(tokens []ResourceToken) {
	for _, t := range tokens {
		s.tokens[t]++
	}
}
