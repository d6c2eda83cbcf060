package scheduler

import "github.com/teris-io/shortid"

// Job is one unit of scheduled work.
type Job struct {
	ID         string
	Stage      Stage
	Element    string
	Attempt    int
	MaxRetries int
}

func newJobID() string {
	id, err := shortid.Generate()
	if err != nil {
		// shortid.Generate only fails on a misconfigured global generator,
		// which this package never installs; fall back to a fixed id
		// rather than propagating an error from every Enqueue call.
		return "job"
	}
	return id
}

// Queue is one stage's pending jobs plus the callbacks that drive them:
// the resource Tokens it needs per job, the Status check that gates
// dispatch, the Action that does the work, and the Completed hook run back
// on the main goroutine with each job's final result (success, skip,
// cached failure, or failure after retries).
type Queue struct {
	Stage      Stage
	Tokens     []ResourceToken
	Action     ActionFunc
	Status     StatusFunc
	Completed  CompletedFunc
	MaxRetries int

	pending []*Job
}

// NewQueue builds a queue for stage.
func NewQueue(stage Stage, tokens []ResourceToken, maxRetries int, status StatusFunc, action ActionFunc, completed CompletedFunc) *Queue {
	return &Queue{
		Stage: stage, Tokens: tokens, MaxRetries: maxRetries,
		Status: status, Action: action, Completed: completed,
	}
}

// Enqueue appends a new job for element, in FIFO order.
func (q *Queue) Enqueue(element string) *Job {
	job := &Job{ID: newJobID(), Stage: q.Stage, Element: element, MaxRetries: q.MaxRetries}
	q.pending = append(q.pending, job)
	return job
}

// next returns (and removes) the first pending job whose Status is Ready,
// leaving WAIT jobs in place and dropping every SKIP job encountered along
// the way, reporting their elements so the caller can run the Completed
// hook for them.
func (q *Queue) next() (job *Job, skippedElements []string) {
	i := 0
	for i < len(q.pending) {
		el := q.pending[i].Element
		switch q.Status(el) {
		case StatusSkip:
			skippedElements = append(skippedElements, el)
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
		case StatusReady:
			j := q.pending[i]
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return j, skippedElements
		default:
			i++
		}
	}
	return nil, skippedElements
}

func (q *Queue) requeue(job *Job) {
	// Retries go to the back of the queue, preserving FIFO order for the
	// jobs that were already waiting.
	q.pending = append(q.pending, job)
}
