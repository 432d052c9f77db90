// Package admission contains the controller deciding which submitted job
// runs now, which waits and which is rejected. Waiting jobs are strictly
// FIFO; the running count never exceeds the configured concurrency, which is
// 1 on the smallest deployment tier, making the pipeline single-flight.
package admission

import (
	"context"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/scanalign/scanalign/internal/common/scanerrors"
	"github.com/scanalign/scanalign/internal/common/util"
	"github.com/scanalign/scanalign/internal/pipeline"
)

type Config struct {
	// MaxConcurrency bounds pipeline memory consumption. At least 1.
	MaxConcurrency int
	// MaxQueueDepth bounds memory consumed by pending job metadata.
	MaxQueueDepth int
	// DefaultJobTimeout applies when a submission carries no deadline.
	DefaultJobTimeout time.Duration
	// RetentionWindow keeps terminal jobs retrievable after completion.
	RetentionWindow time.Duration
}

// Gate is consulted on every submission; a non-nil error rejects the job
// before it enters the queue. Satisfied by monitor.ResourceMonitor.
type Gate interface {
	CheckAdmission() error
}

// Ticket identifies a submitted job to its submitter.
type Ticket struct {
	job *Job
}

func (t *Ticket) JobId() string {
	return t.job.Id
}

// Grant is a slot in the pipeline. The holder must call Queue.Release
// exactly once when execution finishes.
type Grant struct {
	job      *Job
	released bool
}

func (g *Grant) Job() *Job {
	return g.job
}

// QueueStatus is a consistent snapshot for external reporting.
type QueueStatus struct {
	RunningCount       int   `json:"runningCount"`
	WaitingCount       int   `json:"waitingCount"`
	MaxConcurrency     int   `json:"maxConcurrency"`
	OldestWaitingAgeMs int64 `json:"oldestWaitingAgeMs"`
}

type waiter struct {
	job *Job
	// ready is closed once the queue has decided the job's fate: granted,
	// expired at grant time, cancelled or queue teardown. Waiters re-check
	// the job state under the mutex after waking.
	ready chan struct{}
}

// Queue is the admission controller. One long-lived instance per process;
// all mutations of queue state go through a single mutex, and AwaitTurn
// never holds it while suspended.
type Queue struct {
	config Config
	gate   Gate
	clock  util.Clock

	mu       sync.Mutex
	waiting  []*waiter
	running  int
	nextSeq  uint64
	closed   bool
	active   map[string]*Job
	finished map[JobState]uint64

	// Terminal jobs, evicted after the retention window.
	retained *cache.Cache
}

func NewQueue(config Config, gate Gate) *Queue {
	if config.MaxConcurrency < 1 {
		config.MaxConcurrency = 1
	}
	if config.DefaultJobTimeout <= 0 {
		config.DefaultJobTimeout = 2 * time.Minute
	}
	if config.RetentionWindow <= 0 {
		config.RetentionWindow = 10 * time.Minute
	}
	return &Queue{
		config:   config,
		gate:     gate,
		clock:    &util.DefaultClock{},
		active:   map[string]*Job{},
		finished: map[JobState]uint64{},
		retained: cache.New(config.RetentionWindow, config.RetentionWindow),
	}
}

// Submit admits a job into the waiting list, or rejects it immediately:
// ErrQueueFull when the list is at depth, ErrOverloaded when the gate trips,
// ErrQueueClosed after teardown. Submission never blocks. The returned
// ticket must be passed to AwaitTurn.
func (q *Queue) Submit(payload *pipeline.Request, deadline time.Time) (*Ticket, error) {
	// The gate reads the proc filesystem; keep it outside the mutex. It is
	// advisory and re-evaluated on every submission.
	if q.gate != nil {
		if err := q.gate.CheckAdmission(); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, errors.WithStack(&scanerrors.ErrQueueClosed{})
	}
	if len(q.waiting) >= q.config.MaxQueueDepth {
		return nil, errors.WithStack(&scanerrors.ErrQueueFull{
			Waiting:       len(q.waiting),
			MaxQueueDepth: q.config.MaxQueueDepth,
		})
	}

	now := q.clock.Now()
	if deadline.IsZero() {
		deadline = now.Add(q.config.DefaultJobTimeout)
	}

	q.nextSeq++
	job := &Job{
		Id:          util.NewULID(),
		SubmittedAt: now,
		Deadline:    deadline,
		Payload:     payload,
		seq:         q.nextSeq,
		State:       JobWaiting,
	}
	w := &waiter{job: job, ready: make(chan struct{})}
	q.waiting = append(q.waiting, w)
	q.active[job.Id] = job

	q.grantNextLocked()

	return &Ticket{job: job}, nil
}

// AwaitTurn blocks the calling goroutine until the job is granted a slot,
// its deadline elapses, ctx is cancelled or the queue is torn down. Other
// submitters, status readers and grants proceed concurrently.
func (q *Queue) AwaitTurn(ctx context.Context, ticket *Ticket) (*Grant, error) {
	w := q.waiterFor(ticket.job)
	if w == nil {
		// Granted or finalized before AwaitTurn was called.
		return q.resolve(ticket.job, nil)
	}

	timer := time.NewTimer(ticket.job.Deadline.Sub(q.clock.Now()))
	defer timer.Stop()

	select {
	case <-w.ready:
		return q.resolve(ticket.job, nil)
	case <-timer.C:
		return q.resolve(ticket.job, &scanerrors.ErrDeadlineExceeded{
			JobId:    ticket.job.Id,
			Deadline: ticket.job.Deadline,
			Phase:    "waiting",
		})
	case <-ctx.Done():
		return q.resolve(ticket.job, ctx.Err())
	}
}

// resolve inspects the job under the mutex after a wakeup. A grant that
// raced a deadline is decided here: whichever transition happened first
// under the mutex wins.
func (q *Queue) resolve(job *Job, wakeErr error) (*Grant, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch job.State {
	case JobRunning:
		return &Grant{job: job}, nil
	case JobTimedOut:
		return nil, errors.WithStack(job.Error)
	case JobRejected:
		return nil, errors.WithStack(job.Error)
	case JobWaiting:
		// The timer or ctx fired first; remove the job from consideration.
		q.removeWaiterLocked(job)
		var deadlineErr *scanerrors.ErrDeadlineExceeded
		if errors.As(wakeErr, &deadlineErr) {
			job.State = JobTimedOut
			job.Error = wakeErr
		} else {
			job.State = JobRejected
			job.Error = wakeErr
		}
		q.finalizeLocked(job)
		q.grantNextLocked()
		return nil, errors.WithStack(job.Error)
	default:
		return nil, errors.WithStack(&scanerrors.ErrInternal{
			Message: "job reached a terminal state while holding no grant",
		})
	}
}

// Release returns the slot. Must be called exactly once per grant,
// regardless of outcome, or the slot leaks. The next eligible waiter is
// granted immediately.
func (q *Queue) Release(grant *Grant, result *pipeline.Result, execErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if grant.released {
		log.Errorf("Job %s released twice", grant.job.Id)
		return
	}
	grant.released = true
	q.running--

	job := grant.job
	job.Result = result
	job.Error = execErr

	var deadlineErr *scanerrors.ErrDeadlineExceeded
	switch {
	case execErr == nil:
		job.State = JobSucceeded
	case errors.As(execErr, &deadlineErr) || errors.Is(execErr, context.DeadlineExceeded):
		// A timed out execution discards any result the collaborator may
		// still produce.
		job.State = JobTimedOut
		job.Result = nil
	default:
		job.State = JobFailed
	}

	q.finalizeLocked(job)
	q.grantNextLocked()
}

// Cancel withdraws a waiting job. Jobs that already hold a slot run to
// completion or timeout; cancelling them is not supported.
func (q *Queue) Cancel(ticket *Ticket) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job := ticket.job
	if job.State != JobWaiting {
		return errors.WithStack(&scanerrors.ErrInvalidArgument{
			Name:    "ticket",
			Value:   job.Id,
			Message: "only waiting jobs can be cancelled",
		})
	}

	w := q.removeWaiterLocked(job)
	job.State = JobRejected
	job.Error = errors.Errorf("job %s cancelled by submitter", job.Id)
	q.finalizeLocked(job)
	if w != nil {
		close(w.ready)
	}
	q.grantNextLocked()
	return nil
}

// Status returns a snapshot taken at a single instant.
func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	status := QueueStatus{
		RunningCount:   q.running,
		WaitingCount:   len(q.waiting),
		MaxConcurrency: q.config.MaxConcurrency,
	}
	if len(q.waiting) > 0 {
		status.OldestWaitingAgeMs = q.clock.Now().Sub(q.waiting[0].job.SubmittedAt).Milliseconds()
	}
	return status
}

// Get looks a job up among active and retained jobs.
func (q *Queue) Get(jobId string) (*Job, error) {
	q.mu.Lock()
	if job, ok := q.active[jobId]; ok {
		q.mu.Unlock()
		return job, nil
	}
	q.mu.Unlock()

	if retained, ok := q.retained.Get(jobId); ok {
		return retained.(*Job), nil
	}
	return nil, errors.WithStack(&scanerrors.ErrJobNotFound{JobId: jobId})
}

// Close tears the queue down. All waiters are rejected; running jobs finish
// and may still Release.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true

	for _, w := range q.waiting {
		w.job.State = JobRejected
		w.job.Error = &scanerrors.ErrQueueClosed{JobId: w.job.Id}
		q.finalizeLocked(w.job)
		close(w.ready)
	}
	q.waiting = nil
}

// grantNextLocked grants slots to the head of the line while capacity
// remains, skipping jobs whose deadline has already passed. Timeout
// pre-empts fairness: an expired head never blocks the job behind it.
func (q *Queue) grantNextLocked() {
	now := q.clock.Now()
	for len(q.waiting) > 0 && q.running < q.config.MaxConcurrency {
		w := q.waiting[0]
		q.waiting = q.waiting[1:]

		if !w.job.Deadline.After(now) {
			w.job.State = JobTimedOut
			w.job.Error = &scanerrors.ErrDeadlineExceeded{
				JobId:    w.job.Id,
				Deadline: w.job.Deadline,
				Phase:    "waiting",
			}
			q.finalizeLocked(w.job)
			close(w.ready)
			continue
		}

		w.job.State = JobRunning
		w.job.StartedAt = now
		q.running++
		close(w.ready)
	}
}

// removeWaiterLocked takes the job out of the waiting list, wherever it sits.
func (q *Queue) removeWaiterLocked(job *Job) *waiter {
	for i, w := range q.waiting {
		if w.job == job {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return w
		}
	}
	return nil
}

func (q *Queue) waiterFor(job *Job) *waiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range q.waiting {
		if w.job == job {
			return w
		}
	}
	return nil
}

// finalizeLocked moves a terminal job from the active set into retention.
func (q *Queue) finalizeLocked(job *Job) {
	delete(q.active, job.Id)
	q.finished[job.State]++
	q.retained.Set(job.Id, job, cache.DefaultExpiration)
}

// finishedCounts is read by the metrics collector.
func (q *Queue) finishedCounts() map[JobState]uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[JobState]uint64, len(q.finished))
	for state, count := range q.finished {
		out[state] = count
	}
	return out
}
