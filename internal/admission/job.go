package admission

import (
	"time"

	"github.com/scanalign/scanalign/internal/pipeline"
)

type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobTimedOut  JobState = "timed_out"
	JobRejected  JobState = "rejected"
)

// Terminal reports whether a job in this state can no longer change.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobTimedOut, JobRejected:
		return true
	}
	return false
}

// Job is one unit of submitted work. Everything mutable is guarded by the
// queue's mutex; once the state is terminal the job is immutable and lives in
// the retention store until its window expires.
type Job struct {
	Id          string
	SubmittedAt time.Time
	// Deadline after which the job must not start and a running job's
	// execution context expires.
	Deadline time.Time
	// Payload is opaque to the queue; only the pipeline inspects it.
	Payload *pipeline.Request

	// seq orders jobs submitted at the same instant.
	seq uint64

	State     JobState
	StartedAt time.Time
	// Result and Error are populated on terminal states.
	Result *pipeline.Result
	Error  error
}
