package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
)

// Package jobqueue is the execution layer for units of work.
// Business logic returns a structured Outcome; this wrapper (never the unit
// itself) decides whether to re-enqueue, carrying the attempt counter in the
// message. Delivery is at-least-once, so units must tolerate duplicates.

// Status is the terminal (or retryable) state of one unit of work
type Status string

const (
	StatusSuccess            Status = "success"
	StatusNotFound           Status = "not_found"            // Referenced entity missing. Never retried.
	StatusFailed             Status = "failed"               // Retryable failure. Never terminal: exhaustion converts it.
	StatusFailedAfterRetries Status = "failed_after_retries" // Bounded retries exhausted.
	StatusError              Status = "error"                // Unexpected error, caught at the unit boundary.
)

// IsTerminal reports whether no further retries will occur for this status
func (s Status) IsTerminal() bool {
	return s != StatusFailed
}

// Outcome is what a unit handler returns to the execution wrapper
type Outcome struct {
	Status     Status
	Detail     string
	Retry      bool          // Ask the wrapper to re-enqueue, if attempts remain
	RetryDelay time.Duration // Delay hint for the re-enqueue
}

// Job is the wire envelope for one unit of work
type Job struct {
	ID            string          `json:"id"`
	Attempt       int             `json:"attempt"`
	ResultSubject string          `json:"resultSubject,omitempty"` // Where the terminal Result goes, if anyone is collecting
	Payload       json.RawMessage `json:"payload"`
}

// Result is the terminal outcome of one unit, as published to a result subject
type Result struct {
	JobID   string          `json:"jobID"`
	Attempt int             `json:"attempt"`
	Status  Status          `json:"status"`
	Detail  string          `json:"detail,omitempty"`
	Payload json.RawMessage `json:"payload"` // The original job payload, so collectors can identify the unit
}

// Handler processes one unit of work.
// It must never panic on purpose; panics are caught and reported as StatusError.
type Handler func(ctx context.Context, job *Job) Outcome

// WorkerOptions bound the retry policy and the time limits of one queue
type WorkerOptions struct {
	MaxRetries  int           // Re-enqueues after the first attempt (2 means 3 attempts total)
	RetryDelay  time.Duration // Default delay between attempts; Outcome.RetryDelay overrides
	HardTimeout time.Duration // Context deadline for one attempt
}

// Queue binds a transport to the execution wrapper
type Queue struct {
	Log       logs.Log
	transport Transport
}

func New(logger logs.Log, transport Transport) *Queue {
	return &Queue{
		Log:       logger,
		transport: transport,
	}
}

func (q *Queue) Close() {
	q.transport.Close()
}

// Submit enqueues one unit of work on subject.
// resultSubject may be empty when nobody joins on the outcome.
func (q *Queue) Submit(subject string, payload any, resultSubject string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	job := Job{
		ID:            uuid.NewString(),
		Attempt:       0,
		ResultSubject: resultSubject,
		Payload:       raw,
	}
	data, err := json.Marshal(&job)
	if err != nil {
		return err
	}
	return q.transport.Publish(subject, data)
}

// PublishResult publishes a terminal Result directly onto a result subject.
// Schedulers use this to account for units that could not even be enqueued,
// so a collector's expected count still adds up.
func (q *Queue) PublishResult(resultSubject string, result Result) error {
	data, err := json.Marshal(&result)
	if err != nil {
		return err
	}
	return q.transport.Publish(resultSubject, data)
}

// Worker registers a queue-group consumer on subject. Every member of group
// shares the work; one delivery goes to one member.
func (q *Queue) Worker(subject, group string, opts WorkerOptions, handler Handler) (Subscription, error) {
	return q.transport.QueueSubscribe(subject, group, func(data []byte) {
		q.runJob(subject, opts, handler, data)
	})
}

func (q *Queue) runJob(subject string, opts WorkerOptions, handler Handler, data []byte) {
	job := Job{}
	if err := json.Unmarshal(data, &job); err != nil {
		q.Log.Errorf("Dropping undecodable job on %v: %v", subject, err)
		return
	}

	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if opts.HardTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.HardTimeout)
	}
	outcome := q.invoke(ctx, handler, &job)
	cancel()

	if outcome.Retry {
		if job.Attempt < opts.MaxRetries {
			delay := outcome.RetryDelay
			if delay == 0 {
				delay = opts.RetryDelay
			}
			q.requeue(subject, job, delay)
			return
		}
		outcome.Status = StatusFailedAfterRetries
	}

	if job.ResultSubject != "" {
		result := Result{
			JobID:   job.ID,
			Attempt: job.Attempt,
			Status:  outcome.Status,
			Detail:  outcome.Detail,
			Payload: job.Payload,
		}
		resultData, err := json.Marshal(&result)
		if err != nil {
			q.Log.Errorf("Failed to marshal result for job %v: %v", job.ID, err)
			return
		}
		if err := q.transport.Publish(job.ResultSubject, resultData); err != nil {
			q.Log.Errorf("Failed to publish result for job %v: %v", job.ID, err)
		}
	}
}

// invoke runs the handler with a panic barrier. No raw failure ever crosses
// the unit-of-work boundary.
func (q *Queue) invoke(ctx context.Context, handler Handler, job *Job) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			q.Log.Errorf("Job %v panicked: %v\n%v", job.ID, r, string(debug.Stack()))
			outcome = Outcome{
				Status: StatusError,
				Detail: fmt.Sprintf("panic: %v", r),
			}
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) requeue(subject string, job Job, delay time.Duration) {
	job.Attempt++
	data, err := json.Marshal(&job)
	if err != nil {
		q.Log.Errorf("Failed to marshal retry of job %v: %v", job.ID, err)
		return
	}
	publish := func() {
		if err := q.transport.Publish(subject, data); err != nil {
			q.Log.Errorf("Failed to re-enqueue job %v: %v", job.ID, err)
		}
	}
	if delay <= 0 {
		publish()
	} else {
		time.AfterFunc(delay, publish)
	}
}
