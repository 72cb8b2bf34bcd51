// Package job provides the Job aggregate for generation requests served over
// HTTP. Jobs follow the RunPod job states and are executed one at a time by
// a single queue consumer.
package job

import (
	"errors"
	"sync"
	"time"

	"github.com/maauso/hunyuan-i2v-worker/internal/handler"
	"github.com/maauso/hunyuan-i2v-worker/internal/job/id"
)

// Status represents the current state of a Job.
// States are aligned with RunPod job states.
type Status string

const (
	// StatusInQueue indicates the job is waiting for the consumer.
	StatusInQueue Status = "IN_QUEUE"
	// StatusInProgress indicates the job is being executed.
	StatusInProgress Status = "IN_PROGRESS"
	// StatusCompleted indicates the job finished successfully.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the job encountered an error during execution.
	StatusFailed Status = "FAILED"
	// StatusCancelled indicates the job was dropped before it ran.
	StatusCancelled Status = "CANCELLED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
var validTransitions = map[Status][]Status{
	StatusInQueue:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Job is a generation request and its outcome.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string
	// Status is the current job state.
	Status Status
	// Input is the generation request.
	Input handler.Input
	// Output is set once the job completed.
	Output *handler.Output
	// Error contains the error message if the job failed.
	Error string
	// CreatedAt is when the job was created.
	CreatedAt time.Time
	// UpdatedAt is when the job was last updated.
	UpdatedAt time.Time
	// StartedAt is when processing started.
	StartedAt time.Time
	// CompletedAt is when processing finished.
	CompletedAt time.Time
}

// New creates a new Job with a generated ID and initial IN_QUEUE status.
func New(input handler.Input) *Job {
	return NewWithID(id.Generate(), input)
}

// NewWithID creates a new Job with the specified ID and initial IN_QUEUE status.
func NewWithID(jobID string, input handler.Input) *Job {
	now := time.Now()
	return &Job{
		ID:        jobID,
		Status:    StatusInQueue,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo attempts to change the job status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(status)
}

func (j *Job) transitionLocked(status Status) error {
	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = time.Now()

	switch status {
	case StatusInProgress:
		j.StartedAt = j.UpdatedAt
	case StatusCompleted, StatusFailed, StatusCancelled:
		j.CompletedAt = j.UpdatedAt
	}

	return nil
}

// Start transitions the job from IN_QUEUE to IN_PROGRESS.
func (j *Job) Start() error {
	return j.TransitionTo(StatusInProgress)
}

// Complete records the output and transitions the job to COMPLETED.
func (j *Job) Complete(out handler.Output) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusCompleted); err != nil {
		return err
	}
	j.Output = &out
	return nil
}

// Fail records the error message and transitions the job to FAILED.
func (j *Job) Fail(errMsg string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusFailed); err != nil {
		return err
	}
	j.Error = errMsg
	return nil
}

// Cancel transitions a queued job to CANCELLED.
func (j *Job) Cancel() error {
	return j.TransitionTo(StatusCancelled)
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status == StatusCompleted ||
		j.Status == StatusFailed ||
		j.Status == StatusCancelled
}

// DelayTime is how long the job waited in the queue.
func (j *Job) DelayTime() time.Duration {
	j.mu.RLock()
	defer j.mu.RUnlock()
	switch {
	case !j.StartedAt.IsZero():
		return j.StartedAt.Sub(j.CreatedAt)
	case !j.CompletedAt.IsZero():
		return j.CompletedAt.Sub(j.CreatedAt)
	default:
		return 0
	}
}

// ExecutionTime is how long the job ran; zero until it finished.
func (j *Job) ExecutionTime() time.Duration {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.StartedAt.IsZero() || j.CompletedAt.IsZero() {
		return 0
	}
	return j.CompletedAt.Sub(j.StartedAt)
}

// Clone creates a copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out *handler.Output
	if j.Output != nil {
		o := *j.Output
		o.Outputs = append(o.Outputs[:0:0], j.Output.Outputs...)
		out = &o
	}

	return &Job{
		ID:          j.ID,
		Status:      j.Status,
		Input:       j.Input,
		Output:      out,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}
