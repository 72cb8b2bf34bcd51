// Package tracker submits execution graphs to the backend and waits for
// them to finish by polling the execution history.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maauso/hunyuan-i2v-worker/internal/comfy"
)

// Defaults used when the caller passes no value.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = 600 * time.Second
)

// Static errors for tracking.
var (
	// ErrTimeout is returned when the job does not complete within the budget.
	ErrTimeout = errors.New("tracker: execution timed out")
	// ErrExecutionFailed is returned when the backend reports an execution error.
	ErrExecutionFailed = errors.New("tracker: execution failed")
	// ErrPoll is returned when a history lookup fails at the transport level.
	ErrPoll = errors.New("tracker: poll history")
)

// Backend is the part of the ComfyUI control plane the tracker drives.
type Backend interface {
	Submit(ctx context.Context, graph json.RawMessage) (string, error)
	History(ctx context.Context, promptID string) (comfy.HistoryResult, error)
}

// BackendError carries the error the backend reported for an execution.
type BackendError struct {
	PromptID string
	Payload  json.RawMessage
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s", ErrExecutionFailed, comfy.Describe(e.Payload))
}

func (e *BackendError) Unwrap() error {
	return ErrExecutionFailed
}

// Tracker submits jobs and follows them to completion.
type Tracker struct {
	backend  Backend
	interval time.Duration
	logger   *slog.Logger

	// now and sleep are replaced in tests to drive a fake clock.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPollInterval sets the delay between history lookups.
func WithPollInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New creates a Tracker for backend.
func New(backend Backend, opts ...Option) *Tracker {
	t := &Tracker{
		backend:  backend,
		interval: DefaultPollInterval,
		logger:   slog.Default(),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Submit queues graph on the backend and returns its prompt ID.
func (t *Tracker) Submit(ctx context.Context, graph json.RawMessage) (string, error) {
	promptID, err := t.backend.Submit(ctx, graph)
	if err != nil {
		t.logger.ErrorContext(ctx, "submission rejected", slog.String("error", err.Error()))
		return "", err
	}

	t.logger.InfoContext(ctx, "job submitted", slog.String("prompt_id", promptID))
	return promptID, nil
}

// AwaitCompletion polls the history of promptID until the execution completes,
// the backend reports an error or timeout elapses. A non-positive timeout
// means DefaultTimeout. Giving up does not cancel the job on the backend.
func (t *Tracker) AwaitCompletion(ctx context.Context, promptID string, timeout time.Duration) (*comfy.HistoryRecord, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	logger := t.logger.With(slog.String("prompt_id", promptID))
	logger.InfoContext(ctx, "polling for completion",
		slog.Duration("timeout", timeout),
		slog.Duration("interval", t.interval),
	)

	start := t.now()
	polls := 0
	for t.now().Sub(start) < timeout {
		polls++
		res, err := t.backend.History(ctx, promptID)
		if err != nil {
			logger.ErrorContext(ctx, "history lookup failed",
				slog.Int("poll", polls),
				slog.String("error", err.Error()),
			)
			return nil, fmt.Errorf("%w: %w", ErrPoll, err)
		}

		if len(res.Error) > 0 {
			return nil, t.failed(ctx, logger, promptID, res.Error)
		}

		if rec := res.Record; rec != nil {
			if rec.Status.Failed() {
				return nil, t.failed(ctx, logger, promptID, rec.Status.ErrorPayload())
			}
			if rec.Status.Completed {
				logger.InfoContext(ctx, "job completed",
					slog.Int("polls", polls),
					slog.Duration("elapsed", t.now().Sub(start)),
				)
				return rec, nil
			}
		}

		if err := t.sleep(ctx, t.interval); err != nil {
			return nil, fmt.Errorf("tracker: wait for %s: %w", promptID, err)
		}
	}

	logger.WarnContext(ctx, "job timed out", slog.Int("polls", polls))
	return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
}

func (t *Tracker) failed(ctx context.Context, logger *slog.Logger, promptID string, payload json.RawMessage) error {
	err := &BackendError{PromptID: promptID, Payload: payload}
	logger.ErrorContext(ctx, "job failed", slog.String("error", comfy.Describe(payload)))
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
