// Package handler runs a single image-to-video job end to end: it stages the
// input image, builds or accepts the execution graph, submits it, waits for
// completion and returns the produced media.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/maauso/hunyuan-i2v-worker/internal/comfy"
	"github.com/maauso/hunyuan-i2v-worker/internal/ingest"
	"github.com/maauso/hunyuan-i2v-worker/internal/result"
	"github.com/maauso/hunyuan-i2v-worker/internal/tracker"
	"github.com/maauso/hunyuan-i2v-worker/internal/workflow"
)

// StatusSuccess is the status of a successful Output.
const StatusSuccess = "success"

// ErrPanic is returned when a job step panics.
var ErrPanic = errors.New("internal error")

// Stager stages the input image for the backend.
type Stager interface {
	Stage(ctx context.Context, src ingest.Source) (string, error)
}

// Tracker submits a graph and waits for it to finish.
type Tracker interface {
	Submit(ctx context.Context, graph json.RawMessage) (string, error)
	AwaitCompletion(ctx context.Context, promptID string, timeout time.Duration) (*comfy.HistoryRecord, error)
}

// Materializer turns a finished execution into response artifacts.
type Materializer interface {
	FromRecord(ctx context.Context, promptID string, rec *comfy.HistoryRecord) ([]result.Artifact, error)
}

// Output is the job response: either a success with artifacts or an error message.
type Output struct {
	Status   string            `json:"status,omitempty"`
	PromptID string            `json:"prompt_id,omitempty"`
	Outputs  []result.Artifact `json:"outputs,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Handler executes generation jobs.
type Handler struct {
	stager       Stager
	tracker      Tracker
	materializer Materializer
	validator    *validator.Validate
	timeout      time.Duration
	logger       *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithCompletionTimeout sets how long a job may run on the backend.
func WithCompletionTimeout(d time.Duration) Option {
	return func(h *Handler) {
		h.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New creates a Handler.
func New(stager Stager, tr Tracker, materializer Materializer, opts ...Option) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(jsonFieldName)

	h := &Handler{
		stager:       stager,
		tracker:      tr,
		materializer: materializer,
		validator:    v,
		timeout:      tracker.DefaultTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle runs the job and reports any failure as Output.Error.
func (h *Handler) Handle(ctx context.Context, in Input) Output {
	out, err := h.Run(ctx, in)
	if err != nil {
		return Output{Error: err.Error()}
	}
	return out
}

// Run executes the job. Errors are wrapped with the step that failed.
func (h *Handler) Run(ctx context.Context, in Input) (out Output, err error) {
	start := time.Now()
	logger := h.logger

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			logger.ErrorContext(ctx, "job panicked", slog.Any("panic", r))
		}
	}()

	if err := in.validate(h.validator); err != nil {
		logger.WarnContext(ctx, "invalid input", slog.String("error", err.Error()))
		return Output{}, err
	}

	filename, err := h.stager.Stage(ctx, in.source())
	if err != nil {
		return Output{}, h.fail(ctx, logger, "stage image", err)
	}

	resolved, err := workflow.Resolve(in.Workflow, in.params(filename))
	if err != nil {
		return Output{}, h.fail(ctx, logger, "build workflow", err)
	}
	if resolved.Override {
		logger.InfoContext(ctx, "using caller supplied workflow")
	} else {
		logger.InfoContext(ctx, "built default workflow", slog.Int64("seed", resolved.Seed))
	}

	promptID, err := h.tracker.Submit(ctx, resolved.Graph)
	if err != nil {
		return Output{}, h.fail(ctx, logger, "queue workflow", err)
	}
	logger = logger.With(slog.String("prompt_id", promptID))

	rec, err := h.tracker.AwaitCompletion(ctx, promptID, h.timeout)
	if err != nil {
		return Output{}, h.fail(ctx, logger, "wait for completion", err)
	}

	artifacts, err := h.materializer.FromRecord(ctx, promptID, rec)
	if err != nil {
		return Output{}, h.fail(ctx, logger, "collect outputs", err)
	}

	logger.InfoContext(ctx, "job finished",
		slog.Int("artifacts", len(artifacts)),
		slog.Duration("duration", time.Since(start)),
	)

	return Output{
		Status:   StatusSuccess,
		PromptID: promptID,
		Outputs:  artifacts,
	}, nil
}

func (h *Handler) fail(ctx context.Context, logger *slog.Logger, step string, err error) error {
	logger.ErrorContext(ctx, "job step failed",
		slog.String("step", step),
		slog.String("class", string(Classify(err))),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("%s: %w", step, err)
}

// jsonFieldName reports validation failures under the request's JSON names.
func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}
