package handler

import (
	"context"
	"errors"
	"net"

	"github.com/maauso/hunyuan-i2v-worker/internal/comfy"
	"github.com/maauso/hunyuan-i2v-worker/internal/ingest"
	"github.com/maauso/hunyuan-i2v-worker/internal/result"
	"github.com/maauso/hunyuan-i2v-worker/internal/tracker"
)

// ErrorClass groups job failures by cause.
type ErrorClass string

// Error classes.
const (
	ClassValidation ErrorClass = "validation"
	ClassNetwork    ErrorClass = "network"
	ClassRejected   ErrorClass = "backend_rejected"
	ClassExecution  ErrorClass = "execution_failed"
	ClassTimeout    ErrorClass = "timeout"
	ClassEmpty      ErrorClass = "empty_result"
	ClassInternal   ErrorClass = "internal"
)

// Classify maps a job error to its class.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoImage), errors.Is(err, ErrAmbiguousImage), errors.Is(err, ErrInvalidInput),
		errors.Is(err, ingest.ErrDecode), errors.Is(err, ingest.ErrEmptyImage), errors.Is(err, ingest.ErrImageTooLarge),
		errors.Is(err, ingest.ErrNoSource), errors.Is(err, ingest.ErrAmbiguousSource):
		return ClassValidation
	case errors.Is(err, comfy.ErrBackendRejected):
		return ClassRejected
	case errors.Is(err, tracker.ErrExecutionFailed):
		return ClassExecution
	case errors.Is(err, tracker.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, result.ErrNoArtifacts):
		return ClassEmpty
	case errors.Is(err, ingest.ErrDownloadStatus), errors.Is(err, tracker.ErrPoll),
		errors.Is(err, comfy.ErrRequestFailed), errors.Is(err, comfy.ErrNoPromptID):
		return ClassNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassNetwork
	}
	return ClassInternal
}
