// Package server provides the HTTP surface of the worker: a RunPod-style
// local job API in front of the job queue, plus a health endpoint.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"github.com/maauso/hunyuan-i2v-worker/internal/handler"
)

// RunRequest is the HTTP request body for /run and /runsync.
type RunRequest struct {
	// Input is the generation request.
	Input *handler.Input `json:"input"`
}

// JobResponse is the HTTP response describing a job.
type JobResponse struct {
	// ID is the unique identifier for the job.
	ID string `json:"id"`
	// Status is the current job status.
	Status string `json:"status"`
	// Output is the job result once it completed.
	Output *handler.Output `json:"output,omitempty"`
	// Error contains the error message if the job failed.
	Error string `json:"error,omitempty"`
	// DelayTime is the time spent in the queue, in milliseconds.
	DelayTime int64 `json:"delayTime,omitempty"`
	// ExecutionTime is the time spent running, in milliseconds.
	ExecutionTime int64 `json:"executionTime,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is "ok" when the backend is ready, "unavailable" otherwise.
	Status string `json:"status"`
	// Backend is the supervisor state of the backend process.
	Backend string `json:"backend"`
}
