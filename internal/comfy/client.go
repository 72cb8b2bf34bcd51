package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Static errors for ComfyUI client operations.
var (
	// ErrBaseURLRequired is returned when the backend URL is not provided.
	ErrBaseURLRequired = errors.New("comfy: base URL is required")
	// ErrPromptIDRequired is returned when a history lookup has no prompt ID.
	ErrPromptIDRequired = errors.New("comfy: prompt ID is required")
	// ErrNoPromptID is returned when the submit response contains no prompt ID.
	ErrNoPromptID = errors.New("comfy: submit failed: no prompt ID returned")
	// ErrBackendRejected is returned when the backend answers a submission with an error field.
	ErrBackendRejected = errors.New("comfy: backend rejected prompt")
	// ErrRequestFailed is returned when the request fails with a non-2xx status code.
	ErrRequestFailed = errors.New("comfy: request failed")
	// ErrArtifactNotFound is returned when the backend has no file for an output descriptor.
	ErrArtifactNotFound = errors.New("comfy: artifact not found")
)

// Client defines the interface for interacting with the ComfyUI HTTP API.
type Client interface {
	// SystemStats probes GET /system_stats and returns nil once the backend answers 200.
	SystemStats(ctx context.Context) error

	// Submit queues an execution graph and returns the prompt ID.
	Submit(ctx context.Context, graph json.RawMessage) (promptID string, err error)

	// History fetches the execution record for a prompt.
	History(ctx context.Context, promptID string) (HistoryResult, error)

	// View downloads the bytes of a produced file.
	View(ctx context.Context, file OutputFile) ([]byte, error)
}

// RejectionError carries the error payload the backend returned for a submission.
type RejectionError struct {
	StatusCode int
	Payload    json.RawMessage
	NodeErrors json.RawMessage
}

func (e *RejectionError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrBackendRejected, Describe(e.Payload))
	if hasValue(e.NodeErrors) && !bytes.Equal(bytes.TrimSpace(e.NodeErrors), []byte("{}")) {
		msg += ", node_errors: " + Describe(e.NodeErrors)
	}
	return msg
}

func (e *RejectionError) Unwrap() error {
	return ErrBackendRejected
}

// Describe renders a raw JSON payload for error messages.
// JSON strings are unquoted; everything else is printed as compact JSON.
func Describe(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err == nil {
		return buf.String()
	}
	return string(raw)
}

// HTTPClient is the HTTP implementation of the ComfyUI Client interface.
type HTTPClient struct {
	baseURL    string
	clientID   string
	httpClient *http.Client
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = c
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = &http.Client{Timeout: d}
	}
}

// WithClientID sets the client_id sent with every submission.
func WithClientID(id string) ClientOption {
	return func(hc *HTTPClient) {
		hc.clientID = id
	}
}

// NewClient creates a new ComfyUI HTTP client for the backend at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}

	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		clientID:   uuid.NewString(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// SystemStats probes the lightweight status endpoint.
func (c *HTTPClient) SystemStats(ctx context.Context) error {
	status, body, err := c.doRequest(ctx, http.MethodGet, "/system_stats", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w with status %d: %s", ErrRequestFailed, status, string(body))
	}
	return nil
}

// Submit sends an execution graph to POST /prompt and returns the prompt ID.
// The graph is forwarded verbatim.
func (c *HTTPClient) Submit(ctx context.Context, graph json.RawMessage) (string, error) {
	bodyBytes, err := json.Marshal(promptRequest{Prompt: graph, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("comfy: marshal request: %w", err)
	}

	status, body, err := c.doRequest(ctx, http.MethodPost, "/prompt", bodyBytes)
	if err != nil {
		return "", err
	}

	var resp promptResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		if !isSuccess(status) {
			return "", fmt.Errorf("%w with status %d: %s", ErrRequestFailed, status, string(body))
		}
		return "", fmt.Errorf("comfy: unmarshal response: %w", err)
	}

	if hasValue(resp.Error) {
		return "", &RejectionError{StatusCode: status, Payload: resp.Error, NodeErrors: resp.NodeErrors}
	}
	if !isSuccess(status) {
		return "", fmt.Errorf("%w with status %d: %s", ErrRequestFailed, status, string(body))
	}
	if resp.PromptID == "" {
		return "", ErrNoPromptID
	}

	return resp.PromptID, nil
}

// History fetches GET /history/{promptID}.
func (c *HTTPClient) History(ctx context.Context, promptID string) (HistoryResult, error) {
	if promptID == "" {
		return HistoryResult{}, ErrPromptIDRequired
	}

	status, body, err := c.doRequest(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return HistoryResult{}, err
	}
	if !isSuccess(status) {
		return HistoryResult{}, fmt.Errorf("%w with status %d: %s", ErrRequestFailed, status, string(body))
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		return HistoryResult{}, fmt.Errorf("comfy: unmarshal history: %w", err)
	}

	var result HistoryResult
	if raw, ok := entries["error"]; ok && hasValue(raw) {
		result.Error = raw
	}
	if raw, ok := entries[promptID]; ok {
		var record HistoryRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return HistoryResult{}, fmt.Errorf("comfy: unmarshal history record: %w", err)
		}
		result.Record = &record
	}

	return result, nil
}

// View downloads a produced file through GET /view.
// A 404 yields an error matching both ErrArtifactNotFound and fs.ErrNotExist.
func (c *HTTPClient) View(ctx context.Context, file OutputFile) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", file.Filename)
	q.Set("subfolder", file.Subfolder)
	q.Set("type", file.Type)

	status, body, err := c.doRequest(ctx, http.MethodGet, "/view?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s: %w", ErrArtifactNotFound, file.Filename, fs.ErrNotExist)
	}
	if !isSuccess(status) {
		return nil, fmt.Errorf("%w with status %d: %s", ErrRequestFailed, status, string(body))
	}
	return body, nil
}

// doRequest performs a single HTTP request and returns the status code and body.
func (c *HTTPClient) doRequest(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("comfy: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("comfy: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("comfy: read response: %w", err)
	}

	return resp.StatusCode, respBody, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
