// Package comfy provides an HTTP client for the ComfyUI control plane:
// readiness probing, prompt submission, execution history and artifact download.
package comfy

import (
	"bytes"
	"encoding/json"
)

// OutputFile describes a file produced by a node, as reported in history outputs.
type OutputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder,omitempty"`
	Type      string `json:"type,omitempty"`
}

// NodeOutput holds the files produced by a single node.
// ComfyUI reports videos under different keys depending on the saving node.
type NodeOutput struct {
	Videos []OutputFile `json:"videos,omitempty"`
	Gifs   []OutputFile `json:"gifs,omitempty"`
	Images []OutputFile `json:"images,omitempty"`
}

// HistoryStatus is the status block of a history record.
type HistoryStatus struct {
	Completed bool            `json:"completed"`
	StatusStr string          `json:"status_str,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	Messages  json.RawMessage `json:"messages,omitempty"`
}

// Failed reports whether the backend marked the execution as errored.
func (s HistoryStatus) Failed() bool {
	return hasValue(s.Error) || s.StatusStr == "error"
}

// ErrorPayload returns the backend's error description for a failed execution.
// The explicit error field wins; otherwise the execution messages are returned.
func (s HistoryStatus) ErrorPayload() json.RawMessage {
	if hasValue(s.Error) {
		return s.Error
	}
	return s.Messages
}

// HistoryRecord is the execution record ComfyUI keeps for a prompt.
type HistoryRecord struct {
	Status  HistoryStatus         `json:"status"`
	Outputs map[string]NodeOutput `json:"outputs,omitempty"`
}

// HistoryResult is the outcome of a single history lookup.
type HistoryResult struct {
	// Record is nil while the backend has no entry for the prompt yet.
	Record *HistoryRecord
	// Error is set when the response itself carries an error field.
	Error json.RawMessage
}

// promptRequest is the body of POST /prompt.
type promptRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id,omitempty"`
}

// promptResponse is the body returned by POST /prompt.
type promptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// hasValue reports whether raw holds something other than nothing or JSON null.
func hasValue(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
