package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL, WithClientID("test-client"))
	require.NoError(t, err)
	return client
}

func TestNewClient_MissingBaseURL(t *testing.T) {
	_, err := NewClient("")
	assert.ErrorIs(t, err, ErrBaseURLRequired)
}

func TestNewClient_Defaults(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:8188/")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8188", client.baseURL)
	assert.NotEmpty(t, client.clientID)
	assert.Equal(t, 30*time.Second, client.httpClient.Timeout)

	client, err = NewClient("http://127.0.0.1:8188", WithTimeout(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, client.httpClient.Timeout)
}

func TestSystemStats(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/system_stats", r.URL.Path)
			_, _ = w.Write([]byte(`{"system":{}}`))
		})
		assert.NoError(t, client.SystemStats(context.Background()))
	})

	t.Run("not ready", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		assert.ErrorIs(t, client.SystemStats(context.Background()), ErrRequestFailed)
	})
}

func TestSubmit_Success(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/prompt", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.JSONEq(t, `{"1":{"class_type":"LoadImage","inputs":{"image":"input_image.png"}}}`, string(req["prompt"]))
		assert.JSONEq(t, `"test-client"`, string(req["client_id"]))

		_, _ = w.Write([]byte(`{"prompt_id":"abc-123","number":1,"node_errors":{}}`))
	})

	id, err := client.Submit(context.Background(), json.RawMessage(`{"1":{"class_type":"LoadImage","inputs":{"image":"input_image.png"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)
}

func TestSubmit_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"error field on 200", http.StatusOK, `{"error":"invalid prompt"}`},
		{"validation failure on 400", http.StatusBadRequest, `{"error":{"type":"prompt_outputs_failed_validation","message":"Prompt outputs failed validation"},"node_errors":{"80":{"errors":[]}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.Submit(context.Background(), json.RawMessage(`{}`))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrBackendRejected)

			var rejection *RejectionError
			require.True(t, errors.As(err, &rejection))
			assert.Equal(t, tt.status, rejection.StatusCode)
		})
	}
}

func TestSubmit_RejectionMessageIsVerbatim(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"invalid prompt: node 80 missing"}`))
	})

	_, err := client.Submit(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, "comfy: backend rejected prompt: invalid prompt: node 80 missing", err.Error())
}

func TestSubmit_NoPromptID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"number":3}`))
	})

	_, err := client.Submit(context.Background(), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNoPromptID)
}

func TestSubmit_ServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})

	_, err := client.Submit(context.Background(), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrRequestFailed)
}

func TestSubmit_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	client, err := NewClient(baseURL)
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "comfy: request failed")
}

func TestHistory(t *testing.T) {
	t.Run("missing prompt id", func(t *testing.T) {
		client, err := NewClient("http://127.0.0.1:1")
		require.NoError(t, err)
		_, err = client.History(context.Background(), "")
		assert.ErrorIs(t, err, ErrPromptIDRequired)
	})

	t.Run("not recorded yet", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/history/abc", r.URL.Path)
			_, _ = w.Write([]byte(`{}`))
		})
		res, err := client.History(context.Background(), "abc")
		require.NoError(t, err)
		assert.Nil(t, res.Record)
		assert.Nil(t, res.Error)
	})

	t.Run("completed with outputs", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"abc":{"status":{"completed":true,"status_str":"success"},"outputs":{"102":{"videos":[{"filename":"hunyuan_00001.mp4","subfolder":"video","type":"output"}]}}}}`))
		})
		res, err := client.History(context.Background(), "abc")
		require.NoError(t, err)
		require.NotNil(t, res.Record)
		assert.True(t, res.Record.Status.Completed)
		assert.False(t, res.Record.Status.Failed())
		require.Len(t, res.Record.Outputs["102"].Videos, 1)
		assert.Equal(t, OutputFile{Filename: "hunyuan_00001.mp4", Subfolder: "video", Type: "output"}, res.Record.Outputs["102"].Videos[0])
	})

	t.Run("execution error", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"abc":{"status":{"completed":false,"status_str":"error","messages":[["execution_error",{"exception_message":"OOM"}]]}}}`))
		})
		res, err := client.History(context.Background(), "abc")
		require.NoError(t, err)
		require.NotNil(t, res.Record)
		assert.True(t, res.Record.Status.Failed())
		assert.Contains(t, string(res.Record.Status.ErrorPayload()), "OOM")
	})

	t.Run("top level error field", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"error":"history unavailable"}`))
		})
		res, err := client.History(context.Background(), "abc")
		require.NoError(t, err)
		assert.Equal(t, "history unavailable", Describe(res.Error))
	})

	t.Run("non-2xx", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		_, err := client.History(context.Background(), "abc")
		assert.ErrorIs(t, err, ErrRequestFailed)
	})
}

func TestView(t *testing.T) {
	t.Run("returns bytes", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/view", r.URL.Path)
			assert.Equal(t, "clip.mp4", r.URL.Query().Get("filename"))
			assert.Equal(t, "video", r.URL.Query().Get("subfolder"))
			assert.Equal(t, "output", r.URL.Query().Get("type"))
			_, _ = w.Write([]byte("video-bytes"))
		})
		data, err := client.View(context.Background(), OutputFile{Filename: "clip.mp4", Subfolder: "video", Type: "output"})
		require.NoError(t, err)
		assert.Equal(t, []byte("video-bytes"), data)
	})

	t.Run("missing file", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		_, err := client.View(context.Background(), OutputFile{Filename: "gone.mp4", Type: "output"})
		assert.ErrorIs(t, err, ErrArtifactNotFound)
		assert.ErrorIs(t, err, fs.ErrNotExist)
	})
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "plain", Describe(json.RawMessage(`"plain"`)))
	assert.Equal(t, `{"a":1}`, Describe(json.RawMessage("{ \"a\": 1 }")))
	assert.Equal(t, "not json", Describe(json.RawMessage("not json")))
}
