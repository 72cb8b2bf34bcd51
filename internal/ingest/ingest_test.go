package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/maauso/hunyuan-i2v-worker/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0xfb, 0xff, 0x00, 0x10}

func newTestIngester(t *testing.T, opts ...Option) (*Ingester, string) {
	t.Helper()
	root := t.TempDir()
	store, err := storage.NewLocalStorage(root)
	require.NoError(t, err)
	return New(store, opts...), root
}

func TestDecode_Variants(t *testing.T) {
	std := base64.StdEncoding.EncodeToString(pngBytes)

	inputs := map[string]string{
		"standard":          std,
		"data uri":          "data:image/png;base64," + std,
		"url safe":          base64.URLEncoding.EncodeToString(pngBytes),
		"unpadded":          base64.RawStdEncoding.EncodeToString(pngBytes),
		"url safe raw":      base64.RawURLEncoding.EncodeToString(pngBytes),
		"wrapped lines":     std[:8] + "\n" + std[8:],
		"surrounding space": "  " + std + "\n",
	}

	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			got, err := Decode(in)
			require.NoError(t, err)
			assert.Equal(t, pngBytes, got)
		})
	}
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode("not*base64!")
	assert.ErrorIs(t, err, ErrDecode)

	_, err = Decode("data:image/png;base64")
	assert.ErrorIs(t, err, ErrDecode)
}

func TestSourceFromString(t *testing.T) {
	assert.Equal(t, Source{URL: "https://example.com/a.png"}, SourceFromString("https://example.com/a.png"))
	assert.Equal(t, Source{URL: "http://example.com/a.png"}, SourceFromString("http://example.com/a.png"))
	assert.Equal(t, Source{Encoded: "aGVsbG8="}, SourceFromString("aGVsbG8="))
	assert.Equal(t, Source{Encoded: "ftp://x"}, SourceFromString("ftp://x"))
}

func TestStage_Encoded(t *testing.T) {
	ing, root := newTestIngester(t)

	name, err := ing.Stage(context.Background(), Source{Encoded: "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes)})
	require.NoError(t, err)
	assert.Equal(t, InputFilename, name)

	data, err := os.ReadFile(filepath.Join(root, InputDir, InputFilename))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
}

func TestStage_Data(t *testing.T) {
	ing, root := newTestIngester(t)

	_, err := ing.Stage(context.Background(), Source{Data: pngBytes})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, InputDir, InputFilename))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
}

func TestStage_URL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cat.png", r.URL.Path)
		_, _ = w.Write(pngBytes)
	}))
	defer server.Close()

	ing, root := newTestIngester(t)

	name, err := ing.Stage(context.Background(), SourceFromString(server.URL+"/cat.png"))
	require.NoError(t, err)
	assert.Equal(t, InputFilename, name)

	data, err := os.ReadFile(filepath.Join(root, InputDir, InputFilename))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
}

func TestStage_URLAndBase64AreEquivalent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngBytes)
	}))
	defer server.Close()

	ing, root := newTestIngester(t)
	ctx := context.Background()

	fromURL, err := ing.Stage(ctx, Source{URL: server.URL})
	require.NoError(t, err)
	urlBytes, err := os.ReadFile(filepath.Join(root, InputDir, fromURL))
	require.NoError(t, err)

	fromB64, err := ing.Stage(ctx, Source{Encoded: base64.StdEncoding.EncodeToString(pngBytes)})
	require.NoError(t, err)
	b64Bytes, err := os.ReadFile(filepath.Join(root, InputDir, fromB64))
	require.NoError(t, err)

	assert.Equal(t, fromURL, fromB64)
	assert.Equal(t, urlBytes, b64Bytes)
}

func TestStage_DownloadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	ing, root := newTestIngester(t)

	_, err := ing.Stage(context.Background(), Source{URL: server.URL})
	assert.ErrorIs(t, err, ErrDownloadStatus)

	_, statErr := os.Stat(filepath.Join(root, InputDir, InputFilename))
	assert.True(t, os.IsNotExist(statErr), "nothing should be staged")
}

func TestStage_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  Source
		want error
	}{
		{"no source", Source{}, ErrNoSource},
		{"two sources", Source{Encoded: "aGk=", URL: "https://x"}, ErrAmbiguousSource},
		{"bad base64", Source{Encoded: "%%%"}, ErrDecode},
		{"empty data", Source{Data: []byte{}}, ErrEmptyImage},
		{"too large", Source{Data: make([]byte, maxImageBytes+1)}, ErrImageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing, _ := newTestIngester(t)
			_, err := ing.Stage(context.Background(), tt.src)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

type fakeDownloader struct {
	body []byte
	err  error
	urls []string
}

func (f *fakeDownloader) Download(_ context.Context, url string) (io.ReadCloser, error) {
	f.urls = append(f.urls, url)
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(bytes.NewReader(f.body)), nil
}

func TestStage_CustomDownloader(t *testing.T) {
	dl := &fakeDownloader{body: pngBytes}
	ing, _ := newTestIngester(t, WithDownloader(dl), WithLogger(nil))

	_, err := ing.Stage(context.Background(), Source{URL: "https://images.example/a.png"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://images.example/a.png"}, dl.urls)

	dl.err = errors.New("dns failure")
	_, err = ing.Stage(context.Background(), Source{URL: "https://images.example/a.png"})
	assert.ErrorContains(t, err, "dns failure")
}

func TestNewHTTPDownloader_DefaultTimeout(t *testing.T) {
	d := NewHTTPDownloader(0)
	assert.Equal(t, DefaultDownloadTimeout, d.client.Timeout)
}
