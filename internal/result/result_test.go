package result

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/maauso/hunyuan-i2v-worker/internal/comfy"
	"github.com/maauso/hunyuan-i2v-worker/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mapFetcher serves files keyed by filename.
type mapFetcher struct {
	files map[string][]byte
	errs  map[string]error
	calls []comfy.OutputFile
}

func (f *mapFetcher) Fetch(_ context.Context, file comfy.OutputFile) ([]byte, error) {
	f.calls = append(f.calls, file)
	if err, ok := f.errs[file.Filename]; ok {
		return nil, err
	}
	data, ok := f.files[file.Filename]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", file.Filename, fs.ErrNotExist)
	}
	return data, nil
}

type mockUploader struct {
	mock.Mock
}

func (m *mockUploader) Upload(ctx context.Context, key, contentType string, data io.Reader) (string, error) {
	body, _ := io.ReadAll(data)
	args := m.Called(ctx, key, contentType, string(body))
	return args.String(0), args.Error(1)
}

func TestCollect(t *testing.T) {
	rec := &comfy.HistoryRecord{
		Status: comfy.HistoryStatus{Completed: true},
		Outputs: map[string]comfy.NodeOutput{
			"9": {Images: []comfy.OutputFile{{Filename: "preview.png", Type: "temp"}}},
			"102": {
				Images: []comfy.OutputFile{{Filename: "frame.png"}},
				Gifs:   []comfy.OutputFile{{Filename: "anim.webp", Subfolder: "video"}},
				Videos: []comfy.OutputFile{{Filename: "clip.mp4", Subfolder: "video", Type: "output"}},
			},
			"50": {},
		},
	}

	files := Collect(rec)
	assert.Equal(t, []File{
		{Kind: KindVideo, Filename: "clip.mp4", Subfolder: "video", Type: "output"},
		{Kind: KindVideo, Filename: "anim.webp", Subfolder: "video", Type: "output"},
		{Kind: KindImage, Filename: "frame.png", Type: "output"},
		{Kind: KindImage, Filename: "preview.png", Type: "temp"},
	}, files)
}

func TestCollect_Empty(t *testing.T) {
	assert.Empty(t, Collect(nil))
	assert.Empty(t, Collect(&comfy.HistoryRecord{Status: comfy.HistoryStatus{Completed: true}}))
	assert.Empty(t, Collect(&comfy.HistoryRecord{Outputs: map[string]comfy.NodeOutput{
		"1": {Videos: []comfy.OutputFile{{Subfolder: "x"}}},
	}}))
}

func TestMaterialize(t *testing.T) {
	fetcher := &mapFetcher{files: map[string][]byte{
		"clip.mp4":  []byte("mp4 bytes"),
		"frame.png": []byte("png bytes"),
	}}
	m := New(fetcher, WithLogger(quietLogger()))

	artifacts, err := m.Materialize(context.Background(), "p1", []File{
		{Kind: KindVideo, Filename: "clip.mp4", Subfolder: "video", Type: "output"},
		{Kind: KindImage, Filename: "frame.png", Type: "output"},
	})
	require.NoError(t, err)
	assert.Equal(t, []Artifact{
		{Type: KindVideo, Filename: "clip.mp4", Data: base64.StdEncoding.EncodeToString([]byte("mp4 bytes"))},
		{Type: KindImage, Filename: "frame.png", Data: base64.StdEncoding.EncodeToString([]byte("png bytes"))},
	}, artifacts)
	assert.Equal(t, comfy.OutputFile{Filename: "clip.mp4", Subfolder: "video", Type: "output"}, fetcher.calls[0])
}

func TestMaterialize_SkipsMissingAndEmpty(t *testing.T) {
	fetcher := &mapFetcher{files: map[string][]byte{
		"empty.mp4": {},
		"clip.mp4":  []byte("x"),
	}}
	m := New(fetcher, WithLogger(quietLogger()))

	artifacts, err := m.Materialize(context.Background(), "p1", []File{
		{Kind: KindVideo, Filename: "gone.mp4", Type: "output"},
		{Kind: KindVideo, Filename: "empty.mp4", Type: "output"},
		{Kind: KindVideo, Filename: "clip.mp4", Type: "output"},
	})
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "clip.mp4", artifacts[0].Filename)
}

func TestMaterialize_BackendNotFoundIsSkipped(t *testing.T) {
	fetcher := &mapFetcher{
		files: map[string][]byte{"clip.mp4": []byte("x")},
		errs:  map[string]error{"gone.mp4": fmt.Errorf("%w: gone.mp4: %w", comfy.ErrArtifactNotFound, fs.ErrNotExist)},
	}
	m := New(fetcher, WithLogger(quietLogger()))

	artifacts, err := m.Materialize(context.Background(), "p1", []File{
		{Kind: KindVideo, Filename: "gone.mp4", Type: "output"},
		{Kind: KindVideo, Filename: "clip.mp4", Type: "output"},
	})
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)
}

func TestMaterialize_NoArtifacts(t *testing.T) {
	m := New(&mapFetcher{}, WithLogger(quietLogger()))

	_, err := m.Materialize(context.Background(), "p1", nil)
	assert.ErrorIs(t, err, ErrNoArtifacts)

	_, err = m.Materialize(context.Background(), "p1", []File{{Kind: KindVideo, Filename: "gone.mp4", Type: "output"}})
	assert.ErrorIs(t, err, ErrNoArtifacts)
}

func TestMaterialize_FetchErrorFails(t *testing.T) {
	boom := errors.New("permission denied")
	fetcher := &mapFetcher{errs: map[string]error{"clip.mp4": boom}}
	m := New(fetcher, WithLogger(quietLogger()))

	_, err := m.Materialize(context.Background(), "p1", []File{{Kind: KindVideo, Filename: "clip.mp4", Type: "output"}})
	assert.ErrorIs(t, err, boom)
}

func TestMaterialize_Upload(t *testing.T) {
	ctx := context.Background()
	fetcher := &mapFetcher{files: map[string][]byte{"clip.mp4": []byte("mp4 bytes")}}
	uploader := &mockUploader{}
	uploader.On("Upload", ctx, "p1/clip.mp4", "video/mp4", "mp4 bytes").
		Return("https://bucket.s3.us-east-1.amazonaws.com/p1/clip.mp4", nil).Once()

	m := New(fetcher, WithUploader(uploader), WithLogger(quietLogger()))

	artifacts, err := m.Materialize(ctx, "p1", []File{{Kind: KindVideo, Filename: "clip.mp4", Type: "output"}})
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "https://bucket.s3.us-east-1.amazonaws.com/p1/clip.mp4", artifacts[0].URL)
	uploader.AssertExpectations(t)
}

func TestMaterialize_UploadError(t *testing.T) {
	ctx := context.Background()
	fetcher := &mapFetcher{files: map[string][]byte{"clip.mp4": []byte("x")}}
	uploader := &mockUploader{}
	uploader.On("Upload", ctx, mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("access denied"))

	m := New(fetcher, WithUploader(uploader), WithLogger(quietLogger()))

	_, err := m.Materialize(ctx, "p1", []File{{Kind: KindVideo, Filename: "clip.mp4", Type: "output"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestFromRecord_Filesystem(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "output", "video"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "output", "video", "hunyuan_00001.mp4"), []byte("video"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "output", "thumb.png"), []byte("image"), 0600))

	store, err := storage.NewLocalStorage(root)
	require.NoError(t, err)
	fetcher := FetcherFunc(func(ctx context.Context, f comfy.OutputFile) ([]byte, error) {
		return store.ReadOutput(ctx, f.Type, f.Subfolder, f.Filename)
	})
	m := New(fetcher, WithLogger(quietLogger()))

	rec := &comfy.HistoryRecord{
		Status: comfy.HistoryStatus{Completed: true},
		Outputs: map[string]comfy.NodeOutput{
			"102": {Videos: []comfy.OutputFile{{Filename: "hunyuan_00001.mp4", Subfolder: "video"}}},
			"103": {Images: []comfy.OutputFile{
				{Filename: "thumb.png"},
				{Filename: "missing.png"},
			}},
		},
	}

	artifacts, err := m.FromRecord(context.Background(), "p1", rec)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	assert.Equal(t, KindVideo, artifacts[0].Type)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("video")), artifacts[0].Data)
	assert.Equal(t, KindImage, artifacts[1].Type)
	assert.Equal(t, "thumb.png", artifacts[1].Filename)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "video/mp4", contentType("a.mp4"))
	assert.Equal(t, "image/png", contentType("a.png"))
	assert.Equal(t, "application/octet-stream", contentType("noext"))
}
