// Package result turns the outputs of a finished execution into
// base64-embedded artifacts for the job response.
package result

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"path"
	"sort"
	"strings"

	"github.com/maauso/hunyuan-i2v-worker/internal/comfy"
)

// ErrNoArtifacts is returned when an execution produced nothing retrievable.
var ErrNoArtifacts = errors.New("result: no output artifacts produced")

// Kind classifies an artifact in the response.
type Kind string

// Artifact kinds.
const (
	KindVideo Kind = "video"
	KindImage Kind = "image"
)

// defaultFileType is the backend directory outputs land in when a
// descriptor does not name one.
const defaultFileType = "output"

// File is an output file reported by the backend.
type File struct {
	Kind      Kind
	Filename  string
	Subfolder string
	Type      string
}

// OutputFile returns the backend descriptor of f.
func (f File) OutputFile() comfy.OutputFile {
	return comfy.OutputFile{Filename: f.Filename, Subfolder: f.Subfolder, Type: f.Type}
}

// Artifact is a retrieved output as it appears in the job response.
type Artifact struct {
	Type     Kind   `json:"type"`
	Filename string `json:"filename"`
	Data     string `json:"data"`
	URL      string `json:"url,omitempty"`
}

// Collect lists the files of rec. Nodes are visited in ascending id order
// and, within a node, videos come before gifs before images.
func Collect(rec *comfy.HistoryRecord) []File {
	if rec == nil {
		return nil
	}

	ids := make([]string, 0, len(rec.Outputs))
	for id := range rec.Outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var files []File
	for _, id := range ids {
		out := rec.Outputs[id]
		files = appendFiles(files, KindVideo, out.Videos)
		files = appendFiles(files, KindVideo, out.Gifs)
		files = appendFiles(files, KindImage, out.Images)
	}
	return files
}

func appendFiles(files []File, kind Kind, descs []comfy.OutputFile) []File {
	for _, d := range descs {
		if d.Filename == "" {
			continue
		}
		fileType := d.Type
		if fileType == "" {
			fileType = defaultFileType
		}
		files = append(files, File{
			Kind:      kind,
			Filename:  d.Filename,
			Subfolder: d.Subfolder,
			Type:      fileType,
		})
	}
	return files
}

// Fetcher reads the bytes of an output file. A missing file must yield an
// error matching fs.ErrNotExist.
type Fetcher interface {
	Fetch(ctx context.Context, file comfy.OutputFile) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, file comfy.OutputFile) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, file comfy.OutputFile) ([]byte, error) {
	return f(ctx, file)
}

// Uploader stores an artifact remotely and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, data io.Reader) (string, error)
}

// Materializer fetches output files and encodes them for the response.
type Materializer struct {
	fetcher  Fetcher
	uploader Uploader
	logger   *slog.Logger
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithUploader also stores every artifact through u.
func WithUploader(u Uploader) Option {
	return func(m *Materializer) {
		m.uploader = u
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Materializer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates a Materializer reading files through fetcher.
func New(fetcher Fetcher, opts ...Option) *Materializer {
	m := &Materializer{
		fetcher: fetcher,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FromRecord collects and materializes the outputs of rec.
func (m *Materializer) FromRecord(ctx context.Context, promptID string, rec *comfy.HistoryRecord) ([]Artifact, error) {
	return m.Materialize(ctx, promptID, Collect(rec))
}

// Materialize fetches every file in order. Missing and empty files are
// skipped; any other fetch or upload failure aborts. It returns
// ErrNoArtifacts when nothing was retrieved.
func (m *Materializer) Materialize(ctx context.Context, promptID string, files []File) ([]Artifact, error) {
	logger := m.logger.With(slog.String("prompt_id", promptID))
	artifacts := make([]Artifact, 0, len(files))

	for _, f := range files {
		data, err := m.fetcher.Fetch(ctx, f.OutputFile())
		if errors.Is(err, fs.ErrNotExist) {
			logger.WarnContext(ctx, "output file missing, skipping",
				slog.String("filename", f.Filename),
				slog.String("subfolder", f.Subfolder),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("result: fetch %s: %w", f.Filename, err)
		}
		if len(data) == 0 {
			logger.WarnContext(ctx, "output file empty, skipping", slog.String("filename", f.Filename))
			continue
		}

		artifact := Artifact{
			Type:     f.Kind,
			Filename: f.Filename,
			Data:     base64.StdEncoding.EncodeToString(data),
		}

		if m.uploader != nil {
			key := path.Join(promptID, f.Filename)
			url, err := m.uploader.Upload(ctx, key, contentType(f.Filename), bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("result: upload %s: %w", f.Filename, err)
			}
			artifact.URL = url
		}

		logger.InfoContext(ctx, "artifact retrieved",
			slog.String("type", string(f.Kind)),
			slog.String("filename", f.Filename),
			slog.Int("bytes", len(data)),
		)
		artifacts = append(artifacts, artifact)
	}

	if len(artifacts) == 0 {
		return nil, ErrNoArtifacts
	}
	return artifacts, nil
}

// videoTypes covers extensions missing from the builtin mime table.
var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
}

func contentType(filename string) string {
	if ct, ok := videoTypes[strings.ToLower(path.Ext(filename))]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(path.Ext(filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
