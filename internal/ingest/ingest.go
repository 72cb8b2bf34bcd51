// Package ingest stages the job's input image where the backend can load it.
package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Where staged images land, relative to the backend installation.
const (
	InputDir      = "input"
	InputFilename = "input_image.png"
)

// maxImageBytes caps decoded and downloaded images.
const maxImageBytes = 64 << 20

// Static errors for ingestion.
var (
	// ErrNoSource is returned when a Source carries nothing.
	ErrNoSource = errors.New("ingest: no image source provided")
	// ErrAmbiguousSource is returned when a Source carries more than one form.
	ErrAmbiguousSource = errors.New("ingest: more than one image source provided")
	// ErrDecode is returned when an encoded image is not valid base64.
	ErrDecode = errors.New("ingest: invalid base64 image")
	// ErrEmptyImage is returned when the image has no bytes.
	ErrEmptyImage = errors.New("ingest: image is empty")
	// ErrImageTooLarge is returned when the image exceeds the size cap.
	ErrImageTooLarge = errors.New("ingest: image too large")
)

// Source is an input image in one of three forms. Exactly one field is set.
type Source struct {
	Data    []byte
	Encoded string
	URL     string
}

// SourceFromString classifies a request string: http(s) URLs are fetched,
// anything else is base64 with an optional data URI header.
func SourceFromString(s string) Source {
	if IsURL(s) {
		return Source{URL: s}
	}
	return Source{Encoded: s}
}

// IsURL reports whether s is fetched rather than decoded.
func IsURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func (s Source) validate() error {
	n := 0
	if s.Data != nil {
		n++
	}
	if s.Encoded != "" {
		n++
	}
	if s.URL != "" {
		n++
	}
	switch n {
	case 0:
		return ErrNoSource
	case 1:
		return nil
	default:
		return ErrAmbiguousSource
	}
}

// Stager writes a named file below the backend installation.
type Stager interface {
	Save(ctx context.Context, dir, name string, data io.Reader) (string, error)
}

// Ingester resolves a Source to bytes and stages them for the backend.
type Ingester struct {
	stager     Stager
	downloader Downloader
	logger     *slog.Logger
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithDownloader sets the downloader used for URL sources.
func WithDownloader(d Downloader) Option {
	return func(i *Ingester) {
		i.downloader = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Ingester) {
		i.logger = logger
	}
}

// New creates an Ingester that stages files through stager.
func New(stager Stager, opts ...Option) *Ingester {
	i := &Ingester{
		stager:     stager,
		downloader: NewHTTPDownloader(0),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = slog.Default()
	}
	return i
}

// Stage materializes src as InputFilename in the backend's input directory
// and returns the filename the backend should load.
func (i *Ingester) Stage(ctx context.Context, src Source) (string, error) {
	data, err := i.resolve(ctx, src)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", ErrEmptyImage
	}
	if len(data) > maxImageBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrImageTooLarge, len(data))
	}

	path, err := i.stager.Save(ctx, InputDir, InputFilename, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("ingest: save image: %w", err)
	}

	i.logger.InfoContext(ctx, "input image staged",
		slog.String("path", path),
		slog.Int("bytes", len(data)),
	)
	return InputFilename, nil
}

func (i *Ingester) resolve(ctx context.Context, src Source) ([]byte, error) {
	if err := src.validate(); err != nil {
		return nil, err
	}

	switch {
	case src.Data != nil:
		return src.Data, nil
	case src.URL != "":
		i.logger.InfoContext(ctx, "downloading input image", slog.String("url", src.URL))
		return i.download(ctx, src.URL)
	default:
		return Decode(src.Encoded)
	}
}

func (i *Ingester) download(ctx context.Context, url string) ([]byte, error) {
	body, err := i.downloader.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(io.LimitReader(body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("ingest: read image body: %w", err)
	}
	return data, nil
}

// Decode decodes a base64 image, stripping any data URI header. Standard and
// URL-safe alphabets are accepted, with or without padding.
func Decode(encoded string) ([]byte, error) {
	s := strings.TrimSpace(encoded)
	if strings.HasPrefix(s, "data:") {
		_, payload, ok := strings.Cut(s, ",")
		if !ok {
			return nil, fmt.Errorf("%w: data URI without payload", ErrDecode)
		}
		s = payload
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t', ' ':
			return -1
		}
		return r
	}, s)
	s = strings.TrimRight(s, "=")

	enc := base64.RawStdEncoding
	if strings.ContainsAny(s, "-_") {
		enc = base64.RawURLEncoding
	}
	data, err := enc.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return data, nil
}
