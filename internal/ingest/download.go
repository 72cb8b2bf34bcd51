package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultDownloadTimeout bounds an image fetch when no timeout is configured.
const DefaultDownloadTimeout = 60 * time.Second

// ErrDownloadStatus is returned when the image URL answers with a non-2xx status.
var ErrDownloadStatus = errors.New("ingest: unexpected download status")

// Downloader fetches a remote image.
type Downloader interface {
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPDownloader implements Downloader using standard HTTP.
type HTTPDownloader struct {
	client *http.Client
}

// NewHTTPDownloader creates a new HTTPDownloader with the given timeout.
func NewHTTPDownloader(timeout time.Duration) *HTTPDownloader {
	if timeout <= 0 {
		timeout = DefaultDownloadTimeout
	}
	return &HTTPDownloader{
		client: &http.Client{Timeout: timeout},
	}
}

// Download fetches the image at url. The caller closes the returned body.
func (d *HTTPDownloader) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ingest: create request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ingest: download image: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %d", ErrDownloadStatus, resp.StatusCode)
	}

	return resp.Body, nil
}

// Compile-time check that HTTPDownloader implements Downloader.
var _ Downloader = (*HTTPDownloader)(nil)
