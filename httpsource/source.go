// Package httpsource implements comt.RangeFetcher over HTTP range requests,
// letting an ArchiveReader address a COMTiles archive published as a plain
// static file behind any HTTP server that honors Range headers.
package httpsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Source fetches byte ranges from a COMTiles archive over HTTP.
type Source struct {
	url     string
	client  *http.Client
	headers http.Header
}

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client used for requests.
func WithClient(client *http.Client) Option {
	return func(s *Source) { s.client = client }
}

// WithHeader sets a header sent with every range request, useful for
// authorization tokens against private archives.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		if s.headers == nil {
			s.headers = make(http.Header)
		}
		s.headers.Set(key, value)
	}
}

// New creates a Source that reads the archive at url.
func New(url string, opts ...Option) *Source {
	s := &Source{url: url, client: http.DefaultClient}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = http.DefaultClient
	}
	return s
}

// FetchRange implements comt.RangeFetcher: it issues a GET with a Range
// header for the inclusive byte range [start, end].
func (s *Source) FetchRange(ctx context.Context, start, end uint64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return io.ReadAll(resp.Body)
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, fmt.Errorf("httpsource: range %d-%d: %w", start, end, ErrRangeNotSatisfiable)
	case http.StatusOK:
		return nil, fmt.Errorf("httpsource: range %d-%d: %w", start, end, ErrRangeNotSupported)
	default:
		return nil, fmt.Errorf("httpsource: range request failed: %s", resp.Status)
	}
}

// ErrRangeNotSatisfiable is returned when the server rejects a byte range as
// outside the resource's length.
var ErrRangeNotSatisfiable = errors.New("httpsource: range not satisfiable")

// ErrRangeNotSupported is returned when the server answers a ranged GET with
// a full 200 response instead of honoring the Range header.
var ErrRangeNotSupported = errors.New("httpsource: range requests not supported")
