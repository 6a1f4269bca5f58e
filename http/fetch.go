package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"optrack.evalgo.org/common"
	"optrack.evalgo.org/refresh"
)

// DefaultUserAgent is sent with every backend request
const DefaultUserAgent = "optrack/1.0"

// maxBodySize caps a single backend response
const maxBodySize = 64 << 20

// Fetcher performs backend GET requests and returns their JSON bodies.
// A failed request is returned as an error; retrying is left to the caller.
type Fetcher struct {
	client    *http.Client
	userAgent string
	logger    *logrus.Entry
}

// NewFetcher creates a fetcher. timeout bounds each request (0 = none);
// the request context still applies.
func NewFetcher(timeout time.Duration, logger *logrus.Entry) *Fetcher {
	if logger == nil {
		logger = logrus.NewEntry(common.Logger)
	}
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: DefaultUserAgent,
		logger:    logger.WithField("component", "fetcher"),
	}
}

// Get fetches url and returns the body of a 2xx response
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, fmt.Errorf("URL is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain")
	req.Header.Set("User-Agent", f.userAgent)

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	f.logger.WithFields(logrus.Fields{
		"url":     url,
		"size":    humanize.Bytes(uint64(len(body))),
		"elapsed": time.Since(start),
	}).Debug("Fetched backend data")

	return body, nil
}

// GetJSON fetches url and returns the body, which must be valid JSON
func (f *Fetcher) GetJSON(ctx context.Context, url string) (json.RawMessage, error) {
	body, err := f.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("response from %s is not valid JSON", url)
	}
	return json.RawMessage(body), nil
}

// FetchFunc binds url into a refresh fetch function
func (f *Fetcher) FetchFunc(url string) refresh.FetchFunc[json.RawMessage] {
	return func(ctx context.Context) (json.RawMessage, error) {
		return f.GetJSON(ctx, url)
	}
}
