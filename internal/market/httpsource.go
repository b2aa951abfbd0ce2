package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=market_test -destination=mock_http_client_test.go -source=httpsource.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const maxPayloadBytes = 8 << 20

type HTTPSource struct {
	url        string
	httpClient HTTPClient
	timeout    time.Duration
	retries    int
	backoff    time.Duration
	header     http.Header

	decoded *DecodedSource
}

type HTTPSourceOption func(*HTTPSource)

func WithHTTPClient(c HTTPClient) HTTPSourceOption {
	return func(s *HTTPSource) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// WithTimeout bounds a whole Fetch, retries included.
func WithTimeout(d time.Duration) HTTPSourceOption {
	return func(s *HTTPSource) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithRetries(n int, backoff time.Duration) HTTPSourceOption {
	return func(s *HTTPSource) {
		if n >= 0 {
			s.retries = n
		}
		if backoff >= 0 {
			s.backoff = backoff
		}
	}
}

func WithHeader(header http.Header) HTTPSourceOption {
	return func(s *HTTPSource) {
		for key, values := range header {
			for _, value := range values {
				s.header.Add(key, value)
			}
		}
	}
}

func NewHTTPSource(url string, opts ...HTTPSourceOption) *HTTPSource {
	s := &HTTPSource{
		url:        url,
		httpClient: http.DefaultClient,
		timeout:    10 * time.Second,
		retries:    2,
		backoff:    150 * time.Millisecond,
		header:     http.Header{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.decoded = NewDecodedSource(s.Name(), s.payload)
	return s
}

func (s *HTTPSource) Name() string {
	return "http"
}

func (s *HTTPSource) Fetch(ctx context.Context) (*Snapshot, error) {
	return s.decoded.Fetch(ctx)
}

func (s *HTTPSource) payload(ctx context.Context) ([]byte, error) {
	if strings.TrimSpace(s.url) == "" {
		return nil, fmt.Errorf("feed url is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		body, err := s.get(ctx)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !shouldRetry(err) || attempt == s.retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("request feed: %w", ctx.Err())
		case <-time.After(s.backoff):
		}
	}
	return nil, lastErr
}

func (s *HTTPSource) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range s.header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("feed status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	return body, nil
}

func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "reset by peer") {
		return true
	}
	return false
}
