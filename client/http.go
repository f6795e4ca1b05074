// Package client provides the outbound HTTP client for Kiro API calls, with
// separate retry policies for unary and streaming requests.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"kiro-gateway/auth"
	"kiro-gateway/config"

	log "github.com/sirupsen/logrus"
)

const (
	unaryTimeout     = 300 * time.Second
	streamingConnect = 30 * time.Second
)

// UpstreamError is returned when the unary retry budget is exhausted on
// retryable failures. Maps to HTTP 502.
type UpstreamError struct {
	Attempts int
	Last     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("Kiro API unavailable after %d attempts", e.Attempts)
}

func (e *UpstreamError) Unwrap() error { return e.Last }

// StreamFailedError is returned when the streaming retry budget is exhausted
// before any event was observed. Maps to HTTP 504.
type StreamFailedError struct {
	Kind string
	Last error
}

func (e *StreamFailedError) Error() string {
	return fmt.Sprintf("Streaming failed: %s", e.Kind)
}

func (e *StreamFailedError) Unwrap() error { return e.Last }

// Client wraps outbound calls to Kiro. Safe for concurrent use; the
// underlying transports are built lazily and rebuilt after Close.
type Client struct {
	cfg  *config.Config
	auth *auth.Manager

	mu        sync.Mutex
	unary     *http.Client
	streaming *http.Client
}

// New creates a client. No transport is constructed until the first request.
func New(cfg *config.Config, authManager *auth.Manager) *Client {
	return &Client{cfg: cfg, auth: authManager}
}

func (c *Client) unaryClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unary == nil {
		c.unary = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     30 * time.Second,
			},
			Timeout: unaryTimeout,
		}
	}
	return c.unary
}

func (c *Client) streamingClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streaming == nil {
		c.streaming = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: streamingConnect,
				}).DialContext,
				ResponseHeaderTimeout: time.Duration(c.cfg.StreamingReadTimeout * float64(time.Second)),
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   20,
				IdleConnTimeout:       30 * time.Second,
			},
		}
	}
	return c.streaming
}

// Close releases idle connections. Safe to call at any time; a subsequent
// request silently rebuilds the transports.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unary != nil {
		c.unary.CloseIdleConnections()
		c.unary = nil
	}
	if c.streaming != nil {
		c.streaming.CloseIdleConnections()
		c.streaming = nil
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string, payload interface{}) (*http.Request, error) {
	token, err := c.auth.GetAccessToken()
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("X-Kiro-Fingerprint", c.auth.Fingerprint())
	req.Header.Set("User-Agent", "KiroGateway/"+config.AppVersion)
	return req, nil
}

// Request issues a unary call. 403 consumes one retry and forces a token
// refresh with no sleep; 429 and 5xx consume one retry with exponential
// backoff; transport errors back off the same way; any other non-2xx status
// is returned unchanged.
func (c *Client) Request(ctx context.Context, method, url string, payload interface{}) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		req, err := c.newRequest(ctx, method, url, payload)
		if err != nil {
			return nil, err
		}

		resp, err := c.unaryClient().Do(req)
		if err != nil {
			lastErr = err
			log.Warnf("Kiro request error (attempt %d/%d): %v", attempt+1, c.cfg.MaxRetries, err)
			c.backoff(ctx, attempt)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusForbidden:
			lastErr = fmt.Errorf("upstream returned 403")
			resp.Body.Close()
			log.Info("Received 403, forcing token refresh")
			if _, refreshErr := c.auth.ForceRefresh(); refreshErr != nil {
				log.Errorf("Token refresh failed: %v", refreshErr)
			}
			// No sleep: retry immediately with the fresh token.
			continue

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("upstream returned %d", resp.StatusCode)
			resp.Body.Close()
			log.Warnf("Retryable status %d (attempt %d/%d)", resp.StatusCode, attempt+1, c.cfg.MaxRetries)
			c.backoff(ctx, attempt)
			continue

		default:
			return resp, nil
		}
	}

	return nil, &UpstreamError{Attempts: c.cfg.MaxRetries, Last: lastErr}
}

// PostStream issues a streaming call and returns the raw response; the caller
// owns body consumption and close. Timeouts before the first event retry
// without backoff; the retry budget is FirstTokenMaxRetries.
func (c *Client) PostStream(ctx context.Context, url string, payload interface{}) (*http.Response, error) {
	var lastErr error
	kind := "request error"

	for attempt := 0; attempt < c.cfg.FirstTokenMaxRetries; attempt++ {
		req, err := c.newRequest(ctx, http.MethodPost, url, payload)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.streamingClient().Do(req)
		if err != nil {
			lastErr = err
			kind = classifyStreamError(err)
			log.Warnf("Kiro streaming attempt %d/%d failed: %v", attempt+1, c.cfg.FirstTokenMaxRetries, err)
			continue
		}

		if resp.StatusCode == http.StatusForbidden {
			lastErr = fmt.Errorf("upstream returned 403")
			kind = "authorization error"
			resp.Body.Close()
			log.Info("Received 403 on stream, forcing token refresh")
			if _, refreshErr := c.auth.ForceRefresh(); refreshErr != nil {
				log.Errorf("Token refresh failed: %v", refreshErr)
			}
			continue
		}

		return resp, nil
	}

	return nil, &StreamFailedError{Kind: kind, Last: lastErr}
}

// Get issues a unary GET.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	return c.Request(ctx, http.MethodGet, url, nil)
}

// Post issues a unary POST with a JSON body.
func (c *Client) Post(ctx context.Context, url string, payload interface{}) (*http.Response, error) {
	return c.Request(ctx, http.MethodPost, url, payload)
}

func (c *Client) backoff(ctx context.Context, attempt int) {
	delay := time.Duration(c.cfg.BaseRetryDelay*float64(int(1)<<uint(attempt))*1000) * time.Millisecond
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

func classifyStreamError(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "connect timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "read timeout"
	}
	return "request error"
}

// ReadErrorBody drains and returns the response body for error reporting.
func ReadErrorBody(resp *http.Response) string {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Sprintf("failed to read body: %v", err)
	}
	return string(data)
}
