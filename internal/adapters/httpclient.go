// Package adapters implements L3: the external collaborators the
// provisioning orchestrator drives — hosting control panels, DNS, ACME
// certificates, mail, the database engine, and outbound notification.
// Every adapter shares one HTTP transport (retry-with-backoff, typed error
// classification) wrapped in its own circuit breaker, adapted from the
// corpus's production HTTP client for an external scheduling API.
package adapters

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/big"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// AdapterErrorKind classifies a failure from an external collaborator so the
// orchestrator can decide whether to retry the step, dead-letter the task,
// or treat the step as already done.
type AdapterErrorKind string

const (
	// Retryable means the failure is likely transient; the orchestrator
	// fails the job and lets the queue's backoff retry it.
	Retryable AdapterErrorKind = "retryable"
	// Fatal means retrying will not help; the orchestrator dead-letters the
	// task and runs compensation.
	Fatal AdapterErrorKind = "fatal"
	// AlreadyExists means the remote resource is already in the desired
	// state; the orchestrator treats the step as succeeded.
	AlreadyExists AdapterErrorKind = "already_exists"
)

// AdapterError is the error type every adapter call returns on failure.
type AdapterError struct {
	Kind       AdapterErrorKind
	StatusCode int
	Message    string
	ErrorCode  string
}

func (e *AdapterError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("adapter error [%s]: %s (status: %d, kind: %s)", e.ErrorCode, e.Message, e.StatusCode, e.Kind)
	}
	return fmt.Sprintf("adapter error: %s (status: %d, kind: %s)", e.Message, e.StatusCode, e.Kind)
}

// classifyStatus maps an HTTP status code to an AdapterErrorKind. A 409 is
// treated as AlreadyExists, which is the shape every collaborator in this
// domain uses for "this account/record/certificate already exists."
func classifyStatus(status int) AdapterErrorKind {
	switch {
	case status == http.StatusConflict:
		return AlreadyExists
	case status == http.StatusTooManyRequests, status >= 500:
		return Retryable
	default:
		return Fatal
	}
}

// errorResponse is the common envelope external collaborators in this
// domain use for error bodies.
type errorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

// HTTPClient is a retrying, circuit-breaker-free HTTP transport shared by
// every adapter. Each adapter wraps its own calls in a sony/gobreaker
// CircuitBreaker so one collaborator's outage doesn't also trip requests to
// the others.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger

	maxRetries    int
	retryDelay    time.Duration
	retryMaxDelay time.Duration
}

// ClientConfig configures an HTTPClient.
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	MaxRetries      int
	RetryDelay      time.Duration
	RetryMaxDelay   time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// NewHTTPClient builds an HTTPClient with production defaults, grounded on
// the corpus's external-API client: pooled keep-alive transport, bounded
// retries with exponential backoff and jitter.
func NewHTTPClient(cfg ClientConfig, logger *zap.Logger) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 15 * time.Second
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 50
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &HTTPClient{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		logger:        logger,
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		retryMaxDelay: cfg.RetryMaxDelay,
	}
}

// Do executes method/path with an optional JSON body, retrying transient
// failures with exponential backoff, and decodes the response into result
// if non-nil. Authenticates with the client's own configured token. idemKey,
// when non-empty, is carried on the Idempotency-Key header so the remote
// collaborator can recognize a retried call and no-op it.
func (c *HTTPClient) Do(ctx context.Context, method, path, idemKey string, body, result interface{}) error {
	return c.DoAs(ctx, method, path, c.token, idemKey, body, result)
}

// DoAs is Do with the Authorization bearer token overridden, for callers
// that hold a per-resource credential (a decrypted per-server admin token)
// instead of the client's shared one.
func (c *HTTPClient) DoAs(ctx context.Context, method, path, token, idemKey string, body, result interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.doOnce(ctx, method, path, token, idemKey, body, result)
		if err == nil {
			return nil
		}
		lastErr = err

		var adapterErr *AdapterError
		if e, ok := err.(*AdapterError); ok {
			adapterErr = e
			if adapterErr.Kind != Retryable {
				return err
			}
		}

		c.logger.Warn("adapter request failed, will retry",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	if e, ok := lastErr.(*AdapterError); ok {
		return &AdapterError{Kind: e.Kind, StatusCode: e.StatusCode, ErrorCode: e.ErrorCode,
			Message: fmt.Sprintf("failed after %d retries: %s", c.maxRetries, e.Message)}
	}
	return fmt.Errorf("adapter request failed after %d retries: %w", c.maxRetries, lastErr)
}

func (c *HTTPClient) doOnce(ctx context.Context, method, path, token, idemKey string, body, result interface{}) error {
	url := c.baseURL + path

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &AdapterError{Kind: Retryable, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debug("adapter response",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var parsed errorResponse
		message := string(respBody)
		code := ""
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error != "" {
			message = parsed.Error
			code = parsed.ErrorCode
		}
		return &AdapterError{
			Kind:       classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    message,
			ErrorCode:  code,
		}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(c.retryDelay) * math.Pow(2, float64(attempt-1)))
	if delay > c.retryMaxDelay {
		delay = c.retryMaxDelay
	}
	jitter := float64(delay) * 0.25
	delay += time.Duration(jitter * (2*secureRandFloat() - 1))
	return delay
}

// secureRandFloat returns a uniform float in [0,1), used for jitter. Unlike
// the corpus's nanosecond-timestamp jitter, this draws from crypto/rand so
// concurrently retrying adapters don't desync on the wall clock.
func secureRandFloat() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / float64(int64(1)<<53)
}

// Close releases pooled connections.
func (c *HTTPClient) Close() {
	c.httpClient.CloseIdleConnections()
}
