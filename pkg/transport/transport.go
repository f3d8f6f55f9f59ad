// Package transport provides the authenticated HTTP collaborator the
// pagination engine drives: single-page GETs and multiplexed $batch POSTs
// with bearer auth, correlation headers, throttle gating, and retry.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/danricht/dirbatch/pkg/environment"
	"github.com/danricht/dirbatch/pkg/pagination"
	"github.com/danricht/dirbatch/pkg/throttle"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for transport operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dirbatch_requests_total",
		Help: "Total directory API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dirbatch_request_duration_seconds",
		Help:    "Directory API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dirbatch_errors_total",
		Help: "Total directory API errors by class",
	}, []string{"class"})

	batchSubRequests = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dirbatch_batch_sub_requests",
		Help:    "Sub-requests multiplexed per $batch call",
		Buckets: []float64{1, 2, 5, 10, 15, 20},
	})
)

// Config holds the transport configuration.
type Config struct {
	// User-Agent header sent with every request.
	UserAgent string

	// Timeout per HTTP request.
	Timeout time.Duration

	// Retry policy for 5xx/429/network failures. 4xx are never retried.
	Retry RetryConfig

	// Throttle is an optional shared throttle tracker. Nil disables gating.
	Throttle *throttle.Tracker

	// HTTPClient overrides the default client (tests point it at a mock).
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		UserAgent: userAgent,
		Timeout:   30 * time.Second,
		Retry:     DefaultRetryConfig(),
	}
}

// Client implements pagination.Transport against a live directory API.
type Client struct {
	httpClient *http.Client
	session    *environment.Session
	throttle   *throttle.Tracker
	config     Config
	logger     zerolog.Logger
}

// Interface guard.
var _ pagination.Transport = (*Client)(nil)

// New creates a transport bound to one session.
func New(session *environment.Session, cfg Config) (*Client, error) {
	if session == nil {
		return nil, environment.ErrNotConnected
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		httpClient: httpClient,
		session:    session,
		throttle:   cfg.Throttle,
		config:     cfg,
		logger:     log.With().Str("component", "transport").Logger(),
	}, nil
}

// GetPage fetches and decodes a single collection page.
func (c *Client) GetPage(ctx context.Context, rawURL string) (*pagination.Page, error) {
	body, err := c.do(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return pagination.DecodePage(body)
}

// batchEnvelope is the $batch request body.
type batchEnvelope struct {
	Requests []pagination.SubRequest `json:"requests"`
}

// batchResponseEnvelope is the $batch response body.
type batchResponseEnvelope struct {
	Responses []pagination.SubResponse `json:"responses"`
}

// PostBatch submits one multiplexed batch call and decodes the per-slot
// responses. Sub-response statuses are returned as-is; interpreting them is
// the engine's job.
func (c *Client) PostBatch(ctx context.Context, batchURL string, requests []pagination.SubRequest) ([]pagination.SubResponse, error) {
	payload, err := json.Marshal(batchEnvelope{Requests: requests})
	if err != nil {
		return nil, fmt.Errorf("marshal batch request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, batchURL, payload)
	if err != nil {
		return nil, err
	}

	var envelope batchResponseEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}

	batchSubRequests.Observe(float64(len(requests)))
	return envelope.Responses, nil
}

// do runs one request through the full pipeline: throttle gate, auth, retry.
func (c *Client) do(ctx context.Context, method, rawURL string, payload []byte) ([]byte, error) {
	endpoint := metricEndpoint(rawURL)

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	if c.throttle != nil {
		allowed, err := c.throttle.ShouldAllowRequest(ctx)
		if err != nil {
			c.logger.Error().Err(err).Msg("Throttle check failed")
			return nil, fmt.Errorf("throttle check: %w", err)
		}
		if !allowed {
			c.logger.Warn().
				Str("endpoint", endpoint).
				Msg("Request blocked by throttle tracker")
			requestsTotal.WithLabelValues(endpoint, "throttled").Inc()
			return nil, ErrThrottled
		}
	}

	token, err := c.session.Tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}

	var body []byte
	retryErr := retryWithBackoff(ctx, c.logger, c.config.Retry, func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.config.UserAgent)
		req.Header.Set("client-request-id", uuid.NewString())
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		c.logger.Debug().
			Str("endpoint", endpoint).
			Str("method", method).
			Msg("Executing directory API request")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			return fmt.Errorf("read response body: %w", err)
		}

		if c.throttle != nil {
			if err := c.throttle.RecordResponse(ctx, resp.StatusCode, resp.Header); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to record throttle state")
			}
		}

		requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode >= 400 {
			apiErr := apiErrorFromBody(resp.StatusCode, data)
			errorsTotal.WithLabelValues(string(apiErr.ErrorClass)).Inc()

			c.logger.Warn().
				Str("endpoint", endpoint).
				Int("status", resp.StatusCode).
				Str("error_class", string(apiErr.ErrorClass)).
				Str("error_code", apiErr.Code).
				Msg("Directory API request error")

			return apiErr
		}

		body = data
		return nil
	})
	if retryErr != nil {
		return nil, retryErr
	}

	return body, nil
}

// metricEndpoint reduces a URL to its path for metric labels, keeping
// cardinality bounded (no query strings, no tokens).
func metricEndpoint(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid"
	}
	return u.Path
}
