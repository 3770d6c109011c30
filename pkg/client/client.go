// Package client implements the single-page HTTP fetcher for paginated
// listing endpoints, with transient-failure retries, rate-limit budget
// gating, and error classification.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/sweephq/sweep/pkg/ratelimit"
)

// Prometheus metrics for listing requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_requests_total",
		Help: "Total listing requests by path and status",
	}, []string{"path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sweep_request_duration_seconds",
		Help:    "Listing request duration in seconds by path",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"path"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_errors_total",
		Help: "Total listing request errors by class",
	}, []string{"class"})
)

// DefaultResetHeader is the response header carrying the rate-limit reset
// time as epoch seconds.
const DefaultResetHeader = "X-RateLimit-Reset"

// maxRateLimitWait caps the wait derived from the reset header. The reset
// timestamp can be far in the future when many callers share one budget;
// re-probing after at most a second keeps workers responsive.
const maxRateLimitWait = 1 * time.Second

// PageRequest describes one page of a listing endpoint. Constructed once
// per HTTP call and not mutated afterwards.
type PageRequest struct {
	// Path is the endpoint path (e.g. "/api/v2/flags").
	Path string

	// Offset is the record offset within the listing (offset pagination).
	Offset int64

	// After and Before bound a time window in epoch milliseconds
	// (time pagination). Zero means unset.
	After  int64
	Before int64

	// Limit is the requested page size.
	Limit int64

	// Filter is an endpoint-specific filter expression.
	Filter string

	// Expand lists related fields the endpoint should inline.
	Expand []string
}

// PageResult is the decoded body of one listing page.
type PageResult struct {
	// Items holds the raw records in endpoint order.
	Items []json.RawMessage

	// TotalCount is the endpoint-reported total, or -1 when absent.
	TotalCount int64

	// NextURL is the href of the next page link, if the endpoint sent one.
	NextURL string
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the root of the listing API (scheme + host).
	BaseURL string

	// Token is the static bearer credential sent on every request.
	Token string

	// UserAgent identifies this client to the remote API.
	UserAgent string

	// Timeout bounds a single HTTP round trip.
	Timeout time.Duration

	// MaxAttempts limits retries of transient failures. Zero retries
	// forever, matching the endpoint contract that transient failures
	// always clear eventually.
	MaxAttempts int

	// TransientWait is the fixed wait before retrying a 5xx or network
	// failure, and the fallback wait for 429 responses without a usable
	// reset header.
	TransientWait time.Duration

	// ResetHeader names the rate-limit reset header (epoch seconds).
	ResetHeader string

	// Tracker optionally gates requests on a shared rate-limit budget.
	Tracker *ratelimit.Tracker
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, token string) Config {
	return Config{
		BaseURL:       baseURL,
		Token:         token,
		UserAgent:     "sweep/0.1.0",
		Timeout:       30 * time.Second,
		MaxAttempts:   0,
		TransientWait: 1 * time.Second,
		ResetHeader:   DefaultResetHeader,
	}
}

// Fetcher issues single-page GET requests against a listing endpoint.
type Fetcher struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new listing fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("bearer token is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TransientWait <= 0 {
		cfg.TransientWait = 1 * time.Second
	}
	if cfg.ResetHeader == "" {
		cfg.ResetHeader = DefaultResetHeader
	}

	logger := log.With().Str("component", "listing-client").Logger()

	return &Fetcher{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config: cfg,
		logger: logger,
	}, nil
}

// FetchPage performs one listing GET and returns the decoded page.
// Transient failures (429, 5xx, network) are retried internally according
// to the retry policy; any other failure is returned as-is.
func (f *Fetcher) FetchPage(ctx context.Context, req PageRequest) (*PageResult, error) {
	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(req.Path).Observe(time.Since(startTime).Seconds())
	}()

	// Gate on the shared rate-limit budget when a tracker is configured.
	if f.config.Tracker != nil {
		allowed, err := f.config.Tracker.ShouldAllowRequest(ctx)
		if err != nil {
			f.logger.Error().Err(err).Msg("Rate limit check failed")
			return nil, fmt.Errorf("rate limit check: %w", err)
		}
		if !allowed {
			f.logger.Warn().
				Str("path", req.Path).
				Msg("Request blocked by rate limit budget")
			requestsTotal.WithLabelValues(req.Path, "budget_blocked").Inc()
			return nil, fmt.Errorf("request blocked: rate limit budget critical")
		}
	}

	var result *PageResult
	err := retryTransient(ctx, f.config, f.logger, func() error {
		page, attemptErr := f.fetchOnce(ctx, req)
		if attemptErr != nil {
			return attemptErr
		}
		result = page
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// fetchOnce performs exactly one HTTP round trip and classifies the outcome.
func (f *Fetcher) fetchOnce(ctx context.Context, req PageRequest) (*PageResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, f.config.BaseURL+req.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.URL.RawQuery = req.query().Encode()
	httpReq.Header.Set("Authorization", "Bearer "+f.config.Token)
	httpReq.Header.Set("User-Agent", f.config.UserAgent)
	httpReq.Header.Set("Accept", "application/json")

	f.logger.Debug().
		Str("path", req.Path).
		Int64("offset", req.Offset).
		Int64("limit", req.Limit).
		Msg("Executing listing request")

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(req.Path, "network_error").Inc()
		return nil, &APIError{
			Class:   ErrorClassNetwork,
			Message: "request failed",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	// Feed the shared budget tracker from response headers on every
	// round trip, including failed ones.
	if f.config.Tracker != nil {
		if err := f.config.Tracker.UpdateFromHeaders(ctx, resp.Header); err != nil {
			f.logger.Warn().Err(err).Msg("Failed to update rate limit budget from headers")
		}
	}

	requestsTotal.WithLabelValues(req.Path, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusTooManyRequests {
		errorsTotal.WithLabelValues(string(ErrorClassRateLimit)).Inc()
		wait := rateLimitWait(resp.Header.Get(f.config.ResetHeader), time.Now())
		f.logger.Warn().
			Str("path", req.Path).
			Dur("retry_after", wait).
			Msg("Rate limited by listing endpoint")
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassRateLimit,
			Message:    resp.Status,
			RetryAfter: wait,
		}
	}

	if resp.StatusCode >= 500 {
		errorsTotal.WithLabelValues(string(ErrorClassServer)).Inc()
		f.logger.Warn().
			Str("path", req.Path).
			Int("status", resp.StatusCode).
			Msg("Listing endpoint server error")
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassServer,
			Message:    resp.Status,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorsTotal.WithLabelValues(string(ErrorClassClient)).Inc()
		f.logger.Error().
			Str("path", req.Path).
			Int("status", resp.StatusCode).
			Msg("Listing request rejected")
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassClient,
			Message:    resp.Status,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &APIError{
			Class:   ErrorClassNetwork,
			Message: "read response body",
			Err:     err,
		}
	}

	page, err := decodePage(body)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassMalformed)).Inc()
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassMalformed,
			Message:    "decode page",
			Err:        err,
		}
	}
	return page, nil
}

// TotalCount performs a count probe: a limit=1 request whose only purpose
// is to learn the endpoint-reported total record count.
func (f *Fetcher) TotalCount(ctx context.Context, path, filter string) (int64, error) {
	page, err := f.FetchPage(ctx, PageRequest{
		Path:   path,
		Limit:  1,
		Filter: filter,
	})
	if err != nil {
		return 0, fmt.Errorf("count probe: %w", err)
	}
	if page.TotalCount < 0 {
		return 0, fmt.Errorf("count probe %s: %w", path, ErrNoTotalCount)
	}
	return page.TotalCount, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (f *Fetcher) SetHTTPClient(client *http.Client) {
	f.httpClient = client
}

// query renders the pagination, filter, and expand parameters.
func (r PageRequest) query() url.Values {
	q := url.Values{}
	q.Set("limit", strconv.FormatInt(r.Limit, 10))
	if r.After != 0 || r.Before != 0 {
		q.Set("after", strconv.FormatInt(r.After, 10))
		q.Set("before", strconv.FormatInt(r.Before, 10))
	}
	if r.Offset > 0 || (r.After == 0 && r.Before == 0) {
		q.Set("offset", strconv.FormatInt(r.Offset, 10))
	}
	if r.Filter != "" {
		q.Set("filter", r.Filter)
	}
	if len(r.Expand) > 0 {
		q.Set("expand", strings.Join(r.Expand, ","))
	}
	return q
}

// decodePage parses a listing page body into a PageResult.
func decodePage(body []byte) (*PageResult, error) {
	var envelope struct {
		Items      []json.RawMessage `json:"items"`
		TotalCount *int64            `json:"totalCount"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	if envelope.Items == nil {
		return nil, fmt.Errorf("missing items array")
	}

	page := &PageResult{
		Items:      envelope.Items,
		TotalCount: -1,
	}
	if envelope.TotalCount != nil {
		page.TotalCount = *envelope.TotalCount
	}

	// Next-page links come in both _links and links envelope flavors.
	if next := gjson.GetBytes(body, "_links.next.href"); next.Exists() {
		page.NextURL = next.String()
	} else if next := gjson.GetBytes(body, "links.next.href"); next.Exists() {
		page.NextURL = next.String()
	}
	return page, nil
}

// rateLimitWait derives the 429 retry wait from a reset header value
// (epoch seconds). The wait is capped at maxRateLimitWait; a missing,
// unparseable, or already-passed reset falls back to zero, which the
// retry loop replaces with the configured transient wait.
func rateLimitWait(resetHeader string, now time.Time) time.Duration {
	if resetHeader == "" {
		return 0
	}
	resetSec, err := strconv.ParseInt(resetHeader, 10, 64)
	if err != nil {
		return 0
	}
	wait := time.Duration(resetSec*1000-now.UnixMilli()) * time.Millisecond
	if wait <= 0 {
		return 0
	}
	if wait > maxRateLimitWait {
		return maxRateLimitWait
	}
	return wait
}
