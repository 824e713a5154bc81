package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/reqdispatch/pkg/cache"
	"github.com/Sternrassler/reqdispatch/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HTTPConfig holds the HTTP transport configuration.
type HTTPConfig struct {
	// UserAgent is sent with every request when set.
	UserAgent string

	// Timeout bounds a single attempt when the request has no timeout of its own.
	Timeout time.Duration

	// Retry controls retries of server, rate-limit and network errors.
	Retry RetryConfig

	// RateLimiter gates requests on the origin's error budget. Optional.
	RateLimiter *ratelimit.Tracker

	// Client overrides the underlying HTTP client. Optional.
	Client *http.Client
}

// DefaultHTTPConfig returns a safe default configuration.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout: 30 * time.Second,
		Retry:   DefaultRetryConfig(),
	}
}

// HTTPNetwork performs requests over net/http.
type HTTPNetwork struct {
	client      *http.Client
	config      HTTPConfig
	rateLimiter *ratelimit.Tracker
	logger      zerolog.Logger
}

// NewHTTPNetwork creates an HTTP transport.
func NewHTTPNetwork(cfg HTTPConfig) *HTTPNetwork {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPConfig().Timeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: NewTransport()}
	}
	return &HTTPNetwork{
		client:      client,
		config:      cfg,
		rateLimiter: cfg.RateLimiter,
		logger:      log.With().Str("component", "http-network").Logger(),
	}
}

// PerformRequest executes r, retrying per the retry configuration.
//
// A 304 answer is returned as a Response with NotModified set. When r
// carries a cache entry the response body is the cached payload and the
// headers are the cached headers overlaid with the fresh ones.
func (n *HTTPNetwork) PerformRequest(ctx context.Context, r Request) (*Response, error) {
	start := time.Now()
	host := hostOf(r.URL())

	defer func() {
		requestDuration.WithLabelValues(host).Observe(time.Since(start).Seconds())
	}()

	if n.rateLimiter != nil {
		allowed, err := n.rateLimiter.ShouldAllowRequest(ctx)
		if err != nil {
			return nil, &Error{Class: ErrorClassRateLimit, NetworkTime: time.Since(start), Err: fmt.Errorf("rate limit check: %w", err)}
		}
		if !allowed {
			n.logger.Warn().Str("url", r.URL()).Msg("Request blocked by rate limiter")
			requestsTotal.WithLabelValues(host, "rate_limited").Inc()
			errorsTotal.WithLabelValues(string(ErrorClassRateLimit)).Inc()
			return nil, &Error{Class: ErrorClassRateLimit, NetworkTime: time.Since(start), Err: ErrRateLimited}
		}
	}

	var resp *Response
	err := retryWithBackoff(ctx, n.config.Retry, n.logger, func() error {
		var attemptErr *Error
		resp, attemptErr = n.attempt(ctx, r, host)
		if attemptErr != nil {
			return attemptErr
		}
		return nil
	})

	elapsed := time.Since(start)
	if err != nil {
		if e, ok := AsError(err); ok {
			e.NetworkTime = elapsed
			return nil, err
		}
		return nil, &Error{Class: ErrorClassUnknown, NetworkTime: elapsed, Err: err}
	}

	resp.NetworkTime = elapsed
	return resp, nil
}

// attempt performs one HTTP exchange.
func (n *HTTPNetwork) attempt(ctx context.Context, r Request, host string) (*Response, *Error) {
	timeout := r.Timeout()
	if timeout <= 0 {
		timeout = n.config.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := n.newHTTPRequest(ctx, r)
	if err != nil {
		// malformed request, retrying cannot help
		return nil, &Error{Class: ErrorClassClient, Err: err}
	}

	n.logger.Debug().
		Str("url", r.URL()).
		Str("method", req.Method).
		Bool("conditional", req.Header.Get("If-None-Match") != "" || req.Header.Get("If-Modified-Since") != "").
		Msg("Executing HTTP request")

	httpResp, err := n.client.Do(req)
	if err != nil {
		class := classifyTransportError(err)
		n.logger.Debug().Err(err).Str("url", r.URL()).Str("error_class", string(class)).Msg("HTTP request failed")
		errorsTotal.WithLabelValues(string(class)).Inc()
		requestsTotal.WithLabelValues(host, "network_error").Inc()
		return nil, &Error{Class: class, Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		class := classifyTransportError(err)
		errorsTotal.WithLabelValues(string(class)).Inc()
		return nil, &Error{Class: class, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	requestsTotal.WithLabelValues(host, strconv.Itoa(httpResp.StatusCode)).Inc()

	if n.rateLimiter != nil {
		if err := n.rateLimiter.UpdateFromHeaders(ctx, httpResp.Header); err != nil {
			n.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	status := httpResp.StatusCode
	switch {
	case status == http.StatusNotModified:
		notModifiedTotal.Inc()
		return notModifiedResponse(httpResp.Header, r.CacheEntry()), nil

	case status >= 200 && status < 300:
		return &Response{StatusCode: status, Header: httpResp.Header, Data: data}, nil
	}

	class := ClassifyStatus(status)
	if class == "" {
		class = ErrorClassUnknown
	}
	errorsTotal.WithLabelValues(string(class)).Inc()

	n.logger.Warn().
		Str("url", r.URL()).
		Int("status", status).
		Str("error_class", string(class)).
		Msg("HTTP request error")

	return nil, &Error{
		Class:      class,
		StatusCode: status,
		Response:   &Response{StatusCode: status, Header: httpResp.Header, Data: data},
		Err:        fmt.Errorf("unexpected status %s", httpResp.Status),
	}
}

func (n *HTTPNetwork) newHTTPRequest(ctx context.Context, r Request) (*http.Request, error) {
	method := r.Method()
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if b := r.Body(); b != nil {
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for name, values := range r.Headers() {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if n.config.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", n.config.UserAgent)
	}
	if body != nil && req.Header.Get("Content-Type") == "" && r.BodyContentType() != "" {
		req.Header.Set("Content-Type", r.BodyContentType())
	}

	if entry := r.CacheEntry(); cache.ShouldMakeConditionalRequest(entry) {
		cache.AddConditionalHeaders(req.Header, entry)
		conditionalRequestsTotal.Inc()
	}
	return req, nil
}

// notModifiedResponse builds the response for a 304. Without an entry the
// body is empty and only the fresh headers are returned.
func notModifiedResponse(fresh http.Header, entry *cache.Entry) *Response {
	if entry == nil {
		return &Response{StatusCode: http.StatusNotModified, Header: fresh, NotModified: true}
	}

	merged := entry.HTTPHeader()
	for name, values := range fresh {
		merged[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	return &Response{
		StatusCode:  http.StatusNotModified,
		Header:      merged,
		Data:        entry.Data,
		NotModified: true,
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}
