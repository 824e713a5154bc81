// Package client wires a dispatch.RequestQueue to a cache, an HTTP
// transport and a delivery executor, and provides ready-made request kinds.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/Sternrassler/reqdispatch/pkg/cache"
	"github.com/Sternrassler/reqdispatch/pkg/dispatch"
	"github.com/Sternrassler/reqdispatch/pkg/logging"
	"github.com/Sternrassler/reqdispatch/pkg/network"
	"github.com/Sternrassler/reqdispatch/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultCacheMaxBytes bounds the disk cache when Config.CacheMaxBytes is zero.
const DefaultCacheMaxBytes = 5 * 1024 * 1024

// PagesHeader carries the total page count of a paginated resource.
const PagesHeader = "X-Pages"

// Config holds the client configuration.
type Config struct {
	// UserAgent is sent with every request. Required.
	UserAgent string

	// CacheDir holds the SQLite cache file. Empty selects an in-process
	// LRU cache of MemoryEntries entries.
	CacheDir string

	// CacheMaxBytes bounds the disk cache. Zero means DefaultCacheMaxBytes.
	CacheMaxBytes int64

	// MemoryEntries bounds the in-process cache. Zero uses its default.
	MemoryEntries int

	// Redis, when set, stores cache entries and error-budget state in Redis.
	// It takes precedence over CacheDir.
	Redis *redis.Client

	// Cache overrides every other cache setting.
	Cache cache.Cache

	// PoolSize is the number of network dispatchers. Zero means dispatch.DefaultPoolSize.
	PoolSize int

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration

	// Retry controls transport retries.
	Retry network.RetryConfig

	// RateLimit gates requests on the origin's error budget headers.
	RateLimit bool

	// ServeStale delivers refresh-needed entries before revalidating them.
	ServeStale bool

	// Executor runs callbacks. Nil runs them on a single delivery goroutine
	// owned by the client.
	Executor dispatch.Executor

	// Network overrides the HTTP transport.
	Network network.Network
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		UserAgent: userAgent,
		PoolSize:  dispatch.DefaultPoolSize,
		Timeout:   30 * time.Second,
		Retry:     network.DefaultRetryConfig(),
		RateLimit: true,
	}
}

// Client submits requests to a running RequestQueue.
type Client struct {
	queue    *dispatch.RequestQueue
	cache    cache.Cache
	executor *dispatch.SerialExecutor
	disk     *cache.DiskCache
	config   Config
	logger   zerolog.Logger

	closeOnce sync.Once
}

// New builds the cache, transport and queue described by cfg and starts
// the queue.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" && cfg.Network == nil {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.PoolSize < 0 {
		return nil, fmt.Errorf("pool_size must be >= 0 (got %d)", cfg.PoolSize)
	}
	if cfg.CacheMaxBytes < 0 {
		return nil, fmt.Errorf("cache_max_bytes must be >= 0 (got %d)", cfg.CacheMaxBytes)
	}

	logger := logging.NewLogger("client")
	c := &Client{config: cfg, logger: logger}

	switch {
	case cfg.Cache != nil:
		c.cache = cfg.Cache
	case cfg.Redis != nil:
		c.cache = cache.NewRedisCache(cfg.Redis)
	case cfg.CacheDir != "":
		maxBytes := cfg.CacheMaxBytes
		if maxBytes == 0 {
			maxBytes = DefaultCacheMaxBytes
		}
		c.disk = cache.NewDiskCache(cfg.CacheDir, maxBytes)
		c.cache = c.disk
	default:
		c.cache = cache.NewMemoryCache(cfg.MemoryEntries)
	}

	transport := cfg.Network
	if transport == nil {
		httpCfg := network.DefaultHTTPConfig()
		httpCfg.UserAgent = cfg.UserAgent
		if cfg.Timeout > 0 {
			httpCfg.Timeout = cfg.Timeout
		}
		if cfg.Retry.MaxAttempts > 0 {
			httpCfg.Retry = cfg.Retry
		}
		if cfg.RateLimit {
			httpCfg.RateLimiter = ratelimit.NewTracker(cfg.Redis, logger)
		}
		transport = network.NewHTTPNetwork(httpCfg)
	}

	executor := cfg.Executor
	if executor == nil {
		c.executor = dispatch.NewSerialExecutor()
		executor = c.executor
	}

	c.queue = dispatch.NewRequestQueue(c.cache, transport, dispatch.Config{
		PoolSize:   cfg.PoolSize,
		ServeStale: cfg.ServeStale,
		Executor:   executor,
	})
	c.queue.Start()

	logger.Info().
		Str("cache", fmt.Sprintf("%T", c.cache)).
		Int("pool_size", cfg.PoolSize).
		Bool("rate_limit", cfg.RateLimit).
		Msg("Client started")

	return c, nil
}

// Queue returns the underlying request queue.
func (c *Client) Queue() *dispatch.RequestQueue {
	return c.queue
}

// Cache returns the cache in use.
func (c *Client) Cache() cache.Cache {
	return c.cache
}

// Add submits r. Its callbacks run on the client's executor.
func (c *Client) Add(r dispatch.Request) dispatch.Request {
	return c.queue.Add(r)
}

// Get fetches rawURL and waits for the response.
func (c *Client) Get(ctx context.Context, rawURL string) (*network.Response, error) {
	return c.getWithPriority(ctx, rawURL, dispatch.PriorityNormal)
}

func (c *Client) getWithPriority(ctx context.Context, rawURL string, priority dispatch.Priority) (*network.Response, error) {
	future := NewFuture[*network.Response]()
	r := NewRawRequest(http.MethodGet, rawURL, future.OnResponse, future.OnError)
	r.SetPriority(priority)
	future.SetRequest(r)
	c.Add(r)
	return future.Get(ctx)
}

// GetString fetches rawURL and decodes the body as text.
func (c *Client) GetString(ctx context.Context, rawURL string) (string, error) {
	future := NewFuture[string]()
	r := NewStringRequest(http.MethodGet, rawURL, future.OnResponse, future.OnError)
	future.SetRequest(r)
	c.Add(r)
	return future.Get(ctx)
}

// GetJSON fetches rawURL and decodes the body into a T.
func GetJSON[T any](ctx context.Context, c *Client, rawURL string) (T, error) {
	future := NewFuture[T]()
	r := NewJSONRequest[T](http.MethodGet, rawURL, future.OnResponse, future.OnError)
	future.SetRequest(r)
	c.Add(r)
	return future.Get(ctx)
}

// FetchPage fetches one page of a paginated resource and returns the page
// together with the total page count reported by the server (1 when the
// header is absent).
func (c *Client) FetchPage(ctx context.Context, rawURL string, page int) (*network.Response, int, error) {
	return c.FetchPageWithPriority(ctx, rawURL, page, dispatch.PriorityNormal)
}

// FetchPageWithPriority is FetchPage with an explicit queue priority.
func (c *Client) FetchPageWithPriority(ctx context.Context, rawURL string, page int, priority dispatch.Priority) (*network.Response, int, error) {
	if page < 1 {
		return nil, 0, fmt.Errorf("page must be >= 1 (got %d)", page)
	}
	pageURL, err := withPage(rawURL, page)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.getWithPriority(ctx, pageURL, priority)
	if err != nil {
		return nil, 0, err
	}

	pages := 1
	if v := resp.Header.Get(PagesHeader); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, 0, fmt.Errorf("invalid %s header %q", PagesHeader, v)
		}
		pages = n
	}
	return resp, pages, nil
}

// Close stops the queue, waits for its dispatchers, flushes pending
// callbacks and releases the disk cache.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.queue.Stop()
		c.queue.Wait()
		if c.executor != nil {
			c.executor.Close()
		}
		if c.disk != nil {
			err = c.disk.Close()
		}
		c.logger.Info().Msg("Client closed")
	})
	return err
}

func withPage(rawURL string, page int) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if page == 1 && u.Query().Get("page") == "" {
		return rawURL, nil
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// IsCanceled reports whether err came from a request cancelled before it
// produced a result.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrRequestCanceled)
}
