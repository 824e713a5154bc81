package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/reqdispatch/internal/config"
	"github.com/Sternrassler/reqdispatch/pkg/client"
	"github.com/Sternrassler/reqdispatch/pkg/logging"
	"github.com/Sternrassler/reqdispatch/pkg/metrics"
	"github.com/Sternrassler/reqdispatch/pkg/network"
	"github.com/Sternrassler/reqdispatch/pkg/pagination"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "YAML config file")
	listenAddr := pflag.StringP("listenaddr", "l", "", "http listen address (overrides config)")
	logLevel := pflag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.Address = *listenAddr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid flags: %v\n", err)
			os.Exit(1)
		}
	}

	logging.Setup(logging.Config{Level: cfg.LogLevel(), Pretty: cfg.Log.Pretty, Output: os.Stderr})
	logger := logging.NewLogger("dispatch-proxy")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Proxy failed")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.Redis.Address != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Address, err)
		}
		logger.Info().Str("address", cfg.Redis.Address).Msg("Connected to Redis")
	}

	c, err := client.New(clientConfig(cfg, redisClient))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer c.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           newRouter(c, redisClient, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("address", cfg.Server.Address).
			Str("user_agent", cfg.Client.UserAgent).
			Msg("Starting dispatch proxy")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func clientConfig(cfg *config.Config, redisClient *redis.Client) client.Config {
	cc := client.DefaultConfig(cfg.Client.UserAgent)
	cc.PoolSize = cfg.Client.PoolSize
	cc.Timeout = cfg.Client.Timeout
	cc.Retry.MaxAttempts = cfg.Client.MaxAttempts
	cc.RateLimit = cfg.Client.RateLimit
	cc.ServeStale = cfg.Client.ServeStale
	cc.CacheDir = cfg.Cache.Dir
	cc.CacheMaxBytes = cfg.Cache.MaxBytes
	cc.MemoryEntries = cfg.Cache.MemoryEntries
	cc.Redis = redisClient
	return cc
}

func newRouter(c *client.Client, redisClient *redis.Client, cfg *config.Config) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(redisClient, c))
	r.Handle("/metrics", metrics.Handler())
	r.Get("/fetch", fetchHandler(c, cfg))
	r.Get("/pages", pagesHandler(c, cfg))
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports 503 while Redis, when configured, is unreachable.
func readyHandler(redisClient *redis.Client, c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := redisClient.Ping(ctx).Err(); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("X-In-Flight", fmt.Sprint(c.Queue().InFlight()))
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// fetchHandler answers GET /fetch?url=... with the upstream response,
// served through the request queue.
func fetchHandler(c *client.Client, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target, ok := targetURL(w, r, cfg.Client.AllowedHosts)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), cfg.Server.RequestTimeout)
		defer cancel()

		future := client.NewFuture[*network.Response]()
		req := client.NewRawRequest(http.MethodGet, target, future.OnResponse, future.OnError)
		future.SetRequest(req)
		c.Add(req)

		resp, err := future.Get(ctx)
		if err != nil {
			writeUpstreamError(w, err)
			return
		}

		for _, name := range []string{"Content-Type", "Cache-Control", "ETag", "Last-Modified", client.PagesHeader} {
			if v := resp.Header.Get(name); v != "" {
				w.Header().Set(name, v)
			}
		}
		w.Header().Set("X-Trace-Id", req.TraceID())
		if resp.NotModified {
			w.Header().Set("X-Revalidated", "true")
		}
		w.WriteHeader(http.StatusOK)
		w.Write(resp.Data)
	}
}

// pagesHandler answers GET /pages?url=... with every page of a paginated
// JSON resource, as a JSON array of page bodies in page order.
func pagesHandler(c *client.Client, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target, ok := targetURL(w, r, cfg.Client.AllowedHosts)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), cfg.Server.RequestTimeout)
		defer cancel()

		pcfg := pagination.DefaultConfig()
		pcfg.MaxConcurrency = cfg.Client.PageWorkers
		pages, err := pagination.NewClientBatchFetcher(c, pcfg).FetchAllPages(ctx, target)
		if err != nil {
			writeUpstreamError(w, err)
			return
		}

		numbers := make([]int, 0, len(pages))
		for n := range pages {
			numbers = append(numbers, n)
		}
		sort.Ints(numbers)

		out := make([]json.RawMessage, 0, len(numbers))
		for _, n := range numbers {
			if !json.Valid(pages[n]) {
				http.Error(w, fmt.Sprintf("page %d is not JSON", n), http.StatusBadGateway)
				return
			}
			out = append(out, pages[n])
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(client.PagesHeader, fmt.Sprint(len(out)))
		json.NewEncoder(w).Encode(out)
	}
}

func targetURL(w http.ResponseWriter, r *http.Request, allowed []string) (string, bool) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		http.Error(w, "url must be an absolute http(s) URL", http.StatusBadRequest)
		return "", false
	}
	if len(allowed) > 0 && !slices.Contains(allowed, strings.ToLower(u.Hostname())) {
		http.Error(w, "host not allowed", http.StatusForbidden)
		return "", false
	}
	return u.String(), true
}

func writeUpstreamError(w http.ResponseWriter, err error) {
	switch {
	case client.IsCanceled(err):
		http.Error(w, "upstream request timed out", http.StatusGatewayTimeout)
	case errors.Is(err, network.ErrRateLimited):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case client.StatusCode(err) != 0:
		status := client.StatusCode(err)
		if status >= 500 {
			status = http.StatusBadGateway
		}
		http.Error(w, err.Error(), status)
	default:
		http.Error(w, fmt.Sprintf("upstream request failed: %v", err), http.StatusBadGateway)
	}
}
