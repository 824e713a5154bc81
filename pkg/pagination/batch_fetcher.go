package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/reqdispatch/pkg/client"
	"github.com/Sternrassler/reqdispatch/pkg/dispatch"
	"github.com/Sternrassler/reqdispatch/pkg/logging"
	"github.com/rs/zerolog"
)

// Config holds batch fetcher configuration.
type Config struct {
	// MaxConcurrency is the number of pages requested at once. Requests
	// still pass through the client's network dispatchers, so values above
	// the client's pool size only deepen the queue.
	MaxConcurrency int

	// Timeout bounds each page fetch.
	Timeout time.Duration

	// Priority is applied to every page request.
	Priority dispatch.Priority
}

// DefaultConfig returns the default batch configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
		Priority:       dispatch.PriorityNormal,
	}
}

// PageFetcher fetches one page and reports the total page count.
type PageFetcher interface {
	FetchPage(ctx context.Context, rawURL string, page int) (data []byte, totalPages int, err error)
}

// PageFetcherFunc adapts a function to PageFetcher.
type PageFetcherFunc func(ctx context.Context, rawURL string, page int) ([]byte, int, error)

// FetchPage calls f.
func (f PageFetcherFunc) FetchPage(ctx context.Context, rawURL string, page int) ([]byte, int, error) {
	return f(ctx, rawURL, page)
}

// ClientFetcher fetches pages through c, so every page shares its cache,
// coalescing and error budget.
func ClientFetcher(c *client.Client, priority dispatch.Priority) PageFetcher {
	return PageFetcherFunc(func(ctx context.Context, rawURL string, page int) ([]byte, int, error) {
		resp, total, err := c.FetchPageWithPriority(ctx, rawURL, page, priority)
		if err != nil {
			return nil, 0, err
		}
		return resp.Data, total, nil
	})
}

// PageResult is the outcome of fetching one page.
type PageResult struct {
	PageNumber int
	Data       []byte
	Error      error
}

// BatchFetcher fetches every page of a paginated resource in parallel.
type BatchFetcher struct {
	fetcher PageFetcher
	config  Config
	logger  zerolog.Logger
}

// NewBatchFetcher creates a batch fetcher. Zero config fields take their
// defaults.
func NewBatchFetcher(fetcher PageFetcher, config Config) *BatchFetcher {
	def := DefaultConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = def.MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}

	return &BatchFetcher{
		fetcher: fetcher,
		config:  config,
		logger:  logging.NewLogger("batch-fetcher"),
	}
}

// NewClientBatchFetcher creates a batch fetcher backed by c.
func NewClientBatchFetcher(c *client.Client, config Config) *BatchFetcher {
	return NewBatchFetcher(ClientFetcher(c, config.Priority), config)
}

// FetchAllPages fetches page 1, learns the page count from it and fetches
// the rest in parallel. On failure the pages fetched so far are returned
// together with the first error.
func (bf *BatchFetcher) FetchAllPages(ctx context.Context, rawURL string) (map[int][]byte, error) {
	start := time.Now()

	firstCtx, cancelFirst := context.WithTimeout(ctx, bf.config.Timeout)
	first, totalPages, err := bf.fetcher.FetchPage(firstCtx, rawURL, 1)
	cancelFirst()
	if err != nil {
		batchesTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("fetch first page: %w", err)
	}
	pagesFetched.Inc()

	results := map[int][]byte{1: first}

	if totalPages <= 1 {
		batchesTotal.WithLabelValues("complete").Inc()
		bf.logger.Debug().
			Str("url", rawURL).
			Dur("duration", time.Since(start)).
			Msg("Fetch complete (single page)")
		return results, nil
	}

	bf.logger.Info().
		Str("url", rawURL).
		Int("total_pages", totalPages).
		Int("concurrency", bf.config.MaxConcurrency).
		Msg("Starting parallel page fetch")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pages := make(chan int)
	out := make(chan PageResult)

	go func() {
		defer close(pages)
		for page := 2; page <= totalPages; page++ {
			select {
			case pages <- page:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < min(bf.config.MaxConcurrency, totalPages-1); i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			bf.worker(ctx, rawURL, workerID, pages, out)
		}(i)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	var firstErr error
	for result := range out {
		if result.Error != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("fetch page %d: %w", result.PageNumber, result.Error)
				cancel()
			}
			continue
		}
		results[result.PageNumber] = result.Data
		pagesFetched.Inc()

		if len(results)%50 == 0 {
			bf.logger.Info().
				Int("fetched", len(results)).
				Int("total", totalPages).
				Float64("progress_pct", float64(len(results))/float64(totalPages)*100).
				Msg("Fetch progress")
		}
	}

	if firstErr == nil && len(results) < totalPages {
		// the caller's context ended before every page was handed out
		firstErr = ctx.Err()
		if firstErr == nil {
			firstErr = errors.New("incomplete batch")
		}
	}

	if firstErr != nil {
		batchesTotal.WithLabelValues("partial").Inc()
		bf.logger.Warn().
			Err(firstErr).
			Int("fetched_pages", len(results)).
			Int("total_pages", totalPages).
			Msg("Returning partial results")
		return results, fmt.Errorf("partial data %d/%d pages: %w", len(results), totalPages, firstErr)
	}

	batchesTotal.WithLabelValues("complete").Inc()
	bf.logger.Info().
		Str("url", rawURL).
		Int("pages", len(results)).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return results, nil
}

func (bf *BatchFetcher) worker(ctx context.Context, rawURL string, workerID int, pages <-chan int, out chan<- PageResult) {
	processed := 0
	defer func() {
		bf.logger.Debug().
			Int("worker_id", workerID).
			Int("pages_processed", processed).
			Msg("Worker stopped")
	}()

	for page := range pages {
		pageCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
		data, _, err := bf.fetcher.FetchPage(pageCtx, rawURL, page)
		cancel()

		select {
		case out <- PageResult{PageNumber: page, Data: data, Error: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
		processed++
	}
}
