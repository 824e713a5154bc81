package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/reqdispatch/internal/config"
	"github.com/Sternrassler/reqdispatch/internal/testutil"
	"github.com/Sternrassler/reqdispatch/pkg/client"
	"github.com/redis/go-redis/v9"
)

func newTestProxy(t *testing.T, mutate func(*config.Config)) (*httptest.Server, *testutil.MockOrigin) {
	t.Helper()

	origin := testutil.NewMockOrigin()
	t.Cleanup(origin.Close)

	cfg := config.Default()
	cfg.Client.MaxAttempts = 1
	cfg.Server.RequestTimeout = 5 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	c, err := client.New(clientConfig(cfg, nil))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	proxy := httptest.NewServer(newRouter(c, nil, cfg))
	t.Cleanup(proxy.Close)
	return proxy, origin
}

func get(t *testing.T, rawURL string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(rawURL)
	if err != nil {
		t.Fatalf("GET %s: %v", rawURL, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func fetchURL(proxy *httptest.Server, path, target string) string {
	return proxy.URL + path + "?url=" + url.QueryEscape(target)
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestReadyEndpoint(t *testing.T) {
	proxy, _ := newTestProxy(t, nil)

	resp, body := get(t, proxy.URL+"/ready")
	if resp.StatusCode != http.StatusOK || body != "OK" {
		t.Errorf("Expected 200 OK, got %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-In-Flight") != "0" {
		t.Errorf("Expected X-In-Flight 0, got %q", resp.Header.Get("X-In-Flight"))
	}
}

func TestReadyEndpoint_RedisDown(t *testing.T) {
	// nothing listens on this port
	redisClient := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	defer redisClient.Close()

	c, err := client.New(client.DefaultConfig("test/1.0"))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer c.Close()

	w := httptest.NewRecorder()
	readyHandler(redisClient, c)(w, httptest.NewRequest("GET", "/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	proxy, origin := newTestProxy(t, nil)
	origin.SetResponse("/m", testutil.NewHealthyResponse(`{}`))
	get(t, fetchURL(proxy, "/fetch", origin.URL()+"/m"))

	resp, body := get(t, proxy.URL+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "# HELP") || !strings.Contains(body, "# TYPE") {
		t.Error("Expected Prometheus format metrics output")
	}
	for _, name := range []string{"dispatch_queue_submitted_total", "dispatch_http_requests_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestFetchHandler(t *testing.T) {
	proxy, origin := newTestProxy(t, nil)
	origin.SetResponse("/items", testutil.NewHealthyResponse(`{"id":7}`))
	origin.SetResponse("/missing", testutil.NewNotFoundResponse())

	t.Run("proxies and caches", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			resp, body := get(t, fetchURL(proxy, "/fetch", origin.URL()+"/items"))
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("Expected status 200, got %d", resp.StatusCode)
			}
			if body != `{"id":7}` {
				t.Errorf("Unexpected body %q", body)
			}
			if resp.Header.Get("X-Trace-Id") == "" {
				t.Error("Expected X-Trace-Id header")
			}
			if resp.Header.Get("ETag") != `"test-etag-123"` {
				t.Errorf("Expected upstream ETag, got %q", resp.Header.Get("ETag"))
			}
		}
		if n := origin.GetPathCount("/items"); n != 1 {
			t.Errorf("Expected 1 upstream request, got %d", n)
		}
	})

	t.Run("upstream status is passed through", func(t *testing.T) {
		resp, _ := get(t, fetchURL(proxy, "/fetch", origin.URL()+"/missing"))
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("Expected status 404, got %d", resp.StatusCode)
		}
	})

	t.Run("bad targets", func(t *testing.T) {
		tests := []struct {
			query  string
			status int
		}{
			{"", http.StatusBadRequest},
			{"?url=" + url.QueryEscape("/relative"), http.StatusBadRequest},
			{"?url=" + url.QueryEscape("ftp://example.test/x"), http.StatusBadRequest},
		}
		for _, tt := range tests {
			resp, _ := get(t, proxy.URL+"/fetch"+tt.query)
			if resp.StatusCode != tt.status {
				t.Errorf("query %q: expected %d, got %d", tt.query, tt.status, resp.StatusCode)
			}
		}
	})
}

func TestFetchHandler_AllowedHosts(t *testing.T) {
	proxy, origin := newTestProxy(t, func(cfg *config.Config) {
		cfg.Client.AllowedHosts = []string{"api.example.test"}
	})

	resp, _ := get(t, fetchURL(proxy, "/fetch", origin.URL()+"/items"))
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.StatusCode)
	}
	if origin.GetRequestCount() != 0 {
		t.Error("Blocked host must not be contacted")
	}
}

func TestPagesHandler(t *testing.T) {
	proxy, origin := newTestProxy(t, nil)
	origin.SetPagedResponse("/orders", 3, func(page int) string { return fmt.Sprintf(`{"page":%d}`, page) })

	resp, body := get(t, fetchURL(proxy, "/pages", origin.URL()+"/orders"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
	}

	var pages []struct {
		Page int `json:"page"`
	}
	if err := json.Unmarshal([]byte(body), &pages); err != nil {
		t.Fatalf("Invalid JSON %q: %v", body, err)
	}
	if len(pages) != 3 {
		t.Fatalf("Expected 3 pages, got %d", len(pages))
	}
	for i, p := range pages {
		if p.Page != i+1 {
			t.Errorf("pages[%d].Page = %d", i, p.Page)
		}
	}
	if resp.Header.Get("X-Pages") != "3" {
		t.Errorf("Expected X-Pages 3, got %q", resp.Header.Get("X-Pages"))
	}
}
