//go:build integration

package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
		redisContainer.Terminate(ctx)
	})
	return client
}

func TestTracker_Integration_SharedBudget(t *testing.T) {
	redisClient := setupRedis(t)
	ctx := context.Background()

	writer := NewTracker(redisClient, zerolog.Nop())
	reader := NewTrackerWithConfig(redisClient, Config{ThrottleDelay: 10 * time.Millisecond}, zerolog.Nop())

	state, err := reader.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if !state.IsHealthy {
		t.Error("empty Redis should yield a healthy default state")
	}

	tests := []struct {
		name    string
		remain  string
		allowed bool
	}{
		{"healthy", "100", true},
		{"warning band throttles but allows", "10", true},
		{"critical blocks", "2", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			h.Set("X-Error-Limit-Remain", tt.remain)
			h.Set("X-Error-Limit-Reset", "60")
			if err := writer.UpdateFromHeaders(ctx, h); err != nil {
				t.Fatalf("UpdateFromHeaders() error = %v", err)
			}

			allowed, err := reader.ShouldAllowRequest(ctx)
			if err != nil {
				t.Fatalf("ShouldAllowRequest() error = %v", err)
			}
			if allowed != tt.allowed {
				t.Errorf("ShouldAllowRequest() = %v, want %v", allowed, tt.allowed)
			}
		})
	}
}

func TestTracker_Integration_WindowReset(t *testing.T) {
	redisClient := setupRedis(t)
	ctx := context.Background()
	tracker := NewTracker(redisClient, zerolog.Nop())

	h := http.Header{}
	h.Set("X-Error-Limit-Remain", "0")
	h.Set("X-Error-Limit-Reset", "2")
	if err := tracker.UpdateFromHeaders(ctx, h); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	if allowed, _ := tracker.ShouldAllowRequest(ctx); allowed {
		t.Fatal("exhausted budget should block")
	}

	// reset timestamps are stored with second precision
	time.Sleep(3100 * time.Millisecond)

	allowed, err := tracker.ShouldAllowRequest(ctx)
	if err != nil {
		t.Fatalf("ShouldAllowRequest() error = %v", err)
	}
	if !allowed {
		t.Error("requests should flow again once the window has reset")
	}
}

func TestTracker_Integration_KeyPrefixIsolation(t *testing.T) {
	redisClient := setupRedis(t)
	ctx := context.Background()

	a := NewTrackerWithConfig(redisClient, Config{KeyPrefix: "origin-a:"}, zerolog.Nop())
	b := NewTrackerWithConfig(redisClient, Config{KeyPrefix: "origin-b:"}, zerolog.Nop())

	h := http.Header{}
	h.Set("X-Error-Limit-Remain", "1")
	h.Set("X-Error-Limit-Reset", "60")
	if err := a.UpdateFromHeaders(ctx, h); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	if allowed, _ := a.ShouldAllowRequest(ctx); allowed {
		t.Error("origin-a should be blocked")
	}
	if allowed, _ := b.ShouldAllowRequest(ctx); !allowed {
		t.Error("origin-b has its own budget and should be allowed")
	}
}
