package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Cache is the storage contract used by the dispatchers.
//
// Implementations must be safe for concurrent use: the cache dispatcher
// reads while several network workers write. Entries returned by Get are
// copies owned by the caller.
type Cache interface {
	// Initialize performs blocking setup. It is called once from the cache
	// worker before the first lookup, never from the submission path.
	Initialize(ctx context.Context) error

	// Get returns the entry stored under key, or ErrCacheMiss.
	// Expired entries are still returned; freshness is the caller's call.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put stores entry under key, replacing any previous value.
	Put(ctx context.Context, key string, entry *Entry) error

	// Invalidate marks the entry as needing revalidation. With fullExpire
	// the entry is also treated as expired.
	Invalidate(ctx context.Context, key string, fullExpire bool) error

	// Remove deletes the entry stored under key.
	Remove(ctx context.Context, key string) error

	// Clear drops every entry.
	Clear(ctx context.Context) error
}

// invalidate applies Invalidate semantics to an entry in place.
func invalidate(e *Entry, fullExpire bool) {
	e.SoftTTL = time.Time{}
	if fullExpire {
		e.TTL = time.Time{}
	}
}
