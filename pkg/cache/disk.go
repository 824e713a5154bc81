package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultDiskCacheBytes is the size budget used when none is configured.
	DefaultDiskCacheBytes int64 = 5 * 1024 * 1024

	// pruning stops once the cache is below this fraction of the budget
	hysteresisFactor = 0.9

	diskCacheFile = "cache.db"
)

var errNotInitialized = errors.New("disk cache not initialized")

// DiskCache stores entries in a SQLite database under a directory and keeps
// the total payload size under a byte budget by dropping least recently
// used entries.
type DiskCache struct {
	dir      string
	maxBytes int64

	mu        sync.Mutex
	db        *sql.DB
	totalSize int64
}

// NewDiskCache creates a disk cache rooted at dir. An empty dir keeps the
// database in a private in-memory instance. Nothing touches the filesystem
// until Initialize.
func NewDiskCache(dir string, maxBytes int64) *DiskCache {
	if maxBytes <= 0 {
		maxBytes = DefaultDiskCacheBytes
	}
	return &DiskCache{dir: dir, maxBytes: maxBytes}
}

// Initialize creates the cache directory and schema. Calling it again is a no-op.
func (c *DiskCache) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return nil
	}

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	if c.dir != "" {
		if err := os.MkdirAll(c.dir, 0o755); err != nil {
			CacheErrors.WithLabelValues(layerDisk, "init").Inc()
			return fmt.Errorf("create cache dir: %w", err)
		}
		dsn = filepath.Join(c.dir, diskCacheFile)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		CacheErrors.WithLabelValues(layerDisk, "init").Inc()
		return fmt.Errorf("open cache db: %w", err)
	}
	// one writer keeps SQLite out of SQLITE_BUSY territory
	db.SetMaxOpenConns(1)

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			key TEXT PRIMARY KEY,
			entry BLOB NOT NULL,
			size INTEGER NOT NULL,
			last_access INTEGER NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS last_access_idx ON entries (last_access)",
	}
	if c.dir != "" {
		stmts = append(stmts, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			CacheErrors.WithLabelValues(layerDisk, "init").Inc()
			return fmt.Errorf("init cache schema: %w", err)
		}
	}

	var total sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT SUM(size) FROM entries").Scan(&total); err != nil {
		_ = db.Close()
		CacheErrors.WithLabelValues(layerDisk, "init").Inc()
		return fmt.Errorf("read cache size: %w", err)
	}

	c.db = db
	c.totalSize = total.Int64
	CacheSize.WithLabelValues(layerDisk).Set(float64(c.totalSize))

	log.Debug().
		Str("dir", c.dir).
		Int64("size_bytes", c.totalSize).
		Int64("max_bytes", c.maxBytes).
		Msg("Disk cache initialized")
	return nil
}

// Get returns the entry stored under key and refreshes its access time.
// A row that cannot be decoded is removed and reported as a miss.
func (c *DiskCache) Get(ctx context.Context, key string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil, errNotInitialized
	}
	entry, err := c.getLocked(ctx, key)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			CacheMisses.WithLabelValues(layerDisk).Inc()
		} else {
			CacheErrors.WithLabelValues(layerDisk, "get").Inc()
		}
		return nil, err
	}
	CacheHits.WithLabelValues(layerDisk).Inc()
	return entry, nil
}

// Put stores entry under key and prunes if the budget is exceeded. An entry
// larger than the whole budget is not stored and any previous entry for key
// is dropped.
func (c *DiskCache) Put(ctx context.Context, key string, entry *Entry) error {
	if entry == nil {
		return ErrInvalidEntry
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return errNotInitialized
	}
	if err := c.putLocked(ctx, key, entry); err != nil {
		CacheErrors.WithLabelValues(layerDisk, "put").Inc()
		return err
	}
	return nil
}

// Invalidate rewrites the stored entry with cleared soft TTL (and TTL when fullExpire).
func (c *DiskCache) Invalidate(ctx context.Context, key string, fullExpire bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return errNotInitialized
	}
	entry, err := c.getLocked(ctx, key)
	if errors.Is(err, ErrCacheMiss) {
		return nil
	}
	if err == nil {
		invalidate(entry, fullExpire)
		err = c.putLocked(ctx, key, entry)
	}
	if err != nil {
		CacheErrors.WithLabelValues(layerDisk, "invalidate").Inc()
		return err
	}
	return nil
}

// Remove deletes the entry stored under key.
func (c *DiskCache) Remove(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return errNotInitialized
	}
	if err := c.removeLocked(ctx, key); err != nil {
		CacheErrors.WithLabelValues(layerDisk, "remove").Inc()
		return err
	}
	CacheSize.WithLabelValues(layerDisk).Set(float64(c.totalSize))
	return nil
}

// Clear drops every entry.
func (c *DiskCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return errNotInitialized
	}
	if _, err := c.db.ExecContext(ctx, "DELETE FROM entries"); err != nil {
		CacheErrors.WithLabelValues(layerDisk, "clear").Inc()
		return fmt.Errorf("disk clear: %w", err)
	}
	c.totalSize = 0
	CacheSize.WithLabelValues(layerDisk).Set(0)
	log.Debug().Str("dir", c.dir).Msg("Disk cache cleared")
	return nil
}

// Size returns the total number of payload bytes currently stored.
func (c *DiskCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSize
}

// Close releases the underlying database.
func (c *DiskCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

func (c *DiskCache) getLocked(ctx context.Context, key string) (*Entry, error) {
	var blob []byte
	err := c.db.QueryRowContext(ctx, "SELECT entry FROM entries WHERE key = ?", key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("disk get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(blob, &entry); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Dropping corrupt disk cache entry")
		_ = c.removeLocked(ctx, key)
		CacheSize.WithLabelValues(layerDisk).Set(float64(c.totalSize))
		return nil, ErrCacheMiss
	}

	if _, err := c.db.ExecContext(ctx, "UPDATE entries SET last_access = ? WHERE key = ?", time.Now().UnixNano(), key); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Failed to update last access")
	}
	return &entry, nil
}

func (c *DiskCache) putLocked(ctx context.Context, key string, entry *Entry) error {
	blob, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	size := int64(len(blob))
	if size > c.maxBytes {
		// would evict everything else and still not fit
		log.Debug().Str("key", key).Int64("size_bytes", size).Msg("Entry larger than disk cache budget, not stored")
		if err := c.removeLocked(ctx, key); err != nil {
			return err
		}
		CacheSize.WithLabelValues(layerDisk).Set(float64(c.totalSize))
		return nil
	}

	prev, err := c.sizeOfLocked(ctx, key)
	if err != nil {
		return err
	}

	_, err = c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (key, entry, size, last_access) VALUES (?, ?, ?, ?)",
		key, blob, size, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("disk put: %w", err)
	}
	c.totalSize += size - prev

	if c.totalSize > c.maxBytes {
		if err := c.pruneLocked(ctx); err != nil {
			return err
		}
	}
	CacheSize.WithLabelValues(layerDisk).Set(float64(c.totalSize))
	return nil
}

func (c *DiskCache) sizeOfLocked(ctx context.Context, key string) (int64, error) {
	var size int64
	err := c.db.QueryRowContext(ctx, "SELECT size FROM entries WHERE key = ?", key).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("disk size lookup: %w", err)
	}
	return size, nil
}

func (c *DiskCache) removeLocked(ctx context.Context, key string) error {
	size, err := c.sizeOfLocked(ctx, key)
	if err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, "DELETE FROM entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("disk remove: %w", err)
	}
	c.totalSize -= size
	return nil
}

// pruneLocked drops least recently used entries until the cache is below
// the hysteresis mark.
func (c *DiskCache) pruneLocked(ctx context.Context) error {
	target := int64(float64(c.maxBytes) * hysteresisFactor)
	before := c.totalSize
	start := time.Now()

	rows, err := c.db.QueryContext(ctx, "SELECT key, size FROM entries ORDER BY last_access ASC")
	if err != nil {
		return fmt.Errorf("disk prune scan: %w", err)
	}

	type victim struct {
		key  string
		size int64
	}
	var victims []victim
	remaining := c.totalSize
	for rows.Next() && remaining >= target {
		var v victim
		if err := rows.Scan(&v.key, &v.size); err != nil {
			rows.Close()
			return fmt.Errorf("disk prune scan: %w", err)
		}
		victims = append(victims, v)
		remaining -= v.size
	}
	rows.Close()

	for _, v := range victims {
		if _, err := c.db.ExecContext(ctx, "DELETE FROM entries WHERE key = ?", v.key); err != nil {
			return fmt.Errorf("disk prune delete: %w", err)
		}
		c.totalSize -= v.size
		CacheEvictions.WithLabelValues(layerDisk).Inc()
	}

	log.Debug().
		Int("pruned", len(victims)).
		Int64("freed_bytes", before-c.totalSize).
		Dur("duration", time.Since(start)).
		Msg("Disk cache pruned")
	return nil
}
