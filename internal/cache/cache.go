// Package cache implements the Context Cache Manager: a content-addressed
// cache of large prompt prefixes for the Cloud Backend. Grounded on
// internal/session.RedisStore (Redis-backed storage, TTL
// handling, pub/sub for cross-instance signaling), generalized from
// session state to cache-entry state. Same-process concurrent builders
// are deduplicated with golang.org/x/sync/singleflight — a real
// replacement for the inflight-map idea seen in
// laplaque-ai-anonymizing-proxy/internal/anonymizer.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"elidacore/internal/core"
)

// Handle is the opaque backing handle a CacheEntry wraps, plus the
// bucket tag fixed at creation. An entry is never reused across
// buckets (enforced by key derivation, not a runtime check: public
// content and confidential content never produce the same key unless
// their bytes are identical, and this type is only ever constructed
// through GetOrCreatePublic).
type Handle struct {
	Key           string
	BackingHandle string
	Bucket        core.Bucket
	ExpiresAt     time.Time

	// Hit reports whether this handle was served from an existing entry
	// (true) or built fresh by this call (false).
	Hit bool
}

// entryRecord is the JSON shape persisted in Redis.
type entryRecord struct {
	BackingHandle string    `json:"backing_handle"`
	Bucket        string    `json:"bucket"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Builder constructs the backing handle for a cache miss — e.g. issuing
// the Cloud Backend's context-cache-create call. It never runs more
// than once per key at a time, across the whole process, thanks to the
// singleflight group in Manager.
type Builder func(ctx context.Context, content string) (backingHandle string, err error)

// Stats is a point-in-time snapshot of cache activity, exposed to
// internal/control.
type Stats struct {
	Entries     int64
	Hits        int64
	Misses      int64
	TokensSaved int64
}

// Manager is the Context Cache Manager.
type Manager struct {
	redis     *redis.Client
	keyPrefix string
	group     singleflight.Group

	entries     atomic.Int64
	hits        atomic.Int64
	misses      atomic.Int64
	tokensSaved atomic.Int64
}

// EstimatedTokens is a rough, tokenizer-free estimate of how many tokens
// content occupies, used for the tokens_saved stat and as a fallback when
// a backend's own usage response doesn't break out cached tokens. It is
// never used for billing or routing decisions.
func EstimatedTokens(content string) int64 {
	return int64(len(content)) / 4
}

// Config configures a Manager.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// New connects to Redis and returns a Manager.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "elidacore:cache:"
	}

	return &Manager{redis: client, keyPrefix: prefix}, nil
}

func (m *Manager) entryKey(key string) string {
	return m.keyPrefix + key
}

// Key is the content-addressing function: sha256(content), truncated to
// the first 32 hex characters.
func Key(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:32]
}

// GetOrCreatePublic is the only reachable entrypoint for building a
// cache entry; there is deliberately no GetOrCreate(bucket, ...) taking
// a Bucket parameter, so a caller cannot accidentally cache confidential
// content — any attempt to do so must instead call Reject, which always
// fails with ErrorKind.CachePolicyViolation before ever touching Redis.
func (m *Manager) GetOrCreatePublic(ctx context.Context, content string, ttl time.Duration, build Builder) (*Handle, error) {
	key := Key(content)

	if existing, ok := m.lookup(ctx, key); ok {
		m.hits.Add(1)
		m.tokensSaved.Add(EstimatedTokens(content))
		existing.Hit = true
		return existing, nil
	}

	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		// Re-check under the single-flight group in case another
		// process-local caller raced us to the lookup above.
		if existing, ok := m.lookup(ctx, key); ok {
			existing.Hit = true
			return existing, nil
		}

		// SET NX acts as a distributed lock so only one instance across
		// the fleet builds this key at a time; losers poll briefly.
		lockKey := m.keyPrefix + "lock:" + key
		acquired, lockErr := m.redis.SetNX(ctx, lockKey, "1", 30*time.Second).Result()
		if lockErr != nil {
			return nil, fmt.Errorf("cache lock acquire: %w", lockErr)
		}
		if !acquired {
			return m.waitForBuild(ctx, key)
		}
		defer m.redis.Del(ctx, lockKey)

		backingHandle, buildErr := build(ctx, content)
		if buildErr != nil {
			return nil, buildErr
		}

		expiresAt := time.Now().Add(ttl)
		record := entryRecord{
			BackingHandle: backingHandle,
			Bucket:        string(core.BucketPublic),
			ExpiresAt:     expiresAt,
		}
		data, marshalErr := json.Marshal(record)
		if marshalErr != nil {
			return nil, marshalErr
		}
		if setErr := m.redis.Set(ctx, m.entryKey(key), data, ttl).Err(); setErr != nil {
			return nil, fmt.Errorf("cache store: %w", setErr)
		}

		m.entries.Add(1)
		return &Handle{Key: key, BackingHandle: backingHandle, Bucket: core.BucketPublic, ExpiresAt: expiresAt}, nil
	})
	if err != nil {
		return nil, err
	}

	handle := v.(*Handle)
	if handle.Hit {
		m.hits.Add(1)
		m.tokensSaved.Add(EstimatedTokens(content))
	} else {
		m.misses.Add(1)
	}
	return handle, nil
}

// Reject is the confidential path's only interaction with the cache: it
// always fails closed, since confidential content is never cached at all.
func Reject(runID string) error {
	return core.NewError(core.CachePolicyViolation, runID, "confidential content must never be cached", nil)
}

func (m *Manager) lookup(ctx context.Context, key string) (*Handle, bool) {
	data, err := m.redis.Get(ctx, m.entryKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var record entryRecord
	if err := json.Unmarshal(data, &record); err != nil {
		slog.Error("cache entry unmarshal failed", "key", key, "error", err)
		return nil, false
	}
	return &Handle{
		Key:           key,
		BackingHandle: record.BackingHandle,
		Bucket:        core.Bucket(record.Bucket),
		ExpiresAt:     record.ExpiresAt,
	}, true
}

// waitForBuild polls briefly for another instance's in-flight build to
// land, bounded so a crashed builder can't wedge this caller forever.
func (m *Manager) waitForBuild(ctx context.Context, key string) (*Handle, error) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if existing, ok := m.lookup(ctx, key); ok {
			existing.Hit = true
			return existing, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("timed out waiting for concurrent cache build of key %s", key)
}

// Stats returns a snapshot of hit/miss counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Entries:     m.entries.Load(),
		Hits:        m.hits.Load(),
		Misses:      m.misses.Load(),
		TokensSaved: m.tokensSaved.Load(),
	}
}

// Close releases the underlying Redis connection.
func (m *Manager) Close() error {
	return m.redis.Close()
}
