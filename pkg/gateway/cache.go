package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CachedResponse is the stored form of a cacheable downstream response.
type CachedResponse struct {
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	CachedAt    time.Time `json:"cached_at"`
}

// ResponseCache stores successful GET responses in Redis under derived keys
// so identical requests inside the TTL never reach the downstream service.
type ResponseCache struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// NewResponseCache wraps a Redis client.
func NewResponseCache(rdb *redis.Client, logger zerolog.Logger) *ResponseCache {
	return &ResponseCache{rdb: rdb, logger: logger.With().Str("component", "response_cache").Logger()}
}

// Get returns the cached response for a key, if any. Store errors read as
// misses.
func (c *ResponseCache) Get(ctx context.Context, key string) (*CachedResponse, bool) {
	raw, err := c.rdb.Get(ctx, "cache:"+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn().Err(err).Msg("cache store unavailable on read")
		}
		return nil, false
	}
	var cached CachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		c.logger.Warn().Err(err).Msg("discarding undecodable cache entry")
		return nil, false
	}
	return &cached, true
}

// Put stores a response for the TTL. Store failures are logged and dropped;
// the request that produced the response has already been served.
func (c *ResponseCache) Put(ctx context.Context, key string, resp CachedResponse, ttl time.Duration) {
	raw, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to encode cache entry")
		return
	}
	if err := c.rdb.Set(ctx, "cache:"+key, raw, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to store cache entry")
	}
}

// CacheKey derives the lookup key for one request. The query string is
// normalized so parameter order cannot split one logical request across
// several cache entries.
func CacheKey(service, endpoint, method string, query url.Values) string {
	sum := sha256.Sum256([]byte(service + "|" + endpoint + "|" + method + "|" + normalizeQuery(query)))
	return hex.EncodeToString(sum[:])
}

// normalizeQuery renders query parameters as k=v pairs joined by "&", with
// keys sorted and repeated values sorted within their key.
func normalizeQuery(query url.Values) string {
	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var pairs []string
	for _, key := range keys {
		values := append([]string(nil), query[key]...)
		sort.Strings(values)
		for _, value := range values {
			pairs = append(pairs, key+"="+value)
		}
	}
	return strings.Join(pairs, "&")
}
