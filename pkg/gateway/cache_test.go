package gateway

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKeyNormalizesQueryOrder(t *testing.T) {
	a, err := url.ParseQuery("b=2&a=1&tag=x&tag=y")
	require.NoError(t, err)
	b, err := url.ParseQuery("tag=y&a=1&tag=x&b=2")
	require.NoError(t, err)

	assert.Equal(t,
		CacheKey("scanorch", "/api/v1/scans", "GET", a),
		CacheKey("scanorch", "/api/v1/scans", "GET", b))
}

func TestCacheKeyDistinguishesRequests(t *testing.T) {
	query := url.Values{"env": {"production"}}
	base := CacheKey("scanorch", "/api/v1/scans", "GET", query)

	assert.NotEqual(t, base, CacheKey("scanorch", "/api/v1/scans", "GET", url.Values{"env": {"staging"}}))
	assert.NotEqual(t, base, CacheKey("scanorch", "/api/v1/reports", "GET", query))
	assert.NotEqual(t, base, CacheKey("debugger", "/api/v1/scans", "GET", query))
	assert.NotEqual(t, base, CacheKey("scanorch", "/api/v1/scans", "HEAD", query))
}

func TestNormalizeQuery(t *testing.T) {
	got := normalizeQuery(url.Values{"b": {"2"}, "a": {"1"}, "tag": {"y", "x"}})
	assert.Equal(t, "a=1&b=2&tag=x&tag=y", got)

	assert.Equal(t, "", normalizeQuery(url.Values{}))
}

func TestResponseCacheRoundTrip(t *testing.T) {
	mr, rdb := newTestRedis(t)
	c := NewResponseCache(rdb, zerolog.Nop())
	ctx := context.Background()
	key := CacheKey("scanorch", "/api/v1/scans", "GET", url.Values{})

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	stored := CachedResponse{
		StatusCode:  200,
		ContentType: "application/json",
		Body:        []byte(`{"ok":true}`),
		CachedAt:    time.Date(2025, 8, 14, 10, 0, 0, 0, time.UTC),
	}
	c.Put(ctx, key, stored, 300*time.Second)

	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, stored.StatusCode, got.StatusCode)
	assert.Equal(t, stored.ContentType, got.ContentType)
	assert.Equal(t, stored.Body, got.Body)
	assert.True(t, stored.CachedAt.Equal(got.CachedAt))

	mr.FastForward(301 * time.Second)
	_, ok = c.Get(ctx, key)
	assert.False(t, ok)
}

func TestResponseCacheDiscardsUndecodableEntries(t *testing.T) {
	mr, rdb := newTestRedis(t)
	c := NewResponseCache(rdb, zerolog.Nop())

	require.NoError(t, mr.Set("cache:somekey", "not json"))
	_, ok := c.Get(context.Background(), "somekey")
	assert.False(t, ok)
}
