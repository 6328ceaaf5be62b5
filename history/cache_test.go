package history

import (
	"testing"
	"time"

	"modelgate/common"

	"github.com/stretchr/testify/assert"
)

func cacheConfig() common.SummaryCacheConfig {
	return common.SummaryCacheConfig{
		Enabled:          true,
		MinDeltaMessages: 3,
		MinDeltaChars:    4000,
		MaxAgeSeconds:    180,
		MaxEntries:       128,
	}
}

func TestSummaryCacheFirstWriteAccepted(t *testing.T) {
	cache := NewSummaryCache(cacheConfig())
	assert.True(t, cache.Put("k1", "summary", 50, 150000))

	entry, ok := cache.Get("k1")
	assert.True(t, ok)
	assert.Equal(t, "summary", entry.Summary)
	assert.Equal(t, 150000, entry.TotalChars)
}

func TestSummaryCacheRejectsSmallDelta(t *testing.T) {
	cache := NewSummaryCache(cacheConfig())
	cache.Put("k1", "v1", 50, 150000)

	// +2 messages and <4000 new chars: below both deltas
	assert.False(t, cache.Put("k1", "v2", 52, 153000))

	entry, _ := cache.Get("k1")
	assert.Equal(t, "v1", entry.Summary)
}

func TestSummaryCacheAcceptsMessageDelta(t *testing.T) {
	cache := NewSummaryCache(cacheConfig())
	cache.Put("k1", "v1", 50, 150000)
	assert.True(t, cache.Put("k1", "v2", 53, 150100))
}

func TestSummaryCacheAcceptsCharDelta(t *testing.T) {
	cache := NewSummaryCache(cacheConfig())
	cache.Put("k1", "v1", 50, 150000)
	assert.True(t, cache.Put("k1", "v2", 51, 154500))
}

func TestSummaryCacheAcceptsAfterMaxAge(t *testing.T) {
	cache := NewSummaryCache(cacheConfig())
	now := time.Now()
	cache.now = func() time.Time { return now }
	cache.Put("k1", "v1", 50, 150000)

	cache.now = func() time.Time { return now.Add(181 * time.Second) }
	assert.True(t, cache.Put("k1", "v2", 50, 150000))
}

func TestSummaryCacheExpiredReadsMiss(t *testing.T) {
	cache := NewSummaryCache(cacheConfig())
	now := time.Now()
	cache.now = func() time.Time { return now }
	cache.Put("k1", "v1", 50, 150000)

	cache.now = func() time.Time { return now.Add(181 * time.Second) }
	_, ok := cache.Get("k1")
	assert.False(t, ok)
}

func TestSummaryCacheLRUEviction(t *testing.T) {
	cfg := cacheConfig()
	cfg.MaxEntries = 2
	cache := NewSummaryCache(cfg)

	cache.Put("a", "v", 1, 1)
	cache.Put("b", "v", 1, 1)
	cache.Put("c", "v", 1, 1)

	assert.Equal(t, 2, cache.Len())
	_, ok := cache.Get("a")
	assert.False(t, ok)
	_, ok = cache.Get("c")
	assert.True(t, ok)
}

func TestSummaryCacheDisabledRejectsWrites(t *testing.T) {
	cfg := cacheConfig()
	cfg.Enabled = false
	cache := NewSummaryCache(cfg)
	assert.False(t, cache.Put("k1", "v", 1, 1))
}
