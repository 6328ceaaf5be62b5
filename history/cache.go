package history

import (
	"sync"
	"time"

	"modelgate/common"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// SummaryEntry is the cached result of one summarization, snapshotted
// against the history it summarized.
type SummaryEntry struct {
	Summary      string
	MessageCount int
	TotalChars   int
	CreatedAt    time.Time
}

func (e SummaryEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// SummaryCache memoizes summaries per session key. Entries expire at
// max_age and the map is bounded with LRU eviction. Writes are
// delta-triggered: a refresh is only accepted when the history has
// grown enough, the entry has aged out, or no entry exists.
type SummaryCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, SummaryEntry]
	cfg common.SummaryCacheConfig
	now func() time.Time
}

func NewSummaryCache(cfg common.SummaryCacheConfig) *SummaryCache {
	return &SummaryCache{
		lru: expirable.NewLRU[string, SummaryEntry](cfg.MaxEntries, nil, cfg.MaxAge()),
		cfg: cfg,
		now: time.Now,
	}
}

// Get returns the entry for key unless it has exceeded max_age.
func (c *SummaryCache) Get(key string) (SummaryEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lru.Get(key)
	if !ok {
		return SummaryEntry{}, false
	}
	if entry.Age(c.now()) > c.cfg.MaxAge() {
		c.lru.Remove(key)
		return SummaryEntry{}, false
	}
	return entry, true
}

// ShouldRefresh reports whether a new summary for key would be
// accepted given the current history size.
func (c *SummaryCache) ShouldRefresh(key string, messageCount, totalChars int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldRefreshLocked(key, messageCount, totalChars)
}

func (c *SummaryCache) shouldRefreshLocked(key string, messageCount, totalChars int) bool {
	entry, ok := c.lru.Peek(key)
	if !ok {
		return true
	}
	if messageCount-entry.MessageCount >= c.cfg.MinDeltaMessages {
		return true
	}
	if totalChars-entry.TotalChars >= c.cfg.MinDeltaChars {
		return true
	}
	if entry.Age(c.now()) >= c.cfg.MaxAge() {
		return true
	}
	return false
}

// Put stores a summary if the acceptance law admits it. The boolean
// reports whether the write was accepted.
func (c *SummaryCache) Put(key, summary string, messageCount, totalChars int) bool {
	if !c.cfg.Enabled {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.shouldRefreshLocked(key, messageCount, totalChars) {
		return false
	}
	c.lru.Add(key, SummaryEntry{
		Summary:      summary,
		MessageCount: messageCount,
		TotalChars:   totalChars,
		CreatedAt:    c.now(),
	})
	return true
}

func (c *SummaryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
