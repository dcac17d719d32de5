package capability

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/skygent/skygent/pkg/primitives"
)

// DefaultTrendingTTL is the cache TTL spec.md §4.8 names for TrendingTopics
// (15 minutes).
const DefaultTrendingTTL = 15 * time.Minute

// TrendingFetcher fetches the current list of trending hashtags, typically
// BskyClient.GetTrendingTopics.
type TrendingFetcher func(ctx context.Context) ([]primitives.Hashtag, error)

// CachedTrendingTopics backs TrendingTopics with a single periodically
// refreshed list, compared case-insensitively with the leading '#'
// stripped, per spec.md §4.8.
type CachedTrendingTopics struct {
	fetch TrendingFetcher
	ttl   time.Duration
	clock Clock

	mu       sync.Mutex
	topics   map[string]struct{}
	fetchedAt time.Time
}

// NewCachedTrendingTopics builds a CachedTrendingTopics using clock for TTL
// bookkeeping (a capability.Clock so tests can control refresh timing).
func NewCachedTrendingTopics(fetch TrendingFetcher, ttl time.Duration, clock Clock) *CachedTrendingTopics {
	return &CachedTrendingTopics{fetch: fetch, ttl: ttl, clock: clock}
}

// IsTrending implements TrendingTopics.
func (c *CachedTrendingTopics) IsTrending(ctx context.Context, tag primitives.Hashtag) (bool, error) {
	if err := c.refreshIfStale(ctx); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[normaliseTag(tag)]
	return ok, nil
}

func (c *CachedTrendingTopics) refreshIfStale(ctx context.Context) error {
	c.mu.Lock()
	stale := c.topics == nil || c.clock.Since(c.fetchedAt) >= c.ttl
	c.mu.Unlock()
	if !stale {
		return nil
	}

	tags, err := c.fetch(ctx)
	if err != nil {
		return err
	}

	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[normaliseTag(t)] = struct{}{}
	}

	c.mu.Lock()
	c.topics = set
	c.fetchedAt = c.clock.Now()
	c.mu.Unlock()
	return nil
}

func normaliseTag(tag primitives.Hashtag) string {
	return strings.ToLower(tag.Bare())
}
