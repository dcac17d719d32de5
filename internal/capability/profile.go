package capability

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/skygent/skygent/pkg/primitives"
)

// DefaultProfileBatchSize is the default max DIDs resolved per
// GetProfiles call, per spec.md §4.8.
const DefaultProfileBatchSize = 25

// ProfilesFetcher resolves a batch of DIDs to handles, typically
// BskyClient.GetProfiles.
type ProfilesFetcher func(ctx context.Context, dids []primitives.Did) (map[primitives.Did]primitives.Handle, error)

// BatchingProfileResolver batches concurrent HandleForDid calls into
// GetProfiles requests of at most batchSize, caching results in a bounded
// LRU-with-TTL identity store.
type BatchingProfileResolver struct {
	fetch     ProfilesFetcher
	batchSize int
	cache     *lru.LRU[primitives.Did, primitives.Handle]

	mu      sync.Mutex
	pending map[primitives.Did][]chan resolveResult
	timer   *time.Timer
	window  time.Duration
}

type resolveResult struct {
	handle primitives.Handle
	err    error
}

// NewBatchingProfileResolver builds a resolver batching up to batchSize DIDs
// per underlying fetch call, within the given debounce window, caching
// results for ttl.
func NewBatchingProfileResolver(fetch ProfilesFetcher, batchSize int, window time.Duration, cacheSize int, ttl time.Duration) *BatchingProfileResolver {
	if batchSize <= 0 {
		batchSize = DefaultProfileBatchSize
	}
	return &BatchingProfileResolver{
		fetch:     fetch,
		batchSize: batchSize,
		window:    window,
		cache:     lru.NewLRU[primitives.Did, primitives.Handle](cacheSize, nil, ttl),
		pending:   map[primitives.Did][]chan resolveResult{},
	}
}

// HandleForDid implements ProfileResolver.
func (r *BatchingProfileResolver) HandleForDid(ctx context.Context, did primitives.Did) (primitives.Handle, error) {
	if h, ok := r.cache.Get(did); ok {
		return h, nil
	}

	ch := make(chan resolveResult, 1)
	r.enqueue(did, ch)

	select {
	case res := <-ch:
		return res.handle, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *BatchingProfileResolver) enqueue(did primitives.Did, ch chan resolveResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[did] = append(r.pending[did], ch)
	if r.timer == nil {
		r.timer = time.AfterFunc(r.window, r.flush)
	}
	if r.pendingCountLocked() >= r.batchSize {
		r.timer.Stop()
		go r.flush()
	}
}

func (r *BatchingProfileResolver) pendingCountLocked() int {
	return len(r.pending)
}

func (r *BatchingProfileResolver) flush() {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.timer = nil
		r.mu.Unlock()
		return
	}
	batch := r.pending
	r.pending = map[primitives.Did][]chan resolveResult{}
	r.timer = nil
	r.mu.Unlock()

	dids := make([]primitives.Did, 0, len(batch))
	for did := range batch {
		dids = append(dids, did)
	}

	// Split into batchSize-sized sub-requests.
	for start := 0; start < len(dids); start += r.batchSize {
		end := start + r.batchSize
		if end > len(dids) {
			end = len(dids)
		}
		chunk := dids[start:end]
		resolved, err := r.fetch(context.Background(), chunk)
		for _, did := range chunk {
			result := resolveResult{err: err}
			if err == nil {
				handle, ok := resolved[did]
				if !ok {
					result.err = fmt.Errorf("capability: profile resolver: no handle returned for %s", did)
				} else {
					result.handle = handle
					r.cache.Add(did, handle)
				}
			}
			for _, ch := range batch[did] {
				ch <- result
			}
		}
	}
}
