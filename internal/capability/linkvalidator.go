package capability

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultLinkValidatorTTL is the cache TTL spec.md §4.8 names for
// LinkValidator (6 hours).
const DefaultLinkValidatorTTL = 6 * time.Hour

// HttpLinkValidator validates HTTP(S) URLs with a HEAD request, falling
// back to GET on 405/501, and caches the verdict in a bounded LRU with TTL
// (github.com/hashicorp/golang-lru/v2/expirable — the bounded-cache
// container several corpus repos use for exactly this shared-resource
// shape, per spec.md §5).
type HttpLinkValidator struct {
	client *http.Client
	cache  *lru.LRU[string, bool]
}

// NewHttpLinkValidator builds a validator with the given HTTP timeout, cache
// size and TTL.
func NewHttpLinkValidator(timeout time.Duration, cacheSize int, ttl time.Duration) *HttpLinkValidator {
	return &HttpLinkValidator{
		client: &http.Client{Timeout: timeout},
		cache:  lru.NewLRU[string, bool](cacheSize, nil, ttl),
	}
}

// IsValid implements LinkValidator. Non-HTTP(S) schemes are rejected
// before any network I/O, per spec.md §8's boundary behaviour.
func (v *HttpLinkValidator) IsValid(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false, nil
	}

	if ok, hit := v.cache.Get(rawURL); hit {
		return ok, nil
	}

	ok, err := v.probe(ctx, rawURL)
	if err != nil {
		return false, err
	}
	v.cache.Add(rawURL, ok)
	return ok, nil
}

func (v *HttpLinkValidator) probe(ctx context.Context, rawURL string) (bool, error) {
	ok, status, err := v.request(ctx, http.MethodHead, rawURL)
	if err != nil {
		return false, err
	}
	if status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented {
		ok, _, err = v.request(ctx, http.MethodGet, rawURL)
		if err != nil {
			return false, err
		}
	}
	return ok, nil
}

func (v *HttpLinkValidator) request(ctx context.Context, method, rawURL string) (bool, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return false, 0, fmt.Errorf("capability: building %s request: %w", method, err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return false, 0, nil // network failure counts as invalid, not an error
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400, resp.StatusCode, nil
}

// Invalidate removes rawURL from the cache.
func (v *HttpLinkValidator) Invalidate(rawURL string) { v.cache.Remove(rawURL) }
