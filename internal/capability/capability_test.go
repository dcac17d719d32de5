package capability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skygent/skygent/pkg/primitives"
)

func TestHttpLinkValidatorRejectsNonHttpWithoutNetworkIO(t *testing.T) {
	v := NewHttpLinkValidator(time.Second, 10, time.Hour)
	ok, err := v.IsValid(context.Background(), "ftp://example.com/file")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHttpLinkValidatorFallsBackToGetOn405(t *testing.T) {
	var headCalls, getCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			headCalls++
			w.WriteHeader(http.StatusMethodNotAllowed)
		case http.MethodGet:
			getCalls++
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	v := NewHttpLinkValidator(time.Second, 10, time.Hour)
	ok, err := v.IsValid(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, headCalls)
	assert.Equal(t, 1, getCalls)
}

func TestHttpLinkValidatorCaches(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	v := NewHttpLinkValidator(time.Second, 10, time.Hour)
	_, err := v.IsValid(context.Background(), srv.URL)
	require.NoError(t, err)
	_, err = v.IsValid(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestCachedTrendingTopicsCaseInsensitiveStripsHash(t *testing.T) {
	clock := NewFakeClock(time.Now())
	fetchCalls := 0
	fetch := func(ctx context.Context) ([]primitives.Hashtag, error) {
		fetchCalls++
		return []primitives.Hashtag{primitives.NewHashtag("AI")}, nil
	}
	tt := NewCachedTrendingTopics(fetch, DefaultTrendingTTL, clock)

	ok, err := tt.IsTrending(context.Background(), primitives.NewHashtag("ai"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tt.IsTrending(context.Background(), primitives.NewHashtag("crypto"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, fetchCalls)

	clock.Advance(DefaultTrendingTTL + time.Second)
	_, err = tt.IsTrending(context.Background(), primitives.NewHashtag("ai"))
	require.NoError(t, err)
	assert.Equal(t, 2, fetchCalls)
}

func TestBatchingProfileResolverCachesAndBatches(t *testing.T) {
	var batches [][]primitives.Did
	fetch := func(ctx context.Context, dids []primitives.Did) (map[primitives.Did]primitives.Handle, error) {
		batches = append(batches, dids)
		out := map[primitives.Did]primitives.Handle{}
		for _, d := range dids {
			out[d] = primitives.Handle(d.String() + ".bsky.social")
		}
		return out, nil
	}
	resolver := NewBatchingProfileResolver(fetch, 25, 5*time.Millisecond, 100, time.Hour)

	handle, err := resolver.HandleForDid(context.Background(), "did:plc:a")
	require.NoError(t, err)
	assert.Equal(t, primitives.Handle("did:plc:a.bsky.social"), handle)

	handle2, err := resolver.HandleForDid(context.Background(), "did:plc:a")
	require.NoError(t, err)
	assert.Equal(t, handle, handle2)
	assert.Len(t, batches, 1)
}

func TestThresholdResourceMonitorWarnsOnBreach(t *testing.T) {
	m := NewThresholdResourceMonitor(
		func() (int64, error) { return 100, nil },
		func() (int64, error) { return 0, nil },
		100, 0,
	)
	warnings, err := m.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, SeverityCritical, warnings[0].Severity)
}

func TestThresholdResourceMonitorNoWarningBelowThreshold(t *testing.T) {
	m := NewThresholdResourceMonitor(
		func() (int64, error) { return 1, nil },
		func() (int64, error) { return 1, nil },
		1000, 1000,
	)
	warnings, err := m.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, warnings)
}
