package derive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skygent/skygent/internal/capability"
	"github.com/skygent/skygent/internal/checkpoint"
	"github.com/skygent/skygent/internal/committer"
	"github.com/skygent/skygent/internal/filter"
	"github.com/skygent/skygent/internal/logging"
	"github.com/skygent/skygent/internal/storedb"
	"github.com/skygent/skygent/pkg/post"
	"github.com/skygent/skygent/pkg/primitives"
)

const (
	sourceStore = primitives.StoreName("source")
	targetStore = primitives.StoreName("view")
)

func deriveSetup(t *testing.T) (*Engine, *committer.Committer, *storedb.Registry) {
	t.Helper()
	reg := storedb.NewRegistry(t.TempDir())
	t.Cleanup(reg.CloseAll)
	ctx := context.Background()
	for _, name := range []primitives.StoreName{sourceStore, targetStore} {
		_, err := reg.Open(ctx, name, true)
		require.NoError(t, err)
	}
	c := committer.New(reg)
	clock := capability.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	return New(reg, c, filter.Capabilities{}, clock, logging.Noop()), c, reg
}

func seedUpsert(t *testing.T, c *committer.Committer, uri, text string, tags ...string) {
	t.Helper()
	hashtags := map[primitives.Hashtag]struct{}{}
	for _, tag := range tags {
		hashtags[primitives.NewHashtag(tag)] = struct{}{}
	}
	_, err := c.AppendUpsert(context.Background(), sourceStore, committer.Upsert{
		Post: &post.Post{
			Uri:       primitives.PostUri(uri),
			Author:    primitives.Handle("alice.bsky.social"),
			Text:      text,
			CreatedAt: primitives.NewTimestamp(time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)),
			Hashtags:  hashtags,
			Mentions:  map[primitives.Handle]struct{}{},
			Links:     map[string]struct{}{},
		},
		Meta: post.EventMeta{Source: post.SourceTimeline, CreatedAt: primitives.Now()},
	})
	require.NoError(t, err)
}

func aiFilter(t *testing.T) *filter.Predicate {
	t.Helper()
	pred, err := filter.Compile(filter.HashtagOf(primitives.NewHashtag("ai")))
	require.NoError(t, err)
	return pred
}

func TestDeriveMaterialisesMatchingPosts(t *testing.T) {
	e, c, reg := deriveSetup(t)
	seedUpsert(t, c, "at://did:plc:a/app.bsky.feed.post/1", "about #ai", "ai")
	seedUpsert(t, c, "at://did:plc:a/app.bsky.feed.post/2", "about #tech", "tech")

	res, err := e.Run(context.Background(), sourceStore, targetStore, aiFilter(t), Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.EventsProcessed)
	assert.Equal(t, int64(1), res.EventsMatched)
	assert.Equal(t, primitives.EventSeq(2), res.LastSourceSeq)

	db, err := reg.Open(context.Background(), targetStore, false)
	require.NoError(t, err)
	var uri string
	require.NoError(t, db.Conn.QueryRow(`SELECT uri FROM posts`).Scan(&uri))
	assert.Equal(t, "at://did:plc:a/app.bsky.feed.post/1", uri)

	// The derived event records its provenance.
	var payload string
	require.NoError(t, db.Conn.QueryRow(`SELECT payload_json FROM event_log LIMIT 1`).Scan(&payload))
	assert.Contains(t, payload, `"sourceStore":"source"`)
}

func TestDeriveResumesFromCheckpoint(t *testing.T) {
	e, c, _ := deriveSetup(t)
	seedUpsert(t, c, "at://did:plc:a/app.bsky.feed.post/1", "about #ai", "ai")

	res, err := e.Run(context.Background(), sourceStore, targetStore, aiFilter(t), Options{Idempotent: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.EventsProcessed)

	// Nothing new: the second run processes zero further events.
	res, err = e.Run(context.Background(), sourceStore, targetStore, aiFilter(t), Options{Idempotent: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.EventsProcessed)
	assert.Equal(t, primitives.EventSeq(1), res.LastSourceSeq)

	seedUpsert(t, c, "at://did:plc:a/app.bsky.feed.post/2", "more #ai", "ai")
	res, err = e.Run(context.Background(), sourceStore, targetStore, aiFilter(t), Options{Idempotent: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.EventsProcessed)
	assert.Equal(t, int64(2), res.EventsMatched)
}

func TestDerivePropagatesDeletes(t *testing.T) {
	e, c, reg := deriveSetup(t)
	uri := primitives.PostUri("at://did:plc:a/app.bsky.feed.post/1")
	seedUpsert(t, c, uri.String(), "about #ai", "ai")
	_, err := c.AppendDelete(context.Background(), sourceStore, uri, "",
		post.EventMeta{Source: post.SourceJetstream, CreatedAt: primitives.Now()})
	require.NoError(t, err)

	res, err := e.Run(context.Background(), sourceStore, targetStore, aiFilter(t), Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.DeletesPropagated)

	db, err := reg.Open(context.Background(), targetStore, false)
	require.NoError(t, err)
	var n int
	require.NoError(t, db.Conn.QueryRow(`SELECT COUNT(*) FROM posts`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestIsStaleOnFilterHashChange(t *testing.T) {
	e, c, _ := deriveSetup(t)
	seedUpsert(t, c, "at://did:plc:a/app.bsky.feed.post/1", "about #ai", "ai")

	pred := aiFilter(t)
	_, err := e.Run(context.Background(), sourceStore, targetStore, pred, Options{})
	require.NoError(t, err)

	stale, err := e.IsStale(context.Background(), sourceStore, targetStore, pred, checkpoint.EventTime)
	require.NoError(t, err)
	assert.False(t, stale)

	// Same source position, different filter: stale, and the next run
	// rescans from seq 0.
	other, err := filter.Compile(filter.HashtagOf(primitives.NewHashtag("tech")))
	require.NoError(t, err)
	stale, err = e.IsStale(context.Background(), sourceStore, targetStore, other, checkpoint.EventTime)
	require.NoError(t, err)
	assert.True(t, stale)

	res, err := e.Run(context.Background(), sourceStore, targetStore, other, Options{Idempotent: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.EventsProcessed)
	assert.Equal(t, int64(0), res.EventsMatched)
}

func TestIsStaleWhenSourceAdvances(t *testing.T) {
	e, c, _ := deriveSetup(t)
	seedUpsert(t, c, "at://did:plc:a/app.bsky.feed.post/1", "about #ai", "ai")

	pred := aiFilter(t)
	_, err := e.Run(context.Background(), sourceStore, targetStore, pred, Options{})
	require.NoError(t, err)

	seedUpsert(t, c, "at://did:plc:a/app.bsky.feed.post/2", "late #ai", "ai")
	stale, err := e.IsStale(context.Background(), sourceStore, targetStore, pred, checkpoint.EventTime)
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestEventTimeModeRejectsEffectfulFilter(t *testing.T) {
	e, _, _ := deriveSetup(t)
	pred, err := filter.Compile(filter.Trending(primitives.NewHashtag("ai"), filter.Exclude()))
	require.NoError(t, err)

	_, err = e.Run(context.Background(), sourceStore, targetStore, pred, Options{Mode: checkpoint.EventTime})
	require.Error(t, err)
}

// trendingAlways reports every tag as trending.
type trendingAlways struct{}

func (trendingAlways) IsTrending(context.Context, primitives.Hashtag) (bool, error) { return true, nil }

func TestDeriveTimeStampsHashSuffix(t *testing.T) {
	reg := storedb.NewRegistry(t.TempDir())
	t.Cleanup(reg.CloseAll)
	ctx := context.Background()
	for _, name := range []primitives.StoreName{sourceStore, targetStore} {
		_, err := reg.Open(ctx, name, true)
		require.NoError(t, err)
	}
	c := committer.New(reg)
	clock := capability.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	e := New(reg, c, filter.Capabilities{TrendingTopics: trendingAlways{}}, clock, logging.Noop())

	seedUpsert(t, c, "at://did:plc:a/app.bsky.feed.post/1", "about #ai", "ai")

	pred, err := filter.Compile(filter.Trending(primitives.NewHashtag("ai"), filter.Exclude()))
	require.NoError(t, err)
	_, err = e.Run(ctx, sourceStore, targetStore, pred, Options{Mode: checkpoint.DeriveTime})
	require.NoError(t, err)

	db, err := reg.Open(ctx, targetStore, false)
	require.NoError(t, err)
	cp, err := checkpoint.GetDerivation(ctx, db.Conn, targetStore.String(), sourceStore)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Contains(t, cp.FilterHash, filter.DeriveTimeHashSuffix)
	assert.Equal(t, checkpoint.DeriveTime, cp.EvaluationMode)
}
