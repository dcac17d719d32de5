package rawpost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skygent/skygent/internal/capability"
	"github.com/skygent/skygent/pkg/primitives"
)

func TestParseFeedViewPostWithFacets(t *testing.T) {
	payload := []byte(`{
		"post": {
			"uri": "at://did:plc:abc/app.bsky.feed.post/1",
			"cid": "bafy1",
			"author": {"did": "did:plc:abc", "handle": "alice.bsky.social"},
			"indexedAt": "2026-01-15T00:00:00Z",
			"likeCount": 5,
			"repostCount": 1,
			"replyCount": 0,
			"quoteCount": 0,
			"record": {
				"$type": "app.bsky.feed.post",
				"text": "loving #ai and https://example.com",
				"createdAt": "2026-01-15T00:00:00Z",
				"langs": ["en"],
				"facets": [
					{"index": {"byteStart": 7, "byteEnd": 10}, "features": [{"$type": "app.bsky.richtext.facet#tag", "tag": "ai"}]},
					{"index": {"byteStart": 15, "byteEnd": 34}, "features": [{"$type": "app.bsky.richtext.facet#link", "uri": "https://example.com"}]}
				]
			}
		}
	}`)

	p, err := Parse(capability.RawRecord{Kind: "feedViewPost", Payload: payload})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "alice.bsky.social", p.Author.String())
	assert.Contains(t, p.Hashtags, primitives.NewHashtag("ai"))
	assert.Len(t, p.Links, 1)
	assert.Equal(t, 5, p.Metrics.LikeCount)
}

func TestParseFeedViewPostFallsBackToRegexWithoutFacets(t *testing.T) {
	payload := []byte(`{
		"post": {
			"uri": "at://did:plc:abc/app.bsky.feed.post/2",
			"cid": "bafy2",
			"author": {"did": "did:plc:abc", "handle": "bob.bsky.social"},
			"record": {
				"$type": "app.bsky.feed.post",
				"text": "no facets here #golang",
				"createdAt": "2026-01-15T00:00:00Z"
			}
		}
	}`)

	p, err := Parse(capability.RawRecord{Kind: "feedViewPost", Payload: payload})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Contains(t, p.Hashtags, primitives.NewHashtag("golang"))
}

func TestParseJetstreamCommitSkipsDeletes(t *testing.T) {
	payload := []byte(`{
		"did": "did:plc:abc",
		"time_us": 1700000000000000,
		"kind": "commit",
		"commit": {"rev": "1", "operation": "delete", "collection": "app.bsky.feed.post", "rkey": "x"}
	}`)
	p, err := Parse(capability.RawRecord{Kind: "jetstreamEvent", Payload: payload})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestParseJetstreamCommitCreate(t *testing.T) {
	payload := []byte(`{
		"did": "did:plc:abc",
		"time_us": 1700000000000000,
		"kind": "commit",
		"commit": {
			"rev": "1", "operation": "create", "collection": "app.bsky.feed.post", "rkey": "xyz", "cid": "bafy3",
			"record": {"$type": "app.bsky.feed.post", "text": "hello", "createdAt": "2026-01-15T00:00:00Z"}
		}
	}`)
	p, err := Parse(capability.RawRecord{Kind: "jetstreamEvent", Payload: payload})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "at://did:plc:abc/app.bsky.feed.post/xyz", p.Uri.String())
}

func TestParseNotificationIgnoresLikeReason(t *testing.T) {
	payload := []byte(`{"reason": "like", "uri": "at://x", "cid": "y", "author": {"did": "did:plc:a", "handle": "a.bsky.social"}}`)
	p, err := Parse(capability.RawRecord{Kind: "notification", Payload: payload})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestParseEmbedImages(t *testing.T) {
	payload := []byte(`{
		"post": {
			"uri": "at://did:plc:abc/app.bsky.feed.post/3",
			"cid": "bafy4",
			"author": {"did": "did:plc:abc", "handle": "alice.bsky.social"},
			"record": {
				"$type": "app.bsky.feed.post",
				"text": "a pic",
				"createdAt": "2026-01-15T00:00:00Z",
				"embed": {
					"$type": "app.bsky.embed.images",
					"images": [{"alt": "a cat", "image": {"ref": {"$link": "bafyimg"}}, "aspectRatio": {"width": 100, "height": 200}}]
				}
			}
		}
	}`)
	p, err := Parse(capability.RawRecord{Kind: "feedViewPost", Payload: payload})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.Embed.HasImages())
	assert.Equal(t, 1, p.Embed.ImageCount())
	assert.Equal(t, "a cat", p.Embed.AltText())
}
