package datasource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skygent/skygent/internal/capability"
	"github.com/skygent/skygent/pkg/primitives"
)

func TestSourceKeyInvariantUnderJetstreamListOrder(t *testing.T) {
	a := Jetstream(capability.JetstreamOptions{
		Collections: []string{"app.bsky.feed.post", "app.bsky.feed.like"},
		Dids:        []primitives.Did{"did:plc:bbb", "did:plc:aaa"},
	})
	b := Jetstream(capability.JetstreamOptions{
		Collections: []string{"app.bsky.feed.like", "app.bsky.feed.post"},
		Dids:        []primitives.Did{"did:plc:aaa", "did:plc:bbb"},
	})
	assert.Equal(t, a.SourceKey(), b.SourceKey())
}

func TestSourceKeyIncludesDifferentiatingFields(t *testing.T) {
	plain := Author("alice.bsky.social", capability.AuthorFeedOptions{})
	filtered := Author("alice.bsky.social", capability.AuthorFeedOptions{Filter: "posts_no_replies"})
	pinned := Author("alice.bsky.social", capability.AuthorFeedOptions{IncludePins: true})
	assert.NotEqual(t, plain.SourceKey(), filtered.SourceKey())
	assert.NotEqual(t, plain.SourceKey(), pinned.SourceKey())
	assert.NotEqual(t, filtered.SourceKey(), pinned.SourceKey())

	shallow := Thread("at://did:plc:a/app.bsky.feed.post/1", capability.ThreadOptions{Depth: 1})
	deep := Thread("at://did:plc:a/app.bsky.feed.post/1", capability.ThreadOptions{Depth: 10})
	assert.NotEqual(t, shallow.SourceKey(), deep.SourceKey())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	src := Jetstream(capability.JetstreamOptions{
		Endpoint:    "wss://example.test/subscribe",
		Collections: []string{"app.bsky.feed.post"},
		Dids:        []primitives.Did{"did:plc:abc"},
		Compress:    true,
	})
	data, err := src.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, src, decoded)
	assert.Equal(t, src.SourceKey(), decoded.SourceKey())
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"carrier-pigeon"}`))
	require.Error(t, err)
}

func TestValidateRequiresVariantFields(t *testing.T) {
	require.Error(t, DataSource{Kind: KindFeed}.Validate())
	require.Error(t, DataSource{Kind: KindAuthor}.Validate())
	require.NoError(t, Timeline().Validate())
	require.NoError(t, Notifications().Validate())
}
