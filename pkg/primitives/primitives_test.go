package primitives

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHashtagNormalises(t *testing.T) {
	assert.Equal(t, Hashtag("#ai"), NewHashtag("ai"))
	assert.Equal(t, Hashtag("#ai"), NewHashtag("#ai"))
	assert.Equal(t, "ai", NewHashtag("#ai").Bare())
}

func TestParseStoreNameRejectsInvalidCharacters(t *testing.T) {
	_, err := ParseStoreName("Demo Store!")
	require.Error(t, err)

	name, err := ParseStoreName("demo-store_1")
	require.NoError(t, err)
	assert.Equal(t, "demo-store_1", name.String())
}

func TestTimestampRoundTripsJSON(t *testing.T) {
	ts := NewTimestamp(time.Date(2026, 1, 1, 0, 10, 0, 0, time.FixedZone("X", 3600)))
	data, err := ts.MarshalJSON()
	require.NoError(t, err)

	var out Timestamp
	require.NoError(t, out.UnmarshalJSON(data))
	assert.True(t, ts.Time().Equal(out.Time()))
	assert.Equal(t, time.UTC, out.Time().Location())
}

func TestEventIdIsMonotonicWithinProcess(t *testing.T) {
	at := time.Now()
	a := NewEventId(at)
	b := NewEventId(at)
	assert.Less(t, a.String(), b.String())

	parsed, err := ParseEventId(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = ParseEventId("not-a-ulid")
	assert.Error(t, err)
}

func TestAtUriAuthority(t *testing.T) {
	u := AtUri("at://did:plc:abc123/app.bsky.feed.post/3k2n")
	assert.Equal(t, "did:plc:abc123", u.Authority())
}
