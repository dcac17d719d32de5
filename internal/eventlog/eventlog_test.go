package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skygent/skygent/internal/storedb"
	"github.com/skygent/skygent/pkg/post"
	"github.com/skygent/skygent/pkg/primitives"
)

func logSetup(t *testing.T) *storedb.DB {
	t.Helper()
	reg := storedb.NewRegistry(t.TempDir())
	t.Cleanup(reg.CloseAll)
	db, err := reg.Open(context.Background(), "demo", true)
	require.NoError(t, err)
	return db
}

func appendUpsert(t *testing.T, db *storedb.DB, uri string) post.EventLogEntry {
	t.Helper()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := post.NewUpsert(primitives.NewEventId(at), &post.Post{
		Uri:       primitives.PostUri(uri),
		Author:    primitives.Handle("alice.bsky.social"),
		Text:      "hello",
		CreatedAt: primitives.NewTimestamp(at),
		Hashtags:  map[primitives.Hashtag]struct{}{},
		Mentions:  map[primitives.Handle]struct{}{},
		Links:     map[string]struct{}{},
	}, post.EventMeta{Source: post.SourceTimeline, CreatedAt: primitives.NewTimestamp(at)})

	tx, err := db.Conn.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	entry, err := Append(context.Background(), tx, db.Path, rec)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return entry
}

func TestAppendAssignsGapFreeMonotoneSeqs(t *testing.T) {
	db := logSetup(t)
	for i := 1; i <= 5; i++ {
		entry := appendUpsert(t, db, "at://did:plc:a/app.bsky.feed.post/"+string(rune('0'+i)))
		assert.Equal(t, primitives.EventSeq(i), entry.Seq)
	}

	last, err := GetLastEventSeq(context.Background(), db.Conn)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, primitives.EventSeq(5), *last)
}

func TestEmptyLogHasNoLastSeqOrId(t *testing.T) {
	db := logSetup(t)
	seq, err := GetLastEventSeq(context.Background(), db.Conn)
	require.NoError(t, err)
	assert.Nil(t, seq)

	id, err := GetLastEventId(context.Background(), db.Conn)
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestGetEventsAfterReturnsAscendingTail(t *testing.T) {
	db := logSetup(t)
	var want []primitives.EventSeq
	for i := 1; i <= 4; i++ {
		entry := appendUpsert(t, db, "at://did:plc:a/app.bsky.feed.post/"+string(rune('0'+i)))
		if entry.Seq > 2 {
			want = append(want, entry.Seq)
		}
	}

	entries, err := GetEventsAfter(context.Background(), db.Conn, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for i, e := range entries {
		assert.Equal(t, want[i], e.Seq)
	}
}

func TestEventsRoundTripThroughPayload(t *testing.T) {
	db := logSetup(t)
	appendUpsert(t, db, "at://did:plc:a/app.bsky.feed.post/1")

	entries, err := GetEventsAfter(context.Background(), db.Conn, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	rec := entries[0].Record
	assert.Equal(t, post.EventPostUpsert, rec.Kind)
	assert.Equal(t, primitives.PostUri("at://did:plc:a/app.bsky.feed.post/1"), rec.UpsertPost.Uri)
	assert.Equal(t, post.SourceTimeline, rec.UpsertMeta.Source)
}

func TestLastEventIdMatchesLastSeqRow(t *testing.T) {
	db := logSetup(t)
	var lastEntry post.EventLogEntry
	for i := 1; i <= 3; i++ {
		lastEntry = appendUpsert(t, db, "at://did:plc:a/app.bsky.feed.post/"+string(rune('0'+i)))
	}

	id, err := GetLastEventId(context.Background(), db.Conn)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, lastEntry.Record.Id, *id)
}
