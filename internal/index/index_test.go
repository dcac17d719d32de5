package index

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skygent/skygent/internal/storedb"
	"github.com/skygent/skygent/pkg/post"
	"github.com/skygent/skygent/pkg/primitives"
)

func indexSetup(t *testing.T) *storedb.DB {
	t.Helper()
	reg := storedb.NewRegistry(t.TempDir())
	t.Cleanup(reg.CloseAll)
	db, err := reg.Open(context.Background(), "demo", true)
	require.NoError(t, err)
	return db
}

func inTx(t *testing.T, db *storedb.DB, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := db.Conn.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, fn(tx))
	require.NoError(t, tx.Commit())
}

func upsertEntry(seq primitives.EventSeq, uri, text string, tags ...string) post.EventLogEntry {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	hashtags := map[primitives.Hashtag]struct{}{}
	for _, tag := range tags {
		hashtags[primitives.NewHashtag(tag)] = struct{}{}
	}
	return post.EventLogEntry{
		Seq: seq,
		Record: post.NewUpsert(primitives.NewEventId(at), &post.Post{
			Uri:       primitives.PostUri(uri),
			Author:    primitives.Handle("alice.bsky.social"),
			Text:      text,
			CreatedAt: primitives.NewTimestamp(at),
			Hashtags:  hashtags,
			Mentions:  map[primitives.Handle]struct{}{},
			Links:     map[string]struct{}{},
		}, post.EventMeta{Source: post.SourceTimeline, CreatedAt: primitives.NewTimestamp(at)}),
	}
}

func TestApplyEntryPopulatesRowAndAncillaryTables(t *testing.T) {
	db := indexSetup(t)
	entry := upsertEntry(1, "at://did:plc:a/app.bsky.feed.post/1", "hello #ai", "ai")
	inTx(t, db, func(tx *sql.Tx) error { return ApplyEntry(context.Background(), tx, entry) })

	var text string
	require.NoError(t, db.Conn.QueryRow(`SELECT text FROM posts`).Scan(&text))
	assert.Equal(t, "hello #ai", text)

	var tag string
	require.NoError(t, db.Conn.QueryRow(`SELECT tag FROM post_hashtag`).Scan(&tag))
	assert.Equal(t, "#ai", tag)

	cp, err := GetCheckpoint(context.Background(), db.Conn)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, primitives.EventSeq(1), cp.LastEventSeq)
	assert.Equal(t, int64(1), cp.EventCount)
}

func TestApplyEntryIsIdempotentBySeq(t *testing.T) {
	db := indexSetup(t)
	entry := upsertEntry(1, "at://did:plc:a/app.bsky.feed.post/1", "original")
	inTx(t, db, func(tx *sql.Tx) error { return ApplyEntry(context.Background(), tx, entry) })

	// Re-applying the same seq with different content is a no-op: the
	// checkpoint says it has already been seen.
	mutated := upsertEntry(1, "at://did:plc:a/app.bsky.feed.post/1", "mutated")
	inTx(t, db, func(tx *sql.Tx) error { return ApplyEntry(context.Background(), tx, mutated) })

	var text string
	require.NoError(t, db.Conn.QueryRow(`SELECT text FROM posts`).Scan(&text))
	assert.Equal(t, "original", text)

	cp, err := GetCheckpoint(context.Background(), db.Conn)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cp.EventCount)
}

func TestDeleteEventRemovesRowAndCascades(t *testing.T) {
	db := indexSetup(t)
	uri := primitives.PostUri("at://did:plc:a/app.bsky.feed.post/1")
	inTx(t, db, func(tx *sql.Tx) error {
		return ApplyEntry(context.Background(), tx, upsertEntry(1, uri.String(), "hello #ai", "ai"))
	})

	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	del := post.EventLogEntry{
		Seq: 2,
		Record: post.NewDelete(primitives.NewEventId(at), uri, "",
			post.EventMeta{Source: post.SourceJetstream, CreatedAt: primitives.NewTimestamp(at)}),
	}
	inTx(t, db, func(tx *sql.Tx) error { return ApplyEntry(context.Background(), tx, del) })

	var n int
	require.NoError(t, db.Conn.QueryRow(`SELECT COUNT(*) FROM posts`).Scan(&n))
	assert.Equal(t, 0, n)
	require.NoError(t, db.Conn.QueryRow(`SELECT COUNT(*) FROM post_hashtag`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestFTSFollowsPostMutations(t *testing.T) {
	db := indexSetup(t)
	inTx(t, db, func(tx *sql.Tx) error {
		return ApplyEntry(context.Background(), tx, upsertEntry(1, "at://did:plc:a/app.bsky.feed.post/1", "quantum computing news"))
	})

	var n int
	require.NoError(t, db.Conn.QueryRow(
		`SELECT COUNT(*) FROM posts_fts WHERE posts_fts MATCH 'quantum'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestCreatedAtColumnOrderIsChronological(t *testing.T) {
	db := indexSetup(t)
	// A sub-second timestamp and a whole-second timestamp must still order
	// correctly under string comparison (the fixed-width layout's job).
	early := upsertEntry(1, "at://did:plc:a/app.bsky.feed.post/1", "early")
	early.Record.UpsertPost.CreatedAt = primitives.NewTimestamp(time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC))
	late := upsertEntry(2, "at://did:plc:a/app.bsky.feed.post/2", "late")
	late.Record.UpsertPost.CreatedAt = primitives.NewTimestamp(time.Date(2026, 1, 1, 0, 10, 0, 500_000_000, time.UTC))

	inTx(t, db, func(tx *sql.Tx) error { return ApplyEntry(context.Background(), tx, early) })
	inTx(t, db, func(tx *sql.Tx) error { return ApplyEntry(context.Background(), tx, late) })

	var firstUri string
	require.NoError(t, db.Conn.QueryRow(
		`SELECT uri FROM posts ORDER BY created_at ASC LIMIT 1`).Scan(&firstUri))
	assert.Equal(t, "at://did:plc:a/app.bsky.feed.post/1", firstUri)
}
