package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skygent/skygent/internal/storedb"
	"github.com/skygent/skygent/pkg/primitives"
)

func testConn(t *testing.T) *storedb.DB {
	t.Helper()
	reg := storedb.NewRegistry(t.TempDir())
	t.Cleanup(reg.CloseAll)
	db, err := reg.Open(context.Background(), "demo", true)
	require.NoError(t, err)
	return db
}

func TestSyncCheckpointRoundTrip(t *testing.T) {
	db := testConn(t)
	ctx := context.Background()

	missing, err := GetSync(ctx, db.Conn, "timeline")
	require.NoError(t, err)
	assert.Nil(t, missing)

	cp := Sync{
		SourceKey:    "timeline",
		SourceJSON:   `{"kind":"timeline"}`,
		Cursor:       "cursor-1",
		LastEventSeq: 42,
		FilterHash:   "abc123",
		UpdatedAt:    primitives.NewTimestamp(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)),
	}
	require.NoError(t, PutSync(ctx, db.Conn, cp))

	got, err := GetSync(ctx, db.Conn, "timeline")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cp, *got)

	// Overwrite in place.
	cp.Cursor = "cursor-2"
	cp.LastEventSeq = 99
	require.NoError(t, PutSync(ctx, db.Conn, cp))
	got, err = GetSync(ctx, db.Conn, "timeline")
	require.NoError(t, err)
	assert.Equal(t, "cursor-2", got.Cursor)
	assert.Equal(t, primitives.EventSeq(99), got.LastEventSeq)
}

func TestDerivationCheckpointRoundTrip(t *testing.T) {
	db := testConn(t)
	ctx := context.Background()

	cp := Derivation{
		ViewName:           "view",
		SourceStore:        "source",
		TargetStore:        "view",
		FilterHash:         "abc123",
		EvaluationMode:     EventTime,
		LastSourceEventSeq: 100,
		EventsProcessed:    100,
		EventsMatched:      17,
		DeletesPropagated:  2,
		UpdatedAt:          primitives.NewTimestamp(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)),
	}
	require.NoError(t, PutDerivation(ctx, db.Conn, cp))

	got, err := GetDerivation(ctx, db.Conn, "view", "source")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cp, *got)

	none, err := GetDerivation(ctx, db.Conn, "view", "other")
	require.NoError(t, err)
	assert.Nil(t, none)
}
