package storedb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skygent/skygent/internal/apperr"
	"github.com/skygent/skygent/pkg/primitives"
)

func TestOpenCreatesAndMigrates(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	t.Cleanup(reg.CloseAll)

	db, err := reg.Open(context.Background(), "demo", true)
	require.NoError(t, err)

	var version int
	require.NoError(t, db.Conn.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version))
	assert.Equal(t, migrations[len(migrations)-1].version, version)

	// Every engine-facing table exists after migration.
	for _, table := range []string{
		"posts", "post_hashtag", "post_lang", "event_log",
		"index_checkpoints", "sync_checkpoints", "derivation_checkpoints", "store_sources",
	} {
		var n int
		require.NoError(t, db.Conn.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n), "table %s", table)
	}
}

func TestOpenIsIdempotentAndCached(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	t.Cleanup(reg.CloseAll)

	first, err := reg.Open(context.Background(), "demo", true)
	require.NoError(t, err)
	second, err := reg.Open(context.Background(), "demo", false)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestOpenWithoutCreateFailsForMissingStore(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	_, err := reg.Open(context.Background(), "ghost", false)
	require.Error(t, err)
	assert.Equal(t, apperr.ExitStoreNotFound, apperr.ExitCode(err))
}

func TestListEnumeratesStores(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	t.Cleanup(reg.CloseAll)

	names, err := reg.List()
	require.NoError(t, err)
	assert.Empty(t, names)

	for _, name := range []primitives.StoreName{"alpha", "bravo"} {
		_, err := reg.Open(context.Background(), name, true)
		require.NoError(t, err)
	}
	names, err = reg.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []primitives.StoreName{"alpha", "bravo"}, names)
}

func TestRemoveDeletesStoreArtifacts(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	t.Cleanup(reg.CloseAll)

	_, err := reg.Open(context.Background(), "demo", true)
	require.NoError(t, err)
	require.True(t, reg.Exists("demo"))

	require.NoError(t, reg.Remove("demo"))
	assert.False(t, reg.Exists("demo"))

	_, err = reg.Open(context.Background(), "demo", false)
	require.Error(t, err)
}
