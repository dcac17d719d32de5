package storemgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skygent/skygent/internal/apperr"
	"github.com/skygent/skygent/internal/capability"
	"github.com/skygent/skygent/internal/datasource"
	"github.com/skygent/skygent/internal/logging"
	"github.com/skygent/skygent/internal/storedb"
	"github.com/skygent/skygent/pkg/primitives"
)

func mgrSetup(t *testing.T) *Manager {
	t.Helper()
	reg := storedb.NewRegistry(t.TempDir())
	t.Cleanup(reg.CloseAll)
	clock := capability.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	return New(reg, clock, logging.Noop())
}

func TestCreateListDelete(t *testing.T) {
	m := mgrSetup(t)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "alpha"))
	require.NoError(t, m.Create(ctx, "bravo"))

	names, err := m.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []primitives.StoreName{"alpha", "bravo"}, names)

	require.NoError(t, m.Delete(ctx, "alpha"))
	names, err = m.List()
	require.NoError(t, err)
	assert.Equal(t, []primitives.StoreName{"bravo"}, names)
}

func TestCreateRejectsDuplicate(t *testing.T) {
	m := mgrSetup(t)
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, "alpha"))

	err := m.Create(ctx, "alpha")
	require.Error(t, err)
	assert.Equal(t, apperr.ExitCliOrConfig, apperr.ExitCode(err))
}

func TestDeleteUnknownStoreFails(t *testing.T) {
	m := mgrSetup(t)
	err := m.Delete(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, apperr.ExitStoreNotFound, apperr.ExitCode(err))
}

func TestShowEmptyStore(t *testing.T) {
	m := mgrSetup(t)
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, "alpha"))

	info, err := m.Show(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.PostCount)
	assert.Equal(t, int64(0), info.EventCount)
	assert.Equal(t, primitives.EventSeq(0), info.LastEventSeq)
	assert.Empty(t, info.Sources)
}

func TestSourceLifecycle(t *testing.T) {
	m := mgrSetup(t)
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, "alpha"))

	src := datasource.Author("alice.bsky.social", capability.AuthorFeedOptions{})
	require.NoError(t, m.AddSource(ctx, "alpha", src))

	sources, err := m.ListSources(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, src.StoreSourceId(), sources[0].Id)
	assert.True(t, sources[0].Enabled)
	assert.Nil(t, sources[0].LastSyncedAt)

	require.NoError(t, m.SetSourceEnabled(ctx, "alpha", src.StoreSourceId(), false))
	require.NoError(t, m.TouchSourceSynced(ctx, "alpha", src.StoreSourceId()))

	sources, err = m.ListSources(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.False(t, sources[0].Enabled)
	require.NotNil(t, sources[0].LastSyncedAt)

	require.NoError(t, m.RemoveSource(ctx, "alpha", src.StoreSourceId()))
	sources, err = m.ListSources(ctx, "alpha")
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestSetEnabledOnUnknownSourceFails(t *testing.T) {
	m := mgrSetup(t)
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, "alpha"))
	require.Error(t, m.SetSourceEnabled(ctx, "alpha", "feed:at://nope", true))
}
