package filterlib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skygent/skygent/internal/apperr"
	"github.com/skygent/skygent/internal/capability"
	"github.com/skygent/skygent/internal/filter"
	"github.com/skygent/skygent/pkg/primitives"
)

func testLib() *Library {
	return New(capability.NewMemFileSystem(), "/root")
}

func TestSaveLoadRoundTripPreservesHash(t *testing.T) {
	lib := testLib()
	expr := filter.And(
		filter.HashtagOf(primitives.NewHashtag("ai")),
		filter.Not(filter.Author("spam.bsky.social")),
	)
	require.NoError(t, lib.Save("quality-ai", expr))

	loaded, err := lib.Load("quality-ai")
	require.NoError(t, err)

	h1, err := filter.ExprHash(expr)
	require.NoError(t, err)
	h2, err := filter.ExprHash(loaded)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestLoadMissingFilterIsNotFound(t *testing.T) {
	lib := testLib()
	_, err := lib.Load("ghost")
	require.Error(t, err)
	var nf *apperr.FilterNotFound
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "ghost", nf.Name)
}

func TestSaveRejectsUncompilableExpr(t *testing.T) {
	lib := testLib()
	err := lib.Save("bad", filter.Regex([]string{"("}, ""))
	require.Error(t, err)

	names, err := lib.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestListAndDelete(t *testing.T) {
	lib := testLib()
	require.NoError(t, lib.Save("one", filter.IsReply()))
	require.NoError(t, lib.Save("two", filter.HasImages()))

	names, err := lib.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"one", "two"}, names)

	require.NoError(t, lib.Delete("one"))
	names, err = lib.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"two"}, names)

	require.Error(t, lib.Delete("one"))
}

func TestResolverFeedsDSLNamedReferences(t *testing.T) {
	lib := testLib()
	require.NoError(t, lib.Save("trusted", filter.Author("trusted.bsky.social")))

	expr, err := filter.ParseDSL("@trusted AND hashtag:#ai", lib.Resolver())
	require.NoError(t, err)
	_, err = filter.Compile(expr)
	require.NoError(t, err)
}

func TestInvalidNamesRejected(t *testing.T) {
	lib := testLib()
	require.Error(t, lib.Save("../escape", filter.IsReply()))
	require.Error(t, lib.Save("", filter.IsReply()))
	_, err := lib.Load("a/b")
	require.Error(t, err)
}
