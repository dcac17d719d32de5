package filter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skygent/skygent/pkg/post"
	"github.com/skygent/skygent/pkg/primitives"
)

func samplePost() *post.Post {
	return &post.Post{
		Uri:       primitives.PostUri("at://did:plc:abc/app.bsky.feed.post/1"),
		Author:    primitives.Handle("alice.bsky.social"),
		Text:      "loving this new AI model",
		CreatedAt: primitives.NewTimestamp(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)),
		Hashtags: map[primitives.Hashtag]struct{}{
			primitives.NewHashtag("ai"): {},
		},
		Mentions: map[primitives.Handle]struct{}{},
		Links:    map[string]struct{}{},
		Metrics:  &post.Metrics{LikeCount: 10, RepostCount: 2},
	}
}

func TestCompileRejectsInvertedDateRange(t *testing.T) {
	start := primitives.Now()
	end := primitives.NewTimestamp(start.Time().Add(-time.Hour))
	_, err := Compile(DateRange(start, end))
	require.Error(t, err)
}

func TestCompileRejectsEmptyEngagementThresholds(t *testing.T) {
	_, err := Compile(Engagement(EngagementThresholds{}))
	require.Error(t, err)
}

func TestCompileRejectsInvalidRegex(t *testing.T) {
	_, err := Compile(Regex([]string{"("}, ""))
	require.Error(t, err)
}

func TestEvaluateAndShortCircuits(t *testing.T) {
	pred, err := Compile(And(HashtagOf(primitives.NewHashtag("ai")), Author("alice.bsky.social")))
	require.NoError(t, err)
	ok, err := Evaluate(context.Background(), pred, samplePost(), Capabilities{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateOrShortCircuits(t *testing.T) {
	pred, err := Compile(Or(Author("nobody.bsky.social"), HashtagOf(primitives.NewHashtag("ai"))))
	require.NoError(t, err)
	ok, err := Evaluate(context.Background(), pred, samplePost(), Capabilities{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateNotInverts(t *testing.T) {
	pred, err := Compile(Not(Author("nobody.bsky.social")))
	require.NoError(t, err)
	ok, err := Evaluate(context.Background(), pred, samplePost(), Capabilities{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateEngagementThreshold(t *testing.T) {
	minLikes := 5
	pred, err := Compile(Engagement(EngagementThresholds{MinLikes: &minLikes}))
	require.NoError(t, err)
	ok, err := Evaluate(context.Background(), pred, samplePost(), Capabilities{})
	require.NoError(t, err)
	assert.True(t, ok)

	minLikes = 100
	pred, err = Compile(Engagement(EngagementThresholds{MinLikes: &minLikes}))
	require.NoError(t, err)
	ok, err = Evaluate(context.Background(), pred, samplePost(), Capabilities{})
	require.NoError(t, err)
	assert.False(t, ok)
}

type stubLinkValidator struct {
	valid bool
	err   error
	calls int
}

func (s *stubLinkValidator) IsValid(ctx context.Context, url string) (bool, error) {
	s.calls++
	return s.valid, s.err
}

func TestEvaluateHasValidLinksIncludePolicyOnError(t *testing.T) {
	p := samplePost()
	p.Links = map[string]struct{}{"https://example.com": {}}

	stub := &stubLinkValidator{err: errors.New("network down")}
	pred, err := Compile(HasValidLinks(Include()))
	require.NoError(t, err)

	ok, err := Evaluate(context.Background(), pred, p, Capabilities{LinkValidator: stub})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateHasValidLinksExcludePolicyOnError(t *testing.T) {
	p := samplePost()
	p.Links = map[string]struct{}{"https://example.com": {}}

	stub := &stubLinkValidator{err: errors.New("network down")}
	pred, err := Compile(HasValidLinks(Exclude()))
	require.NoError(t, err)

	ok, err := Evaluate(context.Background(), pred, p, Capabilities{LinkValidator: stub})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateHasValidLinksRetryExhaustsThenExcludes(t *testing.T) {
	p := samplePost()
	p.Links = map[string]struct{}{"https://example.com": {}}

	stub := &stubLinkValidator{err: errors.New("network down")}
	pred, err := Compile(HasValidLinks(NewRetry(2, time.Millisecond)))
	require.NoError(t, err)

	ok, err := Evaluate(context.Background(), pred, p, Capabilities{LinkValidator: stub})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, stub.calls, 3)
}

func TestModeCompatibility(t *testing.T) {
	assert.True(t, IsEventTimeCompatible(And(HashtagOf(primitives.NewHashtag("ai")), IsReply())))
	assert.False(t, IsEventTimeCompatible(Trending(primitives.NewHashtag("ai"), Include())))
	assert.False(t, IsEventTimeCompatible(And(HasImages(), HasValidLinks(Include()))))
}

func TestExprHashStableAndSensitiveToShape(t *testing.T) {
	a := And(HashtagOf(primitives.NewHashtag("ai")), Not(Author("spam.bsky.social")))
	b := And(HashtagOf(primitives.NewHashtag("ai")), Not(Author("spam.bsky.social")))
	c := And(HashtagOf(primitives.NewHashtag("ml")), Not(Author("spam.bsky.social")))

	ha, err := ExprHash(a)
	require.NoError(t, err)
	hb, err := ExprHash(b)
	require.NoError(t, err)
	hc, err := ExprHash(c)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.NotEqual(t, ha, hc)
}

func TestJSONRoundTrip(t *testing.T) {
	original := And(HashtagOf(primitives.NewHashtag("ai")), Not(Author("spam.bsky.social")))
	data, err := ToJSON(original)
	require.NoError(t, err)

	decoded, err := FromJSON(data)
	require.NoError(t, err)

	h1, _ := ExprHash(original)
	h2, _ := ExprHash(decoded)
	assert.Equal(t, h1, h2)
}

func TestParseDSLMatchesConstructedExpr(t *testing.T) {
	parsed, err := ParseDSL(`hashtag:#ai AND NOT author:spam.bsky.social`, nil)
	require.NoError(t, err)

	expected := And(HashtagOf(primitives.NewHashtag("ai")), Not(Author("spam.bsky.social")))

	h1, _ := ExprHash(parsed)
	h2, _ := ExprHash(expected)
	assert.Equal(t, h2, h1)
}

func TestParseDSLParensAndOr(t *testing.T) {
	parsed, err := ParseDSL(`(is:reply OR is:quote) AND hashtag:#ai`, nil)
	require.NoError(t, err)
	pred, err := Compile(parsed)
	require.NoError(t, err)

	p := samplePost()
	p.Reply = &post.Reply{ParentUri: primitives.PostUri("at://x/app.bsky.feed.post/parent")}
	ok, err := Evaluate(context.Background(), pred, p, Capabilities{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestParseDSLUnknownKey(t *testing.T) {
	_, err := ParseDSL("bogus:value", nil)
	require.Error(t, err)
}

func TestParseDSLNamedFilterWithoutResolverFails(t *testing.T) {
	_, err := ParseDSL("@trusted", nil)
	require.Error(t, err)
}

func TestParseDSLNamedFilterResolves(t *testing.T) {
	resolve := func(name string) (Expr, error) {
		if name == "trusted" {
			return Author("trusted.bsky.social"), nil
		}
		return nil, errors.New("not found")
	}
	parsed, err := ParseDSL("@trusted", resolve)
	require.NoError(t, err)
	assert.Equal(t, TagAuthor, parsed.exprTag())
}

func TestParseHumanDurationAcceptsBothForms(t *testing.T) {
	d1, err := parseHumanDuration("1s")
	require.NoError(t, err)
	d2, err := parseHumanDuration("1 second")
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}
