// Package filter implements Skygent's filter expression language
// (spec.md §4.1): a tagged-union AST, compile-time validation, DSL and
// JSON parsers, and predicate evaluation against a post.Post.
//
// The AST is a closed Go sum type the way go-crablet keeps its Query/
// QueryItem types opaque (an unexported marker method forces construction
// through constructor functions or the decoders in this package).
package filter

import (
	"regexp"
	"time"

	"github.com/skygent/skygent/pkg/primitives"
)

// Tag names every leaf and combinator of the expression language.
type Tag string

const (
	TagAll           Tag = "All"
	TagNone          Tag = "None"
	TagAuthor        Tag = "Author"
	TagAuthorIn      Tag = "AuthorIn"
	TagHashtag       Tag = "Hashtag"
	TagHashtagIn     Tag = "HashtagIn"
	TagContains      Tag = "Contains"
	TagIsReply       Tag = "IsReply"
	TagIsQuote       Tag = "IsQuote"
	TagIsRepost      Tag = "IsRepost"
	TagIsOriginal    Tag = "IsOriginal"
	TagHasImages     Tag = "HasImages"
	TagMinImages     Tag = "MinImages"
	TagHasAltText    Tag = "HasAltText"
	TagNoAltText     Tag = "NoAltText"
	TagAltText       Tag = "AltText"
	TagAltTextRegex  Tag = "AltTextRegex"
	TagHasVideo      Tag = "HasVideo"
	TagHasLinks      Tag = "HasLinks"
	TagLinkContains  Tag = "LinkContains"
	TagLinkRegex     Tag = "LinkRegex"
	TagHasMedia      Tag = "HasMedia"
	TagHasEmbed      Tag = "HasEmbed"
	TagLanguage      Tag = "Language"
	TagRegex         Tag = "Regex"
	TagDateRange     Tag = "DateRange"
	TagEngagement    Tag = "Engagement"
	TagHasValidLinks Tag = "HasValidLinks"
	TagTrending      Tag = "Trending"
	TagNot           Tag = "Not"
	TagAnd           Tag = "And"
	TagOr            Tag = "Or"
)

// ErrorPolicyTag names the error-handling policy variants for effectful
// leaves.
type ErrorPolicyTag string

const (
	PolicyInclude ErrorPolicyTag = "Include"
	PolicyExclude ErrorPolicyTag = "Exclude"
	PolicyRetry   ErrorPolicyTag = "Retry"
)

// ErrorPolicy is the tagged union governing how an effectful leaf's
// capability failure is handled (spec.md §4.1).
type ErrorPolicy struct {
	Tag         ErrorPolicyTag
	MaxRetries  int
	BaseDelay   time.Duration // used only when Tag == PolicyRetry
}

// Include is the zero-configuration Include policy.
func Include() ErrorPolicy { return ErrorPolicy{Tag: PolicyInclude} }

// Exclude is the zero-configuration Exclude policy.
func Exclude() ErrorPolicy { return ErrorPolicy{Tag: PolicyExclude} }

// NewRetry builds a Retry policy with exponential backoff.
func NewRetry(maxRetries int, baseDelay time.Duration) ErrorPolicy {
	return ErrorPolicy{Tag: PolicyRetry, MaxRetries: maxRetries, BaseDelay: baseDelay}
}

// Expr is the marker interface every AST node satisfies. The unexported
// method forces construction through this package's constructors or its
// decoders.
type Expr interface {
	exprTag() Tag
	isExpr()
}

type baseExpr struct{ tag Tag }

func (b baseExpr) exprTag() Tag { return b.tag }
func (b baseExpr) isExpr()      {}

// Leaves.

type AllExpr struct{ baseExpr }
type NoneExpr struct{ baseExpr }

type AuthorExpr struct {
	baseExpr
	Handle primitives.Handle
}

type AuthorInExpr struct {
	baseExpr
	Handles []primitives.Handle
}

type HashtagExpr struct {
	baseExpr
	Tag primitives.Hashtag
}

type HashtagInExpr struct {
	baseExpr
	Tags []primitives.Hashtag
}

type ContainsExpr struct {
	baseExpr
	Text          string
	CaseSensitive bool
}

type IsReplyExpr struct{ baseExpr }
type IsQuoteExpr struct{ baseExpr }
type IsRepostExpr struct{ baseExpr }
type IsOriginalExpr struct{ baseExpr }
type HasImagesExpr struct{ baseExpr }

type MinImagesExpr struct {
	baseExpr
	N int
}

type HasAltTextExpr struct{ baseExpr }
type NoAltTextExpr struct{ baseExpr }

type AltTextExpr struct {
	baseExpr
	Text string
}

type AltTextRegexExpr struct {
	baseExpr
	Pattern string
	Flags   string
}

type HasVideoExpr struct{ baseExpr }
type HasLinksExpr struct{ baseExpr }

type LinkContainsExpr struct {
	baseExpr
	Text string
}

type LinkRegexExpr struct {
	baseExpr
	Pattern string
	Flags   string
}

type HasMediaExpr struct{ baseExpr }
type HasEmbedExpr struct{ baseExpr }

type LanguageExpr struct {
	baseExpr
	Langs []string
}

type RegexExpr struct {
	baseExpr
	Patterns []string
	Flags    string
}

type DateRangeExpr struct {
	baseExpr
	Start primitives.Timestamp
	End   primitives.Timestamp
}

// EngagementThresholds carries the optional per-metric minimums for an
// Engagement leaf. At least one must be set.
type EngagementThresholds struct {
	MinLikes   *int
	MinReposts *int
	MinReplies *int
	MinQuotes  *int
}

type EngagementExpr struct {
	baseExpr
	Thresholds EngagementThresholds
}

type HasValidLinksExpr struct {
	baseExpr
	OnError ErrorPolicy
}

type TrendingExpr struct {
	baseExpr
	Tag     primitives.Hashtag
	OnError ErrorPolicy
}

// Combinators.

type NotExpr struct {
	baseExpr
	Expr Expr
}

type AndExpr struct {
	baseExpr
	Left, Right Expr
}

type OrExpr struct {
	baseExpr
	Left, Right Expr
}

// Constructors. Every leaf/combinator is built through one of these so the
// Tag field is always consistent with the concrete type.

func All() Expr  { return AllExpr{baseExpr{TagAll}} }
func None() Expr { return NoneExpr{baseExpr{TagNone}} }

func Author(h primitives.Handle) Expr { return AuthorExpr{baseExpr{TagAuthor}, h} }
func AuthorIn(hs []primitives.Handle) Expr {
	return AuthorInExpr{baseExpr{TagAuthorIn}, hs}
}

func HashtagOf(tag primitives.Hashtag) Expr { return HashtagExpr{baseExpr{TagHashtag}, tag} }
func HashtagIn(tags []primitives.Hashtag) Expr {
	return HashtagInExpr{baseExpr{TagHashtagIn}, tags}
}

func Contains(text string, caseSensitive bool) Expr {
	return ContainsExpr{baseExpr{TagContains}, text, caseSensitive}
}

func IsReply() Expr    { return IsReplyExpr{baseExpr{TagIsReply}} }
func IsQuote() Expr    { return IsQuoteExpr{baseExpr{TagIsQuote}} }
func IsRepost() Expr   { return IsRepostExpr{baseExpr{TagIsRepost}} }
func IsOriginal() Expr { return IsOriginalExpr{baseExpr{TagIsOriginal}} }
func HasImages() Expr  { return HasImagesExpr{baseExpr{TagHasImages}} }

func MinImages(n int) Expr { return MinImagesExpr{baseExpr{TagMinImages}, n} }

func HasAltText() Expr { return HasAltTextExpr{baseExpr{TagHasAltText}} }
func NoAltText() Expr  { return NoAltTextExpr{baseExpr{TagNoAltText}} }

func AltText(text string) Expr { return AltTextExpr{baseExpr{TagAltText}, text} }
func AltTextRegex(pattern, flags string) Expr {
	return AltTextRegexExpr{baseExpr{TagAltTextRegex}, pattern, flags}
}

func HasVideo() Expr { return HasVideoExpr{baseExpr{TagHasVideo}} }
func HasLinks() Expr { return HasLinksExpr{baseExpr{TagHasLinks}} }

func LinkContains(text string) Expr { return LinkContainsExpr{baseExpr{TagLinkContains}, text} }
func LinkRegex(pattern, flags string) Expr {
	return LinkRegexExpr{baseExpr{TagLinkRegex}, pattern, flags}
}

func HasMedia() Expr { return HasMediaExpr{baseExpr{TagHasMedia}} }
func HasEmbed() Expr { return HasEmbedExpr{baseExpr{TagHasEmbed}} }

func Language(langs []string) Expr { return LanguageExpr{baseExpr{TagLanguage}, langs} }

func Regex(patterns []string, flags string) Expr {
	return RegexExpr{baseExpr{TagRegex}, patterns, flags}
}

func DateRange(start, end primitives.Timestamp) Expr {
	return DateRangeExpr{baseExpr{TagDateRange}, start, end}
}

func Engagement(t EngagementThresholds) Expr { return EngagementExpr{baseExpr{TagEngagement}, t} }

func HasValidLinks(onError ErrorPolicy) Expr {
	return HasValidLinksExpr{baseExpr{TagHasValidLinks}, onError}
}

func Trending(tag primitives.Hashtag, onError ErrorPolicy) Expr {
	return TrendingExpr{baseExpr{TagTrending}, tag, onError}
}

func Not(e Expr) Expr      { return NotExpr{baseExpr{TagNot}, e} }
func And(l, r Expr) Expr   { return AndExpr{baseExpr{TagAnd}, l, r} }
func Or(l, r Expr) Expr    { return OrExpr{baseExpr{TagOr}, l, r} }

// compiledRegex bundles a leaf's source with its compiled form so evaluate
// never recompiles a pattern.
type compiledRegex struct {
	source string
	re     *regexp.Regexp
}
