package filter

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/skygent/skygent/internal/apperr"
	"github.com/skygent/skygent/pkg/primitives"
)

// sorted copies and sorts a set-semantics list so the wire encoding — and
// therefore ExprHash — is invariant under input order.
func sorted(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}

// wireThresholds is the JSON shape of EngagementThresholds.
type wireThresholds struct {
	MinLikes   *int `json:"minLikes,omitempty"`
	MinReposts *int `json:"minReposts,omitempty"`
	MinReplies *int `json:"minReplies,omitempty"`
	MinQuotes  *int `json:"minQuotes,omitempty"`
}

// wireErrorPolicy is the JSON shape of ErrorPolicy.
type wireErrorPolicy struct {
	Type       ErrorPolicyTag `json:"_tag"`
	MaxRetries int            `json:"maxRetries,omitempty"`
	BaseDelay  string         `json:"baseDelay,omitempty"`
}

// wireNode is the single JSON shape every tagged Expr node encodes to and
// decodes from. Only the fields relevant to Type are populated on encode;
// decode validates that the fields required by Type are present before
// handing off to this package's constructors, so a decoded Expr is always
// as well-formed as one built in Go.
type wireNode struct {
	Type Tag `json:"_tag"`

	Handle  string   `json:"handle,omitempty"`
	Handles []string `json:"handles,omitempty"`

	Tag  string   `json:"tag,omitempty"`
	Tags []string `json:"tags,omitempty"`

	Text          string `json:"text,omitempty"`
	CaseSensitive bool   `json:"caseSensitive,omitempty"`

	N int `json:"n,omitempty"`

	Pattern  string   `json:"pattern,omitempty"`
	Patterns []string `json:"patterns,omitempty"`
	Flags    string   `json:"flags,omitempty"`

	Langs []string `json:"langs,omitempty"`

	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`

	Thresholds *wireThresholds `json:"thresholds,omitempty"`

	OnError *wireErrorPolicy `json:"onError,omitempty"`

	Expr  *wireNode `json:"expr,omitempty"`
	Left  *wireNode `json:"left,omitempty"`
	Right *wireNode `json:"right,omitempty"`
}

// ToJSON encodes expr into this package's canonical wire representation.
func ToJSON(expr Expr) ([]byte, error) {
	node, err := toWire(expr)
	if err != nil {
		return nil, err
	}
	return json.Marshal(node)
}

// FromJSON decodes data into an Expr, rejecting any node whose Type is
// missing a field that tag's constructor requires.
func FromJSON(data []byte) (Expr, error) {
	var node wireNode
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, &apperr.FilterCompileError{
			Base: apperr.Base{Op: "filter.FromJSON", Err: err},
			Path: "$",
		}
	}
	return fromWire(&node, "$")
}

func toWire(expr Expr) (*wireNode, error) {
	switch v := expr.(type) {
	case AllExpr:
		return &wireNode{Type: TagAll}, nil
	case NoneExpr:
		return &wireNode{Type: TagNone}, nil
	case AuthorExpr:
		return &wireNode{Type: TagAuthor, Handle: v.Handle.String()}, nil
	case AuthorInExpr:
		return &wireNode{Type: TagAuthorIn, Handles: sorted(handlesToStrings(v.Handles))}, nil
	case HashtagExpr:
		return &wireNode{Type: TagHashtag, Tag: v.Tag.String()}, nil
	case HashtagInExpr:
		return &wireNode{Type: TagHashtagIn, Tags: sorted(hashtagsToStrings(v.Tags))}, nil
	case ContainsExpr:
		return &wireNode{Type: TagContains, Text: v.Text, CaseSensitive: v.CaseSensitive}, nil
	case IsReplyExpr:
		return &wireNode{Type: TagIsReply}, nil
	case IsQuoteExpr:
		return &wireNode{Type: TagIsQuote}, nil
	case IsRepostExpr:
		return &wireNode{Type: TagIsRepost}, nil
	case IsOriginalExpr:
		return &wireNode{Type: TagIsOriginal}, nil
	case HasImagesExpr:
		return &wireNode{Type: TagHasImages}, nil
	case MinImagesExpr:
		return &wireNode{Type: TagMinImages, N: v.N}, nil
	case HasAltTextExpr:
		return &wireNode{Type: TagHasAltText}, nil
	case NoAltTextExpr:
		return &wireNode{Type: TagNoAltText}, nil
	case AltTextExpr:
		return &wireNode{Type: TagAltText, Text: v.Text}, nil
	case AltTextRegexExpr:
		return &wireNode{Type: TagAltTextRegex, Pattern: v.Pattern, Flags: v.Flags}, nil
	case HasVideoExpr:
		return &wireNode{Type: TagHasVideo}, nil
	case HasLinksExpr:
		return &wireNode{Type: TagHasLinks}, nil
	case LinkContainsExpr:
		return &wireNode{Type: TagLinkContains, Text: v.Text}, nil
	case LinkRegexExpr:
		return &wireNode{Type: TagLinkRegex, Pattern: v.Pattern, Flags: v.Flags}, nil
	case HasMediaExpr:
		return &wireNode{Type: TagHasMedia}, nil
	case HasEmbedExpr:
		return &wireNode{Type: TagHasEmbed}, nil
	case LanguageExpr:
		return &wireNode{Type: TagLanguage, Langs: sorted(v.Langs)}, nil
	case RegexExpr:
		return &wireNode{Type: TagRegex, Patterns: sorted(v.Patterns), Flags: v.Flags}, nil
	case DateRangeExpr:
		return &wireNode{Type: TagDateRange, Start: v.Start.String(), End: v.End.String()}, nil
	case EngagementExpr:
		t := v.Thresholds
		return &wireNode{Type: TagEngagement, Thresholds: &wireThresholds{
			MinLikes: t.MinLikes, MinReposts: t.MinReposts, MinReplies: t.MinReplies, MinQuotes: t.MinQuotes,
		}}, nil
	case HasValidLinksExpr:
		return &wireNode{Type: TagHasValidLinks, OnError: toWirePolicy(v.OnError)}, nil
	case TrendingExpr:
		return &wireNode{Type: TagTrending, Tag: v.Tag.String(), OnError: toWirePolicy(v.OnError)}, nil
	case NotExpr:
		inner, err := toWire(v.Expr)
		if err != nil {
			return nil, err
		}
		return &wireNode{Type: TagNot, Expr: inner}, nil
	case AndExpr:
		l, err := toWire(v.Left)
		if err != nil {
			return nil, err
		}
		r, err := toWire(v.Right)
		if err != nil {
			return nil, err
		}
		return &wireNode{Type: TagAnd, Left: l, Right: r}, nil
	case OrExpr:
		l, err := toWire(v.Left)
		if err != nil {
			return nil, err
		}
		r, err := toWire(v.Right)
		if err != nil {
			return nil, err
		}
		return &wireNode{Type: TagOr, Left: l, Right: r}, nil
	default:
		return nil, fmt.Errorf("filter: unknown expression node %T", expr)
	}
}

func toWirePolicy(p ErrorPolicy) *wireErrorPolicy {
	w := &wireErrorPolicy{Type: p.Tag}
	if p.Tag == PolicyRetry {
		w.MaxRetries = p.MaxRetries
		w.BaseDelay = p.BaseDelay.String()
	}
	return w
}

func fromWire(n *wireNode, path string) (Expr, error) {
	if n == nil {
		return nil, compileErr(path, "missing expression node")
	}
	switch n.Type {
	case TagAll:
		return All(), nil
	case TagNone:
		return None(), nil

	case TagAuthor:
		if n.Handle == "" {
			return nil, compileErr(path+".handle", "Author: handle is required")
		}
		return Author(primitives.Handle(n.Handle)), nil

	case TagAuthorIn:
		if len(n.Handles) == 0 {
			return nil, compileErr(path+".handles", "AuthorIn: handles is required")
		}
		return AuthorIn(stringsToHandles(n.Handles)), nil

	case TagHashtag:
		if n.Tag == "" {
			return nil, compileErr(path+".tag", "Hashtag: tag is required")
		}
		return HashtagOf(primitives.NewHashtag(n.Tag)), nil

	case TagHashtagIn:
		if len(n.Tags) == 0 {
			return nil, compileErr(path+".tags", "HashtagIn: tags is required")
		}
		return HashtagIn(stringsToHashtags(n.Tags)), nil

	case TagContains:
		if n.Text == "" {
			return nil, compileErr(path+".text", "Contains: text is required")
		}
		return Contains(n.Text, n.CaseSensitive), nil

	case TagIsReply:
		return IsReply(), nil
	case TagIsQuote:
		return IsQuote(), nil
	case TagIsRepost:
		return IsRepost(), nil
	case TagIsOriginal:
		return IsOriginal(), nil
	case TagHasImages:
		return HasImages(), nil

	case TagMinImages:
		if n.N < 1 {
			return nil, compileErr(path+".n", "MinImages: n must be >= 1")
		}
		return MinImages(n.N), nil

	case TagHasAltText:
		return HasAltText(), nil
	case TagNoAltText:
		return NoAltText(), nil

	case TagAltText:
		if n.Text == "" {
			return nil, compileErr(path+".text", "AltText: text is required")
		}
		return AltText(n.Text), nil

	case TagAltTextRegex:
		if n.Pattern == "" {
			return nil, compileErr(path+".pattern", "AltTextRegex: pattern is required")
		}
		return AltTextRegex(n.Pattern, n.Flags), nil

	case TagHasVideo:
		return HasVideo(), nil
	case TagHasLinks:
		return HasLinks(), nil

	case TagLinkContains:
		if n.Text == "" {
			return nil, compileErr(path+".text", "LinkContains: text is required")
		}
		return LinkContains(n.Text), nil

	case TagLinkRegex:
		if n.Pattern == "" {
			return nil, compileErr(path+".pattern", "LinkRegex: pattern is required")
		}
		return LinkRegex(n.Pattern, n.Flags), nil

	case TagHasMedia:
		return HasMedia(), nil
	case TagHasEmbed:
		return HasEmbed(), nil

	case TagLanguage:
		if len(n.Langs) == 0 {
			return nil, compileErr(path+".langs", "Language: langs is required")
		}
		return Language(n.Langs), nil

	case TagRegex:
		if len(n.Patterns) == 0 {
			return nil, compileErr(path+".patterns", "Regex: patterns is required")
		}
		return Regex(n.Patterns, n.Flags), nil

	case TagDateRange:
		start, err := parseWireTime(path+".start", n.Start)
		if err != nil {
			return nil, err
		}
		end, err := parseWireTime(path+".end", n.End)
		if err != nil {
			return nil, err
		}
		return DateRange(start, end), nil

	case TagEngagement:
		if n.Thresholds == nil {
			return nil, compileErr(path+".thresholds", "Engagement: thresholds is required")
		}
		return Engagement(EngagementThresholds{
			MinLikes:   n.Thresholds.MinLikes,
			MinReposts: n.Thresholds.MinReposts,
			MinReplies: n.Thresholds.MinReplies,
			MinQuotes:  n.Thresholds.MinQuotes,
		}), nil

	case TagHasValidLinks:
		policy, err := fromWirePolicy(path+".onError", n.OnError)
		if err != nil {
			return nil, err
		}
		return HasValidLinks(policy), nil

	case TagTrending:
		if n.Tag == "" {
			return nil, compileErr(path+".tag", "Trending: tag is required")
		}
		policy, err := fromWirePolicy(path+".onError", n.OnError)
		if err != nil {
			return nil, err
		}
		return Trending(primitives.NewHashtag(n.Tag), policy), nil

	case TagNot:
		inner, err := fromWire(n.Expr, path+".expr")
		if err != nil {
			return nil, err
		}
		return Not(inner), nil

	case TagAnd:
		l, err := fromWire(n.Left, path+".left")
		if err != nil {
			return nil, err
		}
		r, err := fromWire(n.Right, path+".right")
		if err != nil {
			return nil, err
		}
		return And(l, r), nil

	case TagOr:
		l, err := fromWire(n.Left, path+".left")
		if err != nil {
			return nil, err
		}
		r, err := fromWire(n.Right, path+".right")
		if err != nil {
			return nil, err
		}
		return Or(l, r), nil

	default:
		return nil, compileErr(path+".type", fmt.Sprintf("unknown expression type %q", n.Type))
	}
}

func fromWirePolicy(path string, w *wireErrorPolicy) (ErrorPolicy, error) {
	if w == nil {
		return Include(), nil
	}
	switch w.Type {
	case PolicyInclude:
		return Include(), nil
	case PolicyExclude:
		return Exclude(), nil
	case PolicyRetry:
		delay, err := parseHumanDuration(w.BaseDelay)
		if err != nil {
			return ErrorPolicy{}, compileErr(path+".baseDelay", fmt.Sprintf("invalid duration %q: %v", w.BaseDelay, err))
		}
		return NewRetry(w.MaxRetries, delay), nil
	default:
		return ErrorPolicy{}, compileErr(path+".type", fmt.Sprintf("unknown error policy type %q", w.Type))
	}
}

func parseWireTime(path, s string) (primitives.Timestamp, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return primitives.Timestamp{}, compileErr(path, fmt.Sprintf("invalid timestamp %q: %v", s, err))
	}
	return primitives.NewTimestamp(t), nil
}

func handlesToStrings(hs []primitives.Handle) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.String()
	}
	return out
}

func stringsToHandles(ss []string) []primitives.Handle {
	out := make([]primitives.Handle, len(ss))
	for i, s := range ss {
		out[i] = primitives.Handle(s)
	}
	return out
}

func hashtagsToStrings(hs []primitives.Hashtag) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.String()
	}
	return out
}

func stringsToHashtags(ss []string) []primitives.Hashtag {
	out := make([]primitives.Hashtag, len(ss))
	for i, s := range ss {
		out[i] = primitives.NewHashtag(s)
	}
	return out
}
