package filter

import (
	"context"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/skygent/skygent/internal/apperr"
	"github.com/skygent/skygent/internal/capability"
	"github.com/skygent/skygent/pkg/post"
)

// Capabilities bundles the effectful collaborators HasValidLinks and
// Trending leaves call through.
type Capabilities struct {
	LinkValidator  capability.LinkValidator
	TrendingTopics capability.TrendingTopics
}

// Evaluate runs the compiled predicate against p, calling out to caps for
// any effectful leaf it contains. It returns the first error from a leaf
// whose ErrorPolicy does not resolve the failure (Include/Exclude always
// resolve it; Retry resolves it only after its budget is exhausted).
func Evaluate(ctx context.Context, pred *Predicate, p *post.Post, caps Capabilities) (bool, error) {
	return evalNode(ctx, pred.root, p, pred, caps)
}

func evalNode(ctx context.Context, e Expr, p *post.Post, pred *Predicate, caps Capabilities) (bool, error) {
	switch v := e.(type) {
	case AllExpr:
		return true, nil
	case NoneExpr:
		return false, nil

	case AuthorExpr:
		return p.Author == v.Handle, nil
	case AuthorInExpr:
		for _, h := range v.Handles {
			if p.Author == h {
				return true, nil
			}
		}
		return false, nil

	case HashtagExpr:
		_, ok := p.Hashtags[v.Tag]
		return ok, nil
	case HashtagInExpr:
		for _, t := range v.Tags {
			if _, ok := p.Hashtags[t]; ok {
				return true, nil
			}
		}
		return false, nil

	case ContainsExpr:
		if v.CaseSensitive {
			return strings.Contains(p.Text, v.Text), nil
		}
		return strings.Contains(strings.ToLower(p.Text), strings.ToLower(v.Text)), nil

	case IsReplyExpr:
		return p.IsReply(), nil
	case IsQuoteExpr:
		return p.IsQuote(), nil
	case IsRepostExpr:
		// A repost never reaches Skygent as a distinct post record (spec.md
		// §3 Non-goals); the leaf exists for expression symmetry and is
		// always false against a parsed Post.
		return false, nil
	case IsOriginalExpr:
		return p.IsOriginal(), nil

	case HasImagesExpr:
		return p.Embed.HasImages(), nil
	case MinImagesExpr:
		return p.Embed.ImageCount() >= v.N, nil

	case HasAltTextExpr:
		return strings.TrimSpace(p.Embed.AltText()) != "", nil
	case NoAltTextExpr:
		return strings.TrimSpace(p.Embed.AltText()) == "", nil
	case AltTextExpr:
		return strings.Contains(strings.ToLower(p.Embed.AltText()), strings.ToLower(v.Text)), nil
	case AltTextRegexExpr:
		re := pred.compiledPattern(v.Pattern, v.Flags)
		return re.MatchString(p.Embed.AltText()), nil

	case HasVideoExpr:
		return p.Embed.HasVideo(), nil

	case HasLinksExpr:
		return p.HasLinks(), nil
	case LinkContainsExpr:
		needle := strings.ToLower(v.Text)
		for _, l := range p.ExternalLinks() {
			if strings.Contains(strings.ToLower(l), needle) {
				return true, nil
			}
		}
		return false, nil
	case LinkRegexExpr:
		re := pred.compiledPattern(v.Pattern, v.Flags)
		for _, l := range p.ExternalLinks() {
			if re.MatchString(l) {
				return true, nil
			}
		}
		return false, nil

	case HasMediaExpr:
		return p.Embed.HasImages() || p.Embed.HasVideo(), nil
	case HasEmbedExpr:
		return p.Embed != nil, nil

	case LanguageExpr:
		for _, want := range v.Langs {
			for _, have := range p.Langs {
				if strings.EqualFold(want, have) {
					return true, nil
				}
			}
		}
		return false, nil

	case RegexExpr:
		for _, pat := range v.Patterns {
			re := pred.compiledPattern(pat, v.Flags)
			if re.MatchString(p.Text) {
				return true, nil
			}
		}
		return false, nil

	case DateRangeExpr:
		ca := p.CreatedAt
		return !ca.Before(v.Start) && ca.Before(v.End), nil

	case EngagementExpr:
		return evalEngagement(v.Thresholds, p.Metrics), nil

	case HasValidLinksExpr:
		return evalHasValidLinks(ctx, v, p, caps)

	case TrendingExpr:
		return evalTrending(ctx, v, caps)

	case NotExpr:
		r, err := evalNode(ctx, v.Expr, p, pred, caps)
		if err != nil {
			return false, err
		}
		return !r, nil

	case AndExpr:
		l, err := evalNode(ctx, v.Left, p, pred, caps)
		if err != nil {
			return false, err
		}
		if !l {
			return false, nil
		}
		return evalNode(ctx, v.Right, p, pred, caps)

	case OrExpr:
		l, err := evalNode(ctx, v.Left, p, pred, caps)
		if err != nil {
			return false, err
		}
		if l {
			return true, nil
		}
		return evalNode(ctx, v.Right, p, pred, caps)

	default:
		return false, &apperr.FilterEvalError{
			Base: apperr.Base{Op: "filter.Evaluate", Err: fmt.Errorf("unknown expression node %T", e)},
			Leaf: string(e.exprTag()),
		}
	}
}

func evalEngagement(t EngagementThresholds, m *post.Metrics) bool {
	if m == nil {
		return false
	}
	check := func(threshold *int, observed int) bool {
		return threshold == nil || observed >= *threshold
	}
	return check(t.MinLikes, m.LikeCount) &&
		check(t.MinReposts, m.RepostCount) &&
		check(t.MinReplies, m.ReplyCount) &&
		check(t.MinQuotes, m.QuoteCount)
}

func evalHasValidLinks(ctx context.Context, v HasValidLinksExpr, p *post.Post, caps Capabilities) (bool, error) {
	links := p.ExternalLinks()
	if len(links) == 0 {
		return false, nil
	}
	result, err := runEffectful(ctx, v.OnError, "HasValidLinks", func() (bool, error) {
		for _, l := range links {
			ok, err := caps.LinkValidator.IsValid(ctx, l)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	})
	return result, err
}

func evalTrending(ctx context.Context, v TrendingExpr, caps Capabilities) (bool, error) {
	return runEffectful(ctx, v.OnError, "Trending", func() (bool, error) {
		return caps.TrendingTopics.IsTrending(ctx, v.Tag)
	})
}

// runEffectful calls fn, applying policy's handling to any error it
// returns. Include resolves a failure to true, Exclude to false, and Retry
// retries fn with exponential backoff (base × 2^attempt) up to MaxRetries
// times; on exhaustion the failure degrades to Exclude.
func runEffectful(ctx context.Context, policy ErrorPolicy, leaf string, fn func() (bool, error)) (bool, error) {
	switch policy.Tag {
	case PolicyInclude:
		ok, err := fn()
		if err != nil {
			return true, nil
		}
		return ok, nil

	case PolicyExclude:
		ok, err := fn()
		if err != nil {
			return false, nil
		}
		return ok, nil

	case PolicyRetry:
		var result bool
		operation := func() error {
			ok, err := fn()
			if err != nil {
				return err
			}
			result = ok
			return nil
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = policy.BaseDelay
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.MaxElapsedTime = maxRetryBudget
		var bounded backoff.BackOff = backoff.WithMaxRetries(b, uint64(policy.MaxRetries))
		bounded = backoff.WithContext(bounded, ctx)

		if err := backoff.Retry(operation, bounded); err != nil {
			// Retry budget exhausted: the leaf degrades to Exclude rather
			// than surfacing a per-item error.
			return false, nil
		}
		return result, nil

	default:
		return false, &apperr.FilterEvalError{
			Base: apperr.Base{Op: "filter.Evaluate", Err: fmt.Errorf("unknown error policy tag %q", policy.Tag)},
			Leaf: leaf,
		}
	}
}
