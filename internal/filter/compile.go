package filter

import (
	"fmt"
	"regexp"
	"time"

	"github.com/skygent/skygent/internal/apperr"
)

// Predicate is a compiled, ready-to-evaluate filter expression. It is
// immutable and safe for concurrent use by multiple evaluate calls.
type Predicate struct {
	root    Expr
	regexes map[string]*regexp.Regexp
}

// Source returns the Expr tree the predicate was compiled from, for hashing
// and round-tripping through the DSL/JSON codecs.
func (p *Predicate) Source() Expr { return p.root }

// Compile validates expr against the structural and semantic rules of
// spec.md §4.1 and precompiles every regex leaf, returning a Predicate ready
// for evaluate. A single FilterCompileError is returned for the first
// violation found, carrying a json-pointer-like path to the offending node.
func Compile(expr Expr) (*Predicate, error) {
	regexes := map[string]*regexp.Regexp{}
	if err := validate(expr, "$", regexes); err != nil {
		return nil, err
	}
	return &Predicate{root: expr, regexes: regexes}, nil
}

func compileErr(path, msg string) error {
	return &apperr.FilterCompileError{
		Base: apperr.Base{Op: "filter.Compile", Err: fmt.Errorf("%s", msg)},
		Path: path,
	}
}

func validate(e Expr, path string, regexes map[string]*regexp.Regexp) error {
	switch v := e.(type) {
	case AllExpr, NoneExpr, IsReplyExpr, IsQuoteExpr, IsRepostExpr, IsOriginalExpr,
		HasImagesExpr, HasAltTextExpr, NoAltTextExpr, HasVideoExpr, HasLinksExpr,
		HasMediaExpr, HasEmbedExpr:
		return nil

	case AuthorExpr:
		if v.Handle == "" {
			return compileErr(path+".handle", "Author: handle must not be empty")
		}
		return nil

	case AuthorInExpr:
		if len(v.Handles) == 0 {
			return compileErr(path+".handles", "AuthorIn: handles must not be empty")
		}
		return nil

	case HashtagExpr:
		if v.Tag.Bare() == "" {
			return compileErr(path+".tag", "Hashtag: tag must not be empty")
		}
		return nil

	case HashtagInExpr:
		if len(v.Tags) == 0 {
			return compileErr(path+".tags", "HashtagIn: tags must not be empty")
		}
		return nil

	case ContainsExpr:
		if v.Text == "" {
			return compileErr(path+".text", "Contains: text must not be empty")
		}
		return nil

	case MinImagesExpr:
		if v.N < 1 {
			return compileErr(path+".n", "MinImages: n must be >= 1")
		}
		return nil

	case AltTextExpr:
		if v.Text == "" {
			return compileErr(path+".text", "AltText: text must not be empty")
		}
		return nil

	case AltTextRegexExpr:
		return validateRegexLeaf(path, v.Pattern, v.Flags, regexes)

	case LinkContainsExpr:
		if v.Text == "" {
			return compileErr(path+".text", "LinkContains: text must not be empty")
		}
		return nil

	case LinkRegexExpr:
		return validateRegexLeaf(path, v.Pattern, v.Flags, regexes)

	case LanguageExpr:
		if len(v.Langs) == 0 {
			return compileErr(path+".langs", "Language: langs must not be empty")
		}
		return nil

	case RegexExpr:
		if len(v.Patterns) == 0 {
			return compileErr(path+".patterns", "Regex: patterns must not be empty")
		}
		for i, pat := range v.Patterns {
			if err := validateRegexLeaf(fmt.Sprintf("%s.patterns[%d]", path, i), pat, v.Flags, regexes); err != nil {
				return err
			}
		}
		return nil

	case DateRangeExpr:
		if !v.Start.Before(v.End) {
			return compileErr(path, "DateRange: start must be strictly before end")
		}
		return nil

	case EngagementExpr:
		t := v.Thresholds
		if t.MinLikes == nil && t.MinReposts == nil && t.MinReplies == nil && t.MinQuotes == nil {
			return compileErr(path+".thresholds", "Engagement: at least one threshold must be set")
		}
		for name, p := range map[string]*int{
			"minLikes": t.MinLikes, "minReposts": t.MinReposts,
			"minReplies": t.MinReplies, "minQuotes": t.MinQuotes,
		} {
			if p != nil && *p < 1 {
				return compileErr(path+"."+name, fmt.Sprintf("Engagement: %s must be >= 1", name))
			}
		}
		return nil

	case HasValidLinksExpr:
		return validateErrorPolicy(path+".onError", v.OnError)

	case TrendingExpr:
		if v.Tag.Bare() == "" {
			return compileErr(path+".tag", "Trending: tag must not be empty")
		}
		return validateErrorPolicy(path+".onError", v.OnError)

	case NotExpr:
		return validate(v.Expr, path+".expr", regexes)

	case AndExpr:
		if err := validate(v.Left, path+".left", regexes); err != nil {
			return err
		}
		return validate(v.Right, path+".right", regexes)

	case OrExpr:
		if err := validate(v.Left, path+".left", regexes); err != nil {
			return err
		}
		return validate(v.Right, path+".right", regexes)

	default:
		return compileErr(path, fmt.Sprintf("unknown expression node %T", e))
	}
}

func validateErrorPolicy(path string, p ErrorPolicy) error {
	switch p.Tag {
	case PolicyInclude, PolicyExclude:
		return nil
	case PolicyRetry:
		if p.MaxRetries < 0 {
			return compileErr(path+".maxRetries", "Retry: maxRetries must be >= 0")
		}
		if p.BaseDelay < 0 {
			return compileErr(path+".baseDelay", "Retry: baseDelay must be >= 0")
		}
		return nil
	default:
		return compileErr(path, fmt.Sprintf("unknown error policy tag %q", p.Tag))
	}
}

func validateRegexLeaf(path, pattern, flags string, regexes map[string]*regexp.Regexp) error {
	if pattern == "" {
		return compileErr(path, "regex pattern must not be empty")
	}
	key := regexKey(pattern, flags)
	if _, ok := regexes[key]; ok {
		return nil
	}
	source, err := applyFlags(pattern, flags)
	if err != nil {
		return compileErr(path, fmt.Sprintf("invalid regex flags %q: %v", flags, err))
	}
	re, err := regexp.Compile(source)
	if err != nil {
		return compileErr(path, fmt.Sprintf("invalid regex %q: %v", pattern, err))
	}
	regexes[key] = re
	return nil
}

// applyFlags maps the supported regex flag letters ('i' case-insensitive,
// 'm' multi-line, 's' dot-matches-newline, 'u' unicode) onto an RE2 inline
// flag group, the same scheme regexp/syntax documents for (?flags:re).
// RE2 is unicode-aware unconditionally, so 'u' is accepted and dropped.
func applyFlags(pattern, flags string) (string, error) {
	var inline string
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			inline += string(f)
		case 'u':
		default:
			return "", fmt.Errorf("unsupported flag %q", f)
		}
	}
	if inline == "" {
		return pattern, nil
	}
	return "(?" + inline + ")" + pattern, nil
}

func regexKey(pattern, flags string) string { return flags + "\x00" + pattern }

// compiledPattern returns the precompiled regex for pattern/flags from a
// Predicate, which must have gone through Compile successfully.
func (p *Predicate) compiledPattern(pattern, flags string) *regexp.Regexp {
	return p.regexes[regexKey(pattern, flags)]
}

// maxRetryBudget bounds a single Retry policy's total wait; evaluate.go sets
// it as the MaxElapsedTime of its ExponentialBackOff.
const maxRetryBudget = 2 * time.Minute
