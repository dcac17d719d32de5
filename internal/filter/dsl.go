package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/skygent/skygent/internal/apperr"
	"github.com/skygent/skygent/pkg/primitives"
)

// NamedFilterResolver resolves an "@name" DSL reference to its stored
// expression, typically backed by the filter library on disk
// (<store-root>/filters/<name>.json per spec.md §6).
type NamedFilterResolver func(name string) (Expr, error)

// ParseDSL parses the compact DSL grammar of spec.md §6:
//
//	term := key ":" body | "NOT" term | "(" expr ")"
//	expr := term (("AND"|"OR") term)*
//	body := atom ("," opt)*    opt := name "=" value
//
// resolve is consulted for "@name" terms; pass nil if the input is known
// not to reference the filter library (resolving an "@name" term without a
// resolver is a FilterNotFound error).
func ParseDSL(input string, resolve NamedFilterResolver) (Expr, error) {
	toks, err := tokenizeDSL(input)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, dslErr("$", "empty filter expression")
	}
	p := &dslParser{toks: toks, resolve: resolve}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, dslErr("$", fmt.Sprintf("unexpected trailing input at token %d (%q)", p.pos, p.toks[p.pos]))
	}
	return expr, nil
}

func dslErr(path, msg string) error {
	return &apperr.FilterCompileError{
		Base: apperr.Base{Op: "filter.ParseDSL", Err: fmt.Errorf("%s", msg)},
		Path: path,
	}
}

// tokenizeDSL splits input on whitespace, treating '(' and ')' as
// standalone tokens regardless of adjacent spacing and preserving
// double-quoted substrings (which may contain spaces or commas) as a
// single token.
func tokenizeDSL(input string) ([]string, error) {
	var toks []string
	runes := []rune(input)
	i, n := 0, len(runes)
	for i < n {
		r := runes[i]
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			i++
		case r == '(' || r == ')':
			toks = append(toks, string(r))
			i++
		default:
			start := i
			var sb strings.Builder
			for i < n {
				r = runes[i]
				if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '(' || r == ')' {
					break
				}
				if r == '"' {
					sb.WriteRune(r)
					i++
					for i < n && runes[i] != '"' {
						sb.WriteRune(runes[i])
						i++
					}
					if i >= n {
						return nil, dslErr("$", fmt.Sprintf("unterminated quoted string starting at offset %d", start))
					}
					sb.WriteRune(runes[i])
					i++
					continue
				}
				sb.WriteRune(r)
				i++
			}
			toks = append(toks, sb.String())
		}
	}
	return toks, nil
}

type dslParser struct {
	toks    []string
	pos     int
	resolve NamedFilterResolver
}

func (p *dslParser) peek() (string, bool) {
	if p.pos >= len(p.toks) {
		return "", false
	}
	return p.toks[p.pos], true
}

func (p *dslParser) isKeyword(word string) bool {
	t, ok := p.peek()
	return ok && strings.EqualFold(t, word)
}

func (p *dslParser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("OR") {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Or(left, right)
	}
	return left, nil
}

func (p *dslParser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("AND") {
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = And(left, right)
	}
	return left, nil
}

func (p *dslParser) parseUnary() (Expr, error) {
	if p.isKeyword("NOT") {
		p.pos++
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not(inner), nil
	}
	return p.parsePrimary()
}

func (p *dslParser) parsePrimary() (Expr, error) {
	tok, ok := p.peek()
	if !ok {
		return nil, dslErr("$", "unexpected end of input")
	}
	if tok == "(" {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		close, ok := p.peek()
		if !ok || close != ")" {
			return nil, dslErr("$", "expected closing ')'")
		}
		p.pos++
		return inner, nil
	}
	p.pos++
	return parseTerm(tok, p.resolve)
}

// parseTerm parses one "key:body" token into an Expr, or resolves an
// "@name" reference.
func parseTerm(tok string, resolve NamedFilterResolver) (Expr, error) {
	if strings.HasPrefix(tok, "@") {
		name := strings.TrimPrefix(tok, "@")
		if name == "" {
			return nil, dslErr("$", "named filter reference must not be empty")
		}
		if resolve == nil {
			return nil, &apperr.FilterNotFound{
				Base: apperr.Base{Op: "filter.ParseDSL", Err: fmt.Errorf("no filter library resolver configured")},
				Name: name,
			}
		}
		return resolve(name)
	}

	idx := strings.IndexByte(tok, ':')
	if idx < 0 {
		return nil, dslErr("$", fmt.Sprintf("expected 'key:body', got %q", tok))
	}
	key := strings.ToLower(tok[:idx])
	body := tok[idx+1:]
	atoms, opts := parseBody(body)

	switch key {
	case "all":
		return All(), nil
	case "none":
		return None(), nil

	case "author", "from":
		if len(atoms) == 1 {
			return Author(primitives.Handle(unquote(atoms[0]))), nil
		}
		return nil, dslErr("$", "author: expected a single handle")

	case "authorin":
		if len(atoms) == 0 {
			return nil, dslErr("$", "authorin: expected one or more handles")
		}
		return AuthorIn(toHandles(atoms)), nil

	case "hashtag", "tag":
		if len(atoms) == 1 {
			return HashtagOf(primitives.NewHashtag(unquote(atoms[0]))), nil
		}
		return nil, dslErr("$", "hashtag: expected a single tag")

	case "hashtagin":
		if len(atoms) == 0 {
			return nil, dslErr("$", "hashtagin: expected one or more tags")
		}
		return HashtagIn(toHashtags(atoms)), nil

	case "contains":
		if len(atoms) != 1 {
			return nil, dslErr("$", "contains: expected one text value")
		}
		cs := opts["case"] == "sensitive"
		return Contains(unquote(atoms[0]), cs), nil

	case "is":
		if len(atoms) != 1 {
			return nil, dslErr("$", "is: expected one of reply, quote, repost, original")
		}
		switch atoms[0] {
		case "reply":
			return IsReply(), nil
		case "quote":
			return IsQuote(), nil
		case "repost":
			return IsRepost(), nil
		case "original":
			return IsOriginal(), nil
		default:
			return nil, dslErr("$", fmt.Sprintf("is: unknown value %q", atoms[0]))
		}

	case "has":
		if len(atoms) != 1 {
			return nil, dslErr("$", "has: expected one of images, video, links, media, embed, altText, noAltText")
		}
		switch atoms[0] {
		case "images":
			if n, ok := opts["min"]; ok {
				v, err := strconv.Atoi(n)
				if err != nil {
					return nil, dslErr("$", fmt.Sprintf("has:images,min=%q is not an integer", n))
				}
				return MinImages(v), nil
			}
			return HasImages(), nil
		case "video":
			return HasVideo(), nil
		case "links":
			return HasLinks(), nil
		case "media":
			return HasMedia(), nil
		case "embed":
			return HasEmbed(), nil
		case "altText":
			return HasAltText(), nil
		case "noAltText":
			return NoAltText(), nil
		default:
			return nil, dslErr("$", fmt.Sprintf("has: unknown value %q", atoms[0]))
		}

	case "engagement":
		t, err := parseEngagementOpts(opts)
		if err != nil {
			return nil, err
		}
		return Engagement(t), nil

	case "regex":
		if len(atoms) == 0 {
			return nil, dslErr("$", "regex: expected one or more patterns")
		}
		return Regex(unquoteAll(atoms), opts["flags"]), nil

	case "language", "lang":
		if len(atoms) == 0 {
			return nil, dslErr("$", "language: expected one or more language codes")
		}
		return Language(atoms), nil

	case "links":
		if pattern, ok := opts["regex"]; ok {
			return LinkRegex(pattern, opts["flags"]), nil
		}
		if len(atoms) == 1 {
			return LinkContains(unquote(atoms[0])), nil
		}
		return nil, dslErr("$", "links: expected a substring or regex=... option")

	case "date":
		return parseDateRangeOpts(opts)

	case "since":
		if len(atoms) != 1 {
			return nil, dslErr("$", "since: expected a timestamp")
		}
		ts, err := parseDSLTime(atoms[0])
		if err != nil {
			return nil, err
		}
		return DateRange(ts, primitives.NewTimestamp(time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC))), nil

	case "until":
		if len(atoms) != 1 {
			return nil, dslErr("$", "until: expected a timestamp")
		}
		ts, err := parseDSLTime(atoms[0])
		if err != nil {
			return nil, err
		}
		return DateRange(primitives.NewTimestamp(time.Unix(0, 0)), ts), nil

	case "age":
		if len(atoms) != 1 {
			return nil, dslErr("$", "age: expected a duration, e.g. age:72h")
		}
		d, err := time.ParseDuration(atoms[0])
		if err != nil {
			return nil, dslErr("$", fmt.Sprintf("age: invalid duration %q: %v", atoms[0], err))
		}
		now := primitives.Now()
		return DateRange(primitives.NewTimestamp(now.Time().Add(-d)), now), nil

	case "trending":
		if len(atoms) != 1 {
			return nil, dslErr("$", "trending: expected a single hashtag")
		}
		policy, err := parseErrorPolicyOpts(opts)
		if err != nil {
			return nil, err
		}
		return Trending(primitives.NewHashtag(unquote(atoms[0])), policy), nil

	case "hasvalidlinks":
		policy, err := parseErrorPolicyOpts(opts)
		if err != nil {
			return nil, err
		}
		return HasValidLinks(policy), nil

	default:
		return nil, dslErr("$", fmt.Sprintf("unknown filter key %q", key))
	}
}

// parseBody splits a body string on top-level commas (outside double
// quotes) into positional atoms and "name=value" options.
func parseBody(body string) (atoms []string, opts map[string]string) {
	opts = map[string]string{}
	for _, part := range splitTopLevelCommas(body) {
		if part == "" {
			continue
		}
		if eq := strings.IndexByte(part, '='); eq >= 0 && !strings.HasPrefix(part, `"`) {
			opts[part[:eq]] = part[eq+1:]
			continue
		}
		atoms = append(atoms, part)
	}
	return atoms, opts
}

func splitTopLevelCommas(s string) []string {
	var parts []string
	var sb strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			sb.WriteRune(r)
		case r == ',' && !inQuote:
			parts = append(parts, sb.String())
			sb.Reset()
		default:
			sb.WriteRune(r)
		}
	}
	parts = append(parts, sb.String())
	return parts
}

func unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}

func unquoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = unquote(s)
	}
	return out
}

func toHandles(atoms []string) []primitives.Handle {
	out := make([]primitives.Handle, 0, len(atoms))
	for _, a := range atoms {
		out = append(out, primitives.Handle(unquote(a)))
	}
	return out
}

func toHashtags(atoms []string) []primitives.Hashtag {
	out := make([]primitives.Hashtag, 0, len(atoms))
	for _, a := range atoms {
		out = append(out, primitives.NewHashtag(unquote(a)))
	}
	return out
}

func parseEngagementOpts(opts map[string]string) (EngagementThresholds, error) {
	var t EngagementThresholds
	assign := func(key string, dst **int) error {
		v, ok := opts[key]
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return dslErr("$", fmt.Sprintf("engagement: %s=%q is not an integer", key, v))
		}
		*dst = &n
		return nil
	}
	if err := assign("minLikes", &t.MinLikes); err != nil {
		return t, err
	}
	if err := assign("minReposts", &t.MinReposts); err != nil {
		return t, err
	}
	if err := assign("minReplies", &t.MinReplies); err != nil {
		return t, err
	}
	if err := assign("minQuotes", &t.MinQuotes); err != nil {
		return t, err
	}
	return t, nil
}

func parseDateRangeOpts(opts map[string]string) (Expr, error) {
	since, hasSince := opts["since"]
	until, hasUntil := opts["until"]
	if !hasSince && !hasUntil {
		return nil, dslErr("$", "date: expected since= and/or until=")
	}
	start := primitives.NewTimestamp(time.Unix(0, 0))
	end := primitives.NewTimestamp(time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC))
	if hasSince {
		ts, err := parseDSLTime(since)
		if err != nil {
			return nil, err
		}
		start = ts
	}
	if hasUntil {
		ts, err := parseDSLTime(until)
		if err != nil {
			return nil, err
		}
		end = ts
	}
	return DateRange(start, end), nil
}

func parseDSLTime(s string) (primitives.Timestamp, error) {
	s = unquote(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return primitives.NewTimestamp(t), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return primitives.NewTimestamp(t), nil
	}
	return primitives.Timestamp{}, dslErr("$", fmt.Sprintf("invalid timestamp %q, expected RFC3339 or YYYY-MM-DD", s))
}

func parseErrorPolicyOpts(opts map[string]string) (ErrorPolicy, error) {
	mode, ok := opts["onError"]
	if !ok {
		return Include(), nil
	}
	switch mode {
	case "include":
		return Include(), nil
	case "exclude":
		return Exclude(), nil
	case "retry":
		maxRetries := 3
		if v, ok := opts["maxRetries"]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return ErrorPolicy{}, dslErr("$", fmt.Sprintf("maxRetries=%q is not an integer", v))
			}
			maxRetries = n
		}
		baseDelay := time.Second
		if v, ok := opts["baseDelay"]; ok {
			d, err := parseHumanDuration(v)
			if err != nil {
				return ErrorPolicy{}, dslErr("$", fmt.Sprintf("baseDelay=%q: %v", v, err))
			}
			baseDelay = d
		}
		return NewRetry(maxRetries, baseDelay), nil
	default:
		return ErrorPolicy{}, dslErr("$", fmt.Sprintf("onError: unknown policy %q", mode))
	}
}

// parseHumanDuration accepts both Go duration syntax ("1s", "500ms") and
// the "<n> <unit>" phrasing spec.md §6 shows for baseDelay ("1 second").
func parseHumanDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(unquote(s))
	if d, err := time.ParseDuration(strings.ReplaceAll(s, " ", "")); err == nil {
		return d, nil
	}
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, fmt.Errorf("expected Go duration syntax or '<n> <unit>'")
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, fmt.Errorf("invalid magnitude %q", fields[0])
	}
	unit := strings.TrimSuffix(strings.ToLower(fields[1]), "s")
	switch unit {
	case "millisecond", "ms":
		return time.Duration(n) * time.Millisecond, nil
	case "second", "sec":
		return time.Duration(n) * time.Second, nil
	case "minute", "min":
		return time.Duration(n) * time.Minute, nil
	case "hour":
		return time.Duration(n) * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown unit %q", fields[1])
	}
}
