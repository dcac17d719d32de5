// Package query answers cross-store queries (spec.md §4.6): one ordered
// SQL scan per store, a residual in-memory filter pass, and a k-way merge
// under the total (createdAt, uri, store) order.
//
// The merge is the pull-adapter shape Design Notes §9 describes: every
// input buffers one chunk plus a head value, each step emits the extreme
// head then refills that slot — O(k) per emitted item, no heap.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/skygent/skygent/internal/filter"
	"github.com/skygent/skygent/internal/index"
	"github.com/skygent/skygent/internal/storedb"
	"github.com/skygent/skygent/pkg/post"
	"github.com/skygent/skygent/pkg/primitives"
)

// Order directs the merge's total order.
type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc" // default per spec.md §4.6
)

// Range constrains createdAt. A nil bound is open.
type Range struct {
	Start *primitives.Timestamp // inclusive
	End   *primitives.Timestamp // exclusive
}

// StoreQuery describes one query over one or more stores.
type StoreQuery struct {
	Range     *Range
	Filter    *filter.Predicate
	ScanLimit int   // max rows scanned per store; 0 = unlimited
	Order     Order // default Desc
}

// chunkSize is how many rows each per-store stream fetches per pull.
const chunkSize = 256

// Engine answers store queries.
type Engine struct {
	registry *storedb.Registry
	caps     filter.Capabilities
}

// New builds a query Engine.
func New(registry *storedb.Registry, caps filter.Capabilities) *Engine {
	return &Engine{registry: registry, caps: caps}
}

// Run opens one ordered stream per store and returns their merge. The
// returned Stream is lazy: rows are fetched chunk-by-chunk as the caller
// consumes, and any prefix consumed is in total order (spec.md §5
// ordering guarantee (4)).
func (e *Engine) Run(ctx context.Context, stores []primitives.StoreName, q StoreQuery) (*Stream, error) {
	if q.Order == "" {
		q.Order = Desc
	}

	inputs := make([]*storeStream, 0, len(stores))
	for _, name := range stores {
		db, err := e.registry.Open(ctx, name, false)
		if err != nil {
			for _, in := range inputs {
				in.close()
			}
			return nil, err
		}
		inputs = append(inputs, &storeStream{
			ctx: ctx, engine: e, store: name, conn: db.Conn, q: q,
		})
	}
	return &Stream{order: q.Order, inputs: inputs}, nil
}

// Stream is the merged, lazily-evaluated result sequence.
type Stream struct {
	order  Order
	inputs []*storeStream
	item   post.StorePost
	err    error
	primed bool
}

// Next advances to the next merged item, reporting whether one is
// available. A failure on any input stops the whole stream.
func (s *Stream) Next() bool {
	if s.err != nil {
		return false
	}
	if !s.primed {
		for _, in := range s.inputs {
			if err := in.prime(); err != nil {
				s.err = err
				return false
			}
		}
		s.primed = true
	}

	best := -1
	for i, in := range s.inputs {
		if in.head == nil {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		cmp := post.Compare(*in.head, *s.inputs[best].head)
		if (s.order == Asc && cmp < 0) || (s.order == Desc && cmp > 0) {
			best = i
		}
	}
	if best == -1 {
		return false
	}

	s.item = *s.inputs[best].head
	if err := s.inputs[best].advance(); err != nil {
		s.err = err
		return false
	}
	return true
}

// Item returns the item most recently produced by Next.
func (s *Stream) Item() post.StorePost { return s.item }

// Err returns the first failure propagated from any input.
func (s *Stream) Err() error { return s.err }

// Close releases every input stream.
func (s *Stream) Close() error {
	for _, in := range s.inputs {
		in.close()
	}
	return nil
}

// Collect drains up to limit items into a slice (limit 0 = all).
func (s *Stream) Collect(limit int) ([]post.StorePost, error) {
	defer s.Close()
	var out []post.StorePost
	for s.Next() {
		out = append(out, s.Item())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, s.Err()
}

// storeStream is one store's ordered, chunked, filtered row stream: one
// buffered chunk plus a head value.
type storeStream struct {
	ctx    context.Context
	engine *Engine
	store  primitives.StoreName
	conn   *sql.DB
	q      StoreQuery

	head      *post.StorePost
	buf       []post.StorePost
	lastCA    string // keyset cursor: created_at of the last fetched row
	lastUri   string
	started   bool
	exhausted bool
	scanned   int
}

func (in *storeStream) prime() error { return in.advance() }

func (in *storeStream) advance() error {
	for {
		if len(in.buf) > 0 {
			in.head = &in.buf[0]
			in.buf = in.buf[1:]
			return nil
		}
		if in.exhausted {
			in.head = nil
			return nil
		}
		if err := in.fetchChunk(); err != nil {
			return err
		}
	}
}

func (in *storeStream) close() { in.exhausted = true; in.buf = nil; in.head = nil }

// fetchChunk pulls the next chunk via keyset pagination on (created_at,
// uri), applies the residual filter in memory, and appends survivors to
// the buffer. SQL-translatable filter leaves are already folded into the
// WHERE clause, so the in-memory pass only discards what SQL could not
// express.
func (in *storeStream) fetchChunk() error {
	where, args := in.constraints()

	dir, cmp := "DESC", "<"
	if in.q.Order == Asc {
		dir, cmp = "ASC", ">"
	}
	if in.started {
		where = append(where, fmt.Sprintf("(created_at, uri) %s (?, ?)", cmp))
		args = append(args, in.lastCA, in.lastUri)
	}

	limit := chunkSize
	if in.q.ScanLimit > 0 && in.q.ScanLimit-in.scanned < limit {
		limit = in.q.ScanLimit - in.scanned
		if limit <= 0 {
			in.exhausted = true
			return nil
		}
	}

	sqlText := `SELECT created_at, uri, post_json FROM posts`
	if len(where) > 0 {
		sqlText += ` WHERE ` + strings.Join(where, " AND ")
	}
	sqlText += fmt.Sprintf(` ORDER BY created_at %s, uri %s LIMIT %d`, dir, dir, limit)

	rows, err := in.conn.QueryContext(in.ctx, sqlText, args...)
	if err != nil {
		return fmt.Errorf("query: scanning store %s: %w", in.store, err)
	}
	defer rows.Close()

	fetched := 0
	for rows.Next() {
		var ca, uri, postJSON string
		if err := rows.Scan(&ca, &uri, &postJSON); err != nil {
			return fmt.Errorf("query: scanning row from %s: %w", in.store, err)
		}
		fetched++
		in.lastCA, in.lastUri = ca, uri

		p, err := post.Decode([]byte(postJSON))
		if err != nil {
			return fmt.Errorf("query: decoding post %s from %s: %w", uri, in.store, err)
		}
		if in.q.Filter != nil {
			ok, err := filter.Evaluate(in.ctx, in.q.Filter, p, in.engine.caps)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
		}
		in.buf = append(in.buf, post.StorePost{Store: in.store, Post: p})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("query: iterating store %s: %w", in.store, err)
	}

	in.started = true
	in.scanned += fetched
	if fetched < limit {
		in.exhausted = true
	}
	if in.q.ScanLimit > 0 && in.scanned >= in.q.ScanLimit {
		in.exhausted = true
	}
	return nil
}

// constraints builds the SQL WHERE clauses for the query's range plus
// every filter leaf the posts schema can answer directly.
func (in *storeStream) constraints() ([]string, []any) {
	var where []string
	var args []any
	if r := in.q.Range; r != nil {
		if r.Start != nil {
			where = append(where, "created_at >= ?")
			args = append(args, r.Start.Time().Format(index.SQLTimeLayout))
		}
		if r.End != nil {
			where = append(where, "created_at < ?")
			args = append(args, r.End.Time().Format(index.SQLTimeLayout))
		}
	}
	if in.q.Filter != nil {
		w, a := translate(in.q.Filter.Source())
		where = append(where, w...)
		args = append(args, a...)
	}
	return where, args
}

// translate folds the SQL-expressible conjuncts of expr into WHERE
// clauses. Only top-level AND chains are walked: anything under Not/Or or
// an effectful leaf stays in the residual in-memory pass, which re-checks
// the full predicate anyway, so translation is a pure narrowing and never
// changes results.
func translate(expr filter.Expr) ([]string, []any) {
	switch v := expr.(type) {
	case filter.AndExpr:
		lw, la := translate(v.Left)
		rw, ra := translate(v.Right)
		return append(lw, rw...), append(la, ra...)

	case filter.AuthorExpr:
		return []string{"author = ?"}, []any{v.Handle.String()}
	case filter.AuthorInExpr:
		marks := make([]string, len(v.Handles))
		args := make([]any, len(v.Handles))
		for i, h := range v.Handles {
			marks[i], args[i] = "?", h.String()
		}
		return []string{"author IN (" + strings.Join(marks, ", ") + ")"}, args

	case filter.HashtagExpr:
		return []string{"EXISTS (SELECT 1 FROM post_hashtag h WHERE h.uri = posts.uri AND h.tag = ?)"},
			[]any{v.Tag.String()}
	case filter.HashtagInExpr:
		marks := make([]string, len(v.Tags))
		args := make([]any, len(v.Tags))
		for i, t := range v.Tags {
			marks[i], args[i] = "?", t.String()
		}
		return []string{"EXISTS (SELECT 1 FROM post_hashtag h WHERE h.uri = posts.uri AND h.tag IN (" + strings.Join(marks, ", ") + "))"}, args

	case filter.LanguageExpr:
		marks := make([]string, len(v.Langs))
		args := make([]any, len(v.Langs))
		for i, l := range v.Langs {
			marks[i], args[i] = "?", strings.ToLower(l)
		}
		return []string{"EXISTS (SELECT 1 FROM post_lang l WHERE l.uri = posts.uri AND l.lang IN (" + strings.Join(marks, ", ") + "))"}, args

	case filter.IsReplyExpr:
		return []string{"is_reply = 1"}, nil
	case filter.IsQuoteExpr:
		return []string{"is_quote = 1"}, nil
	case filter.IsOriginalExpr:
		return []string{"is_original = 1"}, nil
	case filter.HasImagesExpr:
		return []string{"has_images = 1"}, nil
	case filter.HasVideoExpr:
		return []string{"has_video = 1"}, nil
	case filter.HasMediaExpr:
		return []string{"has_media = 1"}, nil
	case filter.HasEmbedExpr:
		return []string{"has_embed = 1"}, nil
	case filter.HasLinksExpr:
		return []string{"has_links = 1"}, nil
	case filter.HasAltTextExpr:
		return []string{"has_alt_text = 1"}, nil
	case filter.MinImagesExpr:
		return []string{"image_count >= ?"}, []any{v.N}

	case filter.DateRangeExpr:
		return []string{"created_at >= ?", "created_at < ?"},
			[]any{v.Start.Time().Format(index.SQLTimeLayout), v.End.Time().Format(index.SQLTimeLayout)}

	case filter.EngagementExpr:
		var w []string
		var args []any
		add := func(col string, threshold *int) {
			if threshold != nil {
				w = append(w, col+" >= ?")
				args = append(args, *threshold)
			}
		}
		add("like_count", v.Thresholds.MinLikes)
		add("repost_count", v.Thresholds.MinReposts)
		add("reply_count", v.Thresholds.MinReplies)
		add("quote_count", v.Thresholds.MinQuotes)
		return w, args

	default:
		return nil, nil
	}
}
