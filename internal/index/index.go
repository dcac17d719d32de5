// Package index maintains the posts/post_hashtag/post_lang/posts_fts
// tables derived from the event log (spec.md §4.4), plus the
// index_checkpoints row tracking how far replay has progressed.
//
// Row derivation mirrors internal/filter's own flag semantics
// (HasLinks/HasMedia/IsReply/...) exactly, so a residual in-memory filter
// pass over a fetched row (internal/query) agrees with what the SQL
// columns already encode.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/skygent/skygent/pkg/post"
	"github.com/skygent/skygent/pkg/primitives"
)

// CheckpointName is the fixed name of the posts index's checkpoint row;
// Skygent maintains exactly one index per store today.
const CheckpointName = "posts"

// SQLTimeLayout is the fixed-width UTC format of the posts.created_at
// column. Fixed width (always 9 fractional digits, always Z) makes SQLite's
// string comparison agree with chronological order, which the composite
// (created_at, uri) index and the cross-store merge both rely on.
const SQLTimeLayout = "2006-01-02T15:04:05.000000000Z"

// CheckpointVersion is bumped whenever the row derivation changes shape
// in a way that requires a full replay to pick up.
const CheckpointVersion = 1

// Checkpoint mirrors the index_checkpoints row (spec.md §3).
type Checkpoint struct {
	IndexName    string
	Version      int
	LastEventSeq primitives.EventSeq
	EventCount   int64
}

// GetCheckpoint reads the posts index checkpoint, or nil if the index has
// never been written to.
func GetCheckpoint(ctx context.Context, q querier) (*Checkpoint, error) {
	var cp Checkpoint
	var lastSeq int64
	err := q.QueryRowContext(ctx,
		`SELECT index_name, version, last_event_seq, event_count FROM index_checkpoints WHERE index_name = ?`,
		CheckpointName,
	).Scan(&cp.IndexName, &cp.Version, &lastSeq, &cp.EventCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("index: reading checkpoint: %w", err)
	}
	cp.LastEventSeq = primitives.EventSeq(lastSeq)
	return &cp, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ApplyEntry applies one event log entry to the posts index, within the
// caller's transaction. Idempotent by seq: an entry whose Seq is not
// strictly greater than the checkpoint's last_event_seq is a no-op
// (spec.md §8 boundary behaviour), which is what makes replaying the same
// range of the log twice safe.
func ApplyEntry(ctx context.Context, tx *sql.Tx, entry post.EventLogEntry) error {
	cp, err := GetCheckpoint(ctx, tx)
	if err != nil {
		return err
	}
	if cp != nil && entry.Seq <= cp.LastEventSeq {
		return nil
	}

	switch entry.Record.Kind {
	case post.EventPostUpsert:
		if err := upsertRow(ctx, tx, entry.Record.UpsertPost); err != nil {
			return err
		}
	case post.EventPostDelete:
		if err := deleteRow(ctx, tx, entry.Record.DeleteUri); err != nil {
			return err
		}
	default:
		return fmt.Errorf("index: unknown event kind %q", entry.Record.Kind)
	}

	return bumpCheckpoint(ctx, tx, entry.Seq, cp)
}

func bumpCheckpoint(ctx context.Context, tx *sql.Tx, seq primitives.EventSeq, prev *Checkpoint) error {
	count := int64(1)
	if prev != nil {
		count = prev.EventCount + 1
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO index_checkpoints (index_name, version, last_event_seq, event_count, updated_at)
		 VALUES (?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(index_name) DO UPDATE SET
		   version = excluded.version,
		   last_event_seq = excluded.last_event_seq,
		   event_count = excluded.event_count,
		   updated_at = excluded.updated_at`,
		CheckpointName, CheckpointVersion, uint64(seq), count,
	)
	if err != nil {
		return fmt.Errorf("index: updating checkpoint: %w", err)
	}
	return nil
}

// Exists reports whether a posts row for uri is currently present.
func Exists(ctx context.Context, q querier, uri primitives.PostUri) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM posts WHERE uri = ?`, uri.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("index: checking existence of %s: %w", uri, err)
	}
	return true, nil
}

func upsertRow(ctx context.Context, tx *sql.Tx, p *post.Post) error {
	postJSON, err := post.Encode(p)
	if err != nil {
		return fmt.Errorf("index: encoding post %s: %w", p.Uri, err)
	}

	var likeCount, repostCount, replyCount, quoteCount int
	if p.Metrics != nil {
		likeCount, repostCount, replyCount, quoteCount = p.Metrics.LikeCount, p.Metrics.RepostCount, p.Metrics.ReplyCount, p.Metrics.QuoteCount
	}
	var replyParent, replyRoot string
	if p.Reply != nil {
		replyParent, replyRoot = p.Reply.ParentUri.String(), p.Reply.RootUri.String()
	}
	lang := ""
	if len(p.Langs) > 0 {
		lang = p.Langs[0]
	}
	altText := p.Embed.AltText()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO posts (
			uri, cid, author, author_did, created_at, created_date, text, lang,
			is_reply, is_quote, is_repost, is_original,
			has_links, has_media, has_images, has_video, has_embed,
			image_count, alt_text, has_alt_text,
			like_count, repost_count, reply_count, quote_count,
			reply_parent_uri, reply_root_uri, post_json, indexed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uri) DO UPDATE SET
			cid = excluded.cid, author = excluded.author, author_did = excluded.author_did,
			created_at = excluded.created_at, created_date = excluded.created_date,
			text = excluded.text, lang = excluded.lang,
			is_reply = excluded.is_reply, is_quote = excluded.is_quote,
			is_repost = excluded.is_repost, is_original = excluded.is_original,
			has_links = excluded.has_links, has_media = excluded.has_media,
			has_images = excluded.has_images, has_video = excluded.has_video,
			has_embed = excluded.has_embed, image_count = excluded.image_count,
			alt_text = excluded.alt_text, has_alt_text = excluded.has_alt_text,
			like_count = excluded.like_count, repost_count = excluded.repost_count,
			reply_count = excluded.reply_count, quote_count = excluded.quote_count,
			reply_parent_uri = excluded.reply_parent_uri, reply_root_uri = excluded.reply_root_uri,
			post_json = excluded.post_json, indexed_at = excluded.indexed_at
		`,
		p.Uri.String(), p.Cid.String(), p.Author.String(), p.AuthorDid.String(),
		p.CreatedAt.Time().Format(SQLTimeLayout), p.CreatedAt.Time().Format("2006-01-02"), p.Text, lang,
		boolInt(p.IsReply()), boolInt(p.IsQuote()), 0, boolInt(p.IsOriginal()),
		boolInt(p.HasLinks()), boolInt(p.Embed.HasImages() || p.Embed.HasVideo()),
		boolInt(p.Embed.HasImages()), boolInt(p.Embed.HasVideo()), boolInt(p.Embed != nil),
		p.Embed.ImageCount(), altText, boolInt(strings.TrimSpace(altText) != ""),
		likeCount, repostCount, replyCount, quoteCount,
		nullable(replyParent), nullable(replyRoot), string(postJSON), indexedAtString(p),
	)
	if err != nil {
		return fmt.Errorf("index: upserting post %s: %w", p.Uri, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM post_hashtag WHERE uri = ?`, p.Uri.String()); err != nil {
		return fmt.Errorf("index: clearing hashtags for %s: %w", p.Uri, err)
	}
	for _, tag := range p.HashtagSlice() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO post_hashtag (uri, tag) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			p.Uri.String(), tag.String(),
		); err != nil {
			return fmt.Errorf("index: inserting hashtag %s for %s: %w", tag, p.Uri, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM post_lang WHERE uri = ?`, p.Uri.String()); err != nil {
		return fmt.Errorf("index: clearing langs for %s: %w", p.Uri, err)
	}
	for _, l := range p.Langs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO post_lang (uri, lang) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			p.Uri.String(), strings.ToLower(l),
		); err != nil {
			return fmt.Errorf("index: inserting lang %s for %s: %w", l, p.Uri, err)
		}
	}
	return nil
}

func deleteRow(ctx context.Context, tx *sql.Tx, uri primitives.PostUri) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM posts WHERE uri = ?`, uri.String()); err != nil {
		return fmt.Errorf("index: deleting post %s: %w", uri, err)
	}
	return nil
}

// Clear removes every row from the posts index (posts, post_hashtag,
// post_lang cascade; index_checkpoints is reset) within the caller's
// transaction. The event log must be cleared in the same transaction for
// the store to remain consistent.
func Clear(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM posts`); err != nil {
		return fmt.Errorf("index: clearing posts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM index_checkpoints WHERE index_name = ?`, CheckpointName); err != nil {
		return fmt.Errorf("index: clearing checkpoint: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func indexedAtString(p *post.Post) any {
	if p.IndexedAt == nil {
		return nil
	}
	return p.IndexedAt.String()
}
