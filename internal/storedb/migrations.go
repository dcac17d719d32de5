package storedb

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step. Steps never change once
// released; a new requirement is always a new, higher-numbered migration
// (spec.md §4.2: "a forward-only migration list is applied in order on
// first open").
type migration struct {
	version int
	stmts   []string
}

// migrations is the ordered, append-only list of schema steps. Index,
// event log, and checkpoint tables are all created in migration 1 — the
// schema is small enough that Skygent has not yet needed a second step.
var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER PRIMARY KEY,
				applied_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS store_meta (
				name TEXT PRIMARY KEY,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS posts (
				uri TEXT PRIMARY KEY,
				cid TEXT,
				author TEXT NOT NULL,
				author_did TEXT,
				created_at TEXT NOT NULL,
				created_date TEXT NOT NULL,
				text TEXT NOT NULL,
				lang TEXT,
				is_reply INTEGER NOT NULL DEFAULT 0,
				is_quote INTEGER NOT NULL DEFAULT 0,
				is_repost INTEGER NOT NULL DEFAULT 0,
				is_original INTEGER NOT NULL DEFAULT 0,
				has_links INTEGER NOT NULL DEFAULT 0,
				has_media INTEGER NOT NULL DEFAULT 0,
				has_images INTEGER NOT NULL DEFAULT 0,
				has_video INTEGER NOT NULL DEFAULT 0,
				has_embed INTEGER NOT NULL DEFAULT 0,
				image_count INTEGER NOT NULL DEFAULT 0,
				alt_text TEXT NOT NULL DEFAULT '',
				has_alt_text INTEGER NOT NULL DEFAULT 0,
				like_count INTEGER NOT NULL DEFAULT 0,
				repost_count INTEGER NOT NULL DEFAULT 0,
				reply_count INTEGER NOT NULL DEFAULT 0,
				quote_count INTEGER NOT NULL DEFAULT 0,
				reply_parent_uri TEXT,
				reply_root_uri TEXT,
				post_json TEXT NOT NULL,
				indexed_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_posts_author ON posts(author)`,
			`CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_posts_created_date ON posts(created_date)`,
			`CREATE INDEX IF NOT EXISTS idx_posts_author_created_at ON posts(author, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_posts_created_at_uri ON posts(created_at, uri)`,
			`CREATE INDEX IF NOT EXISTS idx_posts_is_reply ON posts(uri) WHERE is_reply = 1`,
			`CREATE INDEX IF NOT EXISTS idx_posts_is_quote ON posts(uri) WHERE is_quote = 1`,
			`CREATE INDEX IF NOT EXISTS idx_posts_has_images ON posts(uri) WHERE has_images = 1`,
			`CREATE INDEX IF NOT EXISTS idx_posts_reply_parent ON posts(reply_parent_uri)`,
			`CREATE TABLE IF NOT EXISTS post_hashtag (
				uri TEXT NOT NULL REFERENCES posts(uri) ON DELETE CASCADE,
				tag TEXT NOT NULL,
				PRIMARY KEY (uri, tag)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_post_hashtag_tag ON post_hashtag(tag)`,
			`CREATE TABLE IF NOT EXISTS post_lang (
				uri TEXT NOT NULL REFERENCES posts(uri) ON DELETE CASCADE,
				lang TEXT NOT NULL,
				PRIMARY KEY (uri, lang)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_post_lang_lang ON post_lang(lang)`,
			`CREATE VIRTUAL TABLE IF NOT EXISTS posts_fts USING fts5(
				uri UNINDEXED,
				text,
				alt_text,
				content='posts',
				content_rowid='rowid'
			)`,
			`CREATE TRIGGER IF NOT EXISTS posts_ai AFTER INSERT ON posts BEGIN
				INSERT INTO posts_fts(rowid, uri, text, alt_text)
				VALUES (new.rowid, new.uri, new.text, new.alt_text);
			END`,
			`CREATE TRIGGER IF NOT EXISTS posts_ad AFTER DELETE ON posts BEGIN
				INSERT INTO posts_fts(posts_fts, rowid, uri, text, alt_text)
				VALUES ('delete', old.rowid, old.uri, old.text, old.alt_text);
			END`,
			`CREATE TRIGGER IF NOT EXISTS posts_au AFTER UPDATE ON posts BEGIN
				INSERT INTO posts_fts(posts_fts, rowid, uri, text, alt_text)
				VALUES ('delete', old.rowid, old.uri, old.text, old.alt_text);
				INSERT INTO posts_fts(rowid, uri, text, alt_text)
				VALUES (new.rowid, new.uri, new.text, new.alt_text);
			END`,
			`CREATE TABLE IF NOT EXISTS event_log (
				event_seq INTEGER PRIMARY KEY AUTOINCREMENT,
				event_id TEXT NOT NULL UNIQUE,
				event_type TEXT NOT NULL,
				post_uri TEXT NOT NULL,
				payload_json TEXT NOT NULL,
				created_at TEXT NOT NULL,
				source TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_event_log_post_uri ON event_log(post_uri)`,
			`CREATE TABLE IF NOT EXISTS index_checkpoints (
				index_name TEXT PRIMARY KEY,
				version INTEGER NOT NULL,
				last_event_seq INTEGER NOT NULL,
				event_count INTEGER NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS sync_checkpoints (
				source_key TEXT PRIMARY KEY,
				source_json TEXT NOT NULL,
				cursor TEXT,
				last_event_seq INTEGER NOT NULL,
				filter_hash TEXT,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS derivation_checkpoints (
				view_name TEXT NOT NULL,
				source_store TEXT NOT NULL,
				target_store TEXT NOT NULL,
				filter_hash TEXT NOT NULL,
				evaluation_mode TEXT NOT NULL,
				last_source_event_seq INTEGER NOT NULL,
				events_processed INTEGER NOT NULL,
				events_matched INTEGER NOT NULL,
				deletes_propagated INTEGER NOT NULL,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (view_name, source_store)
			)`,
			`CREATE TABLE IF NOT EXISTS store_sources (
				source_id TEXT PRIMARY KEY,
				tag TEXT NOT NULL,
				config_json TEXT NOT NULL,
				enabled INTEGER NOT NULL DEFAULT 1,
				added_at TEXT NOT NULL,
				last_synced_at TEXT
			)`,
		},
	},
}

// migrate brings conn's schema up to the latest known version, applying
// every migration whose version is greater than what's already recorded
// in schema_migrations. Per spec.md §4.2, a failure here must fail the
// open outright rather than leave a half-migrated store behind.
func migrate(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("storedb: bootstrapping schema_migrations: %w", err)
	}

	current, err := currentVersion(ctx, conn)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, conn, m); err != nil {
			return fmt.Errorf("storedb: migration %d: %w", m.version, err)
		}
	}
	return nil
}

func currentVersion(ctx context.Context, conn *sql.DB) (int, error) {
	var v sql.NullInt64
	err := conn.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("storedb: reading schema version: %w", err)
	}
	return int(v.Int64), nil
}

func applyMigration(ctx context.Context, conn *sql.DB, m migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", stmt, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))`,
		m.version,
	); err != nil {
		return fmt.Errorf("recording migration version: %w", err)
	}
	return tx.Commit()
}
