// Package committer is the only component that writes to a store
// (spec.md §4.4): every mutation is (1) an index mutation plus (2) an
// event_log append, wrapped in one transaction, under a per-store write
// lock.
//
// The per-store semaphore registry is grounded on Design Notes §9 ("one
// semaphore per store name, kept in a process-wide registry created
// lazily... not a global lock"), generalising go-crablet's single
// advisory-lock-per-aggregate pattern (pkg/dcb's append-condition
// concurrency check) to one lock per store name instead of one global
// lock.
package committer

import (
	"context"
	"sync"

	"github.com/skygent/skygent/internal/apperr"
	"github.com/skygent/skygent/internal/eventlog"
	"github.com/skygent/skygent/internal/index"
	"github.com/skygent/skygent/internal/storedb"
	"github.com/skygent/skygent/pkg/post"
	"github.com/skygent/skygent/pkg/primitives"
)

// Upsert pairs a Post with the EventMeta its PostUpsert event should carry.
type Upsert struct {
	Post *post.Post
	Meta post.EventMeta
}

// Committer serialises every write to a given store behind a single
// permit, so event_seq allocation and index mutation are never
// interleaved across concurrent callers (spec.md §5). Event IDs are
// stamped with the EventMeta's CreatedAt, so a fake clock upstream makes
// every generated ULID deterministic in its time component.
type Committer struct {
	registry *storedb.Registry

	mu    sync.Mutex
	locks map[primitives.StoreName]*sync.Mutex
}

// New builds a Committer backed by registry.
func New(registry *storedb.Registry) *Committer {
	return &Committer{registry: registry, locks: map[primitives.StoreName]*sync.Mutex{}}
}

func (c *Committer) lockFor(name primitives.StoreName) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[name]
	if !ok {
		l = &sync.Mutex{}
		c.locks[name] = l
	}
	return l
}

// AppendUpsert unconditionally writes u's post into store, overwriting any
// existing row for that uri, and appends a new PostUpsert event.
func (c *Committer) AppendUpsert(ctx context.Context, store primitives.StoreName, u Upsert) (post.EventLogEntry, error) {
	entries, err := c.appendUpserts(ctx, store, []Upsert{u}, false)
	if err != nil {
		return post.EventLogEntry{}, err
	}
	return *entries[0], nil
}

// AppendUpserts writes every item in us within a single transaction: their
// assigned event_seqs are contiguous. An empty us is a no-op returning an empty slice.
func (c *Committer) AppendUpserts(ctx context.Context, store primitives.StoreName, us []Upsert) ([]post.EventLogEntry, error) {
	ptrs, err := c.appendUpserts(ctx, store, us, false)
	if err != nil {
		return nil, err
	}
	out := make([]post.EventLogEntry, len(ptrs))
	for i, p := range ptrs {
		out[i] = *p
	}
	return out, nil
}

// AppendUpsertIfMissing inserts u's post only if no row exists yet for its
// uri; returns nil and writes nothing for an already-present uri.
func (c *Committer) AppendUpsertIfMissing(ctx context.Context, store primitives.StoreName, u Upsert) (*post.EventLogEntry, error) {
	entries, err := c.appendUpserts(ctx, store, []Upsert{u}, true)
	if err != nil {
		return nil, err
	}
	return entries[0], nil
}

// AppendUpsertsIfMissing is the batch variant of AppendUpsertIfMissing: one
// *EventLogEntry (nil for a skipped duplicate) per input, same order.
func (c *Committer) AppendUpsertsIfMissing(ctx context.Context, store primitives.StoreName, us []Upsert) ([]*post.EventLogEntry, error) {
	return c.appendUpserts(ctx, store, us, true)
}

func (c *Committer) appendUpserts(ctx context.Context, store primitives.StoreName, us []Upsert, ifMissing bool) ([]*post.EventLogEntry, error) {
	if len(us) == 0 {
		return nil, nil
	}

	lock := c.lockFor(store)
	lock.Lock()
	defer lock.Unlock()

	db, err := c.registry.Open(ctx, store, false)
	if err != nil {
		return nil, err
	}

	tx, err := db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, &apperr.StoreIoError{Base: apperr.Base{Op: "committer.AppendUpserts", Err: err}, StorePath: db.Path}
	}
	defer tx.Rollback()

	out := make([]*post.EventLogEntry, len(us))
	for i, u := range us {
		if ifMissing {
			exists, err := index.Exists(ctx, tx, u.Post.Uri)
			if err != nil {
				return nil, &apperr.StoreIndexError{Base: apperr.Base{Op: "committer.AppendUpserts", Err: err}, StorePath: db.Path}
			}
			if exists {
				out[i] = nil
				continue
			}
		}

		id := primitives.NewEventId(u.Meta.CreatedAt.Time())
		rec := post.NewUpsert(id, u.Post, u.Meta)
		entry, err := eventlog.Append(ctx, tx, db.Path, rec)
		if err != nil {
			return nil, err
		}
		if err := index.ApplyEntry(ctx, tx, entry); err != nil {
			return nil, &apperr.StoreIndexError{Base: apperr.Base{Op: "committer.AppendUpserts", Err: err}, StorePath: db.Path}
		}
		out[i] = &entry
	}

	if err := tx.Commit(); err != nil {
		return nil, &apperr.StoreIoError{Base: apperr.Base{Op: "committer.AppendUpserts", Err: err}, StorePath: db.Path}
	}
	return out, nil
}

// AppendDelete appends a PostDelete event for uri and removes its posts
// row (if present).
func (c *Committer) AppendDelete(ctx context.Context, store primitives.StoreName, uri primitives.PostUri, cid primitives.PostCid, meta post.EventMeta) (post.EventLogEntry, error) {
	lock := c.lockFor(store)
	lock.Lock()
	defer lock.Unlock()

	db, err := c.registry.Open(ctx, store, false)
	if err != nil {
		return post.EventLogEntry{}, err
	}

	tx, err := db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return post.EventLogEntry{}, &apperr.StoreIoError{Base: apperr.Base{Op: "committer.AppendDelete", Err: err}, StorePath: db.Path}
	}
	defer tx.Rollback()

	id := primitives.NewEventId(meta.CreatedAt.Time())
	rec := post.NewDelete(id, uri, cid, meta)
	entry, err := eventlog.Append(ctx, tx, db.Path, rec)
	if err != nil {
		return post.EventLogEntry{}, err
	}
	if err := index.ApplyEntry(ctx, tx, entry); err != nil {
		return post.EventLogEntry{}, &apperr.StoreIndexError{Base: apperr.Base{Op: "committer.AppendDelete", Err: err}, StorePath: db.Path}
	}

	if err := tx.Commit(); err != nil {
		return post.EventLogEntry{}, &apperr.StoreIoError{Base: apperr.Base{Op: "committer.AppendDelete", Err: err}, StorePath: db.Path}
	}
	return entry, nil
}

// Clear wipes a store's event log and index in one transaction, under its
// write lock.
func (c *Committer) Clear(ctx context.Context, store primitives.StoreName) error {
	lock := c.lockFor(store)
	lock.Lock()
	defer lock.Unlock()

	db, err := c.registry.Open(ctx, store, false)
	if err != nil {
		return err
	}
	tx, err := db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return &apperr.StoreIoError{Base: apperr.Base{Op: "committer.Clear", Err: err}, StorePath: db.Path}
	}
	defer tx.Rollback()

	if err := index.Clear(ctx, tx); err != nil {
		return &apperr.StoreIndexError{Base: apperr.Base{Op: "committer.Clear", Err: err}, StorePath: db.Path}
	}
	if err := eventlog.Clear(ctx, tx); err != nil {
		return &apperr.StoreIoError{Base: apperr.Base{Op: "committer.Clear", Err: err}, StorePath: db.Path}
	}
	return tx.Commit()
}

// Replay rebuilds the index from scratch by clearing it and re-applying
// every event log entry from seq 0 — the canonical recovery procedure
// (spec.md §4.4).
func (c *Committer) Replay(ctx context.Context, store primitives.StoreName) error {
	lock := c.lockFor(store)
	lock.Lock()
	defer lock.Unlock()

	db, err := c.registry.Open(ctx, store, false)
	if err != nil {
		return err
	}
	tx, err := db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return &apperr.StoreIoError{Base: apperr.Base{Op: "committer.Replay", Err: err}, StorePath: db.Path}
	}
	defer tx.Rollback()

	if err := index.Clear(ctx, tx); err != nil {
		return &apperr.StoreIndexError{Base: apperr.Base{Op: "committer.Replay", Err: err}, StorePath: db.Path}
	}

	rows, err := tx.QueryContext(ctx, `SELECT event_seq, event_id, event_type, payload_json FROM event_log ORDER BY event_seq ASC`)
	if err != nil {
		return &apperr.StoreIoError{Base: apperr.Base{Op: "committer.Replay", Err: err}, StorePath: db.Path}
	}
	defer rows.Close()

	var entries []post.EventLogEntry
	for rows.Next() {
		var seq int64
		var id, kind, payload string
		if err := rows.Scan(&seq, &id, &kind, &payload); err != nil {
			return &apperr.StoreIndexError{Base: apperr.Base{Op: "committer.Replay", Err: err}, StorePath: db.Path}
		}
		rec, err := post.DecodePayload(primitives.EventId(id), post.EventKind(kind), []byte(payload))
		if err != nil {
			return &apperr.StoreIndexError{Base: apperr.Base{Op: "committer.Replay", Err: err}, StorePath: db.Path}
		}
		entries = append(entries, post.EventLogEntry{Seq: primitives.EventSeq(seq), Record: rec})
	}
	if err := rows.Err(); err != nil {
		return &apperr.StoreIoError{Base: apperr.Base{Op: "committer.Replay", Err: err}, StorePath: db.Path}
	}
	rows.Close()

	for _, entry := range entries {
		if err := index.ApplyEntry(ctx, tx, entry); err != nil {
			return &apperr.StoreIndexError{Base: apperr.Base{Op: "committer.Replay", Err: err}, StorePath: db.Path}
		}
	}

	if err := tx.Commit(); err != nil {
		return &apperr.StoreIoError{Base: apperr.Base{Op: "committer.Replay", Err: err}, StorePath: db.Path}
	}
	return nil
}
