// Package eventlog implements the append-only event_log table (spec.md
// §4.3): appending PostUpsert/PostDelete events within an existing
// transaction, and reading them back in monotone event_seq order.
//
// Grounded on go-crablet's SimpleEventIterator / StreamingProjectionIterator
// pull-iterator shape (pkg/dcb/streaming_projection.go: Next()/Event()/
// Err()/Close() over a *sql.Rows-backed cursor) — the same idiom applied to
// database/sql instead of pgx.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/skygent/skygent/internal/apperr"
	"github.com/skygent/skygent/pkg/post"
	"github.com/skygent/skygent/pkg/primitives"
)

// Append assigns the next event_seq to rec and inserts it into event_log,
// within the caller's transaction. The committer (internal/committer) is
// the only caller — it always wraps this with the matching index mutation
// in the same transaction (spec.md §4.4).
func Append(ctx context.Context, tx *sql.Tx, storePath string, rec post.EventRecord) (post.EventLogEntry, error) {
	payload, err := post.EncodePayload(rec)
	if err != nil {
		return post.EventLogEntry{}, &apperr.StoreIndexError{Base: apperr.Base{Op: "eventlog.Append", Err: err}, StorePath: storePath}
	}

	var postUri string
	switch rec.Kind {
	case post.EventPostUpsert:
		postUri = rec.UpsertPost.Uri.String()
	case post.EventPostDelete:
		postUri = rec.DeleteUri.String()
	default:
		return post.EventLogEntry{}, &apperr.StoreIndexError{
			Base:      apperr.Base{Op: "eventlog.Append", Err: fmt.Errorf("unknown event kind %q", rec.Kind)},
			StorePath: storePath,
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO event_log (event_id, event_type, post_uri, payload_json, created_at, source)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Id.String(), string(rec.Kind), postUri, string(payload), rec.Meta().CreatedAt.String(), string(rec.Meta().Source),
	)
	if err != nil {
		return post.EventLogEntry{}, &apperr.StoreIoError{Base: apperr.Base{Op: "eventlog.Append", Err: err}, StorePath: storePath}
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return post.EventLogEntry{}, &apperr.StoreIoError{Base: apperr.Base{Op: "eventlog.Append", Err: err}, StorePath: storePath}
	}
	return post.EventLogEntry{Seq: primitives.EventSeq(seq), Record: rec}, nil
}

// GetLastEventSeq returns the store's highest assigned event_seq, or nil
// if the log is empty.
func GetLastEventSeq(ctx context.Context, conn *sql.DB) (*primitives.EventSeq, error) {
	var seq sql.NullInt64
	err := conn.QueryRowContext(ctx, `SELECT MAX(event_seq) FROM event_log`).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("eventlog: reading last event_seq: %w", err)
	}
	if !seq.Valid {
		return nil, nil
	}
	v := primitives.EventSeq(seq.Int64)
	return &v, nil
}

// GetLastEventId returns the EventId of the row with the highest
// event_seq, or nil if the log is empty.
func GetLastEventId(ctx context.Context, conn *sql.DB) (*primitives.EventId, error) {
	var id sql.NullString
	err := conn.QueryRowContext(ctx,
		`SELECT event_id FROM event_log ORDER BY event_seq DESC LIMIT 1`,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: reading last event_id: %w", err)
	}
	if !id.Valid {
		return nil, nil
	}
	v := primitives.EventId(id.String)
	return &v, nil
}

// GetEventsAfter returns every event with event_seq > seq, in ascending
// order. Callers that expect a large range should prefer Iterator instead
// so the whole log isn't buffered in memory.
func GetEventsAfter(ctx context.Context, conn *sql.DB, seq primitives.EventSeq) ([]post.EventLogEntry, error) {
	it, err := NewIterator(ctx, conn, seq)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []post.EventLogEntry
	for it.Next() {
		out = append(out, it.Entry())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Iterator pulls event_log rows one at a time in ascending event_seq
// order, the pull adapter the derivation engine consumes. It holds one
// open result set and the current entry; it does not buffer chunks.
type Iterator struct {
	rows  *sql.Rows
	entry post.EventLogEntry
	err   error
}

// NewIterator opens a streaming cursor over every event with
// event_seq > afterSeq.
func NewIterator(ctx context.Context, conn *sql.DB, afterSeq primitives.EventSeq) (*Iterator, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT event_seq, event_id, event_type, payload_json
		 FROM event_log WHERE event_seq > ? ORDER BY event_seq ASC`,
		uint64(afterSeq),
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: querying events after %d: %w", afterSeq, err)
	}
	return &Iterator{rows: rows}, nil
}

// Next advances the iterator, reporting whether a row was produced.
func (it *Iterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var seq int64
	var id, kind, payload string
	if err := it.rows.Scan(&seq, &id, &kind, &payload); err != nil {
		it.err = fmt.Errorf("eventlog: scanning row: %w", err)
		return false
	}
	rec, err := post.DecodePayload(primitives.EventId(id), post.EventKind(kind), []byte(payload))
	if err != nil {
		it.err = err
		return false
	}
	it.entry = post.EventLogEntry{Seq: primitives.EventSeq(seq), Record: rec}
	return true
}

// Entry returns the row most recently produced by Next.
func (it *Iterator) Entry() post.EventLogEntry { return it.entry }

// Err returns the first error encountered, from either scanning or the
// underlying *sql.Rows.
func (it *Iterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

// Close releases the iterator's underlying rows.
func (it *Iterator) Close() error { return it.rows.Close() }

// Clear deletes every row in event_log, within the caller's transaction.
// The index (internal/index) must be cleared in the same transaction —
// Clear alone does not restore consistency.
func Clear(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM event_log`); err != nil {
		return fmt.Errorf("eventlog: clearing: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sqlite_sequence WHERE name = 'event_log'`); err != nil {
		return fmt.Errorf("eventlog: resetting sequence: %w", err)
	}
	return nil
}
