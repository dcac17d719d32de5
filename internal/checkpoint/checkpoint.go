// Package checkpoint persists the sync_checkpoints and
// derivation_checkpoints tables (spec.md §3). Both are overwrite-in-place
// records: a checkpoint is never written from inside the transaction that
// produced its events — sync and derivation write theirs strictly after
// the batch commits, which is what gives at-most-once dedupe on resume
// (Design Notes §9).
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/skygent/skygent/pkg/primitives"
)

// Sync mirrors one sync_checkpoints row, keyed by the source's canonical
// SourceKey within a store's database.
type Sync struct {
	SourceKey    string
	SourceJSON   string
	Cursor       string // opaque API cursor; empty means start from the top
	LastEventSeq primitives.EventSeq
	FilterHash   string
	UpdatedAt    primitives.Timestamp
}

// GetSync reads the checkpoint for sourceKey, or nil if none exists yet.
func GetSync(ctx context.Context, conn *sql.DB, sourceKey string) (*Sync, error) {
	var cp Sync
	var cursor, filterHash sql.NullString
	var lastSeq int64
	var updatedAt string
	err := conn.QueryRowContext(ctx,
		`SELECT source_key, source_json, cursor, last_event_seq, filter_hash, updated_at
		 FROM sync_checkpoints WHERE source_key = ?`,
		sourceKey,
	).Scan(&cp.SourceKey, &cp.SourceJSON, &cursor, &lastSeq, &filterHash, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: reading sync checkpoint %q: %w", sourceKey, err)
	}
	cp.Cursor = cursor.String
	cp.FilterHash = filterHash.String
	cp.LastEventSeq = primitives.EventSeq(lastSeq)
	if err := cp.UpdatedAt.UnmarshalJSON([]byte(`"` + updatedAt + `"`)); err != nil {
		return nil, fmt.Errorf("checkpoint: sync checkpoint %q has bad updated_at: %w", sourceKey, err)
	}
	return &cp, nil
}

// PutSync overwrites the checkpoint row for cp.SourceKey.
func PutSync(ctx context.Context, conn *sql.DB, cp Sync) error {
	_, err := conn.ExecContext(ctx,
		`INSERT INTO sync_checkpoints (source_key, source_json, cursor, last_event_seq, filter_hash, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_key) DO UPDATE SET
		   source_json = excluded.source_json,
		   cursor = excluded.cursor,
		   last_event_seq = excluded.last_event_seq,
		   filter_hash = excluded.filter_hash,
		   updated_at = excluded.updated_at`,
		cp.SourceKey, cp.SourceJSON, nullable(cp.Cursor), uint64(cp.LastEventSeq),
		nullable(cp.FilterHash), cp.UpdatedAt.String(),
	)
	if err != nil {
		return fmt.Errorf("checkpoint: writing sync checkpoint %q: %w", cp.SourceKey, err)
	}
	return nil
}

// EvaluationMode tags how a derivation evaluated its filter (spec.md §4.7).
type EvaluationMode string

const (
	EventTime  EvaluationMode = "EventTime"
	DeriveTime EvaluationMode = "DeriveTime"
)

// Derivation mirrors one derivation_checkpoints row, stored in the target
// (view) store's database and keyed by (view_name, source_store).
type Derivation struct {
	ViewName           string
	SourceStore        primitives.StoreName
	TargetStore        primitives.StoreName
	FilterHash         string
	EvaluationMode     EvaluationMode
	LastSourceEventSeq primitives.EventSeq
	EventsProcessed    int64
	EventsMatched      int64
	DeletesPropagated  int64
	UpdatedAt          primitives.Timestamp
}

// GetDerivation reads the checkpoint for (viewName, sourceStore), or nil if
// the view has never been derived from that source.
func GetDerivation(ctx context.Context, conn *sql.DB, viewName string, sourceStore primitives.StoreName) (*Derivation, error) {
	var cp Derivation
	var source, target, mode, updatedAt string
	var lastSeq int64
	err := conn.QueryRowContext(ctx,
		`SELECT view_name, source_store, target_store, filter_hash, evaluation_mode,
		        last_source_event_seq, events_processed, events_matched, deletes_propagated, updated_at
		 FROM derivation_checkpoints WHERE view_name = ? AND source_store = ?`,
		viewName, sourceStore.String(),
	).Scan(&cp.ViewName, &source, &target, &cp.FilterHash, &mode,
		&lastSeq, &cp.EventsProcessed, &cp.EventsMatched, &cp.DeletesPropagated, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: reading derivation checkpoint %q: %w", viewName, err)
	}
	cp.SourceStore = primitives.StoreName(source)
	cp.TargetStore = primitives.StoreName(target)
	cp.EvaluationMode = EvaluationMode(mode)
	cp.LastSourceEventSeq = primitives.EventSeq(lastSeq)
	if err := cp.UpdatedAt.UnmarshalJSON([]byte(`"` + updatedAt + `"`)); err != nil {
		return nil, fmt.Errorf("checkpoint: derivation checkpoint %q has bad updated_at: %w", viewName, err)
	}
	return &cp, nil
}

// PutDerivation overwrites the checkpoint row for (cp.ViewName,
// cp.SourceStore).
func PutDerivation(ctx context.Context, conn *sql.DB, cp Derivation) error {
	_, err := conn.ExecContext(ctx,
		`INSERT INTO derivation_checkpoints (
		   view_name, source_store, target_store, filter_hash, evaluation_mode,
		   last_source_event_seq, events_processed, events_matched, deletes_propagated, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(view_name, source_store) DO UPDATE SET
		   target_store = excluded.target_store,
		   filter_hash = excluded.filter_hash,
		   evaluation_mode = excluded.evaluation_mode,
		   last_source_event_seq = excluded.last_source_event_seq,
		   events_processed = excluded.events_processed,
		   events_matched = excluded.events_matched,
		   deletes_propagated = excluded.deletes_propagated,
		   updated_at = excluded.updated_at`,
		cp.ViewName, cp.SourceStore.String(), cp.TargetStore.String(), cp.FilterHash,
		string(cp.EvaluationMode), uint64(cp.LastSourceEventSeq),
		cp.EventsProcessed, cp.EventsMatched, cp.DeletesPropagated, cp.UpdatedAt.String(),
	)
	if err != nil {
		return fmt.Errorf("checkpoint: writing derivation checkpoint %q: %w", cp.ViewName, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
