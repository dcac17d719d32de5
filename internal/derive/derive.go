// Package derive materialises a derived store (view) from a source store
// by re-processing the source's event log through a filter (spec.md §4.7).
//
// A derivation resumes strictly from last_source_event_seq + 1; any change
// to the filter hash — including the @DeriveTime suffix stamped by
// DeriveTime runs — forces a fresh scan from seq 0.
package derive

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skygent/skygent/internal/apperr"
	"github.com/skygent/skygent/internal/capability"
	"github.com/skygent/skygent/internal/checkpoint"
	"github.com/skygent/skygent/internal/committer"
	"github.com/skygent/skygent/internal/eventlog"
	"github.com/skygent/skygent/internal/filter"
	"github.com/skygent/skygent/internal/storedb"
	"github.com/skygent/skygent/pkg/post"
	"github.com/skygent/skygent/pkg/primitives"
)

// Options tunes one derivation run.
type Options struct {
	Mode               checkpoint.EvaluationMode // default EventTime
	Idempotent         bool                      // use insert-if-missing on the target
	CheckpointEvery    int                       // default 500
	CheckpointInterval time.Duration             // default 5s
	Command            string                    // free-form label recorded in EventMeta
}

func (o Options) normalise() Options {
	if o.Mode == "" {
		o.Mode = checkpoint.EventTime
	}
	if o.CheckpointEvery <= 0 {
		o.CheckpointEvery = 500
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = 5 * time.Second
	}
	return o
}

// Result summarises one bounded derivation run.
type Result struct {
	EventsProcessed   int64
	EventsMatched     int64
	DeletesPropagated int64
	LastSourceSeq     primitives.EventSeq
}

// Engine runs derivations.
type Engine struct {
	registry *storedb.Registry
	commit   *committer.Committer
	caps     filter.Capabilities
	clock    capability.Clock
	log      *zap.SugaredLogger
}

// New builds a derivation Engine.
func New(registry *storedb.Registry, commit *committer.Committer, caps filter.Capabilities,
	clock capability.Clock, log *zap.SugaredLogger) *Engine {
	return &Engine{registry: registry, commit: commit, caps: caps, clock: clock, log: log}
}

// effectiveHash stamps the checkpoint hash for the given mode: a
// DeriveTime run's results are not reproducible from the source log alone,
// so its hash carries a suffix that forces a later EventTime re-derivation
// to rescan from seq 0.
func effectiveHash(hash string, mode checkpoint.EvaluationMode) string {
	if mode == checkpoint.DeriveTime {
		return hash + filter.DeriveTimeHashSuffix
	}
	return hash
}

// Run derives target from source's event log through pred. Bounded: it
// finishes when the source log is exhausted. Continuous derivation is an
// external loop around this step (spec.md §9 Open Questions).
func (e *Engine) Run(ctx context.Context, source, target primitives.StoreName, pred *filter.Predicate, opts Options) (Result, error) {
	opts = opts.normalise()

	if opts.Mode == checkpoint.EventTime && !filter.IsEventTimeCompatible(pred.Source()) {
		return Result{}, &apperr.DerivationError{Base: apperr.Base{
			Op:  "derive.Run",
			Err: fmt.Errorf("filter depends on time-varying capabilities and is only legal under DeriveTime mode"),
		}}
	}
	if source == target {
		return Result{}, &apperr.DerivationError{Base: apperr.Base{
			Op:  "derive.Run",
			Err: fmt.Errorf("source and target must be different stores, got %q", source),
		}}
	}

	sourceDB, err := e.registry.Open(ctx, source, false)
	if err != nil {
		return Result{}, err
	}
	targetDB, err := e.registry.Open(ctx, target, false)
	if err != nil {
		return Result{}, err
	}

	hash, err := filter.ExprHash(pred.Source())
	if err != nil {
		return Result{}, err
	}
	stamped := effectiveHash(hash, opts.Mode)

	cp, err := checkpoint.GetDerivation(ctx, targetDB.Conn, target.String(), source)
	if err != nil {
		return Result{}, &apperr.DerivationError{Base: apperr.Base{Op: "derive.Run", Err: err}}
	}

	var startAfter primitives.EventSeq
	var res Result
	if cp != nil && cp.FilterHash == stamped {
		startAfter = cp.LastSourceEventSeq
		res.EventsProcessed = cp.EventsProcessed
		res.EventsMatched = cp.EventsMatched
		res.DeletesPropagated = cp.DeletesPropagated
	}
	res.LastSourceSeq = startAfter

	it, err := eventlog.NewIterator(ctx, sourceDB.Conn, startAfter)
	if err != nil {
		return res, &apperr.DerivationError{Base: apperr.Base{Op: "derive.Run", Err: err}}
	}
	defer it.Close()

	sinceCheckpoint := 0
	lastCheckpointAt := e.clock.Now()

	persist := func() error {
		err := checkpoint.PutDerivation(ctx, targetDB.Conn, checkpoint.Derivation{
			ViewName:           target.String(),
			SourceStore:        source,
			TargetStore:        target,
			FilterHash:         stamped,
			EvaluationMode:     opts.Mode,
			LastSourceEventSeq: res.LastSourceSeq,
			EventsProcessed:    res.EventsProcessed,
			EventsMatched:      res.EventsMatched,
			DeletesPropagated:  res.DeletesPropagated,
			UpdatedAt:          primitives.NewTimestamp(e.clock.Now()),
		})
		if err != nil {
			return &apperr.DerivationError{Base: apperr.Base{Op: "derive.Run", Err: err}}
		}
		sinceCheckpoint = 0
		lastCheckpointAt = e.clock.Now()
		return nil
	}

	for it.Next() {
		entry := it.Entry()
		if err := e.applyEvent(ctx, source, target, pred, stamped, entry, opts, &res); err != nil {
			return res, err
		}
		res.LastSourceSeq = entry.Seq
		res.EventsProcessed++
		sinceCheckpoint++

		if sinceCheckpoint >= opts.CheckpointEvery || e.clock.Since(lastCheckpointAt) >= opts.CheckpointInterval {
			if err := persist(); err != nil {
				return res, err
			}
		}
	}
	if err := it.Err(); err != nil {
		return res, &apperr.DerivationError{Base: apperr.Base{Op: "derive.Run", Err: err}}
	}

	if err := persist(); err != nil {
		return res, err
	}
	e.log.Infow("derivation finished",
		"source", source.String(), "target", target.String(),
		"processed", res.EventsProcessed, "matched", res.EventsMatched,
		"deletes", res.DeletesPropagated, "lastSourceSeq", uint64(res.LastSourceSeq))
	return res, nil
}

func (e *Engine) applyEvent(ctx context.Context, source, target primitives.StoreName,
	pred *filter.Predicate, hash string, entry post.EventLogEntry, opts Options, res *Result) error {
	switch entry.Record.Kind {
	case post.EventPostUpsert:
		ok, err := filter.Evaluate(ctx, pred, entry.Record.UpsertPost, e.caps)
		if err != nil {
			return &apperr.DerivationError{Base: apperr.Base{Op: "derive.applyEvent", Err: err}}
		}
		if !ok {
			return nil
		}
		meta := *entry.Record.UpsertMeta
		meta.SourceStore = &source
		meta.FilterExprHash = hash
		if opts.Command != "" {
			meta.Command = opts.Command
		}
		u := committer.Upsert{Post: entry.Record.UpsertPost, Meta: meta}
		if opts.Idempotent {
			if _, err := e.commit.AppendUpsertIfMissing(ctx, target, u); err != nil {
				return err
			}
		} else {
			if _, err := e.commit.AppendUpsert(ctx, target, u); err != nil {
				return err
			}
		}
		res.EventsMatched++
		return nil

	case post.EventPostDelete:
		meta := *entry.Record.DeleteMeta
		meta.SourceStore = &source
		if _, err := e.commit.AppendDelete(ctx, target, entry.Record.DeleteUri, entry.Record.DeleteCid, meta); err != nil {
			return err
		}
		res.DeletesPropagated++
		return nil

	default:
		return &apperr.DerivationError{Base: apperr.Base{
			Op:  "derive.applyEvent",
			Err: fmt.Errorf("unknown event kind %q at seq %d", entry.Record.Kind, entry.Seq),
		}}
	}
}

// IsStale reports whether the view is stale w.r.t. its source: the source
// log has advanced past the checkpoint, the stored filter hash differs, or
// no checkpoint exists at all (spec.md §4.7).
func (e *Engine) IsStale(ctx context.Context, source, target primitives.StoreName, pred *filter.Predicate, mode checkpoint.EvaluationMode) (bool, error) {
	sourceDB, err := e.registry.Open(ctx, source, false)
	if err != nil {
		return false, err
	}
	targetDB, err := e.registry.Open(ctx, target, false)
	if err != nil {
		return false, err
	}

	hash, err := filter.ExprHash(pred.Source())
	if err != nil {
		return false, err
	}

	cp, err := checkpoint.GetDerivation(ctx, targetDB.Conn, target.String(), source)
	if err != nil {
		return false, &apperr.DerivationError{Base: apperr.Base{Op: "derive.IsStale", Err: err}}
	}
	if cp == nil || cp.FilterHash != effectiveHash(hash, mode) {
		return true, nil
	}

	lastSeq, err := eventlog.GetLastEventSeq(ctx, sourceDB.Conn)
	if err != nil {
		return false, &apperr.DerivationError{Base: apperr.Base{Op: "derive.IsStale", Err: err}}
	}
	if lastSeq == nil {
		return false, nil
	}
	return cp.LastSourceEventSeq < *lastSeq, nil
}
