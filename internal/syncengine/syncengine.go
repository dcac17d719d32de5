// Package syncengine pulls posts from a remote DataSource into a store
// (spec.md §4.5): page, parse, filter, commit, checkpoint, report.
//
// The per-page parse+filter fan-out uses errgroup with SetLimit the way
// go-crablet bounds its benchmark writers; per-item policy errors never
// travel through the errgroup — they are collected into the Result so one
// bad record doesn't cancel its page (only fatal/cancellation errors do).
package syncengine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skygent/skygent/internal/apperr"
	"github.com/skygent/skygent/internal/capability"
	"github.com/skygent/skygent/internal/checkpoint"
	"github.com/skygent/skygent/internal/committer"
	"github.com/skygent/skygent/internal/datasource"
	"github.com/skygent/skygent/internal/filter"
	"github.com/skygent/skygent/internal/rawpost"
	"github.com/skygent/skygent/internal/storedb"
	"github.com/skygent/skygent/pkg/post"
	"github.com/skygent/skygent/pkg/primitives"
)

// Options tunes one sync run. The zero value is filled with the spec's
// defaults by normalise.
type Options struct {
	Concurrency        int           // parse+filter fan-out, default 5
	BatchSize          int           // posts per commit batch, default 100
	PageLimit          int           // page size requested from the API, default 100
	CheckpointEvery    int           // checkpoint after this many processed posts, default 200
	CheckpointInterval time.Duration // or after this long, whichever first, default 3s
	Refresh            bool          // unconditional upsert instead of dedupe
	Strict             bool          // abort at the first per-item error
	MaxErrors          int           // abort once collected errors exceed this; 0 = unlimited
	Command            string        // free-form label recorded in EventMeta
}

func (o Options) normalise() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.PageLimit <= 0 {
		o.PageLimit = 100
	}
	if o.CheckpointEvery <= 0 {
		o.CheckpointEvery = 200
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = 3 * time.Second
	}
	return o
}

// Engine runs sync pipelines against stores.
type Engine struct {
	registry *storedb.Registry
	commit   *committer.Committer
	client   capability.BskyClient
	caps     filter.Capabilities
	clock    capability.Clock
	reporter Reporter
	log      *zap.SugaredLogger
}

// New builds a sync Engine. reporter may be nil for no progress reporting.
func New(registry *storedb.Registry, commit *committer.Committer, client capability.BskyClient,
	caps filter.Capabilities, clock capability.Clock, reporter Reporter, log *zap.SugaredLogger) *Engine {
	if reporter == nil {
		reporter = NoopReporter{}
	}
	return &Engine{registry: registry, commit: commit, client: client, caps: caps,
		clock: clock, reporter: reporter, log: log}
}

// run carries the mutable state of one sync run.
type run struct {
	engine *Engine
	store  primitives.StoreName
	src    datasource.DataSource
	pred   *filter.Predicate
	hash   string
	opts   Options
	db     *storedb.DB

	result            Result
	processed         int
	lastEventSeq      primitives.EventSeq
	sinceCheckpoint   int
	lastCheckpointAt  time.Time
	committedCursor   string // the cursor a resume should refetch from
}

// Run syncs src into store, filtering through pred (nil accepts every
// post). It returns the accumulated Result even alongside a non-nil error;
// on error the last persisted checkpoint remains the authoritative
// resumption point (spec.md §4.5, §5).
func (e *Engine) Run(ctx context.Context, store primitives.StoreName, src datasource.DataSource, pred *filter.Predicate, opts Options) (Result, error) {
	if err := src.Validate(); err != nil {
		return Zero(), err
	}
	opts = opts.normalise()

	db, err := e.registry.Open(ctx, store, false)
	if err != nil {
		return Zero(), err
	}

	var hash string
	if pred != nil {
		if hash, err = filter.ExprHash(pred.Source()); err != nil {
			return Zero(), err
		}
	}

	r := &run{
		engine: e, store: store, src: src, pred: pred, hash: hash, opts: opts,
		db: db, lastCheckpointAt: e.clock.Now(),
	}

	cursor := ""
	cp, err := checkpoint.GetSync(ctx, db.Conn, src.SourceKey())
	if err != nil {
		return Zero(), &apperr.SyncError{Base: apperr.Base{Op: "syncengine.Run", Err: err}, Stage: apperr.StageStore}
	}
	// A changed filter invalidates the stored cursor: the old cursor marks
	// where the previous filter stopped looking, not where this one should.
	if cp != nil && cp.FilterHash == hash {
		cursor = cp.Cursor
		r.lastEventSeq = cp.LastEventSeq
	}
	r.committedCursor = cursor

	if src.Kind == datasource.KindJetstream {
		err = r.runJetstream(ctx, cursor)
	} else {
		err = r.runPaged(ctx, cursor)
	}
	return r.result, err
}

func (r *run) runPaged(ctx context.Context, cursor string) error {
	for {
		page, err := r.fetchPage(ctx, cursor)
		if err != nil {
			return &apperr.SyncError{Base: apperr.Base{Op: "syncengine.Run", Err: err}, Stage: apperr.StageSource}
		}

		if err := r.processRecords(ctx, page.Records); err != nil {
			return err
		}

		// The next page's cursor becomes resumable only now that every
		// record of this page is committed (ordering guarantee (3), §5).
		r.committedCursor = page.Cursor
		if err := r.maybeCheckpoint(ctx, false); err != nil {
			return err
		}

		if page.Cursor == "" {
			return r.maybeCheckpoint(ctx, true)
		}
		cursor = page.Cursor
	}
}

func (r *run) fetchPage(ctx context.Context, cursor string) (capability.Page, error) {
	c := r.engine.client
	switch r.src.Kind {
	case datasource.KindTimeline:
		return c.GetTimeline(ctx, cursor, r.opts.PageLimit)
	case datasource.KindFeed:
		return c.GetFeed(ctx, r.src.Uri, cursor, r.opts.PageLimit)
	case datasource.KindList:
		return c.GetListFeed(ctx, r.src.Uri, cursor, r.opts.PageLimit)
	case datasource.KindAuthor:
		opts := capability.AuthorFeedOptions{Filter: r.src.Filter, IncludePins: r.src.IncludePins}
		return c.GetAuthorFeed(ctx, r.src.Actor, opts, cursor, r.opts.PageLimit)
	case datasource.KindThread:
		opts := capability.ThreadOptions{Depth: r.src.Depth, ParentHeight: r.src.ParentHeight}
		return c.GetPostThread(ctx, r.src.Uri, opts)
	case datasource.KindNotifications:
		return c.GetNotifications(ctx, cursor, r.opts.PageLimit)
	default:
		return capability.Page{}, fmt.Errorf("unsupported data source kind %q", r.src.Kind)
	}
}

// itemOutcome is one record's fate after the parse+filter stages.
type itemOutcome struct {
	upsert *committer.Upsert
	err    *ItemError
}

// processRecords runs parse+filter over records with bounded concurrency,
// preserving input order, then commits the survivors in batches.
func (r *run) processRecords(ctx context.Context, records []capability.RawRecord) error {
	if len(records) == 0 {
		return nil
	}

	outcomes := make([]itemOutcome, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i, raw := range records {
		g.Go(func() error {
			outcomes[i] = r.evaluateRecord(gctx, raw)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return &apperr.SyncError{Base: apperr.Base{Op: "syncengine.Run", Err: err}, Stage: apperr.StageFilter}
	}

	var batch []committer.Upsert
	for _, out := range outcomes {
		if out.err != nil {
			if r.opts.Strict {
				// Commit everything before the failing item, then stop;
				// the checkpoint stays behind the failure.
				if err := r.commitBatch(ctx, batch); err != nil {
					return err
				}
				r.result.Errors = append(r.result.Errors, *out.err)
				return &apperr.SyncError{
					Base:  apperr.Base{Op: "syncengine.Run", Err: out.err.Err},
					Stage: out.err.Stage,
				}
			}
			r.result.Errors = append(r.result.Errors, *out.err)
			r.processed++
			if r.opts.MaxErrors > 0 && len(r.result.Errors) > r.opts.MaxErrors {
				if err := r.commitBatch(ctx, batch); err != nil {
					return err
				}
				return &apperr.SyncError{
					Base: apperr.Base{
						Op:  "syncengine.Run",
						Err: fmt.Errorf("aborting after %d errors (max %d)", len(r.result.Errors), r.opts.MaxErrors),
					},
					Stage: out.err.Stage,
				}
			}
			continue
		}
		if out.upsert == nil {
			// Parsed fine but filtered out, or a record kind with no post.
			r.processed++
			continue
		}
		batch = append(batch, *out.upsert)
		if len(batch) >= r.opts.BatchSize {
			if err := r.commitBatch(ctx, batch); err != nil {
				return err
			}
			batch = batch[:0]
			if err := r.maybeCheckpoint(ctx, false); err != nil {
				return err
			}
		}
	}
	return r.commitBatch(ctx, batch)
}

func (r *run) evaluateRecord(ctx context.Context, raw capability.RawRecord) itemOutcome {
	p, err := rawpost.Parse(raw)
	if err != nil {
		return itemOutcome{err: &ItemError{Stage: apperr.StageParse, Err: err}}
	}
	if p == nil {
		return itemOutcome{}
	}
	if r.pred != nil {
		ok, err := filter.Evaluate(ctx, r.pred, p, r.engine.caps)
		if err != nil {
			return itemOutcome{err: &ItemError{Stage: apperr.StageFilter, Uri: p.Uri.String(), Err: err}}
		}
		if !ok {
			return itemOutcome{}
		}
	}
	meta := post.EventMeta{
		Source:         post.EventMetaSource(r.src.MetaSource()),
		Command:        r.opts.Command,
		FilterExprHash: r.hash,
		CreatedAt:      primitives.NewTimestamp(r.engine.clock.Now()),
	}
	return itemOutcome{upsert: &committer.Upsert{Post: p, Meta: meta}}
}

func (r *run) commitBatch(ctx context.Context, batch []committer.Upsert) error {
	if len(batch) == 0 {
		return nil
	}

	if r.opts.Refresh {
		entries, err := r.engine.commit.AppendUpserts(ctx, r.store, batch)
		if err != nil {
			return &apperr.SyncError{Base: apperr.Base{Op: "syncengine.commitBatch", Err: err}, Stage: apperr.StageStore}
		}
		r.result.PostsAdded += len(entries)
		r.lastEventSeq = entries[len(entries)-1].Seq
	} else {
		entries, err := r.engine.commit.AppendUpsertsIfMissing(ctx, r.store, batch)
		if err != nil {
			return &apperr.SyncError{Base: apperr.Base{Op: "syncengine.commitBatch", Err: err}, Stage: apperr.StageStore}
		}
		for _, e := range entries {
			if e == nil {
				r.result.PostsSkipped++
				continue
			}
			r.result.PostsAdded++
			r.lastEventSeq = e.Seq
		}
	}

	r.processed += len(batch)
	r.sinceCheckpoint += len(batch)
	r.engine.reporter.Progress(ProgressEvent{
		Store:     r.store.String(),
		SourceKey: r.src.SourceKey(),
		Processed: r.processed,
		Stored:    r.result.PostsAdded,
		Skipped:   r.result.PostsSkipped,
		Errors:    len(r.result.Errors),
	})
	return nil
}

// maybeCheckpoint persists the sync checkpoint when the processed-count or
// interval trigger fires (or unconditionally when force is set). It is only
// ever called after the preceding batch has committed, so the persisted
// cursor never runs ahead of the committed tail.
func (r *run) maybeCheckpoint(ctx context.Context, force bool) error {
	due := force ||
		r.sinceCheckpoint >= r.opts.CheckpointEvery ||
		r.engine.clock.Since(r.lastCheckpointAt) >= r.opts.CheckpointInterval
	if !due || (r.sinceCheckpoint == 0 && !force) {
		return nil
	}

	srcJSON, err := r.src.Encode()
	if err != nil {
		return &apperr.SyncError{Base: apperr.Base{Op: "syncengine.maybeCheckpoint", Err: err}, Stage: apperr.StageStore}
	}
	cp := checkpoint.Sync{
		SourceKey:    r.src.SourceKey(),
		SourceJSON:   string(srcJSON),
		Cursor:       r.committedCursor,
		LastEventSeq: r.lastEventSeq,
		FilterHash:   r.hash,
		UpdatedAt:    primitives.NewTimestamp(r.engine.clock.Now()),
	}
	if err := checkpoint.PutSync(ctx, r.db.Conn, cp); err != nil {
		return &apperr.SyncError{Base: apperr.Base{Op: "syncengine.maybeCheckpoint", Err: err}, Stage: apperr.StageStore}
	}
	r.sinceCheckpoint = 0
	r.lastCheckpointAt = r.engine.clock.Now()
	r.engine.log.Debugw("sync checkpoint written",
		"store", r.store.String(), "source", cp.SourceKey,
		"cursor", cp.Cursor, "lastEventSeq", uint64(cp.LastEventSeq))
	return nil
}

// runJetstream consumes the unbounded jetstream channel, committing in
// batches and checkpointing on the jetstream cursor (the event's
// microsecond timestamp). It runs until the context is cancelled, the
// stream closes, or a fatal error arrives.
func (r *run) runJetstream(ctx context.Context, cursor string) error {
	records, errs := r.engine.client.GetJetstream(ctx, r.src.JetstreamOptions(), cursor)

	flushTicker := time.NewTicker(r.opts.CheckpointInterval)
	defer flushTicker.Stop()

	var batch []capability.RawRecord
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		last := batch[len(batch)-1]
		if err := r.processRecords(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		// Jetstream's cursor is the last consumed event's time_us; replay
		// from it is safe because commits deduplicate by uri.
		r.committedCursor = fmt.Sprintf("%d", last.IndexedAt.UnixMicro())
		return r.maybeCheckpoint(ctx, false)
	}

	for {
		select {
		case <-ctx.Done():
			// Cancellation never loses the in-flight batch's checkpoint
			// position: nothing uncommitted is reflected in the cursor.
			return ctx.Err()
		case err, ok := <-errs:
			if !ok || err == nil {
				continue
			}
			return &apperr.SyncError{Base: apperr.Base{Op: "syncengine.runJetstream", Err: err}, Stage: apperr.StageSource}
		case <-flushTicker.C:
			if err := flush(); err != nil {
				return err
			}
		case rec, ok := <-records:
			if !ok {
				if err := flush(); err != nil {
					return err
				}
				return r.maybeCheckpoint(ctx, true)
			}
			batch = append(batch, rec)
			if len(batch) >= r.opts.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}
