package syncengine

import "github.com/skygent/skygent/internal/apperr"

// ItemError is one non-fatal per-item failure collected during a run,
// tagged with the pipeline stage it occurred in.
type ItemError struct {
	Stage apperr.SyncStage
	Uri   string // post uri when known
	Err   error
}

// Result summarises a sync run. It is a monoid: Combine is associative and
// Zero is its identity, so per-page or per-source results fold safely in
// any grouping (spec.md §4.5, §8).
type Result struct {
	PostsAdded   int
	PostsSkipped int
	Errors       []ItemError
}

// Zero is the identity Result.
func Zero() Result { return Result{} }

// Combine sums counts and concatenates errors, left to right.
func Combine(a, b Result) Result {
	errs := make([]ItemError, 0, len(a.Errors)+len(b.Errors))
	errs = append(errs, a.Errors...)
	errs = append(errs, b.Errors...)
	if len(errs) == 0 {
		errs = nil
	}
	return Result{
		PostsAdded:   a.PostsAdded + b.PostsAdded,
		PostsSkipped: a.PostsSkipped + b.PostsSkipped,
		Errors:       errs,
	}
}

// ProgressEvent is one progress report emitted to the Reporter after each
// committed batch.
type ProgressEvent struct {
	Store     string
	SourceKey string
	Processed int
	Stored    int
	Skipped   int
	Errors    int
}

// Reporter receives progress events during a run. Implementations must be
// fast and non-blocking; the engine calls them while holding no locks.
type Reporter interface {
	Progress(ev ProgressEvent)
}

// NoopReporter discards every event.
type NoopReporter struct{}

func (NoopReporter) Progress(ProgressEvent) {}
