// Package capability defines the effectful collaborators Skygent's engines
// call through: network-backed lookups the filter language's effectful
// leaves use (LinkValidator, TrendingTopics, ProfileResolver), a periodic
// ResourceMonitor, and the external boundaries named in spec.md §6
// (BskyClient, FileSystem, Clock) whose concrete production bodies are out
// of scope — only their Go shape is defined here, per §1 "only their
// interface is named".
//
// Every capability is a plain interface passed to its caller as a
// constructor argument, never reached through global state, so tests can
// inject synchronous fakes (Design Notes §9: "model every capability as a
// pure interface... keep the engine generic over a small effectful
// abstraction").
package capability

import (
	"context"
	"time"

	"github.com/skygent/skygent/pkg/primitives"
)

// LinkValidator checks whether a URL is reachable.
type LinkValidator interface {
	IsValid(ctx context.Context, url string) (bool, error)
}

// TrendingTopics reports whether a hashtag is currently trending.
type TrendingTopics interface {
	IsTrending(ctx context.Context, tag primitives.Hashtag) (bool, error)
}

// ProfileResolver resolves a DID to its current handle, batching requests.
type ProfileResolver interface {
	HandleForDid(ctx context.Context, did primitives.Did) (primitives.Handle, error)
}

// WarningSeverity tags a ResourceMonitor warning.
type WarningSeverity string

const (
	SeverityInfo     WarningSeverity = "info"
	SeverityWarning  WarningSeverity = "warning"
	SeverityCritical WarningSeverity = "critical"
)

// Warning is one resource-threshold breach reported by a ResourceMonitor.
type Warning struct {
	Severity WarningSeverity
	Message  string
	Observed int64
	Limit    int64
}

// ResourceMonitor periodically measures process/store-directory resource
// usage against configured thresholds.
type ResourceMonitor interface {
	Check(ctx context.Context) ([]Warning, error)
}

// RawRecord is one page item returned by BskyClient, still in the API's
// wire shape — internal/rawpost turns it into a post.Post.
type RawRecord struct {
	Kind      string // "feedViewPost" | "notification" | "threadViewPost" | "jetstreamEvent"
	Payload   []byte // raw JSON as received
	IndexedAt time.Time
}

// Page is one fetched page of raw records plus the cursor to resume from.
type Page struct {
	Records []RawRecord
	Cursor  string // empty when exhausted
}

// AuthorFeedOptions configures an Author DataSource fetch.
type AuthorFeedOptions struct {
	Filter       string // e.g. "posts_no_replies"
	IncludePins  bool
}

// ThreadOptions configures a Thread DataSource fetch.
type ThreadOptions struct {
	Depth        int
	ParentHeight int
}

// JetstreamOptions configures a Jetstream DataSource fetch.
type JetstreamOptions struct {
	Endpoint            string
	Collections         []string
	Dids                []primitives.Did
	Compress            bool
	MaxMessageSizeBytes int
}

// BskyClient is the capability exposing paged reads from the remote
// AT Protocol service. Its concrete network implementation is out of
// scope (spec.md §1); only this shape is consumed by internal/syncengine.
type BskyClient interface {
	GetTimeline(ctx context.Context, cursor string, limit int) (Page, error)
	GetFeed(ctx context.Context, uri primitives.AtUri, cursor string, limit int) (Page, error)
	GetListFeed(ctx context.Context, uri primitives.AtUri, cursor string, limit int) (Page, error)
	GetAuthorFeed(ctx context.Context, actor string, opts AuthorFeedOptions, cursor string, limit int) (Page, error)
	GetPostThread(ctx context.Context, uri primitives.AtUri, opts ThreadOptions) (Page, error)
	GetNotifications(ctx context.Context, cursor string, limit int) (Page, error)
	GetJetstream(ctx context.Context, opts JetstreamOptions, cursor string) (<-chan RawRecord, <-chan error)

	ResolveHandle(ctx context.Context, handle primitives.Handle) (primitives.Did, error)
	GetProfiles(ctx context.Context, dids []primitives.Did) (map[primitives.Did]primitives.Handle, error)
	GetTrendingTopics(ctx context.Context) ([]primitives.Hashtag, error)
}

// FileSystem is the capability for path/read/write/scan operations over
// the store root. Out of scope per spec.md §6; shape only.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm uint32) error
	MkdirAll(path string, perm uint32) error
	ReadDir(path string) ([]string, error)
	Remove(path string) error
	RemoveAll(path string) error
	Stat(path string) (size int64, exists bool, err error)
}

// Clock is the capability for monotonic and wall-clock time.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}
