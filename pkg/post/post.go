// Package post defines the normalised Post record and the event envelope
// types (EventRecord, EventMeta) that Skygent's stores persist.
//
// Post is the shape every raw API record is parsed into (internal/rawpost)
// and the shape every filter leaf (internal/filter) and index row
// (internal/index) is ultimately derived from.
package post

import (
	"sort"

	"github.com/skygent/skygent/pkg/primitives"
)

// EmbedKind tags the variant carried by an Embed.
type EmbedKind string

const (
	EmbedImages          EmbedKind = "Images"
	EmbedExternal        EmbedKind = "External"
	EmbedVideo           EmbedKind = "Video"
	EmbedRecord          EmbedKind = "Record"
	EmbedRecordWithMedia EmbedKind = "RecordWithMedia"
	EmbedUnknown         EmbedKind = "Unknown"
)

// Image is one entry of an EmbedImages embed.
type Image struct {
	Thumb    string `json:"thumb,omitempty"`
	Fullsize string `json:"fullsize,omitempty"`
	Alt      string `json:"alt"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// External is the payload of an EmbedExternal embed (app.bsky.embed.external).
type External struct {
	Uri         string `json:"uri"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Video is the payload of an EmbedVideo embed.
type Video struct {
	Cid    string `json:"cid"`
	Alt    string `json:"alt,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// RecordRef is the payload of an EmbedRecord embed: a quoted record.
type RecordRef struct {
	Uri primitives.AtUri `json:"uri"`
	Cid string           `json:"cid,omitempty"`
}

// Embed is a tagged union over the embed variants a post may carry.
// Unknown embed kinds decode into EmbedUnknown with Raw populated, rather
// than failing — the only tagged union in this package with that relaxed
// decode policy (§9 Design Notes: "unknown tags during decode are an error
// unless explicitly allowed (EmbedUnknown)").
type Embed struct {
	Kind      EmbedKind   `json:"kind"`
	Images    []Image     `json:"images,omitempty"`
	External  *External   `json:"external,omitempty"`
	Video     *Video      `json:"video,omitempty"`
	Record    *RecordRef  `json:"record,omitempty"`
	Media     *Embed      `json:"media,omitempty"` // populated only for RecordWithMedia
	RawType   string      `json:"rawType,omitempty"`
	RawFields interface{} `json:"rawFields,omitempty"`
}

// HasImages reports whether the embed (including the media half of a
// RecordWithMedia) carries one or more images.
func (e *Embed) HasImages() bool {
	if e == nil {
		return false
	}
	if e.Kind == EmbedImages && len(e.Images) > 0 {
		return true
	}
	if e.Kind == EmbedRecordWithMedia && e.Media != nil {
		return e.Media.HasImages()
	}
	return false
}

// HasVideo reports whether the embed (including RecordWithMedia's media
// half) carries a video.
func (e *Embed) HasVideo() bool {
	if e == nil {
		return false
	}
	if e.Kind == EmbedVideo && e.Video != nil {
		return true
	}
	if e.Kind == EmbedRecordWithMedia && e.Media != nil {
		return e.Media.HasVideo()
	}
	return false
}

// ImageCount returns the number of images carried by the embed.
func (e *Embed) ImageCount() int {
	if e == nil {
		return 0
	}
	if e.Kind == EmbedImages {
		return len(e.Images)
	}
	if e.Kind == EmbedRecordWithMedia && e.Media != nil {
		return e.Media.ImageCount()
	}
	return 0
}

// AltText aggregates the alt text of every image and video in the embed,
// joined with a single space, matching the post row's "alt_text" column.
func (e *Embed) AltText() string {
	if e == nil {
		return ""
	}
	var parts []string
	switch e.Kind {
	case EmbedImages:
		for _, img := range e.Images {
			if img.Alt != "" {
				parts = append(parts, img.Alt)
			}
		}
	case EmbedVideo:
		if e.Video != nil && e.Video.Alt != "" {
			parts = append(parts, e.Video.Alt)
		}
	case EmbedRecordWithMedia:
		if e.Media != nil {
			if s := e.Media.AltText(); s != "" {
				parts = append(parts, s)
			}
		}
	}
	joined := ""
	for i, p := range parts {
		if i > 0 {
			joined += " "
		}
		joined += p
	}
	return joined
}

// FacetFeatureKind tags the variant of a rich-text facet feature.
type FacetFeatureKind string

const (
	FacetLink    FacetFeatureKind = "Link"
	FacetMention FacetFeatureKind = "Mention"
	FacetTag     FacetFeatureKind = "Tag"
)

// FacetFeature is one annotation within a Facet.
type FacetFeature struct {
	Kind FacetFeatureKind
	Uri  string // set when Kind == FacetLink
	Did  primitives.Did
	Tag  primitives.Hashtag
}

// Facet is a byte-range rich-text annotation over Post.Text.
type Facet struct {
	ByteStart int
	ByteEnd   int
	Features  []FacetFeature
}

// Reply carries the parent/root URIs of a threaded reply.
type Reply struct {
	ParentUri primitives.PostUri
	RootUri   primitives.PostUri
}

// Metrics holds the engagement counters Skygent knows about a post as of
// the last observation (see Post.IndexedAt).
type Metrics struct {
	LikeCount   int
	RepostCount int
	ReplyCount  int
	QuoteCount  int
}

// Post is Skygent's normalised, immutable post record.
//
// Invariant: Hashtags, Mentions and Links are deduplicated sets; every
// Hashtag carries a leading '#'; CreatedAt is always UTC.
type Post struct {
	Uri        primitives.PostUri
	Cid        primitives.PostCid // optional; empty means unknown
	Author     primitives.Handle
	AuthorDid  primitives.Did // optional
	Text       string
	CreatedAt  primitives.Timestamp
	Hashtags   map[primitives.Hashtag]struct{}
	Mentions   map[primitives.Handle]struct{}
	Links      map[string]struct{}
	Facets     []Facet
	Reply      *Reply
	Embed      *Embed
	Langs      []string
	Metrics    *Metrics
	IndexedAt  *primitives.Timestamp
	SelfLabels []string // additive field, §3.1 of SPEC_FULL.md
}

// IsReply reports whether the post is a reply to another post.
func (p *Post) IsReply() bool { return p != nil && p.Reply != nil }

// IsQuote reports whether the post quotes another record.
func (p *Post) IsQuote() bool {
	if p == nil || p.Embed == nil {
		return false
	}
	return p.Embed.Kind == EmbedRecord || p.Embed.Kind == EmbedRecordWithMedia
}

// IsOriginal reports whether the post is neither a reply nor a quote.
func (p *Post) IsOriginal() bool { return !p.IsReply() && !p.IsQuote() }

// HashtagSlice returns the post's hashtags as a sorted slice, for stable
// encoding and display.
func (p *Post) HashtagSlice() []primitives.Hashtag {
	out := make([]primitives.Hashtag, 0, len(p.Hashtags))
	for h := range p.Hashtags {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MentionSlice returns the post's mentions as a sorted slice.
func (p *Post) MentionSlice() []primitives.Handle {
	out := make([]primitives.Handle, 0, len(p.Mentions))
	for h := range p.Mentions {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LinkSlice returns the post's links as a sorted slice.
func (p *Post) LinkSlice() []string {
	out := make([]string, 0, len(p.Links))
	for l := range p.Links {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// HasLinks reports whether the post carries at least one link, either in
// its text facets or in an External embed.
func (p *Post) HasLinks() bool {
	if len(p.Links) > 0 {
		return true
	}
	return p.Embed != nil && p.Embed.Kind == EmbedExternal
}

// ExternalLinks returns every URL the post references: text links plus, if
// present, the External embed's own URI.
func (p *Post) ExternalLinks() []string {
	links := p.LinkSlice()
	if p.Embed != nil && p.Embed.Kind == EmbedExternal && p.Embed.External != nil && p.Embed.External.Uri != "" {
		links = append(links, p.Embed.External.Uri)
	}
	return links
}

// EventMetaSource tags the origin of an EventMeta.
type EventMetaSource string

const (
	SourceTimeline      EventMetaSource = "timeline"
	SourceFeed          EventMetaSource = "feed"
	SourceList          EventMetaSource = "list"
	SourceAuthor        EventMetaSource = "author"
	SourceThread        EventMetaSource = "thread"
	SourceNotifications EventMetaSource = "notifications"
	SourceJetstream     EventMetaSource = "jetstream"
)

// EventMeta carries provenance for an EventRecord.
type EventMeta struct {
	Source         EventMetaSource
	Command        string
	FilterExprHash string // optional
	CreatedAt      primitives.Timestamp
	SourceStore    *primitives.StoreName // set by derivation
}

// EventKind tags the variant of an EventRecord's payload.
type EventKind string

const (
	EventPostUpsert EventKind = "PostUpsert"
	EventPostDelete EventKind = "PostDelete"
)

// EventRecord is the persisted payload of one event log entry.
type EventRecord struct {
	Id      primitives.EventId
	Version int
	Kind    EventKind

	// Populated when Kind == EventPostUpsert.
	UpsertPost *Post
	UpsertMeta *EventMeta

	// Populated when Kind == EventPostDelete.
	DeleteUri primitives.PostUri
	DeleteCid primitives.PostCid // optional
	DeleteMeta *EventMeta
}

// NewUpsert builds a PostUpsert EventRecord.
func NewUpsert(id primitives.EventId, p *Post, meta EventMeta) EventRecord {
	return EventRecord{Id: id, Version: 1, Kind: EventPostUpsert, UpsertPost: p, UpsertMeta: &meta}
}

// NewDelete builds a PostDelete EventRecord.
func NewDelete(id primitives.EventId, uri primitives.PostUri, cid primitives.PostCid, meta EventMeta) EventRecord {
	return EventRecord{Id: id, Version: 1, Kind: EventPostDelete, DeleteUri: uri, DeleteCid: cid, DeleteMeta: &meta}
}

// Meta returns the event's EventMeta regardless of variant.
func (e EventRecord) Meta() *EventMeta {
	if e.Kind == EventPostUpsert {
		return e.UpsertMeta
	}
	return e.DeleteMeta
}

// EventLogEntry pairs a persisted EventRecord with its store-local
// sequence position.
//
// Invariant: within one store, Seq is unique, strictly monotone and
// gap-free starting at 1; (Seq, Id) always agree on relative order.
type EventLogEntry struct {
	Seq    primitives.EventSeq
	Record EventRecord
}
