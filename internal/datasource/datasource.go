// Package datasource defines the tagged DataSource union the sync engine
// consumes (spec.md §4.5) and the canonical sourceKey / storeSourceId
// derivations checkpoints and store_sources rows are keyed by.
//
// The tagged-union shape follows go-crablet's explicit-tag persisted unions
// (pkg/dcb/types.go): one Kind tag, per-variant fields, a JSON wire codec
// that round-trips through the tag, and unknown tags rejected at decode.
package datasource

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/skygent/skygent/internal/apperr"
	"github.com/skygent/skygent/internal/capability"
	"github.com/skygent/skygent/pkg/primitives"
)

// Kind tags a DataSource variant.
type Kind string

const (
	KindTimeline      Kind = "timeline"
	KindFeed          Kind = "feed"
	KindList          Kind = "list"
	KindAuthor        Kind = "author"
	KindThread        Kind = "thread"
	KindJetstream     Kind = "jetstream"
	KindNotifications Kind = "notifications"
)

// DataSource is the tagged description of a remote origin of posts. Only
// the fields matching Kind are meaningful.
type DataSource struct {
	Kind Kind `json:"kind"`

	// Feed / List / Thread.
	Uri primitives.AtUri `json:"uri,omitempty"`

	// Author.
	Actor       string `json:"actor,omitempty"`
	Filter      string `json:"filter,omitempty"`
	IncludePins bool   `json:"includePins,omitempty"`

	// Thread.
	Depth        int `json:"depth,omitempty"`
	ParentHeight int `json:"parentHeight,omitempty"`

	// Jetstream.
	Endpoint            string           `json:"endpoint,omitempty"`
	Collections         []string         `json:"collections,omitempty"`
	Dids                []primitives.Did `json:"dids,omitempty"`
	Compress            bool             `json:"compress,omitempty"`
	MaxMessageSizeBytes int              `json:"maxMessageSizeBytes,omitempty"`
}

// Timeline builds a Timeline source.
func Timeline() DataSource { return DataSource{Kind: KindTimeline} }

// Notifications builds a Notifications source.
func Notifications() DataSource { return DataSource{Kind: KindNotifications} }

// Feed builds a Feed source for the given feed generator URI.
func Feed(uri primitives.AtUri) DataSource { return DataSource{Kind: KindFeed, Uri: uri} }

// List builds a List source for the given list URI.
func List(uri primitives.AtUri) DataSource { return DataSource{Kind: KindList, Uri: uri} }

// Author builds an Author source for the given actor (handle or DID).
func Author(actor string, opts capability.AuthorFeedOptions) DataSource {
	return DataSource{Kind: KindAuthor, Actor: actor, Filter: opts.Filter, IncludePins: opts.IncludePins}
}

// Thread builds a Thread source rooted at uri.
func Thread(uri primitives.AtUri, opts capability.ThreadOptions) DataSource {
	return DataSource{Kind: KindThread, Uri: uri, Depth: opts.Depth, ParentHeight: opts.ParentHeight}
}

// Jetstream builds a Jetstream source.
func Jetstream(opts capability.JetstreamOptions) DataSource {
	return DataSource{
		Kind:                KindJetstream,
		Endpoint:            opts.Endpoint,
		Collections:         opts.Collections,
		Dids:                opts.Dids,
		Compress:            opts.Compress,
		MaxMessageSizeBytes: opts.MaxMessageSizeBytes,
	}
}

// JetstreamOptions converts a Jetstream source back into the capability's
// option struct.
func (s DataSource) JetstreamOptions() capability.JetstreamOptions {
	return capability.JetstreamOptions{
		Endpoint:            s.Endpoint,
		Collections:         s.Collections,
		Dids:                s.Dids,
		Compress:            s.Compress,
		MaxMessageSizeBytes: s.MaxMessageSizeBytes,
	}
}

// MetaSource maps the source's kind onto the EventMeta source tag recorded
// on every event it produces.
func (s DataSource) MetaSource() string { return string(s.Kind) }

// Validate checks the variant's required fields are present.
func (s DataSource) Validate() error {
	bad := func(msg string) error {
		return &apperr.CliValidationError{
			Base:  apperr.Base{Op: "datasource.Validate", Err: fmt.Errorf("%s", msg)},
			Field: string(s.Kind),
		}
	}
	switch s.Kind {
	case KindTimeline, KindNotifications, KindJetstream:
		return nil
	case KindFeed, KindList, KindThread:
		if s.Uri == "" {
			return bad(string(s.Kind) + " source requires a uri")
		}
		return nil
	case KindAuthor:
		if s.Actor == "" {
			return bad("author source requires an actor")
		}
		return nil
	default:
		return bad(fmt.Sprintf("unknown data source kind %q", s.Kind))
	}
}

// SourceKey derives the stable canonical string a SyncCheckpoint is keyed
// by. Set-like fields (jetstream collections/dids) are sorted before
// joining so two sources that differ only in list order share a key, and
// every semantics-differentiating field (author options, thread depths)
// is included (spec.md §3, §8).
func (s DataSource) SourceKey() string {
	switch s.Kind {
	case KindTimeline:
		return "timeline"
	case KindNotifications:
		return "notifications"
	case KindFeed:
		return "feed:" + s.Uri.String()
	case KindList:
		return "list:" + s.Uri.String()
	case KindAuthor:
		key := "author:" + s.Actor
		if s.Filter != "" {
			key += ":filter=" + s.Filter
		}
		if s.IncludePins {
			key += ":pins"
		}
		return key
	case KindThread:
		return fmt.Sprintf("thread:%s:depth=%d:parent=%d", s.Uri, s.Depth, s.ParentHeight)
	case KindJetstream:
		collections := append([]string(nil), s.Collections...)
		sort.Strings(collections)
		dids := make([]string, len(s.Dids))
		for i, d := range s.Dids {
			dids[i] = d.String()
		}
		sort.Strings(dids)
		key := "jetstream"
		if s.Endpoint != "" {
			key += ":" + s.Endpoint
		}
		if len(collections) > 0 {
			key += ":collections=" + strings.Join(collections, ",")
		}
		if len(dids) > 0 {
			key += ":dids=" + strings.Join(dids, ",")
		}
		return key
	default:
		return "unknown:" + string(s.Kind)
	}
}

// StoreSourceId identifies a store_sources row: tag + ":" + canonical value
// (spec.md §3). It intentionally shares SourceKey's canonicalisation so a
// configured source and its checkpoint agree on identity.
func (s DataSource) StoreSourceId() string { return s.SourceKey() }

// Encode serialises the source as its JSON wire form, stored verbatim in
// sync_checkpoints.source_json and store_sources.config_json.
func (s DataSource) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// Decode parses a JSON wire form back into a DataSource, rejecting unknown
// kinds.
func Decode(data []byte) (DataSource, error) {
	var s DataSource
	if err := json.Unmarshal(data, &s); err != nil {
		return DataSource{}, &apperr.CliJsonError{Base: apperr.Base{Op: "datasource.Decode", Err: err}}
	}
	if err := s.Validate(); err != nil {
		return DataSource{}, err
	}
	return s, nil
}
