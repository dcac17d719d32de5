// Package primitives defines Skygent's branded domain identifiers.
//
// Every identifier that crosses a store or engine boundary is a distinct
// Go type rather than a bare string, so a Handle can never be passed where
// an AtUri is expected even though both are backed by string. Construction
// goes through validating constructors; the zero value of every type is
// invalid and must not be persisted.
package primitives

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/oklog/ulid/v2"
)

// Handle is a Bluesky handle such as "alice.bsky.social".
type Handle string

// ParseHandle validates s as an AT Protocol handle.
func ParseHandle(s string) (Handle, error) {
	h, err := syntax.ParseHandle(s)
	if err != nil {
		return "", fmt.Errorf("primitives: invalid handle %q: %w", s, err)
	}
	return Handle(h.String()), nil
}

func (h Handle) String() string { return string(h) }

// Did is an AT Protocol decentralized identifier such as "did:plc:abc123".
type Did string

// ParseDid validates s as a DID.
func ParseDid(s string) (Did, error) {
	d, err := syntax.ParseDID(s)
	if err != nil {
		return "", fmt.Errorf("primitives: invalid did %q: %w", s, err)
	}
	return Did(d.String()), nil
}

func (d Did) String() string { return string(d) }

// AtUri is a fully-qualified AT Protocol record URI, e.g.
// "at://did:plc:abc123/app.bsky.feed.post/3k...".
type AtUri string

// ParseAtUri validates s as an at:// URI.
func ParseAtUri(s string) (AtUri, error) {
	u, err := syntax.ParseATURI(s)
	if err != nil {
		return "", fmt.Errorf("primitives: invalid at-uri %q: %w", s, err)
	}
	return AtUri(u.String()), nil
}

func (u AtUri) String() string { return string(u) }

// Authority returns the DID or handle segment of the URI (the host part).
func (u AtUri) Authority() string {
	rest := strings.TrimPrefix(string(u), "at://")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// PostUri is an AtUri known to identify an app.bsky.feed.post record.
// It is a distinct type so post-identity parameters can't accept an
// arbitrary AtUri (a like, a repost, a profile) by accident.
type PostUri AtUri

func (u PostUri) String() string { return string(u) }

// PostCid is the content-addressed hash of a specific post revision.
type PostCid string

func (c PostCid) String() string { return string(c) }

// Hashtag is a normalised hashtag, always carrying its leading "#".
type Hashtag string

// NewHashtag normalises raw (with or without a leading "#") into a Hashtag.
func NewHashtag(raw string) Hashtag {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "#") {
		raw = "#" + raw
	}
	return Hashtag(raw)
}

func (h Hashtag) String() string { return string(h) }

// Bare returns the hashtag text without its leading "#".
func (h Hashtag) Bare() string { return strings.TrimPrefix(string(h), "#") }

// StoreName names an on-disk store. Store names are directory-safe: lower
// case ASCII letters, digits, '-' and '_' only.
type StoreName string

// ParseStoreName validates s as a StoreName.
func ParseStoreName(s string) (StoreName, error) {
	if s == "" {
		return "", fmt.Errorf("primitives: store name must not be empty")
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return "", fmt.Errorf("primitives: store name %q contains invalid character %q", s, r)
		}
	}
	return StoreName(s), nil
}

func (n StoreName) String() string { return string(n) }

// Timestamp is a UTC instant. Skygent never stores or compares naive,
// zone-less times; every Timestamp carries time.UTC.
type Timestamp struct {
	t time.Time
}

// NewTimestamp normalises t to UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t: t.UTC()}
}

// Now returns the current instant as a Timestamp.
func Now() Timestamp { return NewTimestamp(time.Now()) }

// Time returns the underlying time.Time, always in UTC.
func (ts Timestamp) Time() time.Time { return ts.t }

// Before reports whether ts is strictly before other.
func (ts Timestamp) Before(other Timestamp) bool { return ts.t.Before(other.t) }

// IsZero reports whether ts is the zero Timestamp.
func (ts Timestamp) IsZero() bool { return ts.t.IsZero() }

func (ts Timestamp) String() string { return ts.t.Format(time.RFC3339Nano) }

// MarshalJSON implements json.Marshaler.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + ts.t.Format(time.RFC3339Nano) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("primitives: invalid timestamp %q: %w", s, err)
		}
	}
	*ts = NewTimestamp(t)
	return nil
}

// EventId is a ULID: a 128-bit, lexicographically sortable identifier
// unique across processes and stable as the event log's globally-unique
// event identifier. In-store ordering is never derived from an EventId —
// that's EventSeq's job — it exists purely for cross-process comparability
// per the GLOSSARY.
type EventId string

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewEventId generates a new, monotonically-increasing-within-process
// EventId stamped with the given creation time.
func NewEventId(at time.Time) EventId {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(at), entropy)
	return EventId(id.String())
}

// ParseEventId validates s as a ULID-formatted EventId.
func ParseEventId(s string) (EventId, error) {
	if _, err := ulid.ParseStrict(s); err != nil {
		return "", fmt.Errorf("primitives: invalid event id %q: %w", s, err)
	}
	return EventId(s), nil
}

func (id EventId) String() string { return string(id) }

// EventSeq is a store-local, strictly monotone, gap-free sequence number
// assigned by the event log on append. Unlike EventId it has meaning only
// within a single store.
type EventSeq uint64

func (s EventSeq) String() string { return fmt.Sprintf("%d", uint64(s)) }
