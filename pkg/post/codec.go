package post

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/skygent/skygent/pkg/primitives"
)

func parseRFC3339(s string) (primitives.Timestamp, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return primitives.Timestamp{}, err
	}
	return primitives.NewTimestamp(t), nil
}

// wirePost is Post's JSON wire shape: the set-valued fields (Hashtags,
// Mentions, Links) are carried as sorted slices since Go maps don't
// round-trip through encoding/json, and this is the shape persisted in
// event_log.payload_json and posts.post_json.
type wirePost struct {
	Uri        string     `json:"uri"`
	Cid        string     `json:"cid,omitempty"`
	Author     string     `json:"author"`
	AuthorDid  string     `json:"authorDid,omitempty"`
	Text       string     `json:"text"`
	CreatedAt  string     `json:"createdAt"`
	Hashtags   []string   `json:"hashtags,omitempty"`
	Mentions   []string   `json:"mentions,omitempty"`
	Links      []string   `json:"links,omitempty"`
	Facets     []wireFacet `json:"facets,omitempty"`
	Reply      *wireReply `json:"reply,omitempty"`
	Embed      *Embed     `json:"embed,omitempty"`
	Langs      []string   `json:"langs,omitempty"`
	Metrics    *Metrics   `json:"metrics,omitempty"`
	IndexedAt  string     `json:"indexedAt,omitempty"`
	SelfLabels []string   `json:"selfLabels,omitempty"`
}

type wireFacet struct {
	ByteStart int               `json:"byteStart"`
	ByteEnd   int               `json:"byteEnd"`
	Features  []wireFacetFeature `json:"features"`
}

type wireFacetFeature struct {
	Kind string `json:"kind"`
	Uri  string `json:"uri,omitempty"`
	Did  string `json:"did,omitempty"`
	Tag  string `json:"tag,omitempty"`
}

type wireReply struct {
	ParentUri string `json:"parentUri"`
	RootUri   string `json:"rootUri"`
}

// Encode serialises p to its canonical JSON wire shape.
func Encode(p *Post) ([]byte, error) {
	w := wirePost{
		Uri:        p.Uri.String(),
		Cid:        p.Cid.String(),
		Author:     p.Author.String(),
		AuthorDid:  p.AuthorDid.String(),
		Text:       p.Text,
		CreatedAt:  p.CreatedAt.String(),
		Hashtags:   hashtagStrings(p.HashtagSlice()),
		Mentions:   handleStrings(p.MentionSlice()),
		Links:      p.LinkSlice(),
		Langs:      p.Langs,
		Metrics:    p.Metrics,
		SelfLabels: p.SelfLabels,
		Embed:      p.Embed,
	}
	if p.IndexedAt != nil {
		w.IndexedAt = p.IndexedAt.String()
	}
	if p.Reply != nil {
		w.Reply = &wireReply{ParentUri: p.Reply.ParentUri.String(), RootUri: p.Reply.RootUri.String()}
	}
	for _, f := range p.Facets {
		wf := wireFacet{ByteStart: f.ByteStart, ByteEnd: f.ByteEnd}
		for _, feat := range f.Features {
			wf.Features = append(wf.Features, wireFacetFeature{
				Kind: string(feat.Kind),
				Uri:  feat.Uri,
				Did:  feat.Did.String(),
				Tag:  feat.Tag.String(),
			})
		}
		w.Facets = append(w.Facets, wf)
	}
	return json.Marshal(w)
}

// Decode parses the canonical JSON wire shape produced by Encode back into
// a Post. decode(encode(p)) == p for every Post (spec.md §8).
func Decode(data []byte) (*Post, error) {
	var w wirePost
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("post: decoding: %w", err)
	}
	uri, err := primitives.ParseAtUri(w.Uri)
	if err != nil {
		return nil, fmt.Errorf("post: decoding uri: %w", err)
	}
	createdAt, err := parseRFC3339(w.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("post: decoding createdAt: %w", err)
	}
	p := &Post{
		Uri:        primitives.PostUri(uri),
		Cid:        primitives.PostCid(w.Cid),
		Author:     primitives.Handle(w.Author),
		AuthorDid:  primitives.Did(w.AuthorDid),
		Text:       w.Text,
		CreatedAt:  createdAt,
		Hashtags:   map[primitives.Hashtag]struct{}{},
		Mentions:   map[primitives.Handle]struct{}{},
		Links:      map[string]struct{}{},
		Langs:      w.Langs,
		Metrics:    w.Metrics,
		SelfLabels: w.SelfLabels,
		Embed:      w.Embed,
	}
	for _, h := range w.Hashtags {
		p.Hashtags[primitives.Hashtag(h)] = struct{}{}
	}
	for _, m := range w.Mentions {
		p.Mentions[primitives.Handle(m)] = struct{}{}
	}
	for _, l := range w.Links {
		p.Links[l] = struct{}{}
	}
	if w.IndexedAt != "" {
		ts, err := parseRFC3339(w.IndexedAt)
		if err != nil {
			return nil, fmt.Errorf("post: decoding indexedAt: %w", err)
		}
		p.IndexedAt = &ts
	}
	if w.Reply != nil {
		p.Reply = &Reply{
			ParentUri: primitives.PostUri(w.Reply.ParentUri),
			RootUri:   primitives.PostUri(w.Reply.RootUri),
		}
	}
	for _, wf := range w.Facets {
		f := Facet{ByteStart: wf.ByteStart, ByteEnd: wf.ByteEnd}
		for _, feat := range wf.Features {
			f.Features = append(f.Features, FacetFeature{
				Kind: FacetFeatureKind(feat.Kind),
				Uri:  feat.Uri,
				Did:  primitives.Did(feat.Did),
				Tag:  primitives.Hashtag(feat.Tag),
			})
		}
		p.Facets = append(p.Facets, f)
	}
	return p, nil
}

func hashtagStrings(hs []primitives.Hashtag) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.String()
	}
	return out
}

func handleStrings(hs []primitives.Handle) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.String()
	}
	return out
}
