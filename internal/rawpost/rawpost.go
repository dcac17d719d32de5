// Package rawpost turns the wire-shaped records a capability.BskyClient or
// Jetstream connection hands back into Skygent's normalised post.Post.
//
// The wire structs mirror klppl-klistr's internal/bsky hand-written lexicon
// shapes (FeedPost/Facet/FacetFeature/Reply) rather than indigo's generated
// lexicon codegen: this package only ever decodes JSON records into Go
// values, and a small hand-written shape is easier to keep in lockstep with
// the fields Skygent's Post actually needs.
package rawpost

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/skygent/skygent/internal/apperr"
	"github.com/skygent/skygent/internal/capability"
	"github.com/skygent/skygent/pkg/post"
	"github.com/skygent/skygent/pkg/primitives"
)

const (
	facetLink    = "app.bsky.richtext.facet#link"
	facetMention = "app.bsky.richtext.facet#mention"
	facetTag     = "app.bsky.richtext.facet#tag"

	embedImages          = "app.bsky.embed.images"
	embedImagesView      = "app.bsky.embed.images#view"
	embedExternal        = "app.bsky.embed.external"
	embedExternalView    = "app.bsky.embed.external#view"
	embedVideo           = "app.bsky.embed.video"
	embedVideoView       = "app.bsky.embed.video#view"
	embedRecord          = "app.bsky.embed.record"
	embedRecordView      = "app.bsky.embed.record#view"
	embedRecordWithMedia = "app.bsky.embed.recordWithMedia"
	embedRecordWithMediaView = "app.bsky.embed.recordWithMedia#view"
)

// wireFeedViewPost mirrors app.bsky.feed.defs#feedViewPost.
type wireFeedViewPost struct {
	Post wirePostView `json:"post"`
}

// wirePostView mirrors app.bsky.feed.defs#postView.
type wirePostView struct {
	Uri         string          `json:"uri"`
	Cid         string          `json:"cid"`
	Author      wireAuthor      `json:"author"`
	Record      wireFeedPost    `json:"record"`
	IndexedAt   string          `json:"indexedAt"`
	LikeCount   int             `json:"likeCount"`
	RepostCount int             `json:"repostCount"`
	ReplyCount  int             `json:"replyCount"`
	QuoteCount  int             `json:"quoteCount"`
	Embed       json.RawMessage `json:"embed,omitempty"` // hydrated view embed; record.embed is used instead
}

type wireAuthor struct {
	Did    string `json:"did"`
	Handle string `json:"handle"`
}

// wireFeedPost mirrors the app.bsky.feed.post lexicon record, grounded on
// klppl-klistr's internal/bsky.FeedPost.
type wireFeedPost struct {
	Type       string       `json:"$type"`
	Text       string       `json:"text"`
	CreatedAt  string       `json:"createdAt"`
	Facets     []wireFacet  `json:"facets,omitempty"`
	Reply      *wireReply   `json:"reply,omitempty"`
	Langs      []string     `json:"langs,omitempty"`
	Embed      json.RawMessage `json:"embed,omitempty"`
	Labels     *wireLabels  `json:"labels,omitempty"`
}

type wireLabels struct {
	Values []struct {
		Val string `json:"val"`
	} `json:"values,omitempty"`
}

type wireFacet struct {
	Index    wireByteSlice      `json:"index"`
	Features []wireFacetFeature `json:"features"`
}

type wireByteSlice struct {
	ByteStart int `json:"byteStart"`
	ByteEnd   int `json:"byteEnd"`
}

type wireFacetFeature struct {
	Type string `json:"$type"`
	Uri  string `json:"uri,omitempty"`
	Did  string `json:"did,omitempty"`
	Tag  string `json:"tag,omitempty"`
}

type wireReply struct {
	Root   wireRef `json:"root"`
	Parent wireRef `json:"parent"`
}

type wireRef struct {
	Uri string `json:"uri"`
	Cid string `json:"cid"`
}

type wireEmbedEnvelope struct {
	Type string `json:"$type"`
}

type wireImage struct {
	Alt   string `json:"alt"`
	Image struct {
		Ref struct {
			Link string `json:"$link"`
		} `json:"ref"`
	} `json:"image"`
	AspectRatio *struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"aspectRatio,omitempty"`
	Thumb    string `json:"thumb,omitempty"`
	Fullsize string `json:"fullsize,omitempty"`
}

type wireEmbedImages struct {
	wireEmbedEnvelope
	Images []wireImage `json:"images"`
}

type wireEmbedExternal struct {
	wireEmbedEnvelope
	External struct {
		Uri         string `json:"uri"`
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"external"`
}

type wireEmbedVideo struct {
	wireEmbedEnvelope
	Video struct {
		Ref struct {
			Link string `json:"$link"`
		} `json:"ref"`
	} `json:"video"`
	Alt         string `json:"alt,omitempty"`
	AspectRatio *struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"aspectRatio,omitempty"`
}

type wireEmbedRecord struct {
	wireEmbedEnvelope
	Record wireRef `json:"record"`
}

type wireEmbedRecordWithMedia struct {
	wireEmbedEnvelope
	Record json.RawMessage `json:"record"`
	Media  json.RawMessage `json:"media"`
}

var (
	// textURLRegex and textHashtagRegex are a fallback extraction path for
	// records arriving without facets (the Jetstream firehose sometimes
	// forwards raw records verbatim). Grounded on
	// other_examples' klppl-klistr bsky.buildFacets regexes.
	textURLRegex     = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)
	textHashtagRegex = regexp.MustCompile(`(?:^|[^\w])#([a-zA-Z][a-zA-Z0-9_]*)`)
)

// Parse turns one capability.RawRecord into a post.Post. It returns (nil,
// nil) for record kinds that never carry a post (e.g. a "follow"
// notification), never an error for those — only malformed post payloads
// are errors.
func Parse(raw capability.RawRecord) (*post.Post, error) {
	switch raw.Kind {
	case "feedViewPost", "threadViewPost":
		return parseFeedViewPost(raw.Payload)
	case "jetstreamEvent":
		return parseJetstreamCommit(raw.Payload)
	case "notification":
		return parseNotificationAsPost(raw.Payload)
	default:
		return nil, nil
	}
}

func parseFeedViewPost(data []byte) (*post.Post, error) {
	var fv wireFeedViewPost
	if err := json.Unmarshal(data, &fv); err != nil {
		return nil, parseErr("feedViewPost", err)
	}
	return toPost(fv.Post.Uri, fv.Post.Cid, fv.Post.Author, fv.Post.Record, fv.Post.IndexedAt,
		&post.Metrics{
			LikeCount:   fv.Post.LikeCount,
			RepostCount: fv.Post.RepostCount,
			ReplyCount:  fv.Post.ReplyCount,
			QuoteCount:  fv.Post.QuoteCount,
		})
}

// jetstreamCommit mirrors a Jetstream "commit" event envelope for an
// app.bsky.feed.post create/update operation.
type jetstreamCommit struct {
	Did    string `json:"did"`
	TimeUs int64  `json:"time_us"`
	Kind   string `json:"kind"`
	Commit struct {
		Rev        string          `json:"rev"`
		Operation  string          `json:"operation"`
		Collection string          `json:"collection"`
		Rkey       string          `json:"rkey"`
		Record     wireFeedPost    `json:"record"`
		Cid        string          `json:"cid"`
	} `json:"commit"`
}

func parseJetstreamCommit(data []byte) (*post.Post, error) {
	var ev jetstreamCommit
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, parseErr("jetstreamEvent", err)
	}
	if ev.Commit.Collection != "" && ev.Commit.Collection != "app.bsky.feed.post" {
		return nil, nil
	}
	if ev.Commit.Operation == "delete" {
		return nil, nil
	}
	uri := fmt.Sprintf("at://%s/app.bsky.feed.post/%s", ev.Did, ev.Commit.Rkey)
	author := wireAuthor{Did: ev.Did}
	indexedAt := time.UnixMicro(ev.TimeUs).UTC().Format(time.RFC3339Nano)
	return toPost(uri, ev.Commit.Cid, author, ev.Commit.Record, indexedAt, nil)
}

func parseNotificationAsPost(data []byte) (*post.Post, error) {
	// Only "mention" and "reply" notifications embed a full post record;
	// every other reason (like/repost/follow) has nothing for Skygent to
	// index as a Post.
	var n struct {
		Reason string          `json:"reason"`
		Uri    string          `json:"uri"`
		Cid    string          `json:"cid"`
		Author wireAuthor      `json:"author"`
		Record wireFeedPost    `json:"record"`
	}
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, parseErr("notification", err)
	}
	if n.Reason != "mention" && n.Reason != "reply" {
		return nil, nil
	}
	return toPost(n.Uri, n.Cid, n.Author, n.Record, "", nil)
}

func toPost(uri, cid string, author wireAuthor, rec wireFeedPost, indexedAt string, metrics *post.Metrics) (*post.Post, error) {
	createdAt, err := parseTime(rec.CreatedAt)
	if err != nil {
		return nil, parseErr("post.createdAt", err)
	}

	p := &post.Post{
		Uri:       primitives.PostUri(uri),
		Cid:       primitives.PostCid(cid),
		Author:    primitives.Handle(author.Handle),
		AuthorDid: primitives.Did(author.Did),
		Text:      rec.Text,
		CreatedAt: createdAt,
		Hashtags:  map[primitives.Hashtag]struct{}{},
		Mentions:  map[primitives.Handle]struct{}{},
		Links:     map[string]struct{}{},
		Langs:     rec.Langs,
		Metrics:   metrics,
	}

	if indexedAt != "" {
		if ts, err := parseTime(indexedAt); err == nil {
			p.IndexedAt = &ts
		}
	}

	if rec.Labels != nil {
		for _, v := range rec.Labels.Values {
			p.SelfLabels = append(p.SelfLabels, v.Val)
		}
	}

	if rec.Reply != nil {
		p.Reply = &post.Reply{
			ParentUri: primitives.PostUri(rec.Reply.Parent.Uri),
			RootUri:   primitives.PostUri(rec.Reply.Root.Uri),
		}
	}

	if len(rec.Facets) > 0 {
		applyFacets(p, rec.Facets)
	} else {
		applyTextFallback(p)
	}

	if len(rec.Embed) > 0 {
		embed, err := parseEmbed(rec.Embed)
		if err != nil {
			return nil, parseErr("post.embed", err)
		}
		p.Embed = embed
	}

	return p, nil
}

func applyFacets(p *post.Post, facets []wireFacet) {
	for _, f := range facets {
		start, end := f.Index.ByteStart, f.Index.ByteEnd
		if start < 0 || end > len(p.Text) || start > end {
			continue
		}
		segment := p.Text[start:end]
		for _, feat := range f.Features {
			switch feat.Type {
			case facetLink:
				uri := feat.Uri
				if uri == "" {
					uri = segment
				}
				p.Links[uri] = struct{}{}
				p.Facets = append(p.Facets, post.Facet{
					ByteStart: start, ByteEnd: end,
					Features: []post.FacetFeature{{Kind: post.FacetLink, Uri: uri}},
				})
			case facetMention:
				p.Mentions[primitives.Handle(segment)] = struct{}{}
				p.Facets = append(p.Facets, post.Facet{
					ByteStart: start, ByteEnd: end,
					Features: []post.FacetFeature{{Kind: post.FacetMention, Did: primitives.Did(feat.Did)}},
				})
			case facetTag:
				tag := primitives.NewHashtag(feat.Tag)
				p.Hashtags[tag] = struct{}{}
				p.Facets = append(p.Facets, post.Facet{
					ByteStart: start, ByteEnd: end,
					Features: []post.FacetFeature{{Kind: post.FacetTag, Tag: tag}},
				})
			}
		}
	}
}

// applyTextFallback extracts hashtags and links by regex when a record
// arrived with no facets, grounded on klppl-klistr's buildFacets regexes.
func applyTextFallback(p *post.Post) {
	for _, loc := range textURLRegex.FindAllString(p.Text, -1) {
		p.Links[loc] = struct{}{}
	}
	for _, m := range textHashtagRegex.FindAllStringSubmatch(p.Text, -1) {
		if len(m) < 2 {
			continue
		}
		p.Hashtags[primitives.NewHashtag(m[1])] = struct{}{}
	}
}

func parseEmbed(data json.RawMessage) (*post.Embed, error) {
	var env wireEmbedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	switch env.Type {
	case embedImages, embedImagesView:
		var w wireEmbedImages
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		images := make([]post.Image, 0, len(w.Images))
		for _, img := range w.Images {
			out := post.Image{Alt: img.Alt, Thumb: img.Thumb, Fullsize: img.Fullsize}
			if img.AspectRatio != nil {
				out.Width, out.Height = img.AspectRatio.Width, img.AspectRatio.Height
			}
			images = append(images, out)
		}
		return &post.Embed{Kind: post.EmbedImages, Images: images}, nil

	case embedExternal, embedExternalView:
		var w wireEmbedExternal
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return &post.Embed{Kind: post.EmbedExternal, External: &post.External{
			Uri: w.External.Uri, Title: w.External.Title, Description: w.External.Description,
		}}, nil

	case embedVideo, embedVideoView:
		var w wireEmbedVideo
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		v := &post.Video{Cid: w.Video.Ref.Link, Alt: w.Alt}
		if w.AspectRatio != nil {
			v.Width, v.Height = w.AspectRatio.Width, w.AspectRatio.Height
		}
		return &post.Embed{Kind: post.EmbedVideo, Video: v}, nil

	case embedRecord, embedRecordView:
		var w wireEmbedRecord
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return &post.Embed{Kind: post.EmbedRecord, Record: &post.RecordRef{
			Uri: primitives.AtUri(w.Record.Uri), Cid: w.Record.Cid,
		}}, nil

	case embedRecordWithMedia, embedRecordWithMediaView:
		var w wireEmbedRecordWithMedia
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		var recordRef post.RecordRef
		var ref wireRef
		if err := json.Unmarshal(w.Record, &ref); err == nil {
			recordRef = post.RecordRef{Uri: primitives.AtUri(ref.Uri), Cid: ref.Cid}
		}
		media, err := parseEmbed(w.Media)
		if err != nil {
			return nil, err
		}
		return &post.Embed{Kind: post.EmbedRecordWithMedia, Record: &recordRef, Media: media}, nil

	default:
		var raw interface{}
		_ = json.Unmarshal(data, &raw)
		return &post.Embed{Kind: post.EmbedUnknown, RawType: env.Type, RawFields: raw}, nil
	}
}

func parseTime(s string) (primitives.Timestamp, error) {
	if strings.TrimSpace(s) == "" {
		return primitives.Timestamp{}, fmt.Errorf("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return primitives.Timestamp{}, err
		}
	}
	return primitives.NewTimestamp(t), nil
}

func parseErr(field string, err error) error {
	return &apperr.SyncError{
		Base:  apperr.Base{Op: "rawpost.Parse:" + field, Err: err},
		Stage: apperr.StageParse,
	}
}
