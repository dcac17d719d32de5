package post

import (
	"encoding/json"
	"fmt"

	"github.com/skygent/skygent/pkg/primitives"
)

// wireEventMeta is EventMeta's JSON wire shape.
type wireEventMeta struct {
	Source         string `json:"source"`
	Command        string `json:"command,omitempty"`
	FilterExprHash string `json:"filterExprHash,omitempty"`
	CreatedAt      string `json:"createdAt"`
	SourceStore    string `json:"sourceStore,omitempty"`
}

func encodeMeta(m *EventMeta) wireEventMeta {
	w := wireEventMeta{
		Source:         string(m.Source),
		Command:        m.Command,
		FilterExprHash: m.FilterExprHash,
		CreatedAt:      m.CreatedAt.String(),
	}
	if m.SourceStore != nil {
		w.SourceStore = m.SourceStore.String()
	}
	return w
}

func decodeMeta(w wireEventMeta) (*EventMeta, error) {
	createdAt, err := parseRFC3339(w.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("post: decoding event meta createdAt: %w", err)
	}
	m := &EventMeta{
		Source:         EventMetaSource(w.Source),
		Command:        w.Command,
		FilterExprHash: w.FilterExprHash,
		CreatedAt:      createdAt,
	}
	if w.SourceStore != "" {
		name := primitives.StoreName(w.SourceStore)
		m.SourceStore = &name
	}
	return m, nil
}

// wireEventPayload is the JSON shape stored in event_log.payload_json: the
// event's variant-specific fields plus its EventMeta, keyed by the row's
// own event_type column rather than a redundant embedded tag.
type wireEventPayload struct {
	Meta wireEventMeta `json:"meta"`

	Post *wirePost `json:"post,omitempty"`

	DeleteUri string `json:"deleteUri,omitempty"`
	DeleteCid string `json:"deleteCid,omitempty"`
}

// EncodePayload serialises rec's variant-specific payload (the part that
// goes in event_log.payload_json; event_seq/event_id/event_type/post_uri
// are columns of their own and carried separately).
func EncodePayload(rec EventRecord) ([]byte, error) {
	switch rec.Kind {
	case EventPostUpsert:
		data, err := Encode(rec.UpsertPost)
		if err != nil {
			return nil, err
		}
		var wp wirePost
		if err := json.Unmarshal(data, &wp); err != nil {
			return nil, err
		}
		return json.Marshal(wireEventPayload{Meta: encodeMeta(rec.UpsertMeta), Post: &wp})
	case EventPostDelete:
		return json.Marshal(wireEventPayload{
			Meta:      encodeMeta(rec.DeleteMeta),
			DeleteUri: rec.DeleteUri.String(),
			DeleteCid: rec.DeleteCid.String(),
		})
	default:
		return nil, fmt.Errorf("post: unknown event kind %q", rec.Kind)
	}
}

// DecodePayload reconstructs an EventRecord from the event_log columns
// (id, kind) plus the stored payload_json.
func DecodePayload(id primitives.EventId, kind EventKind, data []byte) (EventRecord, error) {
	var w wireEventPayload
	if err := json.Unmarshal(data, &w); err != nil {
		return EventRecord{}, fmt.Errorf("post: decoding event payload: %w", err)
	}
	meta, err := decodeMeta(w.Meta)
	if err != nil {
		return EventRecord{}, err
	}
	switch kind {
	case EventPostUpsert:
		if w.Post == nil {
			return EventRecord{}, fmt.Errorf("post: PostUpsert payload missing post")
		}
		raw, err := json.Marshal(w.Post)
		if err != nil {
			return EventRecord{}, err
		}
		p, err := Decode(raw)
		if err != nil {
			return EventRecord{}, err
		}
		return EventRecord{Id: id, Version: 1, Kind: EventPostUpsert, UpsertPost: p, UpsertMeta: meta}, nil
	case EventPostDelete:
		return EventRecord{
			Id:         id,
			Version:    1,
			Kind:       EventPostDelete,
			DeleteUri:  primitives.PostUri(w.DeleteUri),
			DeleteCid:  primitives.PostCid(w.DeleteCid),
			DeleteMeta: meta,
		}, nil
	default:
		return EventRecord{}, fmt.Errorf("post: unknown event kind %q", kind)
	}
}
