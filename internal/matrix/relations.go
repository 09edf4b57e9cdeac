package matrix

import (
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"
)

// Relation types understood by the sync engine.
const (
	RelAnnotation = "m.annotation"
	RelReplace    = "m.replace"
	RelThread     = "m.thread"
)

// Relation is the parsed m.relates_to block of an event's content.
type Relation struct {
	Type    string
	EventID id.EventID
	Key     string
}

// RelatesTo extracts the relation from raw event content. ok is false
// when the content has no usable relation.
func RelatesTo(content []byte) (Relation, bool) {
	if len(content) == 0 || !gjson.ValidBytes(content) {
		return Relation{}, false
	}

	rel := gjson.GetBytes(content, `m\.relates_to`)
	if !rel.IsObject() {
		return Relation{}, false
	}

	r := Relation{
		Type:    rel.Get("rel_type").String(),
		EventID: id.EventID(rel.Get("event_id").String()),
		Key:     rel.Get("key").String(),
	}

	if r.EventID == "" {
		return Relation{}, false
	}

	return r, true
}

// contentString reads a top-level string field from raw content.
func contentString(content []byte, field string) string {
	if len(content) == 0 {
		return ""
	}

	return gjson.GetBytes(content, EscapeKey(field)).String()
}

// ContentString reads a (possibly dotted) top-level string field from raw
// event content, e.g. "membership" or "m.new_content".
func ContentString(content []byte, field string) string {
	return contentString(content, field)
}

// EscapeKey escapes the path characters gjson treats specially so a
// Matrix key such as "m.relates_to" is read as one key.
func EscapeKey(key string) string {
	out := make([]byte, 0, len(key))

	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '|', '#', '@', '\\':
			out = append(out, '\\')
		}

		out = append(out, key[i])
	}

	return string(out)
}
