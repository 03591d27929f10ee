package repo

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Record is a single repository record: its lexicon type tag plus the raw
// DAG-CBOR-decoded value, kept generic so the core never needs a lexicon
// schema compiler to store or forward a record it doesn't recognize.
type Record struct {
	Type  string
	Value map[string]interface{}
}

// ErrMissingType is returned when a record's wire form has no $type field,
// which every atproto record is required to carry.
var ErrMissingType = fmt.Errorf("repo: record missing $type")

// DecodeRecord parses a DAG-CBOR-decoded generic map into a Record,
// extracting its $type tag. Unknown types are kept verbatim in Value rather
// than rejected, so a client built against an older lexicon set can still
// read and re-store records it doesn't understand.
func DecodeRecord(raw map[string]interface{}) (Record, error) {
	t, ok := raw["$type"].(string)
	if !ok || t == "" {
		return Record{}, ErrMissingType
	}
	return Record{Type: t, Value: raw}, nil
}

// Collection returns the NSID portion of key's collection, the text before
// the first "/" in a record key of the form "collection/rkey".
func Collection(key string) (string, string, bool) {
	idx := strings.IndexByte(key, '/')
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

// MarshalJSON renders a Record the way the lexicon JSON encoding expects:
// the $type field inline with the rest of the value's keys.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Value)+1)
	for k, v := range r.Value {
		out[k] = v
	}
	out["$type"] = r.Type
	return json.Marshal(out)
}
