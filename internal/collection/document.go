// Package collection defines the document collection contract consumed by the
// persistence and sync layers, plus a small in-memory implementation of it.
package collection

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Document is a single schemaless record.
type Document = map[string]any

// Collection is the minimal surface the sync engine needs from an in-memory
// document collection.
type Collection interface {
	// Name returns the collection name.
	Name() string

	// Data returns the documents matching filter. A nil filter matches all.
	Data(filter Filter) []Document

	// AddAll inserts items as-is.
	AddAll(items []Document) error

	// UpdateWhere merges patch into every document matching filter.
	UpdateWhere(filter Filter, patch Document) error

	// AddOrUpdateWhereNoModify replaces the documents matching filter with item,
	// or inserts item when nothing matches. Change metadata is left untouched.
	AddOrUpdateWhereNoModify(filter Filter, item Document) error

	// RemoveWhere deletes every document matching filter.
	RemoveWhere(filter Filter) error

	// ClearCollection removes all documents.
	ClearCollection() error
}

// Clone returns a deep copy of doc. Maps and slices are copied recursively;
// scalar values are shared.
func Clone(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

// CloneAll deep copies every document in docs.
func CloneAll(docs []Document) []Document {
	if docs == nil {
		return nil
	}
	out := make([]Document, len(docs))
	for i, d := range docs {
		out[i] = Clone(d)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []map[string]any:
		return CloneAll(t)
	case []string:
		return append([]string(nil), t...)
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	default:
		return v
	}
}

// KeyString renders a document field value as the canonical string used for
// grouping and keying: strings as-is, integral numbers without a fraction,
// everything else as compact JSON.
func KeyString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
