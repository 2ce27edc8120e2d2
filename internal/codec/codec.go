// Package codec turns document arrays into storage records and back.
//
// A storage record is the unit a backend writes: a chunk of consecutive
// documents, the members of one group, or a single keyed document. Records
// are stored inside rows, which are flat JSON objects carrying an optional
// key column and a data column.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/steveyegge/collsync/internal/collection"
)

// ErrMissingKey is returned when a keyed encode finds a document without a key.
var ErrMissingKey = errors.New("document has no storage key")

// ErrDuplicateKey is returned when two documents map to the same storage key.
var ErrDuplicateKey = errors.New("duplicate storage key")

// NullGroupKey is the group of documents that lack the group-by value. An
// empty record key would ask the backend to generate one.
const NullGroupKey = "null"

// KeySelector extracts a key from a document, either by property name or with
// a function. Func takes precedence when both are set.
type KeySelector struct {
	Property string
	Func     func(doc collection.Document) (string, bool)
}

// ByProperty selects the value of a document property.
func ByProperty(name string) KeySelector {
	return KeySelector{Property: name}
}

// ByFunc selects keys with fn.
func ByFunc(fn func(doc collection.Document) (string, bool)) KeySelector {
	return KeySelector{Func: fn}
}

// IsSet reports whether the selector is configured.
func (k KeySelector) IsSet() bool {
	return k.Func != nil || k.Property != ""
}

// Key returns the canonical key string of doc.
func (k KeySelector) Key(doc collection.Document) (string, bool) {
	if k.Func != nil {
		return k.Func(doc)
	}
	v, ok := doc[k.Property]
	if !ok || v == nil {
		return "", false
	}
	return collection.KeyString(v), true
}

// Mode is the record layout chosen for one encode call.
type Mode int

const (
	// ModeSingle stores the whole array as one record.
	ModeSingle Mode = iota
	// ModeChunked stores consecutive slices of at most MaxObjectsPerChunk documents.
	ModeChunked
	// ModeGrouped stores one record per distinct group key.
	ModeGrouped
	// ModeKeyed stores one record per document.
	ModeKeyed
)

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeChunked:
		return "chunked"
	case ModeGrouped:
		return "grouped"
	case ModeKeyed:
		return "keyed"
	default:
		return "unknown"
	}
}

// IsChunks reports whether records written in this mode hold document arrays.
func (m Mode) IsChunks() bool {
	return m != ModeKeyed
}

// Record is one unit of storage. An empty Key asks the backend to generate one.
type Record struct {
	Key  string
	Data json.RawMessage
}

// EncodeOptions selects and configures the encode mode.
type EncodeOptions struct {
	MaxObjectsPerChunk int
	GroupBy            KeySelector
	ItemKey            KeySelector

	// AutoKey leaves chunk keys empty so the backend assigns them.
	AutoKey bool
	// FirstChunk offsets chunk keys, for appending to existing records.
	FirstChunk int

	// Convert is applied to every document before it is serialized.
	Convert func(doc collection.Document) collection.Document
}

// Mode returns the mode implied by the options. Chunking wins over grouping,
// which wins over per-item keys.
func (o EncodeOptions) Mode() Mode {
	switch {
	case o.MaxObjectsPerChunk > 0:
		return ModeChunked
	case o.GroupBy.IsSet():
		return ModeGrouped
	case o.ItemKey.IsSet():
		return ModeKeyed
	default:
		return ModeSingle
	}
}

// Encoded is the output of Encode.
type Encoded struct {
	Mode      Mode
	Records   []Record
	ItemCount int
	ByteSize  int
}

// ChunkKey is the key of the i-th chunk. Keys sort in write order.
func ChunkKey(i int) string {
	return fmt.Sprintf("%010d", i)
}

// Encode splits docs into storage records.
func Encode(docs []collection.Document, opts EncodeOptions) (Encoded, error) {
	items := docs
	if opts.Convert != nil {
		items = make([]collection.Document, len(docs))
		for i, d := range docs {
			items[i] = opts.Convert(d)
		}
	}

	enc := Encoded{Mode: opts.Mode(), ItemCount: len(items)}
	var err error
	switch enc.Mode {
	case ModeChunked:
		enc.Records, err = encodeChunks(items, opts.MaxObjectsPerChunk, opts.FirstChunk, opts.AutoKey)
	case ModeGrouped:
		enc.Records, err = encodeGroups(items, opts.GroupBy)
	case ModeKeyed:
		enc.Records, err = encodeKeyed(items, opts.ItemKey)
	default:
		enc.Records, err = encodeChunks(items, len(items), opts.FirstChunk, opts.AutoKey)
	}
	if err != nil {
		return Encoded{}, err
	}
	for _, r := range enc.Records {
		enc.ByteSize += len(r.Data)
	}
	return enc, nil
}

func encodeChunks(items []collection.Document, size, first int, autoKey bool) ([]Record, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if size <= 0 {
		size = len(items)
	}
	records := make([]Record, 0, (len(items)+size-1)/size)
	for start, i := 0, 0; start < len(items); start, i = start+size, i+1 {
		end := min(start+size, len(items))
		data, err := json.Marshal(items[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal chunk %d: %w", i, err)
		}
		r := Record{Data: data}
		if !autoKey {
			r.Key = ChunkKey(first + i)
		}
		records = append(records, r)
	}
	return records, nil
}

func encodeGroups(items []collection.Document, by KeySelector) ([]Record, error) {
	groups := make(map[string][]collection.Document)
	var order []string
	for _, d := range items {
		key, ok := by.Key(d)
		if !ok || key == "" {
			key = NullGroupKey
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], d)
	}

	records := make([]Record, 0, len(order))
	for _, key := range order {
		data, err := json.Marshal(groups[key])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal group %q: %w", key, err)
		}
		records = append(records, Record{Key: key, Data: data})
	}
	return records, nil
}

func encodeKeyed(items []collection.Document, by KeySelector) ([]Record, error) {
	seen := make(map[string]struct{}, len(items))
	records := make([]Record, 0, len(items))
	for i, d := range items {
		key, ok := by.Key(d)
		if !ok {
			return nil, fmt.Errorf("item %d: %w", i, ErrMissingKey)
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("item %d key %q: %w", i, key, ErrDuplicateKey)
		}
		seen[key] = struct{}{}
		data, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal item %d: %w", i, err)
		}
		records = append(records, Record{Key: key, Data: data})
	}
	return records, nil
}
