package persist

import (
	"fmt"

	"github.com/steveyegge/collsync/internal/codec"
	"github.com/steveyegge/collsync/internal/collection"
)

// Fallbacks applied when neither the call nor the defaults name a column.
const (
	DefaultKeyColumn  = "key"
	DefaultDataColumn = "data"
)

// Bool returns a pointer to v, for optional option fields.
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }

// Key returns a pointer to a property key selector.
func Key(property string) *codec.KeySelector {
	k := codec.ByProperty(property)
	return &k
}

// KeyFunc returns a pointer to a function key selector.
func KeyFunc(fn func(doc collection.Document) (string, bool)) *codec.KeySelector {
	k := codec.ByFunc(fn)
	return &k
}

// Converter rewrites a document on its way into or out of storage.
type Converter func(doc collection.Document) collection.Document

// WriteOptions configures how a collection is written. Nil fields are unset
// and fall back to the defaults passed to ResolveWrite.
type WriteOptions struct {
	Compress           *bool
	KeyAutoGenerate    *bool
	ItemKey            *codec.KeySelector
	KeyColumn          *string
	GroupBy            *codec.KeySelector
	DataColumnName     *string
	MaxObjectsPerChunk *int
	DeleteIfExists     *bool
	Convert            Converter
}

// Or returns o with every unset field taken from defaults.
func (o WriteOptions) Or(defaults WriteOptions) WriteOptions {
	out := o
	if out.Compress == nil {
		out.Compress = defaults.Compress
	}
	if out.KeyAutoGenerate == nil {
		out.KeyAutoGenerate = defaults.KeyAutoGenerate
	}
	if out.ItemKey == nil {
		out.ItemKey = defaults.ItemKey
	}
	if out.KeyColumn == nil {
		out.KeyColumn = defaults.KeyColumn
	}
	if out.GroupBy == nil {
		out.GroupBy = defaults.GroupBy
	}
	if out.DataColumnName == nil {
		out.DataColumnName = defaults.DataColumnName
	}
	if out.MaxObjectsPerChunk == nil {
		out.MaxObjectsPerChunk = defaults.MaxObjectsPerChunk
	}
	if out.DeleteIfExists == nil {
		out.DeleteIfExists = defaults.DeleteIfExists
	}
	if out.Convert == nil {
		out.Convert = defaults.Convert
	}
	return out
}

// ResolvedWriteOptions is a fully populated WriteOptions.
type ResolvedWriteOptions struct {
	Compress           bool
	KeyAutoGenerate    bool
	ItemKey            codec.KeySelector
	KeyColumn          string
	GroupBy            codec.KeySelector
	DataColumnName     string
	MaxObjectsPerChunk int
	DeleteIfExists     bool
	Convert            Converter
}

// ResolveWrite merges call over defaults field by field; the call wins when
// a field is present in both.
func ResolveWrite(call, defaults WriteOptions) ResolvedWriteOptions {
	m := call.Or(defaults)
	r := ResolvedWriteOptions{
		KeyColumn:      DefaultKeyColumn,
		DataColumnName: DefaultDataColumn,
		Convert:        m.Convert,
	}
	if m.Compress != nil {
		r.Compress = *m.Compress
	}
	if m.KeyAutoGenerate != nil {
		r.KeyAutoGenerate = *m.KeyAutoGenerate
	}
	if m.ItemKey != nil {
		r.ItemKey = *m.ItemKey
	}
	if m.KeyColumn != nil && *m.KeyColumn != "" {
		r.KeyColumn = *m.KeyColumn
	}
	if m.GroupBy != nil {
		r.GroupBy = *m.GroupBy
	}
	if m.DataColumnName != nil && *m.DataColumnName != "" {
		r.DataColumnName = *m.DataColumnName
	}
	if m.MaxObjectsPerChunk != nil {
		r.MaxObjectsPerChunk = *m.MaxObjectsPerChunk
	}
	if m.DeleteIfExists != nil {
		r.DeleteIfExists = *m.DeleteIfExists
	}
	return r
}

// Validate checks the column names.
func (r ResolvedWriteOptions) Validate() error {
	if !codec.ValidIdentifier(r.KeyColumn) {
		return fmt.Errorf("invalid key column %q", r.KeyColumn)
	}
	if !codec.ValidIdentifier(r.DataColumnName) {
		return fmt.Errorf("invalid data column %q", r.DataColumnName)
	}
	if r.KeyColumn == r.DataColumnName {
		return fmt.Errorf("key and data column are both %q", r.KeyColumn)
	}
	if r.MaxObjectsPerChunk < 0 {
		return fmt.Errorf("negative chunk size %d", r.MaxObjectsPerChunk)
	}
	return nil
}

// Mode is the record layout these options produce.
func (r ResolvedWriteOptions) Mode() codec.Mode {
	return r.encodeOptions().Mode()
}

// autoKey reports whether the backend should generate record keys. Only
// chunk layouts can use generated keys; groups and items carry their own.
func (r ResolvedWriteOptions) autoKey() bool {
	if !r.KeyAutoGenerate {
		return false
	}
	m := r.encodeOptions().Mode()
	return m == codec.ModeChunked || m == codec.ModeSingle
}

func (r ResolvedWriteOptions) encodeOptions() codec.EncodeOptions {
	return codec.EncodeOptions{
		MaxObjectsPerChunk: r.MaxObjectsPerChunk,
		GroupBy:            r.GroupBy,
		ItemKey:            r.ItemKey,
		AutoKey:            r.KeyAutoGenerate,
		Convert:            r.Convert,
	}
}

// ReadOptions configures how a collection is read back.
type ReadOptions struct {
	Decompress     *bool
	IsChunks       *bool
	DataColumnName *string
	Convert        Converter
}

// Or returns o with every unset field taken from defaults.
func (o ReadOptions) Or(defaults ReadOptions) ReadOptions {
	out := o
	if out.Decompress == nil {
		out.Decompress = defaults.Decompress
	}
	if out.IsChunks == nil {
		out.IsChunks = defaults.IsChunks
	}
	if out.DataColumnName == nil {
		out.DataColumnName = defaults.DataColumnName
	}
	if out.Convert == nil {
		out.Convert = defaults.Convert
	}
	return out
}

// ResolvedReadOptions is a fully populated ReadOptions.
type ResolvedReadOptions struct {
	Decompress     bool
	IsChunks       bool
	DataColumnName string
	Convert        Converter
}

// ResolveRead merges call over defaults. IsChunks falls back to true, the
// layout every non-keyed write produces.
func ResolveRead(call, defaults ReadOptions) ResolvedReadOptions {
	m := call.Or(defaults)
	r := ResolvedReadOptions{
		IsChunks:       true,
		DataColumnName: DefaultDataColumn,
		Convert:        m.Convert,
	}
	if m.Decompress != nil {
		r.Decompress = *m.Decompress
	}
	if m.IsChunks != nil {
		r.IsChunks = *m.IsChunks
	}
	if m.DataColumnName != nil && *m.DataColumnName != "" {
		r.DataColumnName = *m.DataColumnName
	}
	return r
}
