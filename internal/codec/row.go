package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/steveyegge/collsync/internal/collection"
)

// ErrMissingDataColumn is returned when a stored row has no data column.
var ErrMissingDataColumn = errors.New("row has no data column")

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is usable as a column name. Column
// names double as JSON paths and SQL identifiers, so they are restricted to
// letters, digits and underscores.
func ValidIdentifier(name string) bool {
	return identRe.MatchString(name)
}

// BuildRow renders a row object {keyColumn: key, dataColumn: data}. The key is
// omitted when keyColumn or key is empty.
func BuildRow(keyColumn, key, dataColumn string, data json.RawMessage) ([]byte, error) {
	if !ValidIdentifier(dataColumn) {
		return nil, fmt.Errorf("invalid data column %q", dataColumn)
	}
	row := []byte("{}")
	var err error
	if keyColumn != "" && key != "" {
		if !ValidIdentifier(keyColumn) {
			return nil, fmt.Errorf("invalid key column %q", keyColumn)
		}
		if row, err = sjson.SetBytes(row, keyColumn, key); err != nil {
			return nil, fmt.Errorf("failed to set row key: %w", err)
		}
	}
	if row, err = sjson.SetRawBytes(row, dataColumn, data); err != nil {
		return nil, fmt.Errorf("failed to set row data: %w", err)
	}
	return row, nil
}

// SetRowField sets a raw JSON value on a row object.
func SetRowField(row []byte, column string, raw []byte) ([]byte, error) {
	return sjson.SetRawBytes(row, column, raw)
}

// RowKey returns the key column of row as a string.
func RowKey(row []byte, keyColumn string) (string, bool) {
	res := gjson.GetBytes(row, keyColumn)
	if !res.Exists() {
		return "", false
	}
	if res.Type == gjson.String {
		return res.Str, true
	}
	return res.Raw, true
}

// RowData returns the raw data column of row.
func RowData(row []byte, dataColumn string) (json.RawMessage, error) {
	res := gjson.GetBytes(row, dataColumn)
	if !res.Exists() {
		return nil, fmt.Errorf("column %q: %w", dataColumn, ErrMissingDataColumn)
	}
	return json.RawMessage(res.Raw), nil
}

// DecodeOptions configures Decode.
type DecodeOptions struct {
	// IsChunks marks each record as an array of documents to flatten.
	IsChunks bool
	// DataColumn names the row column holding the record.
	DataColumn string
	// Convert is applied to every decoded document.
	Convert func(doc collection.Document) collection.Document
	// Transform, when set, rewrites each raw record before it is parsed.
	Transform func(data json.RawMessage) (json.RawMessage, error)
}

// Decode parses rows back into documents, preserving row order. It returns
// the documents and the number of record bytes read.
func Decode(rows [][]byte, opts DecodeOptions) ([]collection.Document, int, error) {
	var (
		docs  []collection.Document
		bytes int
	)
	for i, row := range rows {
		data, err := RowData(row, opts.DataColumn)
		if err != nil {
			return nil, 0, fmt.Errorf("row %d: %w", i, err)
		}
		if opts.Transform != nil {
			if data, err = opts.Transform(data); err != nil {
				return nil, 0, fmt.Errorf("row %d: %w", i, err)
			}
		}
		bytes += len(data)

		if opts.IsChunks {
			var chunk []collection.Document
			if err := json.Unmarshal(data, &chunk); err != nil {
				return nil, 0, fmt.Errorf("row %d: failed to parse chunk: %w", i, err)
			}
			for _, d := range chunk {
				docs = append(docs, convert(d, opts.Convert))
			}
			continue
		}

		var doc collection.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, 0, fmt.Errorf("row %d: failed to parse record: %w", i, err)
		}
		docs = append(docs, convert(doc, opts.Convert))
	}
	return docs, bytes, nil
}

func convert(d collection.Document, fn func(collection.Document) collection.Document) collection.Document {
	if fn == nil {
		return d
	}
	return fn(d)
}
