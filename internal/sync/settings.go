package sync

import (
	"context"
	"errors"

	"github.com/steveyegge/collsync/internal/collection"
)

// Params are passed unchanged to the remote functions, e.g. as query
// parameters.
type Params map[string]any

// DownFunc pulls the remote items of one collection.
type DownFunc func(ctx context.Context, params Params) ([]collection.Document, error)

// UpFunc pushes local items to the remote service.
type UpFunc func(ctx context.Context, params Params, items []collection.Document) error

// FindFilterFunc returns the filter matching the local counterpart of a
// remote item.
type FindFilterFunc func(item collection.Document) collection.Filter

// ConvertFunc maps a document between its local and remote shapes.
type ConvertFunc func(doc collection.Document) collection.Document

// CopyFunc returns an independent copy of a local document.
type CopyFunc func(doc collection.Document) collection.Document

// Transport turns endpoint URLs into remote functions.
type Transport interface {
	DownFunc(url string) DownFunc
	UpFunc(url string) UpFunc
}

// ModelCollection is a collection that knows its own keys and remote shape.
type ModelCollection interface {
	collection.Collection
	PrimaryKeys() []string
	ToLocal(remote collection.Document) collection.Document
	ToService(local collection.Document) collection.Document
}

// DownSettings enable sync down.
type DownSettings struct {
	Func           DownFunc
	ConvertToLocal ConvertFunc
}

// UpSettings enable sync up.
type UpSettings struct {
	Func         UpFunc
	ConvertToSvc ConvertFunc
}

// Settings configure the sync of one collection. Down and Up are optional;
// the matching operation fails when its half is missing.
type Settings struct {
	LocalCollection collection.Collection
	PrimaryKeys     []string
	FindFilterFunc  FindFilterFunc
	CopyObjectFunc  CopyFunc

	Down *DownSettings
	Up   *UpSettings
}

// Name returns the local collection name.
func (s *Settings) Name() string {
	if s == nil || s.LocalCollection == nil {
		return ""
	}
	return s.LocalCollection.Name()
}

// CopySettings returns a new Settings equal to src. A shallow copy shares
// the primary key slice and the Down and Up values with src; a deep copy
// owns them, so they can be changed without affecting src. Functions and the
// collection are always shared.
func CopySettings(src *Settings, deep bool) *Settings {
	if src == nil {
		return nil
	}
	dst := *src
	if !deep {
		return &dst
	}
	dst.PrimaryKeys = append([]string(nil), src.PrimaryKeys...)
	if src.Down != nil {
		d := *src.Down
		dst.Down = &d
	}
	if src.Up != nil {
		u := *src.Up
		dst.Up = &u
	}
	return &dst
}

var (
	// ErrNoCollection is returned by Build when no local collection is set.
	ErrNoCollection = errors.New("sync settings: no local collection")
	// ErrNoPrimaryKeys is returned by Build when no primary key is set.
	ErrNoPrimaryKeys = errors.New("sync settings: no primary keys")
	// ErrNoDirection is returned by Build when neither sync down nor sync up
	// is configured.
	ErrNoDirection = errors.New("sync settings: neither sync down nor sync up configured")
)

// Validate checks the settings the engine relies on.
func (s *Settings) Validate() error {
	switch {
	case s.LocalCollection == nil:
		return ErrNoCollection
	case len(s.PrimaryKeys) == 0:
		return ErrNoPrimaryKeys
	case (s.Down == nil || s.Down.Func == nil) && (s.Up == nil || s.Up.Func == nil):
		return ErrNoDirection
	}
	for _, k := range s.PrimaryKeys {
		if k == "" {
			return errors.New("sync settings: empty primary key name")
		}
	}
	return nil
}

// SettingsBuilder assembles Settings. It stays mutable until Build, and
// Build hands out a deep copy, so one builder can produce several variants.
type SettingsBuilder struct {
	s Settings
}

// NewSettingsBuilder returns an empty builder.
func NewSettingsBuilder() *SettingsBuilder {
	return &SettingsBuilder{}
}

// FromSettings starts from src, either sharing its nested values or owning
// copies of them.
func (b *SettingsBuilder) FromSettings(src *Settings, deep bool) *SettingsBuilder {
	if src != nil {
		b.s = *CopySettings(src, deep)
	}
	return b
}

// FromCollection takes the collection, its primary keys and its converters.
// The remote functions still have to be set.
func (b *SettingsBuilder) FromCollection(c ModelCollection) *SettingsBuilder {
	b.s.LocalCollection = c
	b.s.PrimaryKeys = append([]string(nil), c.PrimaryKeys()...)
	b.down().ConvertToLocal = c.ToLocal
	b.up().ConvertToSvc = c.ToService
	return b
}

// WithURLs sets the remote functions from endpoint URLs. An empty URL leaves
// that direction unchanged.
func (b *SettingsBuilder) WithURLs(downURL, upURL string, t Transport) *SettingsBuilder {
	if downURL != "" {
		b.down().Func = t.DownFunc(downURL)
	}
	if upURL != "" {
		b.up().Func = t.UpFunc(upURL)
	}
	return b
}

// Collection sets the local collection.
func (b *SettingsBuilder) Collection(c collection.Collection) *SettingsBuilder {
	b.s.LocalCollection = c
	return b
}

// PrimaryKeys sets the fields that identify a document.
func (b *SettingsBuilder) PrimaryKeys(keys ...string) *SettingsBuilder {
	b.s.PrimaryKeys = append([]string(nil), keys...)
	return b
}

// FindFilter overrides the primary key filter used to find local matches.
func (b *SettingsBuilder) FindFilter(fn FindFilterFunc) *SettingsBuilder {
	b.s.FindFilterFunc = fn
	return b
}

// CopyObject overrides how documents are copied before conversion.
func (b *SettingsBuilder) CopyObject(fn CopyFunc) *SettingsBuilder {
	b.s.CopyObjectFunc = fn
	return b
}

// Down sets the pull function and the remote-to-local converter.
func (b *SettingsBuilder) Down(fn DownFunc, convert ConvertFunc) *SettingsBuilder {
	d := b.down()
	d.Func = fn
	if convert != nil {
		d.ConvertToLocal = convert
	}
	return b
}

// Up sets the push function and the local-to-remote converter.
func (b *SettingsBuilder) Up(fn UpFunc, convert ConvertFunc) *SettingsBuilder {
	u := b.up()
	u.Func = fn
	if convert != nil {
		u.ConvertToSvc = convert
	}
	return b
}

func (b *SettingsBuilder) down() *DownSettings {
	if b.s.Down == nil {
		b.s.Down = &DownSettings{}
	}
	return b.s.Down
}

func (b *SettingsBuilder) up() *UpSettings {
	if b.s.Up == nil {
		b.s.Up = &UpSettings{}
	}
	return b.s.Up
}

// Build validates the settings and returns a copy of them. A missing find
// filter defaults to matching the primary keys, a missing copy function to a
// deep clone. A direction without a remote function is dropped.
func (b *SettingsBuilder) Build() (*Settings, error) {
	s := CopySettings(&b.s, true)
	if s.Down != nil && s.Down.Func == nil {
		s.Down = nil
	}
	if s.Up != nil && s.Up.Func == nil {
		s.Up = nil
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.FindFilterFunc == nil {
		keys := s.PrimaryKeys
		s.FindFilterFunc = func(item collection.Document) collection.Filter {
			f, _ := keyFilter(keys, item)
			return f
		}
	}
	if s.CopyObjectFunc == nil {
		s.CopyObjectFunc = collection.Clone
	}
	return s, nil
}

// keyFilter matches the document carrying the same primary key values as
// doc. It reports false when doc lacks one of the keys.
func keyFilter(keys []string, doc collection.Document) (collection.Filter, bool) {
	if len(keys) == 1 {
		v, ok := doc[keys[0]]
		if !ok || v == nil {
			return nil, false
		}
		return collection.Filter{keys[0]: v}, true
	}
	f := make(collection.Filter, len(keys))
	for _, k := range keys {
		v, ok := doc[k]
		if !ok || v == nil {
			return nil, false
		}
		f[k] = v
	}
	return f, true
}
