package collection

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

// OpKind is a comparison operator usable inside a Filter.
type OpKind int

const (
	OpEq OpKind = iota
	OpNe
	OpLt
	OpLte
	OpGt
	OpGte
)

// Op is a comparison against a field value.
type Op struct {
	Kind  OpKind
	Value any
}

// Eq matches values equal to v.
func Eq(v any) Op  { return Op{Kind: OpEq, Value: v} }
// Ne matches values not equal to v.
func Ne(v any) Op  { return Op{Kind: OpNe, Value: v} }
// Lt matches values ordered before v.
func Lt(v any) Op  { return Op{Kind: OpLt, Value: v} }
// Lte matches values ordered before or equal to v.
func Lte(v any) Op { return Op{Kind: OpLte, Value: v} }
// Gt matches values ordered after v.
func Gt(v any) Op  { return Op{Kind: OpGt, Value: v} }
// Gte matches values ordered after or equal to v.
func Gte(v any) Op { return Op{Kind: OpGte, Value: v} }

// Filter selects documents: every field must satisfy its condition. A
// condition is either a plain value (equality) or an Op. A missing field
// compares as nil.
type Filter map[string]any

// Match reports whether doc satisfies every condition in f. A nil or empty
// filter matches everything.
func (f Filter) Match(doc Document) bool {
	for field, cond := range f {
		v := doc[field]
		op, ok := cond.(Op)
		if !ok {
			op = Op{Kind: OpEq, Value: cond}
		}
		if !op.matches(v) {
			return false
		}
	}
	return true
}

func (op Op) matches(v any) bool {
	switch op.Kind {
	case OpEq:
		return equal(v, op.Value)
	case OpNe:
		return !equal(v, op.Value)
	}
	c, ok := compare(v, op.Value)
	if !ok {
		return false
	}
	switch op.Kind {
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	default:
		return false
	}
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
	}
	return reflect.DeepEqual(a, b)
}

// compare orders numbers, times and strings. The second result is false when
// the operands are not comparable.
func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ToFloat converts a numeric document value to float64.
func ToFloat(v any) (float64, bool) {
	return toFloat(v)
}
