package record

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// Coerce converts v to the canonical Go value for col:
// bool, int64, float64, string or time.Time (UTC, millisecond precision).
// nil passes through; nullability is the caller's concern.
func Coerce(col Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	mismatch := func() error {
		return fmt.Errorf("%w: column %q wants %s, got %T", ErrTypeMismatch, col.Name, col.Type, v)
	}

	switch col.Type {
	case TypeBool:
		x, ok := v.(bool)
		if !ok {
			return nil, mismatch()
		}
		return x, nil

	case TypeLong:
		x, ok := asInt64(v)
		if !ok {
			return nil, mismatch()
		}
		return x, nil

	case TypeDouble:
		x, ok := asFloat64(v)
		if !ok {
			return nil, mismatch()
		}
		switch {
		case x == 0:
			x = 0 // -0 is the same key as 0
		case math.IsNaN(x):
			x = math.NaN()
		}
		return x, nil

	case TypeString:
		x, ok := v.(string)
		if !ok {
			return nil, mismatch()
		}
		if !utf8.ValidString(x) {
			return nil, fmt.Errorf("%w: column %q holds invalid UTF-8", ErrTypeMismatch, col.Name)
		}
		return x, nil

	case TypeTimestamp:
		x, ok := v.(time.Time)
		if !ok {
			return nil, mismatch()
		}
		return time.UnixMilli(x.UnixMilli()).UTC(), nil

	case TypeEnum:
		x, ok := v.(string)
		if !ok || !utf8.ValidString(x) {
			return nil, mismatch()
		}
		if len(col.Enum) > 0 && !slices.Contains(col.Enum, x) {
			return nil, fmt.Errorf("%w: %q is not a value of enum column %q", ErrTypeMismatch, x, col.Name)
		}
		return x, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, col.Type)
}

// Compare orders two canonical values. Values of different kinds are ordered
// by kind so that a mixed set still has a total order. Doubles follow the
// order of their key bytes.
func Compare(a, b any) int {
	ka, kb := kindOf(a), kindOf(b)
	if ka != kb {
		return int(ka) - int(kb)
	}
	switch x := a.(type) {
	case nil:
		return 0
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case int64:
		y := b.(int64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case float64:
		ox, oy := floatOrder(x), floatOrder(b.(float64))
		switch {
		case ox < oy:
			return -1
		case ox > oy:
			return 1
		}
		return 0
	case string:
		return strings.Compare(x, b.(string))
	case time.Time:
		return x.Compare(b.(time.Time))
	}
	return 0
}

// Equal reports whether two canonical values are the same key.
func Equal(a, b any) bool { return Compare(a, b) == 0 }

type kind uint8

const (
	kindNull kind = iota
	kindBool
	kindLong
	kindDouble
	kindString
	kindTime
	kindOther
)

func kindOf(v any) kind {
	switch v.(type) {
	case nil:
		return kindNull
	case bool:
		return kindBool
	case int64:
		return kindLong
	case float64:
		return kindDouble
	case string:
		return kindString
	case time.Time:
		return kindTime
	}
	return kindOther
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int16:
		return int64(x), true
	case int8:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x), true
		}
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	if i, ok := asInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}
