package record

import (
	"fmt"
	"math"
	"time"

	"github.com/tuannm99/novarel/internal/alias/bx"
)

const (
	keyBool   byte = 'b'
	keyLong   byte = 'l'
	keyDouble byte = 'd'
	keyString byte = 's'
	keyTime   byte = 't'
)

// KeyBytes encodes a canonical non-null value as an order-preserving byte
// key: a kind tag followed by a big-endian payload.
func KeyBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case bool:
		if x {
			return []byte{keyBool, 1}, nil
		}
		return []byte{keyBool, 0}, nil
	case int64:
		return bx.AppendU64([]byte{keyLong}, uint64(x)^(1<<63)), nil
	case float64:
		return bx.AppendU64([]byte{keyDouble}, floatOrder(x)), nil
	case string:
		return append([]byte{keyString}, x...), nil
	case time.Time:
		return bx.AppendU64([]byte{keyTime}, uint64(x.UnixMilli())^(1<<63)), nil
	}
	return nil, fmt.Errorf("%w: key of %T", ErrUnsupportedType, v)
}

// floatOrder maps x to an unsigned integer with the same order as Compare.
// All NaNs collapse into one value above +Inf; -0 sorts just below +0.
func floatOrder(x float64) uint64 {
	if math.IsNaN(x) {
		x = math.NaN()
	}
	bits := math.Float64bits(x)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | 1<<63
}

// DecodeKey is the inverse of KeyBytes.
func DecodeKey(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, ErrBadKey
	}
	tag, rest := b[0], b[1:]
	switch tag {
	case keyBool:
		if len(rest) != 1 {
			return nil, ErrBadKey
		}
		return rest[0] == 1, nil
	case keyLong:
		if len(rest) != 8 {
			return nil, ErrBadKey
		}
		return int64(bx.U64(rest) ^ (1 << 63)), nil
	case keyDouble:
		if len(rest) != 8 {
			return nil, ErrBadKey
		}
		bits := bx.U64(rest)
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return math.Float64frombits(bits), nil
	case keyString:
		return string(rest), nil
	case keyTime:
		if len(rest) != 8 {
			return nil, ErrBadKey
		}
		return time.UnixMilli(int64(bx.U64(rest) ^ (1 << 63))).UTC(), nil
	}
	return nil, ErrBadKey
}
