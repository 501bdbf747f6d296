package record

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"time"

	"golang.org/x/text/encoding/unicode"

	"github.com/tuannm99/novarel/internal/alias/bx"
)

// ---- Errors ----
var (
	ErrSchemaMismatch  = errors.New("record: schema/values mismatch")
	ErrTypeMismatch    = errors.New("record: type mismatch")
	ErrNotNullable     = errors.New("record: null in non-nullable column")
	ErrUnsupportedType = errors.New("record: unsupported type")
	ErrVarTooLong      = errors.New("record: variable length exceeds u32")
	ErrBadKey          = errors.New("record: malformed index key")

	// ErrEndOfStream means the source ended cleanly on a frame boundary.
	ErrEndOfStream = errors.New("record: end of stream")
	// ErrCorrupt means a frame started but could not be read back intact.
	ErrCorrupt = errors.New("record: corrupt record")
)

// Frame layout:
//
//	[tombstone:1][payloadLen:4 BE][payload][crc32(payload):4 BE]
//
// payload = per column [presence:1][value?]
//
//	bool=1B, long/double/timestamp=8B BE, string/enum = u32 BE unit count + UTF-16BE units
const (
	Dead byte = 0
	Live byte = 1

	HeaderSize  = 5
	TrailerSize = 4

	presentNull  byte = 0
	presentValue byte = 1

	// upper bound on a single payload; anything larger is treated as corruption
	maxPayload = 1 << 30
)

var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// Record is a decoded live row together with its file pointer.
type Record struct {
	Offset int64
	Values []any
}

// Frame is one raw frame as stored, live or dead.
type Frame struct {
	Offset  int64
	Live    bool
	Payload []byte
}

// Size is the number of bytes the frame occupies on disk.
func (f Frame) Size() int64 { return int64(HeaderSize + len(f.Payload) + TrailerSize) }

// Source is a sequential byte stream that knows its absolute position.
type Source interface {
	io.Reader
	io.ByteReader
	Position() int64
}

// ---- Encode(schema, values) -> frame bytes ----
func Encode(s Schema, values []any) ([]byte, error) {
	payload, err := EncodePayload(s, values)
	if err != nil {
		return nil, err
	}
	if len(payload) > maxPayload {
		return nil, ErrVarTooLong
	}

	out := make([]byte, 0, HeaderSize+len(payload)+TrailerSize)
	out = append(out, Live)
	out = bx.AppendU32(out, uint32(len(payload)))
	out = append(out, payload...)
	out = bx.AppendU32(out, crc32.ChecksumIEEE(payload))
	return out, nil
}

// EncodePayload encodes the column region only.
func EncodePayload(s Schema, values []any) ([]byte, error) {
	if len(values) != s.NumCols() {
		return nil, fmt.Errorf("%w: %d values for %d columns", ErrSchemaMismatch, len(values), s.NumCols())
	}

	out := make([]byte, 0, 16*len(values))
	for i, col := range s.Cols {
		if col.Deleted {
			out = append(out, presentNull)
			continue
		}
		v, err := Coerce(col, values[i])
		if err != nil {
			return nil, err
		}
		if v == nil {
			if !col.Nullable {
				return nil, fmt.Errorf("%w: %q", ErrNotNullable, col.Name)
			}
			out = append(out, presentNull)
			continue
		}
		out = append(out, presentValue)
		if out, err = appendValue(out, col, v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func appendValue(out []byte, col Column, v any) ([]byte, error) {
	switch col.Type {
	case TypeBool:
		if v.(bool) {
			return append(out, 1), nil
		}
		return append(out, 0), nil
	case TypeLong:
		return bx.AppendU64(out, uint64(v.(int64))), nil
	case TypeDouble:
		return bx.AppendU64(out, math.Float64bits(v.(float64))), nil
	case TypeTimestamp:
		return bx.AppendU64(out, uint64(v.(time.Time).UnixMilli())), nil
	case TypeString, TypeEnum:
		units, err := utf16be.NewEncoder().Bytes([]byte(v.(string)))
		if err != nil {
			return nil, fmt.Errorf("record: encode %q: %w", col.Name, err)
		}
		if len(units)/2 > math.MaxUint32 {
			return nil, ErrVarTooLong
		}
		out = bx.AppendU32(out, uint32(len(units)/2))
		return append(out, units...), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, col.Type)
}

// ---- ReadFrame(source) -> frame ----
// ReadFrame returns ErrEndOfStream only when src is exhausted exactly at a
// frame boundary. A frame cut short or failing its checksum is ErrCorrupt.
func ReadFrame(src Source) (Frame, error) {
	off := src.Position()
	tomb, err := src.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, ErrEndOfStream
		}
		return Frame{}, err
	}
	if tomb != Dead && tomb != Live {
		return Frame{}, fmt.Errorf("%w at offset %d: tombstone byte %#x", ErrCorrupt, off, tomb)
	}

	var hdr [4]byte
	if _, err := io.ReadFull(src, hdr[:]); err != nil {
		return Frame{}, corrupt(off, err)
	}
	n := bx.U32(hdr[:])
	if n > maxPayload {
		return Frame{}, fmt.Errorf("%w at offset %d: payload length %d", ErrCorrupt, off, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(src, payload); err != nil {
		return Frame{}, corrupt(off, err)
	}
	if _, err := io.ReadFull(src, hdr[:]); err != nil {
		return Frame{}, corrupt(off, err)
	}
	if want, got := bx.U32(hdr[:]), crc32.ChecksumIEEE(payload); want != got {
		return Frame{}, fmt.Errorf("%w at offset %d: crc %08x != %08x", ErrCorrupt, off, got, want)
	}

	return Frame{Offset: off, Live: tomb == Live, Payload: payload}, nil
}

func corrupt(off int64, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w at offset %d: truncated frame", ErrCorrupt, off)
	}
	return err
}

// ---- Decode(schema, source) -> next live record ----
// Tombstoned frames are skipped.
func Decode(s Schema, src Source) (Record, error) {
	for {
		f, err := ReadFrame(src)
		if err != nil {
			return Record{}, err
		}
		if !f.Live {
			continue
		}
		values, err := DecodePayload(s, f.Payload)
		if err != nil {
			return Record{}, fmt.Errorf("offset %d: %w", f.Offset, err)
		}
		return Record{Offset: f.Offset, Values: values}, nil
	}
}

// DecodePayload decodes a column region written under s or under any older
// prefix of s. Columns past the end of the stored payload decode as null;
// bytes past the last known column are ignored.
func DecodePayload(s Schema, payload []byte) ([]any, error) {
	out := make([]any, s.NumCols())
	rest := payload

	for i, col := range s.Cols {
		if len(rest) == 0 {
			break
		}
		presence := rest[0]
		rest = rest[1:]
		switch presence {
		case presentNull:
			continue
		case presentValue:
		default:
			return nil, fmt.Errorf("%w: presence byte %#x for %q", ErrCorrupt, presence, col.Name)
		}

		v, tail, err := readValue(col, rest)
		if err != nil {
			return nil, err
		}
		rest = tail
		if !col.Deleted {
			out[i] = v
		}
	}
	return out, nil
}

func readValue(col Column, b []byte) (any, []byte, error) {
	short := func() error {
		return fmt.Errorf("%w: payload ends inside %q", ErrCorrupt, col.Name)
	}

	switch col.Type {
	case TypeBool:
		head, rest, ok := bx.Cut(b, 1)
		if !ok {
			return nil, b, short()
		}
		return head[0] != 0, rest, nil

	case TypeLong, TypeDouble, TypeTimestamp:
		head, rest, ok := bx.Cut(b, 8)
		if !ok {
			return nil, b, short()
		}
		u := bx.U64(head)
		switch col.Type {
		case TypeLong:
			return int64(u), rest, nil
		case TypeDouble:
			return math.Float64frombits(u), rest, nil
		}
		return time.UnixMilli(int64(u)).UTC(), rest, nil

	case TypeString, TypeEnum:
		head, rest, ok := bx.Cut(b, 4)
		if !ok {
			return nil, b, short()
		}
		units, rest, ok := bx.Cut(rest, int(bx.U32(head))*2)
		if !ok {
			return nil, b, short()
		}
		str, err := utf16be.NewDecoder().Bytes(units)
		if err != nil {
			return nil, b, fmt.Errorf("%w: %q: %v", ErrCorrupt, col.Name, err)
		}
		return string(str), rest, nil
	}
	return nil, b, fmt.Errorf("%w: %s", ErrUnsupportedType, col.Type)
}
