// stand for bytes helper
package bx

import "encoding/binary"

// BE is the byte order of every on-disk integer in a record frame.
var BE = binary.BigEndian

func U16(b []byte) uint16 { return BE.Uint16(b) }
func U32(b []byte) uint32 { return BE.Uint32(b) }
func U64(b []byte) uint64 { return BE.Uint64(b) }

func PutU16(b []byte, v uint16) { BE.PutUint16(b, v) }
func PutU32(b []byte, v uint32) { BE.PutUint32(b, v) }
func PutU64(b []byte, v uint64) { BE.PutUint64(b, v) }

// Append* grow dst by the encoded width and return it.
func AppendU32(dst []byte, v uint32) []byte { return BE.AppendUint32(dst, v) }
func AppendU64(dst []byte, v uint64) []byte { return BE.AppendUint64(dst, v) }

// Cut splits n leading bytes off b. ok is false when b is too short.
func Cut(b []byte, n int) (head, rest []byte, ok bool) {
	if n < 0 || len(b) < n {
		return nil, b, false
	}
	return b[:n], b[n:], true
}
