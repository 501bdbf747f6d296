// Package index holds the key -> file offset maps a table keeps next to its
// record file. Writes are buffered in a per-transaction working copy and made
// visible by Commit or discarded by Rollback, mirroring the table writer.
package index

import (
	"errors"

	"github.com/tuannm99/novarel/internal/record"
)

var (
	ErrDuplicateKey = errors.New("index: duplicate key")
	ErrInvalidIndex = errors.New("index: index is invalid")
)

const (
	DefaultBloomCapacity      = 100_000
	DefaultBloomFalsePositive = 0.01
)

// Reader is the read side other tables use to validate foreign keys.
// A null key is never present.
type Reader interface {
	Contains(key any) bool
	// Get returns the offsets stored under key in ascending order.
	Get(key any) []int64
	KeyType() record.Type
}

// Writer is implemented by Unique and Multi.
type Writer interface {
	Reader
	Name() string
	Unique() bool

	// Put associates key with offset. Null keys are ignored.
	Put(key any, offset int64) error
	// Delete removes one association. Null keys are ignored.
	Delete(key any, offset int64) error

	Commit() error
	Rollback()
	// Invalidate marks the index untrustworthy after a failed commit.
	Invalidate()
	Valid() bool
	// Len counts the keys visible to the current transaction.
	Len() int
	// Each walks visible keys in order until fn returns false.
	Each(fn func(key any, offsets []int64) bool)
}

type Options struct {
	// Store persists committed entries; nil keeps the index in memory only.
	Store Store

	BloomCapacity      uint
	BloomFalsePositive float64
}

var (
	_ Writer = (*Unique)(nil)
	_ Writer = (*Multi)(nil)
)

// New returns a Unique or Multi index.
func New(name string, keyType record.Type, unique bool, opts Options) (Writer, error) {
	if unique {
		return NewUnique(name, keyType, opts)
	}
	return NewMulti(name, keyType, opts)
}
