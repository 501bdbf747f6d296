package table

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/tuannm99/novarel/internal/catalog"
	"github.com/tuannm99/novarel/internal/index"
	"github.com/tuannm99/novarel/internal/record"
	"github.com/tuannm99/novarel/internal/storage"
)

// Reader is a read view of one table. The committed Table is a Reader; so is
// a Writer, which merges its own buffered changes into every read.
type Reader interface {
	Def() *catalog.Table
	// Get returns the live row at off; false when it is deleted.
	Get(off int64) (record.Record, bool, error)
	// Lookup returns live rows whose column equals key, through the index
	// on column when there is a valid one.
	Lookup(column string, key any) ([]record.Record, error)
	Contains(column string, key any) (bool, error)
	Scan() Iterator
}

// Resources hands out readers for every table a statement touches. A table
// written in the current transaction must come back as its Writer.
type Resources interface {
	Reader(table string) (Reader, error)
}

// Iterator yields live rows. Next returns record.ErrEndOfStream at the end.
type Iterator interface {
	Next() (record.Record, error)
}

var (
	_ Iterator = (*fileIter)(nil)
	_ Iterator = (*pendingIter)(nil)
	_ Iterator = (*offsetIter)(nil)
	_ Iterator = (*chainIter)(nil)
)

// fileIter walks committed frames, skipping tombstones and offsets in skip.
type fileIter struct {
	cur    *storage.Cursor
	schema record.Schema
	skip   *roaring64.Bitmap
}

func (it *fileIter) Next() (record.Record, error) {
	for {
		f, err := record.ReadFrame(it.cur)
		if err != nil {
			return record.Record{}, err
		}
		if !f.Live || (it.skip != nil && it.skip.Contains(uint64(f.Offset))) {
			continue
		}
		values, err := record.DecodePayload(it.schema, f.Payload)
		if err != nil {
			return record.Record{}, fmt.Errorf("offset %d: %w", f.Offset, err)
		}
		return record.Record{Offset: f.Offset, Values: values}, nil
	}
}

// pendingIter walks rows buffered by a writer.
type pendingIter struct {
	rows []record.Record
	skip *roaring64.Bitmap
	i    int
}

func (it *pendingIter) Next() (record.Record, error) {
	for it.i < len(it.rows) {
		r := it.rows[it.i]
		it.i++
		if it.skip != nil && it.skip.Contains(uint64(r.Offset)) {
			continue
		}
		return r, nil
	}
	return record.Record{}, record.ErrEndOfStream
}

// offsetIter resolves index hits one by one.
type offsetIter struct {
	get  func(off int64) (record.Record, bool, error)
	offs []int64
	i    int
}

func (it *offsetIter) Next() (record.Record, error) {
	for it.i < len(it.offs) {
		off := it.offs[it.i]
		it.i++
		r, ok, err := it.get(off)
		if err != nil {
			return record.Record{}, err
		}
		if ok {
			return r, nil
		}
	}
	return record.Record{}, record.ErrEndOfStream
}

type chainIter struct {
	its []Iterator
}

func (it *chainIter) Next() (record.Record, error) {
	for len(it.its) > 0 {
		r, err := it.its[0].Next()
		if errors.Is(err, record.ErrEndOfStream) {
			it.its = it.its[1:]
			continue
		}
		return r, err
	}
	return record.Record{}, record.ErrEndOfStream
}

// Each drains it, stopping early when fn returns false or an error.
func Each(it Iterator, fn func(r record.Record) (bool, error)) error {
	for {
		r, err := it.Next()
		if errors.Is(err, record.ErrEndOfStream) {
			return nil
		}
		if err != nil {
			return err
		}
		more, err := fn(r)
		if err != nil || !more {
			return err
		}
	}
}

// Collect drains it.
func Collect(it Iterator) ([]record.Record, error) {
	var out []record.Record
	err := Each(it, func(r record.Record) (bool, error) {
		out = append(out, r)
		return true, nil
	})
	return out, err
}

// keyFor coerces key to the type of column so callers may pass plain Go values.
func keyFor(def *catalog.Table, column string, key any) (int, any, error) {
	col, slot, ok := def.Column(column)
	if !ok {
		return -1, nil, fmt.Errorf("%w: %s.%s", catalog.ErrUnknownColumn, def.Name, column)
	}
	k, err := record.Coerce(col, key)
	return slot, k, err
}

func lookup(r Reader, idx index.Writer, column string, key any) ([]record.Record, error) {
	slot, k, err := keyFor(r.Def(), column, key)
	if err != nil || k == nil {
		return nil, err
	}
	if idx != nil && idx.Valid() {
		return Collect(&offsetIter{get: r.Get, offs: idx.Get(k)})
	}
	var out []record.Record
	err = Each(r.Scan(), func(rec record.Record) (bool, error) {
		if record.Equal(rec.Values[slot], k) {
			out = append(out, rec)
		}
		return true, nil
	})
	return out, err
}

func contains(r Reader, idx index.Writer, column string, key any) (bool, error) {
	if idx != nil && idx.Valid() {
		_, k, err := keyFor(r.Def(), column, key)
		if err != nil {
			return false, err
		}
		return idx.Contains(k), nil
	}
	recs, err := lookup(r, nil, column, key)
	return len(recs) > 0, err
}
