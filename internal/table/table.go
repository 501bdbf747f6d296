// Package table binds a table definition to its record file and indexes and
// implements the transactional writer that validates and buffers mutations.
package table

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tuannm99/novarel/internal/catalog"
	"github.com/tuannm99/novarel/internal/index"
	"github.com/tuannm99/novarel/internal/record"
	"github.com/tuannm99/novarel/internal/storage"
)

var ErrBadOffset = errors.New("table: no record at offset")

type Options struct {
	// RowCache is the number of committed rows kept decoded; 0 disables it.
	RowCache int
	Logger   *slog.Logger
}

// Table represent one relation on disk: definition, record file, and the
// committed side of its indexes.
type Table struct {
	def  *catalog.Table
	file storage.File
	log  *slog.Logger

	mu      sync.RWMutex
	indexes map[string]index.Writer // by column

	cache *lru.Cache[int64, []any]
}

func New(def *catalog.Table, file storage.File, opts Options) (*Table, error) {
	t := &Table{
		def:     def,
		file:    file,
		log:     opts.Logger,
		indexes: make(map[string]index.Writer),
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	if opts.RowCache > 0 {
		c, err := lru.New[int64, []any](opts.RowCache)
		if err != nil {
			return nil, err
		}
		t.cache = c
	}
	return t, nil
}

func (t *Table) Name() string { return t.def.Name }

func (t *Table) Def() *catalog.Table { return t.def }

func (t *Table) File() storage.File { return t.file }

// Index returns the index on column, or nil.
func (t *Table) Index(column string) index.Writer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.indexes[column]
}

// SetIndex attaches idx to column, replacing any previous index.
func (t *Table) SetIndex(column string, idx index.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.indexes[column] = idx
}

// DropIndex detaches and returns the index on column.
func (t *Table) DropIndex(column string) index.Writer {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.indexes[column]
	delete(t.indexes, column)
	return idx
}

// IndexColumns lists indexed columns in name order.
func (t *Table) IndexColumns() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cols := make([]string, 0, len(t.indexes))
	for c := range t.indexes {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// PurgeCache drops every cached row, e.g. after a schema change.
func (t *Table) PurgeCache() {
	if t.cache != nil {
		t.cache.Purge()
	}
}

func (t *Table) Close() error {
	t.PurgeCache()
	return t.file.Close()
}

// readAt decodes the frame at off, reading no further than limit.
// A tombstoned frame reports false.
func (t *Table) readAt(off, limit int64) (record.Record, bool, error) {
	if off < 0 || off >= limit {
		return record.Record{}, false, fmt.Errorf("%w: %d", ErrBadOffset, off)
	}
	schema := t.def.Schema
	if t.cache != nil {
		if v, ok := t.cache.Get(off); ok && len(v) == schema.NumCols() {
			return record.Record{Offset: off, Values: v}, true, nil
		}
	}

	f, err := record.ReadFrame(t.file.Cursor(off, limit))
	if err != nil {
		if errors.Is(err, record.ErrEndOfStream) {
			return record.Record{}, false, fmt.Errorf("%w: %d", ErrBadOffset, off)
		}
		return record.Record{}, false, err
	}
	if !f.Live {
		return record.Record{}, false, nil
	}
	values, err := record.DecodePayload(schema, f.Payload)
	if err != nil {
		return record.Record{}, false, fmt.Errorf("%s offset %d: %w", t.def.Name, off, err)
	}
	if t.cache != nil {
		t.cache.Add(off, values)
	}
	return record.Record{Offset: off, Values: values}, true, nil
}

func (t *Table) forget(offs []int64) {
	if t.cache == nil {
		return
	}
	for _, off := range offs {
		t.cache.Remove(off)
	}
}

// ---- committed Reader ----

func (t *Table) Get(off int64) (record.Record, bool, error) {
	return t.readAt(off, t.file.Length())
}

func (t *Table) Scan() Iterator {
	return &fileIter{cur: t.file.Cursor(0, t.file.Length()), schema: t.def.Schema}
}

func (t *Table) Lookup(column string, key any) ([]record.Record, error) {
	return lookup(t, t.Index(column), column, key)
}

func (t *Table) Contains(column string, key any) (bool, error) {
	return contains(t, t.Index(column), column, key)
}

// Stats counts frames in the committed file.
type Stats struct {
	Bytes int64
	Live  int
	Dead  int
}

// Stats walks every frame, live or dead. It stops at the first corrupt frame.
func (t *Table) Stats() (Stats, error) {
	st := Stats{Bytes: t.file.Length()}
	err := t.Frames(func(f record.Frame) error {
		if f.Live {
			st.Live++
		} else {
			st.Dead++
		}
		return nil
	})
	return st, err
}

// Frames calls fn with every frame of the committed file in order.
func (t *Table) Frames(fn func(f record.Frame) error) error {
	cur := t.file.Cursor(0, t.file.Length())
	for {
		f, err := record.ReadFrame(cur)
		if errors.Is(err, record.ErrEndOfStream) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
	}
}
