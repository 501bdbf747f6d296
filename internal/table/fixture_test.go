package table

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novarel/internal/catalog"
	"github.com/tuannm99/novarel/internal/index"
	"github.com/tuannm99/novarel/internal/record"
	"github.com/tuannm99/novarel/internal/storage"
)

type fixture struct {
	t      *testing.T
	dir    string
	cat    *catalog.Catalog
	tables map[string]*Table
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{t: t, dir: t.TempDir(), cat: catalog.New(), tables: map[string]*Table{}}
}

func (f *fixture) create(def *catalog.Table) *Table {
	f.t.Helper()
	require.NoError(f.t, f.cat.CreateTable(def))
	file, err := storage.Open(filepath.Join(f.dir, def.Name+".dat"), storage.Log, storage.Options{ReadBuffer: 64})
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = file.Close() })

	tbl, err := New(def, file, Options{RowCache: 16})
	require.NoError(f.t, err)
	for _, d := range def.Indexes {
		f.attach(tbl, d)
	}
	f.tables[def.Name] = tbl
	return tbl
}

func (f *fixture) attach(tbl *Table, d *catalog.IndexDef) {
	f.t.Helper()
	col, _, ok := tbl.Def().Column(d.Column)
	require.True(f.t, ok)
	idx, err := index.New(d.Name, col.Type, d.Unique, index.Options{BloomCapacity: 1024})
	require.NoError(f.t, err)
	tbl.SetIndex(d.Column, idx)
}

func (f *fixture) foreignKey(fk *catalog.ForeignKey) {
	f.t.Helper()
	d, err := f.cat.AddForeignKey(fk)
	require.NoError(f.t, err)
	if d != nil {
		f.attach(f.tables[fk.Table], d)
	}
}

func (f *fixture) rule(table, name string, e catalog.Expression) {
	f.t.Helper()
	_, err := f.cat.AddRule(table, name, e)
	require.NoError(f.t, err)
}

// tx is a minimal Resources: one writer per table, created on first write.
type tx struct {
	f       *fixture
	writers map[string]*Writer
}

func (f *fixture) begin() *tx { return &tx{f: f, writers: map[string]*Writer{}} }

func (x *tx) Reader(name string) (Reader, error) {
	if w, ok := x.writers[name]; ok {
		return w, nil
	}
	if t, ok := x.f.tables[name]; ok {
		return t, nil
	}
	return nil, catalog.ErrUnknownTable
}

func (x *tx) w(name string) *Writer {
	if w, ok := x.writers[name]; ok {
		return w
	}
	w := x.f.tables[name].NewWriter(x)
	x.writers[name] = w
	return w
}

func (x *tx) insert(name string, values ...any) error {
	_, err := x.w(name).Insert(values, true)
	return err
}

func (x *tx) commit() error {
	for _, w := range x.writers {
		if err := w.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// exec runs one insert in its own transaction.
func (f *fixture) exec(name string, values ...any) error {
	x := f.begin()
	if err := x.insert(name, values...); err != nil {
		return err
	}
	return x.commit()
}

func (f *fixture) rows(name string) [][]any {
	f.t.Helper()
	recs, err := Collect(f.tables[name].Scan())
	require.NoError(f.t, err)
	out := make([][]any, len(recs))
	for i, r := range recs {
		out[i] = r.Values
	}
	return out
}

func long(name string) record.Column {
	return record.Column{Name: name, Type: record.TypeLong, Nullable: true}
}

func str(name string) record.Column {
	return record.Column{Name: name, Type: record.TypeString, Nullable: true}
}

// failingFile fails the failAt-th WriteAt.
type failingFile struct {
	storage.File
	writes int
	failAt int
}

var errInjected = errors.New("injected write failure")

func (f *failingFile) WriteAt(p []byte, off int64) (int, error) {
	f.writes++
	if f.writes == f.failAt {
		return 0, errInjected
	}
	return f.File.WriteAt(p, off)
}
